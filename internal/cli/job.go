package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"

	"github.com/episurv/surveillance/internal/service"
	"github.com/episurv/surveillance/internal/store/model"
)

func NewCmdJob() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit, inspect and cancel tracked jobs.",
	}
	cmd.AddCommand(NewCmdJobSubmit(), NewCmdJobGet(), NewCmdJobList(), NewCmdJobCancel())
	return cmd
}

type JobSubmitOptions struct {
	GlobalOptions

	Input     string
	InputFile string
	Priority  int
}

func DefaultJobSubmitOptions() *JobSubmitOptions {
	return &JobSubmitOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdJobSubmit() *cobra.Command {
	o := DefaultJobSubmitOptions()
	cmd := &cobra.Command{
		Use:   "submit JOB_TYPE",
		Short: "Create a job and enqueue its execution.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *JobSubmitOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVar(&o.Input, "input", o.Input, "Job input as a JSON object.")
	fs.StringVarP(&o.InputFile, "input-file", "f", o.InputFile, "Path of a file holding the job input as a JSON object.")
	fs.IntVar(&o.Priority, "priority", o.Priority, "Job priority from 0 to 100, higher runs first.")
}

func (o *JobSubmitOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.Input != "" && o.InputFile != "" {
		return fmt.Errorf("--input and --input-file are mutually exclusive")
	}
	return nil
}

func (o *JobSubmitOptions) input() (map[string]any, error) {
	raw := []byte(o.Input)
	if o.InputFile != "" {
		content, err := os.ReadFile(o.InputFile)
		if err != nil {
			return nil, fmt.Errorf("reading input file: %w", err)
		}
		raw = content
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]any{}, nil
	}

	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("job input must be a JSON object: %w", err)
	}
	return input, nil
}

func (o *JobSubmitOptions) Run(ctx context.Context, args []string) error {
	input, err := o.input()
	if err != nil {
		return err
	}

	ctx, cancel, env, err := o.Environment(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	files, err := NewFiles(env.Config)
	if err != nil {
		return err
	}

	var q service.TaskQueue
	if env.Queue != nil {
		q = env.Queue
	}
	job, err := service.NewJobService(env.Store, q, Processors(files)).Submit(ctx, service.SubmitRequest{
		JobType:  args[0],
		Input:    input,
		Priority: o.Priority,
	})
	if err != nil {
		return fmt.Errorf("submitting job: %w", err)
	}
	return printObject(os.Stdout, o.Output, job, func(w *tabwriter.Writer) { printJobsTable(w, *job) })
}

type JobGetOptions struct {
	GlobalOptions
}

func NewCmdJobGet() *cobra.Command {
	o := &JobGetOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Display the status of a job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *JobGetOptions) Run(ctx context.Context, args []string) error {
	ctx, cancel, env, err := o.Environment(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	job, err := service.NewJobService(env.Store, nil, nil).Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("reading job/%s: %w", args[0], err)
	}
	return printObject(os.Stdout, o.Output, job, func(w *tabwriter.Writer) { printJobsTable(w, *job) })
}

type JobListOptions struct {
	GlobalOptions

	Statuses []string
	JobType  string
	Limit    int
	Offset   int
}

func NewCmdJobList() *cobra.Command {
	o := &JobListOptions{GlobalOptions: DefaultGlobalOptions(), Limit: 50}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *JobListOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringSliceVar(&o.Statuses, "status", o.Statuses, "Only list jobs in these statuses.")
	fs.StringVar(&o.JobType, "type", o.JobType, "Only list jobs of this type.")
	fs.IntVar(&o.Limit, "limit", o.Limit, "Maximum number of jobs to list.")
	fs.IntVar(&o.Offset, "offset", o.Offset, "Number of jobs to skip.")
}

func (o *JobListOptions) Complete(cmd *cobra.Command, args []string) error {
	if err := o.GlobalOptions.Complete(cmd, args); err != nil {
		return err
	}
	o.Statuses = funk.Map(o.Statuses, func(s string) string {
		return strings.ToUpper(strings.TrimSpace(s))
	}).([]string)
	return nil
}

func (o *JobListOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	for _, s := range o.Statuses {
		if !model.JobStatus(s).Valid() {
			return fmt.Errorf("unknown job status %q", s)
		}
	}
	if o.Limit < 0 || o.Offset < 0 {
		return fmt.Errorf("limit and offset cannot be negative")
	}
	return nil
}

func (o *JobListOptions) Run(ctx context.Context, args []string) error {
	ctx, cancel, env, err := o.Environment(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	statuses := make([]model.JobStatus, 0, len(o.Statuses))
	for _, s := range o.Statuses {
		statuses = append(statuses, model.JobStatus(s))
	}

	jobs, err := service.NewJobService(env.Store, nil, nil).List(ctx, service.ListRequest{
		Statuses: statuses,
		JobType:  o.JobType,
		Limit:    o.Limit,
		Offset:   o.Offset,
	})
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	return printObject(os.Stdout, o.Output, jobs, func(w *tabwriter.Writer) { printJobsTable(w, jobs...) })
}

type JobCancelOptions struct {
	GlobalOptions
}

func NewCmdJobCancel() *cobra.Command {
	o := &JobCancelOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job that has not finished.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *JobCancelOptions) Run(ctx context.Context, args []string) error {
	ctx, cancel, env, err := o.Environment(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	var q service.TaskQueue
	if env.Queue != nil {
		q = env.Queue
	}
	job, err := service.NewJobService(env.Store, q, nil).Cancel(ctx, args[0])
	if err != nil {
		return fmt.Errorf("cancelling job/%s: %w", args[0], err)
	}
	return printObject(os.Stdout, o.Output, job, func(w *tabwriter.Writer) { printJobsTable(w, *job) })
}
