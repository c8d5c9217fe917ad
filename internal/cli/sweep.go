package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/episurv/surveillance/internal/queue"
	"github.com/episurv/surveillance/internal/store/model"
)

type SweepOptions struct {
	GlobalOptions

	OlderThan time.Duration
}

func NewCmdSweep() *cobra.Command {
	o := &SweepOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished jobs older than their retention.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context())
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *SweepOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.DurationVar(&o.OlderThan, "older-than", o.OlderThan, "Use this age for every terminal status instead of the configured retention.")
}

func (o *SweepOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.OlderThan < 0 {
		return fmt.Errorf("older-than cannot be negative")
	}
	return nil
}

// retention returns the age per terminal status, the configured one unless overridden.
func (o *SweepOptions) retention(configured queue.Retention) queue.Retention {
	if o.OlderThan == 0 {
		return configured
	}
	r := queue.Retention{}
	for _, status := range model.TerminalJobStatuses {
		r[status] = o.OlderThan
	}
	return r
}

func (o *SweepOptions) Run(ctx context.Context) error {
	ctx, cancel, env, err := o.Environment(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	retention := o.retention(queue.RetentionFromConfig(env.Config))
	deleted := map[model.JobStatus]int64{}
	for _, status := range model.TerminalJobStatuses {
		age := retention[status]
		if age <= 0 {
			continue
		}
		n, err := env.Store.Job().SweepOlderThan(ctx, status, age)
		if err != nil {
			return fmt.Errorf("sweeping %s jobs: %w", status, err)
		}
		deleted[status] = n
	}

	return printObject(os.Stdout, o.Output, deleted, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "STATUS\tDELETED")
		for _, status := range model.TerminalJobStatuses {
			if n, ok := deleted[status]; ok {
				fmt.Fprintf(w, "%s\t%d\n", status, n)
			}
		}
	})
}
