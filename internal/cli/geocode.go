package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/episurv/surveillance/internal/geocoding"
	"github.com/episurv/surveillance/internal/service"
)

func NewCmdGeocode() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geocode",
		Short: "Operate the address geocoding pipeline.",
	}
	cmd.AddCommand(NewCmdGeocodeTrigger(), NewCmdGeocodeStats(), NewCmdGeocodeRequeueDisabled())
	return cmd
}

type GeocodeOptions struct {
	GlobalOptions

	Inline bool
}

func (o *GeocodeOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.BoolVar(&o.Inline, "inline", o.Inline, "Run one batch in this process instead of enqueueing it.")
}

// service builds the geocoding service. Inline runs, and databases without a task queue, get a
// scheduler and no enqueuer so the batch runs here.
func (o *GeocodeOptions) service(env *Environment) (*service.GeocodingService, error) {
	opts := BatchOptions(env.Config)

	if !o.Inline && env.Queue != nil {
		return service.NewGeocodingService(env.Store, nil, env.Queue, opts), nil
	}

	geocoder, err := NewGeocoder(env.Config)
	if err != nil {
		return nil, err
	}
	return service.NewGeocodingService(env.Store, geocoding.NewScheduler(env.Store, geocoder), nil, opts), nil
}

func newGeocodeCommand(use, short string, o *GeocodeOptions, run func(ctx context.Context) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
	return cmd
}

func NewCmdGeocodeTrigger() *cobra.Command {
	o := &GeocodeOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := newGeocodeCommand("trigger", "Start a geocoding batch.", o, func(ctx context.Context) error {
		ctx, cancel, env, err := o.Environment(ctx)
		if err != nil {
			return err
		}
		defer cancel()
		defer env.Close()

		srv, err := o.service(env)
		if err != nil {
			return err
		}
		result, err := srv.TriggerBatch(ctx)
		if err != nil {
			return fmt.Errorf("triggering geocoding batch: %w", err)
		}
		return printObject(os.Stdout, o.Output, result, func(w *tabwriter.Writer) { printTriggerTable(w, result) })
	})
	o.Bind(cmd.Flags())
	return cmd
}

func NewCmdGeocodeStats() *cobra.Command {
	o := &GeocodeOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := newGeocodeCommand("stats", "Count addresses by geocoding status.", o, func(ctx context.Context) error {
		ctx, cancel, env, err := o.Environment(ctx)
		if err != nil {
			return err
		}
		defer cancel()
		defer env.Close()

		stats, err := service.NewGeocodingService(env.Store, nil, nil, BatchOptions(env.Config)).Stats(ctx)
		if err != nil {
			return fmt.Errorf("reading geocoding stats: %w", err)
		}
		return printObject(os.Stdout, o.Output, stats, func(w *tabwriter.Writer) { printStatsTable(w, stats) })
	})
	o.GlobalOptions.Bind(cmd.Flags())
	return cmd
}

func NewCmdGeocodeRequeueDisabled() *cobra.Command {
	o := &GeocodeOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := newGeocodeCommand("requeue-disabled", "Make addresses disabled for lack of a provider eligible again.", o, func(ctx context.Context) error {
		ctx, cancel, env, err := o.Environment(ctx)
		if err != nil {
			return err
		}
		defer cancel()
		defer env.Close()

		srv, err := o.service(env)
		if err != nil {
			return err
		}
		count, err := srv.RequeueDisabled(ctx)
		if err != nil {
			return fmt.Errorf("requeueing disabled addresses: %w", err)
		}
		result := map[string]int64{"requeued": count}
		return printObject(os.Stdout, o.Output, result, func(w *tabwriter.Writer) {
			fmt.Fprintln(w, "REQUEUED")
			fmt.Fprintf(w, "%d\n", count)
		})
	})
	o.Bind(cmd.Flags())
	return cmd
}
