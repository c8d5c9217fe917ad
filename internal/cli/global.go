package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"

	"github.com/episurv/surveillance/internal/config"
)

const (
	jsonFormat  = "json"
	yamlFormat  = "yaml"
	tableFormat = "table"
)

var (
	legalOutputTypes = []string{jsonFormat, yamlFormat, tableFormat}
)

type GlobalOptions struct {
	Output  string
	Timeout time.Duration
}

func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		Output:  tableFormat,
		Timeout: time.Minute,
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Time allowed for the command to complete.")
}

func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	o.Output = strings.ToLower(strings.TrimSpace(o.Output))
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	if !funk.ContainsString(legalOutputTypes, o.Output) {
		return fmt.Errorf("output format must be one of %s", strings.Join(legalOutputTypes, ", "))
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", o.Timeout)
	}
	return nil
}

// Environment opens the store and queue for one command. The caller closes it and cancels the context.
func (o *GlobalOptions) Environment(ctx context.Context) (context.Context, context.CancelFunc, *Environment, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	env, err := NewEnvironment(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, env, nil
}
