package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/getpup/pupstore/es/factory"
	"github.com/getpup/pupstore/es/logging"
)

type rootOptions struct {
	name    string
	verbose bool

	// environ replaces the process environment when set
	environ map[string]string
}

func newRootCmd(environ map[string]string) *cobra.Command {
	opts := &rootOptions{environ: environ}

	cmd := &cobra.Command{
		Use:           "pupstore",
		Short:         "Event recorder tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.name, "name", "", "factory name; prefixes environment keys and table names")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log recorder activity")

	cmd.AddCommand(
		newSchemaCmd(),
		newCreateTablesCmd(opts),
		newNotificationsCmd(opts),
		newMaxIDCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// openFactory opens the factory named by --name from the environment.
func (o *rootOptions) openFactory(ctx context.Context, cmd *cobra.Command) (*factory.Factory, error) {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	opts := []factory.Option{factory.WithLogger(logging.New(logger))}
	if o.environ != nil {
		opts = append(opts, factory.WithEnviron(o.environ))
	}
	return factory.New(ctx, o.name, opts...)
}
