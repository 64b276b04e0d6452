package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vanshika/uplink/internal/bootstrap"
	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/logging"
)

const (
	outputFlagName     = "output"
	outputFlagValJSON  = "json"
	outputFlagValHuman = "human"
)

// openApp builds the services from the environment. Tests replace it.
var openApp = func(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return bootstrap.New(ctx, cfg, logger.With(zap.String("component", "uplinkctl")))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "uplinkctl",
		Short:        "Operate the referral commission ledger",
		SilenceUsage: true,
	}
	root.PersistentFlags().String(outputFlagName, outputFlagValHuman, "Specify the output format: json,human")

	root.AddCommand(
		newUplineCmd(),
		newPropagateCmd(),
		newTransitionCmd(),
		newCommissionsCmd(),
	)
	return root
}

// withApp opens the services for one command and closes them afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())
	return fn(ctx, app)
}

// render prints v as JSON or through human, depending on --output.
func render(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	output, err := cmd.Flags().GetString(outputFlagName)
	if err != nil {
		return err
	}
	switch output {
	case outputFlagValHuman:
		human(cmd.OutOrStdout())
		return nil
	case outputFlagValJSON:
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("%s flag must be either %q or %q", outputFlagName, outputFlagValHuman, outputFlagValJSON)
	}
}
