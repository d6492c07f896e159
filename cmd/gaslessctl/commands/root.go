package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pixelpets/gasless/internal/app"
	"github.com/pixelpets/gasless/internal/config"
	apperrors "github.com/pixelpets/gasless/internal/errors"
)

var (
	appCtx   *app.App
	logLevel string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "gaslessctl",
		Short:         "Operate sponsored smart-account transactions from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			zerolog.SetGlobalLevel(level)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(false); err != nil {
				return err
			}
			appCtx, err = app.New(cmd.Context(), cfg)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if appCtx != nil {
				appCtx.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		migrateCmd(),
		accountCmd(),
		delegateCmd(),
		sessionCmd(),
		petCmd(),
		bundleCmd(),
	)

	err := root.ExecuteContext(context.Background())
	if err != nil {
		printError(err)
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printError shows the structured error on stderr, including details such as
// deployFundingEligible that callers act on.
func printError(err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %s (%s)\n", appErr.Message, appErr.Code)
	fmt.Fprintf(os.Stderr, "%s\n", apperrors.UserMessage(err))
	if appErr.Details != nil {
		b, _ := json.Marshal(appErr.Details)
		fmt.Fprintf(os.Stderr, "details: %s\n", b)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appCtx.DB.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}
