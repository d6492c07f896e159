package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/service"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage session keys",
	}

	var (
		ttl  time.Duration
		role string
	)
	create := &cobra.Command{
		Use:   "create <address>",
		Short: "Issue a session key for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := service.ParseAddress(args[0])
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = appCtx.Config.SessionTTL()
			}
			session, err := appCtx.Keys.CreateSession(cmd.Context(), addr, ttl, service.WithRole(model.KeyRole(role)))
			if err != nil {
				return err
			}
			return printJSON(session)
		},
	}
	create.Flags().DurationVar(&ttl, "ttl", 0, "session lifetime (defaults to SESSION_TTL_SECONDS)")
	create.Flags().StringVar(&role, "role", string(model.KeyRoleNormal), "key role (admin or normal)")

	rotate := &cobra.Command{
		Use:   "rotate <session-id>",
		Short: "Replace a session key; the old one stops signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := appCtx.Keys.Rotate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(next)
		},
	}

	list := &cobra.Command{
		Use:   "list <address>",
		Short: "List an account's session keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := service.ParseAddress(args[0])
			if err != nil {
				return err
			}
			sessions, err := appCtx.Keys.ListForAccount(cmd.Context(), addr)
			if err != nil {
				return err
			}
			return printJSON(sessions)
		},
	}

	attempts := &cobra.Command{
		Use:   "attempts <session-id>",
		Short: "Show a session's transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := appCtx.Keys.Attempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired session keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := appCtx.Keys.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired session keys\n", n)
			return nil
		},
	}

	cmd.AddCommand(create, rotate, list, attempts, sweep)
	return cmd
}
