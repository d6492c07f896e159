package commands

import (
	"github.com/spf13/cobra"

	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/relay"
	"github.com/pixelpets/gasless/internal/service"
)

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage smart accounts",
	}

	var ownerKey string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account, generating an owner key unless --owner-key is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := appCtx.Accounts.Create(cmd.Context(), ownerKey)
			if err != nil {
				return err
			}
			return printJSON(account)
		},
	}
	create.Flags().StringVar(&ownerKey, "owner-key", "", "hex private key to import")

	show := &cobra.Command{
		Use:   "show <address>",
		Short: "Show an account and its delegation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := service.ParseAddress(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			account, err := appCtx.Accounts.Get(ctx, addr)
			if err != nil {
				return err
			}
			record, err := appCtx.Delegation.Record(ctx, addr)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"account": account, "delegation": record})
		},
	}

	keys := &cobra.Command{
		Use:   "keys <address>",
		Short: "List keys the relay reports as authorized on-chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := service.ParseAddress(args[0])
			if err != nil {
				return err
			}
			onchain, err := appCtx.Delegation.AuthorizedKeys(cmd.Context(), addr)
			if err != nil {
				return err
			}
			return printJSON(onchain)
		},
	}

	cmd.AddCommand(create, show, keys)
	return cmd
}

func delegateCmd() *cobra.Command {
	var (
		target    string
		sessionID string
		reconcile bool
	)

	cmd := &cobra.Command{
		Use:   "delegate <address>",
		Short: "Prepare and store the account's delegation with the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := service.ParseAddress(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if reconcile {
				rec, err := appCtx.Delegation.Reconcile(ctx, addr)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"state": rec.State, "preCalls": len(rec.PreCalls)})
			}

			owner, err := appCtx.Accounts.OwnerSigner(ctx, addr)
			if err != nil {
				return err
			}

			req := service.DelegationRequest{
				Account: addr,
				Keys: model.AuthorizedKeys{{
					PublicKey: owner.Address().Hex(),
					Role:      model.KeyRoleAdmin,
					Type:      relay.KeyTypeSecp256k1,
				}},
			}
			if target != "" {
				if req.Target, err = service.ParseAddress(target); err != nil {
					return err
				}
			}
			if sessionID != "" {
				session, err := appCtx.Keys.GetActive(ctx, sessionID)
				if err != nil {
					return err
				}
				req.Keys = append(req.Keys, model.AuthorizedKey{
					PublicKey: session.PublicKey,
					Role:      session.Role,
					Type:      relay.KeyTypeSecp256k1,
					Expiry:    session.ExpiresAt.Unix(),
				})
			}

			record, err := appCtx.Delegation.Bootstrap(ctx, req, owner)
			if err != nil {
				return err
			}
			return printJSON(record)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "delegation implementation address (defaults to DELEGATION_TARGET)")
	cmd.Flags().StringVar(&sessionID, "session", "", "also authorize this session key")
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "ask the relay whether a stored delegation has landed")
	return cmd
}
