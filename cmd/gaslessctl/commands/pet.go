package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/pixelpets/gasless/internal/chain"
	"github.com/pixelpets/gasless/internal/model"
	"github.com/pixelpets/gasless/internal/petgame"
	"github.com/pixelpets/gasless/internal/service"
)

func pets() (*petgame.Contract, error) {
	if appCtx.Pets == nil {
		return nil, fmt.Errorf("PET_GAME_ADDRESS is not set")
	}
	return appCtx.Pets, nil
}

func petCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pet",
		Short: "Play the pet game through sponsored intents",
	}

	var sessionID string

	submit := func(cmd *cobra.Command, addr common.Address, call model.Call, expect chain.Expectation) error {
		result, err := appCtx.Submitter.Submit(cmd.Context(), service.SubmitRequest{
			Account:   addr,
			Calls:     []model.Call{call},
			SessionID: sessionID,
			Expect:    expect,
		})
		if result != nil {
			if perr := printJSON(result); perr != nil {
				return perr
			}
		}
		return err
	}

	create := &cobra.Command{
		Use:   "create <address> <name>",
		Short: "Create a pet. The first intent of a new account also deploys its delegation.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			game, err := pets()
			if err != nil {
				return err
			}
			addr, err := service.ParseAddress(args[0])
			if err != nil {
				return err
			}
			call, err := game.CreatePet(args[1])
			if err != nil {
				return err
			}
			expect, err := game.PetNamed(addr, args[1])
			if err != nil {
				return err
			}
			return submit(cmd, addr, call, expect)
		},
	}

	feed := &cobra.Command{
		Use:   "feed <address>",
		Short: "Feed the account's pet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			game, err := pets()
			if err != nil {
				return err
			}
			addr, err := service.ParseAddress(args[0])
			if err != nil {
				return err
			}
			call, err := game.FeedPet()
			if err != nil {
				return err
			}
			expect, err := game.PetFedSince(addr, time.Now().Truncate(time.Second))
			if err != nil {
				return err
			}
			return submit(cmd, addr, call, expect)
		},
	}

	show := &cobra.Command{
		Use:   "show <address>",
		Short: "Read the pet straight from the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			game, err := pets()
			if err != nil {
				return err
			}
			addr, err := service.ParseAddress(args[0])
			if err != nil {
				return err
			}
			pet, err := game.Get(cmd.Context(), appCtx.Chain, addr)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"exists":  pet.Exists,
				"name":    pet.Name,
				"hunger":  pet.Hunger.String(),
				"lastFed": pet.LastFed.Int64(),
			})
		},
	}

	for _, c := range []*cobra.Command{create, feed} {
		c.Flags().StringVar(&sessionID, "session", "", "session key to sign with once delegated (defaults to the newest)")
	}

	cmd.AddCommand(create, feed, show)
	return cmd
}

func bundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Inspect submitted bundles",
	}

	await := &cobra.Command{
		Use:   "await <bundle-id>",
		Short: "Resume polling a bundle until it is terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := appCtx.Submitter.Resume(cmd.Context(), args[0], nil)
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	list := &cobra.Command{
		Use:   "list <address>",
		Short: "List recent bundles for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := service.ParseAddress(args[0])
			if err != nil {
				return err
			}
			bundles, err := appCtx.Bundles.ListByAccount(cmd.Context(), strings.ToLower(addr.Hex()), 20)
			if err != nil {
				return err
			}
			return printJSON(bundles)
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Settle bundles left pending past the poll timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := appCtx.Submitter.RecoverPending(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"settled": n})
		},
	}

	cmd.AddCommand(await, list, recoverCmd)
	return cmd
}
