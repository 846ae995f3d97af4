package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/forgeworks/devloop/internal/ledger"
	"github.com/forgeworks/devloop/internal/model"
	"github.com/forgeworks/devloop/internal/store"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage user credit balances",
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Grant credits to a user, creating the user if absent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID := args[0]
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return eris.Wrapf(err, "parse amount %q", args[1])
		}
		if amount <= 0 {
			return eris.New("grant amount must be positive")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if _, err := st.GetUser(ctx, userID); err != nil {
			if !eris.Is(err, store.ErrNotFound) {
				return err
			}
			if err := st.CreateUser(ctx, &model.User{ID: userID}); err != nil {
				return err
			}
		}

		lg := ledger.New(st, cfg.Ledger)
		balance, err := lg.Grant(ctx, userID, amount, model.LedgerKindGrant, "manual grant")
		if err != nil {
			return err
		}

		fmt.Printf("balance: %.2f\n", balance)
		return nil
	},
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Print a user's credit balance and ledger history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		u, err := st.GetUser(ctx, args[0])
		if err != nil {
			return err
		}

		entries, err := st.ListLedgerEntries(ctx, u.ID)
		if err != nil {
			return err
		}

		fmt.Printf("balance: %.2f\n", u.CreditBalance)
		for _, e := range entries {
			fmt.Printf("%s  %-16s %+9.2f  %s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, e.Amount, e.Description)
		}
		return nil
	},
}

func init() {
	creditsCmd.AddCommand(creditsGrantCmd, creditsBalanceCmd)
	rootCmd.AddCommand(creditsCmd)
}
