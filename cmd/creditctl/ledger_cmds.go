package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var historyLimit int
var grantReason string

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show an account's balance and totals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		s, err := openServices(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		acc, err := s.ledger.GetBalance(cmd.Context(), userID)
		if err != nil {
			return err
		}
		printAccount(os.Stdout, acc)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "List an account's most recent ledger transactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		s, err := openServices(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		txs, err := s.ledger.History(cmd.Context(), userID, historyLimit)
		if err != nil {
			return err
		}
		printTransactions(os.Stdout, txs)
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Credit bonus credits to an account",
	Example: `  # Goodwill credit after an outage
  creditctl grant 6f1c... 25 --reason "incident 2026-03-01"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		s, err := openServices(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := s.ledger.Grant(cmd.Context(), userID, amount, "bonus: "+grantReason)
		if err != nil {
			return err
		}
		goodColor.Fprintf(os.Stdout, "Granted %d credits to %s (balance %d, transaction %s)\n", amount, userID, t.BalanceAfter, t.ID)
		return nil
	},
}

func parseUserID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	return id, nil
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("amount must be a positive integer, got %q", s)
	}
	return n, nil
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of transactions")
	grantCmd.Flags().StringVar(&grantReason, "reason", "operator grant", "description recorded on the transaction")
	rootCmd.AddCommand(balanceCmd, historyCmd, grantCmd)
}
