package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/genforge/credits/internal/models"
	"github.com/genforge/credits/internal/reconcile"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

func printAccount(out io.Writer, acc *models.Account) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	headerColor.Fprintf(w, "Account %s\n", acc.UserID)
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Balance"), acc.Balance)
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Credited"), acc.TotalCredited)
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Debited"), acc.TotalDebited)
}

func printTransactions(out io.Writer, txs []*models.Transaction) {
	if len(txs) == 0 {
		fmt.Fprintln(out, "(no transactions)")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "TIME\tKIND\tAMOUNT\tBALANCE\tDESCRIPTION")
	for _, t := range txs {
		amount := fmt.Sprintf("%+d", t.Amount)
		if t.Amount < 0 {
			amount = badColor.Sprint(amount)
		} else {
			amount = goodColor.Sprint(amount)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.CreatedAt.Format(time.RFC3339), t.Kind, amount, t.BalanceAfter, t.Description)
	}
}

func printSweep(out io.Writer, n int, err error) {
	switch {
	case err != nil:
		badColor.Fprintf(out, "Sweep timed out %d jobs, some failed: %v\n", n, err)
	case n == 0:
		fmt.Fprintln(out, "No stale jobs")
	default:
		warnColor.Fprintf(out, "Timed out and refunded %d stale jobs\n", n)
	}
}

func printReport(out io.Writer, r *reconcile.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	headerColor.Fprintf(w, "Container %s\n", r.ContainerID)
	status := string(r.Status)
	switch r.Status {
	case models.ContainerReady:
		status = goodColor.Sprint(status)
	case models.ContainerError:
		status = badColor.Sprint(status)
	default:
		status = warnColor.Sprint(status)
	}
	fmt.Fprintf(w, "  %s:\t%s -> %s\n", labelColor.Sprint("Status"), r.PreviousStatus, status)
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Verified"), len(r.Verified))
	for _, ref := range r.Missing {
		fmt.Fprintf(w, "  %s\t%s\n", badColor.Sprint("missing"), ref)
	}
	for _, ref := range r.Discovered {
		fmt.Fprintf(w, "  %s\t%s\n", goodColor.Sprint("discovered"), ref)
	}
	if !r.Changed {
		fmt.Fprintln(w, "  (no changes)")
	}
}
