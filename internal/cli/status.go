package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/core/escrow"
	"github.com/vietddude/escrowd/internal/infra/storage"
	"github.com/vietddude/escrowd/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status <tx-id>",
	Short: "Show a transaction and its escrow record",
	Args:  cobra.ExactArgs(1),
	Run:   runStatus,
}

var unresolvedCmd = &cobra.Command{
	Use:   "unresolved",
	Short: "List escrows whose release and return both failed",
	Run:   runUnresolved,
}

func init() {
	rootCmd.AddCommand(statusCmd, unresolvedCmd)
}

func openStore(ctx context.Context) storage.Store {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("database.url is required")
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return postgres.NewStore(db)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	store := openStore(ctx)
	defer func() {
		_ = store.Close()
	}()

	tx, err := store.Transactions().Get(ctx, args[0])
	if err != nil {
		slog.Error("Failed to load transaction", "tx", args[0], "error", err)
		os.Exit(1)
	}
	rec, err := store.Escrows().Get(ctx, tx.ID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		slog.Error("Failed to load escrow record", "tx", tx.ID, "error", err)
		os.Exit(1)
	}
	printStatus(os.Stdout, tx, rec)
}

func printStatus(out io.Writer, tx *domain.Transaction, rec *domain.EscrowRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "TRANSACTION\t%s\n", tx.ID)
	_, _ = fmt.Fprintf(w, "STATUS\t%s (%s)\n", tx.Status, escrow.StatusDescription(tx.Status))
	_, _ = fmt.Fprintf(w, "SENDER\t%s via %s\n", tx.SenderID, tx.SenderMethodType)
	_, _ = fmt.Fprintf(w, "RECIPIENT\t%s via %s\n", tx.RecipientID, tx.RecipientMethodType)
	_, _ = fmt.Fprintf(w, "AMOUNT\t%s %s\n", tx.Amount.StringFixed(2), tx.Currency)
	_, _ = fmt.Fprintf(w, "FEES\t%s\n", tx.Fees.Total.StringFixed(2))
	_, _ = fmt.Fprintf(w, "CREATED\t%s\n", tx.CreatedAt.Format(time.RFC3339))
	if tx.FailureReason != "" {
		_, _ = fmt.Fprintf(w, "REASON\t%s\n", tx.FailureReason)
	}
	if rec != nil {
		_, _ = fmt.Fprintf(w, "ESCROW\t%s\n", rec.Status)
		_, _ = fmt.Fprintf(w, "HELD\t%s %s\n", rec.Amount.StringFixed(2), rec.Currency)
		if rec.PendingLeg != "" {
			_, _ = fmt.Fprintf(w, "PENDING LEG\t%s\n", rec.PendingLeg)
		}
		if rec.LastError != "" {
			_, _ = fmt.Fprintf(w, "LAST ERROR\t%s\n", rec.LastError)
		}
	}
	_ = w.Flush()
}

func runUnresolved(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	store := openStore(ctx)
	defer func() {
		_ = store.Close()
	}()

	recs, err := store.Escrows().ListByStatus(ctx, domain.EscrowStatusFailed)
	if err != nil {
		slog.Error("Failed to list unresolved escrows", "error", err)
		os.Exit(1)
	}
	printUnresolved(os.Stdout, recs)
}

func printUnresolved(out io.Writer, recs []*domain.EscrowRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TRANSACTION\tAMOUNT\tPROCESSOR\tHELD\tLAST ERROR")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s %s\t%s\t%s\t%s\n",
			r.TransactionID, r.Amount.StringFixed(2), r.Currency, r.MethodType,
			r.HeldAt.Format(time.RFC3339), r.LastError)
	}
	_ = w.Flush()
}
