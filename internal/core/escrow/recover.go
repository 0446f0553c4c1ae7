package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/metrics"
)

// Resume continues a transaction from its last committed state. Terminal
// transactions and unresolved escrows are left alone.
func (o *Orchestrator) Resume(ctx context.Context, txID string) (*domain.Transaction, error) {
	unlock, err := o.locker.Lock(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", txID, err)
	}
	defer unlock()

	tx, err := o.store.Transactions().Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	return o.advance(ctx, tx)
}

func (o *Orchestrator) advance(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	switch tx.Status {
	case domain.TransactionStatusPending:
		method, err := o.legMethod(ctx, tx.SenderMethodID)
		if err != nil {
			return tx, err
		}
		next, rec, err := o.withdraw(ctx, tx, method, domain.TransactionStatusFailed)
		if err != nil || !o.autoRelease {
			return next, err
		}
		next, _, err = o.release(ctx, next, rec)
		return next, err

	case domain.TransactionStatusEscrowed:
		rec, err := o.store.Escrows().Get(ctx, tx.ID)
		if err != nil {
			return tx, err
		}
		if rec.Status == domain.EscrowStatusFailed {
			o.logger.Warn("Skipping unresolved escrow", "tx", tx.ID, "last_error", rec.LastError)
			return tx, nil
		}
		switch {
		case rec.ReleaseTransactionID != "" || rec.ReturnTransactionID != "":
			return o.finalize(ctx, tx, rec)
		case rec.PendingLeg == domain.LegRelease:
			next, _, err := o.release(ctx, tx, rec)
			return next, err
		case rec.PendingLeg == domain.LegReturn:
			next, _, err := o.refund(ctx, tx, rec, "return resumed")
			return next, err
		case o.autoRelease:
			next, _, err := o.release(ctx, tx, rec)
			return next, err
		}
		return tx, nil

	default:
		return tx, nil
	}
}

// ResumeAll resumes every pending and escrowed transaction, typically at
// startup. It returns how many were visited and the joined failures.
func (o *Orchestrator) ResumeAll(ctx context.Context) (int, error) {
	txs, err := o.store.Transactions().ListByStatus(ctx,
		domain.TransactionStatusPending, domain.TransactionStatusEscrowed)
	if err != nil {
		return 0, fmt.Errorf("list in-flight transactions: %w", err)
	}
	if len(txs) == 0 {
		return 0, nil
	}
	o.logger.Info("Resuming in-flight transactions", "count", len(txs))

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, tx := range txs {
		g.Go(func() error {
			if _, err := o.Resume(ctx, tx.ID); err != nil {
				o.logger.Warn("Resume failed", "tx", tx.ID, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("resume %s: %w", tx.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(txs), errors.Join(errs...)
}

// ExpireHolds returns escrowed funds whose hold timed out. A release already
// in flight is continued instead. It returns how many holds were resolved.
func (o *Orchestrator) ExpireHolds(ctx context.Context) (int, error) {
	now := o.now().UTC()
	txs, err := o.store.Transactions().ListHoldExpired(ctx, now, o.expiryBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	var (
		mu       sync.Mutex
		resolved int
		errs     []error
	)
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, tx := range txs {
		g.Go(func() error {
			next, err := o.expire(ctx, tx.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("expire %s: %w", tx.ID, err))
			}
			if next != nil && next.Status.IsTerminal() {
				resolved++
			}
			return nil
		})
	}
	_ = g.Wait()
	return resolved, errors.Join(errs...)
}

func (o *Orchestrator) expire(ctx context.Context, txID string) (*domain.Transaction, error) {
	unlock, err := o.locker.Lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; a confirmation may have won the race.
	tx, err := o.store.Transactions().Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TransactionStatusEscrowed || tx.HoldExpiresAt == nil || tx.HoldExpiresAt.After(o.now()) {
		return nil, nil
	}
	rec, err := o.store.Escrows().Get(ctx, txID)
	if err != nil {
		return tx, err
	}
	if rec.Status == domain.EscrowStatusFailed {
		return tx, nil
	}

	if rec.PendingLeg == domain.LegRelease {
		next, _, err := o.release(ctx, tx, rec)
		return next, err
	}
	if rec.PendingLeg == "" {
		metrics.EscrowsExpiredTotal.Inc()
		o.logger.Info("Escrow hold expired", "tx", tx.ID, "held_at", rec.HeldAt, "expired_at", tx.HoldExpiresAt)
		o.publishReason(ctx, domain.EventEscrowTimeout, tx, "hold expired")
	}
	next, _, err := o.refund(ctx, tx, rec, "hold expired")
	return next, err
}

// RetryReturn is the operator's action for an unresolved escrow: it attempts
// the return to the sender again.
func (o *Orchestrator) RetryReturn(ctx context.Context, txID string) (*domain.Transaction, error) {
	unlock, err := o.locker.Lock(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", txID, err)
	}
	defer unlock()

	tx, err := o.store.Transactions().Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TransactionStatusEscrowed {
		return tx, fmt.Errorf("%w: transaction %s is %s", apperr.ErrInvalidTransition, tx.ID, tx.Status)
	}
	rec, err := o.store.Escrows().Get(ctx, txID)
	if err != nil {
		return tx, err
	}
	if rec.Status != domain.EscrowStatusFailed && rec.PendingLeg != domain.LegReturn {
		return tx, fmt.Errorf("%w: escrow of %s has no failed return", apperr.ErrInvalidTransition, tx.ID)
	}

	o.logger.Info("Retrying return", "tx", tx.ID, "last_error", rec.LastError)
	next, _, err := o.refund(ctx, tx, rec, "return retried by operator")
	return next, err
}

// ListUnresolved returns every transaction whose release and return both
// failed, oldest first.
func (o *Orchestrator) ListUnresolved(ctx context.Context) ([]*Snapshot, error) {
	recs, err := o.store.Escrows().ListByStatus(ctx, domain.EscrowStatusFailed)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(recs))
	for _, rec := range recs {
		tx, err := o.store.Transactions().Get(ctx, rec.TransactionID)
		if err != nil {
			return nil, err
		}
		out = append(out, &Snapshot{Transaction: tx, Escrow: rec})
	}
	metrics.UnresolvedEscrows.Set(float64(len(out)))
	return out, nil
}
