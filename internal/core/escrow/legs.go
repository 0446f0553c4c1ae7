package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/processor"
	"github.com/vietddude/escrowd/internal/infra/recovery"
	"github.com/vietddude/escrowd/internal/infra/storage"
	"github.com/vietddude/escrowd/internal/metrics"
)

// reference is the idempotency key forwarded to the rail for one leg.
func reference(txID string, leg domain.Leg) string {
	return txID + ":" + string(leg)
}

// withdraw takes the full amount from the sender into custody. A pending
// transaction whose hold is already recorded is moved to escrowed without a
// rail call. When the rail refuses, the transaction ends in onFail; when ctx
// ends first it stays pending.
func (o *Orchestrator) withdraw(ctx context.Context, tx *domain.Transaction, method *domain.PaymentMethod, onFail Status) (*domain.Transaction, *domain.EscrowRecord, error) {
	rec, err := o.store.Escrows().Get(ctx, tx.ID)
	switch {
	case err == nil && rec.ExternalTransactionID != "":
		next, err := o.finalize(ctx, tx, rec)
		return next, rec, err
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return tx, nil, err
	}

	p, err := o.processors.Get(method.Type)
	if err != nil {
		return tx, nil, err
	}
	o.publish(ctx, o.event(domain.EventWithdrawalInitiated, tx))

	rc := o.rc(tx, p.Type(), domain.OperationWithdraw, tx.Amount)
	receipt, err := recovery.Run(ctx, o.recovery, rc, func(ctx context.Context) (processor.Receipt, error) {
		return p.Withdraw(ctx, processor.LegRequest{
			Method:    method,
			Amount:    tx.Amount,
			Currency:  tx.Currency,
			Reference: reference(tx.ID, domain.LegWithdraw),
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			o.logger.Warn("Withdrawal interrupted, transaction stays pending", "tx", tx.ID, "error", err)
			return tx, nil, err
		}
		return o.failWithdraw(ctx, tx, onFail, err)
	}

	now := o.now().UTC()
	next, err := o.transition(tx, domain.TransactionStatusEscrowed, now)
	if err != nil {
		return tx, nil, err
	}
	if o.holdTimeout > 0 {
		expires := now.Add(o.holdTimeout)
		next.HoldExpiresAt = &expires
	}
	rec = &domain.EscrowRecord{
		TransactionID:         tx.ID,
		Amount:                tx.Amount,
		Currency:              tx.Currency,
		MethodType:            p.Type(),
		ExternalTransactionID: receipt.ExternalID,
		ReleasedAmount:        decimal.Zero,
		Status:                domain.EscrowStatusHolding,
		HeldAt:                now,
	}
	err = o.persist(ctx, func(uow storage.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, next); err != nil {
			return err
		}
		return uow.Escrows().Create(ctx, rec)
	})
	if err != nil {
		// The rail holds the funds under this transaction's reference; a
		// resume replays the withdrawal and gets the same receipt back.
		o.logger.Error("Failed to record escrow hold", "tx", tx.ID, "external_id", receipt.ExternalID, "error", err)
		return tx, nil, fmt.Errorf("record escrow hold of %s: %w", tx.ID, err)
	}
	countStatus(next.Status)

	o.logger.Info("Funds held in escrow",
		"tx", next.ID,
		"external_id", receipt.ExternalID,
		"amount", next.Amount.String(),
		"hold_expires_at", next.HoldExpiresAt,
	)
	held := o.event(domain.EventWithdrawalSucceeded, next)
	held.ExternalID = receipt.ExternalID
	o.publish(ctx, held)
	held.Type = domain.EventEscrowHeld
	held.ID = uuid.NewString()
	o.publish(ctx, held)
	return next, rec, nil
}

func (o *Orchestrator) failWithdraw(ctx context.Context, tx *domain.Transaction, to Status, cause error) (*domain.Transaction, *domain.EscrowRecord, error) {
	next, err := o.transition(tx, to, o.now().UTC())
	if err != nil {
		return tx, nil, err
	}
	next.FailureReason = cause.Error()
	if err := o.persist(ctx, func(uow storage.UnitOfWork) error {
		return uow.Transactions().Update(ctx, next)
	}); err != nil {
		return tx, nil, fmt.Errorf("record failed withdrawal of %s: %w (withdraw: %w)", tx.ID, err, cause)
	}
	countStatus(next.Status)

	o.logger.Warn("Withdrawal failed", "tx", tx.ID, "status", next.Status, "error", cause)
	o.publishReason(ctx, domain.EventWithdrawalFailed, next, cause.Error())

	if to == domain.TransactionStatusFailed {
		return next, nil, fmt.Errorf("withdraw %s: %w", tx.ID, cause)
	}
	return next, nil, nil
}

// release deposits the net amount to the recipient. A refusal other than an
// open breaker returns the funds to the sender; the refunded transaction is
// then returned together with the release error.
func (o *Orchestrator) release(ctx context.Context, tx *domain.Transaction, rec *domain.EscrowRecord) (*domain.Transaction, *domain.EscrowRecord, error) {
	if rec.ReleaseTransactionID != "" || rec.ReturnTransactionID != "" {
		next, err := o.finalize(ctx, tx, rec)
		return next, rec, err
	}

	method, err := o.legMethod(ctx, tx.RecipientMethodID)
	if err != nil {
		return tx, rec, err
	}
	p, err := o.processors.Get(tx.RecipientMethodType)
	if err != nil {
		return tx, rec, err
	}

	if rec.PendingLeg != domain.LegRelease {
		rec = rec.Clone()
		rec.PendingLeg = domain.LegRelease
		if err := o.saveEscrow(ctx, rec); err != nil {
			return tx, rec, err
		}
	}

	net := tx.NetAmount()
	rc := o.rc(tx, p.Type(), domain.OperationDeposit, net)
	receipt, err := recovery.Run(ctx, o.recovery, rc, func(ctx context.Context) (processor.Receipt, error) {
		return p.Deposit(ctx, processor.LegRequest{
			Method:    method,
			Amount:    net,
			Currency:  tx.Currency,
			Reference: reference(tx.ID, domain.LegRelease),
		})
	})
	if err != nil {
		return o.releaseFailed(ctx, tx, rec, err)
	}

	now := o.now().UTC()
	next, err := o.transition(tx, domain.TransactionStatusCompleted, now)
	if err != nil {
		return tx, rec, err
	}
	done := rec.Clone()
	done.Status = domain.EscrowStatusReleased
	done.ReleaseTransactionID = receipt.ExternalID
	done.ReleasedAmount = net
	done.PendingLeg = ""
	done.LastError = ""
	done.ResolvedAt = &now
	if err := o.persist(ctx, func(uow storage.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, next); err != nil {
			return err
		}
		return uow.Escrows().Update(ctx, done)
	}); err != nil {
		o.logger.Error("Failed to record release", "tx", tx.ID, "external_id", receipt.ExternalID, "error", err)
		return tx, rec, fmt.Errorf("record release of %s: %w", tx.ID, err)
	}
	countStatus(next.Status)

	o.logger.Info("Funds released",
		"tx", next.ID,
		"external_id", receipt.ExternalID,
		"net_amount", net.String(),
		"processor", p.Type(),
	)
	ev := o.event(domain.EventFundsReleased, next)
	ev.Amount = net
	ev.ProcessorType = p.Type()
	ev.ExternalID = receipt.ExternalID
	o.publish(ctx, ev)
	return next, done, nil
}

func (o *Orchestrator) releaseFailed(ctx context.Context, tx *domain.Transaction, rec *domain.EscrowRecord, cause error) (*domain.Transaction, *domain.EscrowRecord, error) {
	if ctx.Err() != nil {
		o.logger.Warn("Release interrupted, will resume", "tx", tx.ID, "error", cause)
		return tx, rec, cause
	}

	rec = rec.Clone()
	rec.PendingLeg = ""
	rec.LastError = cause.Error()

	if errors.Is(cause, apperr.ErrServiceUnavailable) {
		// Funds stay in custody; a later confirmation or the hold expiry
		// moves them once the rail is back.
		if err := o.saveEscrow(ctx, rec); err != nil {
			return tx, rec, err
		}
		o.logger.Warn("Release deferred, rail unavailable", "tx", tx.ID, "error", cause)
		return tx, rec, fmt.Errorf("release %s: %w", tx.ID, cause)
	}

	o.logger.Warn("Release failed, returning funds to sender", "tx", tx.ID, "error", cause)
	ev := o.event(domain.EventReleaseFailed, tx)
	ev.ProcessorType = tx.RecipientMethodType
	ev.Reason = cause.Error()
	o.publish(ctx, ev)

	next, rec, err := o.refund(ctx, tx, rec, "release failed: "+cause.Error())
	if err != nil {
		return next, rec, err
	}
	return next, rec, fmt.Errorf("release %s: %w", tx.ID, cause)
}

// refund deposits the full amount back to the sender. When that fails for
// any reason but an open breaker the record is marked unresolved.
func (o *Orchestrator) refund(ctx context.Context, tx *domain.Transaction, rec *domain.EscrowRecord, reason string) (*domain.Transaction, *domain.EscrowRecord, error) {
	if rec.ReleaseTransactionID != "" || rec.ReturnTransactionID != "" {
		next, err := o.finalize(ctx, tx, rec)
		return next, rec, err
	}

	method, err := o.legMethod(ctx, tx.SenderMethodID)
	if err != nil {
		return tx, rec, err
	}
	p, err := o.processors.Get(tx.SenderMethodType)
	if err != nil {
		return tx, rec, err
	}

	if rec.PendingLeg != domain.LegReturn {
		rec = rec.Clone()
		rec.PendingLeg = domain.LegReturn
		if err := o.saveEscrow(ctx, rec); err != nil {
			return tx, rec, err
		}
	}

	rc := o.rc(tx, p.Type(), domain.OperationDeposit, tx.Amount)
	receipt, err := recovery.Run(ctx, o.recovery, rc, func(ctx context.Context) (processor.Receipt, error) {
		return p.Deposit(ctx, processor.LegRequest{
			Method:    method,
			Amount:    tx.Amount,
			Currency:  tx.Currency,
			Reference: reference(tx.ID, domain.LegReturn),
		})
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			o.logger.Warn("Return interrupted, will resume", "tx", tx.ID, "error", err)
			return tx, rec, err
		case errors.Is(err, apperr.ErrServiceUnavailable) && rec.Status == domain.EscrowStatusHolding:
			rec = rec.Clone()
			rec.LastError = err.Error()
			if serr := o.saveEscrow(ctx, rec); serr != nil {
				return tx, rec, serr
			}
			o.logger.Warn("Return deferred, rail unavailable", "tx", tx.ID, "error", err)
			return tx, rec, fmt.Errorf("return %s: %w", tx.ID, err)
		default:
			return o.markUnresolved(ctx, tx, rec, err)
		}
	}

	wasUnresolved := rec.Status == domain.EscrowStatusFailed
	now := o.now().UTC()
	next, err := o.transition(tx, domain.TransactionStatusRefunded, now)
	if err != nil {
		return tx, rec, err
	}
	next.FailureReason = reason
	done := rec.Clone()
	done.Status = domain.EscrowStatusReturned
	done.ReturnTransactionID = receipt.ExternalID
	done.PendingLeg = ""
	done.LastError = ""
	done.ResolvedAt = &now
	if err := o.persist(ctx, func(uow storage.UnitOfWork) error {
		if err := uow.Transactions().Update(ctx, next); err != nil {
			return err
		}
		return uow.Escrows().Update(ctx, done)
	}); err != nil {
		o.logger.Error("Failed to record return", "tx", tx.ID, "external_id", receipt.ExternalID, "error", err)
		return tx, rec, fmt.Errorf("record return of %s: %w", tx.ID, err)
	}
	countStatus(next.Status)
	if wasUnresolved {
		o.refreshUnresolved(ctx)
	}

	o.logger.Info("Funds returned to sender",
		"tx", next.ID,
		"external_id", receipt.ExternalID,
		"amount", next.Amount.String(),
		"reason", reason,
	)
	ev := o.event(domain.EventFundsReturned, next)
	ev.ExternalID = receipt.ExternalID
	ev.Reason = reason
	o.publish(ctx, ev)
	return next, done, nil
}

// markUnresolved records that neither release nor return succeeded. The
// funds stay in custody until an operator retries the return.
func (o *Orchestrator) markUnresolved(ctx context.Context, tx *domain.Transaction, rec *domain.EscrowRecord, cause error) (*domain.Transaction, *domain.EscrowRecord, error) {
	rec = rec.Clone()
	rec.Status = domain.EscrowStatusFailed
	rec.PendingLeg = domain.LegReturn
	rec.LastError = cause.Error()
	if err := o.saveEscrow(ctx, rec); err != nil {
		return tx, rec, fmt.Errorf("transaction %s: %w: %w (record: %v)", tx.ID, apperr.ErrSagaUnresolved, cause, err)
	}
	o.refreshUnresolved(ctx)

	o.logger.Error("Escrow unresolved, operator action required",
		"tx", tx.ID,
		"amount", tx.Amount.String(),
		"hold", rec.ExternalTransactionID,
		"error", cause,
	)
	ev := o.event(domain.EventEscrowUnresolved, tx)
	ev.ExternalID = rec.ExternalTransactionID
	ev.Reason = cause.Error()
	o.publish(ctx, ev)
	return tx, rec, fmt.Errorf("transaction %s: %w: %w", tx.ID, apperr.ErrSagaUnresolved, cause)
}

// finalize brings the transaction in line with rail ids already recorded on
// its escrow record.
func (o *Orchestrator) finalize(ctx context.Context, tx *domain.Transaction, rec *domain.EscrowRecord) (*domain.Transaction, error) {
	to, custody := domain.TransactionStatusEscrowed, rec.Status
	switch {
	case rec.ReleaseTransactionID != "":
		to, custody = domain.TransactionStatusCompleted, domain.EscrowStatusReleased
	case rec.ReturnTransactionID != "":
		to, custody = domain.TransactionStatusRefunded, domain.EscrowStatusReturned
	}
	if tx.Status == to && rec.Status == custody {
		return tx, nil
	}

	now := o.now().UTC()
	next := tx
	if tx.Status != to {
		var err error
		if next, err = o.transition(tx, to, now); err != nil {
			return tx, err
		}
		if to == domain.TransactionStatusEscrowed {
			held := rec.HeldAt
			next.EscrowedAt = &held
			if o.holdTimeout > 0 {
				expires := held.Add(o.holdTimeout)
				next.HoldExpiresAt = &expires
			}
		}
	}
	var done *domain.EscrowRecord
	if rec.Status != custody {
		done = rec.Clone()
		done.Status = custody
		done.PendingLeg = ""
		done.ResolvedAt = &now
		if custody == domain.EscrowStatusReleased && done.ReleasedAmount.IsZero() {
			done.ReleasedAmount = tx.NetAmount()
		}
	}
	if err := o.persist(ctx, func(uow storage.UnitOfWork) error {
		if next != tx {
			if err := uow.Transactions().Update(ctx, next); err != nil {
				return err
			}
		}
		if done != nil {
			return uow.Escrows().Update(ctx, done)
		}
		return nil
	}); err != nil {
		return tx, err
	}
	if next != tx {
		countStatus(next.Status)
	}
	o.logger.Info("Transaction finalized from recorded leg", "tx", tx.ID, "from", tx.Status, "to", next.Status)
	return next, nil
}

// transition returns a copy of tx moved to status to and stamped at now.
func (o *Orchestrator) transition(tx *domain.Transaction, to Status, now time.Time) (*domain.Transaction, error) {
	if !CanTransition(tx.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, tx.Status, to)
	}
	next := tx.Clone()
	next.Status = to
	switch to {
	case domain.TransactionStatusEscrowed:
		next.EscrowedAt = &now
	case domain.TransactionStatusCompleted:
		next.CompletedAt = &now
	case domain.TransactionStatusFailed:
		next.FailedAt = &now
	case domain.TransactionStatusCancelled:
		next.CancelledAt = &now
	case domain.TransactionStatusRefunded:
		next.RefundedAt = &now
	}
	return next, nil
}

// persist commits fn in a unit of work. A leg that already moved money must
// be recorded even if the caller gave up, so the commit outlives ctx.
func (o *Orchestrator) persist(ctx context.Context, fn func(uow storage.UnitOfWork) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	return storage.WithTx(ctx, o.store, fn)
}

func (o *Orchestrator) saveEscrow(ctx context.Context, rec *domain.EscrowRecord) error {
	err := o.persist(ctx, func(uow storage.UnitOfWork) error {
		return uow.Escrows().Update(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("save escrow %s: %w", rec.TransactionID, err)
	}
	return nil
}

func (o *Orchestrator) refreshUnresolved(ctx context.Context) {
	n, err := o.store.Escrows().CountByStatus(context.WithoutCancel(ctx), domain.EscrowStatusFailed)
	if err != nil {
		o.logger.Warn("Failed to count unresolved escrows", "error", err)
		return
	}
	metrics.UnresolvedEscrows.Set(float64(n))
}

func (o *Orchestrator) rc(tx *domain.Transaction, t domain.MethodType, op domain.Operation, amount decimal.Decimal) recovery.Context {
	return recovery.Context{
		TransactionID: tx.ID,
		ProcessorType: t,
		Operation:     op,
		Amount:        amount,
	}
}

func (o *Orchestrator) event(t domain.EventType, tx *domain.Transaction) domain.Event {
	return domain.Event{
		ID:            uuid.NewString(),
		Type:          t,
		TransactionID: tx.ID,
		SenderID:      tx.SenderID,
		RecipientID:   tx.RecipientID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		ProcessorType: tx.SenderMethodType,
		OccurredAt:    o.now().UTC(),
	}
}

func (o *Orchestrator) publishReason(ctx context.Context, t domain.EventType, tx *domain.Transaction, reason string) {
	ev := o.event(t, tx)
	ev.Reason = reason
	o.publish(ctx, ev)
}

// publish never fails the saga; sinks report their own errors.
func (o *Orchestrator) publish(ctx context.Context, ev domain.Event) {
	if err := o.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("Failed to publish event", "type", ev.Type, "tx", ev.TransactionID, "error", err)
	}
}

func countStatus(s Status) {
	metrics.TransactionsTotal.WithLabelValues(string(s)).Inc()
}
