// Package escrow drives a Transaction and its EscrowRecord through
// withdrawal, custody, and release or return.
//
// Every leg runs through the recovery manager under the transaction's lock,
// and every state change is committed before the next leg starts, so a
// restarted process resumes from the last committed state.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/audit"
	"github.com/vietddude/escrowd/internal/infra/processor"
	"github.com/vietddude/escrowd/internal/infra/recovery"
	"github.com/vietddude/escrowd/internal/infra/storage"
)

// Config holds the orchestrator's collaborators and policy.
type Config struct {
	Store      storage.Store
	Processors *processor.Registry
	Recovery   *recovery.Manager
	Locker     Locker
	Sink       audit.Sink
	Logger     *slog.Logger
	Clock      func() time.Time

	// EscrowFeePercent is added to the sender rail's fee; 0.5 means 0.5%.
	EscrowFeePercent decimal.Decimal

	// HoldTimeout bounds how long funds stay in custody. Zero disables expiry.
	HoldTimeout time.Duration

	// AutoRelease runs the release leg right after the withdrawal.
	AutoRelease bool

	// Concurrency bounds the fan-out of ResumeAll and ExpireHolds.
	Concurrency int

	// ExpiryBatch bounds the holds handled per ExpireHolds call.
	ExpiryBatch int

	// PersistTimeout bounds each state commit. Commits after a finished leg
	// outlive the caller's context.
	PersistTimeout time.Duration
}

// InitiateRequest is a payment intent from sender to recipient.
type InitiateRequest struct {
	SenderID          string          `json:"sender_id"`
	RecipientID       string          `json:"recipient_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	SenderMethodID    string          `json:"sender_method_id"`
	RecipientMethodID string          `json:"recipient_method_id"`
}

// Snapshot is what the command layer renders for a transaction.
type Snapshot struct {
	Transaction         *domain.Transaction  `json:"transaction"`
	Escrow              *domain.EscrowRecord `json:"escrow,omitempty"`
	EstimatedSettlement string               `json:"estimated_settlement,omitempty"`
}

// Orchestrator is the saga coordinator.
type Orchestrator struct {
	store      storage.Store
	processors *processor.Registry
	recovery   *recovery.Manager
	locker     Locker
	sink       audit.Sink
	logger     *slog.Logger
	now        func() time.Time

	escrowFeePercent decimal.Decimal
	holdTimeout      time.Duration
	autoRelease      bool
	concurrency      int
	expiryBatch      int
	persistTimeout   time.Duration
}

// New creates an orchestrator. Store, Processors and Recovery are required.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:            cfg.Store,
		processors:       cfg.Processors,
		recovery:         cfg.Recovery,
		locker:           cfg.Locker,
		sink:             cfg.Sink,
		logger:           cfg.Logger,
		now:              cfg.Clock,
		escrowFeePercent: cfg.EscrowFeePercent,
		holdTimeout:      cfg.HoldTimeout,
		autoRelease:      cfg.AutoRelease,
		concurrency:      cfg.Concurrency,
		expiryBatch:      cfg.ExpiryBatch,
		persistTimeout:   cfg.PersistTimeout,
	}
	if o.locker == nil {
		o.locker = NewKeyedMutex()
	}
	if o.sink == nil {
		o.sink = audit.Discard{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.concurrency <= 0 {
		o.concurrency = 4
	}
	if o.expiryBatch <= 0 {
		o.expiryBatch = 100
	}
	if o.persistTimeout <= 0 {
		o.persistTimeout = 10 * time.Second
	}
	return o
}

// Initiate validates the request, creates a pending transaction and runs the
// withdraw leg. It returns the escrowed transaction, or the failed one
// together with the reason. Requests rejected before creation return a nil
// transaction.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (*domain.Transaction, error) {
	tx, sender, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock, err := o.locker.Lock(ctx, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", tx.ID, err)
	}
	defer unlock()

	if err := o.store.Transactions().Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	countStatus(tx.Status)
	o.logger.Info("Transaction initiated",
		"tx", tx.ID,
		"amount", tx.Amount.String(),
		"currency", tx.Currency,
		"fees", tx.Fees.Total.String(),
		"sender_rail", tx.SenderMethodType,
		"recipient_rail", tx.RecipientMethodType,
	)
	o.publish(ctx, o.event(domain.EventTransactionInitiated, tx))

	tx, rec, err := o.withdraw(ctx, tx, sender, domain.TransactionStatusFailed)
	if err != nil || !o.autoRelease {
		return tx, err
	}
	tx, _, err = o.release(ctx, tx, rec)
	return tx, err
}

// ConfirmRelease is the recipient's confirmation; it runs the release leg.
// Confirming a completed transaction again is a no-op.
func (o *Orchestrator) ConfirmRelease(ctx context.Context, txID, actorID string) (*domain.Transaction, error) {
	unlock, err := o.locker.Lock(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", txID, err)
	}
	defer unlock()

	tx, err := o.store.Transactions().Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if actorID != tx.RecipientID {
		return tx, fmt.Errorf("%w: only the recipient confirms release", apperr.ErrForbidden)
	}

	switch tx.Status {
	case domain.TransactionStatusCompleted:
		return tx, nil
	case domain.TransactionStatusEscrowed:
	default:
		return tx, fmt.Errorf("%w: transaction %s is %s", apperr.ErrInvalidTransition, tx.ID, tx.Status)
	}

	rec, err := o.store.Escrows().Get(ctx, tx.ID)
	if err != nil {
		return tx, err
	}
	switch {
	case rec.Status == domain.EscrowStatusFailed:
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrSagaUnresolved)
	case rec.PendingLeg == domain.LegReturn:
		return tx, fmt.Errorf("%w: funds of %s are being returned", apperr.ErrInvalidTransition, tx.ID)
	}

	tx, _, err = o.release(ctx, tx, rec)
	return tx, err
}

// Cancel is available to either party. A pending transaction ends cancelled
// once its withdrawal is known not to have moved funds; escrowed funds are
// returned to the sender.
func (o *Orchestrator) Cancel(ctx context.Context, txID, actorID, reason string) (*domain.Transaction, error) {
	unlock, err := o.locker.Lock(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", txID, err)
	}
	defer unlock()

	tx, err := o.store.Transactions().Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if actorID != tx.SenderID && actorID != tx.RecipientID {
		return tx, fmt.Errorf("%w: only a party to the transaction may cancel it", apperr.ErrForbidden)
	}
	if reason == "" {
		reason = "cancelled by " + actorID
	}

	switch tx.Status {
	case domain.TransactionStatusPending:
		// The withdrawal may have reached the rail before a crash. Re-driving
		// it under the same reference either confirms the hold or proves no
		// funds moved.
		method, err := o.legMethod(ctx, tx.SenderMethodID)
		if err != nil {
			return tx, err
		}
		next, rec, err := o.withdraw(ctx, tx, method, domain.TransactionStatusCancelled)
		switch next.Status {
		case domain.TransactionStatusCancelled:
			o.publishReason(ctx, domain.EventTransactionCancelled, next, reason)
			return next, nil
		case domain.TransactionStatusEscrowed:
			o.publishReason(ctx, domain.EventTransactionCancelled, next, reason)
			next, _, err = o.refund(ctx, next, rec, "cancelled: "+reason)
			return next, err
		default:
			return next, err
		}

	case domain.TransactionStatusEscrowed:
		rec, err := o.store.Escrows().Get(ctx, tx.ID)
		if err != nil {
			return tx, err
		}
		switch {
		case rec.Status == domain.EscrowStatusFailed:
			return tx, fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrSagaUnresolved)
		case rec.PendingLeg == domain.LegRelease:
			return tx, fmt.Errorf("%w: release of %s is in progress", apperr.ErrInvalidTransition, tx.ID)
		}
		o.publishReason(ctx, domain.EventTransactionCancelled, tx, reason)
		tx, _, err = o.refund(ctx, tx, rec, "cancelled: "+reason)
		return tx, err

	default:
		return tx, fmt.Errorf("%w: transaction %s is %s", apperr.ErrInvalidTransition, tx.ID, tx.Status)
	}
}

// GetStatus returns the committed state of a transaction.
func (o *Orchestrator) GetStatus(ctx context.Context, txID string) (*Snapshot, error) {
	tx, err := o.store.Transactions().Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Transaction: tx}

	rec, err := o.store.Escrows().Get(ctx, txID)
	switch {
	case err == nil:
		snap.Escrow = rec
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	if tx.Status == domain.TransactionStatusEscrowed {
		if p, err := o.processors.Get(tx.RecipientMethodType); err == nil {
			snap.EstimatedSettlement = p.EstimateProcessingTime().String()
		}
	}
	return snap, nil
}

// prepare validates req and builds the pending transaction.
func (o *Orchestrator) prepare(ctx context.Context, req InitiateRequest) (*domain.Transaction, *domain.PaymentMethod, error) {
	currency := domain.NormalizeCurrency(req.Currency)
	switch {
	case req.SenderID == "" || req.RecipientID == "":
		return nil, nil, fmt.Errorf("%w: sender and recipient are required", apperr.ErrValidation)
	case req.SenderID == req.RecipientID:
		return nil, nil, fmt.Errorf("%w: sender and recipient must differ", apperr.ErrValidation)
	case req.SenderMethodID == "" || req.RecipientMethodID == "":
		return nil, nil, fmt.Errorf("%w: both payment methods are required", apperr.ErrValidation)
	}
	if err := domain.ValidateAmount(req.Amount, currency); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}

	sender, err := o.partyMethod(ctx, req.SenderMethodID, req.SenderID, "sender")
	if err != nil {
		return nil, nil, err
	}
	recipient, err := o.partyMethod(ctx, req.RecipientMethodID, req.RecipientID, "recipient")
	if err != nil {
		return nil, nil, err
	}
	senderProc, err := o.processors.Get(sender.Type)
	if err != nil {
		return nil, nil, err
	}
	recipientProc, err := o.processors.Get(recipient.Type)
	if err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.validate(gctx, id, senderProc, sender, req.Amount, "sender") })
	g.Go(func() error { return o.validate(gctx, id, recipientProc, recipient, req.Amount, "recipient") })
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	fees := o.fees(senderProc, sender, req.Amount, currency)
	if fees.Total.GreaterThanOrEqual(req.Amount) {
		return nil, nil, fmt.Errorf("%w: amount %s does not cover fees %s", apperr.ErrValidation, req.Amount, fees.Total)
	}

	return &domain.Transaction{
		ID:                  id,
		SenderID:            req.SenderID,
		RecipientID:         req.RecipientID,
		Amount:              req.Amount,
		Currency:            currency,
		SenderMethodID:      sender.ID,
		RecipientMethodID:   recipient.ID,
		SenderMethodType:    sender.Type,
		RecipientMethodType: recipient.Type,
		Status:              domain.TransactionStatusPending,
		Fees:                fees,
		CreatedAt:           o.now().UTC(),
	}, sender, nil
}

// partyMethod loads a method a party uses to initiate a transaction.
func (o *Orchestrator) partyMethod(ctx context.Context, id, ownerID, role string) (*domain.PaymentMethod, error) {
	m, err := o.store.Methods().Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s method %s not found", apperr.ErrInvalidMethod, role, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s method: %w", role, err)
	}
	if m.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s method %s belongs to another account", apperr.ErrForbidden, role, id)
	}
	if !m.Active {
		return nil, fmt.Errorf("%w: %s method %s is inactive", apperr.ErrInvalidMethod, role, id)
	}
	return m, nil
}

// legMethod loads a method for a leg of an existing transaction. Deactivating
// a method never strands funds already in escrow.
func (o *Orchestrator) legMethod(ctx context.Context, id string) (*domain.PaymentMethod, error) {
	m, err := o.store.Methods().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load payment method %s: %w", id, err)
	}
	return m, nil
}

func (o *Orchestrator) validate(ctx context.Context, txID string, p processor.Processor, m *domain.PaymentMethod, amount decimal.Decimal, role string) error {
	rc := recovery.Context{
		TransactionID: txID,
		ProcessorType: p.Type(),
		Operation:     domain.OperationValidate,
		Amount:        amount,
	}
	ok, err := recovery.Run(ctx, o.recovery, rc, func(ctx context.Context) (bool, error) {
		return p.Validate(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("validate %s method: %w", role, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s method %s rejected by the %s rail", apperr.ErrInvalidMethod, role, m.ID, p.Type())
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// fees computes the fee breakdown once, at initiation, priced for the
// sender's method in the transaction currency.
func (o *Orchestrator) fees(p processor.Processor, sender *domain.PaymentMethod, amount decimal.Decimal, c domain.Currency) domain.Fees {
	q := processor.Quote(p, sender, amount, c)
	processing := domain.RoundToCurrency(q.Total, c)
	escrowFee := domain.RoundToCurrency(amount.Mul(o.escrowFeePercent).Div(hundred), c)
	return domain.Fees{
		ProcessingFee: processing,
		EscrowFee:     escrowFee,
		Total:         processing.Add(escrowFee),
	}
}
