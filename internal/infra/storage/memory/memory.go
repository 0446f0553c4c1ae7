// Package memory is an in-process Store for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/escrowd/internal/core/apperr"
	"github.com/vietddude/escrowd/internal/core/domain"
	"github.com/vietddude/escrowd/internal/infra/storage"
)

// Store keeps everything in maps guarded by one mutex. An open unit of work
// holds the mutex until it commits or rolls back, so units of work are
// serialized; non-transactional calls must not be made from inside one.
type Store struct {
	mu      sync.Mutex
	txs     map[string]*domain.Transaction
	escrows map[string]*domain.EscrowRecord
	methods map[string]*domain.PaymentMethod

	failCommit error
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		txs:     make(map[string]*domain.Transaction),
		escrows: make(map[string]*domain.EscrowRecord),
		methods: make(map[string]*domain.PaymentMethod),
	}
}

// AddMethod seeds a payment method.
func (s *Store) AddMethod(m *domain.PaymentMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[m.ID] = cloneMethod(m)
}

// FailNextCommit makes the next Commit discard its writes and return err.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = err
}

func (s *Store) Transactions() storage.TransactionRepository { return &txRepo{s: s} }
func (s *Store) Escrows() storage.EscrowRepository           { return &escrowRepo{s: s} }
func (s *Store) Methods() storage.PaymentMethodRepository    { return &methodRepo{s: s} }

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// Begin opens a unit of work.
func (s *Store) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &unitOfWork{
		s:       s,
		txs:     make(map[string]*domain.Transaction),
		escrows: make(map[string]*domain.EscrowRecord),
	}, nil
}

// -----------------------------------------------------------------------------
// Unit of work
// -----------------------------------------------------------------------------

type unitOfWork struct {
	s       *Store
	txs     map[string]*domain.Transaction
	escrows map[string]*domain.EscrowRecord
	done    bool
}

func (u *unitOfWork) Transactions() storage.TransactionRepository {
	return &txRepo{s: u.s, staged: u.txs}
}

func (u *unitOfWork) Escrows() storage.EscrowRepository {
	return &escrowRepo{s: u.s, staged: u.escrows}
}

func (u *unitOfWork) Commit() error {
	if u.done {
		return errors.New("transaction already completed")
	}
	u.done = true
	defer u.s.mu.Unlock()

	if err := u.s.failCommit; err != nil {
		u.s.failCommit = nil
		return err
	}
	for id, t := range u.txs {
		u.s.txs[id] = t
	}
	for id, e := range u.escrows {
		u.s.escrows[id] = e
	}
	return nil
}

func (u *unitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	u.s.mu.Unlock()
	return nil
}

// -----------------------------------------------------------------------------
// Transaction Repository
// -----------------------------------------------------------------------------

type txRepo struct {
	s      *Store
	staged map[string]*domain.Transaction // nil outside a unit of work
}

func (r *txRepo) lock() func() {
	if r.staged != nil {
		return func() {}
	}
	r.s.mu.Lock()
	return r.s.mu.Unlock
}

func (r *txRepo) lookup(id string) (*domain.Transaction, bool) {
	if t, ok := r.staged[id]; ok {
		return t, true
	}
	t, ok := r.s.txs[id]
	return t, ok
}

func (r *txRepo) put(t *domain.Transaction) {
	if r.staged != nil {
		r.staged[t.ID] = t
		return
	}
	r.s.txs[t.ID] = t
}

func (r *txRepo) all() []*domain.Transaction {
	out := make([]*domain.Transaction, 0, len(r.s.txs))
	for id, t := range r.s.txs {
		if st, ok := r.staged[id]; ok {
			t = st
		}
		out = append(out, t)
	}
	for id, t := range r.staged {
		if _, ok := r.s.txs[id]; !ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *txRepo) Create(_ context.Context, tx *domain.Transaction) error {
	defer r.lock()()
	if _, ok := r.lookup(tx.ID); ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrConflict)
	}
	tx.Version = 1
	tx.UpdatedAt = time.Now().UTC()
	r.put(tx.Clone())
	return nil
}

func (r *txRepo) Get(_ context.Context, id string) (*domain.Transaction, error) {
	defer r.lock()()
	t, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, apperr.ErrNotFound)
	}
	return t.Clone(), nil
}

func (r *txRepo) Update(_ context.Context, tx *domain.Transaction) error {
	defer r.lock()()
	cur, ok := r.lookup(tx.ID)
	if !ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrNotFound)
	}
	if cur.Version != tx.Version {
		return fmt.Errorf("transaction %s version %d (stored %d): %w", tx.ID, tx.Version, cur.Version, apperr.ErrConflict)
	}
	tx.Version++
	tx.UpdatedAt = time.Now().UTC()
	r.put(tx.Clone())
	return nil
}

func (r *txRepo) ListByStatus(_ context.Context, statuses ...domain.TransactionStatus) ([]*domain.Transaction, error) {
	defer r.lock()()
	want := make(map[domain.TransactionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*domain.Transaction
	for _, t := range r.all() {
		if want[t.Status] {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (r *txRepo) ListHoldExpired(_ context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	defer r.lock()()
	var out []*domain.Transaction
	for _, t := range r.all() {
		if t.Status != domain.TransactionStatusEscrowed || t.HoldExpiresAt == nil || t.HoldExpiresAt.After(now) {
			continue
		}
		out = append(out, t.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Escrow Repository
// -----------------------------------------------------------------------------

type escrowRepo struct {
	s      *Store
	staged map[string]*domain.EscrowRecord
}

func (r *escrowRepo) lock() func() {
	if r.staged != nil {
		return func() {}
	}
	r.s.mu.Lock()
	return r.s.mu.Unlock
}

func (r *escrowRepo) lookup(id string) (*domain.EscrowRecord, bool) {
	if e, ok := r.staged[id]; ok {
		return e, true
	}
	e, ok := r.s.escrows[id]
	return e, ok
}

func (r *escrowRepo) put(e *domain.EscrowRecord) {
	if r.staged != nil {
		r.staged[e.TransactionID] = e
		return
	}
	r.s.escrows[e.TransactionID] = e
}

func (r *escrowRepo) Create(_ context.Context, rec *domain.EscrowRecord) error {
	defer r.lock()()
	if _, ok := r.lookup(rec.TransactionID); ok {
		return fmt.Errorf("escrow %s: %w", rec.TransactionID, apperr.ErrConflict)
	}
	rec.UpdatedAt = time.Now().UTC()
	r.put(rec.Clone())
	return nil
}

func (r *escrowRepo) Get(_ context.Context, txID string) (*domain.EscrowRecord, error) {
	defer r.lock()()
	e, ok := r.lookup(txID)
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", txID, apperr.ErrNotFound)
	}
	return e.Clone(), nil
}

func (r *escrowRepo) Update(_ context.Context, rec *domain.EscrowRecord) error {
	defer r.lock()()
	if _, ok := r.lookup(rec.TransactionID); !ok {
		return fmt.Errorf("escrow %s: %w", rec.TransactionID, apperr.ErrNotFound)
	}
	rec.UpdatedAt = time.Now().UTC()
	r.put(rec.Clone())
	return nil
}

func (r *escrowRepo) ListByStatus(_ context.Context, statuses ...domain.EscrowStatus) ([]*domain.EscrowRecord, error) {
	defer r.lock()()
	want := make(map[domain.EscrowStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	seen := make(map[string]bool)
	var out []*domain.EscrowRecord
	for id, e := range r.staged {
		seen[id] = true
		if want[e.Status] {
			out = append(out, e.Clone())
		}
	}
	for id, e := range r.s.escrows {
		if !seen[id] && want[e.Status] {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeldAt.Before(out[j].HeldAt) })
	return out, nil
}

func (r *escrowRepo) CountByStatus(ctx context.Context, status domain.EscrowStatus) (int, error) {
	list, err := r.ListByStatus(ctx, status)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// -----------------------------------------------------------------------------
// Payment Method Repository
// -----------------------------------------------------------------------------

type methodRepo struct {
	s *Store
}

func (r *methodRepo) Get(_ context.Context, id string) (*domain.PaymentMethod, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.methods[id]
	if !ok {
		return nil, fmt.Errorf("payment method %s: %w", id, apperr.ErrNotFound)
	}
	return cloneMethod(m), nil
}

func cloneMethod(m *domain.PaymentMethod) *domain.PaymentMethod {
	c := *m
	if m.Bank != nil {
		b := *m.Bank
		c.Bank = &b
	}
	if m.Crypto != nil {
		w := *m.Crypto
		c.Crypto = &w
	}
	if m.Other != nil {
		o := *m.Other
		c.Other = &o
	}
	return &c
}
