package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"reservation-ledger/internal/domain"

	"github.com/google/uuid"
)

type memAccount struct {
	id           uuid.UUID
	name         string
	balanceCents int64
	reservations []int64
}

type memReservation struct {
	amountCents int64
	target      uuid.UUID
}

// Memory is an in-process store with the same contract as Store. A single mutex serialises
// every call, so MoveFunds is atomic. Returned values never alias internal state.
type Memory struct {
	mu           sync.Mutex
	nextResID    int64
	accounts     map[uuid.UUID]*memAccount
	byName       map[string]uuid.UUID
	reservations map[int64]memReservation
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[uuid.UUID]*memAccount),
		byName:       make(map[string]uuid.UUID),
		reservations: make(map[int64]memReservation),
	}
}

func (m *Memory) CreateAccount(ctx context.Context, name string) (domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Account{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; ok {
		return domain.Account{}, fmt.Errorf("%w: account %q", ErrDuplicate, name)
	}
	a := &memAccount{id: uuid.New(), name: name}
	m.accounts[a.id] = a
	m.byName[name] = a.id
	return m.snapshot(a), nil
}

func (m *Memory) AccountByName(ctx context.Context, name string) (domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Account{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[name]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: account %q", ErrNotFound, name)
	}
	return m.snapshot(m.accounts[id]), nil
}

// AddReservation appends a saved reservation to the account's list if its available funds still
// cover it. The check and the append happen under the same lock.
func (m *Memory) AddReservation(ctx context.Context, accountID uuid.UUID, r domain.Reservation) (domain.Account, error) {
	if accountID == uuid.Nil || !r.Saved() {
		return domain.Account{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	stored, ok := m.reservations[r.ID]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: reservation %d", ErrNotFound, r.ID)
	}

	current := m.snapshot(a)
	if _, held := current.Reservation(r.ID); held {
		return domain.Account{}, fmt.Errorf("%w: reservation %d already held", ErrValidation, r.ID)
	}
	if !current.CanCover(stored.amountCents) {
		return domain.Account{}, &domain.InsufficientFundsError{
			Account:        a.name,
			AmountCents:    stored.amountCents,
			AvailableCents: current.Available(),
		}
	}
	a.reservations = append(a.reservations, r.ID)
	return m.snapshot(a), nil
}

// RemoveReservation drops id from the account's list. An id the account does not hold is a no-op.
func (m *Memory) RemoveReservation(ctx context.Context, accountID uuid.UUID, id int64) (domain.Account, error) {
	if accountID == uuid.Nil {
		return domain.Account{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: account %s", ErrNotFound, accountID)
	}
	kept := make([]int64, 0, len(a.reservations))
	for _, held := range a.reservations {
		if held != id {
			kept = append(kept, held)
		}
	}
	a.reservations = kept
	return m.snapshot(a), nil
}

func (m *Memory) Deposit(ctx context.Context, id uuid.UUID, amountCents int64) (domain.Account, error) {
	if id == uuid.Nil || amountCents <= 0 {
		return domain.Account{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	a.balanceCents += amountCents
	return m.snapshot(a), nil
}

func (m *Memory) MoveFunds(ctx context.Context, fromID, toID uuid.UUID, amountCents int64) (domain.Account, domain.Account, error) {
	if fromID == uuid.Nil || toID == uuid.Nil || fromID == toID || amountCents < 0 {
		return domain.Account{}, domain.Account{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return domain.Account{}, domain.Account{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	from, ok1 := m.accounts[fromID]
	to, ok2 := m.accounts[toID]
	if !ok1 || !ok2 {
		return domain.Account{}, domain.Account{}, fmt.Errorf("%w: account", ErrNotFound)
	}
	if from.balanceCents < amountCents {
		return domain.Account{}, domain.Account{}, &domain.InsufficientFundsError{
			Account:        from.name,
			AmountCents:    amountCents,
			AvailableCents: from.balanceCents,
		}
	}
	from.balanceCents -= amountCents
	to.balanceCents += amountCents
	return m.snapshot(from), m.snapshot(to), nil
}

func (m *Memory) SaveReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, error) {
	if r.AmountCents < 0 || r.Target.ID == uuid.Nil {
		return domain.Reservation{}, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[r.Target.ID]; !ok {
		return domain.Reservation{}, fmt.Errorf("%w: target account %s", ErrNotFound, r.Target.ID)
	}
	id := r.ID
	if !r.Saved() {
		m.nextResID++
		id = m.nextResID
	} else if _, ok := m.reservations[id]; !ok {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %d", ErrNotFound, id)
	}
	m.reservations[id] = memReservation{amountCents: r.AmountCents, target: r.Target.ID}
	res, _ := m.reservation(id)
	return res, nil
}

func (m *Memory) FindReservation(ctx context.Context, id int64) (domain.Reservation, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservation(id)
	return r, ok, nil
}

// reservation and snapshot expect m.mu to be held.
func (m *Memory) reservation(id int64) (domain.Reservation, bool) {
	r, ok := m.reservations[id]
	if !ok {
		return domain.Reservation{}, false
	}
	target := m.accounts[r.target]
	return domain.Reservation{
		ID:          id,
		AmountCents: r.amountCents,
		Target:      domain.AccountRef{ID: target.id, Name: target.name},
	}, true
}

func (m *Memory) snapshot(a *memAccount) domain.Account {
	out := domain.Account{
		ID:           a.id,
		Name:         a.name,
		BalanceCents: a.balanceCents,
		Reservations: make([]domain.Reservation, 0, len(a.reservations)),
	}
	for _, id := range a.reservations {
		if r, ok := m.reservation(id); ok {
			out.Reservations = append(out.Reservations, r)
		}
	}
	return out
}
