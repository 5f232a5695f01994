package domain

import "github.com/google/uuid"

// AccountRef points at an account without owning it.
type AccountRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"account"`
}

// Reservation holds AmountCents of its holder's funds for Target.
// ID is zero until the reservation has been persisted.
type Reservation struct {
	ID          int64      `json:"id"`
	AmountCents int64      `json:"amount_cents"`
	Target      AccountRef `json:"target_account"`
}

func (r Reservation) Saved() bool { return r.ID != 0 }

// Account is the aggregate root for a balance and the reservations held against it.
// Values are snapshots: the With* methods return a new Account and never touch the receiver's
// reservation slice.
type Account struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"account"`
	BalanceCents int64         `json:"balance_cents"`
	Reservations []Reservation `json:"reservations"`
}

func (a Account) Ref() AccountRef { return AccountRef{ID: a.ID, Name: a.Name} }

// Reserved is the sum of all active reservations.
func (a Account) Reserved() int64 {
	var sum int64
	for _, r := range a.Reservations {
		sum += r.AmountCents
	}
	return sum
}

func (a Account) Available() int64 { return a.BalanceCents - a.Reserved() }

// CanCover reports whether the funds not already reserved satisfy a debit of amountCents.
func (a Account) CanCover(amountCents int64) bool {
	return a.Available() >= amountCents
}

func (a Account) Reservation(id int64) (Reservation, bool) {
	for _, r := range a.Reservations {
		if r.ID == id {
			return r, true
		}
	}
	return Reservation{}, false
}

// Clone returns a copy that shares no mutable state with a.
func (a Account) Clone() Account {
	out := a
	out.Reservations = make([]Reservation, len(a.Reservations))
	copy(out.Reservations, a.Reservations)
	return out
}

// WithReservation returns a snapshot with r appended. A reservation with the same id replaces the
// existing entry in place.
func (a Account) WithReservation(r Reservation) Account {
	out := a.Clone()
	if r.Saved() {
		for i := range out.Reservations {
			if out.Reservations[i].ID == r.ID {
				out.Reservations[i] = r
				return out
			}
		}
	}
	out.Reservations = append(out.Reservations, r)
	return out
}

// WithoutReservation returns a snapshot without reservation id. Removing an id that is not held
// yields an unchanged copy.
func (a Account) WithoutReservation(id int64) Account {
	out := a
	out.Reservations = make([]Reservation, 0, len(a.Reservations))
	for _, r := range a.Reservations {
		if r.ID != id {
			out.Reservations = append(out.Reservations, r)
		}
	}
	return out
}

type CreateAccountRequest struct {
	Account string `json:"account"`
}

type AmountRequest struct {
	Amount string `json:"amount"`
}

type TargetAmountRequest struct {
	Target string `json:"target"`
	Amount string `json:"amount"`
}

type AccountResponse struct {
	ID             uuid.UUID     `json:"id"`
	Account        string        `json:"account"`
	BalanceCents   int64         `json:"balance_cents"`
	AvailableCents int64         `json:"available_cents"`
	Reservations   []Reservation `json:"reservations"`
}

func NewAccountResponse(a Account) AccountResponse {
	res := a.Reservations
	if res == nil {
		res = []Reservation{}
	}
	return AccountResponse{
		ID:             a.ID,
		Account:        a.Name,
		BalanceCents:   a.BalanceCents,
		AvailableCents: a.Available(),
		Reservations:   res,
	}
}
