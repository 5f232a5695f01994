package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reservation-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrDuplicate  = errors.New("already exists")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// =========================
// Correlation ids
// =========================

type correlationKey struct{}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, strings.TrimSpace(id))
}

// CorrelationID returns the id attached to ctx, or a fresh one.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// =========================
// RFC 8785 (JCS) for event payloads
// =========================

type JSONBytes = json.RawMessage

// jcsPayload returns both representations required by the DB schema:
// - payload_json: regular JSON bytes (to be cast to jsonb in SQL)
// - payload_canonical: RFC 8785 canonical JSON string (JCS)
func jcsPayload(v any) (payloadJSON JSONBytes, payloadCanonical string, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", err
	}
	return JSONBytes(raw), string(canon), nil
}

// insertEvent is the single entry point for event_log inserts.
// prev_hash and hash are filled in by the event_log_chain trigger.
func insertEvent(
	ctx context.Context,
	tx pgx.Tx,
	eventType, aggregateType, aggregateID string,
	payload any,
) error {
	if strings.TrimSpace(eventType) == "" ||
		strings.TrimSpace(aggregateType) == "" ||
		strings.TrimSpace(aggregateID) == "" {
		return ErrValidation
	}

	payloadJSON, payloadCanonical, err := jcsPayload(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO event_log(
			event_id, event_type, aggregate_type, aggregate_id, correlation_id, payload_json, payload_canonical
		) VALUES($1,$2,$3,$4,$5,$6::jsonb,$7)`,
		uuid.New(), eventType, aggregateType, aggregateID, CorrelationID(ctx), payloadJSON, payloadCanonical,
	)
	return err
}

type accountOpenedPayload struct {
	AccountID string `json:"account_id"`
	Account   string `json:"account"`
}

type fundsDepositedPayload struct {
	AccountID   string `json:"account_id"`
	AmountCents int64  `json:"amount_cents"`
}

type fundsMovedPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	AmountCents int64  `json:"amount_cents"`
}

type reservationCreatedPayload struct {
	ReservationID int64  `json:"reservation_id"`
	AmountCents   int64  `json:"amount_cents"`
	Target        string `json:"target"`
}

type reservationHeldPayload struct {
	AccountID     string `json:"account_id"`
	ReservationID int64  `json:"reservation_id"`
}

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	return s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

// =========================
// Accounts
// =========================

func (s *Store) CreateAccount(ctx context.Context, name string) (domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Account{}, ErrValidation
	}

	accID := uuid.New()

	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts(account_id, name, balance_cents) VALUES($1,$2,0)`,
		accID, name,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return domain.Account{}, fmt.Errorf("%w: account %q", ErrDuplicate, name)
		}
		return domain.Account{}, err
	}

	payload := accountOpenedPayload{AccountID: accID.String(), Account: name}
	if err := insertEvent(ctx, tx, "ACCOUNT_OPENED", "ACCOUNT", accID.String(), payload); err != nil {
		return domain.Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, err
	}
	return domain.Account{ID: accID, Name: name, Reservations: []domain.Reservation{}}, nil
}

func (s *Store) AccountByName(ctx context.Context, name string) (domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Account{}, ErrValidation
	}

	var id uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT account_id FROM accounts WHERE name=$1`, name).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("%w: account %q", ErrNotFound, name)
		}
		return domain.Account{}, err
	}
	return loadAccount(ctx, s.db, id)
}

func loadAccount(ctx context.Context, q querier, id uuid.UUID) (domain.Account, error) {
	acc := domain.Account{ID: id}
	err := q.QueryRow(ctx,
		`SELECT name, balance_cents FROM accounts WHERE account_id=$1`, id,
	).Scan(&acc.Name, &acc.BalanceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("%w: account %s", ErrNotFound, id)
		}
		return domain.Account{}, err
	}

	rows, err := q.Query(ctx, `
		SELECT r.reservation_id, r.amount_cents, t.account_id, t.name
		  FROM account_reservations ar
		  JOIN reservations r ON r.reservation_id = ar.reservation_id
		  JOIN accounts t     ON t.account_id = r.target_account_id
		 WHERE ar.account_id=$1
		 ORDER BY ar.position`, id)
	if err != nil {
		return domain.Account{}, err
	}
	defer rows.Close()

	acc.Reservations = []domain.Reservation{}
	for rows.Next() {
		var r domain.Reservation
		if err := rows.Scan(&r.ID, &r.AmountCents, &r.Target.ID, &r.Target.Name); err != nil {
			return domain.Account{}, err
		}
		acc.Reservations = append(acc.Reservations, r)
	}
	if err := rows.Err(); err != nil {
		return domain.Account{}, err
	}
	return acc, nil
}

// lockAccount takes the row lock that serialises every change to an account's balance or
// reservation list.
func lockAccount(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var locked uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT account_id FROM accounts WHERE account_id=$1 FOR UPDATE`, id,
	).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return err
}

// AddReservation appends a saved reservation to the account's list if its available funds still
// cover it. Coverage is checked on the locked row, so concurrent holds cannot over-commit.
func (s *Store) AddReservation(ctx context.Context, accountID uuid.UUID, r domain.Reservation) (domain.Account, error) {
	if accountID == uuid.Nil || !r.Saved() {
		return domain.Account{}, ErrValidation
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockAccount(ctx, tx, accountID); err != nil {
		return domain.Account{}, err
	}
	current, err := loadAccount(ctx, tx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	stored, ok, err := loadReservation(ctx, tx, r.ID)
	if err != nil {
		return domain.Account{}, err
	}
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: reservation %d", ErrNotFound, r.ID)
	}
	if _, held := current.Reservation(r.ID); held {
		return domain.Account{}, fmt.Errorf("%w: reservation %d already held", ErrValidation, r.ID)
	}
	if !current.CanCover(stored.AmountCents) {
		return domain.Account{}, &domain.InsufficientFundsError{
			Account:        current.Name,
			AmountCents:    stored.AmountCents,
			AvailableCents: current.Available(),
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO account_reservations(account_id, reservation_id, position)
		SELECT $1, $2, COALESCE(MAX(position) + 1, 0)
		  FROM account_reservations
		 WHERE account_id=$1`,
		accountID, r.ID,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return domain.Account{}, fmt.Errorf("%w: reservation %d already held", ErrValidation, r.ID)
		}
		return domain.Account{}, err
	}

	payload := reservationHeldPayload{AccountID: accountID.String(), ReservationID: r.ID}
	if err := insertEvent(ctx, tx, "RESERVATION_HELD", "ACCOUNT", accountID.String(), payload); err != nil {
		return domain.Account{}, err
	}

	saved, err := loadAccount(ctx, tx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, err
	}
	return saved, nil
}

// RemoveReservation drops id from the account's list. An id the account does not hold is a no-op
// and records no event.
func (s *Store) RemoveReservation(ctx context.Context, accountID uuid.UUID, id int64) (domain.Account, error) {
	if accountID == uuid.Nil {
		return domain.Account{}, ErrValidation
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockAccount(ctx, tx, accountID); err != nil {
		return domain.Account{}, err
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM account_reservations WHERE account_id=$1 AND reservation_id=$2`,
		accountID, id,
	)
	if err != nil {
		return domain.Account{}, err
	}
	if tag.RowsAffected() > 0 {
		payload := reservationHeldPayload{AccountID: accountID.String(), ReservationID: id}
		if err := insertEvent(ctx, tx, "RESERVATION_DROPPED", "ACCOUNT", accountID.String(), payload); err != nil {
			return domain.Account{}, err
		}
	}

	saved, err := loadAccount(ctx, tx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, err
	}
	return saved, nil
}

func (s *Store) Deposit(ctx context.Context, id uuid.UUID, amountCents int64) (domain.Account, error) {
	if id == uuid.Nil || amountCents <= 0 {
		return domain.Account{}, ErrValidation
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + $2, updated_at = now() WHERE account_id=$1`,
		id, amountCents,
	)
	if err != nil {
		return domain.Account{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.Account{}, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}

	payload := fundsDepositedPayload{AccountID: id.String(), AmountCents: amountCents}
	if err := insertEvent(ctx, tx, "FUNDS_DEPOSITED", "ACCOUNT", id.String(), payload); err != nil {
		return domain.Account{}, err
	}

	acc, err := loadAccount(ctx, tx, id)
	if err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, err
	}
	return acc, nil
}

// MoveFunds debits fromID and credits toID in one transaction and returns the stored snapshots
// of both. Rows are locked in account_id order so concurrent opposite moves cannot deadlock.
func (s *Store) MoveFunds(ctx context.Context, fromID, toID uuid.UUID, amountCents int64) (domain.Account, domain.Account, error) {
	if fromID == uuid.Nil || toID == uuid.Nil || fromID == toID || amountCents < 0 {
		return domain.Account{}, domain.Account{}, ErrValidation
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT account_id, name, balance_cents
		   FROM accounts
		  WHERE account_id IN ($1,$2)
		  ORDER BY account_id
		    FOR UPDATE`,
		fromID, toID,
	)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	var (
		fromName    string
		fromBalance int64
		found       int
	)
	for rows.Next() {
		var (
			id      uuid.UUID
			name    string
			balance int64
		)
		if err := rows.Scan(&id, &name, &balance); err != nil {
			rows.Close()
			return domain.Account{}, domain.Account{}, err
		}
		if id == fromID {
			fromName, fromBalance = name, balance
		}
		found++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	if found != 2 {
		return domain.Account{}, domain.Account{}, fmt.Errorf("%w: account", ErrNotFound)
	}

	if fromBalance < amountCents {
		return domain.Account{}, domain.Account{}, &domain.InsufficientFundsError{
			Account:        fromName,
			AmountCents:    amountCents,
			AvailableCents: fromBalance,
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance_cents = balance_cents - $2, updated_at = now() WHERE account_id=$1`,
		fromID, amountCents,
	); err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + $2, updated_at = now() WHERE account_id=$1`,
		toID, amountCents,
	); err != nil {
		return domain.Account{}, domain.Account{}, err
	}

	payload := fundsMovedPayload{From: fromID.String(), To: toID.String(), AmountCents: amountCents}
	if err := insertEvent(ctx, tx, "FUNDS_MOVED", "ACCOUNT", fromID.String(), payload); err != nil {
		return domain.Account{}, domain.Account{}, err
	}

	from, err := loadAccount(ctx, tx, fromID)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	to, err := loadAccount(ctx, tx, toID)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	return from, to, nil
}

// =========================
// Reservations
// =========================

// SaveReservation inserts r when it has no id yet, otherwise updates amount and target.
func (s *Store) SaveReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, error) {
	if r.AmountCents < 0 || r.Target.ID == uuid.Nil {
		return domain.Reservation{}, ErrValidation
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer tx.Rollback(ctx)

	id := r.ID
	if !r.Saved() {
		err = tx.QueryRow(ctx,
			`INSERT INTO reservations(amount_cents, target_account_id) VALUES($1,$2) RETURNING reservation_id`,
			r.AmountCents, r.Target.ID,
		).Scan(&id)
	} else {
		var tag pgconn.CommandTag
		tag, err = tx.Exec(ctx,
			`UPDATE reservations SET amount_cents=$2, target_account_id=$3 WHERE reservation_id=$1`,
			r.ID, r.AmountCents, r.Target.ID,
		)
		if err == nil && tag.RowsAffected() == 0 {
			return domain.Reservation{}, fmt.Errorf("%w: reservation %d", ErrNotFound, r.ID)
		}
	}
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return domain.Reservation{}, fmt.Errorf("%w: target account %s", ErrNotFound, r.Target.ID)
		}
		return domain.Reservation{}, err
	}

	saved, ok, err := loadReservation(ctx, tx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !ok {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %d", ErrNotFound, id)
	}

	if !r.Saved() {
		payload := reservationCreatedPayload{
			ReservationID: saved.ID,
			AmountCents:   saved.AmountCents,
			Target:        saved.Target.ID.String(),
		}
		if err := insertEvent(ctx, tx, "RESERVATION_CREATED", "RESERVATION", fmt.Sprint(saved.ID), payload); err != nil {
			return domain.Reservation{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, err
	}
	return saved, nil
}

func (s *Store) FindReservation(ctx context.Context, id int64) (domain.Reservation, bool, error) {
	return loadReservation(ctx, s.db, id)
}

func loadReservation(ctx context.Context, q querier, id int64) (domain.Reservation, bool, error) {
	r := domain.Reservation{ID: id}
	err := q.QueryRow(ctx, `
		SELECT r.amount_cents, t.account_id, t.name
		  FROM reservations r
		  JOIN accounts t ON t.account_id = r.target_account_id
		 WHERE r.reservation_id=$1`, id,
	).Scan(&r.AmountCents, &r.Target.ID, &r.Target.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, false, nil
		}
		return domain.Reservation{}, false, err
	}
	return r, true, nil
}
