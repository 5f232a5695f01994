package reservation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"reservation-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const reservationAmount = int64(19900)

type moveCall struct {
	source, target domain.Account
	amount         int64
}

type holdCall struct {
	acc domain.Account
	res domain.Reservation
}

type dropCall struct {
	acc domain.Account
	id  int64
}

// fakeAccounts serves fixed snapshots by name and records every Move, AddReservation and
// RemoveReservation.
type fakeAccounts struct {
	byName map[string]domain.Account

	moveResult  func(source, target domain.Account, amount int64) (domain.Account, domain.Account, error)
	storeResult func(acc domain.Account) domain.Account
	storeErr    error

	moves []moveCall
	holds []holdCall
	drops []dropCall
}

func (f *fakeAccounts) Account(_ context.Context, key string) (domain.Account, error) {
	acc, ok := f.byName[key]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %q: %w", key, errUnknownAccount)
	}
	return acc, nil
}

func (f *fakeAccounts) Move(_ context.Context, source, target domain.Account, amount int64) (domain.Account, domain.Account, error) {
	f.moves = append(f.moves, moveCall{source: source, target: target, amount: amount})
	if f.moveResult != nil {
		return f.moveResult(source, target, amount)
	}
	src := source.Clone()
	src.BalanceCents -= amount
	dst := target.Clone()
	dst.BalanceCents += amount
	return src, dst, nil
}

func (f *fakeAccounts) stored(acc domain.Account) (domain.Account, error) {
	if f.storeErr != nil {
		return domain.Account{}, f.storeErr
	}
	if f.storeResult != nil {
		return f.storeResult(acc), nil
	}
	return acc, nil
}

func (f *fakeAccounts) AddReservation(_ context.Context, acc domain.Account, r domain.Reservation) (domain.Account, error) {
	f.holds = append(f.holds, holdCall{acc: acc, res: r})
	return f.stored(acc.WithReservation(r))
}

func (f *fakeAccounts) RemoveReservation(_ context.Context, acc domain.Account, id int64) (domain.Account, error) {
	f.drops = append(f.drops, dropCall{acc: acc, id: id})
	return f.stored(acc.WithoutReservation(id))
}

var errUnknownAccount = errors.New("unknown account")

// fakeReservations assigns ids from nextID and serves stored reservations by id.
type fakeReservations struct {
	nextID int64
	byID   map[int64]domain.Reservation
	saved  []domain.Reservation
}

func (f *fakeReservations) SaveReservation(_ context.Context, r domain.Reservation) (domain.Reservation, error) {
	f.saved = append(f.saved, r)
	r.ID = f.nextID
	if f.byID == nil {
		f.byID = map[int64]domain.Reservation{}
	}
	f.byID[r.ID] = r
	return r, nil
}

func (f *fakeReservations) FindReservation(_ context.Context, id int64) (domain.Reservation, bool, error) {
	r, ok := f.byID[id]
	return r, ok, nil
}

type fixture struct {
	acc1, acc2   domain.Account
	testRes      domain.Reservation
	accounts     *fakeAccounts
	reservations *fakeReservations
	svc          *Service
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		acc1: domain.Account{ID: uuid.New(), Name: "User 1"},
		acc2: domain.Account{ID: uuid.New(), Name: "User 2"},
	}
	f.testRes = domain.Reservation{ID: 199, AmountCents: reservationAmount, Target: f.acc2.Ref()}
	f.reservations = &fakeReservations{nextID: f.testRes.ID}
	f.refresh()
	f.svc = New(f.accounts, f.reservations, opts...)
	return f
}

// refresh publishes the current acc1/acc2 values to the fake account service.
func (f *fixture) refresh() {
	if f.accounts == nil {
		f.accounts = &fakeAccounts{}
	}
	f.accounts.byName = map[string]domain.Account{"User 1": f.acc1, "User 2": f.acc2}
}

func TestReserve_NegativeAmount(t *testing.T) {
	f := setup(t)

	for _, amount := range []int64{-1, -100, -reservationAmount} {
		_, err := f.svc.Reserve(context.Background(), "User 1", "User 2", amount)
		var neg *domain.NegativeAmountError
		require.ErrorAs(t, err, &neg)
		assert.Equal(t, amount, neg.AmountCents)
	}
	assert.Empty(t, f.reservations.saved)
	assert.Empty(t, f.accounts.holds)
}

func TestReserve_WithoutCoverage(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Reserve(context.Background(), "User 1", "User 2", reservationAmount)
	var insufficient *domain.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "User 1", insufficient.Account)
	assert.Equal(t, reservationAmount, insufficient.AmountCents)
	assert.Empty(t, f.reservations.saved)
}

func TestReserve_ExistingReservationsReduceCoverage(t *testing.T) {
	f := setup(t)
	f.acc1.BalanceCents = reservationAmount
	f.acc1.Reservations = []domain.Reservation{f.testRes}
	f.refresh()

	_, err := f.svc.Reserve(context.Background(), "User 1", "User 2", 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestReserve_SameSourceAndTarget(t *testing.T) {
	f := setup(t)
	f.acc1.BalanceCents = 1_000_000
	f.refresh()

	for _, amount := range []int64{-1, 0, 100} {
		_, err := f.svc.Reserve(context.Background(), "User 1", "User 1", amount)
		var self *domain.SelfTargetError
		require.ErrorAs(t, err, &self)
		assert.Equal(t, "User 1", self.Account)
	}
}

func TestReserve_UnknownAccount(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Reserve(context.Background(), "User 1", "User 9", 1)
	assert.ErrorIs(t, err, errUnknownAccount)
}

func TestReserve(t *testing.T) {
	f := setup(t)
	f.acc1.BalanceCents = reservationAmount * 2
	f.acc1.Reservations = []domain.Reservation{}
	f.refresh()

	res, err := f.svc.Reserve(context.Background(), "User 1", "User 2", reservationAmount)
	require.NoError(t, err)

	assert.Equal(t, f.testRes, res)
	require.Len(t, f.reservations.saved, 1)
	assert.False(t, f.reservations.saved[0].Saved(), "reservation must be saved without an id")
	assert.Equal(t, domain.Reservation{AmountCents: reservationAmount, Target: f.acc2.Ref()}, f.reservations.saved[0])

	require.Len(t, f.accounts.holds, 1)
	hold := f.accounts.holds[0]
	assert.Equal(t, f.acc1.ID, hold.acc.ID)
	assert.Equal(t, f.testRes, hold.res)
	assert.Equal(t, f.acc2.ID, hold.res.Target.ID)

	// The resolved snapshot itself is not modified.
	assert.Empty(t, f.acc1.Reservations)
}

func TestReserve_ZeroAmountIsAllowed(t *testing.T) {
	f := setup(t)

	res, err := f.svc.Reserve(context.Background(), "User 1", "User 2", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.AmountCents)
}

func TestRelease_NonExistentReservation(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Release(context.Background(), "User 1", 1)
	var nf *domain.ReservationNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, int64(1), nf.ReservationID)
	assert.Equal(t, "User 1", nf.Account)
	assert.Empty(t, f.accounts.drops)
}

func TestRelease(t *testing.T) {
	f := setup(t)
	f.reservations.byID = map[int64]domain.Reservation{1: f.testRes, f.testRes.ID: f.testRes}
	f.acc1.BalanceCents = 20000
	f.acc1.Reservations = []domain.Reservation{f.testRes}
	f.refresh()

	got, err := f.svc.Release(context.Background(), "User 1", f.testRes.ID)
	require.NoError(t, err)

	assert.Empty(t, got.Reservations)
	assert.Equal(t, int64(20000), got.BalanceCents)
	assert.Equal(t, int64(20000), got.Available())
	assert.Empty(t, f.accounts.moves, "release must not move funds")
	require.Len(t, f.accounts.drops, 1)
	assert.Equal(t, f.testRes.ID, f.accounts.drops[0].id)
	assert.Len(t, f.acc1.Reservations, 1)
}

func TestRelease_ReservationHeldElsewhere(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := setup(t, WithLogger(zap.New(core)))
	foreign := domain.Reservation{ID: 7, AmountCents: 5, Target: f.acc1.Ref()}
	f.reservations.byID = map[int64]domain.Reservation{foreign.ID: foreign}
	f.acc1.Reservations = []domain.Reservation{f.testRes}
	f.refresh()

	got, err := f.svc.Release(context.Background(), "User 1", foreign.ID)
	require.NoError(t, err)

	assert.Equal(t, []domain.Reservation{f.testRes}, got.Reservations)
	assert.Equal(t, 1, logs.FilterMessage("released reservation is not held by account").Len())
}

func TestPunishAndTransferReservation(t *testing.T) {
	f := setup(t)
	f.acc1.BalanceCents = 20000
	f.acc1.Reservations = []domain.Reservation{f.testRes}
	f.refresh()
	f.reservations.byID = map[int64]domain.Reservation{f.testRes.ID: f.testRes}

	intermediate := domain.Account{
		ID:           f.acc1.ID,
		Name:         f.acc1.Name,
		BalanceCents: f.acc1.BalanceCents - reservationAmount,
		Reservations: []domain.Reservation{f.testRes},
	}
	f.accounts.moveResult = func(_, target domain.Account, amount int64) (domain.Account, domain.Account, error) {
		target.BalanceCents += amount
		return intermediate, target, nil
	}

	result, err := f.svc.Punish(context.Background(), "User 1", f.testRes.ID)
	require.NoError(t, err)

	// input is not mutated
	assert.Len(t, f.acc1.Reservations, 1)
	assert.Len(t, intermediate.Reservations, 1)
	// resulting account has no reservations left
	assert.Empty(t, result.Reservations)
	assert.Equal(t, int64(100), result.BalanceCents)

	require.Len(t, f.accounts.moves, 1)
	move := f.accounts.moves[0]
	assert.Equal(t, f.acc1.ID, move.source.ID)
	assert.Equal(t, f.acc2.ID, move.target.ID)
	assert.Equal(t, reservationAmount, move.amount)

	// the hold is dropped from the post-move snapshot
	require.Len(t, f.accounts.drops, 1)
	assert.Equal(t, intermediate, f.accounts.drops[0].acc)
	assert.Equal(t, f.testRes.ID, f.accounts.drops[0].id)
}

func TestPunishAndTransferReservation_ExactlyRightAmountOfFunds(t *testing.T) {
	f := setup(t)
	f.acc1.BalanceCents = reservationAmount
	f.acc1.Reservations = []domain.Reservation{f.testRes}
	f.refresh()
	f.reservations.byID = map[int64]domain.Reservation{1: f.testRes}

	result, err := f.svc.Punish(context.Background(), "User 1", 1)
	require.NoError(t, err)

	assert.Empty(t, result.Reservations)
	assert.Equal(t, int64(0), result.BalanceCents)
	require.Len(t, f.accounts.moves, 1)
	assert.Equal(t, reservationAmount, f.accounts.moves[0].amount)
}

func TestPunishAndTransferReservation_ReturnsStoredSnapshot(t *testing.T) {
	f := setup(t)
	f.acc1.BalanceCents = 20000
	f.acc1.Reservations = []domain.Reservation{f.testRes}
	f.refresh()
	f.reservations.byID = map[int64]domain.Reservation{f.testRes.ID: f.testRes}

	stored := domain.Account{ID: f.acc1.ID, Name: f.acc1.Name, BalanceCents: 101, Reservations: []domain.Reservation{}}
	f.accounts.storeResult = func(domain.Account) domain.Account { return stored }

	result, err := f.svc.Punish(context.Background(), "User 1", f.testRes.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, result)
}

func TestPunish_ReservationHeldElsewhere(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := setup(t, WithLogger(zap.New(core)))
	foreign := domain.Reservation{ID: 7, AmountCents: 5, Target: f.acc2.Ref()}
	f.reservations.byID = map[int64]domain.Reservation{foreign.ID: foreign}
	f.acc1.BalanceCents = 100
	f.acc1.Reservations = []domain.Reservation{f.testRes}
	f.refresh()

	got, err := f.svc.Punish(context.Background(), "User 1", foreign.ID)
	require.NoError(t, err)

	require.Len(t, f.accounts.moves, 1)
	assert.Equal(t, int64(5), f.accounts.moves[0].amount)
	assert.Equal(t, []domain.Reservation{f.testRes}, got.Reservations)
	assert.Equal(t, 1, logs.FilterMessage("punished reservation is not held by account").Len())
}

func TestPunishAndTransferNonExistentReservation(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Punish(context.Background(), "User 1", 1)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
	assert.Empty(t, f.accounts.moves)
}

func TestPunish_MoveFailureKeepsHold(t *testing.T) {
	f := setup(t)
	f.reservations.byID = map[int64]domain.Reservation{f.testRes.ID: f.testRes}
	f.accounts.moveResult = func(source, _ domain.Account, amount int64) (domain.Account, domain.Account, error) {
		return domain.Account{}, domain.Account{}, &domain.InsufficientFundsError{Account: source.Name, AmountCents: amount}
	}

	_, err := f.svc.Punish(context.Background(), "User 1", f.testRes.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Empty(t, f.accounts.drops)
}

func TestReserve_HoldFailureIsReturned(t *testing.T) {
	f := setup(t)
	f.acc1.BalanceCents = reservationAmount
	f.refresh()
	boom := errors.New("boom")
	f.accounts.storeErr = boom

	_, err := f.svc.Reserve(context.Background(), "User 1", "User 2", reservationAmount)
	assert.ErrorIs(t, err, boom)
}

func TestSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	f := setup(t, WithTracerProvider(provider))
	f.acc1.BalanceCents = reservationAmount
	f.refresh()

	_, err := f.svc.Reserve(context.Background(), "User 1", "User 2", reservationAmount)
	require.NoError(t, err)
	_, err = f.svc.Release(context.Background(), "User 1", 404)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "reservation.reserve", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, "reservation.release", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	require.NotEmpty(t, spans[1].Events())
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}
