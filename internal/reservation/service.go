// Package reservation places, releases and executes holds on account funds.
//
// The service validates requests and delegates everything else: account resolution, fund moves
// and persistence belong to the Accounts and Reservations collaborators. It holds no locks and
// defines no transaction boundary. Atomicity of "move funds" and "remove reservation" has to be
// provided by the collaborators.
package reservation

import (
	"context"
	"fmt"

	"reservation-ledger/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "reservation-ledger/reservation"

// Accounts resolves, moves and persists accounts.
//
// AddReservation and RemoveReservation change the stored reservation list of acc by one entry
// and return the stored snapshot. AddReservation must re-check coverage against the stored
// account, so that holds placed concurrently cannot over-commit it.
type Accounts interface {
	Account(ctx context.Context, key string) (domain.Account, error)
	// Move must return new snapshots and leave its arguments untouched.
	Move(ctx context.Context, source, target domain.Account, amountCents int64) (domain.Account, domain.Account, error)
	AddReservation(ctx context.Context, acc domain.Account, r domain.Reservation) (domain.Account, error)
	RemoveReservation(ctx context.Context, acc domain.Account, reservationID int64) (domain.Account, error)
}

// Reservations persists reservation records.
type Reservations interface {
	SaveReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, error)
	FindReservation(ctx context.Context, id int64) (domain.Reservation, bool, error)
}

type Service struct {
	accounts     Accounts
	reservations Reservations
	logger       *zap.Logger
	tracer       trace.Tracer
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

func New(accounts Accounts, reservations Reservations, opts ...Option) *Service {
	s := &Service{
		accounts:     accounts,
		reservations: reservations,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("reservation")
	return s
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Service) fail(span trace.Span, msg string, err error, fields ...zap.Field) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	s.logger.Warn(msg, append(fields, zap.Error(err))...)
	return err
}

// Reserve holds amountCents of the source account's funds for the target account.
func (s *Service) Reserve(ctx context.Context, sourceKey, targetKey string, amountCents int64) (domain.Reservation, error) {
	ctx, span := s.start(ctx, "reservation.reserve",
		attribute.String("account", sourceKey),
		attribute.String("target", targetKey),
		attribute.Int64("amount_cents", amountCents),
	)
	defer span.End()

	fields := []zap.Field{
		zap.String("account", sourceKey),
		zap.String("target", targetKey),
		zap.Int64("amount_cents", amountCents),
	}

	acc, err := s.accounts.Account(ctx, sourceKey)
	if err != nil {
		return domain.Reservation{}, s.fail(span, "reserve failed", err, fields...)
	}
	target, err := s.accounts.Account(ctx, targetKey)
	if err != nil {
		return domain.Reservation{}, s.fail(span, "reserve failed", err, fields...)
	}

	if target.ID == acc.ID {
		return domain.Reservation{}, s.fail(span, "reserve rejected", &domain.SelfTargetError{Account: acc.Name}, fields...)
	}
	if amountCents < 0 {
		return domain.Reservation{}, s.fail(span, "reserve rejected", &domain.NegativeAmountError{AmountCents: amountCents}, fields...)
	}
	if !acc.CanCover(amountCents) {
		return domain.Reservation{}, s.fail(span, "reserve rejected", &domain.InsufficientFundsError{
			Account:        acc.Name,
			AmountCents:    amountCents,
			AvailableCents: acc.Available(),
		}, fields...)
	}

	res, err := s.reservations.SaveReservation(ctx, domain.Reservation{AmountCents: amountCents, Target: target.Ref()})
	if err != nil {
		return domain.Reservation{}, s.fail(span, "reserve failed", fmt.Errorf("save reservation: %w", err), fields...)
	}
	if _, err := s.accounts.AddReservation(ctx, acc, res); err != nil {
		return domain.Reservation{}, s.fail(span, "reserve failed", err, fields...)
	}

	span.SetAttributes(attribute.Int64("reservation_id", res.ID))
	s.logger.Info("reservation placed", append(fields, zap.Int64("reservation_id", res.ID))...)
	return res, nil
}

// Release drops a reservation from the account without moving funds.
//
// A reservation that exists but is held by a different account is not an error: the account's
// list is left unchanged and a warning is logged.
func (s *Service) Release(ctx context.Context, accountKey string, reservationID int64) (domain.Account, error) {
	ctx, span := s.start(ctx, "reservation.release",
		attribute.String("account", accountKey),
		attribute.Int64("reservation_id", reservationID),
	)
	defer span.End()

	fields := []zap.Field{zap.String("account", accountKey), zap.Int64("reservation_id", reservationID)}

	acc, res, err := s.resolve(ctx, accountKey, reservationID)
	if err != nil {
		return domain.Account{}, s.fail(span, "release failed", err, fields...)
	}
	if _, held := acc.Reservation(res.ID); !held {
		s.logger.Warn("released reservation is not held by account", fields...)
	}

	saved, err := s.accounts.RemoveReservation(ctx, acc, res.ID)
	if err != nil {
		return domain.Account{}, s.fail(span, "release failed", err, fields...)
	}

	s.logger.Info("reservation released", fields...)
	return saved, nil
}

// Punish executes a reservation: its amount moves to the target account and the hold is cleared
// on the post-move snapshot. The account value resolved before the move is left untouched.
//
// As with Release, a reservation held by a different account is executed anyway and a warning
// is logged.
func (s *Service) Punish(ctx context.Context, accountKey string, reservationID int64) (domain.Account, error) {
	ctx, span := s.start(ctx, "reservation.punish",
		attribute.String("account", accountKey),
		attribute.Int64("reservation_id", reservationID),
	)
	defer span.End()

	fields := []zap.Field{zap.String("account", accountKey), zap.Int64("reservation_id", reservationID)}

	acc, res, err := s.resolve(ctx, accountKey, reservationID)
	if err != nil {
		return domain.Account{}, s.fail(span, "punish failed", err, fields...)
	}
	fields = append(fields, zap.String("target", res.Target.Name), zap.Int64("amount_cents", res.AmountCents))

	if _, held := acc.Reservation(res.ID); !held {
		s.logger.Warn("punished reservation is not held by account", fields...)
	}

	target, err := s.accounts.Account(ctx, res.Target.Name)
	if err != nil {
		return domain.Account{}, s.fail(span, "punish failed", err, fields...)
	}

	updated, _, err := s.accounts.Move(ctx, acc, target, res.AmountCents)
	if err != nil {
		return domain.Account{}, s.fail(span, "punish failed", err, fields...)
	}

	saved, err := s.accounts.RemoveReservation(ctx, updated, res.ID)
	if err != nil {
		return domain.Account{}, s.fail(span, "punish failed", err, fields...)
	}

	s.logger.Info("reservation punished", fields...)
	return saved, nil
}

func (s *Service) resolve(ctx context.Context, accountKey string, reservationID int64) (domain.Account, domain.Reservation, error) {
	acc, err := s.accounts.Account(ctx, accountKey)
	if err != nil {
		return domain.Account{}, domain.Reservation{}, err
	}
	res, ok, err := s.reservations.FindReservation(ctx, reservationID)
	if err != nil {
		return domain.Account{}, domain.Reservation{}, fmt.Errorf("find reservation: %w", err)
	}
	if !ok {
		return domain.Account{}, domain.Reservation{}, &domain.ReservationNotFoundError{
			Account:       acc.Name,
			ReservationID: reservationID,
		}
	}
	return acc, res, nil
}
