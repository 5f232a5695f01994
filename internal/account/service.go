// Package account resolves accounts by name and owns every balance mutation.
package account

import (
	"context"
	"fmt"

	"reservation-ledger/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository holds all functions a storage adapter needs to provide.
type Repository interface {
	CreateAccount(ctx context.Context, name string) (domain.Account, error)
	AccountByName(ctx context.Context, name string) (domain.Account, error)
	AddReservation(ctx context.Context, accountID uuid.UUID, r domain.Reservation) (domain.Account, error)
	RemoveReservation(ctx context.Context, accountID uuid.UUID, reservationID int64) (domain.Account, error)
	Deposit(ctx context.Context, id uuid.UUID, amountCents int64) (domain.Account, error)
	MoveFunds(ctx context.Context, fromID, toID uuid.UUID, amountCents int64) (domain.Account, domain.Account, error)
}

type Service struct {
	repo   Repository
	logger *zap.Logger
}

func New(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger.Named("account")}
}

func (s *Service) Open(ctx context.Context, name string) (domain.Account, error) {
	acc, err := s.repo.CreateAccount(ctx, name)
	if err != nil {
		return domain.Account{}, fmt.Errorf("open account: %w", err)
	}
	s.logger.Info("account opened", zap.String("account", acc.Name), zap.Stringer("account_id", acc.ID))
	return acc, nil
}

// Account resolves an account by its name.
func (s *Service) Account(ctx context.Context, name string) (domain.Account, error) {
	acc, err := s.repo.AccountByName(ctx, name)
	if err != nil {
		return domain.Account{}, fmt.Errorf("resolve account: %w", err)
	}
	return acc, nil
}

func (s *Service) Deposit(ctx context.Context, name string, amountCents int64) (domain.Account, error) {
	if amountCents < 0 {
		return domain.Account{}, &domain.NegativeAmountError{AmountCents: amountCents}
	}
	acc, err := s.Account(ctx, name)
	if err != nil {
		return domain.Account{}, err
	}
	if amountCents == 0 {
		return acc, nil
	}
	acc, err = s.repo.Deposit(ctx, acc.ID, amountCents)
	if err != nil {
		return domain.Account{}, fmt.Errorf("deposit: %w", err)
	}
	s.logger.Info("funds deposited", zap.String("account", acc.Name), zap.Int64("amount_cents", amountCents))
	return acc, nil
}

// Transfer is a user-initiated transfer. Unlike Move it only spends funds that are not reserved.
func (s *Service) Transfer(ctx context.Context, from, to string, amountCents int64) (domain.Account, domain.Account, error) {
	source, err := s.Account(ctx, from)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	target, err := s.Account(ctx, to)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	if source.ID == target.ID {
		return domain.Account{}, domain.Account{}, &domain.SelfTargetError{Account: source.Name}
	}
	if amountCents < 0 {
		return domain.Account{}, domain.Account{}, &domain.NegativeAmountError{AmountCents: amountCents}
	}
	if !source.CanCover(amountCents) {
		return domain.Account{}, domain.Account{}, &domain.InsufficientFundsError{
			Account:        source.Name,
			AmountCents:    amountCents,
			AvailableCents: source.Available(),
		}
	}
	return s.Move(ctx, source, target, amountCents)
}

// Move debits source and credits target atomically and returns fresh snapshots of both.
// The arguments are not modified. The check is against the raw balance so that reserved
// funds can be moved when their reservation is executed.
func (s *Service) Move(ctx context.Context, source, target domain.Account, amountCents int64) (domain.Account, domain.Account, error) {
	if source.ID == target.ID {
		return domain.Account{}, domain.Account{}, &domain.SelfTargetError{Account: source.Name}
	}
	if amountCents < 0 {
		return domain.Account{}, domain.Account{}, &domain.NegativeAmountError{AmountCents: amountCents}
	}
	if source.BalanceCents < amountCents {
		return domain.Account{}, domain.Account{}, &domain.InsufficientFundsError{
			Account:        source.Name,
			AmountCents:    amountCents,
			AvailableCents: source.BalanceCents,
		}
	}

	from, to, err := s.repo.MoveFunds(ctx, source.ID, target.ID, amountCents)
	if err != nil {
		return domain.Account{}, domain.Account{}, fmt.Errorf("move funds: %w", err)
	}
	s.logger.Info("funds moved",
		zap.String("from", from.Name),
		zap.String("to", to.Name),
		zap.Int64("amount_cents", amountCents),
	)
	return from, to, nil
}

// AddReservation appends a saved reservation to the stored list of acc. The store re-checks that
// the account's available funds cover it, so a stale acc cannot over-commit the account.
func (s *Service) AddReservation(ctx context.Context, acc domain.Account, r domain.Reservation) (domain.Account, error) {
	saved, err := s.repo.AddReservation(ctx, acc.ID, r)
	if err != nil {
		return domain.Account{}, fmt.Errorf("add reservation: %w", err)
	}
	return saved, nil
}

// RemoveReservation drops a reservation from the stored list of acc. Removing one the account does
// not hold leaves the list unchanged.
func (s *Service) RemoveReservation(ctx context.Context, acc domain.Account, reservationID int64) (domain.Account, error) {
	saved, err := s.repo.RemoveReservation(ctx, acc.ID, reservationID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("remove reservation: %w", err)
	}
	return saved, nil
}
