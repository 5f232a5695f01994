package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSelfTarget          = errors.New("source and target account are the same")
	ErrNegativeAmount      = errors.New("amount must not be negative")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrReservationNotFound = errors.New("reservation not found")
)

type SelfTargetError struct {
	Account string
}

func (e *SelfTargetError) Error() string {
	return fmt.Sprintf("%s: %q", ErrSelfTarget, e.Account)
}

func (e *SelfTargetError) Is(target error) bool { return target == ErrSelfTarget }

type NegativeAmountError struct {
	AmountCents int64
}

func (e *NegativeAmountError) Error() string {
	return fmt.Sprintf("%s: %d", ErrNegativeAmount, e.AmountCents)
}

func (e *NegativeAmountError) Is(target error) bool { return target == ErrNegativeAmount }

type InsufficientFundsError struct {
	Account        string
	AmountCents    int64
	AvailableCents int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: account %q requested %d, available %d",
		ErrInsufficientFunds, e.Account, e.AmountCents, e.AvailableCents)
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

type ReservationNotFoundError struct {
	Account       string
	ReservationID int64
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("%s: id %d (account %q)", ErrReservationNotFound, e.ReservationID, e.Account)
}

func (e *ReservationNotFoundError) Is(target error) bool { return target == ErrReservationNotFound }
