package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error taxonomy shared by every component. Concrete errors wrap one of these
// sentinels so callers can branch with errors.Is.
var (
	// ErrData marks a malformed candle or tick from the feed.
	ErrData = errors.New("data error")
	// ErrConnection marks a transport failure on the market data feed.
	ErrConnection = errors.New("connection error")
	// ErrConfig marks invalid indicator parameters.
	ErrConfig = errors.New("config error")
	// ErrInsufficientBalance marks a trade rejected by balance validation.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidTrade marks a trade intent that cannot be priced or sized.
	ErrInvalidTrade = errors.New("invalid trade")
	// ErrBackend marks a transport or semantic failure of the strategy backend.
	ErrBackend = errors.New("backend error")
)

// InsufficientBalanceError carries the asset and amounts of a rejected trade.
type InsufficientBalanceError struct {
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s required %s, available %s",
		e.Asset, e.Required.String(), e.Available.String())
}

// Is lets errors.Is(err, ErrInsufficientBalance) match.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// BackendError is a non-success response or transport failure from the
// strategy backend.
type BackendError struct {
	Op      string // "backtest", "livetest/start", "livetest/check"
	Status  int    // HTTP status, 0 for transport failures
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.Status, msg)
	}
	return fmt.Sprintf("backend %s: %s", e.Op, msg)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrBackend) match.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}
