package model

import "errors"

// Business errors shared by the engine and the stores. All are final and
// must not be retried, except ErrContention which signals a transient
// lock-acquisition failure the caller may retry.
var (
	ErrAccountNotFound   = errors.New("model: account not found")
	ErrMarketNotFound    = errors.New("model: market not found")
	ErrPositionNotFound  = errors.New("model: position not found")
	ErrAccountExists     = errors.New("model: account already exists")
	ErrMarketClosed      = errors.New("model: market is resolved and closed for trading")
	ErrAlreadyResolved   = errors.New("model: market is already resolved")
	ErrInsufficientFunds = errors.New("model: insufficient balance")
	ErrInvalidArgument   = errors.New("model: invalid argument")
	ErrContention        = errors.New("model: lock contention, retry")
)
