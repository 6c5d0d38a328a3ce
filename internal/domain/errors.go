package domain

import "errors"

// Business rejections. Expected outcomes, never retried, no mutation.
var (
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidSide           = errors.New("invalid_side")
	ErrAccountNotFound       = errors.New("account_not_found")
	ErrInstrumentNotFound    = errors.New("instrument_not_found")
	ErrInstrumentInactive    = errors.New("instrument_inactive")
	ErrInsufficientInventory = errors.New("insufficient_inventory")
	ErrInsufficientFunds     = errors.New("insufficient_funds")
	ErrInsufficientPosition  = errors.New("insufficient_position")
	ErrIdempotencyConflict   = errors.New("idempotency_conflict")
	ErrTradeNotFound         = errors.New("trade_not_found")
	ErrAlreadyExists         = errors.New("already_exists")
	ErrInvalidArgument       = errors.New("invalid_argument")
)

// Invariant guards. Firing means a validation or concurrency defect.
var (
	ErrNegativeBalance   = errors.New("negative_balance")
	ErrNegativeInventory = errors.New("negative_inventory")
)

// Infrastructure.
var (
	ErrContention       = errors.New("contention")
	ErrStoreUnavailable = errors.New("store_unavailable")
)

var kinds = []error{
	ErrInvalidQuantity,
	ErrInvalidSide,
	ErrAccountNotFound,
	ErrInstrumentNotFound,
	ErrInstrumentInactive,
	ErrInsufficientInventory,
	ErrInsufficientFunds,
	ErrInsufficientPosition,
	ErrIdempotencyConflict,
	ErrTradeNotFound,
	ErrAlreadyExists,
	ErrInvalidArgument,
	ErrNegativeBalance,
	ErrNegativeInventory,
	ErrContention,
	ErrStoreUnavailable,
}

// Kind returns the stable error kind for err, or "internal" when err does not
// wrap any of the ledger sentinels.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal"
}

// IsInvariantViolation reports whether err is one of the guard errors that
// should never reach a caller in a correct build.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrNegativeBalance) || errors.Is(err, ErrNegativeInventory)
}

// IsRejection reports whether err is an expected business-rule outcome.
func IsRejection(err error) bool {
	switch Kind(err) {
	case "internal", ErrNegativeBalance.Error(), ErrNegativeInventory.Error(),
		ErrContention.Error(), ErrStoreUnavailable.Error():
		return false
	}
	return true
}
