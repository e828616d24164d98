package escrow

import "errors"

// Error taxonomy for the settlement engine. Every operation failure wraps one
// of these sentinels so callers can classify without string matching. State
// and record remain untouched whenever one of these is returned.
var (
	// ErrUnauthorized marks a caller that holds none of the roles the
	// requested operation accepts.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidState marks an operation requested against a record whose
	// flags or settlement plan do not permit it.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrInvalidArgument marks malformed input: empty descriptions,
	// mismatched amounts, out-of-range fees, bad milestone indices.
	ErrInvalidArgument = errors.New("escrow: invalid argument")
	// ErrInsufficientFunds is surfaced from the ledger when the payer cannot
	// cover the inbound custody transfer.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrCurrencyMismatch is surfaced from the ledger when accounts do not
	// carry the declared asset.
	ErrCurrencyMismatch = errors.New("escrow: currency mismatch")
	// ErrArithmeticOverflow marks amount arithmetic that would leave the
	// safe band, including a floor fee exceeding the gross payout.
	ErrArithmeticOverflow = errors.New("escrow: arithmetic overflow")
	// ErrInsufficientPrivilege marks an agent whose stake of the configured
	// asset is below the arbitration threshold.
	ErrInsufficientPrivilege = errors.New("escrow: insufficient privilege")
	// ErrAlreadyInitialized marks a repeated config initialization.
	ErrAlreadyInitialized = errors.New("escrow: already initialized")
	// ErrNotFound marks a transaction identifier with no stored record.
	ErrNotFound = errors.New("escrow: not found")
)
