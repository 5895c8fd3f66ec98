package ledger

import "errors"

// Validation errors surfaced to the user with a 400-class status.
// Anything else coming out of the ledger is an infrastructure failure
// (store or market data) and maps to a 500-class status.
var (
	ErrInvalidQuantity    = errors.New("shares must be a positive whole number")
	ErrInvalidAmount      = errors.New("amount must be a positive whole number")
	ErrInvalidSymbol      = errors.New("symbol must not be empty")
	ErrUnknownSymbol      = errors.New("symbol not recognised")
	ErrInsufficientFunds  = errors.New("not enough cash for this purchase")
	ErrInsufficientShares = errors.New("cannot sell more shares than you own")
)

// IsValidationError reports whether err is a user-correctable input problem
// rather than an infrastructure failure.
func IsValidationError(err error) bool {
	for _, e := range []error{
		ErrInvalidQuantity,
		ErrInvalidAmount,
		ErrInvalidSymbol,
		ErrUnknownSymbol,
		ErrInsufficientFunds,
		ErrInsufficientShares,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
