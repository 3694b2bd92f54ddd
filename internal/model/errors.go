package model

import "errors"

// The engine's closed error set. Every error returned by the engine wraps
// exactly one of these; callers match with errors.Is or KindOf.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrMarketClosed       = errors.New("market closed")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrAlreadyResolved    = errors.New("market already resolved")
	ErrConflict           = errors.New("concurrent update conflict")
)

// Kind names an error class for transport layers.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidArgument    Kind = "invalid_argument"
	KindMarketClosed       Kind = "market_closed"
	KindInsufficientShares Kind = "insufficient_shares"
	KindAlreadyResolved    Kind = "already_resolved"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrMarketClosed, KindMarketClosed},
	{ErrInsufficientShares, KindInsufficientShares},
	{ErrAlreadyResolved, KindAlreadyResolved},
	{ErrConflict, KindConflict},
}

// KindOf classifies err. Errors outside the taxonomy, including context
// cancellation and storage failures, are KindInternal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
