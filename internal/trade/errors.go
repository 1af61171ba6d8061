package trade

import (
	"errors"
	"net/http"

	"github.com/berryx/market-engine/internal/store"
)

// Domain errors. None of them is retried inside the service; a caller that
// wants to try again must build a new request (and a new nonce).
var (
	ErrInvalidInput        = errors.New("trade: invalid input")
	ErrCharacterNotFound   = errors.New("trade: character not found")
	ErrPoolNotFound        = errors.New("trade: pool not found")
	ErrWalletNotFound      = errors.New("trade: wallet not found")
	ErrInsufficientBalance = errors.New("trade: insufficient balance")
	ErrSlippageExceeded    = errors.New("trade: slippage exceeded")
	ErrDuplicateRequest    = errors.New("trade: duplicate request")
	ErrMarketClosed        = errors.New("trade: market is closed")
	ErrNoPosition          = errors.New("trade: no position to close")
)

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrNoPosition):
		return http.StatusBadRequest
	case errors.Is(err, ErrCharacterNotFound),
		errors.Is(err, ErrPoolNotFound),
		errors.Is(err, ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, ErrMarketClosed):
		return http.StatusForbidden
	case errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// reasonFor labels a rejection for metrics.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrCharacterNotFound), errors.Is(err, ErrPoolNotFound), errors.Is(err, ErrWalletNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, ErrNoPosition):
		return "no_position"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

// isDomain reports whether err is one of the caller-facing rejections.
func isDomain(err error) bool {
	return reasonFor(err) != "internal" && reasonFor(err) != "conflict"
}
