package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Well-known exchange error codes used for retry classification.
const (
	codeDisconnected         = -1001
	codeTooManyRequests      = -1003
	codeTimeout              = -1007
	codeInvalidSymbol        = -1121
	codeMarginInsufficient   = -2019
	codeNoNeedChangeMargin   = -4046
	codePositionSideNoMatch  = -4061
	codeDuplicateClientOrder = -4116
)

// APIError is a structured error response from the exchange. Retry policy is
// a pure function of this classification, never of error string matching at
// call sites.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: HTTP %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

// Transient reports whether the call may succeed if retried.
func (e *APIError) Transient() bool {
	if e.HTTPStatus == 408 || e.HTTPStatus == 429 || e.HTTPStatus >= 500 {
		return true
	}
	switch e.Code {
	case codeDisconnected, codeTooManyRequests, codeTimeout:
		return true
	}
	return false
}

// Duplicate reports whether the exchange rejected the order because the
// client order ID was already used.
func (e *APIError) Duplicate() bool {
	return e.Code == codeDuplicateClientOrder || strings.Contains(strings.ToLower(e.Message), "duplicat")
}

// IsTransient classifies any submission error: network-level failures are
// retryable, structured exchange errors answer for themselves.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Anything below the HTTP response layer (timeouts, resets) is
	// transport trouble.
	return true
}

// IsDuplicate reports a duplicate-client-order-ID rejection.
func IsDuplicate(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Duplicate()
}

// OrderRequest is a MARKET order submission.
type OrderRequest struct {
	Symbol        string
	Side          string // SELL|BUY
	PositionSide  string // SHORT|LONG|BOTH
	Quantity      decimal.Decimal
	ClientOrderID string
}

// OrderAck is the exchange's acknowledgement of an accepted order.
type OrderAck struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

// SymbolFilter is the per-instrument constraint set extracted from the
// exchangeInfo snapshot.
type SymbolFilter struct {
	Symbol      string
	Trading     bool
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}
