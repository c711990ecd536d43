package domain

import (
	"errors"
	"fmt"
	"strings"
)

// MarketClosedError is raised by broker adapters when an order is rejected
// because the venue is outside trading hours. The reconciliation loop treats
// it as a state transition, not a failure.
type MarketClosedError struct {
	Broker  string
	Code    string
	Message string
}

func (e *MarketClosedError) Error() string {
	return fmt.Sprintf("%s: market closed (code=%s): %s", e.Broker, e.Code, e.Message)
}

// IsMarketClosed reports whether err, anywhere in its chain, signals a closed
// market.
func IsMarketClosed(err error) bool {
	var mc *MarketClosedError
	return errors.As(err, &mc)
}

// AmendRejectedError is raised when a broker refuses to amend an order in its
// current state. The executor falls back to cancel-plus-fresh-order.
type AmendRejectedError struct {
	Broker  string
	Code    string
	Message string
}

func (e *AmendRejectedError) Error() string {
	return fmt.Sprintf("%s: amend rejected (code=%s): %s", e.Broker, e.Code, e.Message)
}

// IsAmendRejected reports whether err signals a refused amend.
func IsAmendRejected(err error) bool {
	var ar *AmendRejectedError
	return errors.As(err, &ar)
}

// InvariantError marks ledger data the strategy cannot interpret: an
// unexpected status value or a manually inserted row with missing fields.
// It is fatal and must never be silently coerced.
type InvariantError struct {
	Symbol string
	Tier   Tier
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violated for %s/%s: %s", e.Symbol, e.Tier, e.Reason)
}

// IsInvariant reports whether err is a data-invariant violation.
func IsInvariant(err error) bool {
	var iv *InvariantError
	return errors.As(err, &iv)
}

// SchemaError is a fatal startup error: a persisted table's columns do not
// match the expected schema.
type SchemaError struct {
	Table    string
	Expected []string
	Actual   []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("table %s: header mismatch: expected [%s], got [%s]",
		e.Table, strings.Join(e.Expected, ","), strings.Join(e.Actual, ","))
}
