package checkout

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is the root of every configuration error raised by the validator.
	ErrInvalidConfiguration = errors.New("checkout: invalid configuration")
	// ErrSessionClosed is returned by operations attempted after Close.
	ErrSessionClosed = errors.New("checkout: session closed")
)

// MissingTotalError reports that no total line item was supplied.
type MissingTotalError struct{}

func (e *MissingTotalError) Error() string {
	return "checkout: missing required prop: total"
}

func (e *MissingTotalError) Unwrap() error { return ErrInvalidConfiguration }

// InvalidTotalError reports a total whose shape or amount is malformed.
type InvalidTotalError struct {
	Reason string
}

func (e *InvalidTotalError) Error() string {
	return fmt.Sprintf("checkout: invalid total: %s", e.Reason)
}

func (e *InvalidTotalError) Unwrap() error { return ErrInvalidConfiguration }

// MissingItemsError reports that no line item list was supplied.
type MissingItemsError struct{}

func (e *MissingItemsError) Error() string {
	return "checkout: missing required prop: items"
}

func (e *MissingItemsError) Unwrap() error { return ErrInvalidConfiguration }

// InvalidLineItemError reports a malformed line item.
type InvalidLineItemError struct {
	Index  int
	ID     string
	Reason string
}

func (e *InvalidLineItemError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("checkout: invalid line item %q at index %d: %s", e.ID, e.Index, e.Reason)
	}
	return fmt.Sprintf("checkout: invalid line item at index %d: %s", e.Index, e.Reason)
}

func (e *InvalidLineItemError) Unwrap() error { return ErrInvalidConfiguration }

// MissingProcessorsError reports that no payment processor registry was supplied.
type MissingProcessorsError struct{}

func (e *MissingProcessorsError) Error() string {
	return "checkout: missing required prop: paymentProcessors"
}

func (e *MissingProcessorsError) Unwrap() error { return ErrInvalidConfiguration }

// MissingProcessorForMethodError reports a payment method list that is absent,
// contains colliding ids, or names a method without a backing processor.
type MissingProcessorForMethodError struct {
	PaymentMethodID string
	Reason          string
}

func (e *MissingProcessorForMethodError) Error() string {
	if e.PaymentMethodID == "" {
		return fmt.Sprintf("checkout: invalid payment methods: %s", e.Reason)
	}
	return fmt.Sprintf("checkout: invalid payment method %q: %s", e.PaymentMethodID, e.Reason)
}

func (e *MissingProcessorForMethodError) Unwrap() error { return ErrInvalidConfiguration }

// ErrorCode maps configuration errors onto stable machine-readable codes.
func ErrorCode(err error) string {
	var (
		missingTotal      *MissingTotalError
		invalidTotal      *InvalidTotalError
		missingItems      *MissingItemsError
		invalidItem       *InvalidLineItemError
		missingProcessors *MissingProcessorsError
		missingProcessor  *MissingProcessorForMethodError
	)
	switch {
	case errors.As(err, &missingTotal):
		return "missing_total"
	case errors.As(err, &invalidTotal):
		return "invalid_total"
	case errors.As(err, &missingItems):
		return "missing_items"
	case errors.As(err, &invalidItem):
		return "invalid_line_item"
	case errors.As(err, &missingProcessors):
		return "missing_processors"
	case errors.As(err, &missingProcessor):
		return "missing_processor_for_method"
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_configuration"
	default:
		return "checkout_error"
	}
}
