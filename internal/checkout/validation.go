package checkout

import (
	"errors"
	"strings"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
)

// Validate runs every shape check over a checkout snapshot and returns the
// first failure. It has no side effects.
func Validate(total *domain.LineItem, items []domain.LineItem, methods []domain.PaymentMethod, processors payments.Lookup) error {
	if err := ValidateTotal(total); err != nil {
		return err
	}
	if err := ValidateLineItems(items); err != nil {
		return err
	}
	if processors == nil {
		return &MissingProcessorsError{}
	}
	return ValidatePaymentMethods(methods, processors)
}

// ValidateTotal checks the grand total line item.
func ValidateTotal(total *domain.LineItem) error {
	if total == nil {
		return &MissingTotalError{}
	}
	if strings.TrimSpace(total.ID) == "" {
		return &InvalidTotalError{Reason: "missing id"}
	}
	if total.Type != domain.LineItemTypeTotal {
		return &InvalidTotalError{Reason: "type must be \"total\""}
	}
	if reason := amountProblem(total.Amount); reason != "" {
		return &InvalidTotalError{Reason: reason}
	}
	return nil
}

// ValidateLineItems checks every line item and the uniqueness of their ids.
func ValidateLineItems(items []domain.LineItem) error {
	if items == nil {
		return &MissingItemsError{}
	}
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return &InvalidLineItemError{Index: i, Reason: "missing id"}
		}
		if strings.TrimSpace(item.Type) == "" {
			return &InvalidLineItemError{Index: i, ID: id, Reason: "missing type"}
		}
		if reason := amountProblem(item.Amount); reason != "" {
			return &InvalidLineItemError{Index: i, ID: id, Reason: reason}
		}
		if _, dup := seen[id]; dup {
			return &InvalidLineItemError{Index: i, ID: id, Reason: "duplicate id"}
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ValidatePaymentMethods checks method ids and that each method has a backing processor.
func ValidatePaymentMethods(methods []domain.PaymentMethod, processors payments.Lookup) error {
	if methods == nil {
		return &MissingProcessorForMethodError{Reason: "missing required prop: paymentMethods"}
	}
	if processors == nil {
		return &MissingProcessorsError{}
	}
	seen := make(map[string]struct{}, len(methods))
	for _, method := range methods {
		id := strings.TrimSpace(method.ID)
		if id == "" {
			return &MissingProcessorForMethodError{Reason: "payment method without id"}
		}
		if id != method.ID {
			return &MissingProcessorForMethodError{PaymentMethodID: method.ID, Reason: "payment method id has surrounding whitespace"}
		}
		if _, dup := seen[id]; dup {
			return &MissingProcessorForMethodError{PaymentMethodID: id, Reason: "duplicate payment method id"}
		}
		seen[id] = struct{}{}
		if _, err := processors.Lookup(method.ProcessorKey()); err != nil {
			reason := "no payment processor registered for " + method.ProcessorKey()
			if !errors.Is(err, payments.ErrUnsupportedProcessor) {
				reason += ": " + err.Error()
			}
			return &MissingProcessorForMethodError{PaymentMethodID: id, Reason: reason}
		}
	}
	return nil
}

func amountProblem(amount domain.Amount) string {
	if amount.Value < 0 {
		return "amount value must not be negative"
	}
	if !isCurrencyCode(amount.Currency) {
		return "amount currency must be a three letter code"
	}
	return ""
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
