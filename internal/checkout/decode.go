package checkout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hanko-field/checkout/internal/domain"
)

// ErrNonNumericAmount is returned when a wire amount value is not an integer.
var ErrNonNumericAmount = errors.New("checkout: amount value is not numeric")

// WireAmount is the JSON shape of an amount as sent by clients. Value may be
// a JSON number or a numeric string.
type WireAmount struct {
	Value        json.RawMessage `json:"value"`
	DisplayValue string          `json:"displayValue"`
	Currency     string          `json:"currency"`
}

// WireLineItem is the JSON shape of a line item as sent by clients.
type WireLineItem struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Label    string      `json:"label"`
	Sublabel string      `json:"sublabel"`
	Amount   *WireAmount `json:"amount"`
}

// DecodeAmountValue parses a raw JSON value into minor units.
func DecodeAmountValue(raw json.RawMessage) (int64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, fmt.Errorf("%w: missing", ErrNonNumericAmount)
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNonNumericAmount, text)
	}
	return value, nil
}

// DecodeTotal converts a wire total. A nil input yields nil so the
// placeholder total applies.
func DecodeTotal(w *WireLineItem) (*domain.LineItem, error) {
	if w == nil {
		return nil, nil
	}
	item, reason := decodeLineItem(*w)
	if reason != "" {
		return nil, &InvalidTotalError{Reason: reason}
	}
	if item.Type == "" {
		item.Type = domain.LineItemTypeTotal
	}
	if item.ID == "" {
		item.ID = "total"
	}
	return &item, nil
}

// DecodeLineItems converts wire line items, preserving order.
func DecodeLineItems(ws []WireLineItem) ([]domain.LineItem, error) {
	if ws == nil {
		return nil, nil
	}
	items := make([]domain.LineItem, 0, len(ws))
	for i, w := range ws {
		item, reason := decodeLineItem(w)
		if reason != "" {
			return nil, &InvalidLineItemError{Index: i, ID: strings.TrimSpace(w.ID), Reason: reason}
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeLineItem(w WireLineItem) (domain.LineItem, string) {
	if w.Amount == nil {
		return domain.LineItem{}, "missing amount"
	}
	value, err := DecodeAmountValue(w.Amount.Value)
	if err != nil {
		return domain.LineItem{}, err.Error()
	}
	return domain.LineItem{
		ID:       strings.TrimSpace(w.ID),
		Type:     strings.TrimSpace(w.Type),
		Label:    w.Label,
		Sublabel: w.Sublabel,
		Amount: domain.Amount{
			Value:        value,
			DisplayValue: w.Amount.DisplayValue,
			Currency:     strings.ToUpper(strings.TrimSpace(w.Amount.Currency)),
		},
	}, ""
}
