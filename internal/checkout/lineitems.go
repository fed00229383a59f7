package checkout

import (
	"strings"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/money"
)

// LineItems is the immutable items + total snapshot of a checkout session.
// A new snapshot replaces the old one wholesale.
type LineItems struct {
	total domain.LineItem
	items []domain.LineItem
}

// NewLineItems builds a snapshot, filling any empty display values for locale.
func NewLineItems(total domain.LineItem, items []domain.LineItem, locale string) LineItems {
	snapshot := LineItems{
		total: withDisplayValue(total, locale),
		items: make([]domain.LineItem, 0, len(items)),
	}
	for _, item := range items {
		snapshot.items = append(snapshot.items, withDisplayValue(item, locale))
	}
	return snapshot
}

// Total returns the grand total.
func (l LineItems) Total() domain.LineItem { return l.total }

// Items returns a copy of the line items.
func (l LineItems) Items() []domain.LineItem {
	out := make([]domain.LineItem, len(l.items))
	copy(out, l.items)
	return out
}

// Currency returns the currency of the total.
func (l LineItems) Currency() string { return l.total.Amount.Currency }

// Item finds a line item by id.
func (l LineItems) Item(id string) (domain.LineItem, bool) {
	for _, item := range l.items {
		if item.ID == id {
			return item, true
		}
	}
	return domain.LineItem{}, false
}

func withDisplayValue(item domain.LineItem, locale string) domain.LineItem {
	if strings.TrimSpace(item.Amount.DisplayValue) == "" {
		item.Amount.DisplayValue = money.MustFormat(item.Amount.Value, item.Amount.Currency, locale)
	}
	return item
}
