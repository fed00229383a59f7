package domain

import "strings"

// LineItemTypeTotal marks the grand total line item.
const LineItemTypeTotal = "total"

// Amount is a monetary value expressed in the currency's minor units.
type Amount struct {
	Value        int64  `json:"value"`
	DisplayValue string `json:"displayValue"`
	Currency     string `json:"currency"`
}

// LineItem is one priced entry in a purchase, such as a plan or a domain.
type LineItem struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	Sublabel string `json:"sublabel,omitempty"`
	Amount   Amount `json:"amount"`
}

// EmptyTotal returns the placeholder total used when the caller supplies none.
func EmptyTotal() LineItem {
	return LineItem{
		ID:    "total",
		Type:  LineItemTypeTotal,
		Label: "Total",
		Amount: Amount{
			Value:        0,
			DisplayValue: "0",
			Currency:     "USD",
		},
	}
}

// PaymentMethod describes a selectable way to pay.
type PaymentMethod struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	ProcessorID string   `json:"processorId,omitempty"`
	Currencies  []string `json:"currencies,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ProcessorKey returns the processor id backing the method. Methods without
// an explicit processor are keyed by their own id.
func (m PaymentMethod) ProcessorKey() string {
	if key := strings.TrimSpace(m.ProcessorID); key != "" {
		return key
	}
	return strings.TrimSpace(m.ID)
}

// SupportsCurrency reports whether the method accepts the currency. Methods
// without a currency list accept every currency.
func (m PaymentMethod) SupportsCurrency(currency string) bool {
	if len(m.Currencies) == 0 {
		return true
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	for _, c := range m.Currencies {
		if strings.ToUpper(strings.TrimSpace(c)) == currency {
			return true
		}
	}
	return false
}

// PaymentMethodIDs returns the ids of methods in list order.
func PaymentMethodIDs(methods []PaymentMethod) []string {
	ids := make([]string, 0, len(methods))
	for _, m := range methods {
		ids = append(ids, m.ID)
	}
	return ids
}

// FormStatus enumerates the lifecycle of the payment form.
type FormStatus string

const (
	FormStatusLoading    FormStatus = "loading"
	FormStatusReady      FormStatus = "ready"
	FormStatusValidating FormStatus = "validating"
	FormStatusSubmitting FormStatus = "submitting"
	FormStatusComplete   FormStatus = "complete"
)

// String representation (for logging)
func (s FormStatus) String() string {
	return string(s)
}

// TransactionStatus enumerates the lifecycle of a single payment attempt.
type TransactionStatus string

const (
	TransactionStatusNotStarted  TransactionStatus = "not-started"
	TransactionStatusPending     TransactionStatus = "pending"
	TransactionStatusRedirecting TransactionStatus = "redirecting"
	TransactionStatusComplete    TransactionStatus = "complete"
	TransactionStatusError       TransactionStatus = "error"
)

// IsTerminal reports whether no further transition is expected without a reset.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusComplete || s == TransactionStatusRedirecting
}

func (s TransactionStatus) String() string {
	return string(s)
}

var allowedTransactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusNotStarted:  {TransactionStatusPending},
	TransactionStatusPending:     {TransactionStatusComplete, TransactionStatusRedirecting, TransactionStatusError},
	TransactionStatusError:       {TransactionStatusPending, TransactionStatusNotStarted},
	TransactionStatusComplete:    {TransactionStatusNotStarted},
	TransactionStatusRedirecting: {TransactionStatusNotStarted},
}

// CanTransitionTo reports whether a transaction may move from one status to another.
func CanTransitionTo(from, to TransactionStatus) bool {
	for _, next := range allowedTransactionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
