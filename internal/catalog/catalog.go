package catalog

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"gopkg.in/yaml.v3"

	"github.com/hanko-field/checkout/internal/domain"
)

// ErrInvalidCatalog is returned when a catalog document cannot be used.
var ErrInvalidCatalog = errors.New("catalog: invalid payment method catalog")

var labelPolicy = bluemonday.StrictPolicy()

// Catalog is the ordered list of payment methods offered at checkout.
type Catalog struct {
	methods  []domain.PaymentMethod
	zeroOnly map[string]bool
}

type catalogDocument struct {
	PaymentMethods []catalogEntry `yaml:"payment_methods"`
}

type catalogEntry struct {
	ID            string   `yaml:"id"`
	Label         string   `yaml:"label"`
	Description   string   `yaml:"description"`
	Processor     string   `yaml:"processor"`
	Currencies    []string `yaml:"currencies"`
	ZeroTotalOnly bool     `yaml:"zero_total_only"`
}

// Default returns the catalog used when no file is configured: card
// payments through Stripe plus the free purchase method.
func Default() *Catalog {
	return &Catalog{
		methods: []domain.PaymentMethod{
			{ID: "card", Label: "Credit or debit card", ProcessorID: "stripe-card"},
			{ID: "checkout", Label: "Pay on a secure Stripe page", ProcessorID: "stripe-checkout"},
			{ID: "free-purchase", Label: "Free purchase", ProcessorID: "free-purchase"},
		},
		zeroOnly: map[string]bool{"free-purchase": true},
	}
}

// Load reads a YAML catalog from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog. Labels and descriptions are reduced to
// plain text.
func Parse(data []byte) (*Catalog, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if len(doc.PaymentMethods) == 0 {
		return nil, fmt.Errorf("%w: no payment methods", ErrInvalidCatalog)
	}

	c := &Catalog{
		methods:  make([]domain.PaymentMethod, 0, len(doc.PaymentMethods)),
		zeroOnly: make(map[string]bool),
	}
	seen := make(map[string]struct{}, len(doc.PaymentMethods))
	for i, entry := range doc.PaymentMethods {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: entry %d has no id", ErrInvalidCatalog, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, id)
		}
		seen[id] = struct{}{}

		label := sanitize(entry.Label)
		if label == "" {
			label = id
		}
		currencies := make([]string, 0, len(entry.Currencies))
		for _, code := range entry.Currencies {
			if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
				currencies = append(currencies, code)
			}
		}
		c.methods = append(c.methods, domain.PaymentMethod{
			ID:          id,
			Label:       label,
			ProcessorID: strings.TrimSpace(entry.Processor),
			Currencies:  currencies,
			Description: sanitize(entry.Description),
		})
		if entry.ZeroTotalOnly {
			c.zeroOnly[id] = true
		}
	}
	return c, nil
}

// Methods returns a copy of the catalog in display order.
func (c *Catalog) Methods() []domain.PaymentMethod {
	out := make([]domain.PaymentMethod, len(c.methods))
	for i, m := range c.methods {
		m.Currencies = slices.Clone(m.Currencies)
		out[i] = m
	}
	return out
}

// ProcessorKeys lists the distinct processor keys the catalog refers to.
func (c *Catalog) ProcessorKeys() []string {
	keys := make([]string, 0, len(c.methods))
	for _, m := range c.methods {
		if key := m.ProcessorKey(); !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// DisabledFor returns the ids of methods that cannot pay for a cart in
// currency with the given total: methods restricted to other currencies,
// and zero-total-only methods when the cart is not free.
func (c *Catalog) DisabledFor(currency string, total int64) []string {
	disabled := []string{}
	for _, m := range c.methods {
		if !m.SupportsCurrency(currency) || (c.zeroOnly[m.ID] && total != 0) {
			disabled = append(disabled, m.ID)
		}
	}
	return disabled
}

func sanitize(value string) string {
	return strings.TrimSpace(labelPolicy.Sanitize(value))
}
