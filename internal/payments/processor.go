package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hanko-field/checkout/internal/domain"
)

// ResponseKind enumerates the normalised outcomes a processor can report.
type ResponseKind string

const (
	// ResponseSuccess indicates the charge completed without further customer action.
	ResponseSuccess ResponseKind = "success"
	// ResponseRedirect indicates the customer must continue on a processor hosted page.
	ResponseRedirect ResponseKind = "redirect"
	// ResponseManual indicates the caller must finish the transaction out of band.
	ResponseManual ResponseKind = "manual"
)

var (
	// ErrUnsupportedProcessor is returned when the registry cannot locate a processor.
	ErrUnsupportedProcessor = errors.New("payments: unsupported processor")
	// ErrInvalidResponse is returned when a processor reports an unknown outcome.
	ErrInvalidResponse = errors.New("payments: invalid processor response")
)

// Request captures what a processor needs to charge for the current cart.
type Request struct {
	PaymentMethodID string
	Total           domain.LineItem
	Items           []domain.LineItem
	Data            map[string]string
	IdempotencyKey  string
	SuccessURL      string
	CancelURL       string
	Metadata        map[string]string
}

// Response is the processor outcome handed back to the transaction driver.
type Response struct {
	Kind        ResponseKind
	RedirectURL string
	Reference   string
	Payload     map[string]any
}

// Validate reports whether the response is internally consistent.
func (r Response) Validate() error {
	switch r.Kind {
	case ResponseSuccess, ResponseManual:
		return nil
	case ResponseRedirect:
		if strings.TrimSpace(r.RedirectURL) == "" {
			return fmt.Errorf("%w: redirect without url", ErrInvalidResponse)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidResponse, r.Kind)
	}
}

// Processor executes a charge for a payment method.
type Processor interface {
	Process(ctx context.Context, req Request) (Response, error)
}

// ProcessorFunc adapts ordinary functions to Processor.
type ProcessorFunc func(ctx context.Context, req Request) (Response, error)

// Process calls f(ctx, req).
func (f ProcessorFunc) Process(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Lookup resolves processors by key.
type Lookup interface {
	Lookup(key string) (Processor, error)
}

// Registry holds the processors available to a checkout session.
type Registry struct {
	processors map[string]Processor
	wrap       func(key string, p Processor) Processor
}

// RegistryOption configures optional behaviour when building a Registry.
type RegistryOption func(*Registry)

// WithProcessorWrapper decorates every registered processor, e.g. with a circuit breaker.
func WithProcessorWrapper(wrap func(key string, p Processor) Processor) RegistryOption {
	return func(r *Registry) {
		r.wrap = wrap
	}
}

// NewRegistry constructs a Registry over the supplied processors.
func NewRegistry(processors map[string]Processor, opts ...RegistryOption) (*Registry, error) {
	if len(processors) == 0 {
		return nil, errors.New("payments: at least one processor is required")
	}
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	copyMap := make(map[string]Processor, len(processors))
	for k, v := range processors {
		key := normaliseKey(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid processor registration for key %q", k)
		}
		if _, dup := copyMap[key]; dup {
			return nil, fmt.Errorf("payments: duplicate processor registration for key %q", k)
		}
		if r.wrap != nil {
			v = r.wrap(key, v)
		}
		copyMap[key] = v
	}
	r.processors = copyMap
	return r, nil
}

// Lookup returns the processor registered under key.
func (r *Registry) Lookup(key string) (Processor, error) {
	if r == nil {
		return nil, errors.New("payments: registry is nil")
	}
	if p, ok := r.processors[normaliseKey(key)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProcessor, key)
}

// Keys lists registered processor keys in sorted order.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.processors))
	for k := range r.processors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normaliseKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func copyStrings(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
