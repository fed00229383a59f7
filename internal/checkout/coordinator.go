package checkout

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
)

// Props is the initialization contract of a checkout session.
type Props struct {
	// Total defaults to domain.EmptyTotal when nil.
	Total *domain.LineItem
	// Items defaults to an empty list when nil.
	Items             []domain.LineItem
	PaymentMethods    []domain.PaymentMethod
	PaymentProcessors payments.Lookup
	IsLoading         bool
	IsValidating      bool
	// InitiallySelectedPaymentMethodID may be empty for no explicit selection.
	InitiallySelectedPaymentMethodID  string
	SelectFirstAvailablePaymentMethod bool
	Callbacks                         Callbacks
}

// State is a consistent read of the coordinator taken under one lock.
type State struct {
	SessionID                 string
	Total                     domain.LineItem
	Items                     []domain.LineItem
	PaymentMethods            []domain.PaymentMethod
	AvailablePaymentMethodIDs []string
	DisabledPaymentMethodIDs  []string
	PaymentMethodID           string
	IsLoading                 bool
	IsValidating              bool
}

// Handle is what form components and the transaction driver receive. It is
// the only way to read or write the payment method selection.
type Handle interface {
	SessionID() string
	State() State
	LineItems() LineItems
	AllPaymentMethods() []domain.PaymentMethod
	AvailablePaymentMethods() []domain.PaymentMethod
	DisabledPaymentMethodIDs() []string
	PaymentMethodID() string
	PaymentMethod() (domain.PaymentMethod, bool)
	Processor(paymentMethodID string) (payments.Processor, error)
	IsLoading() bool
	IsValidating() bool
	Err() error

	SetDisabledPaymentMethodIDs(ids []string)
	SetPaymentMethodID(id string) bool

	PaymentComplete(paymentMethodID string, resp payments.Response)
	PaymentRedirect(paymentMethodID, url string, resp payments.Response)
	PaymentError(paymentMethodID string, err error)
	PageLoadError(stage string, err error)
}

// Option configures optional coordinator behaviour.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	sessionID string
	locale    string
}

// WithLogger sets the logger used for selection and validation diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSessionID tags lifecycle signals with the enclosing session id.
func WithSessionID(id string) Option {
	return func(o *options) {
		o.sessionID = strings.TrimSpace(id)
	}
}

// WithLocale sets the locale used to fill missing display values.
func WithLocale(locale string) Option {
	return func(o *options) {
		o.locale = strings.TrimSpace(locale)
	}
}

func resolveOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Coordinator owns the selected and disabled payment method ids of a session.
// All mutations are serialised; callbacks run after the lock is released.
type Coordinator struct {
	mu sync.Mutex

	logger    *zap.Logger
	sessionID string
	locale    string
	boundary  *Boundary

	lineItems    LineItems
	methods      []domain.PaymentMethod
	processors   payments.Lookup
	initialID    string
	selectFirst  bool
	isLoading    bool
	isValidating bool
	callbacks    Callbacks

	disabled  []string
	available []string
	selected  string
	closed    bool
}

var _ Handle = (*Coordinator)(nil)

// New validates props and returns a coordinator with its initial selection applied.
func New(props Props, opts ...Option) (*Coordinator, error) {
	o := resolveOptions(opts)

	total := domain.EmptyTotal()
	if props.Total != nil {
		total = *props.Total
	}
	items := props.Items
	if items == nil {
		items = []domain.LineItem{}
	}

	o.logger.Debug("validating checkout props",
		zap.String("session_id", o.sessionID),
		zap.Int("items", len(items)),
		zap.Int("payment_methods", len(props.PaymentMethods)),
	)
	if err := Validate(&total, items, props.PaymentMethods, props.PaymentProcessors); err != nil {
		return nil, err
	}

	c := &Coordinator{
		logger:       o.logger,
		sessionID:    o.sessionID,
		locale:       o.locale,
		boundary:     NewBoundary(o.sessionID, props.Callbacks, o.logger),
		lineItems:    NewLineItems(total, items, o.locale),
		methods:      slices.Clone(props.PaymentMethods),
		processors:   props.PaymentProcessors,
		initialID:    strings.TrimSpace(props.InitiallySelectedPaymentMethodID),
		selectFirst:  props.SelectFirstAvailablePaymentMethod,
		isLoading:    props.IsLoading,
		isValidating: props.IsValidating,
		callbacks:    props.Callbacks,
		disabled:     []string{},
	}
	c.available = availableIDs(c.methods, c.disabled)
	c.selected = c.initialSelectionLocked()
	return c, nil
}

// Mount is New behind an error boundary: a configuration error is reported
// once through OnPageLoadError and returned as a *LoadError.
func Mount(props Props, opts ...Option) (*Coordinator, error) {
	c, err := New(props, opts...)
	if err != nil {
		o := resolveOptions(opts)
		return nil, NewBoundary(o.sessionID, props.Callbacks, o.logger).Capture(StagePageLoad, err)
	}
	return c, nil
}

// SessionID returns the session id the coordinator was created with.
func (c *Coordinator) SessionID() string { return c.sessionID }

// State returns a consistent copy of the coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		SessionID:                 c.sessionID,
		Total:                     c.lineItems.Total(),
		Items:                     c.lineItems.Items(),
		PaymentMethods:            slices.Clone(c.methods),
		AvailablePaymentMethodIDs: slices.Clone(c.available),
		DisabledPaymentMethodIDs:  slices.Clone(c.disabled),
		PaymentMethodID:           c.selected,
		IsLoading:                 c.isLoading,
		IsValidating:              c.isValidating,
	}
}

// LineItems returns the current items + total snapshot.
func (c *Coordinator) LineItems() LineItems {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineItems
}

// AllPaymentMethods returns every payment method, disabled or not.
func (c *Coordinator) AllPaymentMethods() []domain.PaymentMethod {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.methods)
}

// AvailablePaymentMethods returns the payment methods that are not disabled, in list order.
func (c *Coordinator) AvailablePaymentMethods() []domain.PaymentMethod {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.PaymentMethod, 0, len(c.available))
	for _, m := range c.methods {
		if slices.Contains(c.available, m.ID) {
			out = append(out, m)
		}
	}
	return out
}

// DisabledPaymentMethodIDs returns the ids currently excluded from selection.
func (c *Coordinator) DisabledPaymentMethodIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.disabled)
}

// PaymentMethodID returns the selected method id, or "" when none is selected.
func (c *Coordinator) PaymentMethodID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// PaymentMethod returns the selected method.
func (c *Coordinator) PaymentMethod() (domain.PaymentMethod, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.methodLocked(c.selected)
}

// Processor returns the processor backing the payment method.
func (c *Coordinator) Processor(paymentMethodID string) (payments.Processor, error) {
	c.mu.Lock()
	method, ok := c.methodLocked(paymentMethodID)
	processors := c.processors
	c.mu.Unlock()
	if !ok {
		return nil, &MissingProcessorForMethodError{PaymentMethodID: paymentMethodID, Reason: "unknown payment method"}
	}
	return processors.Lookup(method.ProcessorKey())
}

// IsLoading reports whether the caller is still loading checkout data.
func (c *Coordinator) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLoading
}

// IsValidating reports whether the caller is validating checkout data.
func (c *Coordinator) IsValidating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isValidating
}

// SetLoading updates the caller-owned loading flag.
func (c *Coordinator) SetLoading(loading bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isLoading = loading
}

// SetValidating updates the caller-owned validating flag.
func (c *Coordinator) SetValidating(validating bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isValidating = validating
}

// Err returns the configuration error that made the session unusable, if any.
func (c *Coordinator) Err() error {
	if err := c.boundary.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	return nil
}

// SetDisabledPaymentMethodIDs replaces the disabled set. Ids that do not name
// a known payment method are dropped.
func (c *Coordinator) SetDisabledPaymentMethodIDs(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Warn("ignoring disabled payment methods on closed session", zap.String("session_id", c.sessionID))
		return
	}

	next := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := c.methodLocked(id); !ok {
			continue
		}
		if !slices.Contains(next, id) {
			next = append(next, id)
		}
	}
	c.disabled = next
	c.recomputeLocked()
}

// SetPaymentMethodID selects a payment method. An empty id clears the
// selection. Ids outside the available set are ignored and false is returned.
func (c *Coordinator) SetPaymentMethodID(id string) bool {
	id = strings.TrimSpace(id)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("ignoring payment method selection on closed session", zap.String("session_id", c.sessionID))
		return false
	}
	if id != "" && !slices.Contains(c.available, id) {
		available := slices.Clone(c.available)
		c.mu.Unlock()
		c.logger.Warn("ignoring selection of unavailable payment method",
			zap.String("session_id", c.sessionID),
			zap.String("payment_method_id", id),
			zap.Strings("available", available),
		)
		return false
	}
	previous := c.selected
	if previous == id {
		c.mu.Unlock()
		return true
	}
	c.selected = id
	args := PaymentMethodChangedArgs{
		Tracking:                c.trackingLocked(id),
		PreviousPaymentMethodID: previous,
	}
	c.mu.Unlock()

	c.callbacks.paymentMethodChanged(args)
	return true
}

// ReplacePaymentMethods swaps in a new payment method list. The list is
// revalidated; a failure is fatal to the session.
func (c *Coordinator) ReplacePaymentMethods(methods []domain.PaymentMethod) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if err := ValidatePaymentMethods(methods, c.processors); err != nil {
		c.mu.Unlock()
		return c.boundary.Capture(StagePageLoad, err)
	}
	c.methods = slices.Clone(methods)
	kept := c.disabled[:0:0]
	for _, id := range c.disabled {
		if _, ok := c.methodLocked(id); ok {
			kept = append(kept, id)
		}
	}
	c.disabled = kept
	c.recomputeLocked()
	c.mu.Unlock()
	return nil
}

// ReplaceLineItems swaps in a new items + total snapshot, e.g. after a cart
// recalculation. The snapshot is revalidated; a failure is fatal to the session.
func (c *Coordinator) ReplaceLineItems(total *domain.LineItem, items []domain.LineItem) error {
	resolved := domain.EmptyTotal()
	if total != nil {
		resolved = *total
	}
	if items == nil {
		items = []domain.LineItem{}
	}
	if err := ValidateTotal(&resolved); err != nil {
		return c.boundary.Capture(StagePageLoad, err)
	}
	if err := ValidateLineItems(items); err != nil {
		return c.boundary.Capture(StagePageLoad, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	c.lineItems = NewLineItems(resolved, items, c.locale)
	return nil
}

// Close ends the session. Later writes are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// PaymentComplete forwards a successful transaction to OnPaymentComplete.
func (c *Coordinator) PaymentComplete(paymentMethodID string, resp payments.Response) {
	c.callbacks.paymentComplete(PaymentCompleteArgs{Tracking: c.tracking(paymentMethodID), Response: resp})
}

// PaymentRedirect forwards a redirecting transaction to OnPaymentRedirect.
func (c *Coordinator) PaymentRedirect(paymentMethodID, url string, resp payments.Response) {
	c.callbacks.paymentRedirect(PaymentRedirectArgs{Tracking: c.tracking(paymentMethodID), URL: url, Response: resp})
}

// PaymentError forwards a failed transaction to OnPaymentError unchanged.
func (c *Coordinator) PaymentError(paymentMethodID string, err error) {
	c.callbacks.paymentError(PaymentErrorArgs{Tracking: c.tracking(paymentMethodID), Err: err})
}

// PageLoadError routes an error raised by a descendant through the session's boundary.
func (c *Coordinator) PageLoadError(stage string, err error) {
	_ = c.boundary.Capture(stage, err)
}

// recomputeLocked refreshes the available ids and, when their sequence
// changed, resets the selection to the initial selection rule.
func (c *Coordinator) recomputeLocked() {
	next := availableIDs(c.methods, c.disabled)
	if slices.Equal(next, c.available) {
		return
	}
	c.available = next
	previous := c.selected
	c.selected = c.initialSelectionLocked()
	c.logger.Debug("payment methods changed; resetting selection",
		zap.String("session_id", c.sessionID),
		zap.Strings("available", next),
		zap.String("previous", previous),
		zap.String("selected", c.selected),
	)
}

// initialSelectionLocked applies the initial selection rule: the caller's id
// if available, else the first available method when auto-select is on.
func (c *Coordinator) initialSelectionLocked() string {
	if c.initialID != "" && slices.Contains(c.available, c.initialID) {
		return c.initialID
	}
	if c.selectFirst && len(c.available) > 0 {
		return c.available[0]
	}
	return ""
}

func (c *Coordinator) methodLocked(id string) (domain.PaymentMethod, bool) {
	if id == "" {
		return domain.PaymentMethod{}, false
	}
	for _, m := range c.methods {
		if m.ID == id {
			return m, true
		}
	}
	return domain.PaymentMethod{}, false
}

func (c *Coordinator) tracking(paymentMethodID string) Tracking {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackingLocked(paymentMethodID)
}

func (c *Coordinator) trackingLocked(paymentMethodID string) Tracking {
	t := Tracking{SessionID: c.sessionID, PaymentMethodID: paymentMethodID}
	if method, ok := c.methodLocked(paymentMethodID); ok {
		t.PaymentMethodLabel = method.Label
		t.ProcessorID = method.ProcessorKey()
	}
	return t
}

func availableIDs(methods []domain.PaymentMethod, disabled []string) []string {
	ids := make([]string, 0, len(methods))
	for _, m := range methods {
		if !slices.Contains(disabled, m.ID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
