package sessions

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/catalog"
	"github.com/hanko-field/checkout/internal/checkout"
	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/events"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/transaction"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("sessions: session not found")

// DefaultIdleTTL bounds how long a session survives without being read.
const DefaultIdleTTL = 30 * time.Minute

// Session pairs the coordinator of one checkout with its transaction driver.
type Session struct {
	ID          string
	Coordinator *checkout.Coordinator
	Driver      *transaction.Driver
	CreatedAt   time.Time

	// lastSeen is guarded by the store mutex.
	lastSeen time.Time
}

// CreateParams is the cart a new session is mounted with. Total and Items
// are in their wire form and decoded inside the session's error boundary.
type CreateParams struct {
	Currency                          string
	Total                             *checkout.WireLineItem
	Items                             []checkout.WireLineItem
	InitiallySelectedPaymentMethodID  string
	SelectFirstAvailablePaymentMethod *bool
	SuccessURL                        string
	CancelURL                         string
}

// Option customises Store construction.
type Option func(*Store)

// WithLogger sets the logger handed to every session.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher publishes every session's lifecycle signals.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Store) {
		s.publisher = pub
	}
}

// WithLocale sets the locale used for display values.
func WithLocale(locale string) Option {
	return func(s *Store) {
		s.locale = strings.TrimSpace(locale)
	}
}

// WithDefaultCurrency sets the currency of the placeholder total used when a
// cart arrives without one.
func WithDefaultCurrency(currency string) Option {
	return func(s *Store) {
		s.currency = strings.ToUpper(strings.TrimSpace(currency))
	}
}

// WithSelectFirstAvailable sets the auto-select default for sessions that do not choose.
func WithSelectFirstAvailable(v bool) Option {
	return func(s *Store) {
		s.selectFirst = v
	}
}

// WithDriverOptions forwards options to every transaction driver.
func WithDriverOptions(opts ...transaction.Option) Option {
	return func(s *Store) {
		s.driverOpts = append(s.driverOpts, opts...)
	}
}

// WithIDGenerator overrides session id generation (primarily for tests).
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithIdleTTL sets how long an untouched session is kept before it is swept.
func WithIdleTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.idleTTL = ttl
		}
	}
}

// WithClock overrides the clock used for CreatedAt and idle expiry.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Store keeps live checkout sessions in memory.
type Store struct {
	catalog    *catalog.Catalog
	processors payments.Lookup
	publisher  events.Publisher
	logger     *zap.Logger
	locale     string
	currency   string

	selectFirst bool
	driverOpts  []transaction.Option
	newID       func() string
	now         func() time.Time
	idleTTL     time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore builds a Store offering the methods of cat backed by processors.
func NewStore(cat *catalog.Catalog, processors payments.Lookup, opts ...Option) (*Store, error) {
	if cat == nil {
		return nil, errors.New("sessions: catalog is required")
	}
	if processors == nil {
		return nil, errors.New("sessions: payment processors are required")
	}
	s := &Store{
		catalog:    cat,
		processors: processors,
		logger:     zap.NewNop(),
		newID:      func() string { return ulid.Make().String() },
		now:        time.Now,
		idleTTL:    DefaultIdleTTL,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Create mounts a new session. Configuration errors are reported once
// through the session's page load error signal and returned as a
// *checkout.LoadError.
func (s *Store) Create(params CreateParams) (*Session, error) {
	id := s.newID()
	logger := s.logger.With(zap.String("session_id", id))

	var callbacks checkout.Callbacks
	if s.publisher != nil {
		callbacks = events.Callbacks(s.publisher, logger)
	}

	total, err := checkout.DecodeTotal(params.Total)
	if err != nil {
		return nil, checkout.NewBoundary(id, callbacks, logger).Capture(checkout.StagePageLoad, err)
	}
	if total == nil && s.currency != "" {
		placeholder := domain.EmptyTotal()
		placeholder.Amount.Currency = s.currency
		total = &placeholder
	}
	items, err := checkout.DecodeLineItems(params.Items)
	if err != nil {
		return nil, checkout.NewBoundary(id, callbacks, logger).Capture(checkout.StagePageLoad, err)
	}

	selectFirst := s.selectFirst
	if params.SelectFirstAvailablePaymentMethod != nil {
		selectFirst = *params.SelectFirstAvailablePaymentMethod
	}

	coordinator, err := checkout.Mount(checkout.Props{
		Total:                             total,
		Items:                             items,
		PaymentMethods:                    s.catalog.Methods(),
		PaymentProcessors:                 s.processors,
		InitiallySelectedPaymentMethodID:  params.InitiallySelectedPaymentMethodID,
		SelectFirstAvailablePaymentMethod: selectFirst,
		Callbacks:                         callbacks,
	},
		checkout.WithSessionID(id),
		checkout.WithLogger(logger),
		checkout.WithLocale(s.locale),
	)
	if err != nil {
		return nil, err
	}

	lineItems := coordinator.LineItems()
	currency := strings.TrimSpace(params.Currency)
	if currency == "" {
		currency = lineItems.Currency()
	}
	coordinator.SetDisabledPaymentMethodIDs(s.catalog.DisabledFor(currency, lineItems.Total().Amount.Value))

	driverOpts := append([]transaction.Option{
		transaction.WithLogger(logger),
		transaction.WithReturnURLs(params.SuccessURL, params.CancelURL),
	}, s.driverOpts...)
	driver, err := transaction.New(coordinator, driverOpts...)
	if err != nil {
		coordinator.Close()
		return nil, err
	}

	now := s.now().UTC()
	session := &Session{
		ID:          id,
		Coordinator: coordinator,
		Driver:      driver,
		CreatedAt:   now,
		lastSeen:    now,
	}

	s.mu.Lock()
	expired := s.sweepLocked(now)
	s.sessions[id] = session
	s.mu.Unlock()
	s.closeExpired(expired)

	logger.Info("checkout session created",
		zap.String("currency", currency),
		zap.String("payment_method_id", coordinator.PaymentMethodID()),
	)
	return session, nil
}

// Get returns the live session with id and marks it as seen. Sessions idle
// for longer than the idle TTL are gone.
func (s *Store) Get(id string) (*Session, error) {
	now := s.now().UTC()
	s.mu.Lock()
	expired := s.sweepLocked(now)
	session, ok := s.sessions[strings.TrimSpace(id)]
	if ok {
		session.lastSeen = now
	}
	s.mu.Unlock()
	s.closeExpired(expired)
	if !ok {
		return nil, ErrNotFound
	}
	return session, nil
}

// Delete tears a session down. Later writes through retained handles are ignored.
func (s *Store) Delete(id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	session.Coordinator.Close()
	s.logger.Info("checkout session deleted", zap.String("session_id", id))
	return nil
}

// Sweep removes sessions idle for longer than the idle TTL and reports how
// many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	expired := s.sweepLocked(s.now().UTC())
	s.mu.Unlock()
	s.closeExpired(expired)
	return len(expired)
}

func (s *Store) sweepLocked(now time.Time) []*Session {
	var expired []*Session
	for id, session := range s.sessions {
		if now.Sub(session.lastSeen) >= s.idleTTL {
			delete(s.sessions, id)
			expired = append(expired, session)
		}
	}
	return expired
}

func (s *Store) closeExpired(expired []*Session) {
	for _, session := range expired {
		session.Coordinator.Close()
		s.logger.Info("checkout session expired",
			zap.String("session_id", session.ID),
			zap.Duration("idle_ttl", s.idleTTL),
		)
	}
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
