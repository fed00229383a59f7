package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/checkout"
	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
)

const instrumentationName = "github.com/hanko-field/checkout/internal/transaction"

var (
	// ErrFormNotReady is returned when a submission is attempted while the form is not ready.
	ErrFormNotReady = errors.New("transaction: form not ready")
	// ErrNoPaymentMethod is returned when no payment method is selected.
	ErrNoPaymentMethod = errors.New("transaction: no payment method selected")
	// ErrNotPending is returned when a transaction is resolved out of band while
	// no manual transaction is awaiting resolution.
	ErrNotPending = errors.New("transaction: no pending transaction")
)

// RedirectFunc sends the customer to a processor hosted page.
type RedirectFunc func(ctx context.Context, url string)

// Status is a snapshot of the form and transaction lifecycle.
type Status struct {
	Form            domain.FormStatus
	Transaction     domain.TransactionStatus
	PaymentMethodID string
	IdempotencyKey  string
	RedirectURL     string
	Err             error
}

// Option customises Driver construction.
type Option func(*driverConfig)

type driverConfig struct {
	logger     *zap.Logger
	timeout    time.Duration
	redirect   RedirectFunc
	tracer     trace.Tracer
	meter      metric.Meter
	newKey     func() string
	successURL string
	cancelURL  string
}

// WithLogger sets the logger used for submission diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *driverConfig) {
		cfg.logger = logger
	}
}

// WithTimeout bounds each processor call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(cfg *driverConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// WithRedirect installs the hook invoked after a redirect response.
func WithRedirect(fn RedirectFunc) Option {
	return func(cfg *driverConfig) {
		cfg.redirect = fn
	}
}

// WithTracer injects a custom tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *driverConfig) {
		cfg.tracer = tracer
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *driverConfig) {
		cfg.meter = m
	}
}

// WithIdempotencyKeys overrides the idempotency key generator (primarily for tests).
func WithIdempotencyKeys(fn func() string) Option {
	return func(cfg *driverConfig) {
		cfg.newKey = fn
	}
}

// WithReturnURLs sets the URLs processors send the customer back to.
func WithReturnURLs(successURL, cancelURL string) Option {
	return func(cfg *driverConfig) {
		cfg.successURL = strings.TrimSpace(successURL)
		cfg.cancelURL = strings.TrimSpace(cancelURL)
	}
}

// Driver runs payment submissions against the processor of the selected
// payment method and reports the outcome through the checkout handle.
type Driver struct {
	handle checkout.Handle
	logger *zap.Logger

	timeout    time.Duration
	redirect   RedirectFunc
	tracer     trace.Tracer
	newKey     func() string
	successURL string
	cancelURL  string

	submissions        metric.Int64Counter
	submissionsEnabled bool

	mu         sync.Mutex
	submitting bool
	complete   bool
	// awaitingManual is set once the processor has answered with a manual
	// response; only then may Complete or Fail resolve the transaction.
	awaitingManual bool
	txStatus       domain.TransactionStatus
	methodID       string
	key            string
	redirectURL    string
	lastErr        error
}

// New builds a Driver bound to handle.
func New(handle checkout.Handle, opts ...Option) (*Driver, error) {
	if handle == nil {
		return nil, errors.New("transaction: checkout handle is required")
	}
	cfg := driverConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(instrumentationName)
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	if cfg.newKey == nil {
		cfg.newKey = func() string { return ulid.Make().String() }
	}

	submissions, err := cfg.meter.Int64Counter(
		"checkout.transaction.submissions",
		metric.WithDescription("Count of payment submissions by outcome"),
	)
	if err != nil {
		cfg.logger.Warn("transaction: unable to register submissions metric", zap.Error(err))
	}

	return &Driver{
		handle:             handle,
		logger:             cfg.logger,
		timeout:            cfg.timeout,
		redirect:           cfg.redirect,
		tracer:             cfg.tracer,
		newKey:             cfg.newKey,
		successURL:         cfg.successURL,
		cancelURL:          cfg.cancelURL,
		submissions:        submissions,
		submissionsEnabled: err == nil,
		txStatus:           domain.TransactionStatusNotStarted,
	}, nil
}

// FormStatus derives the form status from the coordinator flags and the
// submission in flight.
func (d *Driver) FormStatus() domain.FormStatus {
	loading := d.handle.IsLoading()
	validating := d.handle.IsValidating()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formStatusLocked(loading, validating)
}

func (d *Driver) formStatusLocked(loading, validating bool) domain.FormStatus {
	switch {
	case d.complete:
		return domain.FormStatusComplete
	case d.submitting:
		return domain.FormStatusSubmitting
	case loading:
		return domain.FormStatusLoading
	case validating:
		return domain.FormStatusValidating
	default:
		return domain.FormStatusReady
	}
}

// TransactionStatus returns the status of the current transaction.
func (d *Driver) TransactionStatus() domain.TransactionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txStatus
}

// Status returns a consistent snapshot of the form and transaction.
func (d *Driver) Status() Status {
	loading := d.handle.IsLoading()
	validating := d.handle.IsValidating()

	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Form:            d.formStatusLocked(loading, validating),
		Transaction:     d.txStatus,
		PaymentMethodID: d.methodID,
		IdempotencyKey:  d.key,
		RedirectURL:     d.redirectURL,
		Err:             d.lastErr,
	}
}

// Submit charges the cart with the selected payment method. Only one
// submission may be in flight; errors are reported verbatim and never retried.
func (d *Driver) Submit(ctx context.Context, data map[string]string) (payments.Response, error) {
	if err := d.handle.Err(); err != nil {
		return payments.Response{}, err
	}

	loading := d.handle.IsLoading()
	validating := d.handle.IsValidating()
	methodID := d.handle.PaymentMethodID()
	method, _ := d.handle.PaymentMethod()
	var (
		processor payments.Processor
		lookupErr error
	)
	if methodID != "" {
		processor, lookupErr = d.handle.Processor(methodID)
	}

	d.mu.Lock()
	if form := d.formStatusLocked(loading, validating); form != domain.FormStatusReady {
		d.mu.Unlock()
		return payments.Response{}, fmt.Errorf("%w: form is %s", ErrFormNotReady, form)
	}
	if !domain.CanTransitionTo(d.txStatus, domain.TransactionStatusPending) {
		status := d.txStatus
		d.mu.Unlock()
		return payments.Response{}, fmt.Errorf("%w: transaction is %s", ErrFormNotReady, status)
	}
	if methodID == "" {
		d.mu.Unlock()
		return payments.Response{}, ErrNoPaymentMethod
	}
	if lookupErr != nil {
		d.mu.Unlock()
		return payments.Response{}, lookupErr
	}
	key := d.newKey()
	d.submitting = true
	d.txStatus = domain.TransactionStatusPending
	d.methodID = methodID
	d.key = key
	d.redirectURL = ""
	d.lastErr = nil
	d.mu.Unlock()

	lineItems := d.handle.LineItems()
	logger := d.logger.With(
		zap.String("session_id", d.handle.SessionID()),
		zap.String("payment_method_id", methodID),
		zap.String("idempotency_key", key),
	)

	ctx, span := d.tracer.Start(ctx, "checkout.transaction.submit", trace.WithAttributes(
		attribute.String("checkout.session_id", d.handle.SessionID()),
		attribute.String("checkout.payment_method_id", methodID),
		attribute.String("checkout.processor_id", method.ProcessorKey()),
		attribute.String("checkout.currency", lineItems.Currency()),
	))
	defer span.End()

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	logger.Info("submitting payment", zap.Int64("amount", lineItems.Total().Amount.Value))
	resp, err := processor.Process(callCtx, payments.Request{
		PaymentMethodID: methodID,
		Total:           lineItems.Total(),
		Items:           lineItems.Items(),
		Data:            copyData(data),
		IdempotencyKey:  key,
		SuccessURL:      d.successURL,
		CancelURL:       d.cancelURL,
		Metadata: map[string]string{
			"session_id":        d.handle.SessionID(),
			"payment_method_id": methodID,
		},
	})
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("payment failed", zap.Error(err))
		if !d.fail(ctx, key, methodID, err) {
			logger.Info("payment outcome ignored; transaction already resolved")
		}
		return payments.Response{}, err
	}

	span.SetAttributes(attribute.String("checkout.response_kind", string(resp.Kind)))
	switch resp.Kind {
	case payments.ResponseRedirect:
		d.mu.Lock()
		if !d.ownsLocked(key) {
			d.mu.Unlock()
			logger.Info("payment outcome ignored; transaction already resolved")
			break
		}
		d.txStatus = domain.TransactionStatusRedirecting
		d.redirectURL = resp.RedirectURL
		d.mu.Unlock()
		d.record(ctx, "redirect")
		logger.Info("payment redirecting", zap.String("redirect_url", resp.RedirectURL))
		d.handle.PaymentRedirect(methodID, resp.RedirectURL, resp)
		if d.redirect != nil {
			d.redirect(ctx, resp.RedirectURL)
		}
	case payments.ResponseManual:
		d.mu.Lock()
		owned := d.ownsLocked(key)
		if owned {
			d.awaitingManual = true
		}
		d.mu.Unlock()
		if !owned {
			logger.Info("payment outcome ignored; transaction already resolved")
			break
		}
		d.record(ctx, "manual")
		logger.Info("payment awaiting manual completion")
	default:
		if !d.succeed(ctx, key, methodID, resp) {
			logger.Info("payment outcome ignored; transaction already resolved")
			break
		}
		logger.Info("payment complete", zap.String("reference", resp.Reference))
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// Complete resolves a transaction awaiting manual completion as successful.
func (d *Driver) Complete(ctx context.Context, resp payments.Response) error {
	key, methodID, ok := d.manualPending()
	if !ok {
		return ErrNotPending
	}
	if resp.Kind == "" {
		resp.Kind = payments.ResponseSuccess
	}
	if !d.succeed(ctx, key, methodID, resp) {
		return ErrNotPending
	}
	return nil
}

// Fail resolves a transaction awaiting manual completion as failed.
func (d *Driver) Fail(ctx context.Context, err error) error {
	if err == nil {
		err = errors.New("transaction: payment failed")
	}
	key, methodID, ok := d.manualPending()
	if !ok {
		return ErrNotPending
	}
	if !d.fail(ctx, key, methodID, err) {
		return ErrNotPending
	}
	return nil
}

func (d *Driver) manualPending() (key, methodID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.txStatus != domain.TransactionStatusPending || !d.awaitingManual {
		return "", "", false
	}
	return d.key, d.methodID, true
}

// ownsLocked reports whether the submission identified by key may still
// resolve the transaction.
func (d *Driver) ownsLocked(key string) bool {
	return d.txStatus == domain.TransactionStatusPending && d.key == key
}

// Reset returns the driver to a ready form with no transaction.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitting = false
	d.complete = false
	d.awaitingManual = false
	d.txStatus = domain.TransactionStatusNotStarted
	d.methodID = ""
	d.key = ""
	d.redirectURL = ""
	d.lastErr = nil
}

func (d *Driver) succeed(ctx context.Context, key, methodID string, resp payments.Response) bool {
	d.mu.Lock()
	if !d.ownsLocked(key) {
		d.mu.Unlock()
		return false
	}
	d.submitting = false
	d.complete = true
	d.awaitingManual = false
	d.txStatus = domain.TransactionStatusComplete
	d.mu.Unlock()

	d.record(ctx, "success")
	d.handle.PaymentComplete(methodID, resp)
	return true
}

func (d *Driver) fail(ctx context.Context, key, methodID string, err error) bool {
	d.mu.Lock()
	if !d.ownsLocked(key) {
		d.mu.Unlock()
		return false
	}
	d.submitting = false
	d.awaitingManual = false
	d.txStatus = domain.TransactionStatusError
	d.lastErr = err
	d.mu.Unlock()

	d.record(ctx, "error")
	d.handle.PaymentError(methodID, err)
	return true
}

func (d *Driver) record(ctx context.Context, outcome string) {
	if !d.submissionsEnabled {
		return
	}
	d.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func copyData(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
