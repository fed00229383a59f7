package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanko-field/checkout/internal/checkout"
	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
)

type recorder struct {
	mu        sync.Mutex
	completes []checkout.PaymentCompleteArgs
	redirects []checkout.PaymentRedirectArgs
	errs      []checkout.PaymentErrorArgs
}

func (r *recorder) callbacks() checkout.Callbacks {
	return checkout.Callbacks{
		OnPaymentComplete: func(args checkout.PaymentCompleteArgs) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, args)
		},
		OnPaymentRedirect: func(args checkout.PaymentRedirectArgs) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.redirects = append(r.redirects, args)
		},
		OnPaymentError: func(args checkout.PaymentErrorArgs) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, args)
		},
	}
}

func newCoordinator(t *testing.T, proc payments.Processor, rec *recorder) *checkout.Coordinator {
	t.Helper()
	reg, err := payments.NewRegistry(map[string]payments.Processor{"card": proc})
	require.NoError(t, err)
	c, err := checkout.New(checkout.Props{
		Total: &domain.LineItem{
			ID:     "total",
			Type:   domain.LineItemTypeTotal,
			Label:  "Total",
			Amount: domain.Amount{Value: 2000, Currency: "USD"},
		},
		Items: []domain.LineItem{
			{ID: "domain", Type: "domain_registration", Label: "example.com", Amount: domain.Amount{Value: 2000, Currency: "USD"}},
		},
		PaymentMethods:                    []domain.PaymentMethod{{ID: "card", Label: "Card"}},
		PaymentProcessors:                 reg,
		SelectFirstAvailablePaymentMethod: true,
		Callbacks:                         rec.callbacks(),
	}, checkout.WithSessionID("sess-1"))
	require.NoError(t, err)
	return c
}

func respond(resp payments.Response, err error) payments.Processor {
	return payments.ProcessorFunc(func(context.Context, payments.Request) (payments.Response, error) {
		return resp, err
	})
}

func TestSubmitSuccess(t *testing.T) {
	t.Parallel()

	var got payments.Request
	proc := payments.ProcessorFunc(func(_ context.Context, req payments.Request) (payments.Response, error) {
		got = req
		return payments.Response{Kind: payments.ResponseSuccess, Reference: "pi_1"}, nil
	})
	rec := &recorder{}
	c := newCoordinator(t, proc, rec)
	d, err := New(c, WithIdempotencyKeys(func() string { return "key-1" }), WithReturnURLs(" https://example.com/ok ", ""))
	require.NoError(t, err)
	require.Equal(t, domain.FormStatusReady, d.FormStatus())

	resp, err := d.Submit(context.Background(), map[string]string{"paymentMethodToken": "pm_1"})
	require.NoError(t, err)
	require.Equal(t, "pi_1", resp.Reference)

	require.Equal(t, "key-1", got.IdempotencyKey)
	require.Equal(t, "card", got.PaymentMethodID)
	require.Equal(t, int64(2000), got.Total.Amount.Value)
	require.Len(t, got.Items, 1)
	require.Equal(t, "pm_1", got.Data["paymentMethodToken"])
	require.Equal(t, "https://example.com/ok", got.SuccessURL)
	require.Equal(t, "sess-1", got.Metadata["session_id"])

	require.Equal(t, domain.FormStatusComplete, d.FormStatus())
	require.Equal(t, domain.TransactionStatusComplete, d.TransactionStatus())
	require.Len(t, rec.completes, 1)
	require.Equal(t, "card", rec.completes[0].PaymentMethodID)
	require.Equal(t, "Card", rec.completes[0].PaymentMethodLabel)
	require.Equal(t, "sess-1", rec.completes[0].SessionID)

	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, ErrFormNotReady)
	require.Len(t, rec.completes, 1)
}

func TestSubmitErrorIsReportedVerbatim(t *testing.T) {
	t.Parallel()

	declined := errors.New("card declined")
	rec := &recorder{}
	c := newCoordinator(t, respond(payments.Response{}, declined), rec)
	d, err := New(c)
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, declined)
	require.Len(t, rec.errs, 1)
	require.Same(t, declined, rec.errs[0].Err)
	require.Equal(t, "card", rec.errs[0].PaymentMethodID)

	status := d.Status()
	require.Equal(t, domain.FormStatusReady, status.Form)
	require.Equal(t, domain.TransactionStatusError, status.Transaction)
	require.ErrorIs(t, status.Err, declined)

	// The customer may submit again; the driver never retries on its own.
	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, declined)
	require.Len(t, rec.errs, 2)
}

func TestSubmitRedirect(t *testing.T) {
	t.Parallel()

	var redirectedTo string
	rec := &recorder{}
	c := newCoordinator(t, respond(payments.Response{Kind: payments.ResponseRedirect, RedirectURL: "https://pay.example/3ds"}, nil), rec)
	d, err := New(c, WithRedirect(func(_ context.Context, url string) { redirectedTo = url }))
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "https://pay.example/3ds", redirectedTo)
	require.Len(t, rec.redirects, 1)
	require.Equal(t, "https://pay.example/3ds", rec.redirects[0].URL)
	require.Empty(t, rec.completes)

	status := d.Status()
	require.Equal(t, domain.TransactionStatusRedirecting, status.Transaction)
	require.Equal(t, domain.FormStatusSubmitting, status.Form)
	require.Equal(t, "https://pay.example/3ds", status.RedirectURL)

	d.Reset()
	status = d.Status()
	require.Equal(t, domain.TransactionStatusNotStarted, status.Transaction)
	require.Equal(t, domain.FormStatusReady, status.Form)
	require.Empty(t, status.RedirectURL)
}

func TestSubmitRejectsInvalidResponse(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(t, respond(payments.Response{Kind: payments.ResponseRedirect}, nil), rec)
	d, err := New(c)
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, payments.ErrInvalidResponse)
	require.Len(t, rec.errs, 1)
	require.Equal(t, domain.TransactionStatusError, d.TransactionStatus())
}

func TestSubmitRequiresSelection(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(t, respond(payments.Response{Kind: payments.ResponseSuccess}, nil), rec)
	require.True(t, c.SetPaymentMethodID(""))
	d, err := New(c)
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoPaymentMethod)
	require.Equal(t, domain.TransactionStatusNotStarted, d.TransactionStatus())
}

func TestSubmitWhileLoadingOrValidating(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(t, respond(payments.Response{Kind: payments.ResponseSuccess}, nil), rec)
	d, err := New(c)
	require.NoError(t, err)

	c.SetLoading(true)
	require.Equal(t, domain.FormStatusLoading, d.FormStatus())
	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, ErrFormNotReady)

	c.SetLoading(false)
	c.SetValidating(true)
	require.Equal(t, domain.FormStatusValidating, d.FormStatus())
	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, ErrFormNotReady)

	c.SetValidating(false)
	_, err = d.Submit(context.Background(), nil)
	require.NoError(t, err)
}

func TestSubmitRejectsConcurrentSubmission(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	proc := payments.ProcessorFunc(func(context.Context, payments.Request) (payments.Response, error) {
		close(started)
		<-release
		return payments.Response{Kind: payments.ResponseSuccess}, nil
	})
	rec := &recorder{}
	c := newCoordinator(t, proc, rec)
	d, err := New(c)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), nil)
		done <- err
	}()
	<-started

	require.Equal(t, domain.FormStatusSubmitting, d.FormStatus())
	require.Equal(t, domain.TransactionStatusPending, d.TransactionStatus())
	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, ErrFormNotReady)

	close(release)
	require.NoError(t, <-done)
	require.Len(t, rec.completes, 1)
}

func TestSubmitTimeout(t *testing.T) {
	t.Parallel()

	proc := payments.ProcessorFunc(func(ctx context.Context, _ payments.Request) (payments.Response, error) {
		<-ctx.Done()
		return payments.Response{}, ctx.Err()
	})
	rec := &recorder{}
	c := newCoordinator(t, proc, rec)
	d, err := New(c, WithTimeout(10*time.Millisecond))
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, rec.errs, 1)
	require.Equal(t, domain.FormStatusReady, d.FormStatus())
}

func TestManualResponseAwaitsResolution(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(t, respond(payments.Response{Kind: payments.ResponseManual}, nil), rec)
	d, err := New(c)
	require.NoError(t, err)

	require.ErrorIs(t, d.Complete(context.Background(), payments.Response{}), ErrNotPending)

	_, err = d.Submit(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusPending, d.TransactionStatus())
	require.Equal(t, domain.FormStatusSubmitting, d.FormStatus())
	require.Empty(t, rec.completes)

	require.NoError(t, d.Complete(context.Background(), payments.Response{Reference: "bank-123"}))
	require.Equal(t, domain.TransactionStatusComplete, d.TransactionStatus())
	require.Len(t, rec.completes, 1)
	require.Equal(t, payments.ResponseSuccess, rec.completes[0].Response.Kind)
	require.Equal(t, "bank-123", rec.completes[0].Response.Reference)
}

func TestManualResponseCanFail(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(t, respond(payments.Response{Kind: payments.ResponseManual}, nil), rec)
	d, err := New(c)
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), nil)
	require.NoError(t, err)

	expired := errors.New("bank transfer expired")
	require.NoError(t, d.Fail(context.Background(), expired))
	require.Len(t, rec.errs, 1)
	require.Same(t, expired, rec.errs[0].Err)
	require.Equal(t, domain.FormStatusReady, d.FormStatus())
	require.ErrorIs(t, d.Fail(context.Background(), expired), ErrNotPending)
}

func TestManualResolutionRejectedWhileProcessorRuns(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	proc := payments.ProcessorFunc(func(context.Context, payments.Request) (payments.Response, error) {
		close(started)
		<-release
		return payments.Response{Kind: payments.ResponseSuccess, Reference: "pi_1"}, nil
	})
	rec := &recorder{}
	c := newCoordinator(t, proc, rec)
	d, err := New(c)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), nil)
		done <- err
	}()
	<-started

	require.ErrorIs(t, d.Complete(context.Background(), payments.Response{Reference: "manual"}), ErrNotPending)
	require.ErrorIs(t, d.Fail(context.Background(), errors.New("expired")), ErrNotPending)

	close(release)
	require.NoError(t, <-done)
	require.Len(t, rec.completes, 1)
	require.Equal(t, "pi_1", rec.completes[0].Response.Reference)
	require.Empty(t, rec.errs)
	require.Equal(t, domain.TransactionStatusComplete, d.TransactionStatus())
}

func TestManualResponseResolvesOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(t, respond(payments.Response{Kind: payments.ResponseManual}, nil), rec)
	d, err := New(c)
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, d.Complete(context.Background(), payments.Response{}))
	require.ErrorIs(t, d.Complete(context.Background(), payments.Response{}), ErrNotPending)
	require.ErrorIs(t, d.Fail(context.Background(), errors.New("late")), ErrNotPending)
	require.Len(t, rec.completes, 1)
	require.Empty(t, rec.errs)
}

func TestOutcomeAfterResetIsIgnored(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	proc := payments.ProcessorFunc(func(context.Context, payments.Request) (payments.Response, error) {
		close(started)
		<-release
		return payments.Response{Kind: payments.ResponseSuccess}, nil
	})
	rec := &recorder{}
	c := newCoordinator(t, proc, rec)
	d, err := New(c)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), nil)
		done <- err
	}()
	<-started

	d.Reset()
	close(release)
	require.NoError(t, <-done)
	require.Empty(t, rec.completes)
	require.Equal(t, domain.TransactionStatusNotStarted, d.TransactionStatus())
	require.Equal(t, domain.FormStatusReady, d.FormStatus())
}

func TestSubmitOnFailedSession(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	c := newCoordinator(t, respond(payments.Response{Kind: payments.ResponseSuccess}, nil), rec)
	d, err := New(c)
	require.NoError(t, err)

	c.Close()
	_, err = d.Submit(context.Background(), nil)
	require.ErrorIs(t, err, checkout.ErrSessionClosed)
	require.Empty(t, rec.completes)
}

func TestNewRequiresHandle(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}
