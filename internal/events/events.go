package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/checkout"
)

// Kind names a checkout lifecycle signal.
type Kind string

const (
	KindPaymentComplete      Kind = "payment_complete"
	KindPaymentRedirect      Kind = "payment_redirect"
	KindPaymentError         Kind = "payment_error"
	KindPaymentMethodChanged Kind = "payment_method_changed"
	KindPageLoadError        Kind = "page_load_error"
)

// Event is the payload published for every lifecycle signal.
type Event struct {
	Kind               Kind      `json:"kind"`
	SessionID          string    `json:"sessionId"`
	PaymentMethodID    string    `json:"paymentMethodId,omitempty"`
	PaymentMethodLabel string    `json:"paymentMethodLabel,omitempty"`
	ProcessorID        string    `json:"processorId,omitempty"`
	Reference          string    `json:"reference,omitempty"`
	RedirectURL        string    `json:"redirectUrl,omitempty"`
	PreviousMethodID   string    `json:"previousPaymentMethodId,omitempty"`
	Stage              string    `json:"stage,omitempty"`
	ErrorCode          string    `json:"errorCode,omitempty"`
	Error              string    `json:"error,omitempty"`
	OccurredAt         time.Time `json:"occurredAt"`
}

// Publisher delivers lifecycle events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) (string, error)
}

const defaultPublishTimeout = 5 * time.Second

// Callbacks adapts a publisher into checkout callbacks. Publish failures are
// logged and never reach the checkout.
func Callbacks(pub Publisher, logger *zap.Logger) checkout.Callbacks {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	send := func(event Event) {
		event.OccurredAt = now().UTC()
		ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
		defer cancel()
		if _, err := pub.Publish(ctx, event); err != nil {
			logger.Warn("publish checkout event failed",
				zap.String("kind", string(event.Kind)),
				zap.String("session_id", event.SessionID),
				zap.Error(err),
			)
		}
	}

	return checkout.Callbacks{
		OnPaymentComplete: func(args checkout.PaymentCompleteArgs) {
			event := fromTracking(KindPaymentComplete, args.Tracking)
			event.Reference = args.Response.Reference
			send(event)
		},
		OnPaymentRedirect: func(args checkout.PaymentRedirectArgs) {
			event := fromTracking(KindPaymentRedirect, args.Tracking)
			event.RedirectURL = args.URL
			event.Reference = args.Response.Reference
			send(event)
		},
		OnPaymentError: func(args checkout.PaymentErrorArgs) {
			event := fromTracking(KindPaymentError, args.Tracking)
			if args.Err != nil {
				event.Error = args.Err.Error()
			}
			send(event)
		},
		OnPaymentMethodChanged: func(args checkout.PaymentMethodChangedArgs) {
			event := fromTracking(KindPaymentMethodChanged, args.Tracking)
			event.PreviousMethodID = args.PreviousPaymentMethodID
			send(event)
		},
		OnPageLoadError: func(args checkout.PageLoadErrorArgs) {
			event := fromTracking(KindPageLoadError, args.Tracking)
			event.Stage = args.Stage
			if args.Err != nil {
				event.Error = args.Err.Error()
				event.ErrorCode = checkout.ErrorCode(args.Err)
			}
			send(event)
		},
	}
}

func fromTracking(kind Kind, t checkout.Tracking) Event {
	return Event{
		Kind:               kind,
		SessionID:          t.SessionID,
		PaymentMethodID:    t.PaymentMethodID,
		PaymentMethodLabel: t.PaymentMethodLabel,
		ProcessorID:        t.ProcessorID,
	}
}
