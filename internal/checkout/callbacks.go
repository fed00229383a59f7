package checkout

import "github.com/hanko-field/checkout/internal/payments"

// Tracking is the contextual metadata attached to every lifecycle signal.
type Tracking struct {
	SessionID          string
	PaymentMethodID    string
	PaymentMethodLabel string
	ProcessorID        string
}

// PaymentCompleteArgs accompanies OnPaymentComplete.
type PaymentCompleteArgs struct {
	Tracking
	Response payments.Response
}

// PaymentRedirectArgs accompanies OnPaymentRedirect.
type PaymentRedirectArgs struct {
	Tracking
	URL      string
	Response payments.Response
}

// PaymentErrorArgs accompanies OnPaymentError. Err is the driver's error, unmodified.
type PaymentErrorArgs struct {
	Tracking
	Err error
}

// PaymentMethodChangedArgs accompanies OnPaymentMethodChanged.
type PaymentMethodChangedArgs struct {
	Tracking
	PreviousPaymentMethodID string
}

// PageLoadErrorArgs accompanies OnPageLoadError.
type PageLoadErrorArgs struct {
	Tracking
	Stage string
	Err   error
}

// Callbacks are the lifecycle hooks a caller observes. Every field is optional.
type Callbacks struct {
	OnPaymentComplete      func(PaymentCompleteArgs)
	OnPaymentRedirect      func(PaymentRedirectArgs)
	OnPaymentError         func(PaymentErrorArgs)
	OnPaymentMethodChanged func(PaymentMethodChangedArgs)
	OnPageLoadError        func(PageLoadErrorArgs)
}

// Merge returns callbacks that invoke c first and then other.
func (c Callbacks) Merge(other Callbacks) Callbacks {
	return Callbacks{
		OnPaymentComplete:      chain(c.OnPaymentComplete, other.OnPaymentComplete),
		OnPaymentRedirect:      chain(c.OnPaymentRedirect, other.OnPaymentRedirect),
		OnPaymentError:         chain(c.OnPaymentError, other.OnPaymentError),
		OnPaymentMethodChanged: chain(c.OnPaymentMethodChanged, other.OnPaymentMethodChanged),
		OnPageLoadError:        chain(c.OnPageLoadError, other.OnPageLoadError),
	}
}

func chain[T any](first, second func(T)) func(T) {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	}
	return func(args T) {
		first(args)
		second(args)
	}
}

func (c Callbacks) paymentComplete(args PaymentCompleteArgs) {
	if c.OnPaymentComplete != nil {
		c.OnPaymentComplete(args)
	}
}

func (c Callbacks) paymentRedirect(args PaymentRedirectArgs) {
	if c.OnPaymentRedirect != nil {
		c.OnPaymentRedirect(args)
	}
}

func (c Callbacks) paymentError(args PaymentErrorArgs) {
	if c.OnPaymentError != nil {
		c.OnPaymentError(args)
	}
}

func (c Callbacks) paymentMethodChanged(args PaymentMethodChangedArgs) {
	if c.OnPaymentMethodChanged != nil {
		c.OnPaymentMethodChanged(args)
	}
}

func (c Callbacks) pageLoadError(args PageLoadErrorArgs) {
	if c.OnPageLoadError != nil {
		c.OnPageLoadError(args)
	}
}
