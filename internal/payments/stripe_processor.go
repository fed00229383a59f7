package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeMode selects which Stripe flow a StripeProcessor drives.
type StripeMode string

const (
	// StripeModeCard confirms a PaymentIntent against a tokenised card.
	StripeModeCard StripeMode = "card"
	// StripeModeCheckout hands the customer over to a hosted Stripe Checkout page.
	StripeModeCheckout StripeMode = "checkout"
)

// Data keys read from Request.Data by the Stripe processor.
const (
	DataPaymentMethodToken = "paymentMethodToken"
	DataReturnURL          = "returnUrl"
	DataCustomerID         = "customerId"
	DataLocale             = "locale"
)

// StripeLogger defines the logging contract for Stripe processor operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

type stripeClients struct {
	sessions       stripeSessionAPI
	intents        stripePaymentIntentAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProcessorConfig configures the StripeProcessor.
type StripeProcessorConfig struct {
	APIKey    string
	AccountID string
	Mode      StripeMode
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clients   *stripeClients
}

// StripeProcessor implements Processor using Stripe APIs.
type StripeProcessor struct {
	api     stripeClients
	account string
	mode    StripeMode
	logger  StripeLogger
}

// NewStripeProcessor constructs a Stripe processor using the given configuration.
func NewStripeProcessor(cfg StripeProcessorConfig) (*StripeProcessor, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions:       sc.CheckoutSessions,
			intents:        sc.PaymentIntents,
			paymentMethods: sc.PaymentMethods,
		}
	}

	mode := cfg.Mode
	if mode == "" {
		mode = StripeModeCard
	}
	switch mode {
	case StripeModeCard:
		if clients.intents == nil || clients.paymentMethods == nil {
			return nil, errors.New("stripe: incomplete client configuration")
		}
	case StripeModeCheckout:
		if clients.sessions == nil {
			return nil, errors.New("stripe: incomplete client configuration")
		}
	default:
		return nil, fmt.Errorf("stripe: unknown mode %q", mode)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProcessor{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		mode:    mode,
		logger:  logger,
	}, nil
}

// Process charges the request through the configured Stripe flow.
func (p *StripeProcessor) Process(ctx context.Context, req Request) (Response, error) {
	if p == nil {
		return Response{}, errors.New("stripe: processor is nil")
	}
	if p.mode == StripeModeCheckout {
		return p.createCheckoutSession(ctx, req)
	}
	return p.confirmCard(ctx, req)
}

func (p *StripeProcessor) confirmCard(ctx context.Context, req Request) (Response, error) {
	token := strings.TrimSpace(req.Data[DataPaymentMethodToken])
	if token == "" {
		return Response{}, errors.New("stripe: payment method token is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Total.Amount.Value),
		Currency:      stripe.String(strings.ToLower(req.Total.Amount.Currency)),
		PaymentMethod: stripe.String(token),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if customer := strings.TrimSpace(req.Data[DataCustomerID]); customer != "" {
		params.Customer = stripe.String(customer)
	}
	if returnURL := defaultString(req.Data[DataReturnURL], req.SuccessURL); strings.TrimSpace(returnURL) != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	params.Metadata = copyStrings(req.Metadata)

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Response{}, fmt.Errorf("stripe: confirm payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})

	payload := map[string]any{
		"paymentIntent": intent.ID,
		"status":        string(intent.Status),
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		p.attachCardDetails(ctx, token, payload)
		return Response{Kind: ResponseSuccess, Reference: intent.ID, Payload: payload}, nil
	case stripe.PaymentIntentStatusRequiresAction:
		if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil && intent.NextAction.RedirectToURL.URL != "" {
			return Response{
				Kind:        ResponseRedirect,
				RedirectURL: intent.NextAction.RedirectToURL.URL,
				Reference:   intent.ID,
				Payload:     payload,
			}, nil
		}
		return Response{Kind: ResponseManual, Reference: intent.ID, Payload: payload}, nil
	default:
		return Response{}, fmt.Errorf("stripe: payment intent %s ended in status %q", intent.ID, intent.Status)
	}
}

// attachCardDetails records brand and last4 for receipts. Lookup failures are
// logged and otherwise ignored since the charge already went through.
func (p *StripeProcessor) attachCardDetails(ctx context.Context, token string, payload map[string]any) {
	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	pm, err := p.api.paymentMethods.Get(token, params)
	if err != nil {
		p.logger(ctx, "payments.stripe.payment_method.lookup_failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if pm == nil || pm.Type != stripe.PaymentMethodTypeCard || pm.Card == nil {
		return
	}
	payload["cardBrand"] = strings.ToLower(string(pm.Card.Brand))
	payload["cardLast4"] = strings.TrimSpace(pm.Card.Last4)
}

func (p *StripeProcessor) createCheckoutSession(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.SuccessURL) == "" || strings.TrimSpace(req.CancelURL) == "" {
		return Response{}, errors.New("stripe: success and cancel urls are required")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if customer := strings.TrimSpace(req.Data[DataCustomerID]); customer != "" {
		params.Customer = stripe.String(customer)
	}
	if locale := strings.TrimSpace(req.Data[DataLocale]); locale != "" {
		params.Locale = stripe.String(strings.ReplaceAll(strings.ToLower(locale), "_", "-"))
	}
	params.Metadata = copyStrings(req.Metadata)

	params.LineItems = checkoutLineItems(req)

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Response{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}
	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":     session.ID,
		"paymentIntent": intentID,
	})

	return Response{
		Kind:        ResponseRedirect,
		RedirectURL: session.URL,
		Reference:   session.ID,
		Payload: map[string]any{
			"sessionId":     session.ID,
			"paymentIntent": intentID,
		},
	}, nil
}

// checkoutLineItems itemises the order only when the items add up to the
// total in its currency; otherwise the total is charged as a single line.
func checkoutLineItems(req Request) []*stripe.CheckoutSessionLineItemParams {
	currency := strings.ToLower(req.Total.Amount.Currency)
	var sum int64
	itemised := len(req.Items) > 0
	for _, item := range req.Items {
		if item.Amount.Value < 0 || !strings.EqualFold(defaultString(item.Amount.Currency, currency), currency) {
			itemised = false
			break
		}
		sum += item.Amount.Value
	}
	if !itemised || sum != req.Total.Amount.Value {
		return []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(req.Total.Amount.Value),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(defaultString(req.Total.Label, "Order")),
				},
			},
		}}
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.Amount.Value),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:     stripe.String(defaultString(item.Label, item.ID)),
					Metadata: map[string]string{"lineItemId": item.ID},
				},
			},
		})
	}
	return lineItems
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
