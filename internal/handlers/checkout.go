package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hanko-field/checkout/internal/checkout"
	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/sessions"
	"github.com/hanko-field/checkout/internal/transaction"
)

const maxCheckoutRequestBody = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

// SessionStore is the subset of the session store the handlers depend on.
type SessionStore interface {
	Create(params sessions.CreateParams) (*sessions.Session, error)
	Get(id string) (*sessions.Session, error)
	Delete(id string) error
}

// CheckoutHandlers exposes checkout session endpoints.
type CheckoutHandlers struct {
	store    SessionStore
	validate *validator.Validate
	submitMW []func(http.Handler) http.Handler
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithSubmitIdempotency replays submissions that repeat an Idempotency-Key.
func WithSubmitIdempotency(store idempotency.Store, opts ...idempotency.Option) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if store != nil {
			h.submitMW = append(h.submitMW, idempotency.Middleware(store, opts...))
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers backed by store.
func NewCheckoutHandlers(store SessionStore, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		store:    store,
		validate: newValidator(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/checkout/sessions", func(group chi.Router) {
		group.Post("/", h.createSession)
		group.Route("/{sessionID}", func(session chi.Router) {
			session.Get("/", h.getSession)
			session.Delete("/", h.deleteSession)
			session.Put("/payment-method", h.selectPaymentMethod)
			session.Put("/disabled-payment-methods", h.disablePaymentMethods)
			session.With(h.submitMW...).Post("/submit", h.submit)
			session.With(h.submitMW...).Post("/complete", h.completePayment)
			session.With(h.submitMW...).Post("/fail", h.failPayment)
			session.Post("/reset", h.resetTransaction)
		})
	})
}

type createSessionRequest struct {
	Currency                          string                  `json:"currency" validate:"omitempty,len=3,alpha"`
	Total                             *checkout.WireLineItem  `json:"total"`
	Items                             []checkout.WireLineItem `json:"items" validate:"max=200"`
	InitiallySelectedPaymentMethodID  string                  `json:"initiallySelectedPaymentMethodId" validate:"max=64"`
	SelectFirstAvailablePaymentMethod *bool                   `json:"selectFirstAvailablePaymentMethod"`
	SuccessURL                        string                  `json:"successUrl" validate:"omitempty,url"`
	CancelURL                         string                  `json:"cancelUrl" validate:"omitempty,url"`
}

type selectPaymentMethodRequest struct {
	PaymentMethodID string `json:"paymentMethodId" validate:"max=64"`
}

type disablePaymentMethodsRequest struct {
	IDs []string `json:"ids" validate:"max=64,dive,max=64"`
}

type submitRequest struct {
	Data map[string]string `json:"data" validate:"max=32,dive,keys,min=1,max=64,endkeys,max=4096"`
}

type completePaymentRequest struct {
	Reference string         `json:"reference" validate:"max=255"`
	Payload   map[string]any `json:"payload" validate:"max=32"`
}

type failPaymentRequest struct {
	Reason string `json:"reason" validate:"required,max=1024"`
}

type paymentMethodPayload struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Disabled    bool   `json:"disabled"`
}

type sessionResponse struct {
	SessionID                 string                   `json:"sessionId"`
	Total                     domain.LineItem          `json:"total"`
	Items                     []domain.LineItem        `json:"items"`
	PaymentMethods            []paymentMethodPayload   `json:"paymentMethods"`
	AvailablePaymentMethodIDs []string                 `json:"availablePaymentMethodIds"`
	DisabledPaymentMethodIDs  []string                 `json:"disabledPaymentMethodIds"`
	SelectedPaymentMethodID   string                   `json:"selectedPaymentMethodId,omitempty"`
	FormStatus                domain.FormStatus        `json:"formStatus"`
	TransactionStatus         domain.TransactionStatus `json:"transactionStatus"`
	RedirectURL               string                   `json:"redirectUrl,omitempty"`
	Error                     string                   `json:"error,omitempty"`
}

type submitResponse struct {
	SessionID         string                   `json:"sessionId"`
	PaymentMethodID   string                   `json:"paymentMethodId"`
	TransactionStatus domain.TransactionStatus `json:"transactionStatus"`
	RedirectURL       string                   `json:"redirectUrl,omitempty"`
	Reference         string                   `json:"reference,omitempty"`
	IdempotencyKey    string                   `json:"idempotencyKey"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createSessionRequest
	if !h.decode(ctx, w, r, &req, false) {
		return
	}

	session, err := h.store.Create(sessions.CreateParams{
		Currency:                          strings.ToUpper(strings.TrimSpace(req.Currency)),
		Total:                             req.Total,
		Items:                             req.Items,
		InitiallySelectedPaymentMethodID:  req.InitiallySelectedPaymentMethodID,
		SelectFirstAvailablePaymentMethod: req.SelectFirstAvailablePaymentMethod,
		SuccessURL:                        req.SuccessURL,
		CancelURL:                         req.CancelURL,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	requestctx.Logger(ctx).Info("checkout session mounted")
	writeJSONResponse(w, http.StatusCreated, newSessionResponse(session))
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, newSessionResponse(session))
}

func (h *CheckoutHandlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(chi.URLParam(r, "sessionID")); err != nil {
		writeCheckoutError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) selectPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req selectPaymentMethodRequest
	if !h.decode(ctx, w, r, &req, true) {
		return
	}
	if err := session.Coordinator.Err(); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	if !session.Coordinator.SetPaymentMethodID(req.PaymentMethodID) {
		httpx.WriteError(ctx, w, httpx.NewError("payment_method_unavailable", "payment method is not available", http.StatusConflict).
			WithDetails(map[string]any{"availablePaymentMethodIds": session.Coordinator.State().AvailablePaymentMethodIDs}))
		return
	}
	writeJSONResponse(w, http.StatusOK, newSessionResponse(session))
}

func (h *CheckoutHandlers) disablePaymentMethods(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req disablePaymentMethodsRequest
	if !h.decode(ctx, w, r, &req, true) {
		return
	}
	if err := session.Coordinator.Err(); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	session.Coordinator.SetDisabledPaymentMethodIDs(req.IDs)
	writeJSONResponse(w, http.StatusOK, newSessionResponse(session))
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !h.decode(ctx, w, r, &req, false) {
		return
	}

	resp, err := session.Driver.Submit(ctx, req.Data)
	status := session.Driver.Status()
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, submitResponse{
		SessionID:         session.ID,
		PaymentMethodID:   status.PaymentMethodID,
		TransactionStatus: status.Transaction,
		RedirectURL:       resp.RedirectURL,
		Reference:         resp.Reference,
		IdempotencyKey:    status.IdempotencyKey,
	})
}

// completePayment resolves a transaction left pending by a manual processor
// response, for example after the customer finished a 3-D Secure challenge.
func (h *CheckoutHandlers) completePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req completePaymentRequest
	if !h.decode(ctx, w, r, &req, false) {
		return
	}

	err := session.Driver.Complete(ctx, payments.Response{
		Kind:      payments.ResponseSuccess,
		Reference: strings.TrimSpace(req.Reference),
		Payload:   req.Payload,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	requestctx.Logger(ctx).Info("manual payment completed")
	writeJSONResponse(w, http.StatusOK, newSessionResponse(session))
}

func (h *CheckoutHandlers) failPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req failPaymentRequest
	if !h.decode(ctx, w, r, &req, true) {
		return
	}

	if err := session.Driver.Fail(ctx, errors.New(strings.TrimSpace(req.Reason))); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	requestctx.Logger(ctx).Info("manual payment failed")
	writeJSONResponse(w, http.StatusOK, newSessionResponse(session))
}

func (h *CheckoutHandlers) resetTransaction(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	session.Driver.Reset()
	writeJSONResponse(w, http.StatusOK, newSessionResponse(session))
}

func (h *CheckoutHandlers) lookup(w http.ResponseWriter, r *http.Request) (*sessions.Session, bool) {
	session, err := h.store.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCheckoutError(r.Context(), w, err)
		return nil, false
	}
	return session, true
}

// decode reads, unmarshals and validates a JSON body into dst.
func (h *CheckoutHandlers) decode(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	switch {
	case errors.Is(err, errEmptyBody) && !required:
		body = nil
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return false
		}
	}

	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request validation failed", http.StatusBadRequest).
				WithDetails(map[string]any{"fields": fields}))
			return false
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	return true
}

func newSessionResponse(session *sessions.Session) sessionResponse {
	state := session.Coordinator.State()
	status := session.Driver.Status()

	methods := make([]paymentMethodPayload, 0, len(state.PaymentMethods))
	for _, m := range state.PaymentMethods {
		methods = append(methods, paymentMethodPayload{
			ID:          m.ID,
			Label:       m.Label,
			Description: m.Description,
			Disabled:    containsString(state.DisabledPaymentMethodIDs, m.ID),
		})
	}

	resp := sessionResponse{
		SessionID:                 session.ID,
		Total:                     state.Total,
		Items:                     state.Items,
		PaymentMethods:            methods,
		AvailablePaymentMethodIDs: state.AvailablePaymentMethodIDs,
		DisabledPaymentMethodIDs:  state.DisabledPaymentMethodIDs,
		SelectedPaymentMethodID:   state.PaymentMethodID,
		FormStatus:                status.Form,
		TransactionStatus:         status.Transaction,
		RedirectURL:               status.RedirectURL,
	}
	if status.Err != nil {
		resp.Error = status.Err.Error()
	}
	return resp
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var loadErr *checkout.LoadError
	switch {
	case errors.As(err, &loadErr):
		httpx.WriteError(ctx, w, httpx.NewError(checkout.ErrorCode(err), loadErr.Message, http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"reason": loadErr.Err.Error()}))
	case errors.Is(err, sessions.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "checkout session not found", http.StatusNotFound))
	case errors.Is(err, checkout.ErrSessionClosed):
		httpx.WriteError(ctx, w, httpx.NewError("session_closed", "checkout session is closed", http.StatusGone))
	case errors.Is(err, transaction.ErrFormNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("form_not_ready", "checkout form is not ready for submission", http.StatusConflict))
	case errors.Is(err, transaction.ErrNotPending):
		httpx.WriteError(ctx, w, httpx.NewError("transaction_not_pending", "no payment is awaiting completion", http.StatusConflict))
	case errors.Is(err, transaction.ErrNoPaymentMethod):
		httpx.WriteError(ctx, w, httpx.NewError("no_payment_method", "select a payment method before submitting", http.StatusConflict))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("payment_timeout", "payment processor did not respond in time", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be completed", http.StatusBadGateway).
			WithDetails(map[string]any{"reason": err.Error()}))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
