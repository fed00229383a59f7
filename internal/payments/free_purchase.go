package payments

import (
	"context"
	"errors"
)

// ErrNonZeroTotal is returned when a free purchase is attempted for a cart that costs money.
var ErrNonZeroTotal = errors.New("payments: free purchase requires a zero total")

// FreePurchaseProcessor completes carts whose total is zero, e.g. after credits.
type FreePurchaseProcessor struct{}

// Process succeeds only when the total amount is zero.
func (FreePurchaseProcessor) Process(_ context.Context, req Request) (Response, error) {
	if req.Total.Amount.Value != 0 {
		return Response{}, ErrNonZeroTotal
	}
	return Response{
		Kind:    ResponseSuccess,
		Payload: map[string]any{"free": true},
	}, nil
}
