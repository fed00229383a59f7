package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
)

func noopProcessor() payments.Processor {
	return payments.ProcessorFunc(func(context.Context, payments.Request) (payments.Response, error) {
		return payments.Response{Kind: payments.ResponseSuccess}, nil
	})
}

func testRegistry(t *testing.T, keys ...string) *payments.Registry {
	t.Helper()
	procs := make(map[string]payments.Processor, len(keys))
	for _, k := range keys {
		procs[k] = noopProcessor()
	}
	reg, err := payments.NewRegistry(procs)
	require.NoError(t, err)
	return reg
}

func testTotal(value int64) *domain.LineItem {
	return &domain.LineItem{
		ID:     "total",
		Type:   domain.LineItemTypeTotal,
		Label:  "Total",
		Amount: domain.Amount{Value: value, DisplayValue: "$20.00", Currency: "USD"},
	}
}

func testProps(t *testing.T) Props {
	return Props{
		Total: testTotal(2000),
		Items: []domain.LineItem{
			{ID: "domain", Type: "domain_registration", Label: "example.com", Amount: domain.Amount{Value: 2000, Currency: "USD"}},
		},
		PaymentMethods: []domain.PaymentMethod{
			{ID: "A", Label: "Card"},
			{ID: "B", Label: "PayPal"},
		},
		PaymentProcessors: testRegistry(t, "A", "B"),
	}
}

func TestNewSelectsFirstAvailableWhenRequested(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.SelectFirstAvailablePaymentMethod = true

	c, err := New(props)
	require.NoError(t, err)
	require.Equal(t, "A", c.PaymentMethodID())

	method, ok := c.PaymentMethod()
	require.True(t, ok)
	require.Equal(t, "Card", method.Label)
}

func TestNewWithoutAutoSelectLeavesSelectionEmpty(t *testing.T) {
	t.Parallel()

	c, err := New(testProps(t))
	require.NoError(t, err)
	require.Equal(t, "", c.PaymentMethodID())

	_, ok := c.PaymentMethod()
	require.False(t, ok)
}

func TestNewHonoursInitiallySelectedID(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.InitiallySelectedPaymentMethodID = "B"
	props.SelectFirstAvailablePaymentMethod = true

	c, err := New(props)
	require.NoError(t, err)
	require.Equal(t, "B", c.PaymentMethodID())
}

func TestNewIgnoresUnknownInitialID(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.InitiallySelectedPaymentMethodID = "Z"

	c, err := New(props)
	require.NoError(t, err)
	require.Equal(t, "", c.PaymentMethodID())

	props.SelectFirstAvailablePaymentMethod = true
	c, err = New(props)
	require.NoError(t, err)
	require.Equal(t, "A", c.PaymentMethodID())
}

func TestNewAppliesPlaceholderTotal(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.Total = nil
	props.Items = nil

	c, err := New(props)
	require.NoError(t, err)
	require.Equal(t, domain.EmptyTotal(), c.LineItems().Total())
	require.Empty(t, c.LineItems().Items())
}

func TestSetPaymentMethodIDIgnoresUnavailableIDs(t *testing.T) {
	t.Parallel()

	var changes []PaymentMethodChangedArgs
	props := testProps(t)
	props.Callbacks.OnPaymentMethodChanged = func(args PaymentMethodChangedArgs) {
		changes = append(changes, args)
	}

	c, err := New(props)
	require.NoError(t, err)

	require.True(t, c.SetPaymentMethodID("B"))
	require.Equal(t, "B", c.PaymentMethodID())

	before := c.State()
	require.False(t, c.SetPaymentMethodID("nope"))
	require.False(t, c.SetPaymentMethodID("nope"))
	require.Equal(t, before, c.State())

	require.Len(t, changes, 1)
	require.Equal(t, "B", changes[0].PaymentMethodID)
	require.Equal(t, "PayPal", changes[0].PaymentMethodLabel)
	require.Equal(t, "", changes[0].PreviousPaymentMethodID)
}

func TestSetPaymentMethodIDRejectsDisabledMethod(t *testing.T) {
	t.Parallel()

	c, err := New(testProps(t))
	require.NoError(t, err)

	c.SetDisabledPaymentMethodIDs([]string{"A"})
	require.False(t, c.SetPaymentMethodID("A"))
	require.Equal(t, "", c.PaymentMethodID())
}

func TestSetPaymentMethodIDClearsSelection(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.SelectFirstAvailablePaymentMethod = true
	c, err := New(props)
	require.NoError(t, err)

	require.True(t, c.SetPaymentMethodID(""))
	require.Equal(t, "", c.PaymentMethodID())
}

func TestDisablingSelectedMethodReselectsFirstAvailable(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.SelectFirstAvailablePaymentMethod = true
	c, err := New(props)
	require.NoError(t, err)
	require.Equal(t, "A", c.PaymentMethodID())

	c.SetDisabledPaymentMethodIDs([]string{"A"})

	state := c.State()
	require.Equal(t, []string{"B"}, state.AvailablePaymentMethodIDs)
	require.Equal(t, []string{"A"}, state.DisabledPaymentMethodIDs)
	require.Equal(t, "B", state.PaymentMethodID)
}

func TestAvailableSetChangeDiscardsManualSelection(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.PaymentMethods = append(props.PaymentMethods, domain.PaymentMethod{ID: "C", Label: "Credits"})
	props.PaymentProcessors = testRegistry(t, "A", "B", "C")
	props.InitiallySelectedPaymentMethodID = "A"

	c, err := New(props)
	require.NoError(t, err)
	require.True(t, c.SetPaymentMethodID("B"))

	// C is unrelated to the selection, but the available set changed.
	c.SetDisabledPaymentMethodIDs([]string{"C"})
	require.Equal(t, "A", c.PaymentMethodID())
}

func TestUnchangedAvailableSetKeepsManualSelection(t *testing.T) {
	t.Parallel()

	c, err := New(testProps(t))
	require.NoError(t, err)
	require.True(t, c.SetPaymentMethodID("B"))

	c.SetDisabledPaymentMethodIDs([]string{"unknown", "  "})
	require.Empty(t, c.DisabledPaymentMethodIDs())
	require.Equal(t, "B", c.PaymentMethodID())
}

func TestDisablingEverythingClearsSelection(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.SelectFirstAvailablePaymentMethod = true
	c, err := New(props)
	require.NoError(t, err)

	c.SetDisabledPaymentMethodIDs([]string{"A", "B", "A"})
	require.Equal(t, []string{"A", "B"}, c.DisabledPaymentMethodIDs())
	require.Empty(t, c.AvailablePaymentMethods())
	require.Equal(t, "", c.PaymentMethodID())

	c.SetDisabledPaymentMethodIDs(nil)
	require.Equal(t, "A", c.PaymentMethodID())
}

func TestReplacePaymentMethodsResetsWhenSelectionRemoved(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.SelectFirstAvailablePaymentMethod = true
	c, err := New(props)
	require.NoError(t, err)
	require.True(t, c.SetPaymentMethodID("B"))

	err = c.ReplacePaymentMethods([]domain.PaymentMethod{{ID: "A", Label: "Card"}})
	require.NoError(t, err)
	require.Equal(t, "A", c.PaymentMethodID())
	require.Len(t, c.AllPaymentMethods(), 1)
}

func TestReplacePaymentMethodsDropsStaleDisabledIDs(t *testing.T) {
	t.Parallel()

	c, err := New(testProps(t))
	require.NoError(t, err)
	c.SetDisabledPaymentMethodIDs([]string{"B"})

	require.NoError(t, c.ReplacePaymentMethods([]domain.PaymentMethod{{ID: "A"}}))
	require.Empty(t, c.DisabledPaymentMethodIDs())
}

func TestReplacePaymentMethodsFailureTripsBoundaryOnce(t *testing.T) {
	t.Parallel()

	var reports []PageLoadErrorArgs
	props := testProps(t)
	props.Callbacks.OnPageLoadError = func(args PageLoadErrorArgs) {
		reports = append(reports, args)
	}
	c, err := New(props, WithSessionID("sess-1"))
	require.NoError(t, err)

	err = c.ReplacePaymentMethods([]domain.PaymentMethod{{ID: "A"}, {ID: "missing"}})
	var missing *MissingProcessorForMethodError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "missing", missing.PaymentMethodID)

	err = c.ReplacePaymentMethods([]domain.PaymentMethod{{ID: "A"}, {ID: "A"}})
	require.Error(t, err)

	require.Len(t, reports, 1)
	require.Equal(t, StagePageLoad, reports[0].Stage)
	require.Equal(t, "sess-1", reports[0].SessionID)
	require.Error(t, c.Err())
	require.Len(t, c.AllPaymentMethods(), 2)
}

func TestReplaceLineItems(t *testing.T) {
	t.Parallel()

	c, err := New(testProps(t), WithLocale("en-US"))
	require.NoError(t, err)

	items := []domain.LineItem{
		{ID: "plan", Type: "plan", Label: "Business", Amount: domain.Amount{Value: 30000, Currency: "USD"}},
	}
	require.NoError(t, c.ReplaceLineItems(testTotal(30000), items))

	snapshot := c.LineItems()
	require.Equal(t, int64(30000), snapshot.Total().Amount.Value)
	item, ok := snapshot.Item("plan")
	require.True(t, ok)
	require.Contains(t, item.Amount.DisplayValue, "300.00")

	bad := []domain.LineItem{{Type: "plan", Amount: domain.Amount{Currency: "USD"}}}
	var invalid *InvalidLineItemError
	require.ErrorAs(t, c.ReplaceLineItems(testTotal(0), bad), &invalid)
	require.Equal(t, "plan", c.LineItems().Items()[0].ID)
}

func TestLifecycleSignalsCarryTracking(t *testing.T) {
	t.Parallel()

	var (
		complete PaymentCompleteArgs
		redirect PaymentRedirectArgs
		failed   PaymentErrorArgs
	)
	props := testProps(t)
	props.PaymentMethods[0].ProcessorID = "B"
	props.Callbacks = Callbacks{
		OnPaymentComplete: func(args PaymentCompleteArgs) { complete = args },
		OnPaymentRedirect: func(args PaymentRedirectArgs) { redirect = args },
		OnPaymentError:    func(args PaymentErrorArgs) { failed = args },
	}
	c, err := New(props, WithSessionID("sess-9"))
	require.NoError(t, err)

	resp := payments.Response{Kind: payments.ResponseSuccess, Reference: "pi_1"}
	c.PaymentComplete("A", resp)
	require.Equal(t, "sess-9", complete.SessionID)
	require.Equal(t, "A", complete.PaymentMethodID)
	require.Equal(t, "Card", complete.PaymentMethodLabel)
	require.Equal(t, "B", complete.ProcessorID)
	require.Equal(t, resp, complete.Response)

	c.PaymentRedirect("B", "https://example.com/pay", payments.Response{Kind: payments.ResponseRedirect})
	require.Equal(t, "https://example.com/pay", redirect.URL)
	require.Equal(t, "PayPal", redirect.PaymentMethodLabel)

	boom := errors.New("card declined")
	c.PaymentError("A", boom)
	require.Same(t, boom, failed.Err)
}

func TestCallbackMayReenterCoordinator(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	var c *Coordinator
	var seen string
	props.Callbacks.OnPaymentMethodChanged = func(args PaymentMethodChangedArgs) {
		seen = c.PaymentMethodID()
	}
	c, err := New(props)
	require.NoError(t, err)

	require.True(t, c.SetPaymentMethodID("A"))
	require.Equal(t, "A", seen)
}

func TestClosedCoordinatorIgnoresWrites(t *testing.T) {
	t.Parallel()

	c, err := New(testProps(t))
	require.NoError(t, err)
	c.Close()

	require.False(t, c.SetPaymentMethodID("A"))
	c.SetDisabledPaymentMethodIDs([]string{"A"})
	require.Empty(t, c.DisabledPaymentMethodIDs())
	require.ErrorIs(t, c.Err(), ErrSessionClosed)
	require.ErrorIs(t, c.ReplacePaymentMethods(nil), ErrSessionClosed)
}

func TestProcessorResolvesBackingProcessor(t *testing.T) {
	t.Parallel()

	c, err := New(testProps(t))
	require.NoError(t, err)

	p, err := c.Processor("A")
	require.NoError(t, err)
	require.NotNil(t, p)

	_, err = c.Processor("Z")
	var missing *MissingProcessorForMethodError
	require.ErrorAs(t, err, &missing)
}

func TestLoadingFlags(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.IsLoading = true
	c, err := New(props)
	require.NoError(t, err)
	require.True(t, c.IsLoading())

	c.SetLoading(false)
	c.SetValidating(true)
	require.False(t, c.IsLoading())
	require.True(t, c.IsValidating())
}

func TestPaymentMethodIDsWithWhitespaceAreRejected(t *testing.T) {
	t.Parallel()

	props := testProps(t)
	props.PaymentMethods = []domain.PaymentMethod{{ID: "A ", ProcessorID: "A"}, {ID: "B"}}
	_, err := New(props)
	var missingProcessor *MissingProcessorForMethodError
	require.ErrorAs(t, err, &missingProcessor)
	require.Equal(t, "A ", missingProcessor.PaymentMethodID)

	c, err := New(testProps(t))
	require.NoError(t, err)
	err = c.ReplacePaymentMethods([]domain.PaymentMethod{{ID: " B", ProcessorID: "B"}})
	require.ErrorAs(t, err, &missingProcessor)
	require.Equal(t, []string{"A", "B"}, c.State().AvailablePaymentMethodIDs)
}
