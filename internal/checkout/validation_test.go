package checkout

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanko-field/checkout/internal/domain"
)

func TestValidatePassesForWellFormedCart(t *testing.T) {
	t.Parallel()

	items := []domain.LineItem{
		{ID: "domain", Type: "domain_registration", Amount: domain.Amount{Value: 2000, Currency: "USD"}},
	}
	err := Validate(testTotal(2000), items, []domain.PaymentMethod{{ID: "A"}}, testRegistry(t, "A"))
	require.NoError(t, err)
}

func TestValidateTotal(t *testing.T) {
	t.Parallel()

	var missing *MissingTotalError
	require.ErrorAs(t, ValidateTotal(nil), &missing)

	cases := map[string]domain.LineItem{
		"missing id":     {Type: domain.LineItemTypeTotal, Amount: domain.Amount{Currency: "USD"}},
		"wrong type":     {ID: "total", Type: "plan", Amount: domain.Amount{Currency: "USD"}},
		"negative value": {ID: "total", Type: domain.LineItemTypeTotal, Amount: domain.Amount{Value: -1, Currency: "USD"}},
		"empty currency": {ID: "total", Type: domain.LineItemTypeTotal, Amount: domain.Amount{Value: 1}},
		"bad currency":   {ID: "total", Type: domain.LineItemTypeTotal, Amount: domain.Amount{Value: 1, Currency: "US1"}},
	}
	for name, total := range cases {
		total := total
		t.Run(name, func(t *testing.T) {
			var invalid *InvalidTotalError
			require.ErrorAs(t, ValidateTotal(&total), &invalid)
			require.ErrorIs(t, ValidateTotal(&total), ErrInvalidConfiguration)
		})
	}
}

func TestValidateLineItems(t *testing.T) {
	t.Parallel()

	var missing *MissingItemsError
	require.ErrorAs(t, ValidateLineItems(nil), &missing)
	require.NoError(t, ValidateLineItems([]domain.LineItem{}))

	var invalid *InvalidLineItemError
	err := ValidateLineItems([]domain.LineItem{
		{Type: "domain_registration", Amount: domain.Amount{Value: 2000, Currency: "USD"}},
	})
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 0, invalid.Index)
	require.Contains(t, invalid.Reason, "id")

	err = ValidateLineItems([]domain.LineItem{
		{ID: "a", Type: "plan", Amount: domain.Amount{Currency: "USD"}},
		{ID: "a", Type: "plan", Amount: domain.Amount{Currency: "USD"}},
	})
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 1, invalid.Index)
	require.Equal(t, "a", invalid.ID)

	err = ValidateLineItems([]domain.LineItem{{ID: "a", Amount: domain.Amount{Currency: "USD"}}})
	require.ErrorAs(t, err, &invalid)
	require.Contains(t, invalid.Reason, "type")
}

func TestValidatePaymentMethods(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, "card")

	var missingProcessor *MissingProcessorForMethodError
	require.ErrorAs(t, ValidatePaymentMethods(nil, reg), &missingProcessor)

	err := ValidatePaymentMethods([]domain.PaymentMethod{{ID: "card"}, {ID: "paypal"}}, reg)
	require.ErrorAs(t, err, &missingProcessor)
	require.Equal(t, "paypal", missingProcessor.PaymentMethodID)

	err = ValidatePaymentMethods([]domain.PaymentMethod{{ID: "card"}, {ID: "card"}}, reg)
	require.ErrorAs(t, err, &missingProcessor)
	require.Contains(t, missingProcessor.Reason, "duplicate")

	require.NoError(t, ValidatePaymentMethods([]domain.PaymentMethod{{ID: "existing-card", ProcessorID: "card"}}, reg))

	err = ValidatePaymentMethods([]domain.PaymentMethod{{ID: "card "}, {ID: "card"}}, reg)
	require.ErrorAs(t, err, &missingProcessor)
	require.Equal(t, "card ", missingProcessor.PaymentMethodID)
	require.Contains(t, missingProcessor.Reason, "whitespace")

	var missingProcessors *MissingProcessorsError
	require.ErrorAs(t, ValidatePaymentMethods([]domain.PaymentMethod{}, nil), &missingProcessors)
}

func TestValidateOrder(t *testing.T) {
	t.Parallel()

	var missingProcessors *MissingProcessorsError
	err := Validate(testTotal(0), []domain.LineItem{}, nil, nil)
	require.ErrorAs(t, err, &missingProcessors)

	var invalidTotal *InvalidTotalError
	bad := testTotal(0)
	bad.Amount.Currency = ""
	err = Validate(bad, nil, nil, nil)
	require.ErrorAs(t, err, &invalidTotal)
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, "missing_total", ErrorCode(&MissingTotalError{}))
	require.Equal(t, "invalid_total", ErrorCode(&LoadError{Err: &InvalidTotalError{}}))
	require.Equal(t, "missing_items", ErrorCode(&MissingItemsError{}))
	require.Equal(t, "invalid_line_item", ErrorCode(&InvalidLineItemError{}))
	require.Equal(t, "missing_processors", ErrorCode(&MissingProcessorsError{}))
	require.Equal(t, "missing_processor_for_method", ErrorCode(&MissingProcessorForMethodError{}))
	require.Equal(t, "checkout_error", ErrorCode(errors.New("other")))
}

func TestDecodeTotalRejectsNonNumericValue(t *testing.T) {
	t.Parallel()

	var w WireLineItem
	require.NoError(t, json.Unmarshal([]byte(`{"amount":{"value":"abc","currency":"USD"}}`), &w))

	_, err := DecodeTotal(&w)
	var invalid *InvalidTotalError
	require.ErrorAs(t, err, &invalid)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestDecodeTotalDefaults(t *testing.T) {
	t.Parallel()

	total, err := DecodeTotal(nil)
	require.NoError(t, err)
	require.Nil(t, total)

	var w WireLineItem
	require.NoError(t, json.Unmarshal([]byte(`{"amount":{"value":"2000","currency":"usd","displayValue":"$20"}}`), &w))
	total, err = DecodeTotal(&w)
	require.NoError(t, err)
	require.Equal(t, "total", total.ID)
	require.Equal(t, domain.LineItemTypeTotal, total.Type)
	require.Equal(t, domain.Amount{Value: 2000, DisplayValue: "$20", Currency: "USD"}, total.Amount)
}

func TestDecodeLineItems(t *testing.T) {
	t.Parallel()

	var ws []WireLineItem
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id":"domain","type":"domain_registration","amount":{"value":2000,"currency":"USD"}},
		{"id":"plan","type":"plan","amount":{"value":12.5,"currency":"USD"}}
	]`), &ws))

	_, err := DecodeLineItems(ws)
	var invalid *InvalidLineItemError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 1, invalid.Index)
	require.Equal(t, "plan", invalid.ID)

	items, err := DecodeLineItems(ws[:1])
	require.NoError(t, err)
	require.Equal(t, int64(2000), items[0].Amount.Value)

	_, err = DecodeLineItems([]WireLineItem{{ID: "x", Type: "plan"}})
	require.ErrorAs(t, err, &invalid)
	require.Contains(t, invalid.Reason, "amount")
}

func TestDecodeAmountValue(t *testing.T) {
	t.Parallel()

	v, err := DecodeAmountValue(json.RawMessage(`" 42 "`))
	require.NoError(t, err)
	require.Equal(t, int64(42), v)

	_, err = DecodeAmountValue(json.RawMessage(`null`))
	require.ErrorIs(t, err, ErrNonNumericAmount)
	_, err = DecodeAmountValue(nil)
	require.ErrorIs(t, err, ErrNonNumericAmount)
}
