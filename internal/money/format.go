package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrUnknownCurrency is returned when the currency code is not an ISO 4217 code.
var ErrUnknownCurrency = errors.New("money: unknown currency")

// Scale returns the number of minor-unit digits for the currency, e.g. 2 for USD and 0 for JPY.
func Scale(code string) (int, error) {
	unit, err := parseUnit(code)
	if err != nil {
		return 0, err
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

// Format renders a minor-unit value as a localised display string.
func Format(value int64, code, locale string) (string, error) {
	unit, err := parseUnit(code)
	if err != nil {
		return "", err
	}
	scale, _ := currency.Standard.Rounding(unit)
	major := float64(value) / math.Pow10(scale)

	printer := message.NewPrinter(parseLocale(locale))
	return printer.Sprint(currency.Symbol(unit.Amount(major))), nil
}

// MustFormat is Format with a plain numeric fallback for unknown currencies.
func MustFormat(value int64, code, locale string) string {
	out, err := Format(value, code, locale)
	if err != nil {
		return fmt.Sprintf("%d %s", value, strings.ToUpper(strings.TrimSpace(code)))
	}
	return out
}

func parseUnit(code string) (currency.Unit, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return currency.Unit{}, ErrUnknownCurrency
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return currency.Unit{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return unit, nil
}

func parseLocale(locale string) language.Tag {
	locale = strings.ReplaceAll(strings.TrimSpace(locale), "_", "-")
	if locale == "" {
		return language.AmericanEnglish
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return language.AmericanEnglish
	}
	return tag
}
