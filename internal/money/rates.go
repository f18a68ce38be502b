package money

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// RateTable resolves the platform fee rate for a booking category.
type RateTable struct {
	Default   decimal.Decimal
	Overrides map[string]decimal.Decimal
}

// ParseRateTable builds a table from a default rate and an override list of
// the form "cleaning=0.12,tutoring=0.08".
func ParseRateTable(def, overrides string) (RateTable, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(def))
	if err != nil {
		return RateTable{}, fmt.Errorf("default fee rate %q: %w", def, ErrInvalidFormat)
	}
	if err := ValidateRate(d); err != nil {
		return RateTable{}, fmt.Errorf("default fee rate %q: %w", def, err)
	}

	t := RateTable{Default: d, Overrides: make(map[string]decimal.Decimal)}
	for _, pair := range strings.Split(overrides, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, val, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return RateTable{}, fmt.Errorf("fee rate override %q: expected category=rate", pair)
		}
		r, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return RateTable{}, fmt.Errorf("fee rate override %q: %w", pair, ErrInvalidFormat)
		}
		if err := ValidateRate(r); err != nil {
			return RateTable{}, fmt.Errorf("fee rate override %q: %w", pair, err)
		}
		t.Overrides[strings.ToLower(strings.TrimSpace(name))] = r
	}
	return t, nil
}

// For returns the override for category, or the default rate.
func (t RateTable) For(category string) decimal.Decimal {
	if r, ok := t.Overrides[strings.ToLower(category)]; ok {
		return r
	}
	return t.Default
}

// String renders the table in the same form ParseRateTable accepts.
func (t RateTable) String() string {
	names := make([]string, 0, len(t.Overrides))
	for n := range t.Overrides {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+t.Overrides[n].String())
	}
	return fmt.Sprintf("default=%s [%s]", t.Default.String(), strings.Join(parts, ","))
}
