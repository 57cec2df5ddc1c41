package domain

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a decimal amount rendered with exactly two fractional digits.
// It is stored as NUMERIC(10,2) and travels over JSON as a quoted string.
type Money struct {
	decimal.Decimal
}

// MaxAmount is the largest value a NUMERIC(10,2) column holds.
var MaxAmount = Money{Decimal: decimal.RequireFromString("99999999.99")}

// MaxQuantity matches the INTEGER columns for stock and sale quantities.
const MaxQuantity = math.MaxInt32

func NewMoney(d decimal.Decimal) Money {
	return Money{Decimal: d}
}

func ParseMoney(raw string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Money{}, fmt.Errorf("invalid decimal %q", raw)
	}
	return Money{Decimal: d}, nil
}

// MustMoney is for literals in seeds and tests.
func MustMoney(raw string) Money {
	m, err := ParseMoney(raw)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Times(qty int) Money {
	return Money{Decimal: m.Decimal.Mul(decimal.NewFromInt(int64(qty)))}
}

func (m Money) Plus(other Money) Money {
	return Money{Decimal: m.Decimal.Add(other.Decimal)}
}

// Storable reports whether m fits the NUMERIC(10,2) columns.
func (m Money) Storable() bool {
	return m.Decimal.Abs().LessThanOrEqual(MaxAmount.Decimal)
}

func (m Money) EqualTo(other Money) bool {
	return m.Decimal.Equal(other.Decimal)
}

func (m Money) String() string {
	return m.Decimal.StringFixed(2)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(m.String())), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m *Money) Scan(value any) error {
	return m.Decimal.Scan(value)
}

func (m Money) Value() (driver.Value, error) {
	return m.Decimal.StringFixed(2), nil
}
