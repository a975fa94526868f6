package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Timestamp is the store-assigned write time. Only Seconds is used; Nanoseconds is carried for
// fidelity with the store and ignored everywhere else.
type Timestamp struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int32 `json:"nanoseconds"`
}

// RawOrder is an order record as held and pushed by the order store. Numeric fields are text.
// A nil Timestamp means the server has not assigned one yet.
type RawOrder struct {
	ID          string     `json:"id"`
	ProductName string     `json:"productName"`
	Quantity    string     `json:"quantity"`
	Price       string     `json:"price"`
	Timestamp   *Timestamp `json:"timestamp"`
}

// Order is the normalized, strongly typed view consumed by the analytics engines.
type Order struct {
	ID           string
	ProductName  string
	Quantity     decimal.Decimal
	Price        decimal.Decimal // line total, never multiplied by Quantity
	Timestamp    time.Time       // UTC, second resolution; zero when HasTimestamp is false
	HasTimestamp bool
}

// MaxExponent bounds the decimal exponent Coerce accepts. Text such as "1e100000000" parses,
// but summing it materializes 10^exp digits.
const MaxExponent = 64

// Coerce converts numeric-coercible text to a decimal. Empty or unparsable text yields zero, as
// does text whose exponent lies outside ±MaxExponent.
func Coerce(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	if exp := d.Exponent(); exp > MaxExponent || exp < -MaxExponent {
		return decimal.Zero
	}
	return d
}

// Normalize converts a RawOrder into an Order, applying the coercion rule to quantity and price.
func Normalize(o RawOrder) Order {
	out := Order{
		ID:          o.ID,
		ProductName: o.ProductName,
		Quantity:    Coerce(o.Quantity),
		Price:       Coerce(o.Price),
	}
	if o.Timestamp != nil {
		out.Timestamp = time.Unix(o.Timestamp.Seconds, 0).UTC()
		out.HasTimestamp = true
	}
	return out
}

// NormalizeAll normalizes a snapshot, preserving its order.
func NormalizeAll(raw []RawOrder) []Order {
	out := make([]Order, len(raw))
	for i, o := range raw {
		out[i] = Normalize(o)
	}
	return out
}
