// Package catalog maps plan/interval/currency triples to provider price
// identifiers and back.
//
// The catalog is the only place a subscription's plan fields may come from:
// a price id received from the provider is resolved to its Key, and a Key
// requested by a tenant is resolved to a price id. Unknown values fail with
// ErrConfigIncomplete instead of falling back to some other price.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrConfigIncomplete is returned when a required price mapping is missing.
var ErrConfigIncomplete = errors.New("billing: plan catalog incomplete")

// Interval is a billing period length.
type Interval string

const (
	Month Interval = "month"
	Year  Interval = "year"
)

// Intervals lists every supported interval.
var Intervals = []Interval{Month, Year}

// ParseInterval accepts "month"/"monthly" and "year"/"yearly"/"annual".
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "month", "monthly":
		return Month, nil
	case "year", "yearly", "annual":
		return Year, nil
	default:
		return "", fmt.Errorf("catalog: unknown interval %q", s)
	}
}

// Key identifies one sellable subscription price.
type Key struct {
	Plan     string   `json:"plan"`
	Interval Interval `json:"interval"`
	Currency string   `json:"currency"`
}

// NewKey normalizes plan and currency casing.
func NewKey(plan string, interval Interval, currency string) Key {
	return Key{
		Plan:     strings.ToLower(strings.TrimSpace(plan)),
		Interval: interval,
		Currency: strings.ToLower(strings.TrimSpace(currency)),
	}
}

func (k Key) String() string {
	return k.Plan + ":" + string(k.Interval) + ":" + k.Currency
}

// Price binds a Key to the provider's price id. IncludedCredits are granted
// once per paid invoice of that price.
type Price struct {
	Key             `yaml:",inline"`
	PriceID         string `json:"price_id" yaml:"price_id"`
	IncludedCredits int64  `json:"included_credits" yaml:"included_credits"`
}

// Pack is a one-off credit purchase.
type Pack struct {
	Code     string `json:"code" yaml:"code"`
	Currency string `json:"currency" yaml:"currency"`
	PriceID  string `json:"price_id" yaml:"price_id"`
	Credits  int64  `json:"credits" yaml:"credits"`
}

type packKey struct{ code, currency string }

// Catalog is an immutable price lookup table. It is safe for concurrent use.
type Catalog struct {
	byKey       map[Key]Price
	byPrice     map[string]Key
	packs       map[packKey]Pack
	packByPrice map[string]Pack
}

// New builds a catalog. Empty or duplicate price ids and duplicate keys are
// rejected, so every price id resolves to exactly one Key.
func New(prices []Price, packs []Pack) (*Catalog, error) {
	c := &Catalog{
		byKey:       make(map[Key]Price, len(prices)),
		byPrice:     make(map[string]Key, len(prices)),
		packs:       make(map[packKey]Pack, len(packs)),
		packByPrice: make(map[string]Pack, len(packs)),
	}

	for _, p := range prices {
		p.Key = NewKey(p.Plan, p.Interval, p.Currency)
		switch {
		case p.Plan == "" || p.Currency == "":
			return nil, fmt.Errorf("catalog: price %q: plan and currency are required", p.PriceID)
		case p.Interval != Month && p.Interval != Year:
			return nil, fmt.Errorf("catalog: price %q: unknown interval %q", p.PriceID, p.Interval)
		case p.PriceID == "":
			return nil, fmt.Errorf("catalog: %s: empty price id", p.Key)
		case p.IncludedCredits < 0:
			return nil, fmt.Errorf("catalog: %s: negative included credits", p.Key)
		}
		if _, dup := c.byKey[p.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate price for %s", p.Key)
		}
		if _, dup := c.byPrice[p.PriceID]; dup {
			return nil, fmt.Errorf("catalog: price id %q mapped twice", p.PriceID)
		}
		c.byKey[p.Key] = p
		c.byPrice[p.PriceID] = p.Key
	}

	for _, p := range packs {
		p.Code = strings.ToLower(strings.TrimSpace(p.Code))
		p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))
		if p.Code == "" || p.Currency == "" || p.PriceID == "" {
			return nil, fmt.Errorf("catalog: pack %q: code, currency and price id are required", p.Code)
		}
		if p.Credits <= 0 {
			return nil, fmt.Errorf("catalog: pack %s:%s: credits must be positive", p.Code, p.Currency)
		}
		k := packKey{p.Code, p.Currency}
		if _, dup := c.packs[k]; dup {
			return nil, fmt.Errorf("catalog: duplicate pack %s:%s", p.Code, p.Currency)
		}
		if _, dup := c.byPrice[p.PriceID]; dup {
			return nil, fmt.Errorf("catalog: price id %q used by both a plan and a pack", p.PriceID)
		}
		if _, dup := c.packByPrice[p.PriceID]; dup {
			return nil, fmt.Errorf("catalog: price id %q mapped twice", p.PriceID)
		}
		c.packs[k] = p
		c.packByPrice[p.PriceID] = p
	}

	return c, nil
}

// PriceID returns the provider price id for key.
func (c *Catalog) PriceID(key Key) (string, error) {
	key = NewKey(key.Plan, key.Interval, key.Currency)
	p, ok := c.byKey[key]
	if !ok {
		return "", fmt.Errorf("%w: no price for %s", ErrConfigIncomplete, key)
	}
	return p.PriceID, nil
}

// Resolve maps a provider price id back to its Key.
func (c *Catalog) Resolve(priceID string) (Key, error) {
	k, ok := c.byPrice[priceID]
	if !ok {
		return Key{}, fmt.Errorf("%w: unknown price id %q", ErrConfigIncomplete, priceID)
	}
	return k, nil
}

// IncludedCredits returns the credits granted per paid invoice of key, or 0.
func (c *Catalog) IncludedCredits(key Key) int64 {
	return c.byKey[NewKey(key.Plan, key.Interval, key.Currency)].IncludedCredits
}

// Pack looks up a credit pack by code and currency.
func (c *Catalog) Pack(code, currency string) (Pack, error) {
	p, ok := c.packs[packKey{strings.ToLower(code), strings.ToLower(currency)}]
	if !ok {
		return Pack{}, fmt.Errorf("%w: no credit pack %s:%s", ErrConfigIncomplete, code, currency)
	}
	return p, nil
}

// PackByPrice finds the pack sold under priceID.
func (c *Catalog) PackByPrice(priceID string) (Pack, bool) {
	p, ok := c.packByPrice[priceID]
	return p, ok
}

// Keys returns every configured key in a stable order.
func (c *Catalog) Keys() []Key {
	keys := make([]Key, 0, len(c.byKey))
	for k := range c.byKey {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int { return strings.Compare(a.String(), b.String()) })
	return keys
}
