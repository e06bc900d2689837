package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePrices converts "plan:interval:currency" => "price_id[:included_credits]"
// entries, the shape used by the BILLING_PRICES environment variable.
func ParsePrices(entries map[string]string) ([]Price, error) {
	prices := make([]Price, 0, len(entries))
	for k, v := range entries {
		parts := strings.Split(k, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("catalog: price key %q: want plan:interval:currency", k)
		}
		iv, err := ParseInterval(parts[1])
		if err != nil {
			return nil, err
		}
		priceID, credits, err := splitCredits(v)
		if err != nil {
			return nil, fmt.Errorf("catalog: price %q: %w", k, err)
		}
		prices = append(prices, Price{
			Key:             NewKey(parts[0], iv, parts[2]),
			PriceID:         priceID,
			IncludedCredits: credits,
		})
	}
	return prices, nil
}

// ParsePacks converts "code:currency" => "price_id:credits" entries.
func ParsePacks(entries map[string]string) ([]Pack, error) {
	packs := make([]Pack, 0, len(entries))
	for k, v := range entries {
		code, currency, ok := strings.Cut(k, ":")
		if !ok {
			return nil, fmt.Errorf("catalog: pack key %q: want code:currency", k)
		}
		priceID, credits, err := splitCredits(v)
		if err != nil {
			return nil, fmt.Errorf("catalog: pack %q: %w", k, err)
		}
		if credits <= 0 {
			return nil, fmt.Errorf("catalog: pack %q: credits are required", k)
		}
		packs = append(packs, Pack{Code: code, Currency: currency, PriceID: priceID, Credits: credits})
	}
	return packs, nil
}

func splitCredits(v string) (string, int64, error) {
	priceID, rest, found := strings.Cut(strings.TrimSpace(v), ":")
	if !found {
		return priceID, 0, nil
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("credits %q: %w", rest, err)
	}
	return priceID, n, nil
}
