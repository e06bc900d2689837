package catalog

import (
	"fmt"
	"strings"
)

// Requirement is the plan matrix a deployment must be able to sell.
// Empty Intervals means every interval.
type Requirement struct {
	Plans      []string
	Intervals  []Interval
	Currencies []string
}

// ConfigIncompleteError lists every required key without a price.
type ConfigIncompleteError struct {
	Missing []Key
}

func (e *ConfigIncompleteError) Error() string {
	names := make([]string, len(e.Missing))
	for i, k := range e.Missing {
		names[i] = k.String()
	}
	return fmt.Sprintf("%s: missing %s", ErrConfigIncomplete, strings.Join(names, ", "))
}

func (e *ConfigIncompleteError) Unwrap() error { return ErrConfigIncomplete }

// Validate checks that every (plan, interval, currency) in req has a price.
func (c *Catalog) Validate(req Requirement) error {
	intervals := req.Intervals
	if len(intervals) == 0 {
		intervals = Intervals
	}

	var missing []Key
	for _, plan := range req.Plans {
		for _, iv := range intervals {
			for _, cur := range req.Currencies {
				k := NewKey(plan, iv, cur)
				if _, ok := c.byKey[k]; !ok {
					missing = append(missing, k)
				}
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigIncompleteError{Missing: missing}
	}
	return nil
}
