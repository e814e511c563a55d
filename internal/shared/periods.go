package shared

import (
	"errors"
	"fmt"
	"time"
)

// BillingCutoverDay is the first day of a billing period.
const BillingCutoverDay = 16

// DateLayout is the layout used for business dates in identifiers and keys.
const DateLayout = "2006-01-02"

// ErrInvalidPeriod indicates a malformed billing period.
var ErrInvalidPeriod = errors.New("billing period invalid")

// BillingPeriod spans the 16th of one month to the 15th of the next, both inclusive.
type BillingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PeriodFor returns the billing period containing t.
func PeriodFor(t time.Time) BillingPeriod {
	d := DateOf(t)
	start := time.Date(d.Year(), d.Month(), BillingCutoverDay, 0, 0, 0, 0, time.UTC)
	if d.Day() < BillingCutoverDay {
		start = start.AddDate(0, -1, 0)
	}
	return BillingPeriod{Start: start, End: start.AddDate(0, 1, -1)}
}

// PeriodFromMonth parses "2025-01" as the period starting 2025-01-16.
func PeriodFromMonth(month string) (BillingPeriod, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return BillingPeriod{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, month)
	}
	return PeriodFor(time.Date(t.Year(), t.Month(), BillingCutoverDay, 0, 0, 0, 0, time.UTC)), nil
}

// NewBillingPeriod builds an explicit range, used for ad hoc storage runs.
func NewBillingPeriod(start, end time.Time) (BillingPeriod, error) {
	s, e := DateOf(start), DateOf(end)
	if start.IsZero() || end.IsZero() || e.Before(s) {
		return BillingPeriod{}, ErrInvalidPeriod
	}
	return BillingPeriod{Start: s, End: e}, nil
}

// Contains reports whether t falls on a day inside the period.
func (p BillingPeriod) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

// EndExclusive is the first instant after the period.
func (p BillingPeriod) EndExclusive() time.Time {
	return p.End.AddDate(0, 0, 1)
}

// Next returns the following period.
func (p BillingPeriod) Next() BillingPeriod { return PeriodFor(p.EndExclusive()) }

// Previous returns the preceding period.
func (p BillingPeriod) Previous() BillingPeriod { return PeriodFor(p.Start.AddDate(0, 0, -1)) }

// Key names the period by its starting month, e.g. "2025-01".
func (p BillingPeriod) Key() string { return p.Start.Format("2006-01") }

func (p BillingPeriod) String() string {
	return p.Start.Format(DateLayout) + ".." + p.End.Format(DateLayout)
}

// IsZero reports an unset period.
func (p BillingPeriod) IsZero() bool { return p.Start.IsZero() && p.End.IsZero() }
