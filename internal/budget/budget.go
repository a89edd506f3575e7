// Package budget implements atomic per-(tenant, budget_name, period_key)
// cost debit and refund over the coordinating store.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExceeded is returned by Debit when the debit would push used_usd
// past limit_usd.
var ErrExceeded = errors.New("budget_exceeded")

// Period is the accounting window a named budget resets on.
type Period string

const (
	Day  Period = "day"
	Week Period = "week"
)

// usdScale converts fractional USD to an integer cent-like unit so debits
// can ride on the coordinator's integer CASInt/IncrBounded primitives
// without floating-point drift.
const usdScale = 10000 // four decimal places of precision

// casStore is the subset of coordinator.Store budget accounting needs.
// Kept narrow so tests can supply a minimal fake without pulling in pub/sub.
type casStore interface {
	CASInt(ctx context.Context, key string, expect, newVal int64) (actual int64, swapped bool, err error)
}

// Ledger tracks budget debits for a set of tenants over a coordinating
// store. Missing budgets (no limit configured) are treated as unlimited by
// callers before ever calling Debit — Ledger itself has no notion of "no
// limit".
type Ledger struct {
	store casStore
}

// NewLedger constructs a Ledger backed by store.
func NewLedger(store casStore) *Ledger {
	return &Ledger{store: store}
}

// PeriodKey computes the UTC period key for t under the given period:
// "2006-01-02" for a day, ISO year-week for a week.
func PeriodKey(period Period, t time.Time) string {
	t = t.UTC()
	switch period {
	case Week:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return t.Format("2006-01-02")
	}
}

func key(tenant, budgetName, periodKey string) string {
	return fmt.Sprintf("budget:%s:%s:%s", tenant, budgetName, periodKey)
}

// Debit atomically increases used_usd by amountUSD if and only if the
// result does not exceed limitUSD, retrying the compare-and-set loop
// against concurrent debits for the same key. Returns ErrExceeded, without
// mutating state, if the debit cannot fit.
func (l *Ledger) Debit(ctx context.Context, tenant, budgetName, periodKey string, amountUSD, limitUSD float64) error {
	k := key(tenant, budgetName, periodKey)
	delta := toUnits(amountUSD)
	limit := toUnits(limitUSD)

	for {
		cur, _, err := l.store.CASInt(ctx, k, -1, -1) // -1 never matches: a read-only probe
		if err != nil {
			return fmt.Errorf("budget read failed: %w", err)
		}
		next := cur + delta
		if next > limit {
			return ErrExceeded
		}
		_, swapped, err := l.store.CASInt(ctx, k, cur, next)
		if err != nil {
			return fmt.Errorf("budget debit failed: %w", err)
		}
		if swapped {
			return nil
		}
		// Lost the race against a concurrent debit/refund; retry with the
		// freshly observed value.
	}
}

// Refund atomically decreases used_usd by amountUSD, clamped at 0. Called
// when a budget debit's downstream operation fails within the same
// request, per spec.md §4.3.
func (l *Ledger) Refund(ctx context.Context, tenant, budgetName, periodKey string, amountUSD float64) error {
	k := key(tenant, budgetName, periodKey)
	delta := toUnits(amountUSD)

	for {
		cur, _, err := l.store.CASInt(ctx, k, -1, -1)
		if err != nil {
			return fmt.Errorf("budget read failed: %w", err)
		}
		next := cur - delta
		if next < 0 {
			next = 0
		}
		_, swapped, err := l.store.CASInt(ctx, k, cur, next)
		if err != nil {
			return fmt.Errorf("budget refund failed: %w", err)
		}
		if swapped {
			return nil
		}
	}
}

// Used returns the current used_usd for the period, in dollars.
func (l *Ledger) Used(ctx context.Context, tenant, budgetName, periodKey string) (float64, error) {
	k := key(tenant, budgetName, periodKey)
	cur, _, err := l.store.CASInt(ctx, k, -1, -1)
	if err != nil {
		return 0, fmt.Errorf("budget read failed: %w", err)
	}
	return fromUnits(cur), nil
}

func toUnits(usd float64) int64     { return int64(usd*usdScale + 0.5) }
func fromUnits(units int64) float64 { return float64(units) / usdScale }
