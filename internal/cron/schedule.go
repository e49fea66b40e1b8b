package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// NextRun returns the next UTC instant a 5-field cron expression fires
// strictly after `after`, evaluated in the named IANA timezone (empty
// string means UTC). The invariant tests in manager_test.go rely on this
// always returning a time after `after`, never equal to it.
func NextRun(expr, tz string, after time.Time) (time.Time, error) {
	if !gronx.IsValid(expr) {
		return time.Time{}, fmt.Errorf("cron: invalid expression %q", expr)
	}

	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron: unknown timezone %q: %w", tz, err)
		}
		loc = l
	}

	localAfter := after.In(loc)
	next, err := gronx.NextTickAfter(expr, localAfter, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: compute next tick for %q: %w", expr, err)
	}
	return next.In(time.UTC), nil
}

// IsValidExpr reports whether expr parses as a 5-field cron expression.
func IsValidExpr(expr string) bool {
	return gronx.IsValid(expr)
}
