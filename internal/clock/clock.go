// Package clock centralizes time and ID generation so components don't
// reach for time.Now/rand directly and so tests can substitute a fake.
package clock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time for testability.
type Clock interface {
	NowMS() int64
	Now() time.Time
}

// Real is the production Clock, backed by time.Now.
type Real struct{}

func (Real) NowMS() int64    { return time.Now().UnixMilli() }
func (Real) Now() time.Time  { return time.Now() }

// Fake is a test Clock with a manually-advanced instant.
type Fake struct {
	t time.Time
}

// NewFake returns a Fake clock fixed at t.
func NewFake(t time.Time) *Fake { return &Fake{t: t} }

func (f *Fake) NowMS() int64   { return f.t.UnixMilli() }
func (f *Fake) Now() time.Time { return f.t }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.t = f.t.Add(d) }

var seq uint64

// NewID returns a kind-prefixed, globally unique identifier, e.g.
// "run_018f3b2e...". Built on uuid v7 (time-ordered) so IDs sort
// roughly by creation order, matching the teacher's
// uuid.Must(uuid.NewV7()) usage in store/pg/sessions.go.
func NewID(kind string) string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid v7 only fails on an exhausted entropy source; fall back to
		// a monotonic counter rather than panicking.
		n := atomic.AddUint64(&seq, 1)
		return fmt.Sprintf("%s_%d_%d", kind, time.Now().UnixNano(), n)
	}
	return kind + "_" + id.String()
}
