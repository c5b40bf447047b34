// Package window buckets timestamps into fixed-size aggregation windows
// aligned to an anchor instant.
package window

import (
	"fmt"
	"time"

	"kpiengine/models"
)

// Windower maps instants onto fixed-size windows. Windows are
// [Anchor + n*Size, Anchor + (n+1)*Size) for integer n, in UTC.
type Windower struct {
	Size   time.Duration
	Anchor time.Time
}

// New returns a Windower, rejecting non-positive sizes. A zero anchor means
// the Unix epoch.
func New(size time.Duration, anchor time.Time) (Windower, error) {
	if size <= 0 {
		return Windower{}, fmt.Errorf("window size must be positive, got %s", size)
	}
	if anchor.IsZero() {
		anchor = time.Unix(0, 0)
	}
	return Windower{Size: size, Anchor: anchor.UTC()}, nil
}

// Bounds returns the window containing t.
func (w Windower) Bounds(t time.Time) (start, end time.Time) {
	offset := t.UTC().Sub(w.Anchor)
	n := offset / w.Size
	if offset < 0 && offset%w.Size != 0 {
		n--
	}
	start = w.Anchor.Add(n * w.Size)
	return start, start.Add(w.Size)
}

// Period returns the window containing t as a Period.
func (w Windower) Period(t time.Time) models.Period {
	start, end := w.Bounds(t)
	return models.Period{Start: start, End: end}
}

// Key returns the snapshot key of subject's window containing t.
func (w Windower) Key(scope models.Scope, subjectID string, t time.Time) models.SnapshotKey {
	start, end := w.Bounds(t)
	return models.SnapshotKey{Scope: scope, SubjectID: subjectID, PeriodStart: start, PeriodEnd: end}
}

// Aligned reports whether p starts and ends on window boundaries.
func (w Windower) Aligned(p models.Period) bool {
	start, _ := w.Bounds(p.Start)
	_, end := w.Bounds(p.End.Add(-time.Nanosecond))
	return start.Equal(p.Start.UTC()) && end.Equal(p.End.UTC())
}
