// Package transition decides which occurrences are starting or stopping
// around a reference instant.
package transition

import (
	"fmt"
	"time"

	"caltrigger/internal/ics"
	"caltrigger/internal/model"
)

// Window offsets relative to "now". The past window reaches 15 minutes
// further back than the current one; that overlap is what lets a finished
// occurrence be reported as stopping. Changing these values shifts every
// transition boundary.
const (
	DefaultCurrentLookback = 30 * time.Minute
	DefaultPastLookback    = 45 * time.Minute
	DefaultLookahead       = 30 * time.Minute
)

// Windows holds the offsets used to build the current and past windows.
type Windows struct {
	CurrentLookback time.Duration
	PastLookback    time.Duration
	Lookahead       time.Duration
}

// DefaultWindows is [now-30m, now+30m] for current and [now-45m, now+30m]
// for past.
var DefaultWindows = Windows{
	CurrentLookback: DefaultCurrentLookback,
	PastLookback:    DefaultPastLookback,
	Lookahead:       DefaultLookahead,
}

// Current returns the current window around now.
func (w Windows) Current(now time.Time) (time.Time, time.Time) {
	return now.Add(-w.CurrentLookback), now.Add(w.Lookahead)
}

// Past returns the wider trailing window around now.
func (w Windows) Past(now time.Time) (time.Time, time.Time) {
	return now.Add(-w.PastLookback), now.Add(w.Lookahead)
}

// Result is the outcome of one detection.
type Result struct {
	Now      time.Time
	Starting []model.Occurrence
	Stopping []model.Occurrence
}

// Detector computes transitions. The zero value uses DefaultWindows.
type Detector struct {
	Windows  Windows
	Floating *time.Location
}

// Detect runs the default detector.
func Detect(doc *ics.Document, now time.Time) (Result, error) {
	var d Detector
	return d.Detect(doc, now)
}

// Detect resolves doc over the current and past windows.
//
// Starting is everything in the current window. Stopping is everything in
// the past window whose key is absent from Starting; occurrences sharing a
// key are kept or dropped together. Detect has no side effects.
func (d Detector) Detect(doc *ics.Document, now time.Time) (Result, error) {
	w := d.Windows
	if w == (Windows{}) {
		w = DefaultWindows
	}

	r := &ics.Resolver{
		Now:      func() time.Time { return now },
		Floating: d.Floating,
	}

	curStart, curEnd := w.Current(now)
	pastStart, pastEnd := w.Past(now)
	windows, err := r.ResolveWindows(doc,
		ics.Window{Start: curStart, End: curEnd},
		ics.Window{Start: pastStart, End: pastEnd},
	)
	if err != nil {
		return Result{}, fmt.Errorf("resolve windows: %w", err)
	}
	starting, past := windows[0], windows[1]

	return Result{
		Now:      now,
		Starting: starting,
		Stopping: subtractByKey(past, starting),
	}, nil
}

func subtractByKey(from, remove []model.Occurrence) []model.Occurrence {
	seen := make(map[string]struct{}, len(remove))
	for _, o := range remove {
		seen[o.Key()] = struct{}{}
	}

	out := make([]model.Occurrence, 0)
	for _, o := range from {
		if _, ok := seen[o.Key()]; ok {
			continue
		}
		out = append(out, o)
	}
	return out
}
