package ics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "caltrigger/internal/log"
	"caltrigger/internal/model"
)

var errUnboundedRule = errors.New("recurrence rule has no UNTIL")

// Resolver expands calendar documents into concrete occurrences.
// The zero value is ready to use.
type Resolver struct {
	// Now is the reference instant for deciding whether a recurrence has
	// already elapsed. Nil means time.Now.
	Now func() time.Time

	// Floating is the zone for date-times without TZID or Z. Nil means UTC.
	Floating *time.Location
}

// Resolve returns every occurrence of doc that intersects
// [windowStart, windowEnd], ordered by start (ties keep document order).
//
//   - Single events are admitted unless they start after the window or
//     end before it.
//   - Recurring events must carry UNTIL; unbounded rules are skipped.
//   - A rule whose UNTIL date is before Now is skipped.
//   - EXDATE removes instances by exact timestamp.
//
// Defects in a single definition are logged and skipped.
func (r *Resolver) Resolve(doc *Document, windowStart, windowEnd time.Time) ([]model.Occurrence, error) {
	res, err := r.ResolveWindows(doc, Window{Start: windowStart, End: windowEnd})
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// Window is the closed interval [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// ResolveWindows resolves doc over several windows in one pass: each
// VEVENT is read and its RRULE compiled once, so a defect is logged once
// however many windows are asked for. The i-th result belongs to
// windows[i] and follows the same rules as Resolve.
func (r *Resolver) ResolveWindows(doc *Document, windows ...Window) ([][]model.Occurrence, error) {
	if doc == nil || doc.cal == nil {
		return nil, fmt.Errorf("%w: nil document", ErrMalformedDocument)
	}
	for _, w := range windows {
		if w.End.Before(w.Start) {
			return nil, errors.New("resolve: window end is before window start")
		}
	}

	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}

	out := make([][]model.Occurrence, len(windows))
	for i := range out {
		out[i] = make([]model.Occurrence, 0)
	}

	for _, def := range doc.Definitions(r.Floating) {
		if _, ok := def.RRule.Get(); !ok {
			start, end := def.Span()
			occ := makeOccurrence(def, start, end)
			for i, w := range windows {
				out[i] = appendInWindow(out[i], occ, w.Start, w.End)
			}
			continue
		}

		set, err := compileRecurrence(def, now)
		if err != nil {
			if errors.Is(err, ErrMalformedRecurrenceRule) {
				appLog.Error("resolve: skipping definition", err, "uid", def.UID, "summary", def.Summary)
			} else {
				appLog.Debug("resolve: skipping definition", "uid", def.UID, "summary", def.Summary, "reason", err.Error())
			}
			continue
		}
		for i, w := range windows {
			for _, occ := range instancesIn(def, set, w) {
				out[i] = appendInWindow(out[i], occ, w.Start, w.End)
			}
		}
	}

	for _, occs := range out {
		sort.SliceStable(occs, func(i, j int) bool {
			return occs[i].Start.Before(occs[j].Start)
		})
	}
	return out, nil
}

// compileRecurrence builds the RRULE + EXDATE set of a recurring
// definition, or reports why it must be skipped.
func compileRecurrence(def Definition, now time.Time) (*rrule.Set, error) {
	raw, _ := def.RRule.Get()

	// Rule part names and values are case-insensitive.
	opt, err := rrule.StrToROption(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedRecurrenceRule, raw, err)
	}
	if opt.Until.IsZero() {
		return nil, errUnboundedRule
	}
	// Only the UNTIL date counts; its time of day is discarded.
	if untilDay := utcMidnight(opt.Until.UTC()); untilDay.Before(now) {
		return nil, fmt.Errorf("recurrence elapsed at %s", untilDay.Format(icsDateLayout))
	}

	opt.Dtstart = def.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedRecurrenceRule, raw, err)
	}

	set := &rrule.Set{}
	set.RRule(rule)
	for _, ex := range def.ExDates {
		set.ExDate(ex)
	}
	return set, nil
}

// instancesIn enumerates the instances of set whose start lies in w. It
// never materializes instances outside the window.
func instancesIn(def Definition, set *rrule.Set, w Window) []model.Occurrence {
	start, end := def.Span()

	// Iterate in the definition's own zone so BYDAY/BYHOUR keep local meaning.
	loc := start.Location()
	times := set.Between(w.Start.In(loc), w.End.In(loc), true)

	dur := end.Sub(start)
	out := make([]model.Occurrence, 0, len(times))
	for _, t := range times {
		out = append(out, makeOccurrence(def, t, t.Add(dur)))
	}
	return out
}

// appendInWindow admits occ unless it starts after the window or ends
// before it.
func appendInWindow(out []model.Occurrence, occ model.Occurrence, windowStart, windowEnd time.Time) []model.Occurrence {
	if occ.Start.After(windowEnd) {
		return out
	}
	if !occ.End.IsZero() && occ.End.Before(windowStart) {
		return out
	}
	return append(out, occ)
}

func makeOccurrence(def Definition, start, end time.Time) model.Occurrence {
	return model.Occurrence{
		Summary:     def.Summary,
		Description: def.Description,
		Location:    def.Location,
		AllDay:      def.AllDay,
		Start:       start,
		End:         end,
	}
}
