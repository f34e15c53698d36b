package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/samber/mo"

	appLog "caltrigger/internal/log"
	"caltrigger/internal/model"
)

var (
	// ErrMalformedDocument means the whole payload could not be read as a
	// calendar. Resolution fails with no partial results.
	ErrMalformedDocument = errors.New("malformed calendar document")
	// ErrMalformedRecurrenceRule marks a single definition whose RRULE could
	// not be parsed. The definition is skipped; resolution continues.
	ErrMalformedRecurrenceRule = errors.New("malformed recurrence rule")

	errMissingStart = errors.New("missing DTSTART")
)

const (
	icsDateLayout     = "20060102"
	icsDateTimeLayout = "20060102T150405"
	icsUTCLayout      = "20060102T150405Z"
)

// Document is a parsed calendar payload. It is immutable once parsed.
type Document struct {
	cal *ical.Calendar
}

// Definition is one VEVENT before recurrence expansion.
//
//   - Start is already normalized: all-day starts sit at midnight UTC.
//   - End is absent when the VEVENT has no DTEND; use Span for the
//     effective end.
//   - ExDates holds every EXDATE instant, zero or more.
type Definition struct {
	UID string

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    mo.Option[time.Time]
	AllDay bool

	RRule   mo.Option[string]
	ExDates []time.Time
}

// ParseDocument parses an ICS payload. Any failure wraps ErrMalformedDocument.
func ParseDocument(body []byte) (*Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedDocument)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if cal == nil {
		return nil, fmt.Errorf("%w: no calendar", ErrMalformedDocument)
	}
	return &Document{cal: cal}, nil
}

// Definitions converts every VEVENT into a Definition. VEVENTs with an
// unusable DTSTART are logged and skipped. Floating times (no TZID, no Z)
// are read in floating; nil means UTC.
func (d *Document) Definitions(floating *time.Location) []Definition {
	if floating == nil {
		floating = time.UTC
	}

	events := d.cal.Events()
	defs := make([]Definition, 0, len(events))
	for _, ve := range events {
		def, err := parseVEvent(ve, floating)
		if err != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", err, "uid", def.UID)
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// Span returns the effective start and end of the definition:
// a missing end becomes start + 1 minute.
func (def Definition) Span() (time.Time, time.Time) {
	end, ok := def.End.Get()
	if !ok {
		return def.Start, def.Start.Add(time.Minute)
	}
	return def.Start, end
}

func parseVEvent(ve *ical.VEvent, floating *time.Location) (Definition, error) {
	var out Definition

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}

	out.Summary = textProp(ve, ical.ComponentPropertySummary)
	out.Description = textProp(ve, ical.ComponentPropertyDescription)
	out.Location = textProp(ve, ical.ComponentPropertyLocation)

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errMissingStart
	}
	start, dateOnly, err := parsePropTime(dtStart.Value, dtStart.ICalParameters, floating)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = dateOnly

	out.End = mo.None[time.Time]()
	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		end, _, err := parsePropTime(dtEnd.Value, dtEnd.ICalParameters, floating)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		if out.AllDay {
			end = utcMidnight(end)
		}
		out.End = mo.Some(end)
	}

	out.RRule = mo.None[string]()
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && strings.TrimSpace(p.Value) != "" {
		out.RRule = mo.Some(strings.TrimSpace(p.Value))
	}

	out.ExDates = exceptionDates(ve, floating, out.UID)

	return out, nil
}

// textProp returns the property value, or NoneText when the property is
// absent. A present-but-empty value stays empty.
func textProp(ve *ical.VEvent, name ical.ComponentProperty) string {
	p := ve.GetProperty(name)
	if p == nil {
		return model.NoneText
	}
	return p.Value
}

// exceptionDates collects EXDATE values into a flat slice. EXDATE may
// repeat and each occurrence may carry a comma-separated list. Entries that
// do not parse are ignored: one bad exception must not drop the event.
func exceptionDates(ve *ical.VEvent, floating *time.Location, uid string) []time.Time {
	out := make([]time.Time, 0)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := parsePropTime(part, p.ICalParameters, floating)
			if err != nil {
				appLog.Debug("ics exdate ignored", "uid", uid, "value", part, "reason", err.Error())
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// parsePropTime parses a DATE or DATE-TIME property value.
//
//   - VALUE=DATE or an 8-digit value is a date: midnight UTC, dateOnly=true.
//   - A trailing Z is UTC.
//   - TZID selects the zone; an unknown TZID falls back to floating.
//   - Anything else is floating time.
func parsePropTime(v string, params map[string][]string, floating *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if paramEquals(params, "VALUE", "DATE") || !strings.Contains(v, "T") {
		t, err := time.Parse(icsDateLayout, v)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(icsUTCLayout, v)
		return t, false, err
	}

	loc := floating
	if tzid := paramValue(params, "TZID"); tzid != "" {
		l, err := time.LoadLocation(tzid)
		if err != nil {
			appLog.Debug("ics unknown TZID; using floating location", "tzid", tzid, "floating", floating.String())
		} else {
			loc = l
		}
	}
	t, err := time.ParseInLocation(icsDateTimeLayout, v, loc)
	return t, false, err
}

func paramValue(params map[string][]string, key string) string {
	if params == nil {
		return ""
	}
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return strings.Trim(vs[0], `"`)
	}
	return ""
}

func paramEquals(params map[string][]string, key, want string) bool {
	return strings.EqualFold(paramValue(params, key), want)
}

// utcMidnight anchors t's calendar date at 00:00 UTC.
func utcMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
