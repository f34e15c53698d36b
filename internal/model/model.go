package model

import (
	"fmt"
	"time"
)

// NoneText is what an absent SUMMARY, DESCRIPTION or LOCATION reads as.
// Downstream consumers match on it, so it is part of the data model rather
// than a display default.
const NoneText = "None"

// SourceTag identifies this system in every notification payload.
const SourceTag = "Calendar-Trigger"

// Direction tags a transition and prefixes its idempotency id.
type Direction string

const (
	DirectionStart Direction = "Start"
	DirectionStop  Direction = "Stop"
)

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and all-day normalization).
type Occurrence struct {
	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End keep the zone of the source definition; all-day
	// occurrences are anchored at midnight UTC.
	Start time.Time
	End   time.Time
}

// Key is the identity of an occurrence across invocations. Location is
// deliberately not part of it.
func (o Occurrence) Key() string {
	return fmt.Sprintf("%s - %s - %s - %s",
		o.Start.Format(time.RFC3339Nano),
		o.End.Format(time.RFC3339Nano),
		o.Summary,
		o.Description,
	)
}

// RecordID is the idempotency-store id for this occurrence in direction d.
func (o Occurrence) RecordID(d Direction) string {
	return string(d) + "-" + o.Key()
}

// Payload is the structured notification body for this occurrence.
func (o Occurrence) Payload() Payload {
	return Payload{
		Start:       o.Start.Format(time.RFC3339),
		End:         o.End.Format(time.RFC3339),
		AllDay:      o.AllDay,
		Summary:     o.Summary,
		Description: o.Description,
		Location:    o.Location,
		Source:      SourceTag,
	}
}

// Payload is the JSON shape published to notification sinks. Field names
// are shared with existing subscribers and must not change.
type Payload struct {
	Start       string `json:"startdt"`
	End         string `json:"enddt"`
	AllDay      bool   `json:"allday"`
	Summary     string `json:"summary"`
	Description string `json:"desc"`
	Location    string `json:"loc"`
	Source      string `json:"Source"`
}
