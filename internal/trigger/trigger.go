// Package trigger runs one fetch, detect and dispatch cycle.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"caltrigger/internal/ics"
	appLog "caltrigger/internal/log"
	"caltrigger/internal/model"
	"caltrigger/internal/notify"
	"caltrigger/internal/store"
	"caltrigger/internal/transition"
)

// ErrPartialDelivery is returned when at least one publish failed. The
// failed transitions are not recorded, so the next cycle retries them.
var ErrPartialDelivery = errors.New("some notifications were not delivered")

// DocumentSource yields the raw calendar document.
type DocumentSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Runner wires the collaborators of a cycle. Cycles on the same Runner
// never overlap.
type Runner struct {
	Source     DocumentSource
	Store      store.Store
	Publisher  notify.Publisher
	StartTopic string
	StopTopic  string
	Detector   transition.Detector
	// Now defaults to time.Now.
	Now func() time.Time

	mu sync.Mutex
}

// Report summarizes one cycle.
type Report struct {
	Now        time.Time `json:"now"`
	Starting   int       `json:"starting"`
	Stopping   int       `json:"stopping"`
	Started    int       `json:"started"`
	Stopped    int       `json:"stopped"`
	Duplicates int       `json:"duplicates"`
	Failed     int       `json:"failed"`
}

// RunOnce fetches the calendar, detects transitions and publishes the ones
// not seen before. Starting occurrences are dispatched before stopping ones.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	rep := Report{Now: now}

	body, err := r.Source.Fetch(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch calendar: %w", err)
	}
	doc, err := ics.ParseDocument(body)
	if err != nil {
		return rep, err
	}
	res, err := r.Detector.Detect(doc, now)
	if err != nil {
		return rep, err
	}
	rep.Starting = len(res.Starting)
	rep.Stopping = len(res.Stopping)

	for _, occ := range res.Starting {
		if r.dispatch(ctx, model.DirectionStart, r.StartTopic, occ, &rep) {
			rep.Started++
		}
	}
	for _, occ := range res.Stopping {
		if r.dispatch(ctx, model.DirectionStop, r.StopTopic, occ, &rep) {
			rep.Stopped++
		}
	}

	appLog.Info("cycle complete",
		"now", now.Format(time.RFC3339),
		"starting", rep.Starting,
		"stopping", rep.Stopping,
		"started", rep.Started,
		"stopped", rep.Stopped,
		"duplicates", rep.Duplicates,
		"failed", rep.Failed,
	)

	if rep.Failed > 0 {
		return rep, fmt.Errorf("%w: %d failed", ErrPartialDelivery, rep.Failed)
	}
	return rep, nil
}

// dispatch publishes occ once per direction and reports whether it was sent.
func (r *Runner) dispatch(ctx context.Context, d model.Direction, topic string, occ model.Occurrence, rep *Report) bool {
	id := occ.RecordID(d)

	seen, err := r.Store.Exists(ctx, id)
	if err != nil {
		// Treated as unseen.
		appLog.Error("store lookup failed", err, "id", id)
	}
	if seen {
		appLog.Debug("transition already published", "id", id)
		rep.Duplicates++
		return false
	}

	subject := notify.Subject(d, occ.Summary)
	if err := r.Publisher.Publish(ctx, topic, subject, occ.Payload()); err != nil {
		appLog.Error("publish failed", err, "topic", topic, "subject", subject)
		rep.Failed++
		return false
	}
	appLog.Info("transition published", "direction", string(d), "subject", subject, "start", occ.Start.Format(time.RFC3339))

	if err := r.Store.Record(ctx, id); err != nil {
		appLog.Error("record transition failed", err, "id", id)
	}
	return true
}
