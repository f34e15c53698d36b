package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caltrigger/internal/model"
	"caltrigger/internal/store/memory"
)

const lunchCalendar = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//caltrigger//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:lunch@example.com\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART:20240101T120000Z\r\n" +
	"DTEND:20240101T123000Z\r\n" +
	"SUMMARY:Lunch\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type staticSource struct {
	body  string
	err   error
	calls int
}

func (s *staticSource) Fetch(context.Context) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.body), nil
}

type published struct {
	topic, subject string
	payload        model.Payload
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic, subject string, payload model.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("sink unavailable")
	}
	p.sent = append(p.sent, published{topic, subject, payload})
	return nil
}

type brokenStore struct{ *memory.Store }

func (brokenStore) Exists(context.Context, string) (bool, error) {
	return false, errors.New("table missing")
}

func at(s string) func() time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

func newRunner(now string) (*Runner, *recordingPublisher, *memory.Store) {
	pub := &recordingPublisher{}
	st := memory.New()
	return &Runner{
		Source:     &staticSource{body: lunchCalendar},
		Store:      st,
		Publisher:  pub,
		StartTopic: "start-topic",
		StopTopic:  "stop-topic",
		Now:        at(now),
	}, pub, st
}

func TestRunOnce_PublishesStart(t *testing.T) {
	r, pub, st := newRunner("2024-01-01T11:40:00Z")

	rep, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Starting)
	assert.Equal(t, 1, rep.Started)
	assert.Equal(t, 0, rep.Stopping)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "start-topic", pub.sent[0].topic)
	assert.Equal(t, "Start Lunch", pub.sent[0].subject)
	assert.Equal(t, "Calendar-Trigger", pub.sent[0].payload.Source)

	ok, err := st.Exists(context.Background(), "Start-2024-01-01T12:00:00Z - 2024-01-01T12:30:00Z - Lunch - None")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunOnce_PublishesStop(t *testing.T) {
	r, pub, _ := newRunner("2024-01-01T13:05:00Z")

	rep, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stopped)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "stop-topic", pub.sent[0].topic)
	assert.Equal(t, "Stop Lunch", pub.sent[0].subject)
}

func TestRunOnce_DedupAcrossRuns(t *testing.T) {
	r, pub, _ := newRunner("2024-01-01T11:40:00Z")
	ctx := context.Background()

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)

	r.Now = at("2024-01-01T12:10:00Z")
	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, 0, rep.Started)
	require.Len(t, pub.sent, 1)

	// The stop direction has its own id, so it is published once as well.
	r.Now = at("2024-01-01T13:05:00Z")
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	r.Now = at("2024-01-01T13:10:00Z")
	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Duplicates)

	require.Len(t, pub.sent, 2)
	assert.Equal(t, "Stop Lunch", pub.sent[1].subject)
}

func TestRunOnce_PublishFailureNotRecorded(t *testing.T) {
	r, pub, st := newRunner("2024-01-01T11:40:00Z")
	pub.fail = true

	rep, err := r.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrPartialDelivery)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, st.Len())

	pub.fail = false
	rep, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Started)
	assert.Len(t, pub.sent, 1)
}

func TestRunOnce_FetchFailure(t *testing.T) {
	r, pub, _ := newRunner("2024-01-01T11:40:00Z")
	r.Source = &staticSource{err: errors.New("connection refused")}

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, pub.sent)
}

func TestRunOnce_MalformedDocument(t *testing.T) {
	r, pub, _ := newRunner("2024-01-01T11:40:00Z")
	r.Source = &staticSource{body: "<html>oops</html>"}

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, pub.sent)
}

func TestRunOnce_StoreLookupErrorStillPublishes(t *testing.T) {
	r, pub, _ := newRunner("2024-01-01T11:40:00Z")
	r.Store = brokenStore{memory.New()}

	rep, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Started)
	assert.Len(t, pub.sent, 1)
}

func TestRunOnce_StartBeforeStop(t *testing.T) {
	body := strings.Replace(lunchCalendar, "END:VCALENDAR\r\n",
		"BEGIN:VEVENT\r\n"+
			"UID:standup@example.com\r\n"+
			"DTSTAMP:20240101T000000Z\r\n"+
			"DTSTART:20240101T131000Z\r\n"+
			"DTEND:20240101T132000Z\r\n"+
			"SUMMARY:Standup\r\n"+
			"END:VEVENT\r\n"+
			"END:VCALENDAR\r\n", 1)

	r, pub, _ := newRunner("2024-01-01T13:05:00Z")
	r.Source = &staticSource{body: body}

	rep, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Started)
	assert.Equal(t, 1, rep.Stopped)

	require.Len(t, pub.sent, 2)
	assert.Equal(t, "Start Standup", pub.sent[0].subject)
	assert.Equal(t, "Stop Lunch", pub.sent[1].subject)
}
