package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/message"
)

// fakeClock advances by one millisecond per call so ordering is deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(time.Millisecond)

	return c.now
}

func newTestMonitor(optFns ...func(o *Options)) *Monitor {
	clk := newFakeClock()

	return New(append([]func(o *Options){func(o *Options) { o.Clock = clk.Now }}, optFns...)...)
}

func TestStartTraceAndRecord(t *testing.T) {
	m := newTestMonitor()

	m.StartTrace("m1", "coordinator", "echo", message.KindRequest)
	m.RecordEvent("m1", StatusSent, "queued", nil, nil)
	m.RecordEvent("m1", StatusCompleted, "", nil, map[string]any{"k": "v"})

	tr, ok := m.GetTrace("m1")
	require.True(t, ok)

	assert.Equal(t, "coordinator", tr.Sender)
	require.Len(t, tr.Events, 2)
	assert.Equal(t, StatusCompleted, tr.CurrentStatus())
	assert.Equal(t, "v", tr.Events[1].Metadata["k"])
	assert.Equal(t, 2*time.Millisecond, tr.Duration())
}

func TestRecordEvent_CreatesPlaceholder(t *testing.T) {
	m := newTestMonitor()

	m.RecordEvent("ghost", StatusFailed, "", errors.New("boom"), nil)

	tr, ok := m.GetTrace("ghost")
	require.True(t, ok)
	assert.Equal(t, Unknown, tr.Sender)
	assert.Equal(t, Unknown, tr.Recipient)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, "boom", tr.Events[0].Error)

	m.EnsureTrace("ghost", "a", "b", message.KindRequest)

	tr, _ = m.GetTrace("ghost")
	assert.Equal(t, "a", tr.Sender)
	assert.Equal(t, "b", tr.Recipient)
	assert.Equal(t, message.KindRequest, tr.Kind)
	assert.Len(t, tr.Events, 1, "EnsureTrace must keep recorded events")
}

func TestStartTrace_Overwrites(t *testing.T) {
	m := newTestMonitor()

	m.StartTrace("m1", "a", "b", message.KindRequest)
	m.RecordEvent("m1", StatusSent, "", nil, nil)
	m.StartTrace("m1", "c", "d", message.KindNotification)

	tr, _ := m.GetTrace("m1")
	assert.Equal(t, "c", tr.Sender)
	assert.Empty(t, tr.Events)
	assert.Equal(t, StatusCreated, tr.CurrentStatus())
}

func TestGetTrace_ReturnsCopy(t *testing.T) {
	m := newTestMonitor()
	m.RecordEvent("m1", StatusSent, "", nil, nil)

	tr, _ := m.GetTrace("m1")
	tr.Events[0].Status = StatusFailed

	again, _ := m.GetTrace("m1")
	assert.Equal(t, StatusSent, again.Events[0].Status)

	_, ok := m.GetTrace("missing")
	assert.False(t, ok)
}

func TestRecentFailuresAndSummary(t *testing.T) {
	m := newTestMonitor()

	statuses := []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusNoHandler, StatusExpired, StatusFailed, StatusFailed, StatusSent}
	for i, s := range statuses {
		id := fmt.Sprintf("m%d", i)
		m.StartTrace(id, "a", "b", message.KindRequest)
		m.RecordEvent(id, s, "", nil, nil)
	}

	failures := m.RecentFailures(3)
	require.Len(t, failures, 3)
	assert.Equal(t, "m6", failures[0].MessageID, "newest first")
	assert.Equal(t, "m5", failures[1].MessageID)
	assert.Equal(t, "m4", failures[2].MessageID)

	assert.Len(t, m.RecentFailures(0), 6)

	s := m.Summary()
	assert.Equal(t, 8, s.Total)
	assert.Equal(t, 3, s.ByStatus[StatusFailed])
	assert.Equal(t, 1, s.ByStatus[StatusCompleted])
	assert.Equal(t, 1, s.ByStatus[StatusSent])
	assert.Len(t, s.RecentFailures, SummaryFailureLimit)

	m.Clear()
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.RecentFailures(10))
}

func TestSinks(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Status
	)

	m := newTestMonitor(func(o *Options) {
		o.Sinks = []Sink{SinkFunc(func(tr Trace, ev Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, ev.Status)
			return nil
		})}
	})
	m.AddSink(SinkFunc(func(Trace, Event) error { return errors.New("sink down") }))

	m.RecordEvent("m1", StatusSent, "", nil, nil)
	m.RecordEvent("m1", StatusCompleted, "", nil, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusSent, StatusCompleted}, seen)

	tr, _ := m.GetTrace("m1")
	assert.Len(t, tr.Events, 2, "failing sink must not drop events")
}

func TestConcurrentRecording(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordEvent("shared", StatusProcessing, "", nil, nil)
		}()
	}
	wg.Wait()

	tr, ok := m.GetTrace("shared")
	require.True(t, ok)
	assert.Len(t, tr.Events, 50)
}

func TestSaveAndLoadTrace(t *testing.T) {
	dir := t.TempDir()
	m := newTestMonitor(func(o *Options) { o.ArchiveDir = dir })

	m.StartTrace("0123456789abcdef", "a", "b", message.KindRequest)
	m.RecordEvent("0123456789abcdef", StatusSent, "queued", nil, nil)
	m.RecordEvent("0123456789abcdef", StatusTimeout, "", errors.New("no response"), nil)

	path, err := m.SaveTrace("0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, `^\d{8}_\d{6}_01234567\.json$`, filepath.Base(path))

	loaded, err := LoadTrace(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", loaded.MessageID)
	require.Len(t, loaded.Events, 2)
	assert.Equal(t, StatusTimeout, loaded.CurrentStatus())
	assert.Equal(t, "no response", loaded.Events[1].Error)

	_, err = m.SaveTrace("missing")
	assert.ErrorIs(t, err, ErrTraceNotFound)

	_, err = New().SaveTrace("0123456789abcdef")
	assert.ErrorIs(t, err, ErrNoArchiveDir)
}

func TestAutoArchive(t *testing.T) {
	dir := t.TempDir()
	m := newTestMonitor(func(o *Options) {
		o.ArchiveDir = dir
		o.AutoArchive = true
	})

	m.RecordEvent("m1", StatusSent, "", nil, nil)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	m.RecordEvent("m1", StatusCompleted, "", nil, nil)

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusExpired.IsFailure())
	assert.True(t, StatusNoHandler.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.False(t, StatusCompleted.IsFailure())
	assert.False(t, StatusProcessing.IsTerminal())
}
