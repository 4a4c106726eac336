package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"threathawk/core"
)

func testDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func storedEvent(entity string, seq uint64, combined float64, ts time.Time) (*core.NormalizedEvent, *core.ThreatScore) {
	ev := core.NewNormalizedEvent(core.SourceProcess, entity, ts)
	ev.Sequence = seq
	ev.ProcessName = "nginx"
	ev.PID = 42
	ev.CPUPercent = 12.5

	score := &core.ThreatScore{
		EventID:       ev.EventID,
		Entity:        entity,
		Sequence:      seq,
		Timestamp:     ts,
		RuleScore:     combined,
		CombinedScore: combined,
	}
	return ev, score
}

func TestEventStoreRoundTrip(t *testing.T) {
	store := NewSQLiteEventStore(testDB(t))
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	ev, score := storedEvent("host-1", 1, 0.9, ts)
	anomaly := 0.7
	score.AnomalyScore = &anomaly
	score.MatchedRules = []string{"process_blocklist"}
	require.NoError(t, store.InsertEvent(ctx, ev, score))

	records, err := store.ListEvents(ctx, EventFilter{Entity: "host-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, ev.EventID, got.Event.EventID)
	assert.Equal(t, core.SourceProcess, got.Event.Source)
	assert.Equal(t, uint64(1), got.Event.Sequence)
	assert.Equal(t, "nginx", got.Event.ProcessName)
	assert.Equal(t, ts.UnixNano(), got.Event.Timestamp.UnixNano())
	assert.Equal(t, 0.9, got.Score.CombinedScore)
	require.NotNil(t, got.Score.AnomalyScore)
	assert.Equal(t, 0.7, *got.Score.AnomalyScore)
	assert.Equal(t, []string{"process_blocklist"}, got.Score.MatchedRules)
}

func TestEventStoreIdempotentInsert(t *testing.T) {
	store := NewSQLiteEventStore(testDB(t))
	ctx := context.Background()
	ts := time.Now().UTC()

	ev, score := storedEvent("host-1", 7, 0.3, ts)
	require.NoError(t, store.InsertEvent(ctx, ev, score))

	// Replaying the same (entity, sequence) is a no-op, even with a new
	// event ID.
	dup, dupScore := storedEvent("host-1", 7, 0.3, ts)
	require.NoError(t, store.InsertEvent(ctx, dup, dupScore))

	records, err := store.ListEvents(ctx, EventFilter{Entity: "host-1"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, ev.EventID, records[0].Event.EventID, "first write wins")
}

func TestEventStoreNilAnomalyPreserved(t *testing.T) {
	store := NewSQLiteEventStore(testDB(t))
	ctx := context.Background()

	ev, score := storedEvent("host-1", 1, 0.2, time.Now().UTC())
	require.NoError(t, store.InsertEvent(ctx, ev, score))

	records, err := store.ListEvents(ctx, EventFilter{Entity: "host-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Score.AnomalyScore, "absent anomaly score must stay absent")
}

func TestEventStoreFilters(t *testing.T) {
	store := NewSQLiteEventStore(testDB(t))
	ctx := context.Background()
	base := time.Now().UTC()

	for i := uint64(1); i <= 5; i++ {
		ev, score := storedEvent("host-1", i, float64(i)*0.2, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.InsertEvent(ctx, ev, score))
	}
	ev, score := storedEvent("host-2", 1, 0.1, base)
	require.NoError(t, store.InsertEvent(ctx, ev, score))

	records, err := store.ListEvents(ctx, EventFilter{Entity: "host-1", MinScore: 0.6})
	require.NoError(t, err)
	assert.Len(t, records, 3) // scores 0.6, 0.8, 1.0

	records, err = store.ListEvents(ctx, EventFilter{Since: base.Add(4 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = store.ListEvents(ctx, EventFilter{Entity: "host-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Newest first.
	assert.Equal(t, uint64(5), records[0].Event.Sequence)
	assert.Equal(t, uint64(4), records[1].Event.Sequence)
}

func TestEventStoreBaseline(t *testing.T) {
	store := NewSQLiteEventStore(testDB(t))
	ctx := context.Background()
	base := time.Now().UTC()

	// host-b inserted before host-a to verify ordering is by entity/sequence,
	// not insertion.
	for i := uint64(1); i <= 3; i++ {
		ev, score := storedEvent("host-b", i, 0.1, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.InsertEvent(ctx, ev, score))
	}
	for i := uint64(1); i <= 3; i++ {
		ev, score := storedEvent("host-a", i, 0.2, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.InsertEvent(ctx, ev, score))
	}
	hot, hotScore := storedEvent("host-a", 4, 0.9, base.Add(time.Minute))
	require.NoError(t, store.InsertEvent(ctx, hot, hotScore))

	events, err := store.BaselineEvents(ctx, 0.5, 100)
	require.NoError(t, err)
	require.Len(t, events, 6, "high-scoring event must be excluded from baseline")

	assert.Equal(t, "host-a", events[0].Entity)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(3), events[2].Sequence)
	assert.Equal(t, "host-b", events[3].Entity)
}

func TestAlertStoreLifecycle(t *testing.T) {
	store := NewSQLiteAlertStore(testDB(t))
	ctx := context.Background()

	score := &core.ThreatScore{
		EventID: "evt-1", Entity: "host-1", Sequence: 1,
		Timestamp: time.Now().UTC(), RuleScore: 0.8, CombinedScore: 0.8,
	}
	alert := core.NewAlert(score)
	require.NoError(t, store.InsertAlert(ctx, alert))

	got, err := store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusNew, got.Status)
	assert.Equal(t, core.SeverityCritical, got.Severity)
	assert.Equal(t, []string{"evt-1"}, got.EventIDs)

	require.NoError(t, got.TransitionTo(core.AlertStatusAcknowledged))
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.UpdateAlert(ctx, got))

	open, err := store.ListOpenAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.AlertStatusAcknowledged, open[0].Status)

	require.NoError(t, got.TransitionTo(core.AlertStatusResolved))
	require.NoError(t, store.UpdateAlert(ctx, got))

	open, err = store.ListOpenAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAlertStoreNotFound(t *testing.T) {
	store := NewSQLiteAlertStore(testDB(t))
	ctx := context.Background()

	_, err := store.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrAlertNotFound)

	phantom := core.NewAlert(&core.ThreatScore{
		EventID: "evt-x", Entity: "host-x", Timestamp: time.Now().UTC(), CombinedScore: 0.8,
	})
	err = store.UpdateAlert(ctx, phantom)
	assert.ErrorIs(t, err, core.ErrAlertNotFound)
}

func TestAlertStoreFilters(t *testing.T) {
	store := NewSQLiteAlertStore(testDB(t))
	ctx := context.Background()
	base := time.Now().UTC()

	mk := func(entity string, combined float64, status core.AlertStatus, seen time.Time) {
		alert := core.NewAlert(&core.ThreatScore{
			EventID: "evt-" + entity, Entity: entity, Timestamp: seen, CombinedScore: combined,
		})
		alert.Status = status
		require.NoError(t, store.InsertAlert(ctx, alert))
	}
	mk("host-1", 0.9, core.AlertStatusNew, base)
	mk("host-2", 0.55, core.AlertStatusAcknowledged, base.Add(time.Minute))
	mk("host-3", 0.8, core.AlertStatusResolved, base.Add(2*time.Minute))

	alerts, err := store.ListAlerts(ctx, AlertFilter{Status: "new"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "host-1", alerts[0].Entity)

	alerts, err = store.ListAlerts(ctx, AlertFilter{Severity: core.SeverityCritical})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	alerts, err = store.ListAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	// Most recently active first.
	assert.Equal(t, "host-3", alerts[0].Entity)
}

func TestModelStoreLatestWins(t *testing.T) {
	store := NewSQLiteModelStore(testDB(t))
	ctx := context.Background()

	_, _, err := store.LoadLatestSnapshot(ctx)
	assert.Error(t, err, "empty store must not fabricate a snapshot")

	require.NoError(t, store.SaveSnapshot(ctx, 1, []byte("v1")))
	require.NoError(t, store.SaveSnapshot(ctx, 2, []byte("v2")))

	version, blob, err := store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, []byte("v2"), blob)

	// A retried save of an existing version converges.
	require.NoError(t, store.SaveSnapshot(ctx, 2, []byte("v2-retry")))
	_, blob, err = store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2-retry"), blob)
}
