package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebiner/sector-doctor/internal/logging"
	"github.com/zebiner/sector-doctor/internal/report"
	"github.com/zebiner/sector-doctor/internal/sector"
)

func sampleReport(id, device string, started time.Time, reason sector.TerminationReason) report.Report {
	return report.Report{
		SessionID:         id,
		DeviceID:          device,
		TerminationReason: reason,
		Cycles:            3,
		TotalAttempts:     4,
		StatusCounts:      map[string]int{"repaired": 1, "failed": 1},
		OutcomeCounts:     map[string]int{"success": 1, "timeout": 3},
		Unresolved:        []sector.Address{2048},
		Exhausted:         []sector.Address{2048},
		Reappeared:        []sector.Address{},
		Sectors: []report.SectorSummary{
			{Address: 1024, Kind: sector.KindRead, Status: sector.StatusRepaired, Attempts: 1, LastOutcome: "success"},
			{Address: 2048, Kind: sector.KindUncorrectable, Status: sector.StatusFailed, Attempts: 3, Exhausted: true, LastOutcome: "timeout"},
		},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Duration:   time.Minute,
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "history.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	want := sampleReport("a1", "/dev/sda", start, sector.ReasonMaxCyclesExceeded)
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, want.TerminationReason, got.TerminationReason)
	assert.Equal(t, want.Sectors, got.Sectors)
	assert.Equal(t, want.Exhausted, got.Exhausted)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
}

func TestGetUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirstAndFiltered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, sampleReport("a", "/dev/sda", base, sector.ReasonConverged)))
	require.NoError(t, s.Save(ctx, sampleReport("b", "/dev/sdb", base.Add(time.Hour), sector.ReasonAborted)))
	require.NoError(t, s.Save(ctx, sampleReport("c", "/dev/sda", base.Add(2*time.Hour), sector.ReasonToolUnavailable)))

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].SessionID, all[1].SessionID, all[2].SessionID})
	assert.Equal(t, sector.ReasonToolUnavailable, all[0].TerminationReason)
	assert.Equal(t, 1, all[0].Unresolved)

	sda, err := s.List(ctx, "/dev/sda", 1)
	require.NoError(t, err)
	require.Len(t, sda, 1)
	assert.Equal(t, "c", sda[0].SessionID)
}

func TestSaveReplacesSameSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	require.NoError(t, s.Save(ctx, sampleReport("x", "/dev/sdc", start, sector.ReasonAborted)))
	require.NoError(t, s.Save(ctx, sampleReport("x", "/dev/sdc", start, sector.ReasonConverged)))

	entries, err := s.List(ctx, "/dev/sdc", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sector.ReasonConverged, entries[0].TerminationReason)
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:", logging.Discard())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), sampleReport("m", "/dev/sdd", time.Now(), sector.ReasonConverged)))
	entries, err := s.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
