package report

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zebiner/sector-doctor/internal/sector"
)

// buildSession plays a small two-cycle session by hand.
func buildSession(t *testing.T, reason sector.TerminationReason, cause error) *sector.Session {
	t.Helper()
	s := sector.NewSession("/dev/sdb")

	set := func(addr sector.Address, fn func(*sector.SectorError)) {
		require.NoError(t, s.Update(addr, true, fn))
	}
	record := func(addr sector.Address, cycle int, o sector.Outcome) {
		require.NoError(t, s.Record(sector.RepairAttempt{SectorAddress: addr, CycleIndex: cycle, Outcome: o}))
	}

	_, err := s.AdvanceCycle()
	require.NoError(t, err)
	record(10, 1, sector.OutcomeSuccess)
	record(20, 1, sector.OutcomeTimeout)
	record(30, 1, sector.OutcomeNotApplicable)

	_, err = s.AdvanceCycle()
	require.NoError(t, err)
	record(20, 2, sector.OutcomeTimeout)
	record(10, 2, sector.OutcomeSuccess)

	set(10, func(sec *sector.SectorError) {
		sec.Kind, sec.Status, sec.AttemptCount, sec.Reappearances = sector.KindRead, sector.StatusRepaired, 2, 1
		sec.FirstSeenAt, sec.LastSeenAt = 1, 2
	})
	set(20, func(sec *sector.SectorError) {
		sec.Kind, sec.Status, sec.AttemptCount, sec.Exhausted = sector.KindUncorrectable, sector.StatusFailed, 2, true
		sec.FirstSeenAt, sec.LastSeenAt = 1, 2
	})
	set(30, func(sec *sector.SectorError) {
		sec.Kind, sec.Status, sec.AttemptCount = sector.KindOther, sector.StatusFailed, 1
		sec.FirstSeenAt, sec.LastSeenAt = 1, 1
	})
	set(40, func(sec *sector.SectorError) {
		sec.Status = sector.StatusPending
		sec.FirstSeenAt, sec.LastSeenAt = 2, 2
	})

	require.NoError(t, s.RecordCounts(sector.AttributeCounts{Pending: 3, Uncorrectable: 1}))
	require.NoError(t, s.RecordCounts(sector.AttributeCounts{Pending: 1, Uncorrectable: 0}))

	require.NoError(t, s.Terminate(reason, cause))
	return s
}

func TestBuild(t *testing.T) {
	s := buildSession(t, sector.ReasonMaxCyclesExceeded, nil)
	r := Build(s)

	assert.Equal(t, s.ID(), r.SessionID)
	assert.Equal(t, "/dev/sdb", r.DeviceID)
	assert.Equal(t, sector.ReasonMaxCyclesExceeded, r.TerminationReason)
	assert.Empty(t, r.TerminationError)
	assert.Equal(t, 2, r.Cycles)
	assert.Equal(t, 5, r.TotalAttempts)

	assert.Equal(t, map[string]int{"repaired": 1, "failed": 2, "pending": 1}, r.StatusCounts)
	assert.Equal(t, map[string]int{"success": 2, "timeout": 2, "not_applicable": 1}, r.OutcomeCounts)

	assert.Equal(t, []sector.Address{20, 30, 40}, r.Unresolved)
	assert.Equal(t, []sector.Address{20}, r.Exhausted)
	assert.Equal(t, []sector.Address{10}, r.Reappeared)

	require.Len(t, r.Sectors, 4)
	assert.Equal(t, "success", r.Sectors[0].LastOutcome)
	assert.Equal(t, "timeout", r.Sectors[1].LastOutcome)
	assert.Empty(t, r.Sectors[3].LastOutcome)
	assert.False(t, r.Succeeded())
	assert.GreaterOrEqual(t, int64(r.Duration), int64(0))
}

func TestBuildIsDeterministic(t *testing.T) {
	s := buildSession(t, sector.ReasonToolUnavailable, errors.New("hdparm unavailable"))
	assert.Equal(t, Build(s), Build(s))
	assert.Equal(t, "hdparm unavailable", Build(s).TerminationError)
}

func TestBuildEmptySession(t *testing.T) {
	s := sector.NewSession("/dev/sdc")
	_, err := s.AdvanceCycle()
	require.NoError(t, err)
	require.NoError(t, s.Terminate(sector.ReasonConverged, nil))

	r := Build(s)
	assert.True(t, r.Succeeded())
	assert.Empty(t, r.Unresolved)
	assert.NotNil(t, r.Unresolved)
	assert.Zero(t, r.TotalAttempts)
	assert.Equal(t, sector.UnknownCounts, r.InitialCounts)
	assert.Equal(t, sector.UnknownCounts, r.FinalCounts)
}

func TestBuildAttributeCounts(t *testing.T) {
	r := Build(buildSession(t, sector.ReasonConverged, nil))
	assert.Equal(t, sector.AttributeCounts{Pending: 3, Uncorrectable: 1}, r.InitialCounts)
	assert.Equal(t, sector.AttributeCounts{Pending: 1, Uncorrectable: 0}, r.FinalCounts)

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"final_counts":{"pending":1,"uncorrectable":0}`)
}

func TestReportSerializesByName(t *testing.T) {
	r := Build(buildSession(t, sector.ReasonAborted, nil))

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"termination_reason":"aborted"`)
	assert.Contains(t, string(data), `"status":"failed"`)
	assert.Contains(t, string(data), `"kind":"uncorrectable"`)

	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.TerminationReason, back.TerminationReason)
	assert.Equal(t, r.Sectors, back.Sectors)

	out, err := yaml.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), "termination_reason: aborted")
}
