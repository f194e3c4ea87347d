package sector

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewSession(t *testing.T) {
	s := NewSession("/dev/sda")
	assert.NotEmpty(t, s.ID())
	assert.NotEqual(t, s.ID(), NewSession("/dev/sda").ID())
	assert.Equal(t, "/dev/sda", s.DeviceID())
	assert.Equal(t, 0, s.CycleIndex())
	assert.Equal(t, ReasonNone, s.TerminationReason())
	assert.False(t, s.Terminated())
	assert.True(t, s.FinishedAt().IsZero())
	assert.Empty(t, s.Sectors())
	assert.Empty(t, s.Outstanding())
}

func TestSessionUpdateAndOutstanding(t *testing.T) {
	s := NewSession("/dev/sda")
	_, err := s.AdvanceCycle()
	require.NoError(t, err)

	for _, addr := range []Address{900, 7, 300} {
		require.NoError(t, s.Update(addr, true, func(sec *SectorError) {
			sec.FirstSeenAt = 1
			sec.LastSeenAt = 1
		}))
	}
	require.NoError(t, s.Update(300, false, func(sec *SectorError) { sec.Status = StatusRepaired }))
	require.NoError(t, s.Update(5, false, func(sec *SectorError) { t.Fatal("must not create") }))

	assert.Equal(t, []Address{7, 900}, s.Outstanding())

	secs := s.Sectors()
	require.Len(t, secs, 3)
	assert.Equal(t, []Address{7, 300, 900}, []Address{secs[0].Address, secs[1].Address, secs[2].Address})
	assert.Equal(t, StatusPending, secs[0].Status)

	_, ok := s.Sector(5)
	assert.False(t, ok)
}

func TestSessionAttemptCountNeverDecreases(t *testing.T) {
	s := NewSession("/dev/sda")
	require.NoError(t, s.Update(42, true, func(sec *SectorError) {
		sec.AttemptCount = 3
		sec.OccurrenceAttempts = 3
	}))
	require.NoError(t, s.Update(42, false, func(sec *SectorError) {
		sec.AttemptCount = 0
		sec.OccurrenceAttempts = 0
		sec.Address = 99
	}))

	sec, ok := s.Sector(42)
	require.True(t, ok)
	assert.Equal(t, 3, sec.AttemptCount)
	assert.Equal(t, 0, sec.OccurrenceAttempts)
	assert.Equal(t, Address(42), sec.Address)
}

func TestSessionSnapshotsAreCopies(t *testing.T) {
	s := NewSession("/dev/sda")
	require.NoError(t, s.Update(1, true, func(sec *SectorError) { sec.Evidence = []string{"kernel:1.0"} }))

	sec, _ := s.Sector(1)
	sec.Evidence[0] = "tampered"
	sec.Status = StatusFailed

	again, _ := s.Sector(1)
	assert.Equal(t, []string{"kernel:1.0"}, again.Evidence)
	assert.Equal(t, StatusPending, again.Status)

	require.NoError(t, s.Record(RepairAttempt{SectorAddress: 1, Outcome: OutcomeSuccess}))
	h := s.History()
	h[0].Outcome = OutcomeToolError
	assert.Equal(t, OutcomeSuccess, s.History()[0].Outcome)
}

func TestSessionTerminateSeals(t *testing.T) {
	s := NewSession("/dev/sda")
	require.Error(t, s.Terminate(ReasonNone, nil))

	require.NoError(t, s.Terminate(ReasonToolUnavailable, errors.New("hdparm unavailable")))
	assert.True(t, s.Terminated())
	assert.Equal(t, "hdparm unavailable", s.TerminationError())
	assert.False(t, s.FinishedAt().IsZero())

	assert.ErrorIs(t, s.Terminate(ReasonConverged, nil), ErrSessionSealed)
	assert.Equal(t, ReasonToolUnavailable, s.TerminationReason())

	_, err := s.AdvanceCycle()
	assert.ErrorIs(t, err, ErrSessionSealed)
	assert.ErrorIs(t, s.Update(1, true, func(*SectorError) {}), ErrSessionSealed)
	assert.ErrorIs(t, s.Record(RepairAttempt{}), ErrSessionSealed)
	assert.Empty(t, s.Sectors())
}

func TestSessionConcurrentReaders(t *testing.T) {
	s := NewSession("/dev/sda")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			_ = s.Update(Address(i), true, func(sec *SectorError) { sec.AttemptCount++ })
			_ = s.Record(RepairAttempt{SectorAddress: Address(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Sectors()
			_ = s.Outstanding()
			_ = s.History()
		}
	}()
	wg.Wait()
	assert.Len(t, s.Sectors(), 200)
	assert.Len(t, s.History(), 200)
}

func TestSessionRecordCounts(t *testing.T) {
	s := NewSession("/dev/sda")
	assert.Equal(t, UnknownCounts, s.InitialCounts())
	assert.False(t, s.LatestCounts().Known())

	require.NoError(t, s.RecordCounts(UnknownCounts))
	assert.Equal(t, UnknownCounts, s.InitialCounts())

	require.NoError(t, s.RecordCounts(AttributeCounts{Pending: 8, Uncorrectable: 2}))
	require.NoError(t, s.RecordCounts(AttributeCounts{Pending: 1, Uncorrectable: -1}))
	assert.Equal(t, AttributeCounts{Pending: 8, Uncorrectable: 2}, s.InitialCounts())
	assert.Equal(t, AttributeCounts{Pending: 1, Uncorrectable: -1}, s.LatestCounts())

	require.NoError(t, s.Terminate(ReasonConverged, nil))
	assert.ErrorIs(t, s.RecordCounts(AttributeCounts{}), ErrSessionSealed)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusPending.Outstanding())
	assert.True(t, StatusReappeared.Outstanding())
	assert.False(t, StatusRepaired.Outstanding())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusInProgress.Terminal())

	assert.True(t, OutcomeDeviceBusy.Transient())
	assert.True(t, OutcomeTimeout.Transient())
	assert.False(t, OutcomeNotApplicable.Transient())

	assert.True(t, KindUncorrectable.MoreSevere(KindRead))
	assert.False(t, KindOther.MoreSevere(KindWrite))
}

func TestEnumsSerializeByName(t *testing.T) {
	sec := SectorError{Address: 12, Kind: KindUncorrectable, Status: StatusReappeared}

	data, err := json.Marshal(sec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"uncorrectable"`)
	assert.Contains(t, string(data), `"status":"reappeared"`)

	var back SectorError
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, sec.Kind, back.Kind)
	assert.Equal(t, sec.Status, back.Status)

	out, err := yaml.Marshal(map[string]Outcome{"last": OutcomeNotApplicable})
	require.NoError(t, err)
	assert.Equal(t, "last: not_applicable\n", string(out))

	var st Status
	assert.Error(t, st.UnmarshalText([]byte("bogus")))

	r, err := ParseTerminationReason("max_attempts_per_sector_exceeded")
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxAttemptsPerSectorExceeded, r)
	_, err = ParseTerminationReason("done")
	assert.Error(t, err)
}
