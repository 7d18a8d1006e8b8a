package workorders

import (
	"encoding/json"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusForPhase(t *testing.T) {
	expected := map[Phase]ServiceStatus{
		PhaseRequested:     StatusWaiting,
		PhaseSent:          StatusInProgress,
		PhaseReceived:      StatusInProgress,
		PhaseInCalibration: StatusInProgress,
		PhaseCalibrated:    StatusInProgress,
		PhaseReturning:     StatusInProgress,
		PhaseDelivered:     StatusFinished,
		PhaseCancelled:     StatusCancelled,
	}
	for _, p := range Phases() {
		assert.Equal(t, expected[p], StatusForPhase(p), p.String())
		assert.True(t, p.IsValid())
	}
	assert.False(t, Phase(0).IsValid())
	assert.False(t, Phase(9).IsValid())
}

func TestStatusGuards(t *testing.T) {
	assert.True(t, StatusWaiting.CanAdvance())
	assert.True(t, StatusInProgress.CanEdit())
	assert.False(t, StatusFinished.CanAdvance())
	assert.False(t, StatusCancelled.CanEdit())
	assert.True(t, StatusCancelled.CanCancel())
	assert.False(t, StatusFinished.CanCancel())
	assert.False(t, ServiceStatus("PAUSED").IsValid())
}

func TestParsePhase(t *testing.T) {
	cases := map[string]Phase{
		"2":              PhaseSent,
		"in_calibration": PhaseInCalibration,
		"IN-CALIBRATION": PhaseInCalibration,
		" delivered ":    PhaseDelivered,
	}
	for raw, want := range cases {
		got, err := ParsePhase(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}

	_, err := ParsePhase("0")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ParsePhase("shipped")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPhaseJSON(t *testing.T) {
	raw, err := json.Marshal(PhaseReturning)
	require.NoError(t, err)
	assert.JSONEq(t, `"RETURNING"`, string(raw))

	var p Phase
	require.NoError(t, json.Unmarshal([]byte(`"SENT"`), &p))
	assert.Equal(t, PhaseSent, p)
	require.NoError(t, json.Unmarshal([]byte(`7`), &p))
	assert.Equal(t, PhaseDelivered, p)
	assert.Error(t, json.Unmarshal([]byte(`12`), &p))
}

func TestPhaseOrdering(t *testing.T) {
	assert.True(t, PhaseSent.Before(PhaseReceived))
	assert.False(t, PhaseDelivered.Before(PhaseCalibrated))
	assert.Equal(t, 5, PhaseCalibrated.Ordinal())
	assert.Equal(t, "PHASE(42)", Phase(42).String())
}

func TestPhasePolicies(t *testing.T) {
	assert.NoError(t, AnyNonTerminal(PhaseDelivered, PhaseRequested))
	assert.NoError(t, ForwardOnly(PhaseSent, PhaseReturning))
	assert.NoError(t, ForwardOnly(PhaseReturning, PhaseCancelled))
	assert.ErrorIs(t, ForwardOnly(PhaseReturning, PhaseSent), ErrInvalidTransition)

	p, err := ParsePhasePolicy("forward")
	require.NoError(t, err)
	assert.Error(t, p(PhaseReceived, PhaseSent))
	_, err = ParsePhasePolicy("sideways")
	assert.Error(t, err)
}

func TestWorkOrderTotal(t *testing.T) {
	o := WorkOrder{ServiceValue: 120.5, FreightOutValue: 10, FreightReturnValue: 9.25}
	assert.InDelta(t, 139.75, o.Total(), 0.0001)
	assert.InDelta(t, 0, (&WorkOrder{}).Total(), 0.0001)

	raw, err := json.Marshal(NewOrderResponse(&o))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.InDelta(t, 139.75, decoded["total_value"], 0.0001)
}

func TestEquipmentIntervalDays(t *testing.T) {
	assert.Equal(t, 365, (*Equipment)(nil).IntervalDays())
	assert.Equal(t, 365, (&Equipment{CalibrationIntervalDays: intPtr(0)}).IntervalDays())
	assert.Equal(t, 90, (&Equipment{CalibrationIntervalDays: intPtr(90)}).IntervalDays())
}

func TestNextDueDate(t *testing.T) {
	completed := time.Date(2024, 1, 10, 16, 45, 0, 0, time.UTC)
	assert.Equal(t, "2024-07-08", NextDueDate(completed, 180).Format(time.DateOnly))
	assert.Equal(t, "2025-01-09", NextDueDate(completed, 0).Format(time.DateOnly))
	assert.Equal(t, "2025-01-09", NextDueDate(completed, -3).Format(time.DateOnly))
	assert.Equal(t, "2024-03-01", NextDueDate(time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC), 2).Format(time.DateOnly))

	loc := time.FixedZone("BRT", -3*60*60)
	local := time.Date(2024, 5, 31, 23, 30, 0, 0, loc)
	due := NextDueDate(local, 1)
	assert.Equal(t, "2024-06-01", due.Format(time.DateOnly))
	assert.Equal(t, loc, due.Location())
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2024, 6, 20, 22, 0, 0, 0, time.UTC)
	b := time.Date(2024, 7, 8, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 18, DaysBetween(a, b))
	assert.Equal(t, -18, DaysBetween(b, a))
	assert.Equal(t, 0, DaysBetween(a, a))
}

func TestAccessKeysAreUniqueAndWellFormed(t *testing.T) {
	gen := NewAccessKeyGenerator(rand.New(rand.NewPCG(1, 2)))
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		key := gen.Generate()
		require.Len(t, key, AccessKeyLength)
		require.Regexp(t, `^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`, key)
		_, dup := seen[key]
		require.False(t, dup, "duplicate key %s", key)
		seen[key] = struct{}{}
	}
}

func TestAccessKeyGeneratorGlobalSource(t *testing.T) {
	gen := NewAccessKeyGenerator(nil)
	assert.True(t, IsAccessKey(gen.Generate()))
	assert.False(t, IsAccessKey("abcd-EFGH-1234"))
	assert.False(t, IsAccessKey("ABCD-EFGH-12345"))
	assert.False(t, IsAccessKey("ABCDEFGH1234"))
}

func TestUpdateInputApply(t *testing.T) {
	o := &WorkOrder{BatteryCount: 1}
	count := 3
	warranty := true
	changed := UpdateInput{BatteryCount: &count, Warranty: &warranty}.apply(o)
	assert.Equal(t, []string{"battery_count", "warranty"}, changed)
	assert.Equal(t, 3, o.BatteryCount)
	assert.True(t, o.Warranty)
	assert.True(t, UpdateInput{}.empty())
}
