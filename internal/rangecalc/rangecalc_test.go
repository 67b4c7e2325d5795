package rangecalc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUsableRangeKmClampsToZero(t *testing.T) {
	v := VehicleState{
		BatteryPercent:     85.5,
		BatteryCapacityKWh: 30,
		EfficiencyKWhPerKm: 0.15,
		EfficiencyFactor:   0.88,
		ReserveKm:          7,
	}

	theoretical := TheoreticalRangeKm(v)
	require.InDelta(t, 3.8475, theoretical, 1e-4)

	raw := theoretical*v.EfficiencyFactor - v.ReserveKm
	require.InDelta(t, -3.6142, raw, 1e-3)

	require.Equal(t, 0.0, UsableRangeKm(v))
}

func TestAvailableEnergyKWh(t *testing.T) {
	v := VehicleState{BatteryPercent: 50, BatteryCapacityKWh: 60}
	require.InDelta(t, 30.0, AvailableEnergyKWh(v), 1e-9)
}

func TestUrgencyBands(t *testing.T) {
	cases := []struct {
		pct  float64
		want UrgencyBand
	}{
		{0, UrgencyCritical},
		{20, UrgencyCritical},
		{21, UrgencyHigh},
		{35, UrgencyHigh},
		{36, UrgencyMedium},
		{50, UrgencyMedium},
		{51, UrgencyLow},
		{70, UrgencyLow},
		{71, UrgencyNone},
		{100, UrgencyNone},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Urgency(c.pct), "pct=%v", c.pct)
	}
}

func TestClassifyZoneUnsafeWhenNoUsableRange(t *testing.T) {
	require.Equal(t, ZoneUnsafe, ClassifyZone(10, 0))
}

func TestClassifyZoneBands(t *testing.T) {
	usable := 100.0
	require.Equal(t, ZoneUnsafe, ClassifyZone(10, usable))   // frac 0.10 < 0.18
	require.Equal(t, ZoneOptimal, ClassifyZone(70, usable))  // frac 0.70 in [0.69,0.88], outside priority
	require.Equal(t, ZonePriority, ClassifyZone(78, usable)) // frac 0.78 in [0.75,0.81]
	require.Equal(t, ZoneOther, ClassifyZone(50, usable))    // frac 0.50
}

func TestOptimalChargingPointKm(t *testing.T) {
	usable := 100.0
	maxTravel := usable * 0.8
	require.InDelta(t, 5.0, OptimalChargingPointKm(usable, 20), 1e-9)
	require.InDelta(t, 0.30*maxTravel, OptimalChargingPointKm(usable, 35), 1e-9)
	require.InDelta(t, 0.50*maxTravel, OptimalChargingPointKm(usable, 50), 1e-9)
	require.InDelta(t, 0.70*maxTravel, OptimalChargingPointKm(usable, 70), 1e-9)
	require.InDelta(t, 0.80*maxTravel, OptimalChargingPointKm(usable, 90), 1e-9)
}

func TestRecommendationTestWidensWithUrgency(t *testing.T) {
	usable := 100.0
	optimal := OptimalChargingPointKm(usable, 90)

	require.True(t, RecommendationTest(optimal+10, usable, 90))
	require.False(t, RecommendationTest(optimal+20, usable, 90))
	// battery <=35: within 15km of its own optimal, or flat <=30km cutoff.
	require.True(t, RecommendationTest(30, usable, 30))
	require.False(t, RecommendationTest(45, usable, 30))
	// battery <=20: ignores optimal entirely, flat <=15km from the user.
	require.True(t, RecommendationTest(15, usable, 15))
	require.False(t, RecommendationTest(16, usable, 15))
}

func TestRecommendationTestZeroBatteryMatchesSpecBoundary(t *testing.T) {
	// spec §8: batteryPercentage=0 => isRecommended=true iff distance<=15km,
	// regardless of usable range (which clamps to 0 at this battery level).
	require.True(t, RecommendationTest(15, 0, 0))
	require.False(t, RecommendationTest(15.1, 0, 0))
}

func TestTheoreticalRangeKmFormulaMultipliesNotDivides(t *testing.T) {
	v := VehicleState{BatteryPercent: 100, BatteryCapacityKWh: 40, EfficiencyKWhPerKm: 0.2}
	got := TheoreticalRangeKm(v)
	multiplied := 40 * 0.2
	require.InDelta(t, multiplied, got, 1e-9)
	require.False(t, math.Abs(got-40/0.2) < 1e-9, "must not divide by efficiency")
}
