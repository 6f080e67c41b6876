package track

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/copernicusworks/moonscan/model"
)

const (
	issTLELine1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issTLELine2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
)

// issEpoch is close to the TLE epoch above (2021 day 275.59).
var issEpoch = time.Date(2021, time.October, 2, 14, 0, 0, 0, time.UTC)

var testSite = Site{
	Name:         "ridge-station",
	LatitudeDeg:  40.0,
	LongitudeDeg: -3.7,
	AltitudeKm:   0.65,
}

func TestDriveSteps(t *testing.T) {
	tests := []struct {
		name    string
		degrees float64
		want    int
	}{
		{name: "one degree", degrees: 1.0, want: 240},
		{name: "half degree", degrees: 0.5, want: 120},
		{name: "single step", degrees: 0.0625, want: 15},
		{name: "sub-step rounds to one", degrees: 10.0 / 3600.0, want: 1},
		{name: "rounds to nearest", degrees: 20.0 / 3600.0, want: 1},
		{name: "below half step", degrees: 7.0 / 3600.0, want: 0},
		{name: "zero", degrees: 0, want: 0},
		{name: "westward", degrees: -1.0, want: -240},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DriveSteps(tt.degrees); got != tt.want {
				t.Fatalf("DriveSteps(%v) = %d, want %d", tt.degrees, got, tt.want)
			}
		})
	}
}

func TestLunarDriveRate(t *testing.T) {
	got := LunarDriveRate()
	want := 14.492
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("LunarDriveRate() = %v, want %v", got, want)
	}
	if got >= SiderealRateArcsecPerSec {
		t.Fatalf("lunar rate %v should be slower than sidereal %v", got, SiderealRateArcsecPerSec)
	}
}

func TestMoonAtJ2000(t *testing.T) {
	// Geocentric lunar position at the J2000.0 epoch: RA ~222.4 deg,
	// Dec ~-10.9 deg, distance ~402 Mm.
	pos := MoonAt(time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC))

	if math.Abs(pos.RightAscensionDeg-222.43) > 0.5 {
		t.Errorf("RA = %v deg, want ~222.43", pos.RightAscensionDeg)
	}
	if math.Abs(pos.DeclinationDeg-(-10.86)) > 0.5 {
		t.Errorf("Dec = %v deg, want ~-10.86", pos.DeclinationDeg)
	}
	if math.Abs(pos.DistanceKm-402128) > 1500 {
		t.Errorf("distance = %v km, want ~402128", pos.DistanceKm)
	}
}

func TestMoonAtStaysPhysical(t *testing.T) {
	start := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		pos := MoonAt(start.Add(time.Duration(i) * 12 * time.Hour))
		if pos.RightAscensionDeg < 0 || pos.RightAscensionDeg >= 360 {
			t.Fatalf("RA %v out of [0,360)", pos.RightAscensionDeg)
		}
		if math.Abs(pos.DeclinationDeg) > 29 {
			t.Fatalf("declination %v exceeds lunar extreme", pos.DeclinationDeg)
		}
		if pos.DistanceKm < 356000 || pos.DistanceKm > 407000 {
			t.Fatalf("distance %v km outside lunar orbit range", pos.DistanceKm)
		}
	}
}

func TestMoonRisesAndSets(t *testing.T) {
	start := time.Date(2024, time.June, 10, 0, 0, 0, 0, time.UTC)
	var above, below bool
	for i := 0; i < 25; i++ {
		el := MoonElevation(testSite, start.Add(time.Duration(i)*time.Hour))
		if el < -90 || el > 90 {
			t.Fatalf("elevation %v out of range", el)
		}
		if el > 0 {
			above = true
		}
		if el < 0 {
			below = true
		}
	}
	if !above || !below {
		t.Fatalf("expected the moon both above and below the horizon over a day, above=%v below=%v", above, below)
	}
}

func TestNewPassPredictorValidation(t *testing.T) {
	if _, err := NewPassPredictor(model.TLE{}, testSite, 10); !errors.Is(err, ErrMissingTLE) {
		t.Fatalf("expected ErrMissingTLE, got %v", err)
	}

	p, err := NewPassPredictor(model.TLE{Line1: issTLELine1, Line2: issTLELine2}, testSite, -1)
	if err != nil {
		t.Fatalf("NewPassPredictor: %v", err)
	}
	if p.MaskDeg() != DefaultElevationMaskDeg {
		t.Fatalf("mask = %v, want default %v", p.MaskDeg(), DefaultElevationMaskDeg)
	}
}

func TestPassPredictorFindsPasses(t *testing.T) {
	p, err := NewPassPredictor(model.TLE{Line1: issTLELine1, Line2: issTLELine2}, testSite, 0)
	if err != nil {
		t.Fatalf("NewPassPredictor: %v", err)
	}

	passes := p.Passes(issEpoch, 24*time.Hour, time.Minute)
	if len(passes) == 0 {
		t.Fatal("expected at least one pass above the horizon in a day")
	}
	for i, w := range passes {
		if !w.AOS.Before(w.LOS) {
			t.Fatalf("pass %d: AOS %v not before LOS %v", i, w.AOS, w.LOS)
		}
		if w.MaxElevationDeg < 0 {
			t.Fatalf("pass %d: max elevation %v below mask", i, w.MaxElevationDeg)
		}
		if w.MaxElevationAt.Before(w.AOS) || w.MaxElevationAt.After(w.LOS) {
			t.Fatalf("pass %d: culmination %v outside [%v, %v]", i, w.MaxElevationAt, w.AOS, w.LOS)
		}
		if !p.Visible(w.MaxElevationAt) {
			t.Fatalf("pass %d: predictor not visible at its own culmination", i)
		}
		if w.Duration() <= 0 {
			t.Fatalf("pass %d: non-positive duration %v", i, w.Duration())
		}
	}

	next, ok := p.NextPass(issEpoch, 24*time.Hour)
	if !ok {
		t.Fatal("NextPass found nothing in a day")
	}
	if next.AOS != passes[0].AOS {
		t.Fatalf("NextPass AOS %v, want first pass AOS %v", next.AOS, passes[0].AOS)
	}
}

func TestLookAngleAgreesWithGeometry(t *testing.T) {
	// The zenith-vector elevation and the SGP4 look-angle elevation
	// are computed along different paths; near culmination they should
	// agree to within the geodetic/geocentric latitude difference.
	p, err := NewPassPredictor(model.TLE{Line1: issTLELine1, Line2: issTLELine2}, testSite, 0)
	if err != nil {
		t.Fatalf("NewPassPredictor: %v", err)
	}
	pass, ok := p.NextPass(issEpoch, 24*time.Hour)
	if !ok {
		t.Fatal("no pass to compare against")
	}

	at := pass.MaxElevationAt
	geom := ElevationDegrees(testSite.ECIAt(at), p.PositionECI(at))
	look := p.ElevationAt(at)
	if math.Abs(geom-look) > 3.0 {
		t.Fatalf("geometry elevation %v and look-angle elevation %v disagree", geom, look)
	}
}
