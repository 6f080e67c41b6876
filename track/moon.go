package track

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// Drive rates, in arcseconds of right ascension per second of time. A
// mount tracking the stars runs at the sidereal rate; the Moon drifts
// eastward against the stars, so tracking it needs a slightly slower
// drive.
const (
	SiderealRateArcsecPerSec    = 15.041
	LunarRetrogradeArcsecPerSec = 0.549
)

// ArcsecPerDriveStep is the angular size of one mount drive step.
const ArcsecPerDriveStep = 15.0

// LunarDriveRate returns the drive rate for tracking the Moon, in
// arcseconds per second.
func LunarDriveRate() float64 {
	return SiderealRateArcsecPerSec - LunarRetrogradeArcsecPerSec
}

// DriveSteps converts an angle in degrees to whole mount drive steps,
// rounding to the nearest step so angles finer than one step still
// produce motion.
func DriveSteps(degrees float64) int {
	return int(math.Round(degrees * 3600.0 / ArcsecPerDriveStep))
}

// MoonPosition is a geocentric lunar position at an instant.
type MoonPosition struct {
	RightAscensionDeg float64
	DeclinationDeg    float64
	DistanceKm        float64
}

// ECI returns the position as an Earth-centred inertial vector in
// kilometres.
func (m MoonPosition) ECI() Vec3 {
	ra := m.RightAscensionDeg * deg2rad
	dec := m.DeclinationDeg * deg2rad
	return Vec3{
		X: m.DistanceKm * math.Cos(dec) * math.Cos(ra),
		Y: m.DistanceKm * math.Cos(dec) * math.Sin(ra),
		Z: m.DistanceKm * math.Sin(dec),
	}
}

// MoonAt computes the geocentric lunar position at t using a truncated
// ELP series. Accuracy is a few tenths of a degree, which is enough for
// horizon checks and slew planning, not for closed-loop guiding.
func MoonAt(t time.Time) MoonPosition {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, sec)

	// Julian centuries since J2000.0.
	T := (jd - 2451545.0) / 36525.0

	// Fundamental arguments, degrees.
	lp := 218.3164477 + 481267.88123421*T // mean longitude
	d := 297.8501921 + 445267.1114034*T   // mean elongation
	m := 357.5291092 + 35999.0502909*T    // solar mean anomaly
	mp := 134.9633964 + 477198.8675055*T  // lunar mean anomaly
	f := 93.2720950 + 483202.0175233*T    // argument of latitude

	sin := func(deg float64) float64 { return math.Sin(deg * deg2rad) }
	cos := func(deg float64) float64 { return math.Cos(deg * deg2rad) }

	lonDeg := lp +
		6.288774*sin(mp) +
		1.274027*sin(2*d-mp) +
		0.658314*sin(2*d) +
		0.213618*sin(2*mp) -
		0.185116*sin(m) -
		0.114332*sin(2*f)
	latDeg := 5.128122*sin(f) +
		0.280602*sin(mp+f) +
		0.277693*sin(mp-f) +
		0.173237*sin(2*d-f)
	distKm := 385000.56 -
		20905.355*cos(mp) -
		3699.111*cos(2*d-mp) -
		2955.968*cos(2*d)

	// Ecliptic to equatorial.
	eps := (23.4392911 - 0.0130042*T) * deg2rad
	lon := lonDeg * deg2rad
	lat := latDeg * deg2rad

	sinDec := math.Sin(lat)*math.Cos(eps) + math.Cos(lat)*math.Sin(eps)*math.Sin(lon)
	dec := math.Asin(sinDec)
	ra := math.Atan2(
		math.Sin(lon)*math.Cos(eps)-math.Tan(lat)*math.Sin(eps),
		math.Cos(lon),
	)

	raDeg := math.Mod(ra*rad2deg, 360.0)
	if raDeg < 0 {
		raDeg += 360.0
	}

	return MoonPosition{
		RightAscensionDeg: raDeg,
		DeclinationDeg:    dec * rad2deg,
		DistanceKm:        distKm,
	}
}

// MoonElevation returns the elevation of the Moon above the site's
// horizon at t, in degrees.
func MoonElevation(site Site, t time.Time) float64 {
	return ElevationDegrees(site.ECIAt(t), MoonAt(t).ECI())
}
