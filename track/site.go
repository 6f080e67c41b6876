package track

import (
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

const (
	deg2rad = 3.141592653589793 / 180.0
	rad2deg = 180.0 / 3.141592653589793
)

// Site is a ground observing location.
type Site struct {
	Name         string
	LatitudeDeg  float64
	LongitudeDeg float64
	AltitudeKm   float64
}

// LatLong returns the site coordinates in the radian form the SGP4
// helpers expect.
func (s Site) LatLong() satellite.LatLong {
	return satellite.LatLong{
		Latitude:  s.LatitudeDeg * deg2rad,
		Longitude: s.LongitudeDeg * deg2rad,
	}
}

// ECIAt returns the site position in the inertial frame at t.
func (s Site) ECIAt(t time.Time) Vec3 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	pos := satellite.LLAToECI(s.LatLong(), s.AltitudeKm, jd)
	return Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
}
