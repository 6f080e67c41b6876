package track

import (
	"errors"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/copernicusworks/moonscan/model"
)

// ErrMissingTLE reports that a pass predictor was requested for an
// instrument without orbital elements.
var ErrMissingTLE = errors.New("missing orbital elements")

// DefaultElevationMaskDeg is the minimum elevation at which a spacecraft
// is considered workable from the ground.
const DefaultElevationMaskDeg = 10.0

// defaultScanStep is the sampling interval used when searching for
// passes; spacecraft in low orbits rise and set over minutes, so half a
// minute resolves window edges well enough.
const defaultScanStep = 30 * time.Second

// PassWindow is one interval during which a spacecraft stays above the
// elevation mask.
type PassWindow struct {
	AOS             time.Time
	LOS             time.Time
	MaxElevationDeg float64
	MaxElevationAt  time.Time
}

// Duration returns the length of the window.
func (w PassWindow) Duration() time.Duration {
	return w.LOS.Sub(w.AOS)
}

// PassPredictor propagates a two-line element set and answers
// visibility questions for one ground site.
type PassPredictor struct {
	sat     satellite.Satellite
	site    Site
	maskDeg float64
}

// NewPassPredictor builds a predictor from orbital elements. maskDeg
// is the elevation mask in degrees; pass a negative value to keep the
// default.
func NewPassPredictor(orbit model.TLE, site Site, maskDeg float64) (*PassPredictor, error) {
	if orbit.IsZero() {
		return nil, ErrMissingTLE
	}
	if maskDeg < 0 {
		maskDeg = DefaultElevationMaskDeg
	}
	sat := satellite.TLEToSat(orbit.Line1, orbit.Line2, satellite.GravityWGS72)
	return &PassPredictor{sat: sat, site: site, maskDeg: maskDeg}, nil
}

// MaskDeg returns the elevation mask the predictor applies.
func (p *PassPredictor) MaskDeg() float64 {
	return p.maskDeg
}

// propagate runs SGP4 at t, returning the inertial position and the
// Julian day used.
func (p *PassPredictor) propagate(t time.Time) (satellite.Vector3, float64) {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	pos, _ := satellite.Propagate(p.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	return pos, jd
}

// PositionECI returns the propagated spacecraft position at t, in
// kilometres.
func (p *PassPredictor) PositionECI(t time.Time) Vec3 {
	pos, _ := p.propagate(t)
	return Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
}

// ElevationAt returns the spacecraft elevation above the site horizon
// at t, in degrees.
func (p *PassPredictor) ElevationAt(t time.Time) float64 {
	pos, jd := p.propagate(t)
	angles := satellite.ECIToLookAngles(pos, p.site.LatLong(), p.site.AltitudeKm, jd)
	return angles.El * rad2deg
}

// Visible reports whether the spacecraft is above the elevation mask
// at t.
func (p *PassPredictor) Visible(t time.Time) bool {
	return p.ElevationAt(t) >= p.maskDeg
}

// NextPass returns the first pass beginning at or after from, searching
// no further than within. ok is false when no pass starts inside the
// search window.
func (p *PassPredictor) NextPass(from time.Time, within time.Duration) (PassWindow, bool) {
	passes := p.Passes(from, within, defaultScanStep)
	if len(passes) == 0 {
		return PassWindow{}, false
	}
	return passes[0], true
}

// Passes scans [from, from+within] at the given step and returns every
// interval spent above the elevation mask. A pass still open at the end
// of the window is closed at the window edge.
func (p *PassPredictor) Passes(from time.Time, within, step time.Duration) []PassWindow {
	if step <= 0 {
		step = defaultScanStep
	}
	end := from.Add(within)

	var (
		passes  []PassWindow
		current PassWindow
		inPass  bool
	)
	for t := from; !t.After(end); t = t.Add(step) {
		el := p.ElevationAt(t)
		above := el >= p.maskDeg
		switch {
		case above && !inPass:
			inPass = true
			current = PassWindow{AOS: t, MaxElevationDeg: el, MaxElevationAt: t}
		case above && inPass:
			if el > current.MaxElevationDeg {
				current.MaxElevationDeg = el
				current.MaxElevationAt = t
			}
		case !above && inPass:
			inPass = false
			current.LOS = t
			passes = append(passes, current)
		}
	}
	if inPass {
		current.LOS = end
		passes = append(passes, current)
	}
	return passes
}
