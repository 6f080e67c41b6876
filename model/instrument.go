package model

// InstrumentKind classifies a controllable instrument. The set is closed so
// that per-kind dispatch (dialects, capture support) is exhaustively checked.
type InstrumentKind int

const (
	KindUnknown InstrumentKind = iota
	KindMount
	KindCamera
	KindSpectrometer
	KindRover
	KindCubeSat
)

// String returns the lowercase wire/config spelling of the kind.
func (k InstrumentKind) String() string {
	switch k {
	case KindMount:
		return "mount"
	case KindCamera:
		return "camera"
	case KindSpectrometer:
		return "spectrometer"
	case KindRover:
		return "rover"
	case KindCubeSat:
		return "cubesat"
	default:
		return "unknown"
	}
}

// ParseInstrumentKind maps a config/wire spelling onto an InstrumentKind.
// Unrecognised spellings yield KindUnknown.
func ParseInstrumentKind(s string) InstrumentKind {
	switch s {
	case "mount":
		return KindMount
	case "camera":
		return KindCamera
	case "spectrometer":
		return KindSpectrometer
	case "rover":
		return KindRover
	case "cubesat":
		return KindCubeSat
	default:
		return KindUnknown
	}
}

// TLE holds the two-line element set for orbit propagation of CubeSat
// instruments. Both lines must be present for propagation to be possible.
type TLE struct {
	Line1 string
	Line2 string
}

// IsZero reports whether no element set is configured.
func (t TLE) IsZero() bool { return t.Line1 == "" && t.Line2 == "" }

// InstrumentDefinition describes one controllable instrument known to the
// station: identity, how to reach it, and per-kind acquisition defaults.
type InstrumentDefinition struct {
	ID       string
	Name     string
	Kind     InstrumentKind
	Endpoint string // host:port of the instrument's transport bridge

	// Orbit holds the TLE pair for KindCubeSat instruments; ignored for
	// ground instruments.
	Orbit TLE

	// DefaultExposureMillis seeds camera captures that omit an exposure.
	DefaultExposureMillis float64
	// DefaultIntegrationMillis seeds spectrometer captures that omit an
	// integration time.
	DefaultIntegrationMillis float64
}

// SessionState is the tagged connection state of a device session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lowercase spelling used in events and API responses.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SlewDirection selects a manual mount motion axis and sign. North/South
// drive the declination axis, East/West the right-ascension axis.
type SlewDirection int

const (
	SlewNorth SlewDirection = iota
	SlewSouth
	SlewEast
	SlewWest
)

// String returns the wire spelling of the direction.
func (d SlewDirection) String() string {
	switch d {
	case SlewNorth:
		return "north"
	case SlewSouth:
		return "south"
	case SlewEast:
		return "east"
	case SlewWest:
		return "west"
	default:
		return "unknown"
	}
}

// ParseSlewDirection maps an API spelling onto a SlewDirection. The second
// return is false for unrecognised spellings.
func ParseSlewDirection(s string) (SlewDirection, bool) {
	switch s {
	case "north":
		return SlewNorth, true
	case "south":
		return SlewSouth, true
	case "east":
		return SlewEast, true
	case "west":
		return SlewWest, true
	default:
		return SlewNorth, false
	}
}

// Slew rate bounds mirror the drive firmware's accepted range.
const (
	MinSlewRate = 1
	MaxSlewRate = 9
)
