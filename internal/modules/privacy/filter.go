package privacy

import (
	"math"
	"math/rand/v2"

	"waypoint/internal/types"
)

const (
	approximateStepDeg = 0.001
	cityStepDeg        = 0.05
	metersPerDegLat    = 111_320.0
)

var (
	ErrSharingDisabled   = &types.AuthError{Reason: "sharing_disabled"}
	ErrInsufficientScope = &types.AuthError{Reason: "insufficient_scope"}
	ErrPrecisionDisabled = &types.AuthError{Reason: "precision_disabled"}
	ErrEmergencyDisabled = &types.AuthError{Reason: "emergency_access_disabled"}
)

// Filter decides what viewer may see of raw given the owner's settings. It is
// pure; auditing is done by Service.FilterForViewer.
func Filter(raw types.Sample, owner Settings, isOwner bool, vc ViewContext) (Filtered, error) {
	if isOwner {
		return Filtered{Sample: raw}, nil
	}
	if vc == ContextEmergency {
		if !owner.AllowEmergencyAccess {
			return Filtered{}, ErrEmergencyDisabled
		}
		return Filtered{Sample: raw}, nil
	}
	if !owner.SharingEnabled {
		return Filtered{}, ErrSharingDisabled
	}
	if owner.Precision == PrecisionDisabled {
		return Filtered{}, ErrPrecisionDisabled
	}
	switch vc {
	case ContextTask:
		if !owner.ShareWithTaskParticipants {
			return Filtered{}, ErrInsufficientScope
		}
	case ContextNearby:
		if !owner.ShareWithPeers {
			return Filtered{}, ErrInsufficientScope
		}
	default:
		return Filtered{}, ErrInsufficientScope
	}
	return reducePrecision(raw, owner.Precision)
}

func reducePrecision(raw types.Sample, p Precision) (Filtered, error) {
	switch p {
	case PrecisionExact:
		return Filtered{Sample: raw}, nil
	case PrecisionApproximate:
		return coarsen(raw, approximateStepDeg, approximateRadiusMeters), nil
	case PrecisionCity:
		return coarsen(raw, cityStepDeg, cityRadiusMeters), nil
	}
	return Filtered{}, ErrPrecisionDisabled
}

// coarsen reports a fixed point of the sample's grid cell. Each axis of the
// cell is split in half and the point is taken from the half the sample is not
// in, so the output is stable per half-cell and never equals the raw value.
func coarsen(raw types.Sample, step, radius float64) Filtered {
	out := raw
	out.Lat = snap(raw.Lat, step, -90, 90)
	out.Lng = snap(raw.Lng, step, -180, 180)
	out.AccuracyMeters = math.Max(raw.AccuracyMeters, radius)
	return Filtered{Sample: out, IsAnonymized: true, AccuracyRadius: radius}
}

func snap(v, step, lo, hi float64) float64 {
	cells := math.Round((hi - lo) / step)
	idx := math.Min(cells-1, math.Max(0, math.Floor((v-lo)/step)))
	cellLo := lo + idx*step
	if v-cellLo < step/2 {
		return cellLo + 3*step/4
	}
	return cellLo + step/4
}

// Anonymize moves the sample to a uniformly random point within radiusMeters.
// It is used for broadcast presence hints and ignores precision settings.
func Anonymize(raw types.Sample, radiusMeters float64) Filtered {
	if radiusMeters <= 0 {
		return Filtered{Sample: raw, IsAnonymized: true}
	}
	// 1-Float64 is in (0,1], so the point always moves.
	dist := radiusMeters * math.Sqrt(1-rand.Float64())
	bearing := rand.Float64() * 2 * math.Pi

	out := raw
	dLat := dist * math.Cos(bearing) / metersPerDegLat
	cosLat := math.Max(math.Cos(raw.Lat*math.Pi/180), 1e-6)
	dLng := dist * math.Sin(bearing) / (metersPerDegLat * cosLat)
	out.Lat = math.Min(90, math.Max(-90, raw.Lat+dLat))
	out.Lng = wrapLng(raw.Lng + dLng)
	out.AccuracyMeters = math.Max(raw.AccuracyMeters, radiusMeters)
	return Filtered{Sample: out, IsAnonymized: true, AccuracyRadius: radiusMeters}
}

func wrapLng(v float64) float64 {
	for v > 180 {
		v -= 360
	}
	for v < -180 {
		v += 360
	}
	return v
}
