// Package transform converts catalogue sky positions into local horizontal
// coordinates for a ground site.
//
// Input positions are J2000 right ascension and declination in degrees. They
// are precessed to the mean equinox of date (IAU 1976), rotated by the local
// mean sidereal time and projected onto the observer's horizon. Nutation,
// aberration, polar motion and refraction are ignored; the combined error is
// well under a degree, which is adequate for deciding whether a telescope
// field clears a horizon profile.
//
// Reference: Meeus, "Astronomical Algorithms", Ch. 13 and 21.
package transform

import (
	"fmt"
	"math"
	"time"
)

const (
	deg2rad    = math.Pi / 180.0
	rad2deg    = 180.0 / math.Pi
	arcsec2rad = deg2rad / 3600.0
)

// Observer is a ground site in geodetic coordinates.
type Observer struct {
	LatDeg float64 // geodetic latitude, north positive
	LonDeg float64 // longitude, east positive
	AltM   float64 // height above the ellipsoid, meters
}

// Horizontal holds local horizontal coordinates.
type Horizontal struct {
	AltitudeDeg float64 // 0 = horizon, 90 = zenith
	AzimuthDeg  float64 // 0 = North, clockwise, [0, 360)
}

// Precess moves a J2000 position (degrees) to the mean equinox of t.
func Precess(raDeg, decDeg float64, t time.Time) (float64, float64) {
	T := JulianCenturies(t)

	zeta := (2306.2181*T + 0.30188*T*T + 0.017998*T*T*T) * arcsec2rad
	z := (2306.2181*T + 1.09468*T*T + 0.018203*T*T*T) * arcsec2rad
	theta := (2004.3109*T - 0.42665*T*T - 0.041833*T*T*T) * arcsec2rad

	ra0 := raDeg * deg2rad
	dec0 := decDeg * deg2rad

	A := math.Cos(dec0) * math.Sin(ra0+zeta)
	B := math.Cos(theta)*math.Cos(dec0)*math.Cos(ra0+zeta) - math.Sin(theta)*math.Sin(dec0)
	C := math.Sin(theta)*math.Cos(dec0)*math.Cos(ra0+zeta) + math.Cos(theta)*math.Sin(dec0)

	ra := normalizeRad(math.Atan2(A, B) + z)
	dec := math.Asin(math.Max(-1, math.Min(1, C)))

	return ra * rad2deg, dec * rad2deg
}

// EquatorialToHorizontal returns the altitude and azimuth of a J2000 position
// seen by obs at time t.
func EquatorialToHorizontal(raDeg, decDeg float64, obs Observer, t time.Time) (Horizontal, error) {
	if err := checkInputs(raDeg, decDeg, obs); err != nil {
		return Horizontal{}, err
	}

	ra, dec := Precess(raDeg, decDeg, t)

	lst := LocalSiderealTime(t, obs.LonDeg)
	ha := lst - ra*deg2rad
	decRad := dec * deg2rad
	lat := obs.LatDeg * deg2rad

	sinAlt := math.Sin(decRad)*math.Sin(lat) + math.Cos(decRad)*math.Cos(lat)*math.Cos(ha)
	sinAlt = math.Max(-1, math.Min(1, sinAlt))
	alt := math.Asin(sinAlt)

	// Azimuth from North through East.
	y := -math.Cos(decRad) * math.Sin(ha)
	x := math.Sin(decRad)*math.Cos(lat) - math.Cos(decRad)*math.Sin(lat)*math.Cos(ha)
	az := normalizeRad(math.Atan2(y, x))

	return Horizontal{
		AltitudeDeg: alt * rad2deg,
		AzimuthDeg:  az * rad2deg,
	}, nil
}

func checkInputs(raDeg, decDeg float64, obs Observer) error {
	for _, v := range []float64{raDeg, decDeg, obs.LatDeg, obs.LonDeg} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite coordinate")
		}
	}
	if decDeg < -90 || decDeg > 90 {
		return fmt.Errorf("declination %.4f out of range", decDeg)
	}
	if obs.LatDeg < -90 || obs.LatDeg > 90 {
		return fmt.Errorf("observer latitude %.4f out of range", obs.LatDeg)
	}
	return nil
}
