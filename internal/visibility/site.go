// Package visibility decides whether sky positions clear the site horizon,
// both at a single instant and over the current night.
package visibility

import (
	"time"

	"github.com/karpov-sv/fram-grandma/internal/transform"
)

// Site is the observatory location and the current night window.
type Site struct {
	Lon        float64 // degrees, east positive
	Lat        float64 // degrees
	Alt        float64 // meters
	NightBegin time.Time
	NightEnd   time.Time
}

// NewSite builds a Site. A night end earlier than the night begin means the
// begin belongs to the previous day, so it is moved back by 24 hours.
func NewSite(lon, lat, alt float64, nightBegin, nightEnd time.Time) Site {
	if nightEnd.Before(nightBegin) {
		nightBegin = nightBegin.Add(-24 * time.Hour)
	}
	return Site{
		Lon:        lon,
		Lat:        lat,
		Alt:        alt,
		NightBegin: nightBegin.UTC(),
		NightEnd:   nightEnd.UTC(),
	}
}

// Observer returns the site location for the coordinate transform.
func (s Site) Observer() transform.Observer {
	return transform.Observer{LatDeg: s.Lat, LonDeg: s.Lon, AltM: s.Alt}
}

// Transformer converts a J2000 position into local altitude and azimuth.
type Transformer interface {
	AltAz(ra, dec float64, t time.Time, site Site) (alt, az float64, err error)
}

// Topocentric is the default Transformer.
type Topocentric struct{}

// AltAz implements Transformer.
func (Topocentric) AltAz(ra, dec float64, t time.Time, site Site) (float64, float64, error) {
	h, err := transform.EquatorialToHorizontal(ra, dec, site.Observer(), t)
	if err != nil {
		return 0, 0, err
	}
	return h.AltitudeDeg, h.AzimuthDeg, nil
}
