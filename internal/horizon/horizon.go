// Package horizon models the local obstruction profile of an observing site:
// the minimum altitude a target must reach at a given azimuth to be observable.
package horizon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DefaultFloor is the altitude floor in degrees used when none is configured.
const DefaultFloor = 10.0

// Point is one sample of a horizon profile.
type Point struct {
	Azimuth  float64 // degrees
	Altitude float64 // degrees
}

// Model maps azimuth to minimum observable altitude.
// It is immutable after construction and safe for concurrent use.
type Model struct {
	floor  float64
	points []Point // sorted by azimuth, spans [0, 360]
}

// Constant returns a model with the same minimum altitude in every direction.
func Constant(floor float64) *Model {
	return &Model{floor: floor}
}

// New builds a model from profile samples. Samples are sorted by azimuth and
// extended so that azimuths 0 and 360 are defined, and every altitude below
// floor is raised to floor.
func New(points []Point, floor float64) *Model {
	if len(points) == 0 {
		return Constant(floor)
	}

	pts := make([]Point, len(points))
	copy(pts, points)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Azimuth < pts[j].Azimuth })

	if pts[0].Azimuth > 0 {
		pts = append([]Point{{Azimuth: 0, Altitude: pts[0].Altitude}}, pts...)
	}
	if last := pts[len(pts)-1]; last.Azimuth < 360 {
		pts = append(pts, Point{Azimuth: 360, Altitude: last.Altitude})
	}

	for i := range pts {
		if pts[i].Altitude < floor {
			pts[i].Altitude = floor
		}
	}

	return &Model{floor: floor, points: pts}
}

// Load reads an RTS2-style horizon profile (lines of "azimuth altitude") from
// path. A missing file yields a constant model at floor.
func Load(path string, floor float64, logger *slog.Logger) (*Model, error) {
	if path == "" {
		return Constant(floor), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("no horizon profile, using constant floor", "path", path, "floor", floor)
			return Constant(floor), nil
		}
		return nil, fmt.Errorf("opening horizon profile: %w", err)
	}
	defer f.Close()

	points, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing horizon profile %s: %w", path, err)
	}

	logger.Info("loaded horizon profile", "path", path, "points", len(points), "floor", floor)
	return New(points, floor), nil
}

// Parse reads profile samples. Blank lines, comments and header lines that do
// not start with two numbers are skipped.
func Parse(r io.Reader) ([]Point, error) {
	scanner := bufio.NewScanner(r)
	var points []Point
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cols := strings.Fields(line)
		if len(cols) < 2 {
			continue
		}
		az, err1 := strconv.ParseFloat(cols[0], 64)
		alt, err2 := strconv.ParseFloat(cols[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		points = append(points, Point{Azimuth: az, Altitude: alt})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

// Floor returns the configured altitude floor.
func (m *Model) Floor() float64 {
	return m.floor
}

// MinAltitude returns the minimum observable altitude at azimuth az (degrees).
func (m *Model) MinAltitude(az float64) float64 {
	if len(m.points) == 0 || math.IsNaN(az) {
		return m.floor
	}

	az = math.Mod(az, 360)
	if az < 0 {
		az += 360
	}

	pts := m.points
	// First sample with azimuth >= az; pts spans [0, 360] so i is in range.
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Azimuth >= az })
	if i == 0 {
		return pts[0].Altitude
	}
	if i == len(pts) {
		return pts[len(pts)-1].Altitude
	}

	lo, hi := pts[i-1], pts[i]
	if hi.Azimuth == lo.Azimuth {
		return hi.Altitude
	}
	frac := (az - lo.Azimuth) / (hi.Azimuth - lo.Azimuth)
	return lo.Altitude + frac*(hi.Altitude-lo.Altitude)
}
