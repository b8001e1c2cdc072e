// Package rts2 talks to the RTS2 HTTP JSON API: site state for visibility,
// target enable/disable, and telescope slews and camera exposures.
package rts2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/visibility"
)

// RTS2 device types and state bits.
const (
	deviceMount  = 2
	deviceCamera = 3

	telMaskMoving   = 0x07
	camMaskExposing = 0x01
	camMaskReading  = 0x02
	errorMask       = 0xff0000

	centrald = "centrald"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = time.Second
	defaultMoveTimeout  = 5 * time.Minute
)

// ErrDevice is returned when a device reports an error state or a command
// is rejected.
var ErrDevice = errors.New("rts2 device error")

// Config configures a Client.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// TargetID is the RTS2 target enabled while field lists exist.
	TargetID int
	// Telescope and Camera name the devices; empty means detect by type.
	Telescope    string
	Camera       string
	Timeout      time.Duration
	PollInterval time.Duration
	MoveTimeout  time.Duration
}

// Client is an RTS2 API client.
type Client struct {
	cfg        Config
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing rts2 url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("rts2 url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = defaultMoveTimeout
	}
	return &Client{
		cfg:     cfg,
		baseURL: u,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}, nil
}

// Device is the state of one RTS2 device.
type Device struct {
	Type   int                        `json:"type"`
	State  int                        `json:"state"`
	Values map[string]json.RawMessage `json:"d"`
}

// Float returns a numeric device value.
func (d Device) Float(name string) (float64, error) {
	raw, ok := d.Values[name]
	if !ok {
		return 0, fmt.Errorf("value %s missing", name)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("value %s: %w", name, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value %s is not finite", name)
	}
	return v, nil
}

func (c *Client) call(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d from %s: %s", resp.StatusCode, path, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Devices returns the state of every device.
func (c *Client) Devices(ctx context.Context) (map[string]Device, error) {
	var devices map[string]Device
	if err := c.call(ctx, "/api/getall", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func findDevice(devices map[string]Device, name string, kind int) (string, Device, error) {
	if name != "" {
		d, ok := devices[name]
		if !ok {
			return "", Device{}, fmt.Errorf("device %s not found", name)
		}
		return name, d, nil
	}
	// Map order is random; pick the lowest name for stable results.
	found := ""
	for n, d := range devices {
		if d.Type == kind && (found == "" || n < found) {
			found = n
		}
	}
	if found == "" {
		return "", Device{}, fmt.Errorf("no device of type %d", kind)
	}
	return found, devices[found], nil
}

// Site returns the mount location and the current night from centrald.
func (c *Client) Site(ctx context.Context) (visibility.Site, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return visibility.Site{}, err
	}

	_, tel, err := findDevice(devices, c.cfg.Telescope, deviceMount)
	if err != nil {
		return visibility.Site{}, err
	}
	var loc [3]float64
	for i, name := range []string{"LONGITUD", "LATITUDE", "ALTITUDE"} {
		if loc[i], err = tel.Float(name); err != nil {
			return visibility.Site{}, fmt.Errorf("telescope: %w", err)
		}
	}

	cd, ok := devices[centrald]
	if !ok {
		return visibility.Site{}, errors.New("centrald state missing")
	}
	begin, err := cd.Float("night_beginning")
	if err != nil {
		return visibility.Site{}, fmt.Errorf("centrald: %w", err)
	}
	end, err := cd.Float("night_ending")
	if err != nil {
		return visibility.Site{}, fmt.Errorf("centrald: %w", err)
	}

	return visibility.NewSite(loc[0], loc[1], loc[2], unixTime(begin), unixTime(end)), nil
}

func unixTime(sec float64) time.Time {
	s, frac := math.Modf(sec)
	return time.Unix(int64(s), int64(frac*1e9)).UTC()
}

// SetTargetEnabled enables or disables the configured target.
func (c *Client) SetTargetEnabled(ctx context.Context, enabled bool) error {
	flag := "0"
	if enabled {
		flag = "1"
	}
	params := url.Values{}
	params.Set("id", strconv.Itoa(c.cfg.TargetID))
	params.Set("enabled", flag)
	if err := c.call(ctx, "/api/update_target", params, nil); err != nil {
		return fmt.Errorf("updating target %d: %w", c.cfg.TargetID, err)
	}
	return nil
}

// DisableTarget disables the configured target.
func (c *Client) DisableTarget(ctx context.Context) error {
	return c.SetTargetEnabled(ctx, false)
}

type cmdReply struct {
	Ret   int    `json:"ret"`
	Error string `json:"error"`
}

func (c *Client) command(ctx context.Context, device, cmd string) error {
	params := url.Values{}
	params.Set("d", device)
	params.Set("c", cmd)
	var reply cmdReply
	if err := c.call(ctx, "/api/cmd", params, &reply); err != nil {
		return err
	}
	if reply.Ret != 0 {
		return fmt.Errorf("%w: %s %q returned %d %s", ErrDevice, device, cmd, reply.Ret, reply.Error)
	}
	return nil
}

func (c *Client) setValue(ctx context.Context, device, name, value string) error {
	params := url.Values{}
	params.Set("d", device)
	params.Set("n", name)
	params.Set("v", value)
	return c.call(ctx, "/api/set", params, nil)
}

func (c *Client) state(ctx context.Context, device string) (int, error) {
	params := url.Values{}
	params.Set("d", device)
	var d Device
	if err := c.call(ctx, "/api/get", params, &d); err != nil {
		return 0, err
	}
	return d.State, nil
}

// waitIdle polls the device until none of the mask bits are set.
func (c *Client) waitIdle(ctx context.Context, device string, mask int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		st, err := c.state(ctx, device)
		if err != nil {
			return err
		}
		if st&errorMask != 0 {
			return fmt.Errorf("%w: %s state 0x%x", ErrDevice, device, st)
		}
		if st&mask == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", device, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) devices(ctx context.Context) (string, string, error) {
	if c.cfg.Telescope != "" && c.cfg.Camera != "" {
		return c.cfg.Telescope, c.cfg.Camera, nil
	}
	devices, err := c.Devices(ctx)
	if err != nil {
		return "", "", err
	}
	tel, _, err := findDevice(devices, c.cfg.Telescope, deviceMount)
	if err != nil {
		return "", "", err
	}
	cam, _, err := findDevice(devices, c.cfg.Camera, deviceCamera)
	if err != nil {
		return "", "", err
	}
	c.cfg.Telescope, c.cfg.Camera = tel, cam
	return tel, cam, nil
}

// Point slews the telescope to J2000 ra/dec and waits for the move to end.
func (c *Client) Point(ctx context.Context, ra, dec float64) error {
	tel, _, err := c.devices(ctx)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("move %s %s", formatFloat(ra), formatFloat(dec))
	if err := c.command(ctx, tel, cmd); err != nil {
		return fmt.Errorf("pointing: %w", err)
	}
	return c.waitIdle(ctx, tel, telMaskMoving, c.cfg.MoveTimeout)
}

// Expose takes one frame with the given filter and exposure, labelled with
// object, and waits for readout.
func (c *Client) Expose(ctx context.Context, object, filter string, seconds float64) error {
	_, cam, err := c.devices(ctx)
	if err != nil {
		return err
	}
	if object != "" {
		if err := c.setValue(ctx, cam, "OBJECT", object); err != nil {
			return fmt.Errorf("setting object: %w", err)
		}
	}
	if filter != "" {
		if err := c.setValue(ctx, cam, "FILTER", filter); err != nil {
			return fmt.Errorf("setting filter: %w", err)
		}
	}
	if seconds > 0 {
		if err := c.setValue(ctx, cam, "exposure", formatFloat(seconds)); err != nil {
			return fmt.Errorf("setting exposure: %w", err)
		}
	}
	if err := c.command(ctx, cam, "expose"); err != nil {
		return fmt.Errorf("exposing: %w", err)
	}
	timeout := time.Duration(seconds*float64(time.Second)) + c.cfg.MoveTimeout
	return c.waitIdle(ctx, cam, camMaskExposing|camMaskReading, timeout)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
