// Package broker queries the SkyPortal API for observation plans, follow-up
// requests and event metadata.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/karpov-sv/fram-grandma/internal/plan"
)

const (
	plansPath     = "/api/observation_plan"
	followupsPath = "/api/followup_request"
	eventPath     = "/api/gcn_event/"

	// maxBodyBytes bounds a single API response.
	maxBodyBytes = 50 << 20

	defaultTimeout = 30 * time.Second
	defaultScheme  = "token"
)

var (
	// ErrStatus wraps non-200 replies and replies flagged as failed.
	ErrStatus = errors.New("broker returned an error status")
	// ErrMalformed wraps replies that do not decode into the expected envelope.
	ErrMalformed = errors.New("malformed broker payload")
)

// Window is the time range of a query.
type Window struct {
	Start time.Time
	End   time.Time
}

// Lookback returns the window of length d ending at now.
func Lookback(now time.Time, d time.Duration) Window {
	return Window{Start: now.Add(-d), End: now}
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	Token        string
	AuthScheme   string // Authorization scheme, "token" unless set
	InstrumentID int
	Timeout      time.Duration
}

// Client talks to the broker API.
type Client struct {
	baseURL      *url.URL
	authHeader   string
	instrumentID int
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("broker url %q must be absolute", cfg.BaseURL)
	}
	scheme := cfg.AuthScheme
	if scheme == "" {
		scheme = defaultScheme
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:      u,
		authHeader:   scheme + " " + cfg.Token,
		instrumentID: cfg.InstrumentID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}, nil
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: code %d from %s", ErrStatus, resp.StatusCode, path)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response from %s exceeds %d byte limit", path, maxBodyBytes)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	if env.Status != "" && env.Status != "success" {
		return nil, fmt.Errorf("%w: %s: %s", ErrStatus, path, env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: %s: missing data", ErrMalformed, path)
	}
	return env.Data, nil
}

func (c *Client) windowParams(w Window, status string) url.Values {
	params := url.Values{}
	if c.instrumentID > 0 {
		params.Set("instrumentID", strconv.Itoa(c.instrumentID))
	}
	params.Set("startDate", isot(w.Start))
	params.Set("endDate", isot(w.End))
	params.Set("status", status)
	return params
}

func isot(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000")
}

type plansData struct {
	Requests []struct {
		LocalizationID int64             `json:"localization_id"`
		Plans          []json.RawMessage `json:"observation_plans"`
	} `json:"requests"`
}

// Plans returns completed observation plans in the window, in response
// order. Individual plans that fail to decode are logged and skipped.
func (c *Client) Plans(ctx context.Context, w Window) ([]plan.Plan, error) {
	params := c.windowParams(w, "complete")
	params.Set("includePlannedObservations", "true")

	data, err := c.get(ctx, plansPath, params)
	if err != nil {
		return nil, err
	}

	var pd plansData
	if err := json.Unmarshal(data, &pd); err != nil {
		return nil, fmt.Errorf("%w: observation plans: %v", ErrMalformed, err)
	}

	var plans []plan.Plan
	for _, req := range pd.Requests {
		for _, raw := range req.Plans {
			p, err := plan.Decode(raw)
			if err != nil {
				c.logger.Warn("skipping undecodable plan", "localization", req.LocalizationID, "error", err)
				continue
			}
			if p.LocalizationID == 0 {
				p.LocalizationID = req.LocalizationID
			}
			plans = append(plans, p)
		}
	}
	return plans, nil
}

type followupsData struct {
	Requests []json.RawMessage `json:"followup_requests"`
}

// Followups returns submitted follow-up requests in the window.
func (c *Client) Followups(ctx context.Context, w Window) ([]plan.Followup, error) {
	data, err := c.get(ctx, followupsPath, c.windowParams(w, "submitted"))
	if err != nil {
		return nil, err
	}

	var fd followupsData
	if err := json.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("%w: follow-up requests: %v", ErrMalformed, err)
	}

	var requests []plan.Followup
	for _, raw := range fd.Requests {
		f, err := plan.DecodeFollowup(raw)
		if err != nil {
			c.logger.Warn("skipping undecodable follow-up request", "error", err)
			continue
		}
		requests = append(requests, f)
	}
	return requests, nil
}

// UnknownEvent is the event name used when the alias lookup fails.
const UnknownEvent = "Unknown"

// EventName returns the first alias of the event at dateobs, without the
// "LVC#" prefix. Failures are logged and reported as UnknownEvent.
func (c *Client) EventName(ctx context.Context, dateobs string) string {
	data, err := c.get(ctx, eventPath+dateobs, nil)
	if err != nil {
		c.logger.Warn("event lookup failed", "dateobs", dateobs, "error", err)
		return UnknownEvent
	}

	var ev struct {
		Aliases []string `json:"aliases"`
	}
	if err := json.Unmarshal(data, &ev); err != nil || len(ev.Aliases) == 0 {
		c.logger.Warn("event has no aliases", "dateobs", dateobs)
		return UnknownEvent
	}
	return strings.TrimPrefix(ev.Aliases[0], "LVC#")
}
