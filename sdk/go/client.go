package dutylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dutyline HTTP API client.
type Client struct {
	BaseURL    string
	Actor      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// HOSState is a driver's remaining budgets snapshot.
type HOSState struct {
	DriverID                   string  `json:"driver_id"`
	CurrentStatus              string  `json:"current_status"`
	RemainingDriveHours        float64 `json:"remaining_drive_hours"`
	RemainingOnDutyWindowHours float64 `json:"remaining_on_duty_window_hours"`
	RemainingCycleHours        float64 `json:"remaining_cycle_hours"`
	WindowStartedAt            *string `json:"window_started_at,omitempty"`
	LastComputedAt             string  `json:"last_computed_at"`
}

// DutyInterval is one record-of-duty-status row.
type DutyInterval struct {
	ID            string   `json:"id"`
	DriverID      string   `json:"driver_id"`
	Status        string   `json:"status"`
	StartTime     string   `json:"start_time"`
	EndTime       *string  `json:"end_time,omitempty"`
	DurationHours *float64 `json:"duration_hours,omitempty"`
	Location      string   `json:"location,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	IsAutomatic   bool     `json:"is_automatic"`
	CorrectsID    *string  `json:"corrects_id,omitempty"`
}

// Violation is a detector finding persisted on the driver's record.
type Violation struct {
	ID          string  `json:"id"`
	DriverID    string  `json:"driver_id"`
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	RaisedAt    string  `json:"raised_at"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

// TransitionResult is the response to a duty status change.
type TransitionResult struct {
	State              HOSState     `json:"driver_hos_state"`
	Interval           DutyInterval `json:"interval"`
	NewViolations      []Violation  `json:"new_violations"`
	ResolvedViolations []Violation  `json:"resolved_violations"`
}

// Compliance is the reporter verdict.
type Compliance struct {
	Compliant bool     `json:"compliant"`
	Issues    []string `json:"issues"`
	State     HOSState `json:"driver_hos_state"`
}

// LogSummary groups exported hours by status.
type LogSummary struct {
	TotalDrivingHours float64 `json:"total_driving_hours"`
	TotalOnDutyHours  float64 `json:"total_on_duty_hours"`
	TotalOffDutyHours float64 `json:"total_off_duty_hours"`
	TotalSleeperHours float64 `json:"total_sleeper_hours"`
}

// Export is the exportLogs response.
type Export struct {
	DriverID  string         `json:"driver_id"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Intervals []DutyInterval `json:"intervals"`
	Summary   LogSummary     `json:"summary"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ChangeDutyStatus records a transition for a driver. Timestamp may be empty
// for "now".
func (c *Client) ChangeDutyStatus(ctx context.Context, driverID, newStatus, location, timestamp string) (TransitionResult, error) {
	body := map[string]any{
		"new_status": newStatus,
		"location":   location,
	}
	if timestamp != "" {
		body["timestamp"] = timestamp
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.driverPath(driverID, "duty-status"), body, &resp)
	return resp, err
}

// HOS fetches the remaining budgets for a driver.
func (c *Client) HOS(ctx context.Context, driverID, asOf string) (HOSState, error) {
	p := c.driverPath(driverID, "hos")
	if asOf != "" {
		p += "?as_of=" + url.QueryEscape(asOf)
	}
	var resp HOSState
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp, err
}

// Compliance fetches the compliance verdict for a driver.
func (c *Client) Compliance(ctx context.Context, driverID, asOf string) (Compliance, error) {
	p := c.driverPath(driverID, "compliance")
	if asOf != "" {
		p += "?as_of=" + url.QueryEscape(asOf)
	}
	var resp Compliance
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp, err
}

// ExportLogs fetches intervals and summary for a window.
func (c *Client) ExportLogs(ctx context.Context, driverID, from, to string) (Export, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	p := c.driverPath(driverID, "logs")
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	var resp Export
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp, err
}

// Violations lists a driver's violations, optionally only open ones.
func (c *Client) Violations(ctx context.Context, driverID string, openOnly bool) ([]Violation, error) {
	p := c.driverPath(driverID, "violations")
	if openOnly {
		p += "?open=true"
	}
	var resp []Violation
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp, err
}

// ResolveViolation closes a violation by hand.
func (c *Client) ResolveViolation(ctx context.Context, violationID string) (Violation, error) {
	var resp Violation
	err := c.do(ctx, http.MethodPost, "v0/violations/"+url.PathEscape(violationID)+"/resolve", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Actor != "" {
		req.Header.Set("X-Actor", c.Actor)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) driverPath(driverID, p string) string {
	return fmt.Sprintf("v0/drivers/%s/%s", url.PathEscape(driverID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
