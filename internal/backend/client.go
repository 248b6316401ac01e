package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventlog/internal/attendance"
	"eventlog/internal/eventcache"
	"eventlog/internal/window"
)

// Client calls the EventLog REST server.
type Client struct {
	BaseURL string
	Token   string
	BlockID int64
	HTTP    *http.Client
}

// New creates a client with a bounded request timeout.
func New(baseURL, token string, blockID int64, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		BlockID: blockID,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Event is the wire shape of one event in the server's event list.
type Event struct {
	EventID      int64    `json:"event_id"`
	EventName    string   `json:"event_name"`
	Venue        string   `json:"venue"`
	AMIn         *string  `json:"am_in"`
	AMOut        *string  `json:"am_out"`
	PMIn         *string  `json:"pm_in"`
	PMOut        *string  `json:"pm_out"`
	Duration     int      `json:"duration"`
	EventDates   []string `json:"event_dates"`
	EventDateIDs []int64  `json:"event_date_ids"`
	Status       string   `json:"status"`
}

// Normalize converts the wire shape into the cache's event configuration.
func (e Event) Normalize() (eventcache.Event, error) {
	if len(e.EventDates) != len(e.EventDateIDs) {
		return eventcache.Event{}, fmt.Errorf("event %d: %d dates but %d date ids", e.EventID, len(e.EventDates), len(e.EventDateIDs))
	}
	out := eventcache.Event{
		ID:     e.EventID,
		Name:   e.EventName,
		Venue:  e.Venue,
		Status: e.Status,
	}
	var err error
	sched := &out.Schedule
	for _, a := range []struct {
		raw *string
		dst **window.TimeOfDay
	}{{e.AMIn, &sched.AMIn}, {e.AMOut, &sched.AMOut}, {e.PMIn, &sched.PMIn}, {e.PMOut, &sched.PMOut}} {
		if *a.dst, err = parseAnchor(a.raw); err != nil {
			return eventcache.Event{}, fmt.Errorf("event %d: %w", e.EventID, err)
		}
	}
	sched.GraceMinutes = e.Duration
	if sched.GraceMinutes < 0 {
		sched.GraceMinutes = 0
	}
	for i, id := range e.EventDateIDs {
		day, err := parseDay(e.EventDates[i])
		if err != nil {
			return eventcache.Event{}, fmt.Errorf("event %d: %w", e.EventID, err)
		}
		out.Dates = append(out.Dates, eventcache.EventDate{ID: id, Day: day})
	}
	return out, nil
}

func parseAnchor(raw *string) (*window.TimeOfDay, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := window.ParseTimeOfDay(*raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseDay accepts "2006-01-02" or a timestamp starting with one.
func parseDay(raw string) (string, error) {
	if len(raw) >= len(time.DateOnly) {
		raw = raw[:len(time.DateOnly)]
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return "", fmt.Errorf("bad event date %q", raw)
	}
	return d.Format(time.DateOnly), nil
}

// FetchEvents returns the event list visible to this station's block.
// Events that fail to normalize are skipped so one bad row cannot empty the cache.
func (c *Client) FetchEvents(ctx context.Context) ([]eventcache.Event, error) {
	path := "/events/user/upcoming"
	if c.BlockID != 0 {
		path += "?block_id=" + strconv.FormatInt(c.BlockID, 10)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Success *bool   `json:"success"`
		Message string  `json:"message"`
		Events  []Event `json:"events"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.Success != nil && !*out.Success {
		return nil, fmt.Errorf("fetch events rejected: %s", out.Message)
	}

	events := make([]eventcache.Event, 0, len(out.Events))
	var skipped []string
	for _, raw := range out.Events {
		evt, err := raw.Normalize()
		if err != nil {
			skipped = append(skipped, err.Error())
			continue
		}
		events = append(events, evt)
	}
	if len(skipped) > 0 && len(events) == 0 {
		return nil, fmt.Errorf("no usable events: %s", strings.Join(skipped, "; "))
	}
	return events, nil
}

// SyncRow is one uploaded attendance row; only set flags are sent.
type SyncRow struct {
	EventDateID     int64 `json:"event_date_id"`
	StudentIDNumber int64 `json:"student_id_number"`
	AMIn            bool  `json:"am_in,omitempty"`
	AMOut           bool  `json:"am_out,omitempty"`
	PMIn            bool  `json:"pm_in,omitempty"`
	PMOut           bool  `json:"pm_out,omitempty"`
}

// SyncRequest is the body of POST /attendance/sync.
type SyncRequest struct {
	AttendanceData []SyncRow `json:"attendanceData"`
}

// BuildSyncRequest normalizes stored rows into the upload batch.
func BuildSyncRequest(records []attendance.Record) SyncRequest {
	rows := make([]SyncRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, SyncRow{
			EventDateID:     r.EventDateID,
			StudentIDNumber: r.StudentIDNumber,
			AMIn:            r.AMIn,
			AMOut:           r.AMOut,
			PMIn:            r.PMIn,
			PMOut:           r.PMOut,
		})
	}
	return SyncRequest{AttendanceData: rows}
}

// SyncAttendance uploads a batch. A nil error means the server acknowledged all of it.
func (c *Client) SyncAttendance(ctx context.Context, batchID string, records []attendance.Record) error {
	body, err := json.Marshal(BuildSyncRequest(records))
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/attendance/sync", bytes.NewReader(body))
	if err != nil {
		return err
	}
	if batchID != "" {
		req.Header.Set("Idempotency-Key", batchID)
	}

	var out struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := c.do(req, &out); err != nil {
		return err
	}
	if out.Success != nil && !*out.Success {
		return fmt.Errorf("attendance sync rejected: %s", out.Message)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend error %s: %s", resp.Status, strings.TrimSpace(string(bodyBytes)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
