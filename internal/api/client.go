// internal/api/client.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/geocatch/client/pkg/core"
	"github.com/google/uuid"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.Status)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Client handles communication with the game backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// do sends body as JSON and decodes a 2xx JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body any, out any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			se.Message = eb.Message
			if se.Message == "" {
				se.Message = eb.Error
			}
		}
		return se
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

// Healthcheck checks if the backend is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthcheck", nil, nil, nil)
}

type startSessionRequest struct {
	Device   core.DeviceInfo  `json:"device"`
	Location core.LocationFix `json:"location"`
}

// StartSession opens a play session.
func (c *Client) StartSession(ctx context.Context, device core.DeviceInfo, fix core.LocationFix) (core.SessionHandle, error) {
	var h core.SessionHandle
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", startSessionRequest{Device: device, Location: fix}, &h, nil)
	if err != nil {
		return core.SessionHandle{}, err
	}
	if h.SessionID == "" {
		return core.SessionHandle{}, errors.New("start session response missing sessionId")
	}
	return h, nil
}

type endSessionRequest struct {
	DurationSeconds float64 `json:"durationSeconds"`
}

// EndSession closes a play session and returns the points earned in it.
func (c *Client) EndSession(ctx context.Context, sessionID string, duration time.Duration) (core.SessionSummary, error) {
	var s core.SessionSummary
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/end"
	err := c.do(ctx, http.MethodPost, path, endSessionRequest{DurationSeconds: duration.Seconds()}, &s, nil)
	return s, err
}

// ReportLocation sends a telemetry fix for the session.
func (c *Client) ReportLocation(ctx context.Context, sessionID string, fix core.LocationFix) error {
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/location"
	return c.do(ctx, http.MethodPost, path, fix, nil, nil)
}

type nearbyRequest struct {
	SessionID string           `json:"sessionId"`
	Box       core.BoundingBox `json:"bbox"`
}

// QueryNearby returns the collectibles and partners inside box.
func (c *Client) QueryNearby(ctx context.Context, sessionID string, box core.BoundingBox) (core.NearbyResult, error) {
	var r core.NearbyResult
	err := c.do(ctx, http.MethodPost, "/api/v1/nearby", nearbyRequest{SessionID: sessionID, Box: box}, &r, nil)
	return r, err
}

type playersResponse struct {
	Players []core.NearbyPlayer `json:"players"`
}

// QueryNearbyPlayers returns other players inside box.
func (c *Client) QueryNearbyPlayers(ctx context.Context, sessionID string, box core.BoundingBox) ([]core.NearbyPlayer, error) {
	var r playersResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/nearby/players", nearbyRequest{SessionID: sessionID, Box: box}, &r, nil)
	return r.Players, err
}

// AttemptCapture submits a capture attempt. Client errors other than auth
// failures are business rejections and come back as an unaccepted response.
func (c *Client) AttemptCapture(ctx context.Context, a core.CaptureAttempt) (core.CaptureResponse, error) {
	var r core.CaptureResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/captures/attempt", a, &r, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 &&
			se.Status != http.StatusUnauthorized && se.Status != http.StatusForbidden {
			return core.CaptureResponse{Accepted: false, Message: se.Message}, nil
		}
		return core.CaptureResponse{}, err
	}
	return r, nil
}

// ConfirmCapture submits a capture confirmation. The idempotency key is also
// sent as a header so the backend can deduplicate before parsing the body.
func (c *Client) ConfirmCapture(ctx context.Context, conf core.CaptureConfirmation) (core.ConfirmAck, error) {
	var ack core.ConfirmAck
	headers := map[string]string{"Idempotency-Key": conf.IdempotencyKey}
	err := c.do(ctx, http.MethodPost, "/api/v1/captures/confirm", conf, &ack, headers)
	return ack, err
}
