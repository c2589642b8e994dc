// pkg/core/capture.go
package core

// CaptureAttempt is the first phase of a capture. It lives for one round trip.
type CaptureAttempt struct {
	SessionID string      `json:"sessionId"`
	EntityID  string      `json:"entityId"`
	Fix       LocationFix `json:"fix"`
	Device    DeviceInfo  `json:"device"`
	Method    string      `json:"method"`
}

// CaptureResponse is the backend verdict on an attempt.
type CaptureResponse struct {
	Accepted      bool   `json:"accepted"`
	PointsAwarded int    `json:"pointsAwarded"`
	ResultID      string `json:"resultId,omitempty"`
	EntityID      string `json:"entityId,omitempty"` // set when the capture produced a confirmable entity
	Message       string `json:"message,omitempty"`
}

// AntiCheatSignals are device-side signals sent with a confirmation.
type AntiCheatSignals struct {
	SpeedMPS     float64 `json:"speedMps"`
	MockLocation bool    `json:"mockLocation"`
}

// CaptureConfirmation is the second phase of a capture. Each one carries a
// key that is never reused for a different attempt.
type CaptureConfirmation struct {
	SessionID      string           `json:"sessionId"`
	EntityID       string           `json:"entityId"`
	ResultID       string           `json:"resultId,omitempty"`
	Fix            LocationFix      `json:"fix"`
	Device         DeviceInfo       `json:"device"`
	Signals        AntiCheatSignals `json:"signals"`
	IdempotencyKey string           `json:"idempotencyKey"`
}

// ConfirmAck is the backend acknowledgement of a confirmation.
type ConfirmAck struct {
	Duplicate bool `json:"duplicate,omitempty"`
}
