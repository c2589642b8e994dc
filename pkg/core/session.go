// pkg/core/session.go
package core

import "time"

// DeviceInfo describes the device a session or capture originates from.
type DeviceInfo struct {
	InstallID  string `json:"installId"`
	Platform   string `json:"platform"`
	Model      string `json:"model"`
	OS         string `json:"os"`
	AppVersion string `json:"appVersion"`
}

// Session is the server-acknowledged play session.
type Session struct {
	ID           string      `json:"id"`
	UserID       string      `json:"userId"`
	StartedAt    time.Time   `json:"startedAt"`
	Device       DeviceInfo  `json:"device"`
	LastLocation LocationFix `json:"lastLocation"`
}

// SessionHandle is returned by a successful session start.
type SessionHandle struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	StartedAt time.Time `json:"startedAt"`
}

// SessionSummary is returned when a session ends.
type SessionSummary struct {
	PointsEarned int `json:"pointsEarned"`
}
