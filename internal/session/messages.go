package session

import (
	"github.com/geocatch/client/internal/capture"
	"github.com/geocatch/client/pkg/core"
)

// Inbox messages. Requests come from the public API; *Done messages are I/O
// completions posted back by worker goroutines and carry the generation they
// were issued under.

type startRequest struct {
	reply chan<- error
}

type startDone struct {
	gen    uint64
	fix    core.LocationFix
	handle core.SessionHandle
	err    error
	reply  chan<- error
}

type endRequest struct {
	reason string
	reply  chan<- endResult // nil for Background
}

type endResult struct {
	summary core.SessionSummary
	err     error
}

type endDone struct {
	summary core.SessionSummary
	err     error
	replies []chan<- endResult
}

type locationUpdate struct {
	fix core.LocationFix
}

type pushEvent struct {
	name    string
	payload []byte
}

type refreshDone struct {
	gen    uint64
	reason string
	result core.NearbyResult
	err    error
}

type playersDone struct {
	gen     uint64
	players []core.NearbyPlayer
	err     error
}

type captureRequest struct {
	entityID string
	reply    chan<- CaptureOutcome
}

type captureDone struct {
	gen    uint64
	entity core.NearbyEntity
	result capture.AttemptResult
	err    error
	reply  chan<- CaptureOutcome
}

type snapshotRequest struct {
	reply chan<- Snapshot
}
