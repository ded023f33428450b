package schemas

import (
	"time"
)

// ErrorKind classifies a failed ActionResult. The values are stable and are
// persisted with history entries.
type ErrorKind string

const (
	// ErrKindConnection means the protocol session is gone. The driver decides whether to reconnect.
	ErrKindConnection ErrorKind = "CONNECTION_ERROR"
	// ErrKindProtocol means the browser rejected or could not perform a call.
	ErrKindProtocol ErrorKind = "PROTOCOL_ERROR"
	// ErrKindTimeout means a protocol call got no response in time.
	ErrKindTimeout ErrorKind = "TIMEOUT"
	// ErrKindNavigationTimeout means navigation was dispatched but no load signal arrived in time.
	ErrKindNavigationTimeout ErrorKind = "NAVIGATION_TIMEOUT"
	// ErrKindInvalidParameters means the request failed schema validation. No traffic was sent.
	ErrKindInvalidParameters ErrorKind = "INVALID_PARAMETERS"
	// ErrKindStaleElement means the index does not exist in the snapshot the request was checked against.
	ErrKindStaleElement ErrorKind = "STALE_ELEMENT_REFERENCE"
	// ErrKindExtraction means the external extractor failed to answer.
	ErrKindExtraction ErrorKind = "EXTRACTION_FAILED"
	// ErrKindPartiallyLoaded is only used as a warning tag. It never fails an action.
	ErrKindPartiallyLoaded ErrorKind = "PARTIALLY_LOADED"
)

func (k ErrorKind) String() string { return string(k) }

// Recoverable reports whether the driver can continue the same session after this failure.
func (k ErrorKind) Recoverable() bool {
	return k != ErrKindConnection
}

// ActionResult is the outcome of one ActionRequest. It is not modified after Execute returns it.
type ActionResult struct {
	Success     bool          `json:"success"`
	Description string        `json:"description"`
	Payload     any           `json:"payload,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Done        bool          `json:"done,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// NewSuccessResult builds a successful result.
func NewSuccessResult(description string, payload any) ActionResult {
	return ActionResult{Success: true, Description: description, Payload: payload}
}

// NewFailureResult builds a failed result. err may be nil.
func NewFailureResult(kind ErrorKind, description string, err error) ActionResult {
	res := ActionResult{Success: false, Description: description, ErrorKind: kind}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// HistoryEntry pairs one request with its result. Step starts at 1.
type HistoryEntry struct {
	Step       int           `json:"step"`
	Request    ActionRequest `json:"request"`
	Result     ActionResult  `json:"result"`
	SnapshotID string        `json:"snapshot_id,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}
