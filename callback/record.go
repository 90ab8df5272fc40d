package callback

import (
	"context"
	"time"

	"github.com/programme-lv/grader/sandbox"
)

type State string

const (
	StateCreated     State = "created"
	StateUploaded    State = "uploaded"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateAggregated  State = "aggregated"
	StateFailed      State = "failed"
)

func (s State) Terminal() bool {
	return s == StateAggregated || s == StateFailed
}

// Type is the phase an inbound callback reports as finished.
type Type string

const (
	TypeUpload Type = "upload"
	TypeInit   Type = "init"
	TypeRun    Type = "run"
)

func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeUpload, TypeInit, TypeRun:
		return t, nil
	}
	return "", ErrUnknownCallbackType(s)
}

type Callback struct {
	Type string
	ID   string
	Body []byte
}

// Record tracks one submission executed by the remote sandbox.
type Record struct {
	SubmissionID string    `json:"submission_id"`
	State        State     `json:"state"`
	LastCallback Type      `json:"last_callback,omitempty"`
	ResultRef    string    `json:"result_ref,omitempty"`
	ErrorMsg     string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int64     `json:"version"`
}

// Result is delivered to the registrant once the record is terminal.
// Run is set when the run callback carried a parsable result.
type Result struct {
	Record Record
	Run    *sandbox.RunResult
	Err    error
}

// Repo persists records. Update stores rec only when the stored version is
// rec.Version-1 and returns ErrVersionConflict otherwise.
type Repo interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Update(ctx context.Context, rec Record) error
}
