package messaging

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectRunEnqueue carries new pipeline run tasks to the worker.
	SubjectRunEnqueue = "convey.runs.enqueue"
	// SubjectRunStatus carries terminal run outcomes.
	SubjectRunStatus = "convey.runs.status"
	// SubjectStageStatus carries per-stage progress updates.
	SubjectStageStatus = "convey.stage.status"
)

// RunTask is the message that triggers one pipeline run. Overrides is a
// partial deployment configuration merged over the server defaults.
type RunTask struct {
	RunID     string          `json:"run_id"`
	SourceRev string          `json:"source_rev"`
	Overrides json.RawMessage `json:"overrides,omitempty"`
}

// StageStatus reports the progress of one pipeline stage.
type StageStatus struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunStatus reports the terminal outcome of a pipeline run.
type RunStatus struct {
	RunID   string    `json:"run_id"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	EndedAt time.Time `json:"ended_at"`
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	log.Println("Connected to NATS server at", natsURL)
	return nc, nil
}
