package streams

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/dashforge/internal/agent/core"
)

const defaultMaxLen = 10000

// StagePayload is the data of a generation.stage v1 event. Artifacts are
// not copied onto the stream, only their size.
type StagePayload struct {
	GenerationID  string `json:"generation_id"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	ArtifactBytes int    `json:"artifact_bytes"`
	At            string `json:"at"`
}

// FinishedPayload is the data of a generation.finished v1 event.
type FinishedPayload struct {
	GenerationID string `json:"generation_id"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	OutputPath   string `json:"output_path,omitempty"`
	Iterations   int    `json:"iterations"`
}

// GenerationEvents publishes pipeline progress to one stream.
type GenerationEvents struct {
	publisher *Publisher
	stream    string
	maxLen    int64
}

func NewGenerationEvents(publisher *Publisher, stream string) *GenerationEvents {
	return &GenerationEvents{publisher: publisher, stream: stream, maxLen: defaultMaxLen}
}

func stagePayload(e core.Event) StagePayload {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return StagePayload{
		GenerationID:  e.GenerationID,
		Stage:         string(e.Stage),
		Status:        string(e.Status),
		Message:       e.Message,
		ArtifactBytes: len(e.Artifact),
		At:            at.UTC().Format(time.RFC3339Nano),
	}
}

// PublishEvent implements core.EventPublisher.
func (g *GenerationEvents) PublishEvent(ctx context.Context, e core.Event) error {
	_, err := g.publisher.PublishRaw(ctx, g.stream, EventGenerationStage, "v1", e.GenerationID, stagePayload(e), WithMaxLenApprox(g.maxLen))
	return err
}

// PublishFinished announces the outcome of a generation.
func (g *GenerationEvents) PublishFinished(ctx context.Context, gen core.Generation) error {
	payload := FinishedPayload{
		GenerationID: gen.ID,
		Status:       gen.Status,
		Error:        gen.Error,
		OutputPath:   gen.OutputPath,
		Iterations:   len(gen.Debug.Logs),
	}
	_, err := g.publisher.PublishRaw(ctx, g.stream, EventGenerationFinished, "v1", gen.ID, payload, WithMaxLenApprox(g.maxLen))
	return err
}
