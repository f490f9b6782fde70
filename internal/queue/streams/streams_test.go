package streams

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dashforge/internal/agent/core"
	"github.com/redis/go-redis/v9"
)

func TestBaseSchemasValidateStagePayload(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	payload := stagePayload(core.Event{
		GenerationID: "gen-1",
		Stage:        core.StageCoding,
		Status:       core.EventCompleted,
		Artifact:     "import streamlit as st",
		At:           time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
	})
	if payload.ArtifactBytes != len("import streamlit as st") {
		t.Fatalf("artifact bytes = %d", payload.ArtifactBytes)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := reg.Validate(EventGenerationStage, "v1", data); err != nil {
		t.Fatalf("expected stage payload to validate: %v", err)
	}

	bad, _ := json.Marshal(map[string]interface{}{"generation_id": "gen-1", "stage": "deploying", "status": "started", "at": "2025-05-01T10:00:00Z"})
	if err := reg.Validate(EventGenerationStage, "v1", bad); err == nil {
		t.Fatalf("expected unknown stage to fail validation")
	}

	finished, _ := json.Marshal(FinishedPayload{GenerationID: "gen-1", Status: core.StatusFailure, Iterations: 3})
	if err := reg.Validate(EventGenerationFinished, "v1", finished); err != nil {
		t.Fatalf("expected finished payload to validate: %v", err)
	}
	if err := reg.Validate(EventGenerationFinished, "v2", finished); err == nil {
		t.Fatalf("expected unknown version to fail")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{EventID: "e1", EventType: EventGenerationStage, PayloadVersion: "v1", Data: json.RawMessage(`{"a":1}`)}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := ParseEnvelope(string(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.EventID != "e1" || back.OccurredAt.IsZero() {
		t.Fatalf("unexpected envelope: %+v", back)
	}
	_, err = ParseEnvelope([]byte(`{"event_id":"x","event_type":"y"}`))
	if err == nil || !strings.Contains(err.Error(), "payload_version, data") {
		t.Fatalf("expected both missing fields reported, got %v", err)
	}
	if _, err := ParseEnvelope(42); err == nil {
		t.Fatalf("expected non-string field to fail")
	}
}

func entryFor(t *testing.T, id, eventType string, payload interface{}) redis.XMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{EventID: id, EventType: eventType, GenerationID: "gen-1", PayloadVersion: "v1", Data: data}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return redis.XMessage{ID: id, Values: map[string]interface{}{"envelope": string(raw)}}
}

func TestConsumerDecodesGenerationPayloads(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	// decode never touches the client.
	c := NewConsumer(nil, reg, "g", "n")

	stage := stagePayload(core.Event{GenerationID: "gen-1", Stage: core.StageDebugging, Status: core.EventFailed, Message: "exit 1"})
	msg, outcome := c.decode(entryFor(t, "1-0", EventGenerationStage, stage))
	if outcome != "ok" || msg.Stage == nil || msg.Finished != nil {
		t.Fatalf("stage decode: outcome=%s msg=%+v", outcome, msg)
	}
	if msg.Stage.Stage != string(core.StageDebugging) || msg.Stage.Message != "exit 1" {
		t.Fatalf("stage payload: %+v", msg.Stage)
	}

	finished := FinishedPayload{GenerationID: "gen-1", Status: core.StatusSuccess, OutputPath: "dashboard_generated.py", Iterations: 2}
	msg, outcome = c.decode(entryFor(t, "2-0", EventGenerationFinished, finished))
	if outcome != "ok" || msg.Finished == nil || msg.Stage != nil {
		t.Fatalf("finished decode: outcome=%s msg=%+v", outcome, msg)
	}
	if msg.Finished.Iterations != 2 || msg.Finished.OutputPath != "dashboard_generated.py" {
		t.Fatalf("finished payload: %+v", msg.Finished)
	}

	cases := map[string]redis.XMessage{
		"malformed": {ID: "3-0", Values: map[string]interface{}{"envelope": "{not json"}},
		"invalid":   entryFor(t, "4-0", EventGenerationStage, map[string]string{"stage": "planning"}),
	}
	for want, entry := range cases {
		if _, got := c.decode(entry); got != want {
			t.Fatalf("entry %s: outcome %s, want %s", entry.ID, got, want)
		}
	}
	if _, got := c.decode(redis.XMessage{ID: "5-0", Values: map[string]interface{}{}}); got != "malformed" {
		t.Fatalf("missing envelope field: outcome %s", got)
	}
}

func TestPublishRejectsInvalidPayloadBeforeRedis(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	// A nil client is never reached when validation fails.
	p := NewPublisher(nil, reg)
	_, err = p.PublishRaw(context.Background(), "s", EventGenerationStage, "v1", "gen-1", map[string]string{"stage": "planning"})
	if err == nil || !strings.Contains(err.Error(), "validation") {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := p.Publish(context.Background(), "", Envelope{}); err == nil {
		t.Fatalf("expected stream name error")
	}
}
