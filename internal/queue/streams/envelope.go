package streams

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope wraps every generation event on the stream. Data carries a
// StagePayload or a FinishedPayload depending on EventType.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	GenerationID   string          `json:"generation_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TraceID        string          `json:"trace_id,omitempty"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic reports every missing header field at once and stamps
// OccurredAt when the producer left it empty.
func (e *Envelope) ValidateBasic() error {
	var missing []string
	if e.EventID == "" {
		missing = append(missing, "event_id")
	}
	if e.EventType == "" {
		missing = append(missing, "event_type")
	}
	if e.PayloadVersion == "" {
		missing = append(missing, "payload_version")
	}
	if len(e.Data) == 0 {
		missing = append(missing, "data")
	}
	if len(missing) > 0 {
		return fmt.Errorf("envelope missing %s", strings.Join(missing, ", "))
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// ParseEnvelope decodes the "envelope" field of a stream entry. go-redis
// hands it back as a string; raw bytes are accepted for callers that
// bypass the client.
func ParseEnvelope(field interface{}) (Envelope, error) {
	var env Envelope
	var raw []byte
	switch v := field.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return env, fmt.Errorf("envelope field has type %T", field)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, env.ValidateBasic()
}
