package streams

import (
	"context"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dashforge/internal/agent/core"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestGenerationEventsRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	endpoint, err := redisC.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	defer client.Close()

	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	const stream = "dashforge:test"
	if err := EnsureGroup(ctx, client, stream, "cli"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	events := NewGenerationEvents(NewPublisher(client, reg), stream)
	if err := events.PublishEvent(ctx, core.Event{GenerationID: "gen-1", Stage: core.StagePlanning, Status: core.EventStarted}); err != nil {
		t.Fatalf("publish stage: %v", err)
	}
	if err := events.PublishFinished(ctx, core.Generation{ID: "gen-1", Status: core.StatusSuccess}); err != nil {
		t.Fatalf("publish finished: %v", err)
	}

	consumer := NewConsumer(client, reg, "cli", "test")
	msgs, err := consumer.Read(ctx, stream, WithCount(10), WithBlock(time.Second))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Envelope.EventType != EventGenerationStage || msgs[1].Envelope.EventType != EventGenerationFinished {
		t.Fatalf("unexpected order: %+v", msgs)
	}
	if msgs[0].Envelope.GenerationID != "gen-1" {
		t.Fatalf("generation id not carried: %+v", msgs[0].Envelope)
	}
	if msgs[0].Stage == nil || msgs[0].Stage.Stage != string(core.StagePlanning) {
		t.Fatalf("stage payload not decoded: %+v", msgs[0])
	}
	if msgs[1].Finished == nil || msgs[1].Finished.Status != core.StatusSuccess {
		t.Fatalf("finished payload not decoded: %+v", msgs[1])
	}
	if err := consumer.Ack(ctx, stream, msgs[0].ID, msgs[1].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}
