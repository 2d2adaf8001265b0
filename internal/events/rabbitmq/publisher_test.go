package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/coomunity/unitsledger/internal/events"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func sampleEvent() events.TransferCompleted {
	return events.TransferCompleted{
		EventID:     uuid.New(),
		EventType:   events.TypeTransferCompleted,
		EntryID:     uuid.New(),
		SenderID:    "alice",
		RecipientID: "bob",
		Amount:      "10.0000",
		Currency:    "UNITS",
		OccurredAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPublishingEnvelope(t *testing.T) {
	evt := sampleEvent()

	msg, err := publishing(evt)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, evt.EventID.String(), msg.MessageId)
	assert.Equal(t, events.TypeTransferCompleted, msg.Type)

	var decoded events.TransferCompleted
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, evt, decoded)
}

func TestPublisherIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-management",
			ExposedPorts: []string{"5672/tcp"},
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": "guest",
				"RABBITMQ_DEFAULT_PASS": "guest",
			},
			WaitingFor: wait.ForLog("Server startup complete"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate rabbitmq container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())

	const exchange, routingKey = "ledger.events", "ledger.transfer.completed"
	pub, err := NewPublisher(url, exchange, routingKey)
	require.NoError(t, err)
	defer pub.Close()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, routingKey, exchange, false, nil))
	msgs, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	require.NoError(t, err)

	evt := sampleEvent()
	require.NoError(t, pub.Publish(ctx, evt))

	select {
	case msg := <-msgs:
		var got events.TransferCompleted
		require.NoError(t, json.Unmarshal(msg.Body, &got))
		assert.Equal(t, evt, got)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
