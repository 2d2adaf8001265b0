package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/coomunity/unitsledger/internal/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageKeyedBySender(t *testing.T) {
	evt := events.TransferCompleted{
		EventID:    uuid.New(),
		EventType:  events.TypeTransferCompleted,
		EntryID:    uuid.New(),
		SenderID:   "alice",
		Amount:     "1.0000",
		Currency:   "UNITS",
		OccurredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	msg, err := message(evt)
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), msg.Key)
	assert.Equal(t, evt.OccurredAt, msg.Time)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, events.TypeTransferCompleted, string(msg.Headers[0].Value))

	var decoded events.TransferCompleted
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, evt, decoded)
}
