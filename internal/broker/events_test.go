package broker

import (
	"encoding/json"
	"testing"

	"kds-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChange(t *testing.T) {
	raw, err := json.Marshal(models.FeedMessage{
		Type:            models.FeedTicketBumped,
		EstablishmentID: "est-1",
		StationID:       "st-grill",
		TicketID:        "tkt-1",
		Version:         7,
		Origin:          "node-a",
	})
	require.NoError(t, err)

	msg, err := DecodeChange(raw)
	require.NoError(t, err)
	assert.Equal(t, models.FeedTicketBumped, msg.Type)
	assert.Equal(t, "node-a", msg.Origin)
	assert.Equal(t, int64(7), msg.Version)
	assert.True(t, msg.Removes())
}

func TestDecodeChangeRejectsGarbage(t *testing.T) {
	_, err := DecodeChange([]byte("{"))
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = DecodeChange([]byte(`{"type":"ticket_modified","ticket_id":"tkt-1"}`))
	assert.ErrorIs(t, err, models.ErrValidation)
}
