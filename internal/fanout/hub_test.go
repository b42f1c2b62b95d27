package fanout

import (
	"context"
	"testing"

	"kds-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedMsg(est, station, ticket string, version int64) models.FeedMessage {
	return models.FeedMessage{
		Type:            models.FeedTicketModified,
		EstablishmentID: est,
		StationID:       station,
		TicketID:        ticket,
		Version:         version,
	}
}

func drain(sub *Subscription) []models.FeedMessage {
	var out []models.FeedMessage
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHubFiltersByEstablishmentAndStation(t *testing.T) {
	hub := NewHub(8)
	all := hub.Subscribe("est-1", "")
	grill := hub.Subscribe("est-1", "st-grill")
	other := hub.Subscribe("est-2", "")

	hub.Publish(context.Background(),
		feedMsg("est-1", "st-grill", "t1", 1),
		feedMsg("est-1", "st-fry", "t2", 1),
		feedMsg("est-1", "st-grill", "t1", 2),
	)

	got := drain(all)
	require.Len(t, got, 3)
	assert.Equal(t, int64(2), got[2].Version)

	got = drain(grill)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TicketID)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, int64(2), got[1].Version)

	assert.Empty(t, drain(other))
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	hub := NewHub(2)
	slow := hub.Subscribe("est-1", "")
	fast := hub.Subscribe("est-1", "")

	hub.Publish(context.Background(), feedMsg("est-1", "s", "t1", 1), feedMsg("est-1", "s", "t1", 2))
	assert.Len(t, drain(fast), 2)

	hub.Publish(context.Background(), feedMsg("est-1", "s", "t1", 3))

	got := drain(slow)
	assert.Len(t, got, 2)
	_, open := <-slow.C()
	assert.False(t, open)

	assert.Len(t, drain(fast), 1)
	assert.Equal(t, 1, hub.Count("est-1"))
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	hub := NewHub(0)
	a := hub.Subscribe("est-1", "")
	b := hub.Subscribe("est-1", "")
	assert.Equal(t, 2, hub.Count("est-1"))

	hub.Unsubscribe(a)
	hub.Unsubscribe(a)
	assert.Equal(t, 1, hub.Count("est-1"))
	_, open := <-a.C()
	assert.False(t, open)

	hub.Close()
	assert.Zero(t, hub.Count("est-1"))
	_, open = <-b.C()
	assert.False(t, open)

	hub.Publish(context.Background(), feedMsg("est-1", "s", "t1", 1))
}
