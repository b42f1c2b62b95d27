package display

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"kds-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedParsesServerSentEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/establishments/est-1/feed", r.URL.Path)
		assert.Equal(t, "grill", r.URL.Query().Get("station"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "retry: 2000\n\n")
		fmt.Fprint(w, "event: ticket_modified\n")
		fmt.Fprint(w, `data: {"type":"ticket_modified","establishment_id":"est-1","station_id":"grill","ticket_id":"t1","version":3}`+"\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: item_status_changed\n")
		fmt.Fprint(w, `data: {"type":"item_status_changed","ticket_id":"t1","ticket_item_id":"i1","version":2}`+"\n\n")
	}))
	defer srv.Close()

	backend := NewHTTPBackend(srv.URL+"/", "", nil)
	feed, err := backend.Feed(context.Background(), "est-1", "grill")
	require.NoError(t, err)

	var got []models.FeedMessage
	for msg := range feed {
		got = append(got, msg)
	}
	require.Len(t, got, 2)
	assert.Equal(t, models.FeedTicketModified, got[0].Type)
	assert.Equal(t, int64(3), got[0].Version)
	assert.Equal(t, models.FeedItemStatusChanged, got[1].Type)
	assert.Equal(t, "i1", got[1].TicketItemID)
}

func TestSnapshotAndCommands(t *testing.T) {
	var statusBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/establishments/est-1/tickets":
			fmt.Fprint(w, `{"tickets":[{"id":"t1","status":"OPEN","version":2,"items":[{"id":"i1","status":"PENDING","version":1}]}]}`)
		case "/api/v1/items/i1/status":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "line-cook-7", r.Header.Get("X-Actor-ID"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&statusBody))
			fmt.Fprint(w, `{"id":"i1","status":"HOLD","version":2}`)
		case "/api/v1/tickets/t1/bump":
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"error":"Conflict","details":"ticket changed"}`)
		case "/api/v1/tickets/t2/bump":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"NotFound","details":"ticket t2"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"details":"upstream"}`)
		}
	}))
	defer srv.Close()

	backend := NewHTTPBackend(srv.URL, "line-cook-7", srv.Client())
	ctx := context.Background()

	tickets, err := backend.Snapshot(ctx, "est-1", "")
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, models.TicketOpen, tickets[0].Status)
	require.Len(t, tickets[0].Items, 1)

	require.NoError(t, backend.SetItemStatus(ctx, "i1", models.ItemHold, "allergy check"))
	assert.Equal(t, map[string]string{"status": "HOLD", "reason": "allergy check"}, statusBody)

	err = backend.BumpTicket(ctx, "t1")
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Contains(t, err.Error(), "ticket changed")

	assert.ErrorIs(t, backend.BumpTicket(ctx, "t2"), models.ErrNotFound)

	err = backend.BumpTicket(ctx, "t3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
