package display

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"kds-service/internal/models"
	"kds-service/internal/util"

	"go.uber.org/zap"
)

// HTTPBackend talks to the ticket service's HTTP API
type HTTPBackend struct {
	baseURL string
	actorID string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPBackend creates a backend for the service at baseURL.
// client may be nil; it must not set a timeout because the feed is long-lived.
func NewHTTPBackend(baseURL, actorID string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		actorID: actorID,
		client:  client,
		logger:  util.GetLogger(),
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// decodeError turns an error response back into the domain sentinel
func decodeError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)

	var sentinel error
	switch body.Error {
	case "ValidationError":
		sentinel = models.ErrValidation
	case "NotFound":
		sentinel = models.ErrNotFound
	case "InvalidTransition":
		sentinel = models.ErrInvalidTransition
	case "Conflict":
		sentinel = models.ErrConflict
	default:
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, body.Details)
	}
	return fmt.Errorf("%w: %s", sentinel, body.Details)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.actorID != "" {
		req.Header.Set("X-Actor-ID", b.actorID)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Snapshot fetches the active tickets
func (b *HTTPBackend) Snapshot(ctx context.Context, establishmentID, stationID string) ([]models.Ticket, error) {
	path := "/api/v1/establishments/" + url.PathEscape(establishmentID) + "/tickets"
	if stationID != "" {
		path += "?station=" + url.QueryEscape(stationID)
	}

	var body struct {
		Tickets []models.Ticket `json:"tickets"`
	}
	if err := b.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Tickets, nil
}

// SetItemStatus sends an item transition command
func (b *HTTPBackend) SetItemStatus(ctx context.Context, itemID string, status models.ItemStatus, reason string) error {
	body := map[string]string{"status": string(status)}
	if reason != "" {
		body["reason"] = reason
	}
	return b.do(ctx, http.MethodPost, "/api/v1/items/"+url.PathEscape(itemID)+"/status", body, nil)
}

// BumpTicket sends a bump command
func (b *HTTPBackend) BumpTicket(ctx context.Context, ticketID string) error {
	return b.do(ctx, http.MethodPost, "/api/v1/tickets/"+url.PathEscape(ticketID)+"/bump", nil, nil)
}

// Feed opens the SSE stream; the channel closes when the stream ends or ctx is done
func (b *HTTPBackend) Feed(ctx context.Context, establishmentID, stationID string) (<-chan models.FeedMessage, error) {
	path := "/api/v1/establishments/" + url.PathEscape(establishmentID) + "/feed"
	if stationID != "" {
		path += "?station=" + url.QueryEscape(stationID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	out := make(chan models.FeedMessage, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		b.readEvents(ctx, resp.Body, out)
	}()
	return out, nil
}

// readEvents parses "event:" and "data:" lines; comments and retry hints are skipped
func (b *HTTPBackend) readEvents(ctx context.Context, r io.Reader, out chan<- models.FeedMessage) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var msg models.FeedMessage
			if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
				b.logger.Warn("Skipping malformed feed event", zap.Error(err))
			} else {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
			data.Reset()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		b.logger.Warn("Feed stream ended", zap.Error(err))
	}
}
