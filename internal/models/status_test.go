package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemTransitions(t *testing.T) {
	allowed := []struct{ from, to ItemStatus }{
		{ItemPending, ItemCooking},
		{ItemPending, ItemHold},
		{ItemPending, ItemCanceled},
		{ItemCooking, ItemDone},
		{ItemCooking, ItemHold},
		{ItemCooking, ItemCanceled},
		{ItemHold, ItemPending},
		{ItemDone, ItemExpo},
		{ItemExpo, ItemServed},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}

	rejected := []struct{ from, to ItemStatus }{
		{ItemPending, ItemDone},
		{ItemPending, ItemServed},
		{ItemHold, ItemCooking},
		{ItemDone, ItemCanceled},
		{ItemExpo, ItemCooking},
		{ItemServed, ItemPending},
		{ItemCanceled, ItemPending},
		{ItemCooking, ItemCooking},
	}
	for _, tc := range rejected {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	all := []ItemStatus{ItemPending, ItemCooking, ItemDone, ItemExpo, ItemServed, ItemHold, ItemCanceled}
	for _, from := range []ItemStatus{ItemServed, ItemCanceled} {
		assert.True(t, from.Terminal())
		for _, to := range all {
			assert.False(t, from.CanTransition(to))
		}
	}
	assert.False(t, ItemHold.Terminal())
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, ItemCooking.Started())
	assert.True(t, ItemExpo.Started())
	assert.False(t, ItemHold.Started())
	assert.False(t, ItemPending.Started())

	assert.True(t, ItemDone.Finished())
	assert.True(t, ItemServed.Finished())
	assert.False(t, ItemCooking.Finished())

	assert.True(t, TicketReady.Active())
	assert.False(t, TicketBumped.Active())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseItemStatus("EXPO")
	require.NoError(t, err)
	assert.Equal(t, ItemExpo, st)

	_, err = ParseItemStatus("cooking")
	assert.True(t, errors.Is(err, ErrValidation))

	ts, err := ParseTicketStatus("IN_PROGRESS")
	require.NoError(t, err)
	assert.Equal(t, TicketInProgress, ts)

	_, err = ParseTicketStatus("CLOSED")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestErrorCode(t *testing.T) {
	terr := &TransitionError{EntityID: "item-1", From: "SERVED", To: "COOKING"}
	assert.Equal(t, "InvalidTransition", ErrorCode(terr))
	assert.Equal(t, "NotFound", ErrorCode(ErrNotFound))
	assert.Equal(t, "Conflict", ErrorCode(fmt.Errorf("commit ticket: %w", ErrConflict)))
	assert.Equal(t, "ValidationError", ErrorCode(ErrValidation))
	assert.Equal(t, "InternalError", ErrorCode(errors.New("boom")))
}
