package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"kds-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	stations []models.Station
	rules    []models.RoutingRule
	loads    int
}

func (f *fakeSource) ListStations(ctx context.Context, establishmentID string) ([]models.Station, error) {
	f.loads++
	return f.stations, nil
}

func (f *fakeSource) ListRoutingRules(ctx context.Context, establishmentID string) ([]models.RoutingRule, error) {
	return f.rules, nil
}

func strPtr(s string) *string { return &s }

func kitchenLayout() *fakeSource {
	return &fakeSource{
		stations: []models.Station{
			{ID: "st-grill", Code: "GRILL", Active: true, DefaultPrinterID: "prn-grill"},
			{ID: "st-fry", Code: "FRY", Active: true},
			{ID: "st-hot", Code: "HOT", Active: true, IsPrimary: true},
			{ID: "st-bar", Code: "BAR", Active: true, NonKitchen: true},
			{ID: "st-expo", Code: "EXPO", Active: true, IsExpo: true},
			{ID: "st-pastry", Code: "PASTRY", Active: false},
		},
		rules: []models.RoutingRule{
			{MenuItemID: strPtr("ribeye"), StationID: "st-grill", EstimatedPrepSeconds: 900},
			{MenuItemID: strPtr("surf-turf"), StationID: "st-grill"},
			{MenuItemID: strPtr("surf-turf"), StationID: "st-fry"},
			{MenuItemID: strPtr("souffle"), StationID: "st-pastry"},
			{CategoryID: strPtr("sides"), StationID: "st-fry", EstimatedPrepSeconds: 240},
			{CategoryID: strPtr("drinks"), StationID: "st-bar"},
		},
	}
}

func TestResolvePrecedence(t *testing.T) {
	dir := NewDirectory(kitchenLayout(), 0)
	ctx := context.Background()

	routes, err := dir.Resolve(ctx, "est-1", models.OrderItemData{MenuItemID: "ribeye", CategoryID: "sides"})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "st-grill", routes[0].Station.ID)
	assert.Equal(t, 900, routes[0].EstimatedPrepSeconds)

	routes, err = dir.Resolve(ctx, "est-1", models.OrderItemData{MenuItemID: "fries", CategoryID: "sides"})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "st-fry", routes[0].Station.ID)

	routes, err = dir.Resolve(ctx, "est-1", models.OrderItemData{MenuItemID: "soup", CookStation: "grill"})
	require.NoError(t, err)
	assert.Equal(t, "st-grill", routes[0].Station.ID)

	routes, err = dir.Resolve(ctx, "est-1", models.OrderItemData{MenuItemID: "soup"})
	require.NoError(t, err)
	assert.Equal(t, "st-hot", routes[0].Station.ID)
}

func TestResolveMultipleStations(t *testing.T) {
	dir := NewDirectory(kitchenLayout(), 0)

	routes, err := dir.Resolve(context.Background(), "est-1", models.OrderItemData{MenuItemID: "surf-turf"})
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "st-grill", routes[0].Station.ID)
	assert.Equal(t, "st-fry", routes[1].Station.ID)
}

func TestResolveSkipsInactiveStations(t *testing.T) {
	dir := NewDirectory(kitchenLayout(), 0)

	routes, err := dir.Resolve(context.Background(), "est-1", models.OrderItemData{MenuItemID: "souffle"})
	require.NoError(t, err)
	assert.Equal(t, "st-hot", routes[0].Station.ID)
}

func TestResolveNonKitchen(t *testing.T) {
	dir := NewDirectory(kitchenLayout(), 0)

	routes, err := dir.Resolve(context.Background(), "est-1", models.OrderItemData{MenuItemID: "cola", CategoryID: "drinks"})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.False(t, routes[0].Kitchen())
}

func TestResolveWithoutKitchenStation(t *testing.T) {
	src := &fakeSource{stations: []models.Station{{ID: "st-expo", Code: "EXPO", Active: true, IsExpo: true}}}
	dir := NewDirectory(src, 0)

	_, err := dir.Resolve(context.Background(), "est-1", models.OrderItemData{MenuItemID: "soup"})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestDirectoryCachesLayout(t *testing.T) {
	src := kitchenLayout()
	dir := NewDirectory(src, time.Minute)
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := dir.Station(ctx, "est-1", "st-grill")
	require.NoError(t, err)
	_, err = dir.Station(ctx, "est-1", "st-fry")
	require.NoError(t, err)
	assert.Equal(t, 1, src.loads)

	now = now.Add(2 * time.Minute)
	_, err = dir.Station(ctx, "est-1", "st-fry")
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)

	dir.Invalidate("est-1")
	_, err = dir.Station(ctx, "est-1", "st-fry")
	require.NoError(t, err)
	assert.Equal(t, 3, src.loads)
}

func TestStationLookups(t *testing.T) {
	dir := NewDirectory(kitchenLayout(), 0)
	ctx := context.Background()

	_, err := dir.Station(ctx, "est-1", "st-missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	primary, err := dir.PrimaryStation(ctx, "est-1")
	require.NoError(t, err)
	assert.Equal(t, "st-hot", primary.ID)

	expo, ok, err := dir.ExpoStation(ctx, "est-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "st-expo", expo.ID)
}
