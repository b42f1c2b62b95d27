package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/util"

	"go.uber.org/zap"
)

// StationSource loads station configuration
type StationSource interface {
	ListStations(ctx context.Context, establishmentID string) ([]models.Station, error)
	ListRoutingRules(ctx context.Context, establishmentID string) ([]models.RoutingRule, error)
}

// Route is one resolved destination for an order item
type Route struct {
	Station              models.Station
	EstimatedPrepSeconds int
}

// Kitchen reports whether items on this route produce kitchen tickets
func (r Route) Kitchen() bool {
	return !r.Station.NonKitchen
}

type layout struct {
	stations   []models.Station
	byID       map[string]models.Station
	byCode     map[string]models.Station
	byMenuItem map[string][]models.RoutingRule
	byCategory map[string][]models.RoutingRule
	loadedAt   time.Time
}

// Directory caches the station layout and routing rules per establishment
type Directory struct {
	source  StationSource
	refresh time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	layouts map[string]*layout
}

// NewDirectory creates a station directory backed by source.
// A refresh of zero keeps layouts until Invalidate is called.
func NewDirectory(source StationSource, refresh time.Duration) *Directory {
	return &Directory{
		source:  source,
		refresh: refresh,
		logger:  util.GetLogger(),
		now:     time.Now,
		layouts: make(map[string]*layout),
	}
}

// Invalidate drops the cached layout of an establishment
func (d *Directory) Invalidate(establishmentID string) {
	d.mu.Lock()
	delete(d.layouts, establishmentID)
	d.mu.Unlock()
}

func (d *Directory) load(ctx context.Context, establishmentID string) (*layout, error) {
	d.mu.RLock()
	l := d.layouts[establishmentID]
	d.mu.RUnlock()
	if l != nil && (d.refresh == 0 || d.now().Sub(l.loadedAt) < d.refresh) {
		return l, nil
	}

	stations, err := d.source.ListStations(ctx, establishmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stations: %w", err)
	}
	rules, err := d.source.ListRoutingRules(ctx, establishmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing rules: %w", err)
	}

	l = &layout{
		stations:   stations,
		byID:       make(map[string]models.Station, len(stations)),
		byCode:     make(map[string]models.Station, len(stations)),
		byMenuItem: make(map[string][]models.RoutingRule),
		byCategory: make(map[string][]models.RoutingRule),
		loadedAt:   d.now(),
	}
	for _, st := range stations {
		l.byID[st.ID] = st
		l.byCode[strings.ToUpper(st.Code)] = st
	}
	for _, r := range rules {
		if r.MenuItemID != nil && *r.MenuItemID != "" {
			l.byMenuItem[*r.MenuItemID] = append(l.byMenuItem[*r.MenuItemID], r)
		} else if r.CategoryID != nil && *r.CategoryID != "" {
			l.byCategory[*r.CategoryID] = append(l.byCategory[*r.CategoryID], r)
		}
	}

	d.mu.Lock()
	d.layouts[establishmentID] = l
	d.mu.Unlock()

	d.logger.Debug("Station directory loaded",
		zap.String("establishment_id", establishmentID),
		zap.Int("stations", len(stations)),
		zap.Int("rules", len(rules)))
	return l, nil
}

// Resolve returns every station an item is routed to.
// Menu item rules win over category rules, which win over the item's own
// cook station code; the primary kitchen station catches the rest.
func (d *Directory) Resolve(ctx context.Context, establishmentID string, item models.OrderItemData) ([]Route, error) {
	l, err := d.load(ctx, establishmentID)
	if err != nil {
		return nil, err
	}

	if routes := l.fromRules(l.byMenuItem[item.MenuItemID]); len(routes) > 0 {
		return routes, nil
	}
	if item.CategoryID != "" {
		if routes := l.fromRules(l.byCategory[item.CategoryID]); len(routes) > 0 {
			return routes, nil
		}
	}
	if code := strings.ToUpper(strings.TrimSpace(item.CookStation)); code != "" {
		if st, ok := l.byCode[code]; ok && st.Active {
			return []Route{{Station: st}}, nil
		}
	}

	primary, ok := l.primary()
	if !ok {
		return nil, fmt.Errorf("no kitchen station for establishment %s: %w", establishmentID, models.ErrNotFound)
	}
	return []Route{{Station: primary}}, nil
}

func (l *layout) fromRules(rules []models.RoutingRule) []Route {
	var routes []Route
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		st, ok := l.byID[r.StationID]
		if !ok || !st.Active || seen[st.ID] {
			continue
		}
		seen[st.ID] = true
		routes = append(routes, Route{Station: st, EstimatedPrepSeconds: r.EstimatedPrepSeconds})
	}
	return routes
}

func (l *layout) primary() (models.Station, bool) {
	var fallback *models.Station
	for i := range l.stations {
		st := l.stations[i]
		if !st.Active || st.NonKitchen || st.IsExpo {
			continue
		}
		if st.IsPrimary {
			return st, true
		}
		if fallback == nil {
			fallback = &l.stations[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return models.Station{}, false
}

// Station looks up a station by ID
func (d *Directory) Station(ctx context.Context, establishmentID, stationID string) (models.Station, error) {
	l, err := d.load(ctx, establishmentID)
	if err != nil {
		return models.Station{}, err
	}
	st, ok := l.byID[stationID]
	if !ok {
		return models.Station{}, fmt.Errorf("station %s: %w", stationID, models.ErrNotFound)
	}
	return st, nil
}

// PrimaryStation returns the default kitchen station of an establishment
func (d *Directory) PrimaryStation(ctx context.Context, establishmentID string) (models.Station, error) {
	l, err := d.load(ctx, establishmentID)
	if err != nil {
		return models.Station{}, err
	}
	st, ok := l.primary()
	if !ok {
		return models.Station{}, fmt.Errorf("primary station for %s: %w", establishmentID, models.ErrNotFound)
	}
	return st, nil
}

// ExpoStation returns the active expo station, if the establishment has one
func (d *Directory) ExpoStation(ctx context.Context, establishmentID string) (models.Station, bool, error) {
	l, err := d.load(ctx, establishmentID)
	if err != nil {
		return models.Station{}, false, err
	}
	for _, st := range l.stations {
		if st.IsExpo && st.Active {
			return st, true, nil
		}
	}
	return models.Station{}, false, nil
}
