package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"time"

	"kds-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Migrate applies the embedded schema files in name order
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
	}
	return nil
}

// ListStations retrieves every station of an establishment
func (s *Store) ListStations(ctx context.Context, establishmentID string) ([]models.Station, error) {
	var stations []models.Station
	err := s.db.SelectContext(ctx, &stations,
		"SELECT * FROM stations WHERE establishment_id = $1 ORDER BY code", establishmentID)
	return stations, err
}

// ListRoutingRules retrieves the routing rules of an establishment
func (s *Store) ListRoutingRules(ctx context.Context, establishmentID string) ([]models.RoutingRule, error) {
	var rules []models.RoutingRule
	err := s.db.SelectContext(ctx, &rules,
		"SELECT * FROM routing_rules WHERE establishment_id = $1 ORDER BY id", establishmentID)
	return rules, err
}

// UpsertStation inserts or updates a station by ID
func (s *Store) UpsertStation(ctx context.Context, st *models.Station) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (id, establishment_id, name, code, is_expo, is_primary, non_kitchen, default_printer_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, code = EXCLUDED.code, is_expo = EXCLUDED.is_expo,
			is_primary = EXCLUDED.is_primary, non_kitchen = EXCLUDED.non_kitchen,
			default_printer_id = EXCLUDED.default_printer_id, active = EXCLUDED.active`,
		st.ID, st.EstablishmentID, st.Name, st.Code, st.IsExpo, st.IsPrimary, st.NonKitchen,
		st.DefaultPrinterID, st.Active)
	return err
}

// ReplaceRoutingRules swaps the rule set of an establishment in one transaction
func (s *Store) ReplaceRoutingRules(ctx context.Context, establishmentID string, rules []models.RoutingRule) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM routing_rules WHERE establishment_id = $1", establishmentID); err != nil {
		return fmt.Errorf("failed to clear routing rules: %w", err)
	}

	for _, r := range rules {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO routing_rules (establishment_id, menu_item_id, category_id, station_id, estimated_prep_seconds)
			VALUES ($1, $2, $3, $4, $5)`,
			establishmentID, r.MenuItemID, r.CategoryID, r.StationID, r.EstimatedPrepSeconds)
		if err != nil {
			return fmt.Errorf("failed to insert routing rule: %w", err)
		}
	}

	return tx.Commit()
}
