package routing

import (
	"context"
	"fmt"
	"os"

	"kds-service/internal/models"

	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk station layout, one entry per establishment
type SeedFile struct {
	Establishments []EstablishmentSeed `yaml:"establishments"`
}

// EstablishmentSeed lists the stations and routing rules of one establishment
type EstablishmentSeed struct {
	ID       string        `yaml:"id"`
	Stations []StationSeed `yaml:"stations"`
	Rules    []RuleSeed    `yaml:"rules"`
}

// StationSeed is a station entry; active defaults to true
type StationSeed struct {
	ID         string `yaml:"id"`
	Code       string `yaml:"code"`
	Name       string `yaml:"name"`
	Printer    string `yaml:"printer"`
	Expo       bool   `yaml:"expo"`
	Primary    bool   `yaml:"primary"`
	NonKitchen bool   `yaml:"non_kitchen"`
	Active     *bool  `yaml:"active"`
}

// RuleSeed routes a menu item or category to a station code
type RuleSeed struct {
	MenuItem    string `yaml:"menu_item"`
	Category    string `yaml:"category"`
	Station     string `yaml:"station"`
	PrepSeconds int    `yaml:"prep_seconds"`
}

// SeedWriter persists seeded configuration
type SeedWriter interface {
	UpsertStation(ctx context.Context, st *models.Station) error
	ReplaceRoutingRules(ctx context.Context, establishmentID string, rules []models.RoutingRule) error
}

// LoadSeedFile reads and validates a YAML station layout
func LoadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stations file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes and validates a YAML station layout
func ParseSeed(raw []byte) (*SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse stations file: %w", err)
	}

	for _, est := range seed.Establishments {
		if est.ID == "" {
			return nil, fmt.Errorf("%w: establishment without id", models.ErrValidation)
		}
		codes := make(map[string]bool, len(est.Stations))
		for _, st := range est.Stations {
			if st.ID == "" || st.Code == "" {
				return nil, fmt.Errorf("%w: station in %s needs id and code", models.ErrValidation, est.ID)
			}
			if codes[st.Code] {
				return nil, fmt.Errorf("%w: duplicate station code %s in %s", models.ErrValidation, st.Code, est.ID)
			}
			codes[st.Code] = true
		}
		for _, r := range est.Rules {
			if r.MenuItem == "" && r.Category == "" {
				return nil, fmt.Errorf("%w: rule for %s needs menu_item or category", models.ErrValidation, r.Station)
			}
			if !codes[r.Station] {
				return nil, fmt.Errorf("%w: rule references unknown station %s", models.ErrValidation, r.Station)
			}
		}
	}
	return &seed, nil
}

// StationModels converts the seed entries of an establishment into models
func (e EstablishmentSeed) StationModels() []models.Station {
	out := make([]models.Station, 0, len(e.Stations))
	for _, st := range e.Stations {
		active := true
		if st.Active != nil {
			active = *st.Active
		}
		name := st.Name
		if name == "" {
			name = st.Code
		}
		out = append(out, models.Station{
			ID:               st.ID,
			EstablishmentID:  e.ID,
			Name:             name,
			Code:             st.Code,
			IsExpo:           st.Expo,
			IsPrimary:        st.Primary,
			NonKitchen:       st.NonKitchen,
			DefaultPrinterID: st.Printer,
			Active:           active,
		})
	}
	return out
}

// RuleModels converts rule entries, resolving station codes to ids
func (e EstablishmentSeed) RuleModels() []models.RoutingRule {
	ids := make(map[string]string, len(e.Stations))
	for _, st := range e.Stations {
		ids[st.Code] = st.ID
	}

	out := make([]models.RoutingRule, 0, len(e.Rules))
	for _, r := range e.Rules {
		rule := models.RoutingRule{
			EstablishmentID:      e.ID,
			StationID:            ids[r.Station],
			EstimatedPrepSeconds: r.PrepSeconds,
		}
		if r.MenuItem != "" {
			menuItem := r.MenuItem
			rule.MenuItemID = &menuItem
		}
		if r.Category != "" {
			category := r.Category
			rule.CategoryID = &category
		}
		out = append(out, rule)
	}
	return out
}

// Apply writes the seeded layout and drops any cached copy in dir
func (s *SeedFile) Apply(ctx context.Context, w SeedWriter, dir *Directory) error {
	for _, est := range s.Establishments {
		stations := est.StationModels()
		for i := range stations {
			if err := w.UpsertStation(ctx, &stations[i]); err != nil {
				return fmt.Errorf("failed to seed station %s: %w", stations[i].Code, err)
			}
		}
		if err := w.ReplaceRoutingRules(ctx, est.ID, est.RuleModels()); err != nil {
			return fmt.Errorf("failed to seed routing rules for %s: %w", est.ID, err)
		}
		if dir != nil {
			dir.Invalidate(est.ID)
		}
	}
	return nil
}
