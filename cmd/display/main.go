package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kds-service/internal/display"
	"kds-service/internal/models"
	"kds-service/internal/util"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// A headless station screen: keeps a display in sync with the service and
// logs the board whenever it changes.
func main() {
	_ = godotenv.Load()

	if err := util.InitLogger(getEnv("ENV", "development"), getEnv("LOG_LEVEL", "")); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.Named("display")

	establishmentID := os.Getenv("ESTABLISHMENT_ID")
	if establishmentID == "" {
		log.Fatal("ESTABLISHMENT_ID is required")
	}

	var statuses []models.TicketStatus
	if raw := os.Getenv("DISPLAY_STATUSES"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := models.ParseTicketStatus(strings.TrimSpace(s))
			if err != nil {
				log.Fatalf("Invalid DISPLAY_STATUSES: %v", err)
			}
			statuses = append(statuses, st)
		}
	}

	backend := display.NewHTTPBackend(getEnv("KDS_URL", "http://localhost:8080"), os.Getenv("ACTOR_ID"), nil)
	ctrl := display.NewController(backend, display.Options{
		EstablishmentID: establishmentID,
		StationID:       os.Getenv("STATION_ID"),
		Statuses:        statuses,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		var last string
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				board := render(ctrl.Tickets())
				if board == last {
					continue
				}
				last = board
				logger.Info("Board updated",
					zap.Bool("stale", ctrl.Stale()),
					zap.Time("last_sync", ctrl.LastSync()),
					zap.String("board", board))
			}
		}
	}()

	logger.Info("Display started", zap.String("establishment_id", establishmentID))
	if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("Display stopped", zap.Error(err))
	}
}

func render(tickets []models.Ticket) string {
	var b strings.Builder
	for _, t := range tickets {
		fmt.Fprintf(&b, "\n%s [%s] table=%s v%d", t.ID, t.Status, t.TableLabel, t.Version)
		for _, it := range t.Items {
			fmt.Fprintf(&b, "\n  %dx %s %s", it.Quantity, it.Name, it.Status)
		}
	}
	return b.String()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
