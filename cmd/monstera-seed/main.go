// monstera-seed populates a database with sample reference data and session
// event streams for local runs: a small product catalog, B2B accounts with
// seated users, and per-user event histories spread over a configurable
// number of days. Deterministic for a fixed -seed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	"github.com/monstera-lab/monstera/internal/core/config"
	"github.com/monstera-lab/monstera/internal/core/policy"
	"github.com/monstera-lab/monstera/internal/core/storage"
	"github.com/monstera-lab/monstera/internal/core/storage/postgres"
	"github.com/monstera-lab/monstera/internal/migrations"
)

var (
	countries  = []string{"US", "DE", "JP", "BR", "IN", "GB"}
	planTypes  = []string{"free", "pro", "team"}
	sources    = []string{"organic", "paid_search", "referral", "partner"}
	locations  = []string{"web_app", "mobile_app", "api", "desktop_app"}
	tiers      = []string{"trial", "standard", "enterprise"}
	eventTypes = []struct {
		name      string
		productID string
	}{
		{name: "user_login"},
		{name: "project_create"},
		{name: "project_update"},
		{name: "comment_add"},
		{name: "video_create", productID: "video-editor"},
		{name: "video_upload", productID: "video-editor"},
		{name: "video_publish", productID: "video-editor"},
	}
)

func main() {
	configPath := flag.String("config", "monstera.yaml", "Path to configuration file")
	accounts := flag.Int("accounts", 10, "Number of accounts to create")
	usersPer := flag.Int("users-per-account", 5, "Users seated on each account")
	days := flag.Int("days", 120, "Days of event history to generate")
	seed := flag.Int64("seed", 42, "RNG seed (fixed seed gives a reproducible dataset)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	eventStore, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer eventStore.Close()

	if err := migrations.Run(eventStore.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	classifier, err := policy.NewFileSystemClassifier(cfg.Policy.Dir)
	if err != nil {
		slog.Error("Failed to load policy tables", "dir", cfg.Policy.Dir, "error", err)
		os.Exit(1)
	}

	entityStore := postgres.NewEntityAdapter(eventStore.DB())
	rng := rand.New(rand.NewSource(*seed))
	ctx := context.Background()

	s := seeder{
		rng:      rng,
		events:   eventStore,
		entities: entityStore,
		classify: classifier,
		now:      time.Now().UTC(),
		days:     *days,
	}

	if err := s.run(ctx, *accounts, *usersPer); err != nil {
		slog.Error("Seeding failed", "error", err)
		os.Exit(1)
	}

	slog.Info("[Seed] Done",
		"accounts", *accounts,
		"users", (*accounts)*(*usersPer),
		"events", s.eventCount)
}

type seeder struct {
	rng      *rand.Rand
	events   storage.EventStore
	entities storage.EntityStore
	classify *policy.Classifier
	now      time.Time
	days     int

	eventCount int
}

func (s *seeder) run(ctx context.Context, accountCount, usersPer int) error {
	if err := s.seedCatalog(ctx); err != nil {
		return err
	}

	for a := 0; a < accountCount; a++ {
		acct := s.makeAccount(a)
		if err := s.entities.SaveAccount(ctx, acct); err != nil {
			return fmt.Errorf("saving account %s: %w", acct.AccountID, err)
		}

		for u := 0; u < usersPer; u++ {
			user := s.makeUser(acct, u)
			if err := s.entities.SaveUser(ctx, user); err != nil {
				return fmt.Errorf("saving user %s: %w", user.UserID, err)
			}
			if err := s.seedHistory(ctx, user); err != nil {
				return err
			}
		}
		slog.Info("[Seed] Account seeded", "account_id", acct.AccountID, "tier", acct.SubscriptionTier)
	}
	return nil
}

// seedCatalog writes a small product hierarchy: one family, two products,
// one feature node. Only tier=product nodes accrue user-product state.
func (s *seeder) seedCatalog(ctx context.Context) error {
	catalog := []*v1.Product{
		{ProductID: "creative-suite", Name: "Creative Suite", Tier: v1.TierFamily, Active: true},
		{ProductID: "video-editor", Name: "Video Editor", Tier: v1.TierProduct, ParentID: "creative-suite", Active: true},
		{ProductID: "photo-studio", Name: "Photo Studio", Tier: v1.TierProduct, ParentID: "creative-suite", Active: true},
		{ProductID: "video-editor.timeline", Name: "Timeline", Tier: v1.TierFeature, ParentID: "video-editor", Active: true},
	}
	for _, p := range catalog {
		if err := s.entities.SaveProduct(ctx, p); err != nil {
			return fmt.Errorf("saving product %s: %w", p.ProductID, err)
		}
	}
	return nil
}

func (s *seeder) makeAccount(i int) *v1.Account {
	tier := tiers[i%len(tiers)]
	created := s.now.AddDate(0, 0, -(s.days + s.rng.Intn(200)))
	return &v1.Account{
		AccountID:               fmt.Sprintf("acct-%04d", i+1),
		Name:                    fmt.Sprintf("Account %04d", i+1),
		SubscriptionTier:        tier,
		TotalSeats:              5 + s.rng.Intn(45),
		MonthlyRecurringRevenue: float64(200+s.rng.Intn(5000)) + 0.99,
		RenewalDate:             s.now.AddDate(0, 0, s.rng.Intn(365)),
		CreatedAt:               created,
	}
}

func (s *seeder) makeUser(acct *v1.Account, i int) *v1.User {
	created := acct.CreatedAt.Add(time.Duration(s.rng.Intn(30*24)) * time.Hour)
	return &v1.User{
		UserID:            fmt.Sprintf("%s-user-%02d", acct.AccountID, i+1),
		AccountID:         acct.AccountID,
		Email:             fmt.Sprintf("%s-user-%02d@example.com", acct.AccountID, i+1),
		Country:           countries[s.rng.Intn(len(countries))],
		PlanType:          planTypes[s.rng.Intn(len(planTypes))],
		AcquisitionSource: sources[s.rng.Intn(len(sources))],
		CreatedAt:         created,
	}
}

// seedHistory generates session-grouped events for one user. Roughly a third
// of users trail off early, leaving dormant and churned material in the set.
func (s *seeder) seedHistory(ctx context.Context, user *v1.User) error {
	horizon := s.days
	if s.rng.Intn(3) == 0 {
		horizon = s.days / 3 // early dropout: last activity well in the past
	}

	sessions := 3 + s.rng.Intn(20)
	for i := 0; i < sessions; i++ {
		offset := time.Duration(s.rng.Intn(horizon*24)) * time.Hour
		at := s.now.Add(-offset)
		if at.Before(user.CreatedAt) {
			at = user.CreatedAt.Add(time.Hour)
		}

		sessionID := uuid.New().String()
		location := locations[s.rng.Intn(len(locations))]
		for j := 0; j < 1+s.rng.Intn(4); j++ {
			et := eventTypes[s.rng.Intn(len(eventTypes))]
			evt := &v1.Event{
				ID:         uuid.New().String(),
				EntityID:   user.UserID,
				EntityType: v1.EntityUser,
				Type:       et.name,
				OccurredAt: at.Add(time.Duration(j) * time.Minute),
				Location:   location,
				SessionID:  sessionID,
				ProductID:  et.productID,
				IngestedAt: s.now,
			}
			s.classify.Classify(evt)
			if err := s.events.SaveEvent(ctx, evt); err != nil {
				return fmt.Errorf("saving event for %s: %w", user.UserID, err)
			}
			s.eventCount++
		}
	}
	return nil
}
