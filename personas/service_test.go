package personas

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	dsn := "file:personas_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	service := NewService(db)
	if err := service.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return service
}

func createTestPersona(t *testing.T, service *Service, name string) *Persona {
	t.Helper()

	persona, err := service.Create(context.Background(), Input{
		Name:        name,
		Description: "A knight",
		StyleTags:   json.RawMessage(`["anime","fantasy"]`),
	})
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	return persona
}

func TestServiceCreateAndByName(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created := createTestPersona(t, service, "Hero")
	if created.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if !created.IsActive {
		t.Fatal("expected persona active by default")
	}

	found, err := service.ByName(ctx, "  Hero  ", 0)
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if found == nil || found.ID != created.ID {
		t.Fatalf("expected to find created persona, got %+v", found)
	}

	excluded, err := service.ByName(ctx, "Hero", created.ID)
	if err != nil {
		t.Fatalf("by name with exclusion: %v", err)
	}
	if excluded != nil {
		t.Fatalf("expected nil when excluding the only match, got %+v", excluded)
	}

	missing, err := service.ByName(ctx, "Nobody", 0)
	if err != nil {
		t.Fatalf("by name missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown name, got %+v", missing)
	}
}

func TestServiceByIDNotFound(t *testing.T) {
	service := newTestService(t)

	if _, err := service.ByID(context.Background(), 12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestServiceToggleActiveMovesUpdatedAt(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created := createTestPersona(t, service, "Hero")
	before, err := service.ByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("reload persona: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	toggled, err := service.ToggleActive(ctx, created.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if toggled.IsActive {
		t.Fatal("expected persona deactivated")
	}
	if !toggled.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("expected updated_at to advance: before %v, after %v", before.UpdatedAt, toggled.UpdatedAt)
	}
	if toggled.UsageCount != before.UsageCount || toggled.AverageRating != before.AverageRating {
		t.Fatal("toggle must not change usage count or rating")
	}

	back, err := service.ToggleActive(ctx, created.ID)
	if err != nil {
		t.Fatalf("toggle back: %v", err)
	}
	if !back.IsActive {
		t.Fatal("expected persona reactivated")
	}
}

func TestServiceIncrementUsageLeavesUpdatedAt(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created := createTestPersona(t, service, "Hero")
	before, err := service.ByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("reload persona: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := service.IncrementUsage(ctx, created.ID); err != nil {
		t.Fatalf("increment usage: %v", err)
	}

	after, err := service.ByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("reload persona: %v", err)
	}
	if after.UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %d", after.UsageCount)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("usage increment must not move updated_at: before %v, after %v", before.UpdatedAt, after.UpdatedAt)
	}

	if err := service.IncrementUsage(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestServiceSetAverageRatingLeavesUpdatedAt(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created := createTestPersona(t, service, "Hero")
	before, err := service.ByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("reload persona: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := service.SetAverageRating(ctx, created.ID, 4.5); err != nil {
		t.Fatalf("set average rating: %v", err)
	}

	after, err := service.ByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("reload persona: %v", err)
	}
	if after.AverageRating != 4.5 {
		t.Fatalf("expected rating 4.5, got %v", after.AverageRating)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("rating write must not move updated_at: before %v, after %v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestServiceUpdateReplacesFieldsAndReferenceImage(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	image := "base64data"
	created, err := service.Create(ctx, Input{
		Name:           "Hero",
		Description:    "A knight",
		ReferenceImage: &image,
	})
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	if created.ReferenceImage == nil {
		t.Fatal("expected reference image stored")
	}

	// Update without a reference image keeps the stored one.
	updated, err := service.Update(ctx, created.ID, Input{
		Name:        "Hero II",
		Description: "An older knight",
		StyleTags:   json.RawMessage(`["oil painting"]`),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Hero II" || updated.Description != "An older knight" {
		t.Fatalf("expected replaced fields, got %+v", updated)
	}
	if updated.ReferenceImage == nil || *updated.ReferenceImage != image {
		t.Fatal("expected reference image preserved when not supplied")
	}

	// An explicitly empty reference image clears it.
	empty := ""
	cleared, err := service.Update(ctx, created.ID, Input{
		Name:           "Hero II",
		Description:    "An older knight",
		ReferenceImage: &empty,
	})
	if err != nil {
		t.Fatalf("update with empty image: %v", err)
	}
	if cleared.ReferenceImage != nil {
		t.Fatalf("expected reference image cleared, got %q", *cleared.ReferenceImage)
	}
}

func TestServiceDelete(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created := createTestPersona(t, service, "Hero")
	if err := service.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := service.Delete(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestServiceListSorting(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	createTestPersona(t, service, "Bravo")
	createTestPersona(t, service, "Alpha")
	inactive := createTestPersona(t, service, "Charlie")
	if _, err := service.ToggleActive(ctx, inactive.ID); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	byName, err := service.List(ctx, false, "name", "asc")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byName) != 3 || byName[0].Name != "Alpha" || byName[2].Name != "Charlie" {
		t.Fatalf("unexpected name ordering: %+v", byName)
	}

	activeOnly, err := service.List(ctx, true, "", "")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(activeOnly) != 2 {
		t.Fatalf("expected 2 active personas, got %d", len(activeOnly))
	}

	// Unknown sort fields fall back to created_at instead of erroring.
	if _, err := service.List(ctx, false, "drop table", "bogus"); err != nil {
		t.Fatalf("list with junk sort params: %v", err)
	}
}

func TestServiceStats(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	hero := createTestPersona(t, service, "Hero")
	createTestPersona(t, service, "Sidekick")
	inactive := createTestPersona(t, service, "Retired")
	if _, err := service.ToggleActive(ctx, inactive.ID); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := service.IncrementUsage(ctx, hero.ID); err != nil {
			t.Fatalf("increment usage: %v", err)
		}
	}

	summary, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if summary.Total != 3 || summary.Active != 2 || summary.Inactive != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.MostUsed == nil || summary.MostUsed.Name != "Hero" || summary.MostUsed.UsageCount != 2 {
		t.Fatalf("unexpected most used: %+v", summary.MostUsed)
	}
	if summary.AverageUsage != 0.67 {
		t.Fatalf("expected average usage 0.67, got %v", summary.AverageUsage)
	}
}

func TestServiceStatsEmpty(t *testing.T) {
	service := newTestService(t)

	summary, err := service.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if summary.Total != 0 || summary.MostUsed != nil || summary.AverageUsage != 0 {
		t.Fatalf("unexpected empty summary: %+v", summary)
	}
}

func TestRoundTo2HalfEven(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{4.125, 4.12},
		{4.375, 4.38},
		{4.0, 4.0},
		{2.0 / 3.0, 0.67},
	}
	for _, tc := range cases {
		if got := roundTo2(tc.in); got != tc.want {
			t.Errorf("roundTo2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
