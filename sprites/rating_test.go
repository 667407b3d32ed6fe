package sprites

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yetog/spritegen/personas"
)

func TestAverageRating(t *testing.T) {
	cases := []struct {
		name    string
		ratings []int
		want    float64
		ok      bool
	}{
		{"typical", []int{4, 5, 3}, 4.0, true},
		{"half becomes even", []int{4, 5}, 4.5, true},
		{"single", []int{3}, 3.0, true},
		{"eighth rounds half even", []int{4, 4, 4, 4, 4, 4, 4, 5}, 4.12, true},
		{"empty", nil, 0, false},
	}

	for _, tc := range cases {
		got, ok := averageRating(tc.ratings)
		if ok != tc.ok {
			t.Errorf("%s: expected ok=%v, got %v", tc.name, tc.ok, ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func newTestModule(t *testing.T) (*Module, *personas.Service) {
	t.Helper()

	dsn := "file:sprites_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Sprite{}); err != nil {
		t.Fatalf("migrate sprites: %v", err)
	}

	personaService := personas.NewService(db)
	if err := personaService.AutoMigrate(); err != nil {
		t.Fatalf("migrate personas: %v", err)
	}

	return &Module{db: db, personas: personaService}, personaService
}

func createRatedSprite(t *testing.T, db *gorm.DB, personaID *uint64, rating int) {
	t.Helper()

	sprite := Sprite{
		SpriteID:    uuid.NewString(),
		Character:   "fox",
		ImageBase64: "data",
		Rating:      rating,
		PersonaID:   personaID,
	}
	if err := db.Create(&sprite).Error; err != nil {
		t.Fatalf("create sprite: %v", err)
	}
}

func TestRecomputePersonaRating(t *testing.T) {
	module, personaService := newTestModule(t)
	ctx := context.Background()

	persona, err := personaService.Create(ctx, personas.Input{Name: "Hero", Description: "A knight"})
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	other, err := personaService.Create(ctx, personas.Input{Name: "Villain", Description: "A sorcerer"})
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}

	createRatedSprite(t, module.db, &persona.ID, 4)
	createRatedSprite(t, module.db, &persona.ID, 5)
	createRatedSprite(t, module.db, &persona.ID, 3)
	// Unrated and foreign records must not contribute.
	createRatedSprite(t, module.db, &persona.ID, 0)
	createRatedSprite(t, module.db, &other.ID, 1)
	createRatedSprite(t, module.db, nil, 5)

	module.recomputePersonaRating(ctx, persona.ID)

	reloaded, err := personaService.ByID(ctx, persona.ID)
	if err != nil {
		t.Fatalf("reload persona: %v", err)
	}
	if reloaded.AverageRating != 4.0 {
		t.Fatalf("expected average 4.0, got %v", reloaded.AverageRating)
	}
}

func TestRecomputePersonaRatingEmptySetKeepsPrevious(t *testing.T) {
	module, personaService := newTestModule(t)
	ctx := context.Background()

	persona, err := personaService.Create(ctx, personas.Input{Name: "Hero", Description: "A knight"})
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	if err := personaService.SetAverageRating(ctx, persona.ID, 3.5); err != nil {
		t.Fatalf("seed rating: %v", err)
	}

	// Only an unrated sprite references the persona.
	createRatedSprite(t, module.db, &persona.ID, 0)

	module.recomputePersonaRating(ctx, persona.ID)

	reloaded, err := personaService.ByID(ctx, persona.ID)
	if err != nil {
		t.Fatalf("reload persona: %v", err)
	}
	if reloaded.AverageRating != 3.5 {
		t.Fatalf("expected previous average kept, got %v", reloaded.AverageRating)
	}
}

func TestRecomputePersonaRatingDanglingReference(t *testing.T) {
	module, _ := newTestModule(t)
	ctx := context.Background()

	dangling := uint64(424242)
	createRatedSprite(t, module.db, &dangling, 5)

	// Persona no longer exists; the failure is logged and swallowed.
	module.recomputePersonaRating(ctx, dangling)

	var count int64
	if err := module.db.Model(&Sprite{}).Where("persona_id = ?", dangling).Count(&count).Error; err != nil {
		t.Fatalf("count sprites: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected dangling sprite kept, got %d", count)
	}
}
