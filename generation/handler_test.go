package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yetog/spritegen/personas"
	"github.com/yetog/spritegen/sprites"
	"github.com/yetog/spritegen/training"
)

func newMCPTestRouter(t *testing.T) (*gin.Engine, *Module, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := "file:generation_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&sprites.Sprite{}, &training.Sample{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	personaService := personas.NewService(db)
	if err := personaService.AutoMigrate(); err != nil {
		t.Fatalf("migrate personas: %v", err)
	}

	module := &Module{
		personas: personaService,
		enhancer: training.NewEnhancer(db, nil),
		sprites:  db,
	}

	router := gin.New()
	router.GET("/mcp/tools", module.handleMCPTools)
	router.POST("/mcp/execute", module.handleMCPExecute)

	return router, module, db
}

func executeMCP(t *testing.T, router *gin.Engine, tool string, params map[string]any) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(map[string]any{"tool_name": tool, "parameters": params})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp/execute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestMCPToolsCatalog(t *testing.T) {
	router, _, _ := newMCPTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp/tools", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}

	var decoded struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(decoded.Tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(decoded.Tools))
	}
	if decoded.Tools[0].Name != "generate_sprite" {
		t.Fatalf("unexpected first tool %q", decoded.Tools[0].Name)
	}
}

func TestMCPExecuteUnknownTool(t *testing.T) {
	router, _, _ := newMCPTestRouter(t)

	recorder := executeMCP(t, router, "rm_rf", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !bytes.Contains(recorder.Body.Bytes(), []byte("Unknown tool")) {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestMCPAnalyzeSpriteQuality(t *testing.T) {
	router, _, db := newMCPTestRouter(t)

	lowRated := sprites.Sprite{
		SpriteID:    "sprite-low",
		Character:   "fox",
		ImageBase64: "data",
		Rating:      2,
	}
	if err := db.Create(&lowRated).Error; err != nil {
		t.Fatalf("seed sprite: %v", err)
	}

	recorder := executeMCP(t, router, "analyze_sprite_quality", map[string]any{"sprite_id": "sprite-low"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var analysis struct {
		SpriteID      string   `json:"sprite_id"`
		CurrentRating int      `json:"current_rating"`
		Suggestions   []string `json:"suggestions"`
		QualityScore  int      `json:"quality_score"`
		PersonaUsed   bool     `json:"persona_used"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &analysis); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if analysis.CurrentRating != 2 || analysis.QualityScore != 40 {
		t.Fatalf("unexpected analysis %+v", analysis)
	}
	if len(analysis.Suggestions) != 4 {
		t.Fatalf("expected 4 suggestions for low rating without persona, got %v", analysis.Suggestions)
	}
	if analysis.PersonaUsed {
		t.Fatal("expected persona_used false")
	}

	missing := executeMCP(t, router, "analyze_sprite_quality", map[string]any{"sprite_id": "nope"})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", missing.Code)
	}
}

func TestMCPStyleRecommendations(t *testing.T) {
	router, _, db := newMCPTestRouter(t)

	for _, style := range []string{"pixel art", "watercolor"} {
		sprite := sprites.Sprite{
			SpriteID:    uuid.NewString(),
			Character:   "Fox Warrior",
			Style:       style,
			ImageBase64: "data",
			Rating:      5,
		}
		if err := db.Create(&sprite).Error; err != nil {
			t.Fatalf("seed sprite: %v", err)
		}
	}

	recorder := executeMCP(t, router, "get_style_recommendations", map[string]any{"character": "fox"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var decoded struct {
		Character         string   `json:"character"`
		RecommendedStyles []string `json:"recommended_styles"`
		BasedOn           int      `json:"based_on_successful_generations"`
		PersonaApplied    bool     `json:"persona_applied"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.BasedOn != 2 {
		t.Fatalf("expected 2 similar sprites, got %d", decoded.BasedOn)
	}
	if len(decoded.RecommendedStyles) != 2 {
		t.Fatalf("unexpected recommendations %v", decoded.RecommendedStyles)
	}
	if decoded.PersonaApplied {
		t.Fatal("expected persona_applied false")
	}
}

func TestMCPEnhancePrompt(t *testing.T) {
	router, module, db := newMCPTestRouter(t)

	persona, err := module.personas.Create(context.Background(), personas.Input{
		Name:        "Hero",
		Description: "A knight",
	})
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}

	sample := training.Sample{
		Character:   "fox",
		StyleTags:   datatypes.JSON([]byte(`["pixel art"]`)),
		Rating:      5,
		IsReference: true,
	}
	if err := db.Create(&sample).Error; err != nil {
		t.Fatalf("seed sample: %v", err)
	}

	recorder := executeMCP(t, router, "enhance_prompt", map[string]any{
		"prompt":     "Draw a fox",
		"persona_id": persona.ID,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var decoded struct {
		OriginalPrompt string   `json:"original_prompt"`
		EnhancedPrompt string   `json:"enhanced_prompt"`
		Improvements   []string `json:"improvements"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.OriginalPrompt != "Draw a fox" {
		t.Fatalf("unexpected original prompt %q", decoded.OriginalPrompt)
	}
	want := "Based on the 'Hero' persona:. Description: A knight. Generate: Draw a fox. " +
		"High quality, detailed sprite art, game character design, consistent with persona style" +
		", pixel art, high quality sprite art"
	if decoded.EnhancedPrompt != want {
		t.Fatalf("unexpected enhanced prompt:\n got %q\nwant %q", decoded.EnhancedPrompt, want)
	}
	if len(decoded.Improvements) != 2 {
		t.Fatalf("unexpected improvements %v", decoded.Improvements)
	}
}
