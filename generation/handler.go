package generation

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/yetog/spritegen/personas"
	"github.com/yetog/spritegen/sprites"
	"github.com/yetog/spritegen/training"
)

// Module forwards prompts to the generative API, applying persona and
// training-data enhancement before the upstream call.
type Module struct {
	client   *Client
	personas *personas.Service
	enhancer *training.Enhancer
	sprites  *gorm.DB
}

// RegisterRoutes mounts the generation endpoints at the router root.
// spriteDB is used read-only by the MCP quality and style tools.
func RegisterRoutes(router *gin.Engine, personaService *personas.Service, enhancer *training.Enhancer, spriteDB *gorm.DB) (*Module, error) {
	client, err := NewClientFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{
		client:   client,
		personas: personaService,
		enhancer: enhancer,
		sprites:  spriteDB,
	}

	router.POST("/chat", module.handleChat)
	router.POST("/image", module.handleImage)
	router.GET("/chat/ws", module.handleChatSocket)
	router.GET("/mcp/tools", module.handleMCPTools)
	router.POST("/mcp/execute", module.handleMCPExecute)

	return module, nil
}

type chatRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	UseMCP bool   `json:"use_mcp"`
}

func (m *Module) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	ctx := c.Request.Context()

	prompt := req.Prompt
	if req.UseMCP {
		prompt = m.enhancer.EnhanceChatPrompt(ctx, prompt)
	}

	content, err := m.client.ChatComplete(ctx, prompt)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"output": content})
}

type imageRequest struct {
	Prompt          string  `json:"prompt" binding:"required"`
	Character       string  `json:"character"`
	Pose            string  `json:"pose"`
	Style           string  `json:"style"`
	PersonaID       *uint64 `json:"persona_id"`
	UseTrainingData bool    `json:"use_training_data"`
}

func (m *Module) handleImage(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	ctx := c.Request.Context()

	prompt := req.Prompt
	if req.PersonaID != nil {
		prompt = m.applyPersona(ctx, prompt, *req.PersonaID, req.Character, req.Pose, req.Style, true)
	}
	if req.UseTrainingData {
		prompt = m.enhancer.EnhanceImagePrompt(ctx, prompt)
	}

	imageBase64, err := m.client.GenerateImage(ctx, prompt)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"image_base64": imageBase64})
}

// applyPersona resolves the persona and rebuilds the prompt around it. Lookup
// failures are logged and leave the prompt unchanged; generation must not fail
// because a persona reference went stale.
func (m *Module) applyPersona(ctx context.Context, prompt string, personaID uint64, character, pose, style string, countUsage bool) string {
	if m.personas == nil {
		return prompt
	}

	persona, err := m.personas.ByID(ctx, personaID)
	if err != nil {
		log.Printf("generation: persona %d lookup failed: %v", personaID, err)
		return prompt
	}

	enhanced := personas.BuildEnhancedPrompt(prompt, persona.PromptSnapshot(), character, pose, style)

	if countUsage {
		if err := m.personas.IncrementUsage(ctx, personaID); err != nil {
			log.Printf("generation: increment persona %d usage failed: %v", personaID, err)
		}
	}

	return enhanced
}

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type chatSocketRequest struct {
	Prompt string `json:"prompt"`
	UseMCP bool   `json:"use_mcp"`
}

type chatSocketEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleChatSocket streams chat completions over a websocket. Each client text
// frame carries one prompt; deltas are relayed as they arrive and the final
// event repeats the assembled reply.
func (m *Module) handleChatSocket(c *gin.Context) {
	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("generation: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()

	for {
		var req chatSocketRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("generation: websocket read failed: %v", err)
			}
			return
		}

		if strings.TrimSpace(req.Prompt) == "" {
			if err := conn.WriteJSON(chatSocketEvent{Type: "error", Error: "prompt is required"}); err != nil {
				return
			}
			continue
		}

		prompt := req.Prompt
		if req.UseMCP {
			prompt = m.enhancer.EnhanceChatPrompt(ctx, prompt)
		}

		full, err := m.client.ChatStream(ctx, prompt, func(delta ChatStreamDelta) error {
			if delta.Done {
				return nil
			}
			if delta.Content == "" {
				return nil
			}
			return conn.WriteJSON(chatSocketEvent{Type: "delta", Content: delta.Content})
		})
		if err != nil {
			if writeErr := conn.WriteJSON(chatSocketEvent{Type: "error", Error: err.Error()}); writeErr != nil {
				return
			}
			continue
		}

		if err := conn.WriteJSON(chatSocketEvent{Type: "done", Content: full}); err != nil {
			return
		}
	}
}

// handleMCPTools lists the tools exposed through the MCP-style registry.
func (m *Module) handleMCPTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tools": []gin.H{
			{
				"name":        "generate_sprite",
				"description": "Generate a character sprite with specific parameters",
				"parameters": gin.H{
					"character":         gin.H{"type": "string", "required": true},
					"pose":              gin.H{"type": "string", "required": false},
					"style":             gin.H{"type": "string", "required": false},
					"persona_id":        gin.H{"type": "string", "required": false},
					"use_training_data": gin.H{"type": "boolean", "required": false},
				},
			},
			{
				"name":        "enhance_prompt",
				"description": "Enhance a sprite generation prompt using training data",
				"parameters": gin.H{
					"prompt":     gin.H{"type": "string", "required": true},
					"persona_id": gin.H{"type": "string", "required": false},
				},
			},
			{
				"name":        "analyze_sprite_quality",
				"description": "Analyze sprite quality and suggest improvements",
				"parameters": gin.H{
					"sprite_id": gin.H{"type": "string", "required": true},
				},
			},
			{
				"name":        "get_style_recommendations",
				"description": "Get style recommendations based on character type",
				"parameters": gin.H{
					"character":  gin.H{"type": "string", "required": true},
					"persona_id": gin.H{"type": "string", "required": false},
				},
			},
		},
	})
}

type mcpExecuteRequest struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

func (m *Module) handleMCPExecute(c *gin.Context) {
	var req mcpExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	switch req.ToolName {
	case "generate_sprite":
		m.mcpGenerateSprite(c, req.Parameters)
	case "enhance_prompt":
		m.mcpEnhancePrompt(c, req.Parameters)
	case "analyze_sprite_quality":
		m.mcpAnalyzeSpriteQuality(c, req.Parameters)
	case "get_style_recommendations":
		m.mcpStyleRecommendations(c, req.Parameters)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown tool"})
	}
}

// mcpGenerateSprite builds a sprite prompt from tool parameters and calls the
// image API. Training enhancement defaults to on.
func (m *Module) mcpGenerateSprite(c *gin.Context, params map[string]any) {
	character := stringParam(params, "character")
	if character == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "character is required"})
		return
	}
	pose := stringParam(params, "pose")
	style := stringParam(params, "style")

	prompt := "Generate a sprite of " + character
	if pose != "" {
		prompt += " in " + pose + " pose"
	}
	if style != "" {
		prompt += " with " + style + " style"
	}

	ctx := c.Request.Context()

	if personaID, ok := uintParam(params, "persona_id"); ok {
		prompt = m.applyPersona(ctx, prompt, personaID, character, pose, style, false)
	}
	if boolParam(params, "use_training_data", true) {
		prompt = m.enhancer.EnhanceImagePrompt(ctx, prompt)
	}

	imageBase64, err := m.client.GenerateImage(ctx, prompt+", high quality sprite art, game character design")
	if err != nil {
		log.Printf("generation: mcp generate_sprite failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Generation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"image_base64":    imageBase64,
		"enhanced_prompt": prompt,
	})
}

// mcpEnhancePrompt runs persona and training enhancement without calling the
// generative API.
func (m *Module) mcpEnhancePrompt(c *gin.Context, params map[string]any) {
	prompt := stringParam(params, "prompt")
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	ctx := c.Request.Context()

	enhanced := prompt
	personaID, hasPersona := uintParam(params, "persona_id")
	if hasPersona {
		enhanced = m.applyPersona(ctx, enhanced, personaID, "", "", "", false)
	}
	enhanced = m.enhancer.EnhanceImagePrompt(ctx, enhanced)

	improvements := []string{"Enhanced with training data"}
	if hasPersona {
		improvements = append(improvements, "Applied persona context")
	}

	c.JSON(http.StatusOK, gin.H{
		"original_prompt": prompt,
		"enhanced_prompt": enhanced,
		"improvements":    improvements,
	})
}

// mcpAnalyzeSpriteQuality inspects one saved sprite and suggests improvements
// for low-rated results.
func (m *Module) mcpAnalyzeSpriteQuality(c *gin.Context, params map[string]any) {
	spriteID := stringParam(params, "sprite_id")
	if spriteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sprite_id is required"})
		return
	}
	if m.sprites == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sprite database not initialized"})
		return
	}

	var sprite sprites.Sprite
	err := m.sprites.WithContext(c.Request.Context()).
		Where("sprite_id = ?", spriteID).
		First(&sprite).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Sprite not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sprite", "details": err.Error()})
		}
		return
	}

	suggestions := make([]string, 0, 4)
	if sprite.Rating < 3 {
		suggestions = append(suggestions,
			"Consider more specific pose descriptions",
			"Add style keywords for better consistency",
			"Try different character descriptions",
		)
		if sprite.PersonaID == nil {
			suggestions = append(suggestions, "Try using a persona for more consistent results")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"sprite_id":      spriteID,
		"current_rating": sprite.Rating,
		"suggestions":    suggestions,
		"quality_score":  sprite.Rating * 20,
		"persona_used":   sprite.PersonaID != nil,
	})
}

// mcpStyleRecommendations combines persona tags, styles from successful
// generations of similar characters, and historical training styles.
func (m *Module) mcpStyleRecommendations(c *gin.Context, params map[string]any) {
	character := stringParam(params, "character")
	if character == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "character is required"})
		return
	}

	ctx := c.Request.Context()

	var recommendations []string

	personaID, hasPersona := uintParam(params, "persona_id")
	if hasPersona && m.personas != nil {
		persona, err := m.personas.ByID(ctx, personaID)
		if err != nil {
			log.Printf("generation: persona %d lookup failed: %v", personaID, err)
		} else {
			recommendations = append(recommendations, persona.PromptSnapshot().StyleTags...)
		}
	}

	similarCount := 0
	if m.sprites != nil {
		var similar []sprites.Sprite
		err := m.sprites.WithContext(ctx).
			Select("style").
			Where("LOWER(character) LIKE ?", "%"+strings.ToLower(character)+"%").
			Where("rating >= ?", 4).
			Limit(5).
			Find(&similar).Error
		if err != nil {
			log.Printf("generation: similar sprite lookup failed: %v", err)
		} else {
			similarCount = len(similar)
			for _, record := range similar {
				if style := strings.TrimSpace(record.Style); style != "" {
					recommendations = append(recommendations, style)
				}
			}
		}
	}

	if len(recommendations) == 0 {
		recommendations = m.enhancer.StyleRecommendations(ctx)
	}

	seen := make(map[string]struct{})
	deduped := make([]string, 0, 5)
	for _, style := range recommendations {
		if _, dup := seen[style]; dup {
			continue
		}
		seen[style] = struct{}{}
		deduped = append(deduped, style)
		if len(deduped) == 5 {
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"character":                       character,
		"recommended_styles":              deduped,
		"based_on_successful_generations": similarCount,
		"persona_applied":                 hasPersona,
	})
}

// stringParam reads a trimmed string parameter, tolerating absent keys.
func stringParam(params map[string]any, key string) string {
	raw, ok := params[key]
	if !ok {
		return ""
	}
	value, ok := raw.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// boolParam reads a boolean parameter with a fallback for absent keys.
func boolParam(params map[string]any, key string, fallback bool) bool {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	value, ok := raw.(bool)
	if !ok {
		return fallback
	}
	return value
}

// uintParam reads a numeric identifier that clients may send as a JSON number
// or a string.
func uintParam(params map[string]any, key string) (uint64, bool) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch value := raw.(type) {
	case string:
		id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil || id == 0 {
			return 0, false
		}
		return id, true
	case float64:
		if value <= 0 || value != float64(uint64(value)) {
			return 0, false
		}
		return uint64(value), true
	default:
		return 0, false
	}
}
