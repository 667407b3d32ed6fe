package sprites

import (
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yetog/spritegen/personas"
	filestore "github.com/yetog/spritegen/storage"
)

// Module 聚合精灵图记录的数据库、Persona 服务与对象存储依赖。
type Module struct {
	db       *gorm.DB
	personas *personas.Service
	images   *filestore.SpriteImageStore
}

// RegisterRoutes 初始化精灵图模块并注册所有相关路由。
func RegisterRoutes(router *gin.Engine, personaService *personas.Service) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Sprite{}); err != nil {
		return nil, err
	}

	images, err := filestore.NewSpriteImageStoreFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{db: db, personas: personaService, images: images}

	group := router.Group("/sprites")
	group.POST("", module.handleSaveSprite)
	group.GET("", module.handleListSprites)
	group.GET("/stats", module.handleSpriteStats)
	group.PUT("/:id", module.handleUpdateRating)
	group.DELETE("/:id", module.handleDeleteSprite)

	return module, nil
}

// DB 返回本模块持有的数据库句柄，供生成模块的质量分析复用。
func (m *Module) DB() *gorm.DB {
	if m == nil {
		return nil
	}
	return m.db
}

type saveSpriteRequest struct {
	ID          string  `json:"id"`
	Character   string  `json:"character" binding:"required"`
	Pose        string  `json:"pose"`
	Style       string  `json:"style"`
	ImageBase64 string  `json:"image_base64" binding:"required"`
	Rating      int     `json:"rating"`
	Feedback    string  `json:"feedback"`
	PersonaID   *uint64 `json:"persona_id"`
}

type updateRatingRequest struct {
	Rating   *int    `json:"rating"`
	Feedback *string `json:"feedback"`
}

// handleSaveSprite godoc
// @Summary 保存生成的精灵图
// @Description 保存生成结果与反馈，携带评分和 Persona 引用时同步重算平均分
// @Tags Sprites
// @Accept json
// @Produce json
// @Param request body saveSpriteRequest true "精灵图信息"
// @Success 201 {object} map[string]string "保存结果"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Failure 500 {object} map[string]string "服务器错误"
// handleSaveSprite 落库一条生成记录。
func (m *Module) handleSaveSprite(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	var req saveSpriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "character and image_base64 are required"})
		return
	}

	if req.Rating < 0 || req.Rating > 5 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rating must be between 0 and 5"})
		return
	}

	spriteID := strings.TrimSpace(req.ID)
	if spriteID == "" {
		spriteID = uuid.NewString()
	}

	sprite := Sprite{
		SpriteID:    spriteID,
		Character:   strings.TrimSpace(req.Character),
		Pose:        strings.TrimSpace(req.Pose),
		Style:       strings.TrimSpace(req.Style),
		ImageBase64: req.ImageBase64,
		Rating:      req.Rating,
		Feedback:    req.Feedback,
		PersonaID:   req.PersonaID,
	}

	ctx := c.Request.Context()

	if m.images != nil {
		if data, err := base64.StdEncoding.DecodeString(req.ImageBase64); err == nil {
			if url, uploadErr := m.images.Upload(ctx, spriteID, data); uploadErr != nil {
				log.Printf("sprites: archive image for %s failed: %v", spriteID, uploadErr)
			} else {
				sprite.ImageURL = &url
			}
		}
	}

	if err := m.db.WithContext(ctx).Create(&sprite).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save sprite", "details": err.Error()})
		return
	}

	if sprite.PersonaID != nil && sprite.Rating > 0 {
		m.recomputePersonaRating(ctx, *sprite.PersonaID)
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Sprite saved successfully", "id": sprite.SpriteID})
}

// handleListSprites godoc
// @Summary 查询精灵图记录
// @Description 支持角色模糊匹配、评分、Persona 过滤与白名单排序
// @Tags Sprites
// @Produce json
// @Param character query string false "角色名模糊匹配"
// @Param rating query int false "评分精确过滤"
// @Param persona_id query int false "Persona 过滤"
// @Param sort_by query string false "排序字段，可选 created_at|updated_at|rating|character"
// @Param sort_order query string false "排序方向 ASC|DESC，默认 DESC"
// @Success 200 {object} map[string]interface{} "精灵图列表"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Failure 500 {object} map[string]string "服务器错误"
// handleListSprites 返回过滤排序后的生成记录。
func (m *Module) handleListSprites(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	ctx := c.Request.Context()
	query := m.db.WithContext(ctx).Model(&Sprite{})

	if character := strings.TrimSpace(c.Query("character")); character != "" {
		query = query.Where("LOWER(character) LIKE ?", "%"+strings.ToLower(character)+"%")
	}

	if ratingParam := strings.TrimSpace(c.Query("rating")); ratingParam != "" {
		rating, err := strconv.Atoi(ratingParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rating value"})
			return
		}
		query = query.Where("rating = ?", rating)
	}

	if personaParam := strings.TrimSpace(c.Query("persona_id")); personaParam != "" {
		personaID, err := strconv.ParseUint(personaParam, 10, 64)
		if err != nil || personaID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid persona_id value"})
			return
		}
		query = query.Where("persona_id = ?", personaID)
	}

	field := normalizeSpriteSortField(c.Query("sort_by"))
	direction := "DESC"
	if strings.EqualFold(strings.TrimSpace(c.Query("sort_order")), "ASC") {
		direction = "ASC"
	}

	var records []Sprite
	if err := query.Order(field + " " + direction).Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sprites", "details": err.Error()})
		return
	}

	views := make([]View, 0, len(records))
	for _, record := range records {
		if record.ImageURL != nil && m.images != nil {
			if signed, err := m.images.PresignedURL(ctx, *record.ImageURL); err == nil {
				record.ImageURL = &signed
			}
		}
		views = append(views, formatView(record))
	}

	c.JSON(http.StatusOK, gin.H{"sprites": views})
}

// normalizeSpriteSortField 将排序参数映射到白名单内的列名。
func normalizeSpriteSortField(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "updated_at":
		return "updated_at"
	case "rating":
		return "rating"
	case "character":
		return "character"
	default:
		return "created_at"
	}
}

// handleUpdateRating godoc
// @Summary 更新精灵图评分
// @Description 写入评分与反馈，引用 Persona 时触发平均分重算
// @Tags Sprites
// @Accept json
// @Produce json
// @Param id path string true "精灵图 ID"
// @Param request body updateRatingRequest true "评分与反馈"
// @Success 200 {object} map[string]string "更新结果"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Failure 404 {object} map[string]string "未找到"
// handleUpdateRating 更新评分反馈并联动 Persona 平均分。
func (m *Module) handleUpdateRating(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	spriteID := strings.TrimSpace(c.Param("id"))
	if spriteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sprite id"})
		return
	}

	var req updateRatingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	if req.Rating == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Rating is required"})
		return
	}
	if *req.Rating < 1 || *req.Rating > 5 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Rating must be between 1 and 5"})
		return
	}

	ctx := c.Request.Context()

	var sprite Sprite
	if err := m.db.WithContext(ctx).First(&sprite, "sprite_id = ?", spriteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Sprite not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sprite", "details": err.Error()})
		}
		return
	}

	updates := map[string]interface{}{"rating": *req.Rating}
	if req.Feedback != nil {
		updates["feedback"] = *req.Feedback
	}

	if err := m.db.WithContext(ctx).Model(&Sprite{}).Where("sprite_id = ?", spriteID).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update sprite", "details": err.Error()})
		return
	}

	if sprite.PersonaID != nil {
		m.recomputePersonaRating(ctx, *sprite.PersonaID)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Sprite rating updated successfully"})
}

// handleDeleteSprite godoc
// @Summary 删除精灵图记录
// @Tags Sprites
// @Param id path string true "精灵图 ID"
// @Success 200 {object} map[string]string "删除结果"
// @Failure 404 {object} map[string]string "未找到"
// handleDeleteSprite 删除指定生成记录。
func (m *Module) handleDeleteSprite(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	spriteID := strings.TrimSpace(c.Param("id"))
	if spriteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sprite id"})
		return
	}

	ctx := c.Request.Context()

	var sprite Sprite
	if err := m.db.WithContext(ctx).First(&sprite, "sprite_id = ?", spriteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Sprite not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sprite", "details": err.Error()})
		}
		return
	}

	if err := m.db.WithContext(ctx).Delete(&Sprite{}, "sprite_id = ?", spriteID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete sprite", "details": err.Error()})
		return
	}

	if sprite.ImageURL != nil && m.images != nil {
		if err := m.images.Remove(ctx, *sprite.ImageURL); err != nil {
			log.Printf("sprites: remove archived image for %s failed: %v", spriteID, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Sprite deleted successfully"})
}

// handleSpriteStats godoc
// @Summary 精灵图统计信息
// @Tags Sprites
// @Produce json
// @Success 200 {object} map[string]interface{} "统计结果"
// @Failure 500 {object} map[string]string "服务器错误"
// handleSpriteStats 返回生成记录的聚合统计。
func (m *Module) handleSpriteStats(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	ctx := c.Request.Context()

	var total, rated, characters int64
	if err := m.db.WithContext(ctx).Model(&Sprite{}).Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sprite stats", "details": err.Error()})
		return
	}
	if err := m.db.WithContext(ctx).Model(&Sprite{}).Where("rating > ?", 0).Count(&rated).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sprite stats", "details": err.Error()})
		return
	}
	if err := m.db.WithContext(ctx).Model(&Sprite{}).Distinct("character").Count(&characters).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sprite stats", "details": err.Error()})
		return
	}

	var average *float64
	if err := m.db.WithContext(ctx).Model(&Sprite{}).
		Select("AVG(rating)").
		Where("rating > ?", 0).
		Scan(&average).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sprite stats", "details": err.Error()})
		return
	}

	averageValue := 0.0
	if average != nil {
		averageValue = roundTo2(*average)
	}

	c.JSON(http.StatusOK, gin.H{
		"total":          total,
		"rated":          rated,
		"characters":     characters,
		"average_rating": averageValue,
	})
}
