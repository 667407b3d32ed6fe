package training

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Module 聚合训练样本模块的数据库、缓存与增强器依赖。
type Module struct {
	db       *gorm.DB
	enhancer *Enhancer
}

// sampleRequest 是上传单条训练样本的请求载荷。
type sampleRequest struct {
	Character     string   `json:"character" binding:"required"`
	Pose          string   `json:"pose"`
	StyleTags     []string `json:"style_tags"`
	CharacterTags []string `json:"character_tags"`
	ImageBase64   string   `json:"image_base64"`
	Prompt        string   `json:"prompt"`
	Rating        *int     `json:"rating"`
	IsReference   *bool    `json:"is_reference"`
}

// RegisterRoutes 初始化训练样本模块并注册所有相关路由。
// redis 客户端可以为 nil，此时风格统计直接查库。
func RegisterRoutes(router *gin.Engine, cacheClient *redis.Client) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Sample{}); err != nil {
		return nil, err
	}

	module := &Module{
		db:       db,
		enhancer: NewEnhancer(db, cacheClient),
	}

	group := router.Group("/training-data")
	group.POST("", module.handleCreateSample)
	group.GET("", module.handleListSamples)
	group.DELETE("/:id", module.handleDeleteSample)
	group.POST("/archive", module.handleImportArchive)

	return module, nil
}

// Enhancer 返回本模块的提示词增强器，供生成模块复用。
func (m *Module) Enhancer() *Enhancer {
	if m == nil {
		return nil
	}
	return m.enhancer
}

// DB 返回本模块持有的数据库句柄。
func (m *Module) DB() *gorm.DB {
	if m == nil {
		return nil
	}
	return m.db
}

// handleCreateSample godoc
// @Summary 上传训练样本
// @Description 保存一条参考图记录，评分缺省为 5
// @Tags TrainingData
// @Accept json
// @Produce json
// @Param request body sampleRequest true "训练样本载荷"
// @Success 201 {object} map[string]interface{} "创建结果"
// @Failure 400 {object} map[string]string "校验失败"
// @Failure 500 {object} map[string]string "服务器错误"
// handleCreateSample 保存单条训练样本。
func (m *Module) handleCreateSample(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	var req sampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Character is required"})
		return
	}
	if strings.TrimSpace(req.Character) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Character is required"})
		return
	}

	rating := 5
	if req.Rating != nil {
		rating = *req.Rating
	}
	if rating < 1 || rating > 5 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Rating must be between 1 and 5"})
		return
	}

	isReference := true
	if req.IsReference != nil {
		isReference = *req.IsReference
	}

	sample := Sample{
		Character:     strings.TrimSpace(req.Character),
		Pose:          strings.TrimSpace(req.Pose),
		StyleTags:     encodeStringList(req.StyleTags),
		CharacterTags: encodeStringList(req.CharacterTags),
		ImageBase64:   req.ImageBase64,
		Prompt:        req.Prompt,
		Rating:        rating,
		IsReference:   isReference,
	}

	ctx := c.Request.Context()
	if err := m.db.WithContext(ctx).Create(&sample).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save training sample", "details": err.Error()})
		return
	}

	m.enhancer.InvalidateStyleCache(ctx)

	c.JSON(http.StatusCreated, gin.H{
		"message": "Training sample saved successfully",
		"id":      strconv.FormatUint(sample.ID, 10),
	})
}

// handleListSamples godoc
// @Summary 列出训练样本
// @Description 支持按角色过滤与最低评分过滤
// @Tags TrainingData
// @Produce json
// @Param character query string false "按角色名模糊过滤"
// @Param min_rating query int false "最低评分"
// @Success 200 {object} map[string]interface{} "训练样本列表"
// @Failure 500 {object} map[string]string "服务器错误"
// handleListSamples 返回训练样本列表。
func (m *Module) handleListSamples(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	query := m.db.WithContext(c.Request.Context()).Model(&Sample{})

	if character := strings.TrimSpace(c.Query("character")); character != "" {
		query = query.Where("LOWER(character) LIKE ?", "%"+strings.ToLower(character)+"%")
	}
	if raw := strings.TrimSpace(c.Query("min_rating")); raw != "" {
		if minRating, err := strconv.Atoi(raw); err == nil {
			query = query.Where("rating >= ?", minRating)
		}
	}

	var samples []Sample
	if err := query.Order("uploaded_at DESC").Find(&samples).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list training samples", "details": err.Error()})
		return
	}

	views := make([]View, 0, len(samples))
	for _, sample := range samples {
		views = append(views, formatView(sample))
	}

	c.JSON(http.StatusOK, gin.H{
		"training_data": views,
		"count":         len(views),
	})
}

// handleDeleteSample godoc
// @Summary 删除训练样本
// @Tags TrainingData
// @Param id path int true "样本 ID"
// @Success 200 {object} map[string]string "删除结果"
// @Failure 404 {object} map[string]string "未找到"
// handleDeleteSample 删除指定训练样本。
func (m *Module) handleDeleteSample(c *gin.Context) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid training sample id"})
		return
	}

	ctx := c.Request.Context()
	result := m.db.WithContext(ctx).Delete(&Sample{}, id)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete training sample", "details": result.Error.Error()})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Training sample not found"})
		return
	}

	m.enhancer.InvalidateStyleCache(ctx)

	c.JSON(http.StatusOK, gin.H{"message": "Training sample deleted successfully"})
}

// handleImportArchive godoc
// @Summary 批量导入训练样本
// @Description 接收 .zip/.rar 归档，提取其中的图片并逐张入库
// @Tags TrainingData
// @Accept multipart/form-data
// @Produce json
// @Param archive formData file true "参考图归档包"
// @Param character formData string false "统一角色名，缺省从文件名推断"
// @Param style_tags formData string false "逗号分隔的风格标签"
// @Success 201 {object} map[string]interface{} "导入结果"
// @Failure 400 {object} map[string]string "归档不可用"
// @Failure 500 {object} map[string]string "服务器错误"
// handleImportArchive 解包归档并批量写入训练样本。
func (m *Module) handleImportArchive(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	fileHeader, err := c.FormFile("archive")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Archive file is required"})
		return
	}

	images, err := extractArchiveImages(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(images) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Archive contains no supported images"})
		return
	}

	defaultCharacter := strings.TrimSpace(c.PostForm("character"))
	styleTags := splitTagList(c.PostForm("style_tags"))

	samples := make([]Sample, 0, len(images))
	for _, image := range images {
		character := defaultCharacter
		if character == "" {
			character = characterFromEntry(image.Name)
		}
		if character == "" {
			character = "unknown"
		}

		samples = append(samples, Sample{
			Character:   character,
			StyleTags:   encodeStringList(styleTags),
			ImageBase64: base64.StdEncoding.EncodeToString(image.Data),
			Rating:      5,
			IsReference: true,
		})
	}

	ctx := c.Request.Context()
	if err := m.db.WithContext(ctx).Create(&samples).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to import training samples", "details": err.Error()})
		return
	}

	m.enhancer.InvalidateStyleCache(ctx)

	c.JSON(http.StatusCreated, gin.H{
		"message":  "Training samples imported successfully",
		"imported": len(samples),
	})
}

// splitTagList 将逗号分隔的标签串拆分为去空白后的切片。
func splitTagList(raw string) []string {
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}
