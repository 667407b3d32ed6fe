package personas

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Module 聚合 Persona 模块的数据库与服务依赖。
type Module struct {
	db      *gorm.DB
	service *Service
}

// RegisterRoutes 初始化 Persona 模块并注册所有相关路由。
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	service := NewService(db)
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{db: db, service: service}

	group := router.Group("/personas")
	group.POST("", module.handleCreatePersona)
	group.GET("", module.handleListPersonas)
	group.GET("/stats", module.handlePersonaStats)
	group.GET("/:id", module.handleGetPersona)
	group.PUT("/:id", module.handleUpdatePersona)
	group.DELETE("/:id", module.handleDeletePersona)
	group.PUT("/:id/toggle", module.handleTogglePersona)

	return module, nil
}

// Service 返回本模块的 Persona 服务，供其它模块复用。
func (m *Module) Service() *Service {
	if m == nil {
		return nil
	}
	return m.service
}

// DB 返回本模块持有的数据库句柄。
func (m *Module) DB() *gorm.DB {
	if m == nil {
		return nil
	}
	return m.db
}

// parseUintID 解析路径中的数字主键。
func parseUintID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// handleCreatePersona godoc
// @Summary 创建 Persona
// @Description 校验载荷并创建新的风格预设，名称不可重复
// @Tags Personas
// @Accept json
// @Produce json
// @Param request body Input true "Persona 载荷"
// @Success 201 {object} map[string]interface{} "创建结果"
// @Failure 400 {object} map[string]string "校验失败"
// @Failure 409 {object} map[string]string "名称冲突"
// @Failure 500 {object} map[string]string "服务器错误"
// handleCreatePersona 处理 Persona 的创建请求。
func (m *Module) handleCreatePersona(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	var input Input
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	if ok, message := ValidateInput(input); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
		return
	}

	ctx := c.Request.Context()

	existing, err := m.service.ByName(ctx, input.Name, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check persona name", "details": err.Error()})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "A persona with this name already exists"})
		return
	}

	persona, err := m.service.Create(ctx, input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create persona", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Persona created successfully",
		"id":      strconv.FormatUint(persona.ID, 10),
		"name":    persona.Name,
	})
}

// handleListPersonas godoc
// @Summary 列出 Persona
// @Description 支持仅激活过滤与白名单字段排序
// @Tags Personas
// @Produce json
// @Param active_only query bool false "仅返回激活记录"
// @Param sort_by query string false "排序字段，可选 created_at|updated_at|name|usage_count|average_rating"
// @Param sort_order query string false "排序方向 ASC|DESC，默认 DESC"
// @Success 200 {object} map[string]interface{} "Persona 列表"
// @Failure 500 {object} map[string]string "服务器错误"
// handleListPersonas 返回 Persona 列表。
func (m *Module) handleListPersonas(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	activeOnly := strings.EqualFold(strings.TrimSpace(c.Query("active_only")), "true")

	personas, err := m.service.List(c.Request.Context(), activeOnly, c.Query("sort_by"), c.Query("sort_order"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list personas", "details": err.Error()})
		return
	}

	views := make([]View, 0, len(personas))
	for _, persona := range personas {
		views = append(views, FormatView(persona))
	}

	c.JSON(http.StatusOK, gin.H{"personas": views})
}

// handleGetPersona godoc
// @Summary 获取 Persona 详情
// @Tags Personas
// @Produce json
// @Param id path int true "Persona ID"
// @Success 200 {object} map[string]interface{} "Persona 详情"
// @Failure 400 {object} map[string]string "请求参数错误"
// @Failure 404 {object} map[string]string "未找到"
// handleGetPersona 返回单个 Persona。
func (m *Module) handleGetPersona(c *gin.Context) {
	id, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid persona id"})
		return
	}

	persona, err := m.service.ByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Persona not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load persona", "details": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"persona": FormatView(*persona)})
}

// handleUpdatePersona godoc
// @Summary 更新 Persona
// @Description 整体替换可编辑字段，参考图仅在提供时替换
// @Tags Personas
// @Accept json
// @Produce json
// @Param id path int true "Persona ID"
// @Param request body Input true "Persona 载荷"
// @Success 200 {object} map[string]string "更新结果"
// @Failure 400 {object} map[string]string "校验失败"
// @Failure 404 {object} map[string]string "未找到"
// @Failure 409 {object} map[string]string "名称冲突"
// handleUpdatePersona 处理 Persona 的整体更新。
func (m *Module) handleUpdatePersona(c *gin.Context) {
	id, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid persona id"})
		return
	}

	var input Input
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	if ok, message := ValidateInput(input); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
		return
	}

	ctx := c.Request.Context()

	if _, err := m.service.ByID(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Persona not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load persona", "details": err.Error()})
		}
		return
	}

	conflict, err := m.service.ByName(ctx, input.Name, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check persona name", "details": err.Error()})
		return
	}
	if conflict != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "A persona with this name already exists"})
		return
	}

	if _, err := m.service.Update(ctx, id, input); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Persona not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update persona", "details": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Persona updated successfully"})
}

// handleDeletePersona godoc
// @Summary 删除 Persona
// @Description 删除预设本身，引用它的生成记录不做级联处理
// @Tags Personas
// @Param id path int true "Persona ID"
// @Success 200 {object} map[string]string "删除结果"
// @Failure 404 {object} map[string]string "未找到"
// handleDeletePersona 删除指定 Persona。
func (m *Module) handleDeletePersona(c *gin.Context) {
	id, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid persona id"})
		return
	}

	if err := m.service.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Persona not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete persona", "details": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Persona deleted successfully"})
}

// handleTogglePersona godoc
// @Summary 切换 Persona 激活状态
// @Tags Personas
// @Produce json
// @Param id path int true "Persona ID"
// @Success 200 {object} map[string]interface{} "切换结果"
// @Failure 404 {object} map[string]string "未找到"
// handleTogglePersona 翻转激活状态并返回新状态。
func (m *Module) handleTogglePersona(c *gin.Context) {
	id, err := parseUintID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid persona id"})
		return
	}

	persona, err := m.service.ToggleActive(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Persona not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to toggle persona", "details": err.Error()})
		}
		return
	}

	statusText := "deactivated"
	if persona.IsActive {
		statusText = "activated"
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Persona " + statusText + " successfully",
		"is_active": persona.IsActive,
	})
}

// handlePersonaStats godoc
// @Summary Persona 统计信息
// @Tags Personas
// @Produce json
// @Success 200 {object} StatsSummary "统计结果"
// @Failure 500 {object} map[string]string "服务器错误"
// handlePersonaStats 返回 Persona 的聚合统计。
func (m *Module) handlePersonaStats(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	summary, err := m.service.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load persona stats", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}
