package personas

import (
	"context"
	"errors"
	"math"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound 表示目标 Persona 不存在。
var ErrNotFound = errors.New("personas: persona not found")

// Service 封装 Persona 的存储操作，供本包及其它模块复用。
type Service struct {
	db *gorm.DB
}

// NewService 基于给定的数据库句柄创建 Persona 服务。
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AutoMigrate 同步 Persona 表结构。
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&Persona{})
}

// Ping 检查底层数据库连接是否可用。
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("personas: database not initialized")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Create 以校验通过的载荷插入一条新 Persona 记录。
func (s *Service) Create(ctx context.Context, input Input) (*Persona, error) {
	styleTags, characterTags, examplePrompts := input.tagLists()

	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}

	persona := Persona{
		Name:           strings.TrimSpace(input.Name),
		Description:    strings.TrimSpace(input.Description),
		StyleTags:      encodeStringList(styleTags),
		CharacterTags:  encodeStringList(characterTags),
		ExamplePrompts: encodeStringList(examplePrompts),
		IsActive:       isActive,
	}
	if input.ReferenceImage != nil {
		if trimmed := strings.TrimSpace(*input.ReferenceImage); trimmed != "" {
			persona.ReferenceImage = &trimmed
		}
	}

	if err := s.db.WithContext(ctx).Create(&persona).Error; err != nil {
		return nil, err
	}
	return &persona, nil
}

// ByID 按主键查找 Persona，未命中返回 ErrNotFound。
func (s *Service) ByID(ctx context.Context, id uint64) (*Persona, error) {
	var persona Persona
	if err := s.db.WithContext(ctx).First(&persona, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &persona, nil
}

// ByName 按去除首尾空白后的名称精确查找，excludeID 大于零时排除该记录。
// 未命中返回 (nil, nil)，供唯一性检查使用。
func (s *Service) ByName(ctx context.Context, name string, excludeID uint64) (*Persona, error) {
	query := s.db.WithContext(ctx).Where("name = ?", strings.TrimSpace(name))
	if excludeID > 0 {
		query = query.Where("id <> ?", excludeID)
	}

	var persona Persona
	if err := query.First(&persona).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &persona, nil
}

// List 返回 Persona 列表，支持仅激活过滤与白名单排序。
func (s *Service) List(ctx context.Context, activeOnly bool, sortBy, sortOrder string) ([]Persona, error) {
	query := s.db.WithContext(ctx).Model(&Persona{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	field := normalizeSortField(sortBy)
	direction := normalizeSortDirection(sortOrder)

	var personas []Persona
	if err := query.Order(field + " " + direction).Find(&personas).Error; err != nil {
		return nil, err
	}
	return personas, nil
}

// Update 以完整载荷覆盖 Persona 的可编辑字段，参考图仅在显式提供时替换。
func (s *Service) Update(ctx context.Context, id uint64, input Input) (*Persona, error) {
	styleTags, characterTags, examplePrompts := input.tagLists()

	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}

	updates := map[string]interface{}{
		"name":            strings.TrimSpace(input.Name),
		"description":     strings.TrimSpace(input.Description),
		"style_tags":      encodeStringList(styleTags),
		"character_tags":  encodeStringList(characterTags),
		"example_prompts": encodeStringList(examplePrompts),
		"is_active":       isActive,
	}
	if input.ReferenceImage != nil {
		if trimmed := strings.TrimSpace(*input.ReferenceImage); trimmed != "" {
			updates["reference_image"] = trimmed
		} else {
			updates["reference_image"] = gorm.Expr("NULL")
		}
	}

	if err := s.db.WithContext(ctx).Model(&Persona{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.ByID(ctx, id)
}

// Delete 删除指定 Persona，引用它的生成记录保持原样。
func (s *Service) Delete(ctx context.Context, id uint64) error {
	result := s.db.WithContext(ctx).Delete(&Persona{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleActive 翻转激活状态并返回更新后的记录。
func (s *Service) ToggleActive(ctx context.Context, id uint64) (*Persona, error) {
	persona, err := s.ByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next := !persona.IsActive
	if err := s.db.WithContext(ctx).Model(&Persona{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": next}).Error; err != nil {
		return nil, err
	}
	return s.ByID(ctx, id)
}

// IncrementUsage 原子累加使用次数，不触碰 updated_at。
func (s *Service) IncrementUsage(ctx context.Context, id uint64) error {
	result := s.db.WithContext(ctx).Model(&Persona{}).Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAverageRating 写入重新计算的平均评分，不触碰 updated_at。
func (s *Service) SetAverageRating(ctx context.Context, id uint64, value float64) error {
	result := s.db.WithContext(ctx).Model(&Persona{}).Where("id = ?", id).
		UpdateColumn("average_rating", value)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MostUsedEntry 描述使用次数最多的 Persona。
type MostUsedEntry struct {
	Name       string `json:"name"`
	UsageCount uint64 `json:"usage_count"`
}

// StatsSummary 汇总 Persona 的整体统计信息。
type StatsSummary struct {
	Total        int64          `json:"total"`
	Active       int64          `json:"active"`
	Inactive     int64          `json:"inactive"`
	MostUsed     *MostUsedEntry `json:"most_used"`
	AverageUsage float64        `json:"average_usage"`
}

// Stats 统计 Persona 总量、激活数量、最常用记录与平均使用次数。
func (s *Service) Stats(ctx context.Context) (StatsSummary, error) {
	var summary StatsSummary

	if err := s.db.WithContext(ctx).Model(&Persona{}).Count(&summary.Total).Error; err != nil {
		return summary, err
	}
	if err := s.db.WithContext(ctx).Model(&Persona{}).Where("is_active = ?", true).Count(&summary.Active).Error; err != nil {
		return summary, err
	}
	summary.Inactive = summary.Total - summary.Active

	var mostUsed MostUsedEntry
	err := s.db.WithContext(ctx).Model(&Persona{}).
		Select("name", "usage_count").
		Where("usage_count > ?", 0).
		Order("usage_count DESC").
		Limit(1).
		Take(&mostUsed).Error
	if err == nil {
		summary.MostUsed = &mostUsed
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return summary, err
	}

	var averageUsage *float64
	if err := s.db.WithContext(ctx).Model(&Persona{}).
		Select("AVG(usage_count)").
		Scan(&averageUsage).Error; err != nil {
		return summary, err
	}
	if averageUsage != nil {
		summary.AverageUsage = roundTo2(*averageUsage)
	}

	return summary, nil
}

// normalizeSortField 将排序参数映射到白名单内的列名，其余回退到 created_at。
func normalizeSortField(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "updated_at":
		return "updated_at"
	case "name":
		return "name"
	case "usage_count":
		return "usage_count"
	case "average_rating":
		return "average_rating"
	default:
		return "created_at"
	}
}

// normalizeSortDirection 规范化排序方向，默认倒序。
func normalizeSortDirection(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), "ASC") {
		return "ASC"
	}
	return "DESC"
}

// roundTo2 以银行家舍入保留两位小数。
func roundTo2(value float64) float64 {
	return math.RoundToEven(value*100) / 100
}
