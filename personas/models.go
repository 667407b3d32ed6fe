package personas

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// Persona 表示可复用的风格与角色预设模型。
type Persona struct {
	ID             uint64         `gorm:"primaryKey" json:"id"`
	Name           string         `gorm:"size:100;not null" json:"name"`
	Description    string         `gorm:"type:text;not null" json:"description"`
	ReferenceImage *string        `gorm:"type:mediumtext" json:"reference_image_base64,omitempty"`
	StyleTags      datatypes.JSON `gorm:"type:json" json:"style_tags,omitempty"`
	CharacterTags  datatypes.JSON `gorm:"type:json" json:"character_tags,omitempty"`
	ExamplePrompts datatypes.JSON `gorm:"type:json" json:"example_prompts,omitempty"`
	IsActive       bool           `gorm:"not null;default:true" json:"is_active"`
	UsageCount     uint64         `gorm:"not null;default:0" json:"usage_count"`
	AverageRating  float64        `gorm:"not null;default:0" json:"average_rating"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName 指定 Persona 模型对应的数据库表名。
func (Persona) TableName() string {
	return "personas"
}

// View 是返回给前端的 Persona 序列化形式。
type View struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ReferenceImage *string  `json:"referenceImageBase64,omitempty"`
	StyleTags      []string `json:"styleTags"`
	CharacterTags  []string `json:"characterTags"`
	ExamplePrompts []string `json:"examplePrompts"`
	IsActive       bool     `json:"isActive"`
	UsageCount     uint64   `json:"usageCount"`
	AverageRating  float64  `json:"averageRating"`
	CreatedAt      string   `json:"createdAt"`
	UpdatedAt      string   `json:"updatedAt"`
}

// FormatView 将存储模型转换为前端视图。
func FormatView(p Persona) View {
	return View{
		ID:             strconv.FormatUint(p.ID, 10),
		Name:           p.Name,
		Description:    p.Description,
		ReferenceImage: p.ReferenceImage,
		StyleTags:      decodeStringList(p.StyleTags),
		CharacterTags:  decodeStringList(p.CharacterTags),
		ExamplePrompts: decodeStringList(p.ExamplePrompts),
		IsActive:       p.IsActive,
		UsageCount:     p.UsageCount,
		AverageRating:  p.AverageRating,
		CreatedAt:      p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Snapshot 是提示词构建所需的 Persona 快照，与存储解耦。
type Snapshot struct {
	Name           string
	Description    string
	StyleTags      []string
	CharacterTags  []string
	ExamplePrompts []string
}

// PromptSnapshot 提取用于提示词增强的字段快照。
func (p Persona) PromptSnapshot() Snapshot {
	return Snapshot{
		Name:           p.Name,
		Description:    p.Description,
		StyleTags:      decodeStringList(p.StyleTags),
		CharacterTags:  decodeStringList(p.CharacterTags),
		ExamplePrompts: decodeStringList(p.ExamplePrompts),
	}
}

// decodeStringList 将 JSON 列解析为字符串切片，解析失败时返回空切片。
func decodeStringList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return []string{}
	}
	if list == nil {
		return []string{}
	}
	return list
}

// encodeStringList 将字符串切片编码为 JSON 列，空切片编码为 []。
func encodeStringList(list []string) datatypes.JSON {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(data)
}
