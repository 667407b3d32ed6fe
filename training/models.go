package training

import (
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// Sample 表示一条用于风格统计的参考图记录。
type Sample struct {
	ID            uint64         `gorm:"primaryKey" json:"id"`
	Character     string         `gorm:"size:255;not null" json:"character"`
	Pose          string         `gorm:"size:255" json:"pose"`
	StyleTags     datatypes.JSON `gorm:"type:json" json:"style_tags"`
	CharacterTags datatypes.JSON `gorm:"type:json" json:"character_tags,omitempty"`
	ImageBase64   string         `gorm:"type:longtext" json:"image_base64"`
	Prompt        string         `gorm:"type:text" json:"prompt"`
	Rating        int            `gorm:"not null;default:5" json:"rating"`
	IsReference   bool           `gorm:"not null;default:true" json:"is_reference"`
	UploadedAt    time.Time      `gorm:"autoCreateTime" json:"uploaded_at"`
}

// TableName 指定 Sample 模型对应的数据库表名。
func (Sample) TableName() string {
	return "training_samples"
}

// View 是返回给前端的训练样本序列化形式。
type View struct {
	ID            string   `json:"id"`
	Character     string   `json:"character"`
	Pose          string   `json:"pose"`
	StyleTags     []string `json:"styleTags"`
	CharacterTags []string `json:"characterTags"`
	ImageBase64   string   `json:"imageBase64"`
	Prompt        string   `json:"prompt"`
	Rating        int      `json:"rating"`
	IsReference   bool     `json:"isReference"`
	UploadedAt    string   `json:"uploadedAt"`
}

// formatView 将存储模型转换为前端视图。
func formatView(s Sample) View {
	return View{
		ID:            strconv.FormatUint(s.ID, 10),
		Character:     s.Character,
		Pose:          s.Pose,
		StyleTags:     decodeStringList(s.StyleTags),
		CharacterTags: decodeStringList(s.CharacterTags),
		ImageBase64:   s.ImageBase64,
		Prompt:        s.Prompt,
		Rating:        s.Rating,
		IsReference:   s.IsReference,
		UploadedAt:    s.UploadedAt.UTC().Format(time.RFC3339),
	}
}

// decodeStringList 将 JSON 列解析为字符串切片，解析失败时返回空切片。
func decodeStringList(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil || list == nil {
		return []string{}
	}
	return list
}

// encodeStringList 将字符串切片编码为 JSON 列。
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
