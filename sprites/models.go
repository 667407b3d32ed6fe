package sprites

import (
	"strconv"
	"time"
)

// Sprite 表示一次精灵图生成的反馈记录。persona_id 为弱引用，
// 对应 Persona 被删除后保持原值。
type Sprite struct {
	ID          uint64    `gorm:"primaryKey" json:"-"`
	SpriteID    string    `gorm:"size:64;not null;uniqueIndex" json:"sprite_id"`
	Character   string    `gorm:"size:255;not null" json:"character"`
	Pose        string    `gorm:"size:255" json:"pose"`
	Style       string    `gorm:"size:255" json:"style"`
	ImageBase64 string    `gorm:"type:longtext" json:"image_base64"`
	ImageURL    *string   `gorm:"size:512" json:"image_url,omitempty"`
	Rating      int       `gorm:"not null;default:0" json:"rating"`
	Feedback    string    `gorm:"type:text" json:"feedback"`
	PersonaID   *uint64   `gorm:"index" json:"persona_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定 Sprite 模型对应的数据库表名。
func (Sprite) TableName() string {
	return "sprites"
}

// View 是返回给前端的 Sprite 序列化形式。
type View struct {
	ID          string  `json:"id"`
	Character   string  `json:"character"`
	Pose        string  `json:"pose"`
	Style       string  `json:"style"`
	ImageBase64 string  `json:"imageBase64"`
	ImageURL    *string `json:"imageUrl,omitempty"`
	Rating      int     `json:"rating"`
	Feedback    string  `json:"feedback"`
	PersonaID   *string `json:"personaId,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

// formatView 将存储模型转换为前端视图。
func formatView(s Sprite) View {
	view := View{
		ID:          s.SpriteID,
		Character:   s.Character,
		Pose:        s.Pose,
		Style:       s.Style,
		ImageBase64: s.ImageBase64,
		ImageURL:    s.ImageURL,
		Rating:      s.Rating,
		Feedback:    s.Feedback,
		CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   s.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if s.PersonaID != nil {
		id := strconv.FormatUint(*s.PersonaID, 10)
		view.PersonaID = &id
	}
	return view
}
