package personas

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	maxNameRunes        = 100
	maxDescriptionRunes = 1000
	maxStyleTags        = 20
	maxCharacterTags    = 20
	maxExamplePrompts   = 10
)

// Input 是创建或更新 Persona 时的请求载荷。
// 列表字段保留原始 JSON，由校验阶段判断是否为合法列表。
type Input struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	ReferenceImage *string         `json:"reference_image_base64"`
	StyleTags      json.RawMessage `json:"style_tags"`
	CharacterTags  json.RawMessage `json:"character_tags"`
	ExamplePrompts json.RawMessage `json:"example_prompts"`
	IsActive       *bool           `json:"is_active"`
}

// ValidateInput 按固定顺序校验 Persona 载荷，返回首个失败原因。
// 名称唯一性需要查库，不在此处检查。
func ValidateInput(input Input) (bool, string) {
	if strings.TrimSpace(input.Name) == "" {
		return false, "Name is required"
	}
	if strings.TrimSpace(input.Description) == "" {
		return false, "Description is required"
	}
	if utf8.RuneCountInString(input.Name) > maxNameRunes {
		return false, "Name must be 100 characters or less"
	}
	if utf8.RuneCountInString(input.Description) > maxDescriptionRunes {
		return false, "Description must be 1000 characters or less"
	}

	styleTags, ok := parseStringList(input.StyleTags)
	if !ok {
		return false, "Style tags must be a list"
	}
	if len(styleTags) > maxStyleTags {
		return false, "Maximum 20 style tags allowed"
	}

	characterTags, ok := parseStringList(input.CharacterTags)
	if !ok {
		return false, "Character tags must be a list"
	}
	if len(characterTags) > maxCharacterTags {
		return false, "Maximum 20 character tags allowed"
	}

	examplePrompts, ok := parseStringList(input.ExamplePrompts)
	if !ok {
		return false, "Example prompts must be a list"
	}
	if len(examplePrompts) > maxExamplePrompts {
		return false, "Maximum 10 example prompts allowed"
	}

	return true, ""
}

// parseStringList 解析可选的 JSON 列表字段，缺省与 null 视为空列表。
func parseStringList(raw json.RawMessage) ([]string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []string{}, true
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	if list == nil {
		list = []string{}
	}
	return list, true
}

// tagLists 返回校验通过后的三个列表字段。
func (in Input) tagLists() (styleTags, characterTags, examplePrompts []string) {
	styleTags, _ = parseStringList(in.StyleTags)
	characterTags, _ = parseStringList(in.CharacterTags)
	examplePrompts, _ = parseStringList(in.ExamplePrompts)
	return styleTags, characterTags, examplePrompts
}
