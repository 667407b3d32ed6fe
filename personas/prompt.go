package personas

import "strings"

// 固定收尾指令，保持与历史生成结果一致的画风约束。
const qualityDirective = "High quality, detailed sprite art, game character design, consistent with persona style"

// BuildEnhancedPrompt 将基础提示词与 Persona 快照、用户参数合成为最终提示词。
// 各段按固定顺序拼接，条件不满足的段直接省略，相同输入必然产生相同输出。
func BuildEnhancedPrompt(basePrompt string, persona Snapshot, character, pose, style string) string {
	parts := make([]string, 0, 7)

	parts = append(parts, "Based on the '"+persona.Name+"' persona:")
	parts = append(parts, "Description: "+persona.Description)

	if len(persona.StyleTags) > 0 {
		parts = append(parts, "Style elements: "+strings.Join(persona.StyleTags, ", "))
	}
	if len(persona.CharacterTags) > 0 {
		parts = append(parts, "Character traits: "+strings.Join(persona.CharacterTags, ", "))
	}
	if len(persona.ExamplePrompts) > 0 {
		parts = append(parts, "Example style: "+persona.ExamplePrompts[0])
	}

	userParts := make([]string, 0, 3)
	if character != "" {
		userParts = append(userParts, "character: "+character)
	}
	if pose != "" {
		userParts = append(userParts, "pose: "+pose)
	}
	if style != "" {
		userParts = append(userParts, "additional style: "+style)
	}

	if len(userParts) > 0 {
		parts = append(parts, "Generate sprite with "+strings.Join(userParts, ", "))
	} else {
		parts = append(parts, "Generate: "+basePrompt)
	}

	parts = append(parts, qualityDirective)

	return strings.Join(parts, ". ")
}
