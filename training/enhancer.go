package training

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	minUsefulRating   = 4
	maxStyleRecords   = 3
	maxStylePatterns  = 3
	maxChatExamples   = 5
	styleCacheTTL     = 30 * time.Second
	styleCacheTimeout = 300 * time.Millisecond
	styleCacheKey     = "training:styles"
)

// Enhancer 基于高评分历史样本对提示词做二次增强。
// 任何查询失败都只会记录日志并返回原始提示词，绝不向调用方传播。
type Enhancer struct {
	db    *gorm.DB
	cache *styleTagCache
}

// NewEnhancer 创建提示词增强器，redis 客户端可以为 nil。
func NewEnhancer(db *gorm.DB, client *redis.Client) *Enhancer {
	return &Enhancer{db: db, cache: newStyleTagCache(client)}
}

// EnhanceImagePrompt 追加高评分样本的风格标签与质量关键词。
// 无可用标签时返回原始提示词。
func (e *Enhancer) EnhanceImagePrompt(ctx context.Context, prompt string) string {
	if e == nil || e.db == nil {
		return prompt
	}

	tags, err := e.topStyleTags(ctx)
	if err != nil {
		log.Printf("training: style tag lookup failed: %v", err)
		return prompt
	}
	if len(tags) == 0 {
		return prompt
	}

	return prompt + ", " + strings.Join(tags, ", ") + ", high quality sprite art"
}

// EnhanceChatPrompt 在聊天提示词前注入成功样本的提示词上下文。
func (e *Enhancer) EnhanceChatPrompt(ctx context.Context, prompt string) string {
	if e == nil || e.db == nil {
		return prompt
	}

	var samples []Sample
	err := e.db.WithContext(ctx).
		Select("prompt", "rating").
		Where("rating >= ?", minUsefulRating).
		Limit(maxChatExamples).
		Find(&samples).Error
	if err != nil {
		log.Printf("training: chat context lookup failed: %v", err)
		return prompt
	}

	var builder strings.Builder
	for _, sample := range samples {
		if trimmed := strings.TrimSpace(sample.Prompt); trimmed != "" {
			builder.WriteString("- " + trimmed + "\n")
		}
	}
	if builder.Len() == 0 {
		return prompt
	}

	return "Based on successful sprite generations:\n" + builder.String() + "\nNow generate: " + prompt
}

// topStyleTags 收集高评分样本的风格标签，按首次出现顺序去重并截断。
func (e *Enhancer) topStyleTags(ctx context.Context) ([]string, error) {
	if cached, ok := e.cache.get(ctx); ok {
		return cached, nil
	}

	var samples []Sample
	err := e.db.WithContext(ctx).
		Select("style_tags").
		Where("rating >= ?", minUsefulRating).
		Limit(maxStyleRecords).
		Find(&samples).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	tags := make([]string, 0, maxStylePatterns)
	for _, sample := range samples {
		for _, tag := range decodeStringList(sample.StyleTags) {
			trimmed := strings.TrimSpace(tag)
			if trimmed == "" {
				continue
			}
			if _, dup := seen[trimmed]; dup {
				continue
			}
			seen[trimmed] = struct{}{}
			tags = append(tags, trimmed)
			if len(tags) == maxStylePatterns {
				e.cache.set(ctx, tags)
				return tags, nil
			}
		}
	}

	e.cache.set(ctx, tags)
	return tags, nil
}

// styleTagCache 在 Redis 中短暂缓存风格标签集合，降低热点查询压力。
type styleTagCache struct {
	client *redis.Client
}

// newStyleTagCache 使用 Redis 客户端创建标签缓存，客户端为 nil 时缓存失效。
func newStyleTagCache(client *redis.Client) *styleTagCache {
	if client == nil {
		return nil
	}
	return &styleTagCache{client: client}
}

// cacheContext 为缓存操作设置超时上下文。
func (c *styleTagCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), styleCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= styleCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, styleCacheTimeout)
}

// get 读取缓存的标签集合。
func (c *styleTagCache) get(ctx context.Context) ([]string, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	raw, err := c.client.Get(ctx, styleCacheKey).Result()
	if err != nil {
		return nil, false
	}

	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, false
	}
	return tags, true
}

// set 写入标签集合，失败仅记录日志。
func (c *styleTagCache) set(ctx context.Context, tags []string) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(tags)
	if err != nil {
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, styleCacheKey, data, styleCacheTTL).Err(); err != nil {
		log.Printf("training: cache style tags failed: %v", err)
	}
}

// defaultStyleRecommendations 在缺少历史样本时兜底返回的通用风格。
var defaultStyleRecommendations = []string{
	"anime style",
	"pixel art",
	"fantasy artwork",
	"detailed illustration",
}

// StyleRecommendations 返回历史高评分样本的风格标签，不足时用通用风格补齐。
// 最多返回 5 条，查询失败时直接退回通用风格。
func (e *Enhancer) StyleRecommendations(ctx context.Context) []string {
	const maxRecommendations = 5

	var collected []string
	if e != nil && e.db != nil {
		tags, err := e.topStyleTags(ctx)
		if err != nil {
			log.Printf("training: style recommendation lookup failed: %v", err)
		} else {
			collected = tags
		}
	}

	seen := make(map[string]struct{})
	recommendations := make([]string, 0, maxRecommendations)
	for _, tag := range append(collected, defaultStyleRecommendations...) {
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		recommendations = append(recommendations, tag)
		if len(recommendations) == maxRecommendations {
			break
		}
	}

	return recommendations
}

// InvalidateStyleCache 清除缓存的标签集合，样本写入后调用。
func (e *Enhancer) InvalidateStyleCache(ctx context.Context) {
	if e == nil || e.cache == nil || e.cache.client == nil {
		return
	}

	ctx, cancel := e.cache.cacheContext(ctx)
	defer cancel()

	if err := e.cache.client.Del(ctx, styleCacheKey).Err(); err != nil {
		log.Printf("training: invalidate style cache failed: %v", err)
	}
}
