package sprites

import (
	"context"
	"log"
	"math"
)

// averageRating 计算有效评分的算术平均并保留两位小数。
// 空集合返回 false，调用方保持既有平均值不变。
// 舍入采用银行家舍入，与历史实现的 round() 行为一致。
func averageRating(ratings []int) (float64, bool) {
	if len(ratings) == 0 {
		return 0, false
	}

	sum := 0
	for _, rating := range ratings {
		sum += rating
	}

	mean := float64(sum) / float64(len(ratings))
	return roundTo2(mean), true
}

// roundTo2 以银行家舍入保留两位小数。
func roundTo2(value float64) float64 {
	return math.RoundToEven(value*100) / 100
}

// recomputePersonaRating 重新统计引用该 Persona 的全部有效评分并写回平均值。
// 并发评分时采用后写覆盖策略，不做读改写保护。失败仅记录日志，
// 评分反馈流程不因此中断。
func (m *Module) recomputePersonaRating(ctx context.Context, personaID uint64) {
	if m == nil || m.db == nil || m.personas == nil || personaID == 0 {
		return
	}

	var ratings []int
	err := m.db.WithContext(ctx).Model(&Sprite{}).
		Where("persona_id = ? AND rating > ?", personaID, 0).
		Pluck("rating", &ratings).Error
	if err != nil {
		log.Printf("sprites: load ratings for persona %d failed: %v", personaID, err)
		return
	}

	average, ok := averageRating(ratings)
	if !ok {
		return
	}

	if err := m.personas.SetAverageRating(ctx, personaID, average); err != nil {
		log.Printf("sprites: update persona %d rating failed: %v", personaID, err)
	}
}
