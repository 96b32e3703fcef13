package service

import "reasonengine/internal/model"

// SlotFillStatus is the per-slot fill status surfaced to the UI in
// thoughtProcess.fillStatusBySlot.
type SlotFillStatus string

const (
	FillFilled  SlotFillStatus = "filled"
	FillPartial SlotFillStatus = "partial"
	FillMissing SlotFillStatus = "missing"
)

// CompletenessEngine scores per-slot and overall completeness and detects
// stagnation.
type CompletenessEngine struct{}

// NewCompletenessEngine creates a CompletenessEngine.
func NewCompletenessEngine() *CompletenessEngine { return &CompletenessEngine{} }

// slotByID indexes slots for dependency lookups.
func slotByID(slots []model.Slot) map[string]model.Slot {
	m := make(map[string]model.Slot, len(slots))
	for _, s := range slots {
		m[s.ID] = s
	}
	return m
}

// SlotScore computes one slot's completeness in [0,1].
func (e *CompletenessEngine) SlotScore(slot model.Slot, slots []model.Slot) float64 {
	byID := slotByID(slots)

	if slot.DependsOnSlotID != nil {
		parent, ok := byID[*slot.DependsOnSlotID]
		if !ok || parent.CurrentItemCount == 0 {
			return 0
		}
	}

	switch slot.Type {
	case model.SlotScalar:
		if slot.CurrentItemCount >= 1 {
			return 1
		}
		return 0

	case model.SlotList:
		if slot.TargetItemCount > 0 {
			return min1(float64(slot.CurrentItemCount) / float64(slot.TargetItemCount))
		}
		if slot.FinishedQuerying {
			return 1
		}
		return 0

	case model.SlotMapping:
		if slot.TargetItemCount > 0 {
			return min1(float64(slot.CurrentItemCount) / float64(slot.TargetItemCount))
		}
		if slot.DependsOnSlotID != nil {
			parent := byID[*slot.DependsOnSlotID]
			if parent.CurrentItemCount > 0 {
				return min1(float64(slot.CurrentItemCount) / float64(parent.CurrentItemCount))
			}
		}
		if slot.FinishedQuerying {
			return 1
		}
		return 0
	}
	return 0
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// Overall computes the weighted mean across required slots; mapping slots
// carry weight 2, others weight 1. No required slots scores 1.
func (e *CompletenessEngine) Overall(slots []model.Slot) float64 {
	var weightedSum, totalWeight float64
	for _, s := range slots {
		if !s.Required {
			continue
		}
		weight := 1.0
		if s.Type == model.SlotMapping {
			weight = 2.0
		}
		weightedSum += weight * e.SlotScore(s, slots)
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 1
	}
	return weightedSum / totalWeight
}

// FillStatus buckets a per-slot score into filled/partial/missing for the UI.
func (e *CompletenessEngine) FillStatus(score float64) SlotFillStatus {
	switch {
	case score >= 1:
		return FillFilled
	case score > 0:
		return FillPartial
	default:
		return FillMissing
	}
}

// Stagnated reports whether an iteration added at most threshold new items
// (none, at threshold 0); it is always false before iteration 2.
func (e *CompletenessEngine) Stagnated(iteration, currentTotal, previousTotal, threshold int) bool {
	if iteration < 2 {
		return false
	}
	return currentTotal-previousTotal <= threshold
}

// TotalItems sums CurrentItemCount across all slots, used for stagnation
// comparisons across iterations.
func (e *CompletenessEngine) TotalItems(slots []model.Slot) int {
	total := 0
	for _, s := range slots {
		total += s.CurrentItemCount
	}
	return total
}
