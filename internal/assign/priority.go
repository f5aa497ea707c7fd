package assign

import "cafm/internal/model"

// priorityWeights is a fixed, total lookup over the priority enum.
var priorityWeights = map[model.Priority]float64{
	model.PriorityEmergency: 1.0,
	model.PriorityHigh:      0.8,
	model.PriorityMedium:    0.5,
	model.PriorityLow:       0.2,
	model.PriorityScheduled: 0.1,
}

// PriorityWeight maps a work-order priority to its scoring weight.
// Unknown values fall back to the MEDIUM weight.
func PriorityWeight(p model.Priority) float64 {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return priorityWeights[model.PriorityMedium]
}
