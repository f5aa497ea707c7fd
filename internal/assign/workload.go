package assign

// MaxDailyAssignments caps how many open work orders one technician carries.
const MaxDailyAssignments = 8

// WorkloadScore is spare capacity as a linear decay to zero: a technician at
// or above the cap scores 0, an idle one scores 1.
func WorkloadScore(activeCount int) float64 {
	s := float64(MaxDailyAssignments-activeCount) / float64(MaxDailyAssignments)
	if s < 0 {
		return 0
	}
	return s
}
