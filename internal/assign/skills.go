package assign

import "strings"

// Skill category tags inferred from work-order descriptions.
const (
	SkillElectrical = "ELECTRICAL"
	SkillPlumbing   = "PLUMBING"
	SkillHVAC       = "HVAC"
	SkillCarpentry  = "CARPENTRY"
)

// defaultSkillScore applies when no category can be inferred from the
// description: any technician is a plausible fit.
const defaultSkillScore = 0.7

// specializationBonus rewards holding at least one of the inferred categories.
const specializationBonus = 0.1

var skillKeywords = []struct {
	tag      string
	keywords []string
}{
	{SkillElectrical, []string{"electrical", "wiring"}},
	{SkillPlumbing, []string{"plumbing", "water"}},
	{SkillHVAC, []string{"hvac", "heating", "cooling"}},
	{SkillCarpentry, []string{"carpentry", "wood"}},
}

// RequiredSkills scans a description (case-insensitive) and returns the
// category tags it implies. Each matched keyword maps to exactly one tag;
// tags are deduplicated and returned in declaration order.
func RequiredSkills(description string) []string {
	d := strings.ToLower(description)
	var out []string
	for _, cat := range skillKeywords {
		for _, kw := range cat.keywords {
			if strings.Contains(d, kw) {
				out = append(out, cat.tag)
				break
			}
		}
	}
	return out
}

// SkillScore computes the overlap between the skills a description requires
// and the skills a technician holds. Returns a value in [0,1].
func SkillScore(description string, skills []string) float64 {
	required := RequiredSkills(description)
	if len(required) == 0 {
		return defaultSkillScore
	}
	held := make(map[string]bool, len(skills))
	for _, s := range skills {
		held[strings.ToUpper(s)] = true
	}
	matched := 0
	for _, req := range required {
		if held[req] {
			matched++
		}
	}
	score := float64(matched) / float64(len(required))
	if matched > 0 {
		score += specializationBonus
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
