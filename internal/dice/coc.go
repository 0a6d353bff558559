package dice

func (e *evaluator) rollCoc(c CocRoll, depth int) (Result, error) {
	if !e.spend(cocDraws) {
		return CocResult{SubType: c.SubType, Modifiers: []int{}}, nil
	}
	src := e.src
	ones := src.IntRange(0, 9)
	tens := src.IntRange(0, 9) * 10
	rolled := tens + ones
	if rolled == 0 {
		rolled = 100
	}

	result := CocResult{SubType: c.SubType, Rolled: rolled, Modifiers: []int{}, Total: rolled}
	bonus := c.SubType == CocBonus || c.SubType == CocBonus2
	draws := 0
	switch c.SubType {
	case CocBonus, CocPenalty:
		draws = 1
	case CocBonus2, CocPenalty2:
		draws = 2
	}
	// A second modifier is only drawn when the first one did not apply.
	for i := 0; i < draws; i++ {
		modifier := src.IntRange(0, 9) * 10
		result.Modifiers = append(result.Modifiers, modifier)
		applied := applyCocModifier(result.Total, modifier, ones, bonus)
		if applied != result.Total {
			result.Total = applied
			break
		}
	}

	if c.Target != nil {
		target, err := e.evaluate(c.Target, depth+1)
		if err != nil {
			return nil, err
		}
		result.Target = target
		result.Success = Classify(result.Total, target.Value())
	}
	return result, nil
}

// applyCocModifier swaps the tens digit for modifier when that moves value
// toward success (bonus) or failure (penalty). A swapped value of 00 is never taken.
func applyCocModifier(value, modifier, ones int, bonus bool) int {
	candidate := modifier + ones
	if candidate == 0 {
		return value
	}
	if bonus && candidate < value {
		return candidate
	}
	if !bonus && candidate > value {
		return candidate
	}
	return value
}

// Classify grades a percentile value against a skill target.
func Classify(value, target int) SuccessLevel {
	switch {
	case value == 100 || (target < 50 && value > 95):
		return CriticalFailure
	case value == 1:
		return CriticalSuccess
	case value > target:
		return Failure
	case value <= target/5:
		return ExtremeSuccess
	case value <= target/2:
		return HardSuccess
	default:
		return RegularSuccess
	}
}
