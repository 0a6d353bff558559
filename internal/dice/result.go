package dice

// Result is one vertex of an evaluated expression. It mirrors the Node it was
// produced from and carries the outcome.
type Result interface {
	Value() int
	result()
}

// NumResult is an evaluated literal.
type NumResult struct {
	Num Num
}

// RollResult captures every die drawn for a Roll and the subset kept by its filter.
type RollResult struct {
	Roll     Roll
	Values   []int
	Filtered []int
	Total    int
}

// BinaryResult holds both evaluated operands.
type BinaryResult struct {
	Op        Operator
	L         Result
	R         Result
	Total     int
	DivByZero bool
	// Overflow is set when the exact result does not fit in an int; Total is then 0.
	Overflow bool
}

// MaxResult is the largest value a roll can produce.
type MaxResult struct {
	Roll  Roll
	Total int
}

// MinResult is the smallest value a roll can produce.
type MinResult struct {
	Roll  Roll
	Total int
}

// SubExprResult forwards the value of its bracketed expression.
type SubExprResult struct {
	Inner Result
}

// SuccessLevel classifies a percentile roll against its target.
type SuccessLevel int

const (
	SuccessUnknown SuccessLevel = iota
	CriticalFailure
	Failure
	RegularSuccess
	HardSuccess
	ExtremeSuccess
	CriticalSuccess
)

func (s SuccessLevel) String() string {
	switch s {
	case CriticalFailure:
		return "Critical failure"
	case Failure:
		return "Failure"
	case RegularSuccess:
		return "Success"
	case HardSuccess:
		return "Hard success"
	case ExtremeSuccess:
		return "Extreme success"
	case CriticalSuccess:
		return "Critical success"
	default:
		return "Unknown"
	}
}

// CocResult captures the percentile digits, modifier draws and final value.
// Target and Success are set only when the roll had a target expression.
type CocResult struct {
	SubType   CocSubType
	Rolled    int
	Modifiers []int
	Total     int
	Target    Result
	Success   SuccessLevel
}

// FateResult holds the four Fate dice, each -1, 0 or +1.
type FateResult struct {
	Values [4]int
	Total  int
}

// PoolResult records every die drawn for a DicePool. Total is the number of hits.
type PoolResult struct {
	Pool    DicePool
	Values  []int
	Hits    int
	Crits   int
	Fumbles int
}

// RepeatResult keeps each run for display; Total is their sum.
// Runs is empty when the repeat did not fit the draw budget. Overflow is set
// when the sum does not fit in an int; Total is then 0.
type RepeatResult struct {
	Count    int
	Runs     []Result
	Total    int
	Overflow bool
}

// UnknownResult evaluates to zero.
type UnknownResult struct{}

func (r NumResult) Value() int     { return r.Num.Value }
func (r RollResult) Value() int    { return r.Total }
func (r BinaryResult) Value() int  { return r.Total }
func (r MaxResult) Value() int     { return r.Total }
func (r MinResult) Value() int     { return r.Total }
func (r SubExprResult) Value() int { return r.Inner.Value() }
func (r CocResult) Value() int     { return r.Total }
func (r FateResult) Value() int    { return r.Total }
func (r PoolResult) Value() int    { return r.Hits }
func (r RepeatResult) Value() int  { return r.Total }
func (UnknownResult) Value() int   { return 0 }

func (NumResult) result()     {}
func (RollResult) result()    {}
func (BinaryResult) result()  {}
func (MaxResult) result()     {}
func (MinResult) result()     {}
func (SubExprResult) result() {}
func (CocResult) result()     {}
func (FateResult) result()    {}
func (PoolResult) result()    {}
func (RepeatResult) result()  {}
func (UnknownResult) result() {}
