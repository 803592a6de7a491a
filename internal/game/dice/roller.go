package dice

import (
	"sort"

	"go.uber.org/zap"
)

// Roller rolls expressions from a Source and logs every roll.
type Roller struct {
	src    Source
	logger *zap.Logger
}

// NewRoller returns a Roller.
//
// Precondition: src and logger must be non-nil.
func NewRoller(src Source, logger *zap.Logger) *Roller {
	return &Roller{src: src, logger: logger}
}

// Roll evaluates e.
//
// Postcondition: len(Rolled) == e.Count; len(Kept) == e.KeepHighest when
// keeping, e.Count otherwise; each die is in [1, e.Sides].
func (r *Roller) Roll(e Expression) Result {
	rolled := make([]int, e.Count)
	for i := range rolled {
		rolled[i] = r.src.Intn(e.Sides) + 1
	}
	kept := rolled
	if e.KeepHighest > 0 {
		kept = make([]int, len(rolled))
		copy(kept, rolled)
		sort.Sort(sort.Reverse(sort.IntSlice(kept)))
		kept = kept[:e.KeepHighest]
	}
	res := Result{Notation: e.String(), Rolled: rolled, Kept: kept, Modifier: e.Modifier}
	r.logger.Debug("dice roll",
		zap.String("notation", res.Notation),
		zap.Ints("dice", rolled),
		zap.Int("modifier", e.Modifier),
		zap.Int("total", res.Total()),
	)
	return res
}

// RollNotation parses s, or DefaultNotation when s is empty, and rolls it.
func (r *Roller) RollNotation(s string) (Result, error) {
	if s == "" {
		s = DefaultNotation
	}
	e, err := Parse(s)
	if err != nil {
		return Result{}, err
	}
	return r.Roll(e), nil
}
