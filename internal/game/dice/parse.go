package dice

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Limits on a single expression.
const (
	MaxCount    = 100
	MaxSides    = 1000
	MaxModifier = 1000
)

// DefaultNotation is rolled when no notation is given.
const DefaultNotation = "1d20"

// ErrNotation is wrapped by every parse failure.
var ErrNotation = errors.New("invalid dice notation")

var notation = regexp.MustCompile(`^(\d*)d(\d+)(?:kh(\d+))?([+-]\d+)?$`)

// Expression is a parsed dice notation such as "2d6+3" or "4d6kh3".
type Expression struct {
	Count       int
	Sides       int
	KeepHighest int
	Modifier    int
}

// String renders e in canonical notation.
func (e Expression) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%dd%d", e.Count, e.Sides)
	if e.KeepHighest > 0 {
		fmt.Fprintf(&b, "kh%d", e.KeepHighest)
	}
	if e.Modifier != 0 {
		fmt.Fprintf(&b, "%+d", e.Modifier)
	}
	return b.String()
}

// Parse reads dice notation. The count defaults to 1 ("d20"). Whitespace
// and case are ignored.
//
// Postcondition: 1 <= Count <= MaxCount, 1 <= Sides <= MaxSides,
// |Modifier| <= MaxModifier and 0 <= KeepHighest < Count; otherwise an
// error wrapping ErrNotation.
func Parse(s string) (Expression, error) {
	clean := strings.ToLower(strings.Join(strings.Fields(s), ""))
	m := notation.FindStringSubmatch(clean)
	if m == nil {
		return Expression{}, fmt.Errorf("%w: %q", ErrNotation, s)
	}

	e := Expression{Count: 1}
	var err error
	if m[1] != "" {
		if e.Count, err = strconv.Atoi(m[1]); err != nil {
			return Expression{}, fmt.Errorf("%w: count in %q: %w", ErrNotation, s, err)
		}
	}
	if e.Sides, err = strconv.Atoi(m[2]); err != nil {
		return Expression{}, fmt.Errorf("%w: sides in %q: %w", ErrNotation, s, err)
	}
	if m[3] != "" {
		if e.KeepHighest, err = strconv.Atoi(m[3]); err != nil {
			return Expression{}, fmt.Errorf("%w: keep in %q: %w", ErrNotation, s, err)
		}
	}
	if m[4] != "" {
		if e.Modifier, err = strconv.Atoi(m[4]); err != nil {
			return Expression{}, fmt.Errorf("%w: modifier in %q: %w", ErrNotation, s, err)
		}
	}

	switch {
	case e.Count < 1 || e.Count > MaxCount:
		return Expression{}, fmt.Errorf("%w: roll between 1 and %d dice", ErrNotation, MaxCount)
	case e.Sides < 1 || e.Sides > MaxSides:
		return Expression{}, fmt.Errorf("%w: dice need between 1 and %d sides", ErrNotation, MaxSides)
	case e.Modifier < -MaxModifier || e.Modifier > MaxModifier:
		return Expression{}, fmt.Errorf("%w: modifier must be within ±%d", ErrNotation, MaxModifier)
	case m[3] != "" && (e.KeepHighest < 1 || e.KeepHighest >= e.Count):
		return Expression{}, fmt.Errorf("%w: keep between 1 and %d dice", ErrNotation, e.Count-1)
	}
	return e, nil
}
