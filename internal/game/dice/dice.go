// Package dice parses and rolls tabletop dice notation for the /roll command.
package dice

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Source is the randomness provider for dice rolls.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Intn returns a uniformly distributed int in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}

type cryptoSource struct{}

// CryptoSource returns a Source backed by crypto/rand.
func CryptoSource() Source {
	return cryptoSource{}
}

func (cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("dice: Intn called with n <= 0")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("dice: crypto/rand failure: " + err.Error())
	}
	return int(v.Int64())
}

// Result is the outcome of one roll.
//
// Invariant: Total() == sum(Kept) + Modifier.
type Result struct {
	Notation string
	// Rolled holds every die in roll order.
	Rolled []int
	// Kept holds the dice that count toward the total.
	Kept     []int
	Modifier int
}

// Total returns the sum of the kept dice plus the modifier.
func (r Result) Total() int {
	total := r.Modifier
	for _, d := range r.Kept {
		total += d
	}
	return total
}

// String renders the roll for the message log, e.g. "2d6+3: [4 5] +3 = 12".
func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", r.Notation, r.Kept)
	if len(r.Kept) != len(r.Rolled) {
		fmt.Fprintf(&b, " of %v", r.Rolled)
	}
	if r.Modifier != 0 {
		fmt.Fprintf(&b, " %+d", r.Modifier)
	}
	fmt.Fprintf(&b, " = %d", r.Total())
	return b.String()
}
