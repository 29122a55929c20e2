// Package dice parses dice formulas such as "1d20+3" and reconciles
// player-submitted rolls against them.
package dice

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyFormula indicates the formula had no terms.
var ErrEmptyFormula = errors.New("dice formula is empty")

// ErrInvalidDiceSpec indicates a dice term has non-positive sides or count.
var ErrInvalidDiceSpec = errors.New("dice must have positive sides and count")

// ErrMalformedFormula indicates the formula could not be tokenized.
var ErrMalformedFormula = errors.New("malformed dice formula")

// ErrRollCountMismatch indicates the number of submitted rolls differs from the dice in the formula.
var ErrRollCountMismatch = errors.New("roll count does not match formula")

// ErrRollOutOfRange indicates a submitted roll is outside 1..sides.
var ErrRollOutOfRange = errors.New("roll outside die range")

const maxDiceCount = 100

// DiceSpec describes a die to roll and how many times to roll it.
type DiceSpec struct {
	Sides int
	Count int
	// Negative terms subtract their dice from the total.
	Negative bool
}

// Formula is a parsed dice expression.
type Formula struct {
	Raw      string
	Dice     []DiceSpec
	Modifier int
}

// DiceCount returns how many individual rolls the formula needs.
func (f Formula) DiceCount() int {
	n := 0
	for _, d := range f.Dice {
		n += d.Count
	}
	return n
}

// Parse parses expressions like "1d20+3", "2d6-1", "d8+1d4+2".
func Parse(raw string) (Formula, error) {
	expr := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	f := Formula{Raw: raw}
	if expr == "" {
		return f, ErrEmptyFormula
	}

	sign := 1
	start := 0
	if expr[0] == '+' || expr[0] == '-' {
		if expr[0] == '-' {
			sign = -1
		}
		start = 1
	}
	for i := start; i <= len(expr); i++ {
		if i < len(expr) && expr[i] != '+' && expr[i] != '-' {
			continue
		}
		term := expr[start:i]
		if term == "" {
			return f, fmt.Errorf("%w: %q", ErrMalformedFormula, raw)
		}
		if err := f.addTerm(term, sign); err != nil {
			return f, fmt.Errorf("%w in %q", err, raw)
		}
		if i < len(expr) {
			sign = 1
			if expr[i] == '-' {
				sign = -1
			}
		}
		start = i + 1
	}
	if len(f.Dice) == 0 {
		return f, fmt.Errorf("%w: %q has no dice", ErrMalformedFormula, raw)
	}
	return f, nil
}

func (f *Formula) addTerm(term string, sign int) error {
	idx := strings.IndexByte(term, 'd')
	if idx < 0 {
		n, err := strconv.Atoi(term)
		if err != nil {
			return fmt.Errorf("%w: bad modifier %q", ErrMalformedFormula, term)
		}
		f.Modifier += sign * n
		return nil
	}

	count := 1
	if idx > 0 {
		n, err := strconv.Atoi(term[:idx])
		if err != nil {
			return fmt.Errorf("%w: bad count %q", ErrMalformedFormula, term)
		}
		count = n
	}
	sides, err := strconv.Atoi(term[idx+1:])
	if err != nil {
		return fmt.Errorf("%w: bad sides %q", ErrMalformedFormula, term)
	}
	if count <= 0 || sides <= 0 || count > maxDiceCount {
		return ErrInvalidDiceSpec
	}
	f.Dice = append(f.Dice, DiceSpec{Sides: sides, Count: count, Negative: sign < 0})
	return nil
}

// Outcome is the reconciled result of a set of rolls.
type Outcome struct {
	Rolls    []int
	Modifier int
	Total    int
	// Success is nil when no difficulty class applies.
	Success *bool
}

// Reconcile checks rolls against the formula and computes the total.
// Rolls are consumed in formula order.
func Reconcile(f Formula, rolls []int, dc *int) (Outcome, error) {
	out := Outcome{Modifier: f.Modifier}
	if len(rolls) != f.DiceCount() {
		return out, fmt.Errorf("%w: want %d, got %d", ErrRollCountMismatch, f.DiceCount(), len(rolls))
	}

	total := f.Modifier
	i := 0
	for _, d := range f.Dice {
		for n := 0; n < d.Count; n++ {
			r := rolls[i]
			if r < 1 || r > d.Sides {
				return out, fmt.Errorf("%w: %d on d%d", ErrRollOutOfRange, r, d.Sides)
			}
			if d.Negative {
				total -= r
			} else {
				total += r
			}
			i++
		}
	}

	out.Rolls = append([]int(nil), rolls...)
	out.Total = total
	if dc != nil {
		ok := total >= *dc
		out.Success = &ok
	}
	return out, nil
}

// Summary renders an outcome for chat, e.g. "1d20+3: [14] +3 = 17 vs DC 15 (success)".
func Summary(f Formula, o Outcome, dc *int) string {
	parts := make([]string, len(o.Rolls))
	for i, r := range o.Rolls {
		parts[i] = strconv.Itoa(r)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: [%s]", strings.TrimSpace(f.Raw), strings.Join(parts, ", "))
	if o.Modifier > 0 {
		fmt.Fprintf(&b, " +%d", o.Modifier)
	} else if o.Modifier < 0 {
		fmt.Fprintf(&b, " %d", o.Modifier)
	}
	fmt.Fprintf(&b, " = %d", o.Total)
	if dc != nil && o.Success != nil {
		verdict := "failure"
		if *o.Success {
			verdict = "success"
		}
		fmt.Fprintf(&b, " vs DC %d (%s)", *dc, verdict)
	}
	return b.String()
}
