package dice

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		formula  string
		wantDice []DiceSpec
		wantMod  int
		wantErr  error
	}{
		{name: "d20 plus modifier", formula: "1d20+3", wantDice: []DiceSpec{{Sides: 20, Count: 1}}, wantMod: 3},
		{name: "negative modifier", formula: "2d6-1", wantDice: []DiceSpec{{Sides: 6, Count: 2}}, wantMod: -1},
		{name: "implicit count", formula: "d8", wantDice: []DiceSpec{{Sides: 8, Count: 1}}},
		{
			name:     "multiple terms",
			formula:  "1d8 + 1d4 + 2",
			wantDice: []DiceSpec{{Sides: 8, Count: 1}, {Sides: 4, Count: 1}},
			wantMod:  2,
		},
		{name: "subtracted die", formula: "1d20-1d4", wantDice: []DiceSpec{{Sides: 20, Count: 1}, {Sides: 4, Count: 1, Negative: true}}},
		{name: "empty", formula: "  ", wantErr: ErrEmptyFormula},
		{name: "zero sides", formula: "1d0", wantErr: ErrInvalidDiceSpec},
		{name: "zero count", formula: "0d6", wantErr: ErrInvalidDiceSpec},
		{name: "no dice", formula: "3", wantErr: ErrMalformedFormula},
		{name: "dangling operator", formula: "1d20+", wantErr: ErrMalformedFormula},
		{name: "garbage sides", formula: "1dx", wantErr: ErrMalformedFormula},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(tt.formula)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want %v", tt.formula, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.formula, err)
			}
			if f.Modifier != tt.wantMod {
				t.Fatalf("modifier = %d, want %d", f.Modifier, tt.wantMod)
			}
			if len(f.Dice) != len(tt.wantDice) {
				t.Fatalf("dice = %+v, want %+v", f.Dice, tt.wantDice)
			}
			for i := range f.Dice {
				if f.Dice[i] != tt.wantDice[i] {
					t.Fatalf("dice[%d] = %+v, want %+v", i, f.Dice[i], tt.wantDice[i])
				}
			}
		})
	}
}

func TestReconcileAgainstDC(t *testing.T) {
	f, err := Parse("1d20+3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	dc := 15
	out, err := Reconcile(f, []int{14}, &dc)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out.Total != 17 {
		t.Fatalf("total = %d, want 17", out.Total)
	}
	if out.Success == nil || !*out.Success {
		t.Fatalf("expected success, got %v", out.Success)
	}
	if got, want := Summary(f, out, &dc), "1d20+3: [14] +3 = 17 vs DC 15 (success)"; got != want {
		t.Fatalf("summary = %q, want %q", got, want)
	}

	dc = 18
	out, err = Reconcile(f, []int{14}, &dc)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out.Success == nil || *out.Success {
		t.Fatal("expected failure against DC 18")
	}
}

func TestReconcileWithoutDC(t *testing.T) {
	f, _ := Parse("2d6-1")
	out, err := Reconcile(f, []int{3, 5}, nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out.Total != 7 || out.Success != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestReconcileRejectsBadRolls(t *testing.T) {
	f, _ := Parse("2d6")
	if _, err := Reconcile(f, []int{3}, nil); !errors.Is(err, ErrRollCountMismatch) {
		t.Fatalf("expected count mismatch, got %v", err)
	}
	if _, err := Reconcile(f, []int{3, 7}, nil); !errors.Is(err, ErrRollOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
}
