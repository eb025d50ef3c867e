package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/keshon/textcmd/pkg/args"
	"github.com/keshon/textcmd/pkg/cmd"
	"github.com/keshon/textcmd/pkg/cooldown"
)

const (
	maxDice     = 100
	maxSides    = 1000
	maxConstant = 1_000_000
	// maxMagnitude bounds every intermediate value so products of bounded
	// operands cannot overflow int64.
	maxMagnitude = 1_000_000_000_000
)

// ErrRollTooLarge is returned by Roll when a value leaves ±maxMagnitude.
var ErrRollTooLarge = errors.New("roll result is too large")

var (
	tokenRegex = regexp.MustCompile(`(?i)(\d*d\d+|\d+|[+\-*/])`)
	diceRegex  = regexp.MustCompile(`(?i)^(\d*)d(\d+)$`)
)

// Formula is a parsed dice expression such as "2d6+1d4*2-3".
type Formula struct {
	Source string
	terms  []term
}

type term struct {
	op    string
	count int
	sides int
	value int
}

func (t term) dice() bool { return t.sides > 0 }

// ParseFormula parses a dice expression. It fails for text that is not an
// expression, for expressions without dice and for constant zero divisors.
func ParseFormula(s string) (*Formula, error) {
	src := strings.ReplaceAll(s, " ", "")
	tokens := tokenRegex.FindAllString(src, -1)
	if len(tokens) == 0 || len(strings.Join(tokens, "")) != len(src) {
		return nil, fmt.Errorf("can't parse %q", s)
	}

	f := &Formula{Source: src}
	op := "+"
	pendingOp := false
	hasDice := false
	for i, tok := range tokens {
		if strings.ContainsAny(tok, "+-*/") {
			if pendingOp || (i == 0 && (tok == "*" || tok == "/")) {
				return nil, fmt.Errorf("unexpected operator %q", tok)
			}
			op, pendingOp = tok, true
			continue
		}
		t, err := parseTerm(tok)
		if err != nil {
			return nil, err
		}
		t.op = op
		if op == "/" && !t.dice() && t.value == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		hasDice = hasDice || t.dice()
		f.terms = append(f.terms, t)
		op, pendingOp = "+", false
	}
	if pendingOp {
		return nil, fmt.Errorf("formula ends with an operator")
	}
	if !hasDice {
		return nil, fmt.Errorf("%q has no dice", s)
	}
	return f, nil
}

func parseTerm(tok string) (term, error) {
	if m := diceRegex.FindStringSubmatch(tok); m != nil {
		count := 1
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 1 {
				return term{}, fmt.Errorf("invalid dice count in %q", tok)
			}
			count = n
		}
		sides, err := strconv.Atoi(m[2])
		if err != nil || sides < 2 {
			return term{}, fmt.Errorf("invalid dice sides in %q", tok)
		}
		if count > maxDice || sides > maxSides {
			return term{}, fmt.Errorf("too big: max %d dice, %d sides", maxDice, maxSides)
		}
		return term{count: count, sides: sides}, nil
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return term{}, fmt.Errorf("not a number or dice: %q", tok)
	}
	if n > maxConstant {
		return term{}, fmt.Errorf("too big: constants are at most %d", maxConstant)
	}
	return term{value: n}, nil
}

type rolled struct {
	op    string
	value int
	desc  string
}

// Roll evaluates the formula with intn(n) returning a value in [0, n).
// Multiplication and division bind tighter than addition and subtraction.
// It fails with ErrRollTooLarge instead of overflowing.
func (f *Formula) Roll(intn func(n int) int) (total int, detail string, err error) {
	var merged []rolled
	for _, t := range f.terms {
		r := rolled{op: t.op, value: t.value, desc: fmt.Sprintf("`%d`", t.value)}
		if t.dice() {
			faces := make([]string, t.count)
			r.value = 0
			for i := range faces {
				v := intn(t.sides) + 1
				r.value += v
				faces[i] = strconv.Itoa(v)
			}
			r.desc = fmt.Sprintf("`%dd%d` [%s]", t.count, t.sides, strings.Join(faces, ", "))
		}

		if (r.op == "*" || r.op == "/") && len(merged) > 0 {
			prev := &merged[len(merged)-1]
			if r.op == "*" {
				prev.value *= r.value
				if outOfRange(prev.value) {
					return 0, "", ErrRollTooLarge
				}
			} else {
				prev.value /= r.value
			}
			prev.desc = fmt.Sprintf("%s %s %s", prev.desc, r.op, r.desc)
			continue
		}
		merged = append(merged, r)
	}

	var parts []string
	for i, r := range merged {
		if i > 0 || r.op == "-" {
			parts = append(parts, r.op)
		}
		parts = append(parts, r.desc)
		if r.op == "-" {
			total -= r.value
		} else {
			total += r.value
		}
		if outOfRange(total) {
			return 0, "", ErrRollTooLarge
		}
	}
	return total, strings.Join(parts, " "), nil
}

func outOfRange(v int) bool { return v > maxMagnitude || v < -maxMagnitude }

// DiceType parses dice formulas.
var DiceType = args.Type{
	Name: "dice",
	Parse: func(_ context.Context, _ *args.Input, raw string) (any, error) {
		f, err := ParseFormula(raw)
		if err != nil {
			return nil, args.ErrNoMatch
		}
		return f, nil
	},
}

func (m *Module) rollCommand(cd *cooldown.Cooldown) *cmd.Command {
	return &cmd.Command{
		ID:          "roll",
		Aliases:     []string{"dice", "r"},
		Description: "Roll a die with the given number of sides, or a formula like `2d6+1d4*2-3`",
		Usage:       "roll [sides|formula]",
		Category:    CategoryFun,
		Cooldown:    cd,
		Arguments: []args.Definition{
			{
				Key:      "dice",
				Types:    []args.TypeRef{args.T("integer"), args.Custom(DiceType)},
				Range:    args.Between(2, maxSides),
				Infinite: true,
				Optional: true,
				Default:  6,
			},
		},
		Exec: func(ctx context.Context, call *cmd.Call) (any, error) {
			var f *Formula
			switch v := call.Args["dice"].(type) {
			case int:
				f = &Formula{Source: fmt.Sprintf("d%d", v), terms: []term{{op: "+", count: 1, sides: v}}}
			case *Formula:
				f = v
			default:
				return nil, fmt.Errorf("unexpected dice value %T", v)
			}
			total, detail, err := f.Roll(m.intn)
			if errors.Is(err, ErrRollTooLarge) {
				return nil, call.Reply(ctx, "That roll is too large to count.")
			}
			return total, call.Reply(ctx, fmt.Sprintf("🎲 %s rolled **%d** (%s)", call.Message.Author.Username, total, detail))
		},
	}
}
