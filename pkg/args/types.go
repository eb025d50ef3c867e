package args

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/keshon/textcmd/pkg/chat"
)

// ErrNoMatch is returned by a parser when the raw text is not a value of
// its type. Any other error aborts the resolution.
var ErrNoMatch = errors.New("args: no match")

// Range constrains a resolved value. Its meaning depends on the type: the
// rune length for strings, the value for numbers, milliseconds for
// durations and permitted ids or roles for member and user references.
// Bounds are inclusive and nil bounds are unbounded.
type Range struct {
	Min *float64
	Max *float64
	// IDs lists permitted user IDs for reference types.
	IDs []string
	// Roles lists permitted role IDs or lower-case role names for members.
	Roles []string
}

// Between returns an inclusive [min, max] range.
func Between(min, max float64) Range { return Range{Min: &min, Max: &max} }

// AtLeast returns a range without an upper bound.
func AtLeast(min float64) Range { return Range{Min: &min} }

// AtMost returns a range without a lower bound.
func AtMost(max float64) Range { return Range{Max: &max} }

// DurationBetween returns an inclusive duration range.
func DurationBetween(min, max time.Duration) Range {
	return Between(float64(min.Milliseconds()), float64(max.Milliseconds()))
}

// Contains reports whether v lies within the bounds.
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// Type converts raw text into a typed value.
type Type struct {
	Name string
	// Parse returns ErrNoMatch when raw is not a value of the type.
	Parse func(ctx context.Context, in *Input, raw string) (any, error)
	// Check applies the definition range to a parsed value. Nil accepts all.
	Check func(v any, r Range) bool
}

func (t *Type) accepts(v any, r Range) bool {
	return t.Check == nil || t.Check(v, r)
}

// TypeRef names one entry of a definition's type list.
type TypeRef struct {
	Name     string
	Literals []string
	Custom   *Type
}

// T refers to a type registered in the resolver's TypeTable.
func T(name string) TypeRef { return TypeRef{Name: name} }

// OneOf is a literal set type. It matches case-insensitively and resolves to
// the literal as declared.
func OneOf(literals ...string) TypeRef { return TypeRef{Literals: literals} }

// Custom is an inline type that does not need registering.
func Custom(t Type) TypeRef { return TypeRef{Custom: &t} }

func (ref TypeRef) String() string {
	switch {
	case ref.Custom != nil:
		return ref.Custom.Name
	case ref.Literals != nil:
		return strings.Join(ref.Literals, "|")
	default:
		return ref.Name
	}
}

func literalType(lits []string) *Type {
	return &Type{
		Name: strings.Join(lits, "|"),
		Parse: func(_ context.Context, _ *Input, raw string) (any, error) {
			for _, l := range lits {
				if strings.EqualFold(l, raw) {
					return l, nil
				}
			}
			return nil, ErrNoMatch
		},
	}
}

// TypeTable maps type names to parsers. It is safe for concurrent use.
type TypeTable struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewTypeTable returns a table holding the built-in types: string, integer
// (alias number), duration (alias time), member and user.
func NewTypeTable() *TypeTable {
	tt := &TypeTable{types: make(map[string]*Type)}
	for _, t := range []Type{StringType, IntegerType, DurationType, MemberType, UserType} {
		tt.Register(t)
	}
	tt.alias("number", "integer")
	tt.alias("time", "duration")
	return tt
}

// Register adds or replaces a type under its lower-cased name.
func (tt *TypeTable) Register(t Type) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.types[strings.ToLower(t.Name)] = &t
}

func (tt *TypeTable) alias(name, target string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.types[name] = tt.types[target]
}

// Lookup returns the type registered under name.
func (tt *TypeTable) Lookup(name string) (*Type, bool) {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	t, ok := tt.types[strings.ToLower(name)]
	return t, ok
}

func (tt *TypeTable) resolve(ref TypeRef) (*Type, error) {
	switch {
	case ref.Custom != nil:
		if ref.Custom.Parse == nil {
			return nil, fmt.Errorf("custom type %q has no parser", ref.Custom.Name)
		}
		return ref.Custom, nil
	case len(ref.Literals) > 0:
		return literalType(ref.Literals), nil
	}
	t, ok := tt.Lookup(ref.Name)
	if !ok {
		return nil, fmt.Errorf("unknown type %q", ref.Name)
	}
	return t, nil
}

var StringType = Type{
	Name: "string",
	Parse: func(_ context.Context, _ *Input, raw string) (any, error) {
		if raw == "" {
			return nil, ErrNoMatch
		}
		return raw, nil
	},
	Check: func(v any, r Range) bool {
		return r.Contains(float64(utf8.RuneCountInString(v.(string))))
	},
}

var IntegerType = Type{
	Name: "integer",
	Parse: func(_ context.Context, _ *Input, raw string) (any, error) {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, ErrNoMatch
		}
		return n, nil
	},
	Check: func(v any, r Range) bool {
		return r.Contains(float64(v.(int)))
	},
}

var DurationType = Type{
	Name: "duration",
	Parse: func(_ context.Context, _ *Input, raw string) (any, error) {
		d, err := ParseDuration(raw)
		if err != nil {
			return nil, ErrNoMatch
		}
		return d, nil
	},
	Check: func(v any, r Range) bool {
		return r.Contains(float64(v.(time.Duration).Milliseconds()))
	},
}

var MemberType = Type{
	Name:  "member",
	Parse: parseMember,
	Check: func(v any, r Range) bool {
		m := v.(*chat.Member)
		if r.IDs == nil && r.Roles == nil {
			return true
		}
		if slices.Contains(r.IDs, m.User.ID) {
			return true
		}
		for _, role := range m.Roles {
			if slices.Contains(r.Roles, role.ID) || slices.Contains(r.Roles, strings.ToLower(role.Name)) {
				return true
			}
		}
		return false
	},
}

var UserType = Type{
	Name:  "user",
	Parse: parseUser,
	Check: func(v any, r Range) bool {
		return r.IDs == nil || slices.Contains(r.IDs, v.(*chat.User).ID)
	},
}

// snowflake strips everything but digits, so "<@!123>" yields "123".
func snowflake(raw string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
}

func parseMember(ctx context.Context, in *Input, raw string) (any, error) {
	if in.Message == nil || in.Message.GuildID == "" || in.Directory == nil {
		return nil, ErrNoMatch
	}
	guildID := in.Message.GuildID

	if id := snowflake(raw); id != "" && len(id) <= 20 {
		m, err := in.Directory.Member(ctx, guildID, id)
		if err == nil {
			return m, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	members, err := in.Directory.Members(ctx, guildID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("list members: %w", err)
	}
	for _, m := range members {
		if m.User.Tag != "" && strings.EqualFold(m.User.Tag, raw) {
			return m, nil
		}
	}
	for _, m := range members {
		if strings.EqualFold(m.DisplayName(), raw) {
			return m, nil
		}
	}
	return nil, ErrNoMatch
}

func parseUser(ctx context.Context, in *Input, raw string) (any, error) {
	if in.Directory == nil {
		return nil, ErrNoMatch
	}

	if id := snowflake(raw); id != "" && len(id) <= 20 {
		u, err := in.Directory.User(ctx, id)
		if err == nil {
			return u, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	users, err := in.Directory.Users(ctx)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		if u.Tag != "" && strings.EqualFold(u.Tag, raw) {
			return u, nil
		}
	}
	return nil, ErrNoMatch
}
