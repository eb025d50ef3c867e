// Package args resolves the typed arguments of a command from the text that
// follows its alias, prompting the author for anything missing or invalid.
package args

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/keshon/textcmd/pkg/chat"
	"github.com/keshon/textcmd/pkg/prompt"
)

// Definition declares one argument slot of a command.
type Definition struct {
	Key string
	// Prompt is sent when the slot cannot be filled from the message.
	Prompt        string
	PromptOptions []prompt.Option
	// Correct is replied to prompt answers that do not parse.
	Correct string
	// Types are tried left to right; the first that parses and passes Range
	// wins. Empty means string.
	Types []TypeRef
	// Infinite consumes the rest of the text. Resolution stops after it.
	Infinite bool
	// Optional slots resolve to Default instead of prompting.
	Optional bool
	Default  any
	Range    Range
}

// DefinitionError reports a misconfigured argument definition.
type DefinitionError struct {
	Command string
	// Position is 1-based.
	Position int
	Reason   string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("args: argument %d of %s: %s", e.Position, e.Command, e.Reason)
}

// Prompter asks the invoking participant for a value.
type Prompter interface {
	Prompt(ctx context.Context, content string, opts ...prompt.Option) (prompt.Result, error)
}

// Input is everything resolution needs about one invocation.
type Input struct {
	Message   *chat.Message
	Directory chat.Directory
	CommandID string
	// Cut is the text after the alias.
	Cut      string
	Prompter Prompter
}

// Resolver resolves a fixed list of definitions.
type Resolver struct {
	defs  []Definition
	types *TypeTable
}

// NewResolver returns a resolver for defs. A nil table uses the built-ins.
func NewResolver(defs []Definition, types *TypeTable) *Resolver {
	if types == nil {
		types = NewTypeTable()
	}
	return &Resolver{defs: defs, types: types}
}

// Definitions returns the slots in declaration order.
func (r *Resolver) Definitions() []Definition { return r.defs }

// Validate reports the first definition that can never resolve.
func (r *Resolver) Validate(commandID string) error {
	for i, def := range r.defs {
		if _, err := r.typesOf(commandID, i, def); err != nil {
			return err
		}
		if !def.Optional && def.Prompt == "" {
			return &DefinitionError{Command: commandID, Position: i + 1, Reason: "required argument has no prompt text"}
		}
	}
	return nil
}

func (r *Resolver) typesOf(commandID string, pos int, def Definition) ([]*Type, error) {
	refs := def.Types
	if len(refs) == 0 {
		refs = []TypeRef{T("string")}
	}
	out := make([]*Type, 0, len(refs))
	for _, ref := range refs {
		t, err := r.types.resolve(ref)
		if err != nil {
			return nil, &DefinitionError{Command: commandID, Position: pos + 1, Reason: err.Error()}
		}
		out = append(out, t)
	}
	return out, nil
}

// first runs the type list against raw and returns the first accepted value.
func first(ctx context.Context, in *Input, types []*Type, rng Range, raw string) (any, bool, error) {
	if raw == "" {
		return nil, false, nil
	}
	for _, t := range types {
		v, err := t.Parse(ctx, in, raw)
		if errors.Is(err, ErrNoMatch) || (err == nil && v == nil) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if t.accepts(v, rng) {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Resolve fills every definition. It fails with a *DefinitionError for
// misconfigured slots and with the prompt error when a prompt does not
// succeed.
func (r *Resolver) Resolve(ctx context.Context, in *Input) (Values, error) {
	tokens := Split(in.Cut)
	values := make(Values, len(r.defs))
	pos := 0

	for i, def := range r.defs {
		types, err := r.typesOf(in.CommandID, i, def)
		if err != nil {
			return nil, err
		}

		var raw string
		if def.Infinite {
			if pos < len(tokens) {
				raw = strings.TrimSpace(in.Cut[tokens[pos].Offset:])
			}
		} else if pos < len(tokens) {
			raw = tokens[pos].Text
		}

		v, ok, err := first(ctx, in, types, def.Range, raw)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", def.Key, err)
		}
		if ok {
			values[def.Key] = v
			pos++
		} else if def.Optional {
			values[def.Key] = def.Default
		} else {
			v, err := r.ask(ctx, in, i, def, types)
			if err != nil {
				return nil, err
			}
			values[def.Key] = v
		}

		if def.Infinite {
			break
		}
	}
	return values, nil
}

// ask prompts for a slot. The filter caches the value it accepted so the
// reply is parsed once.
func (r *Resolver) ask(ctx context.Context, in *Input, pos int, def Definition, types []*Type) (any, error) {
	if def.Prompt == "" {
		return nil, &DefinitionError{Command: in.CommandID, Position: pos + 1, Reason: "required argument has no prompt text"}
	}
	if in.Prompter == nil {
		return nil, fmt.Errorf("resolve %s: no prompter", def.Key)
	}

	var (
		mu       sync.Mutex
		accepted = make(map[string]any)
		parseErr error
	)
	filter := prompt.Match(func(ctx context.Context, msg *chat.Message, _ *prompt.Prompt) bool {
		v, ok, err := first(ctx, in, types, def.Range, strings.TrimSpace(msg.Content))
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			parseErr = err
			return false
		}
		if ok {
			accepted[msg.ID] = v
		}
		return ok
	})

	opts := append(slices.Clone(def.PromptOptions), prompt.WithFilter(filter))
	if def.Correct != "" {
		opts = append(opts, prompt.WithCorrection(def.Correct))
	}

	res, err := in.Prompter.Prompt(ctx, def.Prompt, opts...)
	if err != nil {
		mu.Lock()
		defer mu.Unlock()
		if parseErr != nil {
			return nil, fmt.Errorf("resolve %s: %w: %w", def.Key, err, parseErr)
		}
		return nil, fmt.Errorf("resolve %s: %w", def.Key, err)
	}

	reply := res.Message
	if reply == nil && len(res.Messages) > 0 {
		reply = res.Messages[len(res.Messages)-1]
	}
	if reply == nil {
		return nil, fmt.Errorf("resolve %s: prompt returned no reply", def.Key)
	}
	mu.Lock()
	defer mu.Unlock()
	v, ok := accepted[reply.ID]
	if !ok {
		return nil, fmt.Errorf("resolve %s: reply was not accepted", def.Key)
	}
	return v, nil
}

// Token is one argument of the split text.
type Token struct {
	Text string
	// Offset is the byte offset of the token, quotes included, in the source.
	Offset int
}

var splitter = regexp.MustCompile(`[^\s"']+|"([^"]*)"|'([^']*)'`)

// Split breaks s on whitespace. Text between double or single quotes is one
// token with the quotes removed.
func Split(s string) []Token {
	locs := splitter.FindAllStringSubmatchIndex(s, -1)
	out := make([]Token, 0, len(locs))
	for _, loc := range locs {
		text := s[loc[0]:loc[1]]
		switch {
		case loc[2] >= 0:
			text = s[loc[2]:loc[3]]
		case loc[4] >= 0:
			text = s[loc[4]:loc[5]]
		}
		out = append(out, Token{Text: text, Offset: loc[0]})
	}
	return out
}

// Fields returns the token texts of s.
func Fields(s string) []string {
	tokens := Split(s)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}
