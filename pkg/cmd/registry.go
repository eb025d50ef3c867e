package cmd

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/keshon/textcmd/pkg/args"
)

var (
	ErrInvalidCommand = errors.New("cmd: invalid command")
	ErrDuplicateAlias = errors.New("cmd: duplicate alias")
)

// Table is the read side of a Registry.
type Table interface {
	// Get returns the command for an identifier or alias, or nil.
	Get(alias string) *Command
	// All returns every command sorted by identifier.
	All() []*Command
}

// Registry stores commands by identifier and alias, case-insensitively. It
// is safe for concurrent use.
type Registry struct {
	types *args.TypeTable
	use   []Middleware

	mu       sync.RWMutex
	byAlias  map[string]*Command
	commands []*Command
}

// NewRegistry returns an empty registry resolving argument types in types.
// A nil table uses the built-in types.
func NewRegistry(types *args.TypeTable) *Registry {
	if types == nil {
		types = args.NewTypeTable()
	}
	return &Registry{types: types, byAlias: make(map[string]*Command)}
}

// Types returns the argument type table.
func (r *Registry) Types() *args.TypeTable { return r.types }

// Use adds middleware wrapping every command registered afterwards. It runs
// outside the command's own middleware.
func (r *Registry) Use(mws ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.use = append(r.use, mws...)
}

// Register validates and adds commands. Nothing is added, and no command
// is modified, if any command is invalid or one of its names is taken.
func (r *Registry) Register(cmds ...*Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	specs := make([]prepared, 0, len(cmds))
	pending := make(map[string]*Command)
	for _, c := range cmds {
		p, err := r.prepare(c)
		if err != nil {
			return err
		}
		for _, name := range p.names {
			if owner, ok := r.byAlias[name]; ok {
				return fmt.Errorf("%w: %q of %s is taken by %s", ErrDuplicateAlias, name, p.id, owner.ID)
			}
			if owner, ok := pending[name]; ok {
				return fmt.Errorf("%w: %q of %s is taken by %s", ErrDuplicateAlias, name, p.id, normalizeName(owner.ID))
			}
			pending[name] = c
		}
		specs = append(specs, p)
	}

	for i, c := range cmds {
		p := specs[i]
		c.ID = p.id
		c.names = p.names
		c.resolver = p.resolver
		c.handler = Apply(c.resolving(c.Exec), append(slices.Clone(r.use), c.Middleware...)...)
	}
	for name, c := range pending {
		r.byAlias[name] = c
	}
	r.commands = append(r.commands, cmds...)
	sort.Slice(r.commands, func(i, j int) bool { return r.commands[i].ID < r.commands[j].ID })
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(cmds ...*Command) {
	if err := r.Register(cmds...); err != nil {
		panic(err)
	}
}

// prepared holds the derived fields of a command until the whole batch is
// known to be valid.
type prepared struct {
	id       string
	names    []string
	resolver *args.Resolver
}

func (r *Registry) prepare(c *Command) (prepared, error) {
	if c == nil {
		return prepared{}, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	id := normalizeName(c.ID)
	if id == "" {
		return prepared{}, fmt.Errorf("%w: empty identifier", ErrInvalidCommand)
	}
	if c.Exec == nil {
		return prepared{}, fmt.Errorf("%w: %s has no handler", ErrInvalidCommand, c.ID)
	}

	names := []string{id}
	for _, a := range c.Aliases {
		a = normalizeName(a)
		if a != "" && !slices.Contains(names, a) {
			names = append(names, a)
		}
	}

	var resolver *args.Resolver
	if len(c.Arguments) > 0 {
		resolver = args.NewResolver(c.Arguments, r.types)
		if err := resolver.Validate(c.ID); err != nil {
			return prepared{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
	}
	return prepared{id: id, names: names, resolver: resolver}, nil
}

// Get returns the command named alias, or nil.
func (r *Registry) Get(alias string) *Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAlias[normalizeName(alias)]
}

// All returns every command sorted by identifier.
func (r *Registry) All() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.commands)
}

// Categories returns the distinct non-empty categories, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, c := range r.commands {
		if c.Category != "" && !slices.Contains(out, c.Category) {
			out = append(out, c.Category)
		}
	}
	sort.Strings(out)
	return out
}
