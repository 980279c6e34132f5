package handler

import (
	"context"
	"regexp"
	"slices"
	"sort"
	"sync"

	"botcore/pkg/event"
)

var commandNamePattern = regexp.MustCompile(`^/[^\s/]+$`)

// EntryKind tells how an entry was registered.
type EntryKind string

const (
	KindVisibleCommand EntryKind = "visible_command"
	KindHiddenCommand  EntryKind = "hidden_command"
	KindDefault        EntryKind = "default"
	KindSystem         EntryKind = "system"
	KindSync           EntryKind = "sync"
)

// Entry is one registration with the middlewares bound to it.
type Entry struct {
	Kind        EntryKind
	Key         string
	Description string
	VisibleWhen VisibilityFunc
	Handler     Handler
	Middlewares []Middleware
}

// Chained returns the entry's handler wrapped in its middlewares.
func (e *Entry) Chained() Handler {
	return Chain(e.Handler, e.Middlewares...)
}

// CommandSpec describes a command registration. Hidden commands need no description.
type CommandSpec struct {
	Description string
	Hidden      bool
	VisibleWhen VisibilityFunc
	Middlewares []Middleware
}

// Registry collects handlers. Registration errors are returned eagerly; lookups are
// safe for concurrent use.
type Registry struct {
	middlewares []Middleware

	commands map[string]*Entry
	fallback *Entry
	system   map[event.SystemEventType]*Entry
	sync     map[event.SyncMethod]*Entry

	mu sync.RWMutex
}

// New creates a registry whose middlewares wrap every handler registered on it.
func New(middlewares ...Middleware) *Registry {
	return &Registry{
		middlewares: slices.Clone(middlewares),
		commands:    make(map[string]*Entry),
		system:      make(map[event.SystemEventType]*Entry),
		sync:        make(map[event.SyncMethod]*Entry),
	}
}

func (r *Registry) bind(extra []Middleware) []Middleware {
	out := make([]Middleware, 0, len(r.middlewares)+len(extra))
	out = append(out, r.middlewares...)
	return append(out, extra...)
}

// Command registers fn for the literal token, e.g. "/help".
func (r *Registry) Command(token string, fn CommandFunc, spec CommandSpec) error {
	if !commandNamePattern.MatchString(token) {
		return configError(ErrInvalidCommandName, token)
	}
	if fn == nil {
		return configError(ErrNilHandler, token)
	}
	if !spec.Hidden && spec.Description == "" {
		return configError(ErrMissingDescription, token)
	}

	kind := KindVisibleCommand
	if spec.Hidden {
		kind = KindHiddenCommand
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[token]; exists {
		return configError(ErrDuplicateHandler, token)
	}
	r.commands[token] = &Entry{
		Kind:        kind,
		Key:         token,
		Description: spec.Description,
		VisibleWhen: spec.VisibleWhen,
		Handler:     adaptCommand(fn),
		Middlewares: r.bind(spec.Middlewares),
	}
	return nil
}

// Default registers the handler for messages no command matches.
func (r *Registry) Default(fn CommandFunc, middlewares ...Middleware) error {
	if fn == nil {
		return configError(ErrNilHandler, "default")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fallback != nil {
		return configError(ErrDuplicateDefaultHandler, "")
	}
	r.fallback = &Entry{
		Kind:        KindDefault,
		Handler:     adaptCommand(fn),
		Middlewares: r.bind(middlewares),
	}
	return nil
}

func (r *Registry) SystemEvent(eventType event.SystemEventType, fn SystemFunc, middlewares ...Middleware) error {
	if fn == nil {
		return configError(ErrNilHandler, string(eventType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.system[eventType]; exists {
		return configError(ErrDuplicateEventHandler, string(eventType))
	}
	r.system[eventType] = &Entry{
		Kind:        KindSystem,
		Key:         string(eventType),
		Handler:     adaptSystem(fn),
		Middlewares: r.bind(middlewares),
	}
	return nil
}

func (r *Registry) SyncEvent(method event.SyncMethod, fn SyncFunc, middlewares ...Middleware) error {
	if fn == nil {
		return configError(ErrNilHandler, string(method))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sync[method]; exists {
		return configError(ErrDuplicateEventHandler, string(method))
	}
	r.sync[method] = &Entry{
		Kind:        KindSync,
		Key:         string(method),
		Handler:     adaptSync(fn),
		Middlewares: r.bind(middlewares),
	}
	return nil
}

// Include copies every registration of others into r, prepending r's middlewares.
// Nothing is copied when any registration collides; the error lists all collisions.
func (r *Registry) Include(others ...*Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var collisions []string
	commands := make(map[string]*Entry)
	system := make(map[event.SystemEventType]*Entry)
	syncs := make(map[event.SyncMethod]*Entry)
	fallback := r.fallback
	fallbackFromOther := false

	for _, other := range others {
		if other == nil || other == r {
			continue
		}
		other.mu.RLock()
		for token, entry := range other.commands {
			if _, exists := r.commands[token]; exists {
				collisions = append(collisions, token)
			} else if _, exists := commands[token]; exists {
				collisions = append(collisions, token)
			} else {
				commands[token] = r.rebind(entry)
			}
		}
		if other.fallback != nil {
			if fallback != nil {
				collisions = append(collisions, "default handler")
			} else {
				fallback = r.rebind(other.fallback)
				fallbackFromOther = true
			}
		}
		for eventType, entry := range other.system {
			if _, exists := r.system[eventType]; exists {
				collisions = append(collisions, string(eventType))
			} else if _, exists := system[eventType]; exists {
				collisions = append(collisions, string(eventType))
			} else {
				system[eventType] = r.rebind(entry)
			}
		}
		for method, entry := range other.sync {
			if _, exists := r.sync[method]; exists {
				collisions = append(collisions, string(method))
			} else if _, exists := syncs[method]; exists {
				collisions = append(collisions, string(method))
			} else {
				syncs[method] = r.rebind(entry)
			}
		}
		other.mu.RUnlock()
	}

	if len(collisions) > 0 {
		sort.Strings(collisions)
		return &MergeError{Collisions: collisions}
	}

	for token, entry := range commands {
		r.commands[token] = entry
	}
	for eventType, entry := range system {
		r.system[eventType] = entry
	}
	for method, entry := range syncs {
		r.sync[method] = entry
	}
	if fallbackFromOther {
		r.fallback = fallback
	}
	return nil
}

func (r *Registry) rebind(entry *Entry) *Entry {
	copied := *entry
	copied.Middlewares = r.bind(entry.Middlewares)
	return &copied
}

// Lookup finds the entry for ev. A message whose first token matches no command
// falls back to the default handler when one is registered.
func (r *Registry) Lookup(ev event.Event) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch ev := ev.(type) {
	case *event.Message:
		token, _ := ev.Command()
		if entry, ok := r.commands[token]; ok {
			return entry, true
		}
		if r.fallback != nil {
			return r.fallback, true
		}
	case *event.SystemEvent:
		if entry, ok := r.system[ev.Type]; ok {
			return entry, true
		}
	case *event.SyncRequest:
		if entry, ok := r.sync[ev.Method]; ok {
			return entry, true
		}
	}
	return nil, false
}

// MenuItem is one line of the command menu shown to users.
type MenuItem struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Menu lists visible commands available to sender, sorted by token.
func (r *Registry) Menu(ctx context.Context, sender event.Sender) []MenuItem {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.commands))
	for _, entry := range r.commands {
		if entry.Kind == KindVisibleCommand {
			entries = append(entries, entry)
		}
	}
	r.mu.RUnlock()

	items := make([]MenuItem, 0, len(entries))
	for _, entry := range entries {
		if entry.VisibleWhen != nil && !entry.VisibleWhen(ctx, sender) {
			continue
		}
		items = append(items, MenuItem{Command: entry.Key, Description: entry.Description})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Command < items[j].Command
	})
	return items
}

// Commands returns every registered command token, hidden ones included.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.commands))
	for token := range r.commands {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}
