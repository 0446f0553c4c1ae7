package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/vietddude/escrowd/internal/core/domain"
)

// Registry owns one Breaker per processor type. Breakers are created lazily
// and live until the registry is discarded.
type Registry struct {
	mu         sync.Mutex
	breakers   map[domain.MethodType]*Breaker
	configs    map[domain.MethodType]Config
	defaultCfg Config
	opts       []Option
	hooks      []StateChangeFunc
	logger     *slog.Logger
}

// NewRegistry creates an empty registry. opts apply to every breaker it creates.
func NewRegistry(defaultCfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers:   make(map[domain.MethodType]*Breaker),
		configs:    make(map[domain.MethodType]Config),
		defaultCfg: defaultCfg,
		opts:       opts,
		logger:     logger,
	}
}

// Configure sets the config used when the breaker for t is first created.
func (r *Registry) Configure(t domain.MethodType, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[t] = cfg
}

// OnStateChange adds an observer called on every breaker transition.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Get returns the breaker for t, creating it on first use.
func (r *Registry) Get(t domain.MethodType) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[t]; ok {
		return b
	}

	cfg, ok := r.configs[t]
	if !ok {
		cfg = r.defaultCfg
	}
	opts := append([]Option{}, r.opts...)
	opts = append(opts, WithStateChange(r.dispatch))
	b := New(string(t), cfg, opts...)
	r.breakers[t] = b
	return b
}

// Reset closes the breaker for t. It reports false if no breaker exists yet.
func (r *Registry) Reset(t domain.MethodType) bool {
	r.mu.Lock()
	b, ok := r.breakers[t]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshot returns every breaker sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenCount returns how many breakers are not closed.
func (r *Registry) OpenCount() int {
	n := 0
	for _, s := range r.Snapshot() {
		if s.State != StateClosed.String() {
			n++
		}
	}
	return n
}

func (r *Registry) dispatch(name string, from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "Circuit breaker state change", "processor", name, "from", from.String(), "to", to.String())

	r.mu.Lock()
	hooks := append([]StateChangeFunc(nil), r.hooks...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(name, from, to)
	}
}
