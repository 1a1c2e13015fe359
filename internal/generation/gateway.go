package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"clinic-assistant/internal/domain"
)

// DefaultCallTimeout bounds a single backend call.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrAllBackendsExhausted is returned when every eligible backend failed
	// or none was eligible.
	ErrAllBackendsExhausted = errors.New("generation: all backends exhausted")

	errEmptyCompletion = errors.New("empty completion")
)

// Result is a generated reply. Cached results carry zero cost.
type Result struct {
	Text      string
	BackendID string
	Model     string
	TokenCost int
	Latency   time.Duration
	FromCache bool
}

// Gateway routes completions across one tenant's backends.
type Gateway struct {
	tenantID  string
	backends  []*Backend
	cache     Cache
	timeout   time.Duration
	variables map[string]string
	rotation  atomic.Uint64
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option {
	return func(g *Gateway) {
		if c != nil {
			g.cache = c
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithVariables sets the {{name}} placeholders substituted into system
// messages, e.g. "context" or "company.name".
func WithVariables(vars map[string]string) Option {
	return func(g *Gateway) { g.variables = vars }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway orders backends by priority. Hosted backends without an API key
// are dropped.
func NewGateway(tenantID string, backends []*Backend, opts ...Option) *Gateway {
	g := &Gateway{
		tenantID: tenantID,
		timeout:  DefaultCallTimeout,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cache == nil {
		g.cache = NewMemoryCache(WithCacheClock(g.now))
	}
	for _, b := range backends {
		if !b.Local() && b.desc.APIKey == "" {
			g.logger.Warn("backend excluded: missing api key", "tenant", tenantID, "backend", b.ID())
			continue
		}
		g.backends = append(g.backends, b)
	}
	sortByPriority(g.backends)
	return g
}

// Backends returns the configured backends in priority order.
func (g *Gateway) Backends() []*Backend {
	out := make([]*Backend, len(g.backends))
	copy(out, g.backends)
	return out
}

func (g *Gateway) Statuses() []BackendStatus {
	out := make([]BackendStatus, 0, len(g.backends))
	for _, b := range g.backends {
		out = append(out, b.Status())
	}
	return out
}

// Complete returns a reply for messages, from cache or the first backend
// that answers.
func (g *Gateway) Complete(ctx context.Context, messages []domain.ChatMessage) (Result, error) {
	start := g.now()
	prepared := g.inject(messages)
	key := CacheKey(g.tenantID, prepared)

	if text, ok := g.cache.Get(ctx, key); ok {
		return Result{Text: text, BackendID: "cache", Model: "cache", FromCache: true, Latency: g.now().Sub(start)}, nil
	}

	var errs []error
	for _, b := range g.candidates() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		desc := b.Descriptor()
		out, err := g.call(ctx, b, prepared)
		if err != nil {
			if b.Local() && ctx.Err() == nil {
				b.setHealth(false, g.now())
			}
			g.logger.Warn("generation backend failed", "tenant", g.tenantID, "backend", desc.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", desc.ID, err))
			continue
		}
		g.cache.Set(ctx, key, out.Content)
		return Result{
			Text:      out.Content,
			BackendID: desc.ID,
			Model:     desc.Model,
			TokenCost: out.TotalTokens,
			Latency:   g.now().Sub(start),
		}, nil
	}
	if len(errs) == 0 {
		return Result{}, ErrAllBackendsExhausted
	}
	return Result{}, fmt.Errorf("%w: %w", ErrAllBackendsExhausted, errors.Join(errs...))
}

func (g *Gateway) call(ctx context.Context, b *Backend, messages []domain.ChatMessage) (domain.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	desc := b.Descriptor()
	out, err := b.provider.Complete(callCtx, domain.CompletionRequest{
		Model:       desc.Model,
		Messages:    messages,
		MaxTokens:   desc.MaxTokens,
		Temperature: desc.Temperature,
		GPU:         desc.GPU,
	})
	if err != nil {
		return domain.Completion{}, err
	}
	if strings.TrimSpace(out.Content) == "" {
		return domain.Completion{}, errEmptyCompletion
	}
	return out, nil
}

// candidates lists eligible backends in try order: priority tiers ascending.
// Healthy local backends sharing a priority take turns within their tier;
// hosted ones keep their place.
func (g *Gateway) candidates() []*Backend {
	eligible := make([]*Backend, 0, len(g.backends))
	for _, b := range g.backends {
		if b.Local() && !b.Healthy() {
			continue
		}
		eligible = append(eligible, b)
	}
	turn := g.rotation.Add(1) - 1
	for lo := 0; lo < len(eligible); {
		hi := lo
		for hi < len(eligible) && eligible[hi].desc.Priority == eligible[lo].desc.Priority {
			hi++
		}
		rotateLocals(eligible[lo:hi], turn)
		lo = hi
	}
	return eligible
}

// rotateLocals shifts the local backends of one tier by turn positions,
// leaving hosted backends in their slots.
func rotateLocals(tier []*Backend, turn uint64) {
	var slots []int
	for i, b := range tier {
		if b.Local() {
			slots = append(slots, i)
		}
	}
	if len(slots) < 2 {
		return
	}
	shift := int(turn % uint64(len(slots)))
	locals := make([]*Backend, len(slots))
	for i, idx := range slots {
		locals[i] = tier[idx]
	}
	for i, idx := range slots {
		tier[idx] = locals[(i+shift)%len(locals)]
	}
}

func (g *Gateway) inject(messages []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(messages))
	copy(out, messages)
	if len(g.variables) == 0 {
		return out
	}
	pairs := make([]string, 0, len(g.variables)*2)
	for k, v := range g.variables {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	for i := range out {
		if out[i].Role == domain.RoleSystem {
			out[i].Content = r.Replace(out[i].Content)
		}
	}
	return out
}
