// Package tenant loads per-clinic configuration from Parameter Store.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"clinic-assistant/internal/dialog"
	"clinic-assistant/internal/domain"
	"clinic-assistant/internal/integrations/ollama"
	"clinic-assistant/internal/integrations/openai"
	"clinic-assistant/internal/integrations/paramstore"
)

// ErrNotFound is returned when no configuration exists for a tenant.
var ErrNotFound = errors.New("tenant: not found")

const (
	defaultTimezone    = "America/Sao_Paulo"
	defaultMaxTokens   = 500
	defaultTemperature = 0.7
	defaultLocalModel  = "llama3.1:8b"
)

var defaultPriority = map[domain.BackendType]int{
	domain.BackendOllama:   1,
	domain.BackendLMStudio: 10,
	domain.BackendGroq:     50,
	domain.BackendOpenAI:   100,
}

var defaultEndpoint = map[domain.BackendType]string{
	domain.BackendOllama:   ollama.DefaultBaseURL,
	domain.BackendLMStudio: openai.LMStudioBaseURL,
	domain.BackendGroq:     openai.GroqBaseURL,
	domain.BackendOpenAI:   openai.DefaultBaseURL,
}

// document is the YAML shape stored at <prefix>/tenants/<id>/config.
type document struct {
	Profile       domain.TenantProfile   `yaml:"profile"`
	Responses     map[string]string      `yaml:"responses"`
	Patterns      []domain.IntentPattern `yaml:"patterns"`
	SystemPrompt  string                 `yaml:"system_prompt"`
	BusinessHours struct {
		Open  string `yaml:"open"`
		Close string `yaml:"close"`
	} `yaml:"business_hours"`
	LocalAI struct {
		GPUCount    int      `yaml:"gpu_count"`
		Endpoint    string   `yaml:"endpoint"`
		Model       string   `yaml:"model"`
		MaxTokens   int      `yaml:"max_tokens"`
		Temperature *float64 `yaml:"temperature"`
	} `yaml:"local_ai"`
	Backends []backendDoc `yaml:"backends"`
}

type backendDoc struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Endpoint    string   `yaml:"endpoint"`
	Model       string   `yaml:"model"`
	APIKeyParam string   `yaml:"api_key_param"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
	Priority    *int     `yaml:"priority"`
	GPU         int      `yaml:"gpu"`
}

// Config is the resolved configuration of one tenant.
type Config struct {
	ID            string
	Profile       domain.TenantProfile
	Responses     map[string]string
	Patterns      []domain.IntentPattern
	SystemPrompt  string
	BusinessHours dialog.BusinessHours
	Location      *time.Location
	Backends      []domain.BackendDescriptor
}

type Loader struct {
	getter paramstore.Getter
	prefix string
	logger *slog.Logger
}

func NewLoader(getter paramstore.Getter, paramPrefix string, logger *slog.Logger) (*Loader, error) {
	if getter == nil {
		return nil, errors.New("tenant: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("tenant: parameter prefix must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{getter: getter, prefix: paramPrefix, logger: logger}, nil
}

func (l *Loader) configParam(tenantID string) string {
	return l.prefix + "/tenants/" + tenantID + "/config"
}

func (l *Loader) keyParam(tenantID, name string) string {
	return l.prefix + "/tenants/" + tenantID + "/keys/" + name
}

// Load fetches and resolves a tenant's configuration, including API keys.
// Keys that cannot be read leave the backend without a key.
func (l *Loader) Load(ctx context.Context, tenantID string) (Config, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || strings.ContainsAny(tenantID, "/#") {
		return Config{}, fmt.Errorf("tenant: invalid tenant id %q", tenantID)
	}
	raw, err := l.getter.GetParameter(ctx, l.configParam(tenantID))
	if errors.Is(err, paramstore.ErrNotFound) {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return Config{}, fmt.Errorf("tenant: load %s: %w", tenantID, err)
	}

	cfg, keyParams, err := parse(tenantID, []byte(raw), l.logger)
	if err != nil {
		return Config{}, err
	}
	for i := range cfg.Backends {
		name := keyParams[i]
		if name == "" {
			continue
		}
		key, err := paramstore.GetToken(ctx, l.getter, l.keyParam(tenantID, name))
		if err != nil {
			l.logger.Warn("backend api key unavailable", "tenant", tenantID, "backend", cfg.Backends[i].ID, "err", err)
			continue
		}
		cfg.Backends[i].APIKey = key
	}
	return cfg, nil
}

// Parse resolves a configuration document without fetching keys.
func Parse(tenantID string, raw []byte, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, _, err := parse(tenantID, raw, logger)
	return cfg, err
}

// parse returns the config and, index-aligned with cfg.Backends, the key
// parameter name of each backend.
func parse(tenantID string, raw []byte, logger *slog.Logger) (Config, []string, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, nil, fmt.Errorf("tenant: parse %s config: %w", tenantID, err)
	}
	cfg := Config{
		ID:            tenantID,
		Profile:       doc.Profile,
		Responses:     doc.Responses,
		Patterns:      doc.Patterns,
		SystemPrompt:  strings.TrimSpace(doc.SystemPrompt),
		BusinessHours: dialog.DefaultBusinessHours,
		Location:      time.UTC,
	}
	if cfg.Responses == nil {
		cfg.Responses = map[string]string{}
	}

	tz := doc.Profile.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		cfg.Location = loc
	} else {
		logger.Warn("invalid timezone, using UTC", "tenant", tenantID, "timezone", tz, "err", err)
	}

	if doc.BusinessHours.Open != "" || doc.BusinessHours.Close != "" {
		hours, err := parseHours(doc.BusinessHours.Open, doc.BusinessHours.Close)
		if err != nil {
			logger.Warn("invalid business hours, using defaults", "tenant", tenantID, "err", err)
		} else {
			cfg.BusinessHours = hours
		}
	}

	var keyParams []string
	for i := 0; i < doc.LocalAI.GPUCount; i++ {
		d := domain.BackendDescriptor{
			ID:          "ollama-gpu-" + strconv.Itoa(i),
			Name:        fmt.Sprintf("Ollama GPU %d", i),
			Type:        domain.BackendOllama,
			Endpoint:    orDefault(doc.LocalAI.Endpoint, ollama.DefaultBaseURL),
			Model:       orDefault(doc.LocalAI.Model, defaultLocalModel),
			MaxTokens:   positiveOr(doc.LocalAI.MaxTokens, defaultMaxTokens),
			Temperature: floatOr(doc.LocalAI.Temperature, defaultTemperature),
			Priority:    i + 1,
			GPU:         i,
		}
		cfg.Backends = append(cfg.Backends, d)
		keyParams = append(keyParams, "")
	}

	seen := map[string]bool{}
	for _, d := range cfg.Backends {
		seen[d.ID] = true
	}
	for i, b := range doc.Backends {
		t := domain.BackendType(strings.ToLower(strings.TrimSpace(b.Type)))
		if _, ok := defaultPriority[t]; !ok {
			logger.Warn("unknown backend type skipped", "tenant", tenantID, "type", b.Type)
			continue
		}
		id := strings.TrimSpace(b.ID)
		if id == "" {
			id = string(t)
		}
		if seen[id] {
			id = fmt.Sprintf("%s-%d", id, i)
		}
		seen[id] = true
		if strings.TrimSpace(b.Model) == "" {
			logger.Warn("backend without model skipped", "tenant", tenantID, "backend", id)
			continue
		}
		priority := defaultPriority[t]
		if b.Priority != nil {
			priority = *b.Priority
		}
		cfg.Backends = append(cfg.Backends, domain.BackendDescriptor{
			ID:          id,
			Name:        orDefault(b.Name, id),
			Type:        t,
			Endpoint:    orDefault(b.Endpoint, defaultEndpoint[t]),
			Model:       b.Model,
			MaxTokens:   positiveOr(b.MaxTokens, defaultMaxTokens),
			Temperature: floatOr(b.Temperature, defaultTemperature),
			Priority:    priority,
			GPU:         b.GPU,
		})
		keyParams = append(keyParams, strings.TrimSpace(b.APIKeyParam))
	}
	return cfg, keyParams, nil
}

func parseHours(open, closing string) (dialog.BusinessHours, error) {
	o, err := dialog.ParseClock(open)
	if err != nil {
		return dialog.BusinessHours{}, err
	}
	c, err := dialog.ParseClock(closing)
	if err != nil {
		return dialog.BusinessHours{}, err
	}
	if o.Hour*60+o.Minute >= c.Hour*60+c.Minute {
		return dialog.BusinessHours{}, fmt.Errorf("opening %s is not before closing %s", o, c)
	}
	return dialog.BusinessHours{Open: o, Close: c}, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func positiveOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

func floatOr(f *float64, def float64) float64 {
	if f != nil {
		return *f
	}
	return def
}
