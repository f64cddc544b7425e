package sandbox

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/libra-sh/deploy-engine/internal/config"
)

// templateNames maps each provider to its pre-built builder template.
var templateNames = map[string]string{
	ProviderE2B:     "vite-shadcn-template-builder-libra",
	ProviderDaytona: "vite-shadcn-template",
	ProviderMock:    "vite-shadcn-template-builder-libra",
}

// Provider keys accepted in configuration.
const (
	ProviderE2B     = "e2b"
	ProviderDaytona = "daytona"
	ProviderMock    = "mock"
)

// TemplateFor returns the builder template name for a provider, or "" when
// the provider is unknown.
func TemplateFor(provider string) string {
	return templateNames[provider]
}

// Registry holds the configured providers. It is initialized lazily on first
// use and never torn down.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
}

var (
	globalCfg    config.SandboxConfig
	globalLogger *slog.Logger
	global       *Registry
	globalOnce   sync.Once
)

// Configure stores the configuration the global registry will be built from.
// Must be called before the first Default or Get.
func Configure(cfg config.SandboxConfig, logger *slog.Logger) {
	globalCfg = cfg
	globalLogger = logger
}

// Global returns the process-wide registry, building it on first call.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry(globalCfg, globalLogger)
	})
	return global
}

// NewRegistry builds a registry from configuration. Providers without
// credentials are still registered; their calls fail at request time with a
// clear error rather than at startup.
func NewRegistry(cfg config.SandboxConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		providers:       make(map[string]Provider),
		defaultProvider: cfg.DefaultProvider,
	}
	r.Register(NewE2BProvider(cfg.E2BAPIURL, cfg.E2BAPIKey, logger))
	r.Register(NewDaytonaProvider(cfg.DaytonaAPIURL, cfg.DaytonaAPIKey, logger))
	r.Register(NewMockProvider())

	logger.Info("sandbox registry initialized",
		slog.String("default_provider", cfg.DefaultProvider))
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("Get: unknown sandbox provider %q", name)
	}
	return p, nil
}

// Default returns the provider selected by configuration.
func (r *Registry) Default() (Provider, error) {
	return r.Get(r.defaultProvider)
}
