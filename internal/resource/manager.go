package resource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// Handle is a per-binding wrapped view of a resource. The wrapper owns
// whatever it allocated for its binding (a topic delegate, a dedicated
// connection) and releases it on Close. Double-close is a no-op.
type Handle interface {
	Close() error
}

// Provider turns binding contexts into wrapped handles for one named
// resource. Providers are constructed once and shared by every binding
// that names them.
type Provider interface {
	Name() string
	Acquire(ctx context.Context, bc Context) (Handle, error)
	Monitor() *Monitor
}

// ServiceFactory builds a service from its manifest entry and its
// acquired handles, keyed by port name.
type ServiceFactory func(name string, params map[string]string, handles map[string]Handle) (Service, error)

// Manifest is the YAML wiring document: which services exist and which
// resource each of their ports binds to.
type Manifest struct {
	Services []ServiceSpec `yaml:"services"`
}

// ServiceSpec is one service entry of the manifest.
type ServiceSpec struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Params   map[string]string `yaml:"params"`
	Bindings map[string]string `yaml:"bindings"`
}

// ParseManifest decodes a YAML wiring document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("op=manager.parse_manifest: %w", err)
	}
	seen := map[string]bool{}
	for _, s := range m.Services {
		if s.Name == "" {
			return Manifest{}, fmt.Errorf("op=manager.parse_manifest: %w: service without name", domain.ErrInvalidArgument)
		}
		if seen[s.Name] {
			return Manifest{}, fmt.Errorf("op=manager.parse_manifest: %w: duplicate service %q", domain.ErrInvalidArgument, s.Name)
		}
		seen[s.Name] = true
	}
	return m, nil
}

// LoadManifest reads and decodes a wiring document from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("op=manager.load_manifest: %w", err)
	}
	return ParseManifest(data)
}

// managedService is one constructed service plus the handles it owns.
type managedService struct {
	service Service
	handles []Handle
}

// Manager constructs resources once, parses bindings, and injects
// wrapped handles into services. Services start in manifest order and
// stop in reverse.
type Manager struct {
	log       *slog.Logger
	providers map[string]Provider
	factories map[string]ServiceFactory
	// Expand rewrites binding URIs before parsing (variable substitution).
	// Nil leaves URIs untouched.
	Expand func(string) string

	mu       sync.Mutex
	services []managedService
}

// NewManager creates an empty manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:       log,
		providers: map[string]Provider{},
		factories: map[string]ServiceFactory{},
	}
}

// RegisterProvider adds a named resource provider. Re-registering a name
// is an error.
func (m *Manager) RegisterProvider(p Provider) error {
	if _, dup := m.providers[p.Name()]; dup {
		return fmt.Errorf("op=manager.register_provider: %w: %q", domain.ErrConflict, p.Name())
	}
	m.providers[p.Name()] = p
	return nil
}

// RegisterServiceType adds a factory for a manifest service type.
func (m *Manager) RegisterServiceType(typ string, f ServiceFactory) error {
	if _, dup := m.factories[typ]; dup {
		return fmt.Errorf("op=manager.register_service_type: %w: %q", domain.ErrConflict, typ)
	}
	m.factories[typ] = f
	return nil
}

// Build constructs every service of the manifest: parse each binding
// URI, acquire the wrapped handle from the named provider, hand the
// handles to the service factory. A failure releases everything acquired
// so far.
func (m *Manager) Build(ctx context.Context, manifest Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, spec := range manifest.Services {
		typ := spec.Type
		if typ == "" {
			typ = spec.Name
		}
		factory, ok := m.factories[typ]
		if !ok {
			m.closeAllLocked()
			return fmt.Errorf("op=manager.build: %w: unknown service type %q", domain.ErrInvalidArgument, typ)
		}

		handles := map[string]Handle{}
		var owned []Handle
		fail := func(err error) error {
			for _, h := range owned {
				_ = h.Close()
			}
			m.closeAllLocked()
			return err
		}

		for port, uri := range spec.Bindings {
			if m.Expand != nil {
				uri = m.Expand(uri)
			}
			bc, err := ParseBinding(spec.Name, port, uri)
			if err != nil {
				return fail(err)
			}
			provider, ok := m.providers[bc.Resource]
			if !ok {
				return fail(fmt.Errorf("op=manager.build: %w: unknown resource %q bound by %s.%s",
					domain.ErrInvalidArgument, bc.Resource, spec.Name, port))
			}
			h, err := provider.Acquire(ctx, bc)
			if err != nil {
				return fail(fmt.Errorf("op=manager.build: acquire %s for %s.%s: %w", bc.Resource, spec.Name, port, err))
			}
			handles[port] = h
			owned = append(owned, h)
			m.log.Debug("binding acquired",
				slog.String("service", spec.Name),
				slog.String("port", port),
				slog.String("resource", bc.Resource),
				slog.String("usage_type", bc.UsageType))
		}

		svc, err := factory(spec.Name, spec.Params, handles)
		if err != nil {
			return fail(fmt.Errorf("op=manager.build: construct %s: %w", spec.Name, err))
		}
		m.services = append(m.services, managedService{service: svc, handles: owned})
	}
	return nil
}

// StartAll starts services in manifest order. The first failure stops
// and unwinds everything started so far.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ms := range m.services {
		if err := ms.service.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.services[j].service.Stop()
			}
			return fmt.Errorf("op=manager.start: %s: %w", ms.service.Name(), err)
		}
		m.log.Info("service started", slog.String("service", ms.service.Name()))
	}
	return nil
}

// StopAll stops services in reverse order and closes their handles.
// Errors are logged and collected; every service still gets its stop.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for i := len(m.services) - 1; i >= 0; i-- {
		ms := m.services[i]
		if err := ms.service.Stop(); err != nil {
			m.log.Warn("service stop failed",
				slog.String("service", ms.service.Name()),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
		for _, h := range ms.handles {
			if err := h.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("op=manager.stop code=%s: %w", domain.CodeDelegateCloseFailed, err)
			}
		}
	}
	m.services = nil
	return firstErr
}

// Services returns the constructed services in manifest order.
func (m *Manager) Services() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Service, len(m.services))
	for i, ms := range m.services {
		out[i] = ms.service
	}
	return out
}

// Health reports per-provider health from the providers' monitors.
func (m *Manager) Health() map[string]bool {
	out := map[string]bool{}
	for name, p := range m.providers {
		out[name] = p.Monitor().IsHealthy()
	}
	return out
}

func (m *Manager) closeAllLocked() {
	for i := len(m.services) - 1; i >= 0; i-- {
		for _, h := range m.services[i].handles {
			_ = h.Close()
		}
	}
	m.services = nil
}
