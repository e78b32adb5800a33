// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
)

// Manager handles loading and accessing application configuration.
//
// Each Load builds a fresh koanf instance so that reloads (config file
// watcher) start from the defaults again instead of merging over stale keys.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex // To protect currentConfig during runtime updates
}

// NewManager creates a new Manager with defaults loaded.
func NewManager() *Manager {
	m := &Manager{koanfInstance: koanf.New(".")}
	m.currentConfig = DefaultConfig()
	return m
}

// Load loads configuration from the given sources in priority order (lowest
// first) and replaces the manager's current configuration. The merged result
// is validated before it becomes visible; on error the previous configuration
// stays in effect.
func (m *Manager) Load(sources ...ConfigSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make([]ConfigSource, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})

	k := koanf.New(".")
	for _, src := range ordered {
		if err := src.Load(k); err != nil {
			return fmt.Errorf("config source %s: %w", src.Name(), err)
		}
	}

	// Unmarshal the final merged configuration into a candidate config.
	var newCfg Config
	if err := k.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling final config: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return err
	}

	m.koanfInstance = k
	m.currentConfig = newCfg
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfgCopy := m.currentConfig
	return cfgCopy
}

// Raw returns the merged configuration as a nested map keyed by the koanf
// key names, suitable for re-serialization.
func (m *Manager) Raw() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance.Raw()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s violates %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return fmt.Errorf("invalid configuration: %w", err)
}
