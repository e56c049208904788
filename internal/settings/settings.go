// Package settings merges runtime configuration from three layers with
// a fixed precedence, lowest to highest: compiled defaults, environment
// variables, and rows in the settings table. Writes go through to the
// store and are announced on the event bus.
package settings

import (
	"os"
	"strconv"
	"sync"

	"github.com/ferro-labs/llm-bridge/internal/events"
	"github.com/ferro-labs/llm-bridge/internal/fault"
	"github.com/ferro-labs/llm-bridge/internal/logging"
	"github.com/ferro-labs/llm-bridge/internal/store"
)

// Recognised setting keys. Unrecognised keys are stored and echoed back
// but never consulted by the router.
const (
	KeyActiveProvider = "active_provider"
	KeyActiveModel    = "active_model"
	KeyServerPort     = "server.port"
	KeyServerHost     = "server.host"
	KeyServerTimeout  = "server.timeout"
	KeyLogLevel       = "logging.level"
	KeyLogRequests    = "logging.logRequests"
	KeyLogResponses   = "logging.logResponses"
	KeyAutoStart      = "system.autoStart"

	KeySessionTimeout = "session.timeoutMs"
	KeySessionCleanup = "session.cleanupMs"
)

// defaults is the lowest-precedence layer.
var defaults = map[string]string{
	KeyActiveProvider: "",
	KeyActiveModel:    "",
	KeyServerPort:     "8282",
	KeyServerHost:     "127.0.0.1",
	KeyServerTimeout:  "120000",
	KeyLogLevel:       "info",
	KeyLogRequests:    "false",
	KeyLogResponses:   "false",
	KeyAutoStart:      "false",
	KeySessionTimeout: "1800000",
	KeySessionCleanup: "300000",
}

// envOverrides maps setting keys to their environment-variable override.
var envOverrides = map[string]string{
	KeyServerPort:     "SERVER_PORT",
	KeyServerHost:     "SERVER_HOST",
	KeyLogLevel:       "LOG_LEVEL",
	KeySessionTimeout: "SESSION_TIMEOUT_MS",
	KeySessionCleanup: "SESSION_CLEANUP_MS",
}

// restartKeys affect bind-time state; changing them takes effect on the
// next boot.
var restartKeys = map[string]bool{
	KeyServerPort: true,
	KeyServerHost: true,
}

func settingType(key string) string {
	switch key {
	case KeyServerPort, KeyServerTimeout, KeySessionTimeout, KeySessionCleanup:
		return store.SettingInt
	case KeyLogRequests, KeyLogResponses, KeyAutoStart:
		return store.SettingBool
	default:
		return store.SettingString
	}
}

// Sync is the merged settings view.
type Sync struct {
	repo *store.SettingRepo
	bus  *events.Bus

	mu     sync.RWMutex
	merged map[string]string
}

// NewSync loads the merged view from defaults, environment, and store.
func NewSync(repo *store.SettingRepo, bus *events.Bus) (*Sync, error) {
	s := &Sync{repo: repo, bus: bus}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sync) reload() error {
	merged := make(map[string]string, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for key, env := range envOverrides {
		if v := os.Getenv(env); v != "" {
			merged[key] = v
		}
	}
	stored, err := s.repo.All()
	if err != nil {
		return err
	}
	for k, row := range stored {
		merged[k] = row.Value
	}

	s.mu.Lock()
	s.merged = merged
	s.mu.Unlock()
	return nil
}

// Get returns the merged value for a key; empty string when unset.
func (s *Sync) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.merged[key]
}

// GetInt returns the merged value decoded as an int.
func (s *Sync) GetInt(key string) (int, error) {
	v := s.Get(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fault.Newf(fault.KindValidation, "setting %s is not an int: %q", key, v)
	}
	return n, nil
}

// GetBool returns the merged value decoded as a bool; false when unset
// or malformed.
func (s *Sync) GetBool(key string) bool {
	v, err := strconv.ParseBool(s.Get(key))
	return err == nil && v
}

// All returns a copy of the merged view.
func (s *Sync) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.merged))
	for k, v := range s.merged {
		out[k] = v
	}
	return out
}

// Update writes a setting through to the store, refreshes the merged
// view, announces the change, and reports whether the key needs a
// restart to take effect.
func (s *Sync) Update(key, value string) (requiresRestart bool, err error) {
	if key == "" {
		return false, fault.New(fault.KindValidation, "setting key is required")
	}
	typ := settingType(key)
	if err := validateValue(key, value, typ); err != nil {
		return false, err
	}
	if err := s.repo.Set(key, value, typ); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.merged[key] = value
	s.mu.Unlock()

	if key == KeyLogLevel {
		logging.SetLevel(value)
	}
	if s.bus != nil {
		s.bus.Publish(events.TopicSettings, map[string]string{"key": key, "value": value})
	}
	return restartKeys[key], nil
}

func validateValue(key, value, typ string) error {
	switch typ {
	case store.SettingInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fault.Newf(fault.KindValidation, "setting %s requires an int, got %q", key, value)
		}
	case store.SettingBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fault.Newf(fault.KindValidation, "setting %s requires a bool, got %q", key, value)
		}
	case store.SettingFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fault.Newf(fault.KindValidation, "setting %s requires a float, got %q", key, value)
		}
	}
	return nil
}
