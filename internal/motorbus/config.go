package motorbus

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/robstride-dev/robstride-go/internal/canframe"
)

// MotorEntry names one motor on the bus: its CAN id and actuator variant.
type MotorEntry struct {
	ID   uint8              `yaml:"id" json:"id"`
	Type canframe.MotorType `yaml:"type" json:"type"`
}

// Config holds everything needed to open a bus and start a Supervisor.
type Config struct {
	mu sync.RWMutex

	PortPath string       `yaml:"port_path" json:"portPath"`
	BaudRate int          `yaml:"baud_rate" json:"baudRate"`
	Motors   []MotorEntry `yaml:"motors" json:"motors"`
	Verbose  bool         `yaml:"verbose" json:"verbose"`
	Retries  int          `yaml:"retries" json:"retries"`

	MinUpdateRateHz    float64 `yaml:"min_update_rate_hz" json:"minUpdateRateHz"`
	TargetUpdateRateHz float64 `yaml:"target_update_rate_hz" json:"targetUpdateRateHz"`

	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	path string
}

// TelemetryConfig controls the optional websocket observability server.
type TelemetryConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		PortPath:           "/dev/ttyUSB0",
		BaudRate:           921600,
		Motors:             nil,
		Verbose:            false,
		Retries:            0,
		MinUpdateRateHz:    10,
		TargetUpdateRateHz: 100,
		Telemetry: TelemetryConfig{
			Enabled:    false,
			ListenAddr: ":8090",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[motorbus] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[motorbus] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[motorbus] loaded config from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	if err := cfg.ValidateMotors(); err != nil {
		log.Printf("[motorbus] config %s: %v", path, err)
	}
	return cfg
}

// ValidateMotors checks every configured motor entry against the known
// MotorType table and flags duplicate CAN ids, returning a single error
// wrapping ErrInvalidInput listing every problem found. LoadConfig logs
// this rather than failing outright, since a bad entry for one motor
// should not keep the rest of the bus from starting.
func (c *Config) ValidateMotors() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	seen := make(map[uint8]bool, len(c.Motors))
	for _, entry := range c.Motors {
		if _, ok := canframe.Configs[entry.Type]; !ok {
			problems = append(problems, fmt.Sprintf("motor id %d: unrecognized motor type %v", entry.ID, entry.Type))
		}
		if seen[entry.ID] {
			problems = append(problems, fmt.Sprintf("motor id %d: duplicate entry", entry.ID))
		}
		seen[entry.ID] = true
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[motorbus] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: MOTORBUS_PORT, MOTORBUS_BAUD, MOTORBUS_VERBOSE,
// MOTORBUS_RETRIES, MOTORBUS_MIN_RATE_HZ, MOTORBUS_TARGET_RATE_HZ,
// MOTORBUS_TELEMETRY_ADDR.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MOTORBUS_PORT"); v != "" {
		c.PortPath = v
	}
	if v := os.Getenv("MOTORBUS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BaudRate = n
		}
	}
	if v := os.Getenv("MOTORBUS_VERBOSE"); v != "" {
		c.Verbose = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("MOTORBUS_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retries = n
		}
	}
	if v := os.Getenv("MOTORBUS_MIN_RATE_HZ"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.MinUpdateRateHz = n
		}
	}
	if v := os.Getenv("MOTORBUS_TARGET_RATE_HZ"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.TargetUpdateRateHz = n
		}
	}
	if v := os.Getenv("MOTORBUS_TELEMETRY_ADDR"); v != "" {
		c.Telemetry.ListenAddr = v
		c.Telemetry.Enabled = true
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/robstride/config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes the config for the telemetry API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON update by deep-merging incoming
// fields into the existing config. Fields absent from data are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps merge field by
// field; everything else is a plain overwrite.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
