// Package config loads endpoints definition from yaml file.
// Endpoint is a named command which can be started via api or by cron schedule.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/invopop/jsonschema"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/umputun/soloq/app/conditions"
)

const (
	// repeater validation limits
	minAttempts = 1
	maxAttempts = 100
	minFactor   = 1.0
	maxFactor   = 10.0
	minDuration = time.Millisecond
	maxDuration = time.Hour
)

var (
	// ErrNoEndpoints returned if config has no endpoints
	ErrNoEndpoints = errors.New("at least one endpoint is required")
	// ErrUnknownEndpoint returned for endpoint name not in config
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrDirMissing returned if endpoint's working directory doesn't exist
	ErrDirMissing = errors.New("endpoint directory missing")
)

var reName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Config is the top level of endpoints file
type Config struct {
	Endpoints []Endpoint `yaml:"endpoints" json:"endpoints" jsonschema:"required,minItems=1,description=list of endpoints"`
}

// Endpoint defines a command started as a queued job
type Endpoint struct {
	Name        string             `yaml:"name" json:"name" jsonschema:"required,pattern=^[a-zA-Z0-9._-]+$,description=unique endpoint name"`
	Command     string             `yaml:"command" json:"command" jsonschema:"required,description=shell command"`
	Dir         string             `yaml:"dir,omitempty" json:"dir,omitempty" jsonschema:"description=working directory, must exist when the job is started"`
	Env         []string           `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"description=extra environment variables as KEY=VALUE"`
	MaxLogLines int                `yaml:"max_log_lines,omitempty" json:"max_log_lines,omitempty" jsonschema:"minimum=0,description=output lines added to the failure reason"`
	Schedule    string             `yaml:"schedule,omitempty" json:"schedule,omitempty" jsonschema:"description=cron spec to enqueue the endpoint periodically"`
	Repeater    *RepeaterConfig    `yaml:"repeater,omitempty" json:"repeater,omitempty" jsonschema:"description=retries of the failed command inside the job"`
	Conditions  *conditions.Config `yaml:"conditions,omitempty" json:"conditions,omitempty" jsonschema:"description=system conditions required to start the command"`
}

// RepeaterConfig overrides default repeater settings, nil field means default
type RepeaterConfig struct {
	Attempts *int           `yaml:"attempts,omitempty" json:"attempts,omitempty" jsonschema:"minimum=1,maximum=100"`
	Duration *time.Duration `yaml:"duration,omitempty" json:"duration,omitempty" jsonschema:"type=string,description=initial delay like 1s"`
	Factor   *float64       `yaml:"factor,omitempty" json:"factor,omitempty" jsonschema:"minimum=1,maximum=10"`
	Jitter   *bool          `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// Load reads and validates endpoints file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from cli
	if err != nil {
		return nil, fmt.Errorf("can't read endpoints file %s: %w", path, err)
	}
	res, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoints file %s: %w", path, err)
	}
	return res, nil
}

// Parse decodes yaml, unknown fields rejected, and validates the result
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	res := &Config{}
	if err := dec.Decode(res); err != nil {
		return nil, fmt.Errorf("can't parse yaml: %w", err)
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// Validate checks all endpoints
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	names := map[string]bool{}
	for i, ep := range c.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoint %d: %w", i+1, err)
		}
		if names[ep.Name] {
			return fmt.Errorf("endpoint %d: duplicate name %q", i+1, ep.Name)
		}
		names[ep.Name] = true
	}
	return nil
}

// Endpoint returns endpoint by name
func (c *Config) Endpoint(name string) (Endpoint, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Validate checks endpoint fields
func (e Endpoint) Validate() error {
	if !reName.MatchString(e.Name) {
		return fmt.Errorf("invalid name %q, allowed letters, digits, dot, dash and underscore", e.Name)
	}
	if strings.TrimSpace(e.Command) == "" {
		return fmt.Errorf("%s: command is required", e.Name)
	}
	if e.MaxLogLines < 0 {
		return fmt.Errorf("%s: max_log_lines can't be negative", e.Name)
	}
	for _, env := range e.Env {
		if k, _, ok := strings.Cut(env, "="); !ok || k == "" {
			return fmt.Errorf("%s: invalid env %q, expected KEY=VALUE", e.Name, env)
		}
	}
	if e.Schedule != "" {
		if _, err := cron.ParseStandard(e.Schedule); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", e.Name, e.Schedule, err)
		}
	}
	if e.Repeater != nil {
		if err := e.Repeater.Validate(); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
	}
	if e.Conditions != nil {
		if err := e.Conditions.Validate(); err != nil {
			return fmt.Errorf("%s: conditions: %w", e.Name, err)
		}
	}
	return nil
}

// CheckDir verifies working directory exists, empty dir is fine
func (e Endpoint) CheckDir() error {
	if e.Dir == "" {
		return nil
	}
	st, err := os.Stat(e.Dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDirMissing, e.Dir, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirMissing, e.Dir)
	}
	return nil
}

// Validate checks repeater limits
func (r RepeaterConfig) Validate() error {
	if r.Attempts != nil && (*r.Attempts < minAttempts || *r.Attempts > maxAttempts) {
		return fmt.Errorf("repeater.attempts must be between %d and %d", minAttempts, maxAttempts)
	}
	if r.Duration != nil {
		if *r.Duration < minDuration {
			return fmt.Errorf("repeater.duration must be at least %v", minDuration)
		}
		if *r.Duration > maxDuration {
			return fmt.Errorf("repeater.duration must not exceed %v", maxDuration)
		}
	}
	if r.Factor != nil && (*r.Factor < minFactor || *r.Factor > maxFactor) {
		return fmt.Errorf("repeater.factor must be between %.1f and %.1f", minFactor, maxFactor)
	}
	return nil
}

// GenerateSchema makes JSON schema of the endpoints file
func GenerateSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{FieldNameTag: "yaml", ExpandedStruct: true}
	res := r.Reflect(&Config{})
	res.Title = "soloq endpoints"
	res.Description = "Schema for soloq endpoints yaml file"
	return res
}

// Endpoints keeps the current config, safe for concurrent use. Config can be replaced on reload.
type Endpoints struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewEndpoints makes Endpoints with initial config
func NewEndpoints(cfg *Config) *Endpoints {
	return &Endpoints{cfg: cfg}
}

// Get returns endpoint by name, ErrUnknownEndpoint if not found
func (e *Endpoints) Get(name string) (Endpoint, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.cfg.Endpoint(name)
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return ep, nil
}

// List returns all endpoints
func (e *Endpoints) List() []Endpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Endpoint(nil), e.cfg.Endpoints...)
}

// Replace sets new config
func (e *Endpoints) Replace(cfg *Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Changes watches endpoints file modification time and sends newly loaded config on each change.
// Invalid file is logged and skipped, the previous config stays. Channel closed on ctx done.
func Changes(ctx context.Context, path string, interval time.Duration) (<-chan *Config, error) {
	mtime := func() (time.Time, error) {
		st, err := os.Stat(path)
		if err != nil {
			return time.Time{}, fmt.Errorf("can't stat endpoints file %s: %w", path, err)
		}
		return st.ModTime(), nil
	}

	lastMtime, err := mtime()
	if err != nil {
		return nil, err
	}

	ch := make(chan *Config)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m, err := mtime()
				if err != nil {
					log.Printf("[WARN] %v", err)
					continue
				}
				if m.Equal(lastMtime) {
					continue
				}
				lastMtime = m
				cfg, err := Load(path)
				if err != nil {
					log.Printf("[WARN] endpoints not reloaded, %v", err)
					continue
				}
				log.Printf("[INFO] endpoints file %s changed, %d endpoints", path, len(cfg.Endpoints))
				select {
				case ch <- cfg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
