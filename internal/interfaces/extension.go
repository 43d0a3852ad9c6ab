package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"
)

// ExtensionManifest declares an extension's identity and contributions.
// Richer metadata goes under the free-form Metadata map.
type ExtensionManifest struct {
	Name        string            `yaml:"name" validate:"required,lowercase"`
	Version     string            `yaml:"version" validate:"required"`
	APIPrefix   string            `yaml:"api_prefix" validate:"required,startswith=/"`
	SchemaName  string            `yaml:"schema_name" validate:"required,lowercase"`
	Subscribes  []string          `yaml:"subscribes"`
	Publishes   []string          `yaml:"publishes"`
	Pools       []PoolContribution `yaml:"pools"`
	Metadata    map[string]string `yaml:"metadata"`
}

// PoolContribution declares a worker pool an extension brings with it
type PoolContribution struct {
	Name           string        `yaml:"name" validate:"required"`
	ResourceTier   string        `yaml:"resource_tier" validate:"required"`
	MaxConcurrency int           `yaml:"max_concurrency" validate:"min=1"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
}

// UnmarshalYAML accepts job_timeout in Go duration syntax ("30s", "2m")
// since manifests are written by hand.
func (p *PoolContribution) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name           string `yaml:"name"`
		ResourceTier   string `yaml:"resource_tier"`
		MaxConcurrency int    `yaml:"max_concurrency"`
		JobTimeout     string `yaml:"job_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Name = raw.Name
	p.ResourceTier = raw.ResourceTier
	p.MaxConcurrency = raw.MaxConcurrency
	if raw.JobTimeout != "" {
		d, err := time.ParseDuration(raw.JobTimeout)
		if err != nil {
			return fmt.Errorf("invalid job_timeout %q for pool %s: %w", raw.JobTimeout, raw.Name, err)
		}
		p.JobTimeout = d
	}
	return nil
}

// Route is a declarative route table entry, merged by the router under the
// extension's api_prefix at mount time.
type Route struct {
	Method  string
	Path    string // Relative to api_prefix
	Handler http.HandlerFunc
}

// ExtensionHost is the capability set injected into extensions at
// Initialize. The content store handle is restricted to the extension's
// declared schema.
type ExtensionHost interface {
	Events() EventService
	Store() SchemaStore

	// Enqueue places a job on any declared pool
	Enqueue(ctx context.Context, pool string, payload json.RawMessage, priority int) (string, error)

	// DefinePool registers an extension-contributed pool and its handler
	DefinePool(pool PoolContribution, handler StageHandler) error

	// Extension returns another loaded extension's typed surface for
	// mediated cross-schema reads, nil if not loaded.
	Extension(name string) Extension
}

// Extension is a modular analytic unit. Initialize must be idempotent;
// Shutdown is awaited until handlers quiesce.
type Extension interface {
	Manifest() ExtensionManifest
	Initialize(ctx context.Context, host ExtensionHost) error
	Routes() []Route
	Shutdown(ctx context.Context) error
}
