// Package config holds the typed store configuration.
//
// Settings are validated once at construction; loading from environment or
// file rejects unknown keys so typos fail fast instead of silently taking
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentmem/memstore/internal/errs"
)

// TemplateVersion is the current index template version. Bumped together
// with mapping changes; migrations target versions above the one an alias
// currently serves.
const TemplateVersion = 1

// SearchMode selects how search queries are executed.
type SearchMode string

const (
	// ModeAuto resolves per query: hybrid when both text and an embedding
	// source are available, else text, else vector.
	ModeAuto   SearchMode = "auto"
	ModeText   SearchMode = "text"
	ModeVector SearchMode = "vector"
	ModeHybrid SearchMode = "hybrid"
)

func (m SearchMode) valid() bool {
	switch m {
	case ModeAuto, ModeText, ModeVector, ModeHybrid:
		return true
	}
	return false
}

// Settings configures the store. Zero values are filled by Default; callers
// building Settings by hand should start from Default() and override.
type Settings struct {
	// Backend selection. Embedded runs the in-process engine with an
	// optional sqlite journal instead of talking to OpenSearch.
	Hosts       []string `mapstructure:"hosts"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	Embedded    bool     `mapstructure:"embedded"`
	JournalPath string   `mapstructure:"journal_path"`

	// Index topology.
	IndexPrefix string `mapstructure:"index_prefix"`

	// Embedding dimensionality; writes carrying vectors of any other length
	// are rejected.
	Dimension int `mapstructure:"dimension"`

	// Retrieval.
	SearchMode          SearchMode `mapstructure:"search_mode"`
	NumCandidates       int        `mapstructure:"num_candidates"`
	SimilarityThreshold *float64   `mapstructure:"similarity_threshold"`
	RRFRankConstant     int        `mapstructure:"rrf_rank_constant"`

	// TTL.
	TTLDefaultMinutes *float64 `mapstructure:"ttl_default_minutes"`
	TTLRefreshOnRead  bool     `mapstructure:"ttl_refresh_on_read"`
	SweepBatchSize    int      `mapstructure:"sweep_batch_size"`

	// Backend retry policy for throttling/transient errors.
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// Operation logging (op name + duration), mirroring per-call telemetry.
	LogOperations bool `mapstructure:"log_operations"`
}

// Default returns the documented default settings.
func Default() Settings {
	return Settings{
		Hosts:           []string{"http://localhost:9200"},
		IndexPrefix:     "memstore",
		Dimension:       1536,
		SearchMode:      ModeAuto,
		NumCandidates:   200,
		RRFRankConstant: 60,
		SweepBatchSize:  1000,
		MaxRetries:      3,
		RetryBackoff:    250 * time.Millisecond,
		LogOperations:   true,
	}
}

// Load builds Settings from defaults, an optional YAML file, and MEMSTORE_*
// environment variables. Unknown file keys are rejected.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("MEMSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	s := Default()
	v.SetDefault("hosts", s.Hosts)
	v.SetDefault("index_prefix", s.IndexPrefix)
	v.SetDefault("dimension", s.Dimension)
	v.SetDefault("search_mode", string(s.SearchMode))
	v.SetDefault("num_candidates", s.NumCandidates)
	v.SetDefault("rrf_rank_constant", s.RRFRankConstant)
	v.SetDefault("sweep_batch_size", s.SweepBatchSize)
	v.SetDefault("max_retries", s.MaxRetries)
	v.SetDefault("retry_backoff", s.RetryBackoff)
	v.SetDefault("log_operations", s.LogOperations)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var out Settings
	if err := v.UnmarshalExact(&out); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if err := out.Validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// Validate checks the settings once at construction.
func (s *Settings) Validate() error {
	if !s.Embedded && len(s.Hosts) == 0 {
		return fmt.Errorf("%w: at least one host is required", errs.ErrValidation)
	}
	if s.IndexPrefix == "" {
		return fmt.Errorf("%w: index_prefix is required", errs.ErrValidation)
	}
	if strings.ContainsAny(s.IndexPrefix, " *,") {
		return fmt.Errorf("%w: index_prefix %q contains reserved characters", errs.ErrValidation, s.IndexPrefix)
	}
	if s.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", errs.ErrValidation)
	}
	if !s.SearchMode.valid() {
		return fmt.Errorf("%w: unknown search_mode %q", errs.ErrValidation, s.SearchMode)
	}
	if s.NumCandidates <= 0 {
		return fmt.Errorf("%w: num_candidates must be positive", errs.ErrValidation)
	}
	if s.RRFRankConstant <= 0 {
		return fmt.Errorf("%w: rrf_rank_constant must be positive", errs.ErrValidation)
	}
	if s.TTLDefaultMinutes != nil && *s.TTLDefaultMinutes <= 0 {
		return fmt.Errorf("%w: ttl_default_minutes must be positive when set", errs.ErrValidation)
	}
	if s.SweepBatchSize <= 0 {
		return fmt.Errorf("%w: sweep_batch_size must be positive", errs.ErrValidation)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries cannot be negative", errs.ErrValidation)
	}
	return nil
}

// DataAlias is the stable name clients address for item documents.
func (s *Settings) DataAlias() string { return s.IndexPrefix + "-data" }

// PhysicalIndex names the physical data index for a template version.
func (s *Settings) PhysicalIndex(version int) string {
	return fmt.Sprintf("%s-data-v%02d-000001", s.IndexPrefix, version)
}

// IndexPattern is the template's match pattern for data indices.
func (s *Settings) IndexPattern() string { return s.IndexPrefix + "-data-*" }

// TemplateName names the index template for a version.
func (s *Settings) TemplateName(version int) string {
	return fmt.Sprintf("%s-data-template-v%d", s.IndexPrefix, version)
}

// NamespaceIndex is the ledger index holding per-namespace stats.
func (s *Settings) NamespaceIndex() string { return s.IndexPrefix + "-namespace" }
