package ingest

import (
	"embed"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Registry holds the configuration for all data sources.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

// FetchConfig defines HTTP fetching configuration for a source.
type FetchConfig struct {
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"` // Default: 15
	MaxRetries     int     `yaml:"max_retries,omitempty"`     // Default: 0
	RateLimitRPS   float64 `yaml:"rate_limit_rps,omitempty"`  // html_board only, default: 1.0
	UserAgent      string  `yaml:"user_agent,omitempty"`
}

// SourceConfig defines a single social source.
type SourceConfig struct {
	ID       string `yaml:"id"`
	Platform string `yaml:"platform"`
	Strategy string `yaml:"strategy"` // "twitter_v2", "mastodon_tag", "html_board"
	BaseURL  string `yaml:"base_url,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`

	// Enabled defaults to true; Optional sources are skipped when they cannot be built.
	Enabled  *bool `yaml:"enabled,omitempty"`
	Optional bool  `yaml:"optional,omitempty"`

	Language     string   `yaml:"language,omitempty"`      // twitter lang:, mastodon language filter
	GeoOperators bool     `yaml:"geo_operators,omitempty"` // twitter place_country/bounding_box operators
	Tags         []string `yaml:"tags,omitempty"`          // mastodon hashtags; defaults to single-word keywords

	Fetch FetchConfig `yaml:"fetch,omitempty"`

	// For html_board
	Selectors SelectorConfig `yaml:"selectors,omitempty"`
}

type SelectorConfig struct {
	Container string `yaml:"container,omitempty"` // CSS selector for the post wrapper
	Link      string `yaml:"link,omitempty"`
	LinkAttr  string `yaml:"link_attr,omitempty"` // Attribute to extract link from (default: href)
	Title     string `yaml:"title,omitempty"`
	Content   string `yaml:"content,omitempty"`
	Date      string `yaml:"date,omitempty"`
	Author    string `yaml:"author,omitempty"`
}

// IsEnabled reports whether the source should be built at all.
func (c SourceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoadRegistry reads a sources file, falling back to the embedded default when
// path is empty or missing. ${VAR} references are expanded from the environment.
func LoadRegistry(path string) (*Registry, error) {
	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
	}
	if path == "" || os.IsNotExist(err) {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, err
	}

	return ParseRegistry(data)
}

// ParseRegistry expands environment variables and decodes the YAML content.
func ParseRegistry(data []byte) (*Registry, error) {
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, err
	}

	return &reg, nil
}
