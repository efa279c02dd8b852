// Package config holds the engine's static configuration: source trust
// tiers, source categories, the topic vocabulary, and detection thresholds.
// The tables are built once at startup and injected into the engine so the
// heuristics are testable independent of the data.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koala73/worldmonitor-engine/internal/model"
)

// Config is the full engine configuration.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	// CycleInterval is the time between refresh cycles.
	CycleInterval time.Duration `yaml:"cycle_interval"`

	// SourceTiers ranks sources by trustworthiness (1 = best).
	// Sources not listed get DefaultTier.
	SourceTiers map[string]int `yaml:"source_tiers"`

	// SourceCategories maps a source name to its outlet category.
	// Sources not listed are "other".
	SourceCategories map[string]model.SourceCategory `yaml:"source_categories"`

	// Topics is the fixed geopolitical/financial keyword vocabulary used
	// for per-topic velocity extraction.
	Topics []string `yaml:"topics"`

	// PipelineKeywords and DisruptionKeywords are the two independent
	// lists a flow_drop event must match (one from each).
	PipelineKeywords   []string `yaml:"pipeline_keywords"`
	DisruptionKeywords []string `yaml:"disruption_keywords"`

	// EnergySymbols restricts flow_price_divergence to energy commodities.
	EnergySymbols []string `yaml:"energy_symbols"`

	// MarketTopics maps a quote symbol to the vocabulary topics it trades
	// on, for the divergence heuristics. Unknown symbols have no related
	// topics and degrade to zero velocity.
	MarketTopics map[string][]string `yaml:"market_topics"`
}

// DefaultTier is assigned to sources missing from the tier table.
const DefaultTier = 4

// UnmarshalYAML decodes cycle_interval from duration strings ("2m",
// "90s"); the yaml package cannot do that for time.Duration itself.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type alias Config
	aux := struct {
		CycleInterval string `yaml:"cycle_interval"`
		*alias
	}{alias: (*alias)(c)}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	if aux.CycleInterval != "" {
		d, err := time.ParseDuration(aux.CycleInterval)
		if err != nil {
			return fmt.Errorf("parse cycle_interval: %w", err)
		}
		c.CycleInterval = d
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:    ":46124",
		DBPath:        "",
		CycleInterval: 2 * time.Minute,
		SourceTiers: map[string]int{
			"Reuters":         1,
			"AP":              1,
			"AFP":             1,
			"Bloomberg":       1,
			"BBC":             2,
			"Financial Times": 2,
			"Al Jazeera":      2,
			"The Guardian":    2,
			"CNN":             3,
			"CNBC":            3,
			"Politico":        3,
			"The Hill":        3,
		},
		SourceCategories: map[string]model.SourceCategory{
			"Reuters":          model.CategoryWire,
			"AP":               model.CategoryWire,
			"AFP":              model.CategoryWire,
			"State Department": model.CategoryGov,
			"Pentagon":         model.CategoryGov,
			"Treasury":         model.CategoryGov,
			"EU Commission":    model.CategoryGov,
			"ISW":              model.CategoryIntel,
			"Bellingcat":       model.CategoryIntel,
			"Janes":            model.CategoryIntel,
			"BBC":              model.CategoryMainstream,
			"CNN":              model.CategoryMainstream,
			"The Guardian":     model.CategoryMainstream,
			"Al Jazeera":       model.CategoryMainstream,
			"Bloomberg":        model.CategoryMarket,
			"CNBC":             model.CategoryMarket,
			"Financial Times":  model.CategoryMarket,
			"MarketWatch":      model.CategoryMarket,
			"TechCrunch":       model.CategoryTech,
			"Ars Technica":     model.CategoryTech,
			"The Verge":        model.CategoryTech,
		},
		Topics: []string{
			"iran", "russia", "ukraine", "china", "taiwan", "israel",
			"gaza", "north korea", "venezuela", "syria",
			"opec", "oil", "gas", "lng", "pipeline", "tanker",
			"sanctions", "nuclear", "missile", "drone", "ceasefire",
			"fed", "inflation", "tariff", "default", "rates",
		},
		PipelineKeywords: []string{
			"pipeline", "nord stream", "turkstream", "druzhba",
			"gas flow", "lng terminal", "compressor station", "gazprom",
		},
		DisruptionKeywords: []string{
			"halt", "halted", "shut", "shutdown", "rupture", "explosion",
			"blast", "leak", "sabotage", "suspend", "suspended", "cut off",
			"damaged",
		},
		EnergySymbols: []string{"CL=F", "BZ=F", "NG=F", "USO", "BNO", "UNG", "XLE"},
		MarketTopics: map[string][]string{
			"CL=F": {"oil", "opec", "iran", "russia"},
			"BZ=F": {"oil", "opec", "iran", "russia"},
			"NG=F": {"gas", "lng", "pipeline", "russia"},
			"USO":  {"oil", "opec"},
			"BNO":  {"oil", "opec"},
			"UNG":  {"gas", "lng", "pipeline"},
			"XLE":  {"oil", "gas", "opec"},
			"GC=F": {"inflation", "fed"},
			"SPY":  {"fed", "inflation", "rates"},
			"TLT":  {"fed", "rates", "default"},
		},
	}
}

// Load returns the default configuration merged with an optional YAML
// override file. An empty path returns defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.CycleInterval < 10*time.Second {
		return fmt.Errorf("cycle_interval must be at least 10s, got %s", c.CycleInterval)
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("topic vocabulary cannot be empty")
	}
	for src, tier := range c.SourceTiers {
		if tier < 1 || tier > DefaultTier {
			return fmt.Errorf("source %q has invalid tier %d", src, tier)
		}
	}
	for src, cat := range c.SourceCategories {
		switch cat {
		case model.CategoryWire, model.CategoryGov, model.CategoryIntel,
			model.CategoryMainstream, model.CategoryMarket, model.CategoryTech,
			model.CategoryOther:
		default:
			return fmt.Errorf("source %q has unknown category %q", src, cat)
		}
	}
	return nil
}

// TierOf returns the trust tier for a source, defaulting to DefaultTier.
func (c *Config) TierOf(source string) int {
	if t, ok := c.SourceTiers[source]; ok {
		return t
	}
	return DefaultTier
}

// CategoryOf returns the category for a source, defaulting to other.
func (c *Config) CategoryOf(source string) model.SourceCategory {
	if cat, ok := c.SourceCategories[source]; ok {
		return cat
	}
	return model.CategoryOther
}
