package correlation

import (
	"flag"
	"time"

	"github.com/grafana/btm/pkg/util"
)

type Config struct {
	// Wait is how long a pending endpoint waits for its partner before it is reported unbound.
	Wait time.Duration `yaml:"wait"`
	// MaxItems is the number of pending endpoints kept per shard.
	MaxItems int `yaml:"max_items"`
	// Shards is the number of independently locked matching tables.
	Shards int `yaml:"shards"`
	// SweepInterval is how often expired endpoints are evicted.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DedupSize and DedupTTL bound the cache of recently seen span identities.
	DedupSize int           `yaml:"dedup_size"`
	DedupTTL  time.Duration `yaml:"dedup_ttl"`

	// CardinalityWindow is the window of the distinct unbound URI estimate.
	CardinalityWindow time.Duration `yaml:"cardinality_window"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Wait, util.PrefixConfig(prefix, "wait"), 30*time.Second, "How long a pending endpoint waits for its partner before it is reported unbound.")
	f.IntVar(&cfg.MaxItems, util.PrefixConfig(prefix, "max-items"), 10_000, "Maximum number of pending endpoints per shard.")
	f.IntVar(&cfg.Shards, util.PrefixConfig(prefix, "shards"), 16, "Number of matching table shards.")
	f.DurationVar(&cfg.SweepInterval, util.PrefixConfig(prefix, "sweep-interval"), 2*time.Second, "How often expired endpoints are evicted.")
	f.IntVar(&cfg.DedupSize, util.PrefixConfig(prefix, "dedup-size"), 100_000, "Number of recently seen span identities remembered for duplicate detection.")
	f.DurationVar(&cfg.DedupTTL, util.PrefixConfig(prefix, "dedup-ttl"), 5*time.Minute, "How long a span identity is remembered for duplicate detection.")
	f.DurationVar(&cfg.CardinalityWindow, util.PrefixConfig(prefix, "cardinality-window"), 15*time.Minute, "Window of the distinct unbound URI estimate.")
}
