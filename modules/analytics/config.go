package analytics

import (
	"errors"
	"flag"
	"time"

	"github.com/grafana/btm/pkg/uripattern"
	"github.com/grafana/btm/pkg/util"
)

// DefaultPercentiles are reported when a query names no percentile points.
var DefaultPercentiles = []float64{50, 90, 95, 99, 99.9}

type Config struct {
	Percentiles         []float64     `yaml:"percentiles"`
	MaxBuckets          int           `yaml:"max_buckets"`
	CompressMinDistinct int           `yaml:"compress_min_distinct"`
	Breaker             BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the store.
type BreakerConfig struct {
	MaxRequests         uint          `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint          `yaml:"consecutive_failures"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Percentiles = append([]float64(nil), DefaultPercentiles...)

	f.IntVar(&cfg.MaxBuckets, util.PrefixConfig(prefix, "max-buckets"), 10_000, "Maximum number of buckets a timeseries query may return.")
	f.IntVar(&cfg.CompressMinDistinct, util.PrefixConfig(prefix, "compress-min-distinct"), uripattern.DefaultMinDistinct, "Distinct literal values a URI segment needs before it is replaced by a wildcard.")

	f.UintVar(&cfg.Breaker.MaxRequests, util.PrefixConfig(prefix, "breaker.max-requests"), 1, "Requests allowed through a half-open breaker.")
	f.DurationVar(&cfg.Breaker.Interval, util.PrefixConfig(prefix, "breaker.interval"), time.Minute, "Period after which a closed breaker clears its failure counts.")
	f.DurationVar(&cfg.Breaker.Timeout, util.PrefixConfig(prefix, "breaker.timeout"), 30*time.Second, "Period an open breaker waits before going half-open.")
	f.UintVar(&cfg.Breaker.ConsecutiveFailures, util.PrefixConfig(prefix, "breaker.consecutive-failures"), 5, "Consecutive store failures that open the breaker.")
}

func (cfg *Config) Validate() error {
	if err := validatePercentiles(cfg.Percentiles); err != nil {
		return err
	}
	if cfg.MaxBuckets <= 0 {
		return errors.New("max buckets must be positive")
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		return errors.New("breaker consecutive failures must be positive")
	}
	return nil
}
