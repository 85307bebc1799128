package storage

import (
	"flag"
	"time"

	"github.com/grafana/btm/pkg/util"
)

// Config is the storage configuration.
type Config struct {
	Retention                time.Duration `yaml:"retention"`
	RetentionInterval        time.Duration `yaml:"retention_interval"`
	MaxTransactionsPerTenant int           `yaml:"max_transactions_per_tenant"`
}

const (
	DefaultRetention         = 24 * time.Hour
	DefaultRetentionInterval = time.Minute
)

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.Retention, util.PrefixConfig(prefix, "retention"), DefaultRetention, "How long records are kept. 0 keeps them forever.")
	f.DurationVar(&cfg.RetentionInterval, util.PrefixConfig(prefix, "retention-interval"), DefaultRetentionInterval, "Period at which expired records are removed.")
	f.IntVar(&cfg.MaxTransactionsPerTenant, util.PrefixConfig(prefix, "max-transactions-per-tenant"), 1_000_000, "Maximum number of business transactions kept per tenant. 0 disables the limit.")
}
