package ingester

import (
	"flag"
	"time"

	"github.com/grafana/btm/pkg/util"
)

// Config for an ingester.
type Config struct {
	ConcurrentFlushes   int           `yaml:"concurrent_flushes"`
	FlushCheckPeriod    time.Duration `yaml:"flush_check_period"`
	FlushOpTimeout      time.Duration `yaml:"flush_op_timeout"`
	MaxTransactionIdle  time.Duration `yaml:"transaction_idle_period"`
	MaxLiveTransactions uint64        `yaml:"max_live_transactions"`
	MaxTransactionBytes uint64        `yaml:"max_transaction_bytes"`
	MaxFlushAttempts    int           `yaml:"max_flush_attempts"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.ConcurrentFlushes = 4
	cfg.FlushOpTimeout = 30 * time.Second
	cfg.MaxFlushAttempts = 3

	f.DurationVar(&cfg.FlushCheckPeriod, util.PrefixConfig(prefix, "flush-check-period"), time.Second, "Period at which idle transactions are cut.")
	f.DurationVar(&cfg.MaxTransactionIdle, util.PrefixConfig(prefix, "transaction-idle-period"), 10*time.Second, "Duration after which a transaction that received no spans is complete.")
	f.Uint64Var(&cfg.MaxLiveTransactions, util.PrefixConfig(prefix, "max-live-transactions"), 100_000, "Maximum number of live transactions per tenant. 0 disables the limit.")
	f.Uint64Var(&cfg.MaxTransactionBytes, util.PrefixConfig(prefix, "max-transaction-bytes"), 5_000_000, "Maximum size of one live transaction. 0 disables the limit.")
}
