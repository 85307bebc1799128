package frontend

import (
	"errors"
	"flag"
	"time"

	"github.com/grafana/btm/pkg/util"
)

type Config struct {
	// QueryTimeout bounds each analytics query. 0 disables the timeout.
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
	// LogQueriesLongerThan logs queries slower than this at info. 0 logs every query at debug.
	LogQueriesLongerThan time.Duration `yaml:"log_queries_longer_than"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.QueryTimeout, util.PrefixConfig(prefix, "query-timeout"), 30*time.Second, "Timeout of a single analytics query.")
	f.Int64Var(&cfg.MaxRequestBytes, util.PrefixConfig(prefix, "max-request-bytes"), 10<<20, "Maximum size of a request body.")
	f.DurationVar(&cfg.LogQueriesLongerThan, util.PrefixConfig(prefix, "log-queries-longer-than"), 0, "Log queries that are slower than the specified duration.")
}

func (cfg *Config) Validate() error {
	if cfg.QueryTimeout < 0 {
		return errors.New("query timeout must not be negative")
	}
	if cfg.MaxRequestBytes <= 0 {
		return errors.New("max request bytes must be positive")
	}
	return nil
}
