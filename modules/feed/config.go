package feed

import (
	"flag"

	"github.com/grafana/dskit/backoff"

	"github.com/grafana/btm/pkg/ingest"
	"github.com/grafana/btm/pkg/util"
)

type Config struct {
	Enabled bool               `yaml:"enabled"`
	Kafka   ingest.KafkaConfig `yaml:"kafka"`

	// PushBackoff paces retries of batches rejected by a full ingester.
	PushBackoff backoff.Config `yaml:"push_backoff"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, util.PrefixConfig(prefix, "enabled"), false, "Consume span events from Kafka.")
	cfg.Kafka.RegisterFlagsWithPrefix(util.PrefixConfig(prefix, "kafka"), f)
	cfg.PushBackoff.RegisterFlagsWithPrefix(util.PrefixConfig(prefix, "push"), f)
}

func (cfg *Config) Validate() error {
	return cfg.Kafka.Validate()
}
