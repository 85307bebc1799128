package app

import (
	"flag"
	"fmt"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"

	"github.com/grafana/btm/modules/analytics"
	"github.com/grafana/btm/modules/correlation"
	"github.com/grafana/btm/modules/feed"
	"github.com/grafana/btm/modules/frontend"
	"github.com/grafana/btm/modules/ingester"
	"github.com/grafana/btm/modules/storage"
	"github.com/grafana/btm/pkg/action"
	"github.com/grafana/btm/pkg/model"
	"github.com/grafana/btm/pkg/util"
)

// Config is the root config for App.
type Config struct {
	Target              string `yaml:"target,omitempty"`
	MultitenancyEnabled bool   `yaml:"multitenancy_enabled,omitempty"`
	HTTPAPIPrefix       string `yaml:"http_api_prefix"`

	Server      server.Config      `yaml:"server,omitempty"`
	Storage     storage.Config     `yaml:"storage,omitempty"`
	Correlation correlation.Config `yaml:"correlation,omitempty"`
	Ingester    ingester.Config    `yaml:"ingester,omitempty"`
	Feed        feed.Config        `yaml:"feed,omitempty"`
	Analytics   analytics.Config   `yaml:"analytics,omitempty"`
	Frontend    frontend.Config    `yaml:"frontend,omitempty"`

	Transactions []action.TransactionConfig `yaml:"transactions,omitempty"`
}

func NewDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlagsAndApplyDefaults("", defaultFS)
	return defaultConfig
}

// RegisterFlagsAndApplyDefaults registers flag.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary

	// global settings
	f.StringVar(&c.Target, "target", SingleBinary, "target module")
	f.BoolVar(&c.MultitenancyEnabled, "multitenancy.enabled", false, "Set to true to enable multitenancy.")
	f.StringVar(&c.HTTPAPIPrefix, "http-api-prefix", "", "String prefix for all http api endpoints.")

	// Server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	c.Server.LogFormat = "logfmt"
	f.StringVar(&c.Server.LogFormat, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3200, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9095, "gRPC server listen port.")

	// Everything else
	c.Storage.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "storage"), f)
	c.Correlation.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "correlation"), f)
	c.Ingester.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "ingester"), f)
	c.Feed.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "feed"), f)
	c.Analytics.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "analytics"), f)
	c.Frontend.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "frontend"), f)
}

// CheckConfig checks if config values are suspect and returns a bundled list of warnings and explanation.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Correlation.Wait < c.Ingester.MaxTransactionIdle {
		warnings = append(warnings, warnCorrelationWait)
	}

	if c.Storage.Retention > 0 && c.Storage.Retention < model.DefaultQueryWindow {
		warnings = append(warnings, warnStorageRetention)
	}

	if len(c.Transactions) == 0 {
		warnings = append(warnings, warnNoTransactions)
	}

	if c.Frontend.QueryTimeout == 0 {
		warnings = append(warnings, warnNoQueryTimeout)
	}

	if c.Feed.Enabled && c.Feed.Kafka.AutoCreateTopicEnabled {
		warnings = append(warnings, warnFeedAutoCreateTopic)
	}

	if c.Ingester.MaxLiveTransactions == 0 || c.Ingester.MaxTransactionBytes == 0 {
		warnings = append(warnings, warnUnlimitedIngester)
	}

	if _, issues := action.NewCollection(c.Transactions); len(issues) > 0 {
		warnings = append(warnings, ConfigWarning{
			Message: fmt.Sprintf("transactions configuration has %d issues", len(issues)),
			Explain: "Affected actions are skipped. See /config/issues for details.",
		})
	}

	return warnings
}

// ConfigWarning bundles message and explanation strings in one structure.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnCorrelationWait = ConfigWarning{
		Message: "correlation.wait < ingester.transaction_idle_period",
		Explain: "Producers may be reported unbound before the transaction holding their consumer is flushed",
	}
	warnStorageRetention = ConfigWarning{
		Message: "storage.retention is shorter than the default query window of one hour",
		Explain: "Queries without a start time will only see the retained records",
	}
	warnNoTransactions = ConfigWarning{
		Message: "no business transactions configured",
		Explain: "Completed transactions are only named by their instrumentation",
	}
	warnNoQueryTimeout = ConfigWarning{
		Message: "frontend.query_timeout is 0",
		Explain: "Analytics queries run until the client goes away",
	}
	warnFeedAutoCreateTopic = ConfigWarning{
		Message: "feed.kafka.auto_create_topic_enabled is true",
		Explain: "A misspelled topic is created instead of failing the feed",
	}
	warnUnlimitedIngester = ConfigWarning{
		Message: "ingester live transaction limits are disabled",
		Explain: "A tenant can grow the ingester without bound",
	}
)
