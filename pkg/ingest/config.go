package ingest

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/grafana/btm/pkg/util"
)

var (
	ErrMissingKafkaAddress = errors.New("the Kafka address has not been configured")
	ErrMissingKafkaTopic   = errors.New("the Kafka topic has not been configured")
	ErrMissingGroup        = errors.New("the Kafka consumer group has not been configured")
)

// KafkaConfig holds the generic config for the Kafka backend.
type KafkaConfig struct {
	Address       string        `yaml:"address"`
	Topic         string        `yaml:"topic"`
	ClientID      string        `yaml:"client_id"`
	ConsumerGroup string        `yaml:"consumer_group"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`

	AutoCreateTopicEnabled bool `yaml:"auto_create_topic_enabled"`

	// ProducerMaxRecordSizeBytes bounds the encoded size of one span event batch.
	ProducerMaxRecordSizeBytes int `yaml:"producer_max_record_size_bytes"`
	// MaxPollRecords is the number of records fetched per poll.
	MaxPollRecords int `yaml:"max_poll_records"`

	// LagInterval is how often consumer group lag is exported, 0 disables it.
	LagInterval time.Duration `yaml:"lag_interval"`
}

func (cfg *KafkaConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, util.PrefixConfig(prefix, "address"), "localhost:9092", "The Kafka backend address.")
	f.StringVar(&cfg.Topic, util.PrefixConfig(prefix, "topic"), "btm-spans", "The Kafka topic carrying span event batches.")
	f.StringVar(&cfg.ClientID, util.PrefixConfig(prefix, "client-id"), "btm", "The Kafka client ID.")
	f.StringVar(&cfg.ConsumerGroup, util.PrefixConfig(prefix, "consumer-group"), "btm-feed", "The consumer group used to read span event batches.")
	f.DurationVar(&cfg.DialTimeout, util.PrefixConfig(prefix, "dial-timeout"), 2*time.Second, "The maximum time allowed to open a connection to a Kafka broker.")
	f.DurationVar(&cfg.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), 10*time.Second, "How long to wait for an incoming write request to be successfully committed to the Kafka backend.")
	f.BoolVar(&cfg.AutoCreateTopicEnabled, util.PrefixConfig(prefix, "auto-create-topic-enabled"), true, "Enable auto-creation of the Kafka topic if it doesn't exist.")
	f.IntVar(&cfg.ProducerMaxRecordSizeBytes, util.PrefixConfig(prefix, "producer-max-record-size-bytes"), 1_000_000, "Maximum size of a Kafka record written by the producer.")
	f.IntVar(&cfg.MaxPollRecords, util.PrefixConfig(prefix, "max-poll-records"), 1000, "Maximum number of records fetched per poll.")
	f.DurationVar(&cfg.LagInterval, util.PrefixConfig(prefix, "lag-interval"), 15*time.Second, "How often the consumer group lag is exported. 0 disables it.")
}

func (cfg *KafkaConfig) Validate() error {
	if cfg.Address == "" {
		return ErrMissingKafkaAddress
	}
	if cfg.Topic == "" {
		return ErrMissingKafkaTopic
	}
	if cfg.ConsumerGroup == "" {
		return ErrMissingGroup
	}
	if cfg.ProducerMaxRecordSizeBytes <= 0 {
		return fmt.Errorf("producer max record size must be positive, got %d", cfg.ProducerMaxRecordSizeBytes)
	}
	if cfg.MaxPollRecords <= 0 {
		return fmt.Errorf("max poll records must be positive, got %d", cfg.MaxPollRecords)
	}
	return nil
}
