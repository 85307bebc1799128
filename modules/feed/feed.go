// Package feed reads span event batches from Kafka and pushes them into the
// ingester under the tenant carried in each record key.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/user"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/btm/modules/ingester"
	"github.com/grafana/btm/pkg/ingest"
	"github.com/grafana/btm/pkg/model"
)

const componentName = "feed"

var (
	metricRecordsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "feed_records_consumed_total",
		Help:      "The total number of Kafka records consumed",
	})
	metricRecordsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "feed_records_failed_total",
		Help:      "The total number of Kafka records that could not be ingested",
	}, []string{"reason"})
	metricSpansPushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "feed_spans_pushed_total",
		Help:      "The total number of span events pushed to the ingester",
	})
)

// Pusher accepts span events for the tenant in ctx.
type Pusher interface {
	Push(ctx context.Context, events []*model.SpanEvent) error
}

type Feed struct {
	services.Service

	cfg    Config
	pusher Pusher
	logger log.Logger
	reg    prometheus.Registerer

	client  *kgo.Client
	adm     *kadm.Client
	decoder *ingest.Decoder
	wg      sync.WaitGroup
}

func New(cfg Config, pusher Pusher, logger log.Logger, reg prometheus.Registerer) (*Feed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feed config: %w", err)
	}
	if pusher == nil {
		return nil, errors.New("feed requires a pusher")
	}

	f := &Feed{
		cfg:     cfg,
		pusher:  pusher,
		logger:  log.With(logger, "component", componentName),
		reg:     reg,
		decoder: ingest.NewDecoder(),
	}
	f.Service = services.NewBasicService(f.starting, f.running, f.stopping)
	return f, nil
}

func (f *Feed) starting(_ context.Context) error {
	client, err := ingest.NewReaderClient(f.cfg.Kafka, ingest.NewReaderClientMetrics(componentName, f.reg), f.logger)
	if err != nil {
		return err
	}
	f.client = client
	f.adm = kadm.NewClient(client)
	return nil
}

func (f *Feed) running(ctx context.Context) error {
	if f.cfg.Kafka.LagInterval > 0 {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			ingest.ExportPartitionLagMetrics(ctx, f.adm, f.logger, f.cfg.Kafka.Topic, f.cfg.Kafka.ConsumerGroup, f.cfg.Kafka.LagInterval)
		}()
	}

	for ctx.Err() == nil {
		fetches := f.client.PollRecords(ctx, f.cfg.Kafka.MaxPollRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := fetches.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			err = collectFetchErrs(fetches)
			if refresh, _ := ingest.HandleKafkaError(err); refresh {
				f.client.ForceMetadataRefresh()
			}
			level.Error(f.logger).Log("msg", "encountered error while fetching", "err", err)
			continue
		}

		f.consumeFetches(ctx, fetches)

		if err := f.client.CommitUncommittedOffsets(ctx); err != nil && !errors.Is(err, context.Canceled) {
			level.Warn(f.logger).Log("msg", "failed to commit offsets", "err", err)
		}
	}
	return nil
}

func (f *Feed) stopping(_ error) error {
	f.wg.Wait()
	if f.client != nil {
		f.client.Close()
	}
	return nil
}

func collectFetchErrs(fetches kgo.Fetches) error {
	mErr := multierror.New()
	fetches.EachError(func(_ string, _ int32, err error) {
		mErr.Add(err)
	})
	return mErr.Err()
}

func (f *Feed) consumeFetches(ctx context.Context, fetches kgo.Fetches) {
	fetches.EachRecord(func(rec *kgo.Record) {
		metricRecordsConsumed.Inc()

		tenant, events, err := f.decoder.Decode(rec)
		if err != nil {
			metricRecordsFailed.WithLabelValues("decode").Inc()
			level.Error(f.logger).Log("msg", "failed to decode record; skipping", "partition", rec.Partition, "offset", rec.Offset, "err", err)
			return
		}

		if err := f.push(user.InjectOrgID(ctx, tenant), events); err != nil {
			metricRecordsFailed.WithLabelValues("push").Inc()
			level.Error(log.With(f.logger, "tenant", tenant)).Log("msg", "failed to push span events", "partition", rec.Partition, "offset", rec.Offset, "err", err)
		}
	})
}

// push retries batches the ingester had no room for. Events accepted by an
// earlier attempt are ignored by the ingester as duplicates.
func (f *Feed) push(ctx context.Context, events []*model.SpanEvent) error {
	retry := backoff.New(ctx, f.cfg.PushBackoff)

	var err error
	for retry.Ongoing() {
		err = f.pusher.Push(ctx, events)
		if err == nil {
			metricSpansPushed.Add(float64(len(events)))
			return nil
		}
		if !errors.Is(err, ingester.ErrTooManyTransactions) {
			return err
		}
		retry.Wait()
	}
	if err == nil {
		err = retry.Err()
	}
	return err
}
