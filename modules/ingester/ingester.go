// Package ingester assembles reported spans into business transactions. Spans
// are buffered per transaction until the transaction goes idle; it is then
// enriched by the configured actions, offered to the correlation engine and
// written to the store.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/user"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/grafana/btm/modules/correlation"
	"github.com/grafana/btm/pkg/flushqueues"
	"github.com/grafana/btm/pkg/model"
)

var tracer = otel.Tracer("modules/ingester")

// ErrReadOnly is returned when the ingester is shutting down and a push was
// attempted.
var ErrReadOnly = errors.New("ingester is shutting down")

var metricFlushQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "btm",
	Name:      "ingester_flush_queue_length",
	Help:      "The total number of tenants pending in the flush queue.",
})

// Processor enriches a completed business transaction.
type Processor interface {
	Process(btxn *model.BusinessTransaction) (int, error)
}

// Correlator receives the producer and consumer endpoints of completed transactions.
type Correlator interface {
	Correlate(ctx context.Context, span correlation.Span) (correlation.Result, error)
}

// Writer persists completed business transactions.
type Writer interface {
	WriteBusinessTransaction(ctx context.Context, btxn *model.BusinessTransaction) error
}

// Ingester builds business transactions out of incoming spans
type Ingester struct {
	services.Service

	cfg    Config
	logger log.Logger

	instancesMtx sync.RWMutex
	instances    map[string]*instance
	readonly     atomic.Bool

	processor  Processor
	correlator Correlator
	writer     Writer

	flushQueues     *flushqueues.ExclusiveQueues
	flushQueuesDone sync.WaitGroup
}

// New makes a new Ingester. processor and correlator may be nil.
func New(cfg Config, processor Processor, correlator Correlator, writer Writer, logger log.Logger) (*Ingester, error) {
	if cfg.ConcurrentFlushes <= 0 {
		return nil, fmt.Errorf("concurrent flushes must be positive, got %d", cfg.ConcurrentFlushes)
	}
	if cfg.FlushCheckPeriod <= 0 {
		return nil, fmt.Errorf("flush check period must be positive, got %s", cfg.FlushCheckPeriod)
	}
	if writer == nil {
		return nil, errors.New("ingester requires a writer")
	}

	i := &Ingester{
		cfg:         cfg,
		logger:      logger,
		instances:   map[string]*instance{},
		processor:   processor,
		correlator:  correlator,
		writer:      writer,
		flushQueues: flushqueues.New(cfg.ConcurrentFlushes, metricFlushQueueLength),
	}

	i.Service = services.NewBasicService(i.starting, i.loop, i.stopping)
	return i, nil
}

func (i *Ingester) starting(_ context.Context) error {
	i.flushQueuesDone.Add(i.cfg.ConcurrentFlushes)
	for j := 0; j < i.cfg.ConcurrentFlushes; j++ {
		go i.flushLoop(j)
	}
	return nil
}

func (i *Ingester) loop(ctx context.Context) error {
	flushTicker := time.NewTicker(i.cfg.FlushCheckPeriod)
	defer flushTicker.Stop()

	for {
		select {
		case <-flushTicker.C:
			i.sweepUsers(false)

		case <-ctx.Done():
			return nil
		}
	}
}

// stopping is run when ingester is asked to stop
func (i *Ingester) stopping(_ error) error {
	// This will prevent us accepting any more spans
	i.readonly.Store(true)

	// cut everything still live and flush it before the queues close
	i.sweepUsers(true)
	for i.pendingFlushes() {
		time.Sleep(10 * time.Millisecond)
		i.sweepUsers(true)
	}

	i.flushQueues.Stop()
	i.flushQueuesDone.Wait()
	return nil
}

// Push appends span events to their live transactions. The tenant comes from
// ctx and overrides the tenant of the events. Invalid events are rejected
// without failing the rest of the batch.
func (i *Ingester) Push(ctx context.Context, events []*model.SpanEvent) error {
	instanceID, err := user.ExtractOrgID(ctx)
	if err != nil {
		return err
	}
	if i.readonly.Load() {
		return ErrReadOnly
	}

	_, span := tracer.Start(ctx, "Ingester.Push")
	span.SetAttributes(attribute.String("tenant", instanceID), attribute.Int("spans", len(events)))
	defer span.End()

	inst := i.getOrCreateInstance(instanceID)

	var errs error
	for _, ev := range events {
		if ev == nil {
			continue
		}
		ev.TenantID = instanceID
		errs = multierr.Append(errs, inst.Push(ev))
	}
	if errs != nil {
		span.RecordError(errs)
	}
	return errs
}

func (i *Ingester) getOrCreateInstance(instanceID string) *instance {
	inst, ok := i.getInstanceByID(instanceID)
	if ok {
		return inst
	}

	i.instancesMtx.Lock()
	defer i.instancesMtx.Unlock()
	inst, ok = i.instances[instanceID]
	if !ok {
		inst = newInstance(instanceID, i.cfg.MaxLiveTransactions, i.cfg.MaxTransactionBytes)
		i.instances[instanceID] = inst
	}
	return inst
}

func (i *Ingester) getInstanceByID(id string) (*instance, bool) {
	i.instancesMtx.RLock()
	defer i.instancesMtx.RUnlock()

	inst, ok := i.instances[id]
	return inst, ok
}

func (i *Ingester) getInstances() []*instance {
	i.instancesMtx.RLock()
	defer i.instancesMtx.RUnlock()

	instances := make([]*instance, 0, len(i.instances))
	for _, inst := range i.instances {
		instances = append(instances, inst)
	}
	return instances
}

// LiveTransactions returns the number of live transactions of a tenant.
func (i *Ingester) LiveTransactions(instanceID string) uint64 {
	inst, ok := i.getInstanceByID(instanceID)
	if !ok {
		return 0
	}
	return inst.liveCount()
}
