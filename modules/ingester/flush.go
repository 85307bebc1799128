package ingester

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/btm/modules/correlation"
	"github.com/grafana/btm/modules/correlation/store"
	"github.com/grafana/btm/modules/storage"
	"github.com/grafana/btm/pkg/model"
)

var (
	metricTransactionsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "ingester_transactions_flushed_total",
		Help:      "The total number of transactions written to the store",
	})
	metricFailedFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "ingester_failed_flushes_total",
		Help:      "The total number of failed transaction writes",
	})
	metricDroppedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "ingester_dropped_transactions_total",
		Help:      "The total number of transactions dropped after exhausting flush attempts",
	})
	metricRejectedTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "ingester_rejected_transactions_total",
		Help:      "The total number of transactions the store refused permanently",
	}, []string{"reason"})
	metricFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "btm",
		Name:      "ingester_flush_duration_seconds",
		Help:      "Records the amount of time to flush the completed transactions of a tenant.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

const (
	// Backoff for retrying 'immediate' flushes. Only counts for queue
	// position, not wallclock time.
	flushBackoff = 1 * time.Second
)

// Flush cuts and writes every live transaction.
func (i *Ingester) Flush() {
	i.sweepUsers(true)
}

func (i *Ingester) pendingFlushes() bool {
	if !i.flushQueues.IsEmpty() {
		return true
	}
	for _, inst := range i.getInstances() {
		if inst.hasCompleted() {
			return true
		}
	}
	return false
}

// FlushHandler triggers a flush of all live transactions. Mainly used for
// local testing.
func (i *Ingester) FlushHandler(w http.ResponseWriter, _ *http.Request) {
	i.sweepUsers(true)
	w.WriteHeader(http.StatusNoContent)
}

type flushOp struct {
	from   int64
	userID string
}

func (o *flushOp) Key() string {
	return o.userID
}

func (o *flushOp) Priority() int64 {
	return -o.from
}

// sweepUsers periodically cuts idle transactions and schedules tenants with
// completed transactions for flushing
func (i *Ingester) sweepUsers(immediate bool) {
	for _, inst := range i.getInstances() {
		i.sweepInstance(inst, immediate)
	}
}

func (i *Ingester) sweepInstance(inst *instance, immediate bool) {
	if n := inst.CutCompleteTransactions(i.cfg.MaxTransactionIdle, immediate); n > 0 {
		level.Debug(log.With(i.logger, "tenant", inst.instanceID)).Log("msg", "cut complete transactions", "count", n)
	}

	if inst.hasCompleted() {
		i.flushQueues.Enqueue(&flushOp{
			from:   time.Now().UnixNano(),
			userID: inst.instanceID,
		})
	}
}

func (i *Ingester) flushLoop(j int) {
	defer func() {
		level.Debug(i.logger).Log("msg", "Ingester.flushLoop() exited", "queue", j)
		i.flushQueuesDone.Done()
	}()

	for {
		o := i.flushQueues.Dequeue(j)
		if o == nil {
			return
		}
		op := o.(*flushOp)

		err := i.flushUserTransactions(op.userID)
		if err != nil {
			level.Error(log.With(i.logger, "tenant", op.userID)).Log("msg", "failed to flush transactions", "err", err)
			op.from += int64(flushBackoff)
			i.flushQueues.Requeue(op)
			continue
		}
		i.flushQueues.Clear(op)
	}
}

// flushUserTransactions processes and writes the completed transactions of a
// tenant. Transactions that fail to write are kept for the next attempt until
// MaxFlushAttempts is reached.
func (i *Ingester) flushUserTransactions(userID string) error {
	inst, ok := i.getInstanceByID(userID)
	if !ok {
		return nil
	}

	start := time.Now()
	defer func() { metricFlushDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.FlushOpTimeout)
	defer cancel()

	var (
		failed  []*completedTransaction
		lastErr error
	)
	for _, ct := range inst.takeCompleted() {
		if !ct.processed {
			i.process(ctx, ct.btxn)
			ct.processed = true
		}

		err := i.writer.WriteBusinessTransaction(ctx, ct.btxn)
		if err == nil {
			metricTransactionsFlushed.Inc()
			continue
		}

		if reason, ok := permanentFailure(err); ok {
			metricRejectedTransactions.WithLabelValues(reason).Inc()
			level.Warn(log.With(i.logger, "tenant", userID)).Log("msg", "dropping transaction rejected by the store", "id", ct.btxn.ID, "err", err)
			continue
		}

		metricFailedFlushes.Inc()
		ct.attempts++
		if ct.attempts >= i.cfg.MaxFlushAttempts {
			metricDroppedTransactions.Inc()
			level.Error(log.With(i.logger, "tenant", userID)).Log("msg", "dropping transaction after failed writes", "id", ct.btxn.ID, "attempts", ct.attempts, "err", err)
			continue
		}
		failed = append(failed, ct)
		lastErr = err
	}

	inst.requeueCompleted(failed)
	return lastErr
}

// permanentFailure reports whether a write error cannot succeed on retry. A
// span arriving after its transaction was cut yields a second fragment with
// the same id, which the store refuses as a duplicate.
func permanentFailure(err error) (string, bool) {
	switch {
	case errors.Is(err, storage.ErrDuplicateTransaction):
		return "duplicate", true
	case errors.Is(err, storage.ErrEmptyTransaction):
		return "empty", true
	}
	return "", false
}

// process runs the actions and offers the endpoints of btxn for correlation.
// Failures are logged; they never prevent the transaction from being stored.
func (i *Ingester) process(ctx context.Context, btxn *model.BusinessTransaction) {
	logger := log.With(i.logger, "tenant", btxn.TenantID, "id", btxn.ID)

	if i.processor != nil {
		if _, err := i.processor.Process(btxn); err != nil {
			level.Warn(logger).Log("msg", "action pipeline failed", "err", err)
		}
	}

	if i.correlator == nil {
		return
	}
	btxn.Walk(func(n *model.Node) bool {
		side := store.Unknown
		switch n.Type {
		case model.Producer:
			side = store.Producer
		case model.Consumer:
			side = store.Consumer
		}
		if side == store.Unknown || len(n.CorrelationIDs) == 0 {
			return true
		}

		_, err := i.correlator.Correlate(ctx, correlation.Span{
			ID:   btxn.TenantID + "/" + btxn.ID + "/" + n.Details[model.DetailSpanID],
			Side: side,
			Endpoint: store.Endpoint{
				TenantID:            btxn.TenantID,
				BusinessTransaction: btxn.Name,
				TransactionID:       btxn.ID,
				URI:                 n.URI,
				EndpointType:        n.ComponentType,
				HostName:            btxn.HostName,
				Timestamp:           n.Start,
			},
			CorrelationIDs: n.CorrelationIDs,
		})
		if err != nil {
			level.Warn(logger).Log("msg", "correlation failed", "node", n.String(), "err", err)
		}
		return true
	})
}
