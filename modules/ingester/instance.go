package ingester

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/btm/pkg/livetraces"
	"github.com/grafana/btm/pkg/model"
)

var (
	ErrTooManyTransactions = errors.New("per-tenant live transaction limit exceeded")
	ErrTransactionTooLarge = errors.New("transaction size limit exceeded")
)

var (
	metricLiveTransactions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "btm",
		Name:      "ingester_live_transactions",
		Help:      "The current number of live transactions per tenant.",
	}, []string{"tenant"})
	metricSpansReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "ingester_spans_received_total",
		Help:      "The total number of spans received per tenant.",
	}, []string{"tenant"})
	metricSpansDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "ingester_spans_discarded_total",
		Help:      "The total number of spans discarded per tenant and reason.",
	}, []string{"tenant", "reason"})
	metricTransactionsCut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "ingester_transactions_cut_total",
		Help:      "The total number of transactions completed per tenant.",
	}, []string{"tenant"})
)

const (
	reasonDuplicate     = "duplicate"
	reasonInvalid       = "invalid"
	reasonLiveLimit     = "live_transactions_exceeded"
	reasonTransactionSz = "transaction_too_large"
)

type completedTransaction struct {
	btxn      *model.BusinessTransaction
	processed bool
	attempts  int
}

// instance holds the live and completed transactions of one tenant.
type instance struct {
	instanceID string

	liveMtx sync.Mutex
	live    *livetraces.LiveTraces[*model.SpanEvent]

	completedMtx sync.Mutex
	completed    []*completedTransaction

	maxLive  uint64
	maxBytes uint64
}

func newInstance(instanceID string, maxLive, maxBytes uint64) *instance {
	return &instance{
		instanceID: instanceID,
		live: livetraces.New(
			func(ev *model.SpanEvent) uint64 { return ev.Size() },
			func(ev *model.SpanEvent) string { return ev.SpanID },
		),
		maxLive:  maxLive,
		maxBytes: maxBytes,
	}
}

// Push appends ev to its live transaction.
func (i *instance) Push(ev *model.SpanEvent) error {
	return i.PushWithTimestamp(time.Now(), ev)
}

func (i *instance) PushWithTimestamp(ts time.Time, ev *model.SpanEvent) error {
	metricSpansReceived.WithLabelValues(i.instanceID).Inc()
	if err := ev.Validate(); err != nil {
		metricSpansDiscarded.WithLabelValues(i.instanceID, reasonInvalid).Inc()
		return err
	}

	i.liveMtx.Lock()
	defer i.liveMtx.Unlock()

	if i.maxBytes > 0 {
		if tr, ok := i.live.Get(ev.TransactionID); ok && tr.Size()+ev.Size() > i.maxBytes {
			metricSpansDiscarded.WithLabelValues(i.instanceID, reasonTransactionSz).Inc()
			return fmt.Errorf("%w: transaction %s max size %d", ErrTransactionTooLarge, ev.TransactionID, i.maxBytes)
		}
	}

	switch i.live.PushWithTimestamp(ts, ev.TransactionID, ev, i.maxLive) {
	case livetraces.Duplicate:
		metricSpansDiscarded.WithLabelValues(i.instanceID, reasonDuplicate).Inc()
	case livetraces.TooManyTraces:
		metricSpansDiscarded.WithLabelValues(i.instanceID, reasonLiveLimit).Inc()
		return fmt.Errorf("%w: max %d", ErrTooManyTransactions, i.maxLive)
	}
	metricLiveTransactions.WithLabelValues(i.instanceID).Set(float64(i.live.Len()))
	return nil
}

// CutCompleteTransactions moves transactions idle for longer than cutoff, or
// all of them when immediate, to the completed list.
func (i *instance) CutCompleteTransactions(cutoff time.Duration, immediate bool) int {
	i.liveMtx.Lock()
	cut := i.live.CutIdle(time.Now().Add(-cutoff), immediate)
	metricLiveTransactions.WithLabelValues(i.instanceID).Set(float64(i.live.Len()))
	i.liveMtx.Unlock()

	if len(cut) == 0 {
		return 0
	}

	completed := make([]*completedTransaction, 0, len(cut))
	for _, tr := range cut {
		completed = append(completed, &completedTransaction{btxn: assemble(i.instanceID, tr.ID, tr.Batches)})
	}
	metricTransactionsCut.WithLabelValues(i.instanceID).Add(float64(len(completed)))

	i.completedMtx.Lock()
	i.completed = append(i.completed, completed...)
	i.completedMtx.Unlock()
	return len(completed)
}

func (i *instance) takeCompleted() []*completedTransaction {
	i.completedMtx.Lock()
	defer i.completedMtx.Unlock()

	res := i.completed
	i.completed = nil
	return res
}

func (i *instance) requeueCompleted(txns []*completedTransaction) {
	if len(txns) == 0 {
		return
	}
	i.completedMtx.Lock()
	defer i.completedMtx.Unlock()

	i.completed = append(txns, i.completed...)
}

func (i *instance) hasCompleted() bool {
	i.completedMtx.Lock()
	defer i.completedMtx.Unlock()

	return len(i.completed) > 0
}

func (i *instance) liveCount() uint64 {
	i.liveMtx.Lock()
	defer i.liveMtx.Unlock()

	return i.live.Len()
}
