package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

const (
	labelGroup     = "group"
	labelPartition = "partition"
)

var metricPartitionLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "btm",
	Subsystem: "ingest",
	Name:      "group_partition_lag",
	Help:      "Lag of a partition.",
}, []string{labelGroup, labelPartition})

// ExportPartitionLagMetrics periodically queries Kafka for the lag of the
// group on every partition of topic until ctx is done.
func ExportPartitionLagMetrics(ctx context.Context, admClient *kadm.Client, logger log.Logger, topic, group string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lag, err := getGroupLag(ctx, admClient, topic, group)
			if err != nil {
				level.Error(logger).Log("msg", "metric lag failed", "err", err)
				continue
			}
			for p, l := range lag[topic] {
				metricPartitionLag.WithLabelValues(group, strconv.Itoa(int(p))).Set(float64(l.Lag))
			}
		case <-ctx.Done():
			return
		}
	}
}

// getGroupLag is similar to `kadm.Client.Lag` but works when the group doesn't have live participants.
// A partition the group never committed to lags by everything produced since the start offset.
func getGroupLag(ctx context.Context, admClient *kadm.Client, topic, group string) (kadm.GroupLag, error) {
	offsets, err := admClient.FetchOffsets(ctx, group)
	if err != nil {
		if !errors.Is(err, kerr.GroupIDNotFound) {
			return nil, fmt.Errorf("fetch offsets: %w", err)
		}
	}
	if err := offsets.Error(); err != nil {
		return nil, fmt.Errorf("fetch offsets got error in response: %w", err)
	}

	startOffsets, err := admClient.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	endOffsets, err := admClient.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}

	descrGroup := kadm.DescribedGroup{
		// lag is computed from commits only, as if no member were active
		State: "Empty",
	}
	return kadm.CalculateGroupLagWithStartOffsets(descrGroup, offsets, startOffsets, endOffsets), nil
}
