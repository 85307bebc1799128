package testkafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/btm/pkg/model"
)

// NewCluster starts an in-process Kafka cluster seeded with topic and
// returns its address.
func NewCluster(t testing.TB, topic string, partitions int32) string {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(partitions, topic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	return cluster.ListenAddrs()[0]
}

func NewKafkaClient(t testing.TB, address, topic string) *kgo.Client {
	writeClient, err := kgo.NewClient(
		kgo.SeedBrokers(address),
		kgo.AllowAutoTopicCreation(),
		kgo.DefaultProduceTopic(topic),
		// We will choose the Partition of each record.
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.DisableClientMetrics(),
	)
	require.NoError(t, err)
	t.Cleanup(writeClient.Close)

	return writeClient
}

type encodingFn func(partitionID int32, tenantID string, events []*model.SpanEvent, maxSize int) ([]*kgo.Record, error)

// SendEvents encodes events for tenantID and produces them to partition 0.
func SendEvents(ctx context.Context, t testing.TB, client *kgo.Client, encode encodingFn, tenantID string, events []*model.SpanEvent) []*kgo.Record {
	records, err := encode(0, tenantID, events, 1_000_000)
	require.NoError(t, err)

	res := client.ProduceSync(ctx, records...)
	require.NoError(t, res.FirstErr())

	return records
}
