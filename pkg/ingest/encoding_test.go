package ingest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/btm/pkg/model"
)

func testEvents(n int) []*model.SpanEvent {
	events := make([]*model.SpanEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, &model.SpanEvent{
			TransactionID: "txn",
			SpanID:        fmt.Sprintf("span-%d", i),
			Type:          model.Consumer,
			URI:           fmt.Sprintf("/orders/%d", i),
			Start:         time.UnixMilli(int64(i)).UTC(),
			End:           time.UnixMilli(int64(i + 10)).UTC(),
		})
	}
	return events
}

func TestEncoderDecoder(t *testing.T) {
	tests := []struct {
		name        string
		events      int
		maxSize     int
		wantRecords int
		split       bool
	}{
		{"single record", 10, 1_000_000, 1, false},
		{"split", 10, 400, 0, true},
		{"empty", 0, 1_000, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := testEvents(tt.events)
			records, err := Encode(3, "tenant", events, tt.maxSize)
			require.NoError(t, err)
			if tt.split {
				assert.Greater(t, len(records), 1)
			} else {
				require.Len(t, records, tt.wantRecords)
			}

			var decoded []*model.SpanEvent
			d := NewDecoder()
			for _, r := range records {
				assert.LessOrEqual(t, len(r.Value), tt.maxSize)
				assert.Equal(t, int32(3), r.Partition)

				tenant, evs, err := d.Decode(r)
				require.NoError(t, err)
				assert.Equal(t, "tenant", tenant)
				decoded = append(decoded, evs...)
			}
			if len(events) == 0 {
				assert.Empty(t, decoded)
				return
			}
			assert.Equal(t, events, decoded)
		})
	}
}

func TestEncoderSingleEntryTooLarge(t *testing.T) {
	_, err := Encode(0, "tenant", testEvents(1), 10)
	require.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestDecoderInvalidData(t *testing.T) {
	d := NewDecoder()

	_, _, err := d.Decode(&kgo.Record{Key: []byte("tenant"), Value: []byte("invalid data")})
	assert.Error(t, err)

	_, _, err = d.Decode(&kgo.Record{Value: []byte("[]")})
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestKafkaConfigValidate(t *testing.T) {
	valid := KafkaConfig{Address: "a", Topic: "t", ConsumerGroup: "g", ProducerMaxRecordSizeBytes: 1, MaxPollRecords: 1}
	require.NoError(t, valid.Validate())

	cfg := valid
	cfg.Address = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingKafkaAddress)

	cfg = valid
	cfg.Topic = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingKafkaTopic)

	cfg = valid
	cfg.ConsumerGroup = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingGroup)

	cfg = valid
	cfg.MaxPollRecords = 0
	assert.Error(t, cfg.Validate())
}
