package ingest

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/btm/pkg/model"
)

var (
	ErrRecordTooLarge = errors.New("span event larger than the max record size")
	ErrMissingTenant  = errors.New("record has no tenant key")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode splits events into records of at most maxSize bytes. Each record
// value is a JSON array of span events and its key is the tenant.
func Encode(partitionID int32, tenantID string, events []*model.SpanEvent, maxSize int) ([]*kgo.Record, error) {
	var (
		records []*kgo.Record
		buf     bytes.Buffer
		n       int
	)
	flush := func() {
		if n == 0 {
			return
		}
		buf.WriteByte(']')
		records = append(records, &kgo.Record{
			Key:       []byte(tenantID),
			Value:     append([]byte(nil), buf.Bytes()...),
			Partition: partitionID,
		})
		buf.Reset()
		n = 0
	}

	for _, ev := range events {
		if ev == nil {
			continue
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal span event: %w", err)
		}
		// two bytes for the brackets of a single element array
		if len(b)+2 > maxSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(b)+2)
		}
		if n > 0 && buf.Len()+1+len(b)+1 > maxSize {
			flush()
		}
		if n == 0 {
			buf.WriteByte('[')
		} else {
			buf.WriteByte(',')
		}
		buf.Write(b)
		n++
	}
	flush()
	return records, nil
}

// Decoder reads span event batches. Decoded events are owned by the caller,
// the ingester keeps them after the push returns.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode returns the tenant and events of a record.
func (d *Decoder) Decode(rec *kgo.Record) (string, []*model.SpanEvent, error) {
	if len(rec.Key) == 0 {
		return "", nil, ErrMissingTenant
	}
	var events []*model.SpanEvent
	if err := json.Unmarshal(rec.Value, &events); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal span events: %w", err)
	}
	return string(rec.Key), events, nil
}
