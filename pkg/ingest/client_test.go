package ingest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
)

func TestHandleKafkaError(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		expectedRefresh   bool
		expectedRetriable bool
	}{
		{"nil", nil, false, false},
		{"plain", errors.New("connection reset"), false, false},
		{"not leader", kerr.NotLeaderForPartition, true, true},
		{"wrapped not leader", fmt.Errorf("fetch: %w", kerr.NotLeaderForPartition), true, true},
		{"leader epoch", kerr.UnknownLeaderEpoch, true, true},
		{"broker gone", kerr.BrokerNotAvailable, true, true},
		{"unknown topic", kerr.UnknownTopicOrPartition, true, true},
		{"coordinator moved", kerr.NotCoordinator, true, true},
		{"auth", kerr.SaslAuthenticationFailed, false, false},
		{"record too large", kerr.MessageTooLarge, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			refreshMetadata, retriable := HandleKafkaError(tc.err)
			require.Equal(t, tc.expectedRefresh, refreshMetadata)
			require.Equal(t, tc.expectedRetriable, retriable)
		})
	}
}
