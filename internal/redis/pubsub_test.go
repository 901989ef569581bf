package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipmatch/internal/domain"
)

// recorder collects what dispatchRelayMessage hands out.
type recorder struct {
	samples []domain.LocationSample
	closed  []string
}

func (r *recorder) onSample(s domain.LocationSample) { r.samples = append(r.samples, s) }
func (r *recorder) onClose(matchID string)           { r.closed = append(r.closed, matchID) }

func encode(t *testing.T, msg relayMessage) string {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return string(data)
}

func TestDispatchRelayMessage_Sample(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := domain.LocationSample{MatchID: "m-1", CarrierID: "carrier-1", Lat: -23.55, Lng: -46.63, RecordedAt: at}

	var r recorder
	err := dispatchRelayMessage(encode(t, relayMessage{Kind: relayKindSample, MatchID: "m-1", Sample: &s}), r.onSample, r.onClose)

	require.NoError(t, err)
	require.Len(t, r.samples, 1)
	assert.Equal(t, "m-1", r.samples[0].MatchID)
	assert.True(t, at.Equal(r.samples[0].RecordedAt))
	assert.Empty(t, r.closed)
}

func TestDispatchRelayMessage_CloseReachesOtherInstances(t *testing.T) {
	t.Parallel()

	var r recorder
	err := dispatchRelayMessage(encode(t, relayMessage{Kind: relayKindClosed, MatchID: "m-1"}), r.onSample, r.onClose)

	require.NoError(t, err)
	assert.Equal(t, []string{"m-1"}, r.closed)
	assert.Empty(t, r.samples)
}

func TestDispatchRelayMessage_Malformed(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "{"},
		{name: "sample kind without sample", payload: `{"kind":"sample","match_id":"m-1"}`},
		{name: "unknown kind", payload: `{"kind":"teleport","match_id":"m-1"}`},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var r recorder
			assert.Error(t, dispatchRelayMessage(tc.payload, r.onSample, r.onClose))
			assert.Empty(t, r.samples)
			assert.Empty(t, r.closed)
		})
	}
}
