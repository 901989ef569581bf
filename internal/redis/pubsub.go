package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"shipmatch/internal/domain"
)

const relayChannelPrefix = "relay:match:"

const (
	relayKindSample = "sample"
	relayKindClosed = "closed"
)

// relayMessage is what travels on a match channel: a sample, or the marker
// that the match's feed has ended.
type relayMessage struct {
	Kind    string                 `json:"kind"`
	MatchID string                 `json:"match_id"`
	Sample  *domain.LocationSample `json:"sample,omitempty"`
}

// LocationPubSub fans location samples and feed closures out to every
// instance through Redis pub/sub, one channel per match.
type LocationPubSub struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLocationPubSub creates a new LocationPubSub.
func NewLocationPubSub(client *redis.Client, logger *slog.Logger) *LocationPubSub {
	return &LocationPubSub{client: client, logger: logger}
}

// Publish sends a sample on the match's channel.
func (p *LocationPubSub) Publish(ctx context.Context, sample domain.LocationSample) error {
	s := sample
	return p.send(ctx, relayMessage{Kind: relayKindSample, MatchID: sample.MatchID, Sample: &s})
}

// PublishClose tells every instance to end its watches on matchID.
func (p *LocationPubSub) PublishClose(ctx context.Context, matchID string) error {
	return p.send(ctx, relayMessage{Kind: relayKindClosed, MatchID: matchID})
}

func (p *LocationPubSub) send(ctx context.Context, msg relayMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, relayChannelPrefix+msg.MatchID, data).Err()
}

// Listen hands every sample published by any instance to onSample, and every
// closure to onClose, until ctx ends.
func (p *LocationPubSub) Listen(ctx context.Context, onSample func(domain.LocationSample), onClose func(matchID string)) error {
	sub := p.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer sub.Close()

	// Wait for confirmation so publishes after Listen returns are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := dispatchRelayMessage(msg.Payload, onSample, onClose); err != nil {
				p.logger.Warn("dropping malformed relay message", "channel", msg.Channel, "error", err)
			}
		}
	}
}

func dispatchRelayMessage(payload string, onSample func(domain.LocationSample), onClose func(matchID string)) error {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return err
	}
	switch msg.Kind {
	case relayKindSample:
		if msg.Sample == nil {
			return fmt.Errorf("sample message for %s has no sample", msg.MatchID)
		}
		onSample(*msg.Sample)
	case relayKindClosed:
		onClose(msg.MatchID)
	default:
		return fmt.Errorf("unknown relay message kind %q", msg.Kind)
	}
	return nil
}
