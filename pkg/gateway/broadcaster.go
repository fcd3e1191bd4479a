package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/conductor/pkg/events"
)

// EventBroadcaster pushes bus events to every authenticated peer
type EventBroadcaster struct {
	peers  *ClientRegistry
	logger zerolog.Logger
	seq    uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(peers *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		peers:  peers,
		logger: logger,
	}
}

// Run forwards events from bus until ctx is done or the bus closes
func (b *EventBroadcaster) Run(ctx context.Context, bus *events.Bus, buffer int) {
	ch, cancel := bus.Subscribe(buffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b.Forward(evt)
		}
	}
}

// Forward sends one bus event
func (b *EventBroadcaster) Forward(evt events.Event) {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	b.broadcastMessage(EventMessage{
		Type:      "event",
		Event:     string(evt.Type),
		Data:      evt,
		Timestamp: ts.UnixMilli(),
		Seq:       b.nextSeq(),
	})
}

// Broadcast sends a gateway-level event such as server.shutdown
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.broadcastMessage(EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
	})
}

func (b *EventBroadcaster) broadcastMessage(msg EventMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	peers := b.peers.GetAuthenticated()
	if len(peers) == 0 {
		return
	}

	failed := 0
	for _, peer := range peers {
		if err := peer.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", peer.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("success", len(peers)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
