package signaling

import (
	"encoding/json"
	"log/slog"

	"videocall-platform/internal/metrics"
	"videocall-platform/internal/presence"
)

// Kind is the type of a negotiation message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

func (k Kind) event() string {
	return "negotiation-" + string(k)
}

// Relay delivers negotiation payloads to the live connection of one user.
// Delivery is at most once: an offline destination drops the message and the
// sender is not told.
type Relay struct {
	presence *presence.Registry
	hub      *Hub
	log      *slog.Logger
}

func NewRelay(reg *presence.Registry, hub *Hub, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{presence: reg, hub: hub, log: log}
}

// Forward sends payload to destUserID tagged with senderUserID. It reports
// whether the frame was handed to the destination connection.
func (r *Relay) Forward(destUserID int64, kind Kind, payload json.RawMessage, senderUserID int64) bool {
	msg := Negotiation{From: senderUserID}
	switch kind {
	case KindOffer:
		msg.Offer = payload
	case KindAnswer:
		msg.Answer = payload
	case KindCandidate:
		msg.Candidate = payload
	default:
		metrics.RelayedMessages.WithLabelValues(string(kind), "unknown_kind").Inc()
		return false
	}

	entry, ok := r.presence.FindByUserID(destUserID)
	if !ok {
		metrics.RelayedMessages.WithLabelValues(string(kind), "offline").Inc()
		r.log.Debug("relay: destination offline", "kind", kind, "to", destUserID, "from", senderUserID)
		return false
	}
	conn, ok := r.hub.Get(entry.ConnID)
	if !ok {
		metrics.RelayedMessages.WithLabelValues(string(kind), "offline").Inc()
		return false
	}
	if err := conn.Send(kind.event(), msg); err != nil {
		metrics.SendFailures.Inc()
		metrics.RelayedMessages.WithLabelValues(string(kind), "send_failed").Inc()
		r.log.Warn("relay: send failed", "kind", kind, "to", destUserID, "err", err)
		return false
	}
	metrics.RelayedMessages.WithLabelValues(string(kind), "delivered").Inc()
	return true
}
