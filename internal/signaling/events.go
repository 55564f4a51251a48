package signaling

import "encoding/json"

// Inbound event names.
const (
	EventUserOnline           = "user-online"
	EventUserOffline          = "user-offline"
	EventCallInitiate         = "call-initiate"
	EventCallAnswer           = "call-answer"
	EventCallReject           = "call-reject"
	EventCallCancel           = "call-cancel"
	EventCallEnd              = "call-end"
	EventNegotiationOffer     = "negotiation-offer"
	EventNegotiationAnswer    = "negotiation-answer"
	EventNegotiationCandidate = "negotiation-candidate"
)

// Outbound event names. Negotiation messages are delivered under the same
// names they arrive with.
const (
	EventConnected     = "connected"
	EventUserList      = "user-list"
	EventUserLeft      = "user-left"
	EventUsersUpdated  = "users-updated"
	EventIncomingCall  = "incoming-call"
	EventCallAnswered  = "call-answered"
	EventCallRejected  = "call-rejected"
	EventCallCancelled = "call-cancelled"
	EventCallTimeout   = "call-timeout"
	EventCallEnded     = "call-ended"
)

// Envelope is the frame exchanged on the wire in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads.

type userOnline struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type userOffline struct {
	UserID int64 `json:"userId"`
}

type callInitiate struct {
	CallerID   int64  `json:"callerId"`
	ReceiverID int64  `json:"receiverId"`
	CallerName string `json:"callerName"`
}

type callAnswer struct {
	CallID          string `json:"callId"`
	ReceiverID      int64  `json:"receiverId"`
	CallerSocketRef string `json:"callerSocketRef"`
}

type callReject struct {
	CallID          string `json:"callId"`
	CallerSocketRef string `json:"callerSocketRef"`
}

type callCancel struct {
	CallID     string `json:"callId"`
	ReceiverID int64  `json:"receiverId"`
}

type callEnd struct {
	CallID     string `json:"callId"`
	CallerID   int64  `json:"callerId"`
	ReceiverID int64  `json:"receiverId"`
	Duration   int    `json:"duration"`
}

type negotiation struct {
	To        int64           `json:"to"`
	From      int64           `json:"from"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Outbound payloads.

type Connected struct {
	ConnectionID string `json:"connectionId"`
}

type IncomingCall struct {
	CallID     string `json:"callId"`
	CallerID   int64  `json:"callerId"`
	CallerName string `json:"callerName"`
	ReceiverID int64  `json:"receiverId"`
}

type CallAnswered struct {
	CallID     string `json:"callId"`
	ReceiverID int64  `json:"receiverId"`
}

// CallRef is the payload of call-rejected, call-cancelled and call-timeout.
type CallRef struct {
	CallID string `json:"callId"`
}

type CallEnded struct {
	CallID string `json:"callId"`
	From   int64  `json:"from"`
}

// Negotiation is a relayed offer, answer or candidate. Exactly one of the
// payload fields is set; its content is never inspected.
type Negotiation struct {
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	From      int64           `json:"from"`
}
