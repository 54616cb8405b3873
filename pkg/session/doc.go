// Package session implements the session core of a SIP (RFC 3261) user
// agent: the INVITE dialog state machine that establishes, maintains and
// tears down a media session negotiated via SDP offer/answer over an
// abstract peer connection.
//
// The core is split into five cooperating parts, in dependency order
// (leaves first): the Timer Manager (timers.go), the Media Negotiation
// Queue (queue.go), the Dialog Registry (dialog.go, registry.go), the
// Session state machine (session*.go), and the Event Bus (events.go),
// which is cross-cutting.
//
// Everything below the session boundary — SIP transport, message parsing,
// the media engine itself — is a collaborator consumed through an
// interface (PeerConnection) or through github.com/emiago/sipgo; this
// package owns none of it.
package session
