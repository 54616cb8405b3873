package session

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// HeaderBuilder assembles the ambient and session-specific headers a
// Session attaches to outgoing requests/responses, grounded on the
// teacher's headers.go HeaderProcessor and opts.go functional-option style.
type HeaderBuilder struct {
	userAgent string
}

func NewHeaderBuilder(userAgent string) *HeaderBuilder {
	return &HeaderBuilder{userAgent: userAgent}
}

// ApplyContact sets the Contact header on req/res to contactURI.
func ApplyContact(msg sip.Message, contactURI string) {
	msg.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<%s>", contactURI)))
}

// ApplySessionExpiresRequest adds Session-Expires and Min-SE to an outgoing
// INVITE per RFC 4028 (§6 "Outgoing INVITE carries... optional
// Session-Expires").
func ApplySessionExpiresRequest(req *sip.Request, expiresSeconds int, minSESeconds int, refresher string) {
	req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d;refresher=%s", expiresSeconds, refresher)))
	req.AppendHeader(sip.NewHeader("Min-SE", fmt.Sprintf("%d", minSESeconds)))
}

// ApplySessionExpiresResponse adds a negotiated Session-Expires to a 200
// response (§4.4: "Add Session-Expires header to the 200 response").
func ApplySessionExpiresResponse(res *sip.Response, expiresSeconds int, refresher string) {
	res.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d;refresher=%s", expiresSeconds, refresher)))
}

// ApplyReason sets a Reason header per RFC 3326, used by terminate()'s
// optional cancel/BYE reason (§4.1).
func ApplyReason(msg sip.Message, protocol string, cause int, text string) {
	if protocol == "" {
		protocol = "SIP"
	}
	value := fmt.Sprintf("%s ;cause=%d", protocol, cause)
	if text != "" {
		value += fmt.Sprintf(" ;text=%q", text)
	}
	msg.AppendHeader(sip.NewHeader("Reason", value))
}

// ApplyAnonymousIdentity rewrites an outgoing INVITE's From for anonymous
// calling and attaches the real identity via P-Preferred-Identity and
// Privacy: id, per RFC 3323/3325 (§3 *anonymous*, §6.1 supplement).
func ApplyAnonymousIdentity(req *sip.Request, realFrom string) {
	req.ReplaceHeader(sip.NewHeader("From", `"Anonymous" <sip:anonymous@anonymous.invalid>`))
	req.AppendHeader(sip.NewHeader("P-Preferred-Identity", realFrom))
	req.AppendHeader(sip.NewHeader("Privacy", "id"))
}

// ApplyUserAgent sets the User-Agent header, matching headers.go's
// applyUserAgent.
func (h *HeaderBuilder) ApplyUserAgent(msg sip.Message) {
	if h.userAgent == "" {
		return
	}
	msg.AppendHeader(sip.NewHeader("User-Agent", h.userAgent))
}

// sdpContentHeaders attaches Content-Type/Content-Length for an SDP body,
// matching dialog.go's body-header pattern.
func sdpContentHeaders(msg sip.Message, bodyLen int) {
	msg.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	msg.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", bodyLen)))
}

// dtmfInfoContentHeaders attaches the content headers for a DTMF-relay
// INFO body (§4.1 sendDTMF: "application/dtmf-relay").
func dtmfInfoContentHeaders(msg sip.Message, bodyLen int) {
	msg.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	msg.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", bodyLen)))
}
