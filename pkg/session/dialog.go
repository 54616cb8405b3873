package session

// DialogState is the lifecycle state of a single Dialog (§GLOSSARY).
type DialogState string

const (
	DialogStateEarly     DialogState = "early"
	DialogStateConfirmed DialogState = "confirmed"
)

// Role records which side of the INVITE transaction created a Dialog.
type Role string

const (
	RoleUAC Role = "uac"
	RoleUAS Role = "uas"
)

// DialogKey identifies a dialog by (call-id, local-tag, remote-tag), role
// aware: each side puts its own tag in LocalTag, so a UAC and a UAS keying the
// same wire dialog get mirror-image keys (the UAC's LocalTag is the UAS's
// RemoteTag and vice versa), not equal ones (§4.2).
type DialogKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// RouteSet is an ordered list of Record-Route URIs collected from a dialog's
// establishing transaction (RFC 3261 §12.1.1/§12.1.2), used to build the
// route set of subsequent in-dialog requests.
type RouteSet []string

// Dialog holds the per-dialog state shared by early and confirmed dialogs
// (§3 Dialog). It is exclusively owned by the Session that created it and
// is only ever touched from that Session's command goroutine.
type Dialog struct {
	Key   DialogKey
	Role  Role
	State DialogState

	RemoteTarget string // Contact URI of the remote party
	RouteSet     RouteSet

	LocalCSeq  uint32
	RemoteCSeq uint32

	// UACPendingReply / UASPendingReply gate re-negotiation eligibility
	// (§4.3): true while this dialog has an outstanding re-INVITE/UPDATE
	// transaction it issued (UAC) or is processing one it received (UAS).
	UACPendingReply bool
	UASPendingReply bool
}

// NewEarlyDialog constructs a Dialog in the early state for key, created by
// role from an inbound or outbound 1xx with a to-tag (§4.2).
func NewEarlyDialog(key DialogKey, role Role) *Dialog {
	return &Dialog{
		Key:   key,
		Role:  role,
		State: DialogStateEarly,
	}
}

// Confirm transitions d to the confirmed state in place; callers are
// responsible for moving it from the early set to the confirmed slot in the
// owning Session (promotion is move-and-remove, not duplication — §9).
func (d *Dialog) Confirm() {
	d.State = DialogStateConfirmed
}

// RenegotiationEligible reports whether this dialog may originate or accept
// a new offer/answer exchange right now (§4.3: rtcReady AND confirmed dialog
// exists AND neither pending-reply flag is set — the dialog-local half of
// that condition; rtcReady itself is tracked on the Session/queue).
func (d *Dialog) RenegotiationEligible() bool {
	return d.State == DialogStateConfirmed && !d.UACPendingReply && !d.UASPendingReply
}

// uacDialogKey builds the key a UAC computes for a dialog: its own From-tag
// is local, the peer's To-tag is remote.
func uacDialogKey(callID, fromTag, toTag string) DialogKey {
	return DialogKey{CallID: callID, LocalTag: fromTag, RemoteTag: toTag}
}

// uasDialogKey builds the key a UAS computes for the same wire dialog: its
// own To-tag is local, the peer's From-tag is remote (§9 open question 2).
func uasDialogKey(callID, fromTag, toTag string) DialogKey {
	return DialogKey{CallID: callID, LocalTag: toTag, RemoteTag: fromTag}
}
