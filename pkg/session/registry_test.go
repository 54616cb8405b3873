package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialogRegistryEarlyToConfirmedPromotion(t *testing.T) {
	r := NewDialogRegistry()
	key := uacDialogKey("call-1", "fromTagA", "toTagA")

	d := NewEarlyDialog(key, RoleUAC)
	r.AddEarly(d)
	assert.Equal(t, 1, r.EarlyCount())

	got, ok := r.GetEarly(key)
	require.True(t, ok)
	assert.Equal(t, DialogStateEarly, got.State)

	promoted, ok := r.Promote(key)
	require.True(t, ok)
	assert.Equal(t, DialogStateConfirmed, promoted.State)
	assert.Equal(t, 0, r.EarlyCount(), "promotion must remove the dialog from the early set")

	confirmed, ok := r.Confirmed()
	require.True(t, ok)
	assert.Same(t, promoted, confirmed)
}

func TestDialogRegistryAddEarlyIsIdempotent(t *testing.T) {
	r := NewDialogRegistry()
	key := uacDialogKey("call-2", "fromTagB", "toTagB")

	first := NewEarlyDialog(key, RoleUAC)
	first.RemoteTarget = "sip:first@example.com"
	r.AddEarly(first)

	second := NewEarlyDialog(key, RoleUAC)
	second.RemoteTarget = "sip:second@example.com"
	r.AddEarly(second)

	got, ok := r.GetEarly(key)
	require.True(t, ok)
	assert.Equal(t, "sip:first@example.com", got.RemoteTarget, "a duplicate AddEarly for an existing key must be a no-op")
}

func TestUACAndUASDialogKeysMirrorForTheSameWireDialog(t *testing.T) {
	callID, fromTag, toTag := "call-3", "fromTagC", "toTagC"
	uac := uacDialogKey(callID, fromTag, toTag)
	uas := uasDialogKey(callID, fromTag, toTag)
	assert.Equal(t, DialogKey{CallID: callID, LocalTag: uac.RemoteTag, RemoteTag: uac.LocalTag}, uas, "a UAC and a UAS keying the same dialog must each put their own tag in LocalTag")
}

func TestDialogRegistryClearDropsEverything(t *testing.T) {
	r := NewDialogRegistry()
	r.AddEarly(NewEarlyDialog(uacDialogKey("call-4", "a", "b"), RoleUAC))
	r.ConfirmDirect(NewEarlyDialog(uacDialogKey("call-4", "a", "c"), RoleUAC))

	r.Clear()
	assert.Equal(t, 0, r.EarlyCount())
	_, ok := r.Confirmed()
	assert.False(t, ok)
}

func TestRenegotiationEligibility(t *testing.T) {
	d := NewEarlyDialog(uacDialogKey("call-5", "a", "b"), RoleUAC)
	assert.False(t, d.RenegotiationEligible(), "an early dialog is never renegotiation-eligible")

	d.Confirm()
	assert.True(t, d.RenegotiationEligible())

	d.UACPendingReply = true
	assert.False(t, d.RenegotiationEligible())
	d.UACPendingReply = false

	d.UASPendingReply = true
	assert.False(t, d.RenegotiationEligible())
}
