package session

import (
	"sync"
	"time"
)

// RFC 3261 §17 timing constants relevant to the session core.
const (
	TimerT1 = 500 * time.Millisecond
	TimerT2 = 4 * time.Second
	TimerH  = 64 * TimerT1 // wait time for ACK receipt
)

// RFC 4028 session-timer bounds.
const (
	DefaultMinSessionExpires = 90 * time.Second
	DefaultSessionExpires    = 1800 * time.Second
)

// TimeoutKind distinguishes the named timers a Session arms.
type TimeoutKind string

const (
	TimeoutKind2xxRetransmit TimeoutKind = "2xx_retransmit"
	TimeoutKindAckWait       TimeoutKind = "ack_wait" // Timer H
	TimeoutKindSessionRefresh TimeoutKind = "session_refresh"
	TimeoutKindSessionWatchdog TimeoutKind = "session_watchdog"
	TimeoutKindNoAnswer      TimeoutKind = "no_answer"
)

// TimeoutEvent is delivered to a TimeoutCallback when a named timer fires.
type TimeoutEvent struct {
	Kind      TimeoutKind
	SessionID string
	FiredAt   time.Time
	Attempt   int // retransmit count, for TimeoutKind2xxRetransmit
}

type TimeoutCallback func(event TimeoutEvent)

type timerHandle struct {
	timer   *time.Timer
	kind    TimeoutKind
	attempt int
	interval time.Duration
}

// TimerManager owns every named, cancelable timer for one Session, grounded
// on the teacher's timeout_manager.go: a map of time.AfterFunc-backed
// handles keyed by name, with bulk cancellation on session termination.
// Unlike the teacher's process-wide manager, one TimerManager belongs to
// exactly one Session, matching the actor-per-session model (§5) — there is
// no cross-session map to contend on, and no separate cleanup goroutine is
// needed since the Session's own lifetime bounds it.
type TimerManager struct {
	mu       sync.Mutex
	sessionID string
	handles  map[string]*timerHandle
	callback TimeoutCallback
	stopped  bool
}

func NewTimerManager(sessionID string, callback TimeoutCallback) *TimerManager {
	return &TimerManager{
		sessionID: sessionID,
		handles:   make(map[string]*timerHandle),
		callback:  callback,
	}
}

func (tm *TimerManager) set(name string, d time.Duration, kind TimeoutKind, attempt int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.stopped {
		return
	}
	if existing, ok := tm.handles[name]; ok {
		existing.timer.Stop()
	}
	t := time.AfterFunc(d, func() {
		tm.mu.Lock()
		stopped := tm.stopped
		delete(tm.handles, name)
		tm.mu.Unlock()
		if stopped {
			return
		}
		if tm.callback != nil {
			tm.callback(TimeoutEvent{Kind: kind, SessionID: tm.sessionID, FiredAt: time.Now(), Attempt: attempt})
		}
	})
	tm.handles[name] = &timerHandle{timer: t, kind: kind, attempt: attempt, interval: d}
}

// Cancel stops and removes a named timer, if armed.
func (tm *TimerManager) Cancel(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if h, ok := tm.handles[name]; ok {
		h.timer.Stop()
		delete(tm.handles, name)
	}
}

// CancelAll stops every armed timer. Called on session termination (§7:
// "clear all timers before the event fires").
func (tm *TimerManager) CancelAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for name, h := range tm.handles {
		h.timer.Stop()
		delete(tm.handles, name)
	}
	tm.stopped = true
}

const nameRetransmit = "2xx_retransmit"

// ArmRetransmit (re)arms the RFC 3261 §13.3.1.4 2xx-retransmit timer.
// attempt 0 means the first arm, firing at T1; each re-arm on fire doubles
// the interval, capped at T2 (§4.4, invariant 5 of §8).
func (tm *TimerManager) ArmRetransmit(attempt int) {
	d := TimerT1 << attempt
	if d > TimerT2 {
		d = TimerT2
	}
	tm.set(nameRetransmit, d, TimeoutKind2xxRetransmit, attempt)
}

func (tm *TimerManager) CancelRetransmit() { tm.Cancel(nameRetransmit) }

const nameAckWait = "ack_wait"

// ArmAckWait arms Timer H: if still WAITING_FOR_ACK when it fires, the
// Session cancels retransmission and sends BYE (§4.4).
func (tm *TimerManager) ArmAckWait() {
	tm.set(nameAckWait, TimerH, TimeoutKindAckWait, 0)
}

func (tm *TimerManager) CancelAckWait() { tm.Cancel(nameAckWait) }

const (
	nameSessionRefresh  = "session_refresh"
	nameSessionWatchdog = "session_watchdog"
)

// ArmSessionTimer arms exactly one of the refresher/watchdog timers for the
// currently negotiated session-timer interval (§4.4 Session timers):
// refresher fires at 0.5×currentExpires, non-refresher (watchdog) at
// 1.1×currentExpires.
func (tm *TimerManager) ArmSessionTimer(currentExpires time.Duration, isRefresher bool) {
	if isRefresher {
		tm.set(nameSessionRefresh, time.Duration(float64(currentExpires)*0.5), TimeoutKindSessionRefresh, 0)
	} else {
		tm.set(nameSessionWatchdog, time.Duration(float64(currentExpires)*1.1), TimeoutKindSessionWatchdog, 0)
	}
}

// CancelSessionTimer disarms both the refresher and watchdog timers, e.g.
// before re-arming after a successful refresh.
func (tm *TimerManager) CancelSessionTimer() {
	tm.Cancel(nameSessionRefresh)
	tm.Cancel(nameSessionWatchdog)
}

const nameNoAnswer = "no_answer"

// ArmNoAnswer arms an optional caller-supplied no-answer timeout on an
// outgoing INVITE (ambient UA configuration, not named by any RFC timer).
func (tm *TimerManager) ArmNoAnswer(d time.Duration) {
	tm.set(nameNoAnswer, d, TimeoutKindNoAnswer, 0)
}

func (tm *TimerManager) CancelNoAnswer() { tm.Cancel(nameNoAnswer) }
