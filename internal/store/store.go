// Package store owns the process-wide in-memory state of the OCPP endpoint:
// live connections, outstanding CSMS-initiated calls, triggered follow-ups
// and the session/general log files. Each subsystem is guarded by one coarse
// mutex; contention is low next to socket and database latency.
package store

import (
	"sync"
	"time"

	"csms/internal/identity"
	"csms/internal/metrics"
)

// Session is the handle the registry keeps for one live charge point
// connection. Implemented by the protocol layer.
type Session interface {
	IdentityKey() string
	Close(reason string)
}

// CallMetadata carries per-call context a result handler needs, e.g. which
// domain record the reply must update.
type CallMetadata map[string]any

// PendingCall is one outstanding CSMS-to-charge-point RPC.
type PendingCall struct {
	MessageID   string
	Action      string
	Serial      string
	ConnectorID int
	LogKey      string
	SentAt      time.Time
	Metadata    CallMetadata

	timeoutNotified bool
	timer           TimerHandle
	hasTimer        bool
	done            chan struct{}
	result          *CallResult
}

// CallResult is the recorded outcome of a pending call.
type CallResult struct {
	Success          bool
	Payload          map[string]any
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     map[string]any
	Metadata         CallMetadata
	Action           string
}

// Followup is an expected asynchronous message registered after an accepted
// TriggerMessage, so the eventual delivery can be correlated back.
type Followup struct {
	Action      string
	ConnectorID int
	LogKey      string
	Target      string
}

type Store struct {
	Timers *TimerService
	Logs   *LogStore

	maxPerIP int

	connMu sync.Mutex
	conns  map[string]Session
	byIP   map[string]map[Session]struct{}

	callMu  sync.Mutex
	calls   map[string]*PendingCall
	results map[string]*PendingCall

	followMu  sync.Mutex
	followups map[string][]Followup
}

func New(logs *LogStore, maxPerIP int) *Store {
	if maxPerIP <= 0 {
		maxPerIP = 2
	}
	return &Store{
		Timers:    NewTimerService(),
		Logs:      logs,
		maxPerIP:  maxPerIP,
		conns:     make(map[string]Session),
		byIP:      make(map[string]map[Session]struct{}),
		calls:     make(map[string]*PendingCall),
		results:   make(map[string]*PendingCall),
		followups: make(map[string][]Followup),
	}
}

// RegisterIP admits a new connection for an IP, refusing once the cap is
// reached. Re-registering the same session is idempotent.
func (s *Store) RegisterIP(ip string, sess Session) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	set, ok := s.byIP[ip]
	if !ok {
		set = make(map[Session]struct{})
		s.byIP[ip] = set
	}
	if _, ok := set[sess]; ok {
		return true
	}
	if len(set) >= s.maxPerIP {
		return false
	}
	set[sess] = struct{}{}
	return true
}

// ReleaseIP drops a session from the per-IP accounting.
func (s *Store) ReleaseIP(ip string, sess Session) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if set, ok := s.byIP[ip]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(s.byIP, ip)
		}
	}
}

// SetConnection installs a session under its exact identity key, closing any
// previous occupant first so at most one live session exists per identity.
func (s *Store) SetConnection(serial string, connector any, sess Session) {
	key := identity.Key(serial, connector)

	s.connMu.Lock()
	old := s.conns[key]
	s.conns[key] = sess
	n := len(s.conns)
	s.connMu.Unlock()

	metrics.ConnectionsActive.Set(float64(n))
	if old != nil && old != sess {
		old.Close("superseded by new connection")
	}
}

// GetConnection resolves a session by candidate-key fallback.
func (s *Store) GetConnection(serial string, connector any) Session {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for _, k := range identity.CandidateKeys(serial, connector, s.registeredKeysLocked()) {
		if sess, ok := s.conns[k]; ok {
			return sess
		}
	}
	return nil
}

// PopConnection removes and returns a session by candidate-key fallback.
func (s *Store) PopConnection(serial string, connector any) Session {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for _, k := range identity.CandidateKeys(serial, connector, s.registeredKeysLocked()) {
		if sess, ok := s.conns[k]; ok {
			delete(s.conns, k)
			metrics.ConnectionsActive.Set(float64(len(s.conns)))
			return sess
		}
	}
	return nil
}

// PopSerialConnections removes and returns every session registered for the
// serial, whatever slug each one ended up keyed under.
func (s *Store) PopSerialConnections(serial string) []Session {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	var out []Session
	for k, sess := range s.conns {
		if identity.HasSerial(k, serial) {
			delete(s.conns, k)
			out = append(out, sess)
		}
	}
	if len(out) > 0 {
		metrics.ConnectionsActive.Set(float64(len(s.conns)))
	}
	return out
}

// DropConnection removes an exact session, only if it is still the occupant.
func (s *Store) DropConnection(serial string, connector any, sess Session) {
	key := identity.Key(serial, connector)

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if cur, ok := s.conns[key]; ok && cur == sess {
		delete(s.conns, key)
		metrics.ConnectionsActive.Set(float64(len(s.conns)))
	}
}

// ConnectionKeys lists the identity keys with a live session.
func (s *Store) ConnectionKeys() []string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.registeredKeysLocked()
}

func (s *Store) registeredKeysLocked() []string {
	keys := make([]string, 0, len(s.conns))
	for k := range s.conns {
		keys = append(keys, k)
	}
	return keys
}

// RegisterPendingCall tracks a freshly sent CALL. Any stale result or timer
// left over for the same message id is discarded first.
func (s *Store) RegisterPendingCall(pc *PendingCall) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	delete(s.results, pc.MessageID)
	if old, ok := s.calls[pc.MessageID]; ok {
		if old.hasTimer {
			s.Timers.Cancel(old.timer)
		}
		// Release anyone still blocked on the superseded call.
		close(old.done)
	}
	pc.done = make(chan struct{})
	s.calls[pc.MessageID] = pc
}

// RecordPendingCallResult resolves a pending call: stores the outcome, cancels
// the timeout timer and wakes any synchronous waiter. Resolving an unknown id
// is a no-op.
func (s *Store) RecordPendingCallResult(messageID string, res CallResult) bool {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	pc, ok := s.calls[messageID]
	if !ok {
		return false
	}
	if pc.hasTimer {
		s.Timers.Cancel(pc.timer)
		pc.hasTimer = false
	}
	if res.Metadata == nil {
		res.Metadata = pc.Metadata
	}
	if res.Action == "" {
		res.Action = pc.Action
	}
	pc.result = &res
	delete(s.calls, messageID)
	s.results[messageID] = pc
	close(pc.done)
	return true
}

// WaitForPendingCall blocks up to timeout for the call's result. A recorded
// result is consumed by the first waiter; later waiters get nil.
func (s *Store) WaitForPendingCall(messageID string, timeout time.Duration) *CallResult {
	s.callMu.Lock()
	if pc, ok := s.results[messageID]; ok {
		delete(s.results, messageID)
		s.callMu.Unlock()
		return pc.result
	}
	pc, ok := s.calls[messageID]
	if !ok {
		s.callMu.Unlock()
		return nil
	}
	done := pc.done
	s.callMu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return nil
	}

	s.callMu.Lock()
	defer s.callMu.Unlock()
	if got, ok := s.results[messageID]; ok {
		delete(s.results, messageID)
		return got.result
	}
	return nil
}

// ScheduleCallTimeout arms the timeout notice for a pending call. If the call
// resolves first the timer is cancelled; if it fires, the message is appended
// to the call's log exactly once, guarded by the notified flag.
func (s *Store) ScheduleCallTimeout(messageID string, timeout time.Duration, action, logKey, message string) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	pc, ok := s.calls[messageID]
	if !ok {
		return
	}
	if pc.hasTimer {
		s.Timers.Cancel(pc.timer)
	}
	pc.timer = s.Timers.Schedule(timeout, func() {
		s.onCallTimeout(messageID, action, logKey, message)
	})
	pc.hasTimer = true
}

func (s *Store) onCallTimeout(messageID, action, logKey, message string) {
	s.callMu.Lock()
	pc, ok := s.calls[messageID]
	if !ok || pc.Action != action || pc.timeoutNotified {
		s.callMu.Unlock()
		return
	}
	pc.timeoutNotified = true
	pc.hasTimer = false
	s.callMu.Unlock()

	metrics.CallTimeoutsTotal.Inc()
	if s.Logs != nil {
		s.Logs.AppendLog(logKey, message)
	}
}

// RemovePendingCall discards one tracked call without recording a result,
// e.g. when the frame never made it onto the wire.
func (s *Store) RemovePendingCall(messageID string) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	if pc, ok := s.calls[messageID]; ok {
		if pc.hasTimer {
			s.Timers.Cancel(pc.timer)
		}
		close(pc.done)
		delete(s.calls, messageID)
	}
}

// ClearPendingCalls drops every pending call for a charger, cancelling timers
// and releasing waiters. Called on disconnect so stale timers never fire
// against a charger that is gone.
func (s *Store) ClearPendingCalls(serial string) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	for id, pc := range s.calls {
		if pc.Serial != serial {
			continue
		}
		if pc.hasTimer {
			s.Timers.Cancel(pc.timer)
		}
		close(pc.done)
		delete(s.calls, id)
	}
}

// PendingCallCount reports outstanding calls, optionally filtered by serial.
func (s *Store) PendingCallCount(serial string) int {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	if serial == "" {
		return len(s.calls)
	}
	n := 0
	for _, pc := range s.calls {
		if pc.Serial == serial {
			n++
		}
	}
	return n
}

// PendingCallInfo is a copy of a pending call's identifying fields, handed to
// result dispatch without exposing the tracked entry.
type PendingCallInfo struct {
	MessageID   string
	Action      string
	Serial      string
	ConnectorID int
	LogKey      string
	Metadata    CallMetadata
}

// GetPendingCall looks up an outstanding call by message id.
func (s *Store) GetPendingCall(messageID string) (PendingCallInfo, bool) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	pc, ok := s.calls[messageID]
	if !ok {
		return PendingCallInfo{}, false
	}
	return PendingCallInfo{
		MessageID:   pc.MessageID,
		Action:      pc.Action,
		Serial:      pc.Serial,
		ConnectorID: pc.ConnectorID,
		LogKey:      pc.LogKey,
		Metadata:    pc.Metadata,
	}, true
}

// RegisterFollowup records an expected follow-up message after an accepted
// TriggerMessage.
func (s *Store) RegisterFollowup(serial string, f Followup) {
	s.followMu.Lock()
	defer s.followMu.Unlock()
	s.followups[serial] = append(s.followups[serial], f)
}

// ConsumeFollowup matches and removes the first expected follow-up for an
// action, if any.
func (s *Store) ConsumeFollowup(serial, action string) (Followup, bool) {
	s.followMu.Lock()
	defer s.followMu.Unlock()

	list := s.followups[serial]
	for i, f := range list {
		if f.Action == action {
			s.followups[serial] = append(list[:i], list[i+1:]...)
			if len(s.followups[serial]) == 0 {
				delete(s.followups, serial)
			}
			return f, true
		}
	}
	return Followup{}, false
}
