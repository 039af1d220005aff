package store

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSession struct {
	key    string
	mu     sync.Mutex
	closed bool
	reason string
}

func (f *fakeSession) IdentityKey() string { return f.key }

func (f *fakeSession) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logs, err := NewLogStore(t.TempDir(), t.TempDir(), 16, "", time.Hour, nil)
	if err != nil {
		t.Fatalf("NewLogStore: %v", err)
	}
	t.Cleanup(logs.Close)
	st := New(logs, 2)
	t.Cleanup(st.Timers.Stop)
	return st
}

func TestRegisterIPCap(t *testing.T) {
	st := newTestStore(t)

	a := &fakeSession{key: "CP-1#1"}
	b := &fakeSession{key: "CP-2#1"}
	c := &fakeSession{key: "CP-3#1"}

	if !st.RegisterIP("10.0.0.1", a) {
		t.Fatal("first connection refused")
	}
	if !st.RegisterIP("10.0.0.1", a) {
		t.Error("re-registering same session should be idempotent")
	}
	if !st.RegisterIP("10.0.0.1", b) {
		t.Fatal("second connection refused")
	}
	if st.RegisterIP("10.0.0.1", c) {
		t.Error("third connection on one IP should be refused")
	}

	st.ReleaseIP("10.0.0.1", a)
	if !st.RegisterIP("10.0.0.1", c) {
		t.Error("connection refused after release freed a slot")
	}
}

func TestSetConnectionClosesPrevious(t *testing.T) {
	st := newTestStore(t)

	old := &fakeSession{key: "CP-1#1"}
	st.SetConnection("CP-1", 1, old)

	replacement := &fakeSession{key: "CP-1#1"}
	st.SetConnection("CP-1", 1, replacement)

	if !old.isClosed() {
		t.Error("previous session was not closed on replacement")
	}
	if got := st.GetConnection("CP-1", 1); got != replacement {
		t.Error("registry does not hold the replacement session")
	}
}

func TestGetConnectionCandidateFallback(t *testing.T) {
	st := newTestStore(t)

	sess := &fakeSession{key: "CP-1#2"}
	st.SetConnection("CP-1", 2, sess)

	if got := st.GetConnection("CP-1", nil); got != sess {
		t.Error("lookup by serial alone did not find the connector session")
	}
	if got := st.PopConnection("CP-1", nil); got != sess {
		t.Error("pop by serial alone did not find the connector session")
	}
	if got := st.GetConnection("CP-1", nil); got != nil {
		t.Error("session still registered after pop")
	}
}

func TestPopSerialConnections(t *testing.T) {
	st := newTestStore(t)

	learned := &fakeSession{key: "CP-1#2"}
	st.SetConnection("CP-1", 2, learned)
	pending := &fakeSession{key: "CP-1#pending"}
	st.SetConnection("CP-1", "pending", pending)
	other := &fakeSession{key: "CP-10#1"}
	st.SetConnection("CP-10", 1, other)

	popped := st.PopSerialConnections("CP-1")
	if len(popped) != 2 {
		t.Fatalf("popped %d sessions, want 2", len(popped))
	}
	if got := st.GetConnection("CP-1", nil); got != nil {
		t.Error("CP-1 session still registered after pop")
	}
	// CP-10 shares the CP-1 prefix but is a different serial.
	if got := st.GetConnection("CP-10", 1); got != other {
		t.Error("unrelated serial was popped")
	}
}

func TestPendingCallWaitReceivesResult(t *testing.T) {
	st := newTestStore(t)

	st.RegisterPendingCall(&PendingCall{
		MessageID: "m1",
		Action:    "GetConfiguration",
		Serial:    "CP-1",
		SentAt:    time.Now(),
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		st.RecordPendingCallResult("m1", CallResult{
			Success: true,
			Payload: map[string]any{"configurationKey": []any{}},
		})
	}()

	res := st.WaitForPendingCall("m1", time.Second)
	if res == nil || !res.Success {
		t.Fatalf("WaitForPendingCall = %+v, want success result", res)
	}

	// Result is consumed by the first waiter.
	if again := st.WaitForPendingCall("m1", 10*time.Millisecond); again != nil {
		t.Errorf("second wait returned %+v, want nil", again)
	}
}

func TestReRegisterReleasesSupersededWaiter(t *testing.T) {
	st := newTestStore(t)

	st.RegisterPendingCall(&PendingCall{
		MessageID: "m1",
		Action:    "GetConfiguration",
		Serial:    "CP-1",
		SentAt:    time.Now(),
	})

	released := make(chan *CallResult, 1)
	go func() {
		released <- st.WaitForPendingCall("m1", time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	st.RegisterPendingCall(&PendingCall{
		MessageID: "m1",
		Action:    "GetConfiguration",
		Serial:    "CP-1",
		SentAt:    time.Now(),
	})

	select {
	case res := <-released:
		if res != nil {
			t.Errorf("superseded waiter got %+v, want nil", res)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("waiter on the superseded call was not released")
	}
}

func TestRecordUnknownMessageIsNoop(t *testing.T) {
	st := newTestStore(t)
	if st.RecordPendingCallResult("missing", CallResult{Success: true}) {
		t.Error("resolving an unknown message id should report false")
	}
}

func TestCallTimeoutCancelledByResult(t *testing.T) {
	st := newTestStore(t)

	st.RegisterPendingCall(&PendingCall{MessageID: "m2", Action: "Reset", Serial: "CP-1", LogKey: "CP-1#all"})
	st.ScheduleCallTimeout("m2", 200*time.Millisecond, "Reset", "CP-1#all", "Reset timed out")
	st.RecordPendingCallResult("m2", CallResult{Success: true})

	time.Sleep(250 * time.Millisecond)
	if lines := st.Logs.TailLog("CP-1#all", 0); len(lines) != 0 {
		t.Errorf("timeout line logged after call was resolved: %v", lines)
	}
}

func TestCallTimeoutLogsExactlyOnce(t *testing.T) {
	st := newTestStore(t)

	st.RegisterPendingCall(&PendingCall{MessageID: "m3", Action: "GetLog", Serial: "CP-1", LogKey: "CP-1#all"})
	st.ScheduleCallTimeout("m3", 10*time.Millisecond, "GetLog", "CP-1#all", "GetLog timed out")
	st.ScheduleCallTimeout("m3", 20*time.Millisecond, "GetLog", "CP-1#all", "GetLog timed out")

	time.Sleep(100 * time.Millisecond)

	lines := st.Logs.TailLog("CP-1#all", 0)
	count := 0
	for _, l := range lines {
		if strings.Contains(l, "GetLog timed out") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("timeout logged %d times, want exactly 1: %v", count, lines)
	}
}

func TestClearPendingCalls(t *testing.T) {
	st := newTestStore(t)

	st.RegisterPendingCall(&PendingCall{MessageID: "a", Action: "Reset", Serial: "CP-1"})
	st.RegisterPendingCall(&PendingCall{MessageID: "b", Action: "Reset", Serial: "CP-2"})
	st.ScheduleCallTimeout("a", time.Hour, "Reset", "CP-1#all", "never")

	st.ClearPendingCalls("CP-1")

	if n := st.PendingCallCount("CP-1"); n != 0 {
		t.Errorf("pending calls for CP-1 = %d, want 0", n)
	}
	if n := st.PendingCallCount("CP-2"); n != 1 {
		t.Errorf("pending calls for CP-2 = %d, want 1", n)
	}
	// A cleared call releases its waiter with no result.
	if res := st.WaitForPendingCall("a", 10*time.Millisecond); res != nil {
		t.Errorf("cleared call returned result %+v", res)
	}
}

func TestFollowupConsume(t *testing.T) {
	st := newTestStore(t)

	st.RegisterFollowup("CP-1", Followup{Action: "MeterValues", ConnectorID: 1, LogKey: "CP-1#1"})

	if _, ok := st.ConsumeFollowup("CP-1", "StatusNotification"); ok {
		t.Error("consumed a follow-up for the wrong action")
	}
	f, ok := st.ConsumeFollowup("CP-1", "MeterValues")
	if !ok || f.ConnectorID != 1 {
		t.Fatalf("ConsumeFollowup = %+v, %v", f, ok)
	}
	if _, ok := st.ConsumeFollowup("CP-1", "MeterValues"); ok {
		t.Error("follow-up consumed twice")
	}
}
