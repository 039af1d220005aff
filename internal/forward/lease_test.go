package forward

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLeaseClaimAndRenew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forward.lease")
	lf := NewLeaseFile(path, 10*time.Minute)
	now := time.Now().UTC()

	ok, err := lf.TryClaim("node-a", now)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	cur, err := lf.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cur == nil || cur.OwnerID != "node-a" {
		t.Fatalf("lease = %+v, want owner node-a", cur)
	}

	// Re-claiming our own lease refreshes the heartbeat.
	later := now.Add(5 * time.Minute)
	ok, err = lf.TryClaim("node-a", later)
	if err != nil || !ok {
		t.Fatalf("re-claim: ok=%v err=%v", ok, err)
	}
	cur, _ = lf.Read()
	if !cur.Heartbeat.Equal(later) {
		t.Errorf("heartbeat = %v, want %v", cur.Heartbeat, later)
	}

	if err := lf.Renew("node-a", later.Add(time.Minute)); err != nil {
		t.Errorf("Renew: %v", err)
	}
	if err := lf.Renew("node-b", later); err == nil {
		t.Error("Renew by a non-owner succeeded")
	}
}

func TestLeaseForeignOwnership(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forward.lease")
	lf := NewLeaseFile(path, 10*time.Minute)
	now := time.Now().UTC()

	if ok, _ := lf.TryClaim("node-a", now); !ok {
		t.Fatal("initial claim failed")
	}

	// A fresh lease from another process must not be stolen.
	ok, err := lf.TryClaim("node-b", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if ok {
		t.Fatal("claimed a live foreign lease")
	}
	cur, _ := lf.Read()
	if cur.OwnerID != "node-a" {
		t.Errorf("owner = %s after refused claim, want node-a", cur.OwnerID)
	}

	// Once the heartbeat ages past the TTL the lease is up for grabs.
	ok, err = lf.TryClaim("node-b", now.Add(11*time.Minute))
	if err != nil || !ok {
		t.Fatalf("stale claim: ok=%v err=%v", ok, err)
	}
	cur, _ = lf.Read()
	if cur.OwnerID != "node-b" {
		t.Errorf("owner = %s after stale claim, want node-b", cur.OwnerID)
	}
}

func TestLeaseCorruptFileIsClaimable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forward.lease")
	lf := NewLeaseFile(path, 10*time.Minute)

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ok, err := lf.TryClaim("node-a", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("claim over corrupt lease: ok=%v err=%v", ok, err)
	}
}
