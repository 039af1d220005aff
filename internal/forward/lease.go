package forward

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Lease is the registry owner record arbitrating which process runs the
// relay loop. It lives in an advisory file shared by all workers; the
// heartbeat going stale lets another process take over after a crash.
type Lease struct {
	OwnerID   string    `json:"owner_id"`
	PID       int       `json:"pid"`
	Heartbeat time.Time `json:"heartbeat"`
}

func (l Lease) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.Heartbeat) > ttl
}

// LeaseFile reads and writes the owner lease at a fixed path.
type LeaseFile struct {
	path string
	ttl  time.Duration
}

func NewLeaseFile(path string, ttl time.Duration) *LeaseFile {
	return &LeaseFile{path: path, ttl: ttl}
}

// Read returns the current lease, or nil when none has been written yet.
func (f *LeaseFile) Read() (*Lease, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lease: %w", err)
	}
	var l Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		// A corrupt lease file is treated as absent so a worker can
		// rewrite it rather than deadlocking the whole fleet.
		return nil, nil
	}
	return &l, nil
}

// TryClaim acquires or confirms ownership for ownerID. It succeeds when no
// lease exists, the lease is already ours, or the incumbent's heartbeat is
// older than the TTL. A live foreign lease leaves the file untouched.
func (f *LeaseFile) TryClaim(ownerID string, now time.Time) (bool, error) {
	cur, err := f.Read()
	if err != nil {
		return false, err
	}
	if cur != nil && cur.OwnerID != ownerID && !cur.IsStale(now, f.ttl) {
		return false, nil
	}
	if err := f.write(Lease{OwnerID: ownerID, PID: os.Getpid(), Heartbeat: now}); err != nil {
		return false, err
	}
	return true, nil
}

// Renew refreshes the heartbeat of a lease this process already holds.
func (f *LeaseFile) Renew(ownerID string, now time.Time) error {
	cur, err := f.Read()
	if err != nil {
		return err
	}
	if cur == nil || cur.OwnerID != ownerID {
		return fmt.Errorf("lease at %s is no longer held by %s", f.path, ownerID)
	}
	return f.write(Lease{OwnerID: ownerID, PID: os.Getpid(), Heartbeat: now})
}

func (f *LeaseFile) write(l Lease) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing lease: %w", err)
	}
	return os.Rename(tmp, f.path)
}
