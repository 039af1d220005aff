package forward

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"csms/internal/config"
	"csms/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type fakeDirectory struct {
	mu        sync.Mutex
	chargers  []models.Charger
	node      *models.Node
	errors    map[string]string
	forwarded map[string]time.Time
}

func (d *fakeDirectory) ListForwardable(context.Context) ([]models.Charger, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Charger(nil), d.chargers...), nil
}

func (d *fakeDirectory) SetForwardError(_ context.Context, serial, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errors == nil {
		d.errors = make(map[string]string)
	}
	d.errors[serial] = reason
	return nil
}

func (d *fakeDirectory) TouchForwarded(_ context.Context, serial string, t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.forwarded == nil {
		d.forwarded = make(map[string]time.Time)
	}
	d.forwarded[serial] = t
	return nil
}

func (d *fakeDirectory) Get(_ context.Context, id string) (*models.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.node != nil && d.node.ID == id {
		return d.node, nil
	}
	return nil, nil
}

// upstreamNode is a fake remote CSMS accepting metadata pushes and relay
// sockets, recording every frame it receives.
type upstreamNode struct {
	srv *httptest.Server

	mu       sync.Mutex
	metadata int
	frames   [][]byte
}

func newUpstreamNode(t *testing.T) *upstreamNode {
	t.Helper()
	up := &upstreamNode{}
	upgrader := websocket.Upgrader{Subprotocols: []string{"ocpp1.6"}}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/forwarding/metadata", func(w http.ResponseWriter, r *http.Request) {
		up.mu.Lock()
		up.metadata++
		up.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws/ocpp/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			up.mu.Lock()
			up.frames = append(up.frames, raw)
			up.mu.Unlock()
		}
	})

	up.srv = httptest.NewServer(mux)
	t.Cleanup(up.srv.Close)
	return up
}

func (up *upstreamNode) frameCount() int {
	up.mu.Lock()
	defer up.mu.Unlock()
	return len(up.frames)
}

func (up *upstreamNode) metadataCount() int {
	up.mu.Lock()
	defer up.mu.Unlock()
	return up.metadata
}

func forwardTarget(id string) *string { return &id }

func newTestService(t *testing.T, dir *fakeDirectory, ownerID string) *Service {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	cfg := config.Config{
		NodeID:           ownerID,
		ForwardLeasePath: filepath.Join(t.TempDir(), "forward.lease"),
		ForwardLeaseTTL:  10 * time.Minute,
		SyncHTTPTimeout:  5 * time.Second,
	}
	svc := NewService(cfg, dir, dir, key, zap.NewNop())
	t.Cleanup(svc.CloseAll)
	return svc
}

func TestSyncOpensAndRelays(t *testing.T) {
	up := newUpstreamNode(t)
	dir := &fakeDirectory{
		node: &models.Node{ID: "remote", BaseURLs: []string{up.srv.URL}},
		chargers: []models.Charger{
			{Serial: "CP-1", ExportTransactions: true, ForwardedTo: forwardTarget("remote")},
		},
	}
	svc := newTestService(t, dir, "node-a")

	opened, err := svc.SyncChargers(context.Background())
	if err != nil {
		t.Fatalf("SyncChargers: %v", err)
	}
	if opened != 1 {
		t.Fatalf("opened = %d, want 1", opened)
	}
	if n := up.metadataCount(); n != 1 {
		t.Errorf("metadata pushes = %d, want 1", n)
	}
	dir.mu.Lock()
	_, touched := dir.forwarded["CP-1"]
	dir.mu.Unlock()
	if !touched {
		t.Error("forward watermark not touched")
	}

	// In-scope traffic is mirrored; unlisted actions are not.
	svc.Forward("CP-1", []byte(`[2,"1","MeterValues",{"connectorId":1}]`))
	svc.Forward("CP-1", []byte(`[2,"2","SignedUpdateFirmware",{}]`))

	deadline := time.Now().Add(2 * time.Second)
	for up.frameCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("forwarded frame never arrived upstream")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := up.frameCount(); n != 1 {
		t.Errorf("upstream frames = %d, want 1 (allow-list filter)", n)
	}

	// A second sync with the same set opens nothing new.
	opened, err = svc.SyncChargers(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if opened != 0 {
		t.Errorf("second sync opened = %d, want 0", opened)
	}
}

func TestSyncSkipsWhenForeignLeaseLive(t *testing.T) {
	up := newUpstreamNode(t)
	dir := &fakeDirectory{
		node: &models.Node{ID: "remote", BaseURLs: []string{up.srv.URL}},
		chargers: []models.Charger{
			{Serial: "CP-1", ExportTransactions: true, ForwardedTo: forwardTarget("remote")},
		},
	}
	svc := newTestService(t, dir, "node-a")

	// Another process wrote a fresh lease moments ago.
	other := NewLeaseFile(svc.cfg.ForwardLeasePath, svc.cfg.ForwardLeaseTTL)
	if ok, err := other.TryClaim("node-b", time.Now().UTC()); err != nil || !ok {
		t.Fatalf("seeding foreign lease: ok=%v err=%v", ok, err)
	}

	opened, err := svc.SyncChargers(context.Background())
	if err != nil {
		t.Fatalf("SyncChargers: %v", err)
	}
	if opened != 0 || svc.SessionCount() != 0 {
		t.Fatalf("opened %d sessions under a live foreign lease", svc.SessionCount())
	}
}

func TestSyncClaimsStaleLease(t *testing.T) {
	up := newUpstreamNode(t)
	dir := &fakeDirectory{
		node: &models.Node{ID: "remote", BaseURLs: []string{up.srv.URL}},
		chargers: []models.Charger{
			{Serial: "CP-1", ExportTransactions: true, ForwardedTo: forwardTarget("remote")},
		},
	}
	svc := newTestService(t, dir, "node-a")

	// A dead process left a lease whose heartbeat is past the TTL.
	stale := Lease{OwnerID: "node-b", PID: 99999, Heartbeat: time.Now().Add(-time.Hour)}
	raw := `{"owner_id":"node-b","pid":99999,"heartbeat":"` + stale.Heartbeat.UTC().Format(time.RFC3339) + `"}`
	if err := os.WriteFile(svc.cfg.ForwardLeasePath, []byte(raw), 0o644); err != nil {
		t.Fatalf("seeding stale lease: %v", err)
	}

	opened, err := svc.SyncChargers(context.Background())
	if err != nil {
		t.Fatalf("SyncChargers: %v", err)
	}
	if opened != 1 {
		t.Fatalf("opened = %d, want 1 after claiming stale lease", opened)
	}
}

func TestFailedRelayKeepsWatermarkUntouched(t *testing.T) {
	// Node directory knows no such node, so the connect must fail.
	dir := &fakeDirectory{
		chargers: []models.Charger{
			{Serial: "CP-1", ExportTransactions: true, ForwardedTo: forwardTarget("missing")},
		},
	}
	svc := newTestService(t, dir, "node-a")

	opened, err := svc.SyncChargers(context.Background())
	if err != nil {
		t.Fatalf("SyncChargers: %v", err)
	}
	if opened != 0 {
		t.Fatalf("opened = %d, want 0", opened)
	}
	if dir.errors["CP-1"] == "" {
		t.Error("forward error not recorded")
	}
	if _, ok := dir.forwarded["CP-1"]; ok {
		t.Error("watermark advanced on a failed relay attempt")
	}
}
