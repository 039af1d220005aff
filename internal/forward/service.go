package forward

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"csms/internal/config"
	"csms/internal/metrics"
	"csms/internal/models"
	"csms/internal/ocpp"
	"csms/internal/security"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Actions mirrored to the upstream node. Anything a station sends outside
// this list stays local.
var forwardedActions = map[string]struct{}{
	"Authorize":                         {},
	"BootNotification":                  {},
	"ClearedChargingLimit":              {},
	"DataTransfer":                      {},
	"DiagnosticsStatusNotification":     {},
	"FirmwareStatusNotification":        {},
	"Get15118EVCertificate":             {},
	"GetCertificateStatus":              {},
	"Heartbeat":                         {},
	"LogStatusNotification":             {},
	"MeterValues":                       {},
	"NotifyChargingLimit":               {},
	"NotifyCustomerInformation":         {},
	"NotifyDisplayMessages":             {},
	"NotifyEVChargingNeeds":             {},
	"NotifyEVChargingSchedule":          {},
	"NotifyEvent":                       {},
	"NotifyMonitoringReport":            {},
	"NotifyReport":                      {},
	"PublishFirmwareStatusNotification": {},
	"ReportChargingProfiles":            {},
	"ReservationStatusUpdate":           {},
	"SecurityEventNotification":         {},
	"SignCertificate":                   {},
	"StartTransaction":                  {},
	"StatusNotification":                {},
	"StopTransaction":                   {},
	"TransactionEvent":                  {},
}

// ChargerDirectory is the slice of charger persistence the relay loop needs.
type ChargerDirectory interface {
	ListForwardable(ctx context.Context) ([]models.Charger, error)
	SetForwardError(ctx context.Context, serial, reason string) error
	TouchForwarded(ctx context.Context, serial string, t time.Time) error
}

// NodeDirectory resolves forwarding targets to their registry entries.
type NodeDirectory interface {
	Get(ctx context.Context, id string) (*models.Node, error)
}

// Service owns the outbound relay sessions for chargers flagged for export.
// At most one process in the fleet runs the loop at a time, arbitrated by
// the owner lease.
type Service struct {
	cfg      config.Config
	lease    *LeaseFile
	ownerID  string
	chargers ChargerDirectory
	nodes    NodeDirectory
	signKey  *rsa.PrivateKey
	logger   *zap.Logger
	httpc    *http.Client
	dialer   *websocket.Dialer

	mu       sync.Mutex
	sessions map[string]*relaySession
}

type relaySession struct {
	serial string
	nodeID string
	ws     *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func NewService(cfg config.Config, chargers ChargerDirectory, nodes NodeDirectory, signKey *rsa.PrivateKey, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		lease:    NewLeaseFile(cfg.ForwardLeasePath, cfg.ForwardLeaseTTL),
		ownerID:  cfg.NodeID,
		chargers: chargers,
		nodes:    nodes,
		signKey:  signKey,
		logger:   logger.Named("forward"),
		httpc:    &http.Client{Timeout: cfg.SyncHTTPTimeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.SyncHTTPTimeout,
			Subprotocols:     []string{"ocpp1.6"},
		},
		sessions: make(map[string]*relaySession),
	}
}

// Run drives SyncChargers on a ticker until the context ends.
func (s *Service) Run(ctx context.Context) {
	every := s.cfg.ForwardSyncEvery
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if _, err := s.SyncChargers(ctx); err != nil {
			s.logger.Warn("charger sync", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.CloseAll()
			return
		case <-ticker.C:
		}
	}
}

// SyncChargers reconciles relay sessions against the eligible charger set
// and returns how many new connections were opened. When another process
// holds a live lease the cycle is a no-op.
func (s *Service) SyncChargers(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	ok, err := s.lease.TryClaim(s.ownerID, now)
	if err != nil {
		return 0, fmt.Errorf("claiming owner lease: %w", err)
	}
	if !ok {
		s.logger.Debug("owner lease held elsewhere, skipping cycle")
		return 0, nil
	}

	eligible, err := s.chargers.ListForwardable(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing forwardable chargers: %w", err)
	}

	want := make(map[string]models.Charger, len(eligible))
	for _, c := range eligible {
		if c.ForwardedTo != nil && *c.ForwardedTo != "" {
			want[c.Serial] = c
		}
	}

	// Close sessions whose charger dropped out of the eligible set, and
	// probe the survivors so a silently dead peer is redialed this cycle.
	s.mu.Lock()
	stale := make([]*relaySession, 0)
	for serial, sess := range s.sessions {
		if _, keep := want[serial]; !keep || !sess.alive() {
			stale = append(stale, sess)
			delete(s.sessions, serial)
		}
	}
	live := make(map[string]struct{}, len(s.sessions))
	for serial := range s.sessions {
		live[serial] = struct{}{}
	}
	s.mu.Unlock()
	for _, sess := range stale {
		sess.close()
		s.logger.Info("relay session closed", zap.String("serial", sess.serial))
	}

	opened := 0
	for serial, c := range want {
		if _, ok := live[serial]; ok {
			continue
		}
		sess, err := s.openSession(ctx, c)
		if err != nil {
			s.logger.Warn("relay connect failed",
				zap.String("serial", serial), zap.Error(err))
			if derr := s.chargers.SetForwardError(ctx, serial, err.Error()); derr != nil {
				s.logger.Warn("saving forward error", zap.Error(derr))
			}
			continue
		}
		s.mu.Lock()
		s.sessions[serial] = sess
		s.mu.Unlock()
		opened++
		if err := s.chargers.TouchForwarded(ctx, serial, now); err != nil {
			s.logger.Warn("saving forward watermark", zap.Error(err))
		}
	}
	return opened, nil
}

// openSession pushes signed forwarding metadata to the target node and then
// dials the outbound relay socket. Either step failing means no session.
func (s *Service) openSession(ctx context.Context, c models.Charger) (*relaySession, error) {
	node, err := s.nodes.Get(ctx, *c.ForwardedTo)
	if err != nil {
		return nil, fmt.Errorf("resolving node %s: %w", *c.ForwardedTo, err)
	}
	if node == nil {
		return nil, fmt.Errorf("forwarding target %s is not registered", *c.ForwardedTo)
	}

	baseURL, err := s.pushMetadata(ctx, node, c)
	if err != nil {
		return nil, err
	}

	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws/ocpp/" + c.Serial
	ws, resp, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}

	sess := &relaySession{serial: c.Serial, nodeID: node.ID, ws: ws}
	go sess.drain()
	s.logger.Info("relay session opened",
		zap.String("serial", c.Serial), zap.String("node", node.ID))
	return sess, nil
}

// pushMetadata announces the charger and the forwarded action list to the
// node, trying each candidate base URL. Returns the URL that answered.
func (s *Service) pushMetadata(ctx context.Context, node *models.Node, c models.Charger) (string, error) {
	actions := make([]string, 0, len(forwardedActions))
	for a := range forwardedActions {
		actions = append(actions, a)
	}
	body, err := json.Marshal(map[string]any{
		"requester":   s.ownerID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"serial":      c.Serial,
		"connectorId": c.ConnectorID,
		"actions":     actions,
	})
	if err != nil {
		return "", err
	}
	sig, err := security.SignBody(s.signKey, body)
	if err != nil {
		return "", fmt.Errorf("signing metadata: %w", err)
	}

	var lastErr error
	for _, base := range node.BaseURLs {
		url := strings.TrimRight(base, "/") + "/api/forwarding/metadata"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Signature", sig)

		resp, err := s.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("metadata push to %s: status %d", url, resp.StatusCode)
			continue
		}
		return strings.TrimRight(base, "/"), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("node %s has no base URLs", node.ID)
	}
	return "", lastErr
}

// Forward mirrors one inbound charger frame to its relay session, if one
// exists and the action is in scope. Implements the endpoint's Relay hook.
func (s *Service) Forward(serial string, raw []byte) {
	s.mu.Lock()
	sess := s.sessions[serial]
	s.mu.Unlock()
	if sess == nil {
		return
	}

	action := ocpp.ActionOf(raw)
	if action == "" {
		return
	}
	if _, ok := forwardedActions[action]; !ok {
		return
	}

	if err := sess.send(raw); err != nil {
		s.logger.Warn("relay write failed",
			zap.String("serial", serial), zap.Error(err))
		s.mu.Lock()
		if s.sessions[serial] == sess {
			delete(s.sessions, serial)
		}
		s.mu.Unlock()
		sess.close()
		return
	}
	metrics.ForwardedFramesTotal.WithLabelValues(sess.nodeID).Inc()
}

// SessionCount reports the number of live relay sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseAll tears down every relay session.
func (s *Service) CloseAll() {
	s.mu.Lock()
	sessions := make([]*relaySession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*relaySession)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

func (rs *relaySession) send(raw []byte) error {
	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()
	if rs.closed {
		return fmt.Errorf("relay session for %s is closed", rs.serial)
	}
	rs.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return rs.ws.WriteMessage(websocket.TextMessage, raw)
}

func (rs *relaySession) alive() bool {
	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()
	if rs.closed {
		return false
	}
	rs.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return rs.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)) == nil
}

func (rs *relaySession) close() {
	rs.writeMu.Lock()
	if rs.closed {
		rs.writeMu.Unlock()
		return
	}
	rs.closed = true
	rs.writeMu.Unlock()
	_ = rs.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	rs.ws.Close()
}

// drain discards upstream replies so control frames keep flowing; the relay
// is one-directional by contract.
func (rs *relaySession) drain() {
	for {
		if _, _, err := rs.ws.ReadMessage(); err != nil {
			return
		}
	}
}
