package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"csms/internal/models"
	"csms/internal/remotesync"
	"csms/internal/security"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// verifySignedBody authenticates a node-to-node request: the body names the
// requester, whose registered public key must verify the X-Signature header
// over the raw body bytes.
func (s *Server) verifySignedBody(w http.ResponseWriter, r *http.Request) ([]byte, *models.Node, bool) {
	raw, err := readAll(r, 4<<20)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return nil, nil, false
	}

	var envelope struct {
		Requester string `json:"requester"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Requester == "" {
		http.Error(w, "missing requester", http.StatusBadRequest)
		return nil, nil, false
	}

	node, err := s.Nodes.Get(r.Context(), envelope.Requester)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return nil, nil, false
	}
	if node == nil || node.PublicKeyPEM == "" {
		http.Error(w, "unknown requester", http.StatusForbidden)
		return nil, nil, false
	}

	pub, err := security.ParsePublicKeyPEM(node.PublicKeyPEM)
	if err != nil {
		s.Logger.Warn("bad public key on record", zap.String("node", node.ID), zap.Error(err))
		http.Error(w, "unknown requester", http.StatusForbidden)
		return nil, nil, false
	}
	if err := security.VerifyBody(pub, raw, r.Header.Get("X-Signature")); err != nil {
		s.Logger.Warn("rejected node request, bad signature", zap.String("node", node.ID))
		http.Error(w, "bad signature", http.StatusForbidden)
		return nil, nil, false
	}
	return raw, node, true
}

// ServeSnapshot answers a peer's pull with this node's chargers and their
// transactions in the snapshot wire format.
func (s *Server) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	_, node, ok := s.verifySignedBody(w, r)
	if !ok {
		return
	}

	chargers, err := s.Chargers.List(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	snap := remotesync.Snapshot{Chargers: make([]remotesync.SnapshotCharger, 0, len(chargers))}
	for _, c := range chargers {
		sc := remotesync.SnapshotCharger{
			Serial:          c.Serial,
			Vendor:          c.Vendor,
			Model:           c.Model,
			FirmwareVersion: c.FirmwareVersion,
			IsActive:        c.IsActive,
		}
		if c.ConnectorID != nil {
			sc.ConnectorID = *c.ConnectorID
		}

		txs, err := s.Transactions.ListBySerial(r.Context(), c.Serial, 200)
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		for _, t := range txs {
			if c.ConnectorID != nil && t.ConnectorID != *c.ConnectorID {
				continue
			}
			st := remotesync.SnapshotTransaction{
				ConnectorID: t.ConnectorID,
				IDTag:       t.IDTag,
				StartTime:   t.StartTime.Format(time.RFC3339),
			}
			if t.StopTime != nil {
				st.StopTime = t.StopTime.Format(time.RFC3339)
			}
			if t.MeterStart != nil {
				st.MeterStart = *t.MeterStart
			}
			if t.MeterStop != nil {
				st.MeterStop = *t.MeterStop
			}
			if t.Reason != nil {
				st.Reason = *t.Reason
			}
			sc.Transactions = append(sc.Transactions, st)
		}
		snap.Chargers = append(snap.Chargers, sc)
	}

	s.Logger.Info("served snapshot",
		zap.String("node", node.ID), zap.Int("chargers", len(snap.Chargers)))
	writeJSON(w, snap)
}

// PullSnapshot fetches a peer's snapshot and applies it locally, returning
// the created/updated/synced counts.
func (s *Server) PullSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.Sync == nil {
		http.Error(w, "node key not configured", http.StatusServiceUnavailable)
		return
	}
	nodeID := chi.URLParam(r, "nodeId")
	node, err := s.Nodes.Get(r.Context(), nodeID)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if node == nil {
		http.NotFound(w, r)
		return
	}

	snap, err := s.Sync.FetchSnapshot(r.Context(), node)
	if err != nil {
		s.Logger.Warn("snapshot fetch failed", zap.String("node", nodeID), zap.Error(err))
		http.Error(w, "fetch failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	counts, err := remotesync.Apply(r.Context(), s.Chargers, s.Transactions, snap)
	if err != nil {
		http.Error(w, "apply failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Info("applied snapshot", zap.String("node", nodeID), zap.Stringer("counts", counts))
	writeJSON(w, map[string]any{
		"chargersCreated":    counts.ChargersCreated,
		"chargersUpdated":    counts.ChargersUpdated,
		"transactionsSynced": counts.TransactionsSynced,
	})
}

// ReceiveForwardingMetadata accepts a peer's announcement that it will relay
// a charger's traffic here, recording the claim for observability.
func (s *Server) ReceiveForwardingMetadata(w http.ResponseWriter, r *http.Request) {
	raw, node, ok := s.verifySignedBody(w, r)
	if !ok {
		return
	}

	var meta struct {
		Serial  string   `json:"serial"`
		Actions []string `json:"actions"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.Serial == "" {
		http.Error(w, "missing serial", http.StatusBadRequest)
		return
	}

	s.Logger.Info("forwarding metadata accepted",
		zap.String("node", node.ID),
		zap.String("serial", meta.Serial),
		zap.Int("actions", len(meta.Actions)))
	writeJSON(w, map[string]any{"accepted": true})
}

