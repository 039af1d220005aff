package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"csms/internal/config"
	"csms/internal/ocpp"
	"csms/internal/remotesync"
	"csms/internal/repo"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	Cfg          config.Config
	Logger       *zap.Logger
	Chargers     *repo.ChargersRepo
	State        *repo.StateRepo
	Transactions *repo.TransactionsRepo
	Meters       *repo.MetersRepo
	Commands     *repo.CommandsRepo
	Nodes        *repo.NodesRepo
	Reservations *repo.ReservationsRepo
	Endpoint     *ocpp.Endpoint
	Sync         *remotesync.Client
}

func NewServer(cfg config.Config, logger *zap.Logger, chargers *repo.ChargersRepo, state *repo.StateRepo, transactions *repo.TransactionsRepo, meters *repo.MetersRepo, commands *repo.CommandsRepo, nodes *repo.NodesRepo, reservations *repo.ReservationsRepo, endpoint *ocpp.Endpoint, sync *remotesync.Client) *Server {
	return &Server{
		Cfg:          cfg,
		Logger:       logger.Named("http"),
		Chargers:     chargers,
		State:        state,
		Transactions: transactions,
		Meters:       meters,
		Commands:     commands,
		Nodes:        nodes,
		Reservations: reservations,
		Endpoint:     endpoint,
		Sync:         sync,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws/ocpp/{identity}", s.Endpoint.ServeHTTP)

	// Node-to-node surface, authenticated per-request by RSA signature.
	r.Post("/api/snapshot", s.ServeSnapshot)
	r.Post("/api/forwarding/metadata", s.ReceiveForwardingMetadata)

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RequireBearer(s.Cfg.APIToken, next) })
		r.Get("/chargers/{serial}", s.GetCharger)
		r.Get("/chargers/{serial}/connectors", s.ListConnectors)
		r.Get("/chargers/{serial}/transactions", s.ListTransactions)
		r.Get("/chargers/{serial}/log", s.TailChargerLog)
		r.Get("/transactions/{transactionId}", s.GetTransaction)
		r.Get("/reservations/{reservationId}", s.GetReservation)
		r.Get("/nodes", s.ListNodes)
		r.Get("/connections", s.ListConnections)
		r.Post("/commands", s.CreateAndSendCommand)
		r.Post("/sync/{nodeId}", s.PullSnapshot)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) GetCharger(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	ch, err := s.Chargers.Get(r.Context(), serial)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if ch == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, ch)
}

func (s *Server) ListConnectors(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	states, err := s.State.ListConnectors(r.Context(), serial)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, states)
}

func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if r.URL.Query().Get("open") == "1" {
		txs, err := s.Transactions.ListOpenBySerial(r.Context(), serial)
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, txs)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := s.Transactions.ListBySerial(r.Context(), serial, limit)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, txs)
}

func (s *Server) GetReservation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "reservationId"))
	if err != nil {
		http.Error(w, "bad reservation id", http.StatusBadRequest)
		return
	}
	res, err := s.Reservations.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if res == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, res)
}

func (s *Server) ListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Endpoint.ConnectedIdentities())
}

func (s *Server) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Nodes.List(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, nodes)
}

func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "transactionId"))
	if err != nil {
		http.Error(w, "bad transaction id", http.StatusBadRequest)
		return
	}
	tx, err := s.Transactions.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if tx == nil {
		http.NotFound(w, r)
		return
	}
	readings, err := s.Meters.ListByTransaction(r.Context(), id, 0)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"transaction": tx, "meterValues": readings})
}

func (s *Server) TailChargerLog(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	n, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	if n <= 0 {
		n = 50
	}
	writeJSON(w, map[string]any{
		"serial": serial,
		"lines":  s.Endpoint.TailLog(serial, n),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
