// Package httpapi exposes the operator command surface of spec §6 over
// HTTP, plus Prometheus metrics and the security middleware every
// request passes through (ported from the teacher's internal/node).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clustercore/internal/bus"
	"clustercore/internal/clusternode"
	"clustercore/internal/router"
)

// Server wraps one ClusterNode with the operator HTTP surface. Every
// handler body runs inside node.Submit, so no handler goroutine ever
// touches Cluster/Store/Router state outside the single actor's turn
// (spec §5).
type Server struct {
	node       *clusternode.ClusterNode
	metrics    *Metrics
	securityMW *SecurityMiddleware
	uptime     time.Time
}

func NewServer(node *clusternode.ClusterNode) *Server {
	metrics := NewMetrics()
	node.SetMetrics(metrics)

	return &Server{
		node: node,
		metrics: metrics,
		securityMW: NewSecurityMiddleware(
			100,          // requests/sec per IP
			200,          // burst
			1024*1024,    // 1MB max request body; operator payloads are small
			metrics.registry,
		),
		uptime: time.Now(),
	}
}

func (s *Server) Close() error {
	s.securityMW.Close()
	return nil
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.securityMW.Middleware)
	r.Use(TimeoutMiddleware(30 * time.Second))

	r.HandleFunc("/health", s.instrument("health", s.healthHandler)).Methods("GET")
	r.HandleFunc("/v1/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP).Methods("GET")
	r.HandleFunc("/v1/cluster/info", s.instrument("info", s.infoHandler)).Methods("GET")
	r.HandleFunc("/v1/cluster/peers", s.instrument("peers", s.peersHandler)).Methods("GET")
	r.HandleFunc("/v1/cluster/meet", s.instrument("meet", s.meetHandler)).Methods("POST")
	r.HandleFunc("/v1/cluster/forget", s.instrument("forget", s.forgetHandler)).Methods("POST")
	r.HandleFunc("/v1/cluster/replicate", s.instrument("replicate", s.replicateHandler)).Methods("POST")
	r.HandleFunc("/v1/cluster/replicas/{id}", s.instrument("replicas", s.replicasHandler)).Methods("GET")
	r.HandleFunc("/v1/cluster/failover", s.instrument("failover", s.failoverHandler)).Methods("POST")
	r.HandleFunc("/v1/cluster/saveconfig", s.instrument("saveconfig", s.saveConfigHandler)).Methods("POST")
	r.HandleFunc("/v1/cluster/reset", s.instrument("reset", s.resetHandler)).Methods("POST")
	r.HandleFunc("/v1/cluster/config-epoch", s.instrument("config-epoch", s.setConfigEpochHandler)).Methods("POST")
	r.HandleFunc("/v1/cluster/keyslot", s.instrument("keyslot", s.keySlotHandler)).Methods("GET")
	r.HandleFunc("/v1/cluster/route", s.instrument("route", s.routeHandler)).Methods("GET")

	slots := r.PathPrefix("/v1/cluster/slots").Subrouter()
	slots.HandleFunc("/flush", s.instrument("flushslots", s.flushSlotsHandler)).Methods("POST")
	slots.HandleFunc("/add", s.instrument("addslots", s.addSlotsHandler)).Methods("POST")
	slots.HandleFunc("/del", s.instrument("delslots", s.delSlotsHandler)).Methods("POST")
	slots.HandleFunc("/{slot}/migrating", s.instrument("setslot-migrating", s.setSlotMigratingHandler)).Methods("POST")
	slots.HandleFunc("/{slot}/importing", s.instrument("setslot-importing", s.setSlotImportingHandler)).Methods("POST")
	slots.HandleFunc("/{slot}/stable", s.instrument("setslot-stable", s.setSlotStableHandler)).Methods("POST")
	slots.HandleFunc("/{slot}/owner", s.instrument("setslot-owner", s.setSlotOwnerHandler)).Methods("POST")
	slots.HandleFunc("/{slot}/keys", s.instrument("getkeysinslot", s.keysInSlotHandler)).Methods("GET")

	return r
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(wrapped, r)
		s.metrics.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		s.metrics.requestTotal.WithLabelValues(endpoint, strconv.Itoa(wrapped.statusCode)).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"uptime": time.Since(s.uptime).String(),
	})
}

func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	var info string
	s.node.Submit(func() { info = s.node.Info() })
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(info))
}

func (s *Server) peersHandler(w http.ResponseWriter, r *http.Request) {
	var peers []clusternode.PeerSummary
	s.node.Submit(func() { peers = s.node.Peers() })
	writeJSON(w, http.StatusOK, peers)
}

type meetRequest struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (s *Server) meetHandler(w http.ResponseWriter, r *http.Request) {
	var req meetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var opErr error
	s.node.Submit(func() { opErr = s.node.Meet(req.IP, req.Port) })
	if opErr != nil {
		writeError(w, http.StatusBadRequest, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type idRequest struct {
	ID string `json:"id"`
}

func parseIDField(w http.ResponseWriter, raw string) (bus.ID, bool) {
	id, err := bus.ParseID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return bus.ID{}, false
	}
	return id, true
}

func (s *Server) forgetHandler(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, ok := parseIDField(w, req.ID)
	if !ok {
		return
	}
	var opErr error
	s.node.Submit(func() { opErr = s.node.Forget(id) })
	if opErr != nil {
		writeError(w, http.StatusNotFound, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) replicateHandler(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, ok := parseIDField(w, req.ID)
	if !ok {
		return
	}
	var opErr error
	s.node.Submit(func() { opErr = s.node.SetReplicaOf(id) })
	if opErr != nil {
		writeError(w, http.StatusBadRequest, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) replicasHandler(w http.ResponseWriter, r *http.Request) {
	id, err := bus.ParseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var replicas []bus.ID
	s.node.Submit(func() { replicas = s.node.Replicas(id) })
	out := make([]string, 0, len(replicas))
	for _, replicaID := range replicas {
		out = append(out, replicaID.String())
	}
	writeJSON(w, http.StatusOK, out)
}

type failoverRequest struct {
	Force bool `json:"force"`
}

func (s *Server) failoverHandler(w http.ResponseWriter, r *http.Request) {
	var req failoverRequest
	json.NewDecoder(r.Body).Decode(&req)
	var opErr error
	s.node.Submit(func() { opErr = s.node.Failover(req.Force) })
	if opErr != nil {
		writeError(w, http.StatusBadRequest, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) saveConfigHandler(w http.ResponseWriter, r *http.Request) {
	var opErr error
	s.node.Submit(func() { opErr = s.node.SaveConfig() })
	if opErr != nil {
		writeError(w, http.StatusInternalServerError, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resetRequest struct {
	Hard bool `json:"hard"`
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	json.NewDecoder(r.Body).Decode(&req)
	var opErr error
	s.node.Submit(func() { opErr = s.node.Reset(req.Hard) })
	if opErr != nil {
		writeError(w, http.StatusInternalServerError, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type configEpochRequest struct {
	Epoch uint64 `json:"epoch"`
}

func (s *Server) setConfigEpochHandler(w http.ResponseWriter, r *http.Request) {
	var req configEpochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var opErr error
	s.node.Submit(func() { opErr = s.node.SetConfigEpoch(req.Epoch) })
	if opErr != nil {
		writeError(w, http.StatusBadRequest, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) keySlotHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	var slot int
	s.node.Submit(func() { slot = s.node.KeySlot(key) })
	writeJSON(w, http.StatusOK, map[string]int{"slot": slot})
}

type routeResult struct {
	Decision string `json:"decision"`
	Slot     int    `json:"slot"`
	Target   string `json:"target,omitempty"`
}

func (s *Server) routeHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	var result routeResult
	s.node.Submit(func() {
		decision := s.node.Router.Route(router.Request{Keys: []string{key}})
		result.Decision = decision.Decision.String()
		result.Slot = decision.Slot
		result.Target = decision.Target
	})
	s.metrics.IncRouterVerdict(result.Decision)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) flushSlotsHandler(w http.ResponseWriter, r *http.Request) {
	var opErr error
	s.node.Submit(func() { opErr = s.node.FlushSlots() })
	if opErr != nil {
		writeError(w, http.StatusConflict, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type slotsRequest struct {
	Slots []int `json:"slots"`
}

func (s *Server) addSlotsHandler(w http.ResponseWriter, r *http.Request) {
	var req slotsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var opErr error
	s.node.Submit(func() { opErr = s.node.AddSlots(req.Slots) })
	if opErr != nil {
		writeError(w, http.StatusBadRequest, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) delSlotsHandler(w http.ResponseWriter, r *http.Request) {
	var req slotsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var opErr error
	s.node.Submit(func() { opErr = s.node.DelSlots(req.Slots) })
	if opErr != nil {
		writeError(w, http.StatusBadRequest, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseSlotVar(w http.ResponseWriter, r *http.Request) (int, bool) {
	slot, err := strconv.Atoi(mux.Vars(r)["slot"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return 0, false
	}
	return slot, true
}

func (s *Server) setSlotMigratingHandler(w http.ResponseWriter, r *http.Request) {
	slot, ok := parseSlotVar(w, r)
	if !ok {
		return
	}
	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, ok := parseIDField(w, req.ID)
	if !ok {
		return
	}
	var opErr error
	s.node.Submit(func() { opErr = s.node.SetSlotMigrating(slot, target) })
	if opErr != nil {
		writeError(w, http.StatusBadRequest, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setSlotImportingHandler(w http.ResponseWriter, r *http.Request) {
	slot, ok := parseSlotVar(w, r)
	if !ok {
		return
	}
	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source, ok := parseIDField(w, req.ID)
	if !ok {
		return
	}
	var opErr error
	s.node.Submit(func() { opErr = s.node.SetSlotImporting(slot, source) })
	if opErr != nil {
		writeError(w, http.StatusBadRequest, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setSlotStableHandler(w http.ResponseWriter, r *http.Request) {
	slot, ok := parseSlotVar(w, r)
	if !ok {
		return
	}
	s.node.Submit(func() { s.node.SetSlotStable(slot) })
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setSlotOwnerHandler(w http.ResponseWriter, r *http.Request) {
	slot, ok := parseSlotVar(w, r)
	if !ok {
		return
	}
	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, ok := parseIDField(w, req.ID)
	if !ok {
		return
	}
	var opErr error
	s.node.Submit(func() { opErr = s.node.SetSlotOwner(slot, owner) })
	if opErr != nil {
		writeError(w, http.StatusBadRequest, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) keysInSlotHandler(w http.ResponseWriter, r *http.Request) {
	slot, ok := parseSlotVar(w, r)
	if !ok {
		return
	}
	var keys []string
	s.node.Submit(func() { keys = s.node.KeysInSlot(slot) })
	writeJSON(w, http.StatusOK, keys)
}
