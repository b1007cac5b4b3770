package remote

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/furrowdb/furrow/internal/fact"
)

// Server exposes one node's participant surface over HTTP.
type Server struct {
	link Link
	log  *zap.Logger
	mux  *mux.Router
}

func NewServer(link Link, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		link: link,
		log:  log.With(zap.String("node", string(link.Node()))),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	v1.HandleFunc("/totals", s.handleTotals).Methods(http.MethodGet)
	v1.HandleFunc("/dimensions/{table}/checksum", s.handleChecksum).Methods(http.MethodGet)
	v1.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)

	v1.HandleFunc("/txn/prepared", s.handleListPrepared).Methods(http.MethodGet)
	v1.HandleFunc("/txn/{id}/exec", s.handleExec).Methods(http.MethodPost)
	v1.HandleFunc("/txn/{id}/prepare", s.handlePrepare).Methods(http.MethodPost)
	v1.HandleFunc("/txn/{id}/commit", s.handleCommit).Methods(http.MethodPost)
	v1.HandleFunc("/txn/{id}/rollback", s.handleRollback).Methods(http.MethodPost)
	v1.HandleFunc("/txn/{id}/abort", s.handleAbort).Methods(http.MethodPost)

	v1.HandleFunc("/locks", s.handleLocks).Methods(http.MethodGet)
	// Rule keys contain a slash ("crop_total/7"), hence the greedy match.
	v1.HandleFunc("/rules/{key:.+}", s.handleGetRule).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{key:.+}", s.handleSetRule).Methods(http.MethodPut)
	v1.HandleFunc("/fields", s.handleUpsertField).Methods(http.MethodPut)
	v1.HandleFunc("/crops", s.handleUpsertCrop).Methods(http.MethodPut)
	v1.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)

	s.mux = r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	env, status := encodeError(err)
	s.log.Debug("request failed",
		zap.String("path", r.URL.Path),
		zap.String("code", env.Code),
		zap.Error(err))
	s.writeJSON(w, status, env)
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, wireError{Message: "bad request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"node":   string(s.link.Node()),
		"status": "ok",
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q fact.Query
	if !s.readJSON(w, r, &q) {
		return
	}
	rows, err := s.link.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.link.CropTotals(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleChecksum(w http.ResponseWriter, r *http.Request) {
	sum, err := s.link.DimensionChecksum(r.Context(), mux.Vars(r)["table"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"checksum": sum})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := s.link.AuditTrail(r.Context(), r.URL.Query().Get("subject"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trail)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Statements []fact.Statement `json:"statements"`
	}
	if !s.readJSON(w, r, &body) {
		return
	}
	if err := s.link.Exec(r.Context(), mux.Vars(r)["id"], body.Statements); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if err := s.link.Prepare(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if err := s.link.CommitPrepared(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.link.RollbackPrepared(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.link.Abort(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPrepared(w http.ResponseWriter, r *http.Request) {
	pendingOnly := r.URL.Query().Get("pending") == "1"
	txns, err := s.link.ListPrepared(r.Context(), pendingOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.link.Locks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok, err := s.link.GetRule(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, wireError{Code: ruleNotFoundCode, Message: "rule not configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleSetRule(w http.ResponseWriter, r *http.Request) {
	var rule fact.Rule
	if !s.readJSON(w, r, &rule) {
		return
	}
	rule.Key = mux.Vars(r)["key"]
	if err := s.link.SetRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertField(w http.ResponseWriter, r *http.Request) {
	var f fact.Field
	if !s.readJSON(w, r, &f) {
		return
	}
	if err := s.link.UpsertField(r.Context(), f); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertCrop(w http.ResponseWriter, r *http.Request) {
	var c fact.Crop
	if !s.readJSON(w, r, &c) {
		return
	}
	if err := s.link.UpsertCrop(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.link.VerifyIntegrity(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
