// Package api serves a read-only HTTP view of a host: scheduler counters,
// registered circuits, slot records and raw accounts.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"Obscura/internal/compdef"
	"Obscura/internal/ledger"
	"Obscura/internal/logger"
	"Obscura/internal/runtime"
	"Obscura/internal/scheduler"
	"Obscura/internal/storage"
)

// DefinitionLister lists registered circuits.
type DefinitionLister interface {
	List() []*compdef.Definition
}

// DeliveryStatus exposes the host's callback routing state.
type DeliveryStatus interface {
	Counters() runtime.Counters
	Programs() []string
}

// Server is the HTTP API server.
type Server struct {
	addr   string           // addr is the HTTP listen address
	ledger *ledger.Ledger   // ledger serves accounts and scans
	defs   DefinitionLister // defs lists circuits
	host   DeliveryStatus   // host reports deliveries
	server *http.Server     // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, l *ledger.Ledger, defs DefinitionLister, host DeliveryStatus) *Server {
	return &Server{
		addr:   addr,
		ledger: l,
		defs:   defs,
		host:   host,
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /definitions", s.handleDefinitions)
	mux.HandleFunc("GET /slots/{instance}", s.handleSlots)
	mux.HandleFunc("GET /accounts/{address}", s.handleAccount)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Scheduler scheduler.Stats  `json:"scheduler"`
	Delivery  runtime.Counters `json:"delivery"`
	Programs  []string         `json:"programs"`
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := scheduler.ReadStats(s.storage())
	if err != nil {
		logger.Warn("read stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats not available")
		return
	}

	resp := StatusResponse{Scheduler: stats, Programs: []string{}}
	if s.host != nil {
		resp.Delivery = s.host.Counters()
		resp.Programs = s.host.Programs()
	}

	writeJSON(w, http.StatusOK, resp)
}

// DefinitionInfo describes one registered circuit.
type DefinitionInfo struct {
	Name       string `json:"name"`
	Offset     uint32 `json:"offset"`
	Descriptor string `json:"descriptor"`
	Returns    string `json:"returns"`
	Size       int    `json:"size"`
}

// handleDefinitions handles GET /definitions requests.
func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	out := []DefinitionInfo{}

	if s.defs != nil {
		for _, d := range s.defs.List() {
			out = append(out, DefinitionInfo{
				Name:       d.Name,
				Offset:     d.Offset,
				Descriptor: hex.EncodeToString(d.Descriptor[:]),
				Returns:    d.Returns.String(),
				Size:       d.Returns.Size(),
			})
		}
	}

	writeJSON(w, http.StatusOK, out)
}

// SlotInfo describes one slot of an instance.
type SlotInfo struct {
	Slot       uint64 `json:"slot"`
	Definition uint32 `json:"definition"`
	Callback   string `json:"callback"`
	Status     string `json:"status"`
	Sequence   uint64 `json:"sequence"`
}

// handleSlots handles GET /slots/{instance} requests.
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	instance, err := ledger.ParseAddress(r.PathValue("instance"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := scheduler.ReadSlots(s.storage(), instance)
	if err != nil {
		logger.Warn("read slots failed", "instance", instance.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "slots not available")
		return
	}

	out := make([]SlotInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, SlotInfo{
			Slot:       e.Slot,
			Definition: e.Definition,
			Callback:   e.Callback.String(),
			Status:     e.Status.String(),
			Sequence:   e.Sequence,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// AccountInfo is the body of GET /accounts/{address}.
type AccountInfo struct {
	Address string `json:"address"`
	Owner   string `json:"owner"`
	Data    string `json:"data"`
}

// handleAccount handles GET /accounts/{address} requests.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := ledger.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acc, err := s.ledger.Account(addr)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "account not available")
		return
	}

	writeJSON(w, http.StatusOK, AccountInfo{
		Address: addr.String(),
		Owner:   acc.Owner,
		Data:    hex.EncodeToString(acc.Data),
	})
}

// storage returns the store behind the ledger.
func (s *Server) storage() *storage.Storage {
	return s.ledger.Storage()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
