// Package api exposes a read-only status and metrics HTTP surface for
// a running batch.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"bananabatch/pkg/credential"
	"bananabatch/pkg/logging"
)

// Server serves /status, /metrics and /healthz while a batch runs
type Server struct {
	srv     *http.Server
	tracker *Tracker
	pool    *credential.Pool
	log     *logging.Logger
}

// NewServer creates the status server. pool may be nil.
func NewServer(addr string, tracker *Tracker, pool *credential.Pool, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	s := &Server{
		tracker: tracker,
		pool:    pool,
		log:     log.WithField("component", "api"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() {
	go func() {
		s.log.Info("status server listening", map[string]interface{}{
			"addr": s.srv.Addr,
		})
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type hostStatus struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

type statusResponse struct {
	Progress    Progress          `json:"progress"`
	Credentials []credential.Info `json:"credentials,omitempty"`
	Host        hostStatus        `json:"host"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if s.tracker != nil {
		resp.Progress = s.tracker.Snapshot()
	}
	if s.pool != nil {
		resp.Credentials = s.pool.Snapshot()
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp.Host.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Host.MemoryPercent = vm.UsedPercent
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
