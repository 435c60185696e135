package stats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// StatusResponse is the body of GET /api/stats.
type StatusResponse struct {
	Report  Report   `json:"report"`
	Current Snapshot `json:"current"`
	History []Sample `json:"history"`
}

// Handler serves the counters and the reporter history as JSON. Only GET
// is allowed.
func Handler(counters *Counters, reporter *Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			getStatsHandler(w, counters, reporter)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func getStatsHandler(w http.ResponseWriter, counters *Counters, reporter *Reporter) {
	slog.Debug("Handling GET /api/stats request")
	resp := StatusResponse{
		Current: counters.Snapshot(),
	}
	if reporter != nil {
		resp.Report = reporter.Latest.Value()
		resp.History = reporter.History()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode statistics to JSON", "error", err)
		http.Error(w, "Failed to serialize statistics", http.StatusInternalServerError)
	}
}

// Serve runs the status HTTP server on addr until stop is closed. It
// should be called as a goroutine.
func Serve(addr string, handler http.Handler, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/api/stats", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down status server", "error", err)
		}
	}()

	slog.Info("Status server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Status server failed", "addr", addr, "error", err)
	}
	<-done
}
