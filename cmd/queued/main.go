// Command queued wires an Engine from environment configuration and runs
// it until an interrupt, exposing a minimal HTTP admin surface (enqueue,
// status, stats, dead-letter listing) over the programmatic Engine API.
// Not a specified component of the engine itself — the embedding
// application's real API surface is out of scope — but an engine with no
// process to run it is not a deliverable Go module, so this binary exists
// to wire one. Follows the teacher's "construct from Config, Run until
// signal" main-package shape.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/config"
	"github.com/aneuhaus/http-queue-manager/internal/engine"
	"github.com/aneuhaus/http-queue-manager/internal/queue"
	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
	"github.com/aneuhaus/http-queue-manager/internal/telemetry"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("queued: config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("queued: telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Printf("queued: telemetry shutdown error: %v", err)
		}
	}()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		log.Fatalf("queued: engine: %v", err)
	}
	eng.Start(ctx)

	if err := tel.RegisterQueueDepthCallback(func(ctx context.Context) (int64, error) {
		stats, err := eng.GetStats(ctx)
		if err != nil {
			return 0, err
		}
		return int64(stats.Pending + stats.Processing), nil
	}); err != nil {
		log.Printf("queued: telemetry: %v", err)
	}

	addr := os.Getenv("QUEUE_ADMIN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: newAdminMux(eng)}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("queued: admin server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("queued: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Printf("queued: engine shutdown error: %v", err)
	}
}

func newAdminMux(eng *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/requests", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var input queue.EnqueueInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := eng.Enqueue(r.Context(), input)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})

	mux.HandleFunc("/requests/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/requests/"):]
		if id == "" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			state, err := eng.GetStatus(r.Context(), id)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, state)
		case http.MethodDelete:
			ok, err := eng.Cancel(r.Context(), id)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := eng.GetStats(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("/backpressure", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.GetBackpressureState())
	})

	mux.HandleFunc("/dead-letter", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		reqs, err := eng.GetDeadLetterRequests(r.Context(), limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reqs)
	})

	mux.HandleFunc("/dead-letter/retry", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if err := eng.RetryDeadRequest(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/pause", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		eng.Pause(ctx)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		eng.Resume(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case queueerr.IsNotFound(err):
		status = http.StatusNotFound
	case errorsIsValidation(err):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func errorsIsValidation(err error) bool {
	qe, ok := err.(*queueerr.QueueError)
	return ok && (qe.Kind == queueerr.KindValidation || qe.Kind == queueerr.KindShuttingDown)
}
