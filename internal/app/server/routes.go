// Package server exposes the admin API: block inspection, manual unblock,
// whitelist management, statistics and defense tunables.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"logward/internal/auth"
	"logward/internal/blocker"
	"logward/internal/pipeline"
	"logward/internal/proxyrange"

	"github.com/charmbracelet/log"
)

// Deps are the live engine components the handlers operate on.
type Deps struct {
	Defender  *blocker.Blocker
	Whitelist *blocker.Whitelist
	Stats     *pipeline.Stats
	Ranges    *proxyrange.Store

	// ApplySettings pushes the freshly persisted configuration into the
	// running components after a settings update.
	ApplySettings func()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler builds the admin API router. Split from OpenRoutes for tests.
func Handler(deps Deps) http.Handler {
	h := &handlers{deps: deps}

	router := http.NewServeMux()
	router.HandleFunc("POST /login", h.login)

	router.Handle("GET /blocks", auth.RequireAuth(http.HandlerFunc(h.listBlocks)))
	router.Handle("DELETE /blocks/{ip}", auth.RequireAuth(http.HandlerFunc(h.unblock)))
	router.Handle("GET /events", auth.RequireAuth(http.HandlerFunc(h.listEvents)))

	router.Handle("GET /whitelist", auth.RequireAuth(http.HandlerFunc(h.listWhitelist)))
	router.Handle("POST /whitelist", auth.RequireAuth(http.HandlerFunc(h.addWhitelist)))
	router.Handle("DELETE /whitelist/{ip}", auth.RequireAuth(http.HandlerFunc(h.removeWhitelist)))

	router.Handle("GET /stats", auth.RequireAuth(http.HandlerFunc(h.getStats)))
	router.Handle("GET /ranges", auth.RequireAuth(http.HandlerFunc(h.getRanges)))
	router.Handle("GET /settings", auth.RequireAuth(http.HandlerFunc(h.getSettings)))
	router.Handle("POST /settings", auth.RequireAuth(http.HandlerFunc(h.saveSettings)))

	return enableCORS(router)
}

// OpenRoutes serves the admin API until ctx is cancelled.
func OpenRoutes(ctx context.Context, port int, deps Deps) error {
	addr := fmt.Sprintf(":%d", port)
	log.Info("starting admin api", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
