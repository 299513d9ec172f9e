package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	migerr "github.com/maloquacious/todomigrate/internal/errors"
	"github.com/maloquacious/todomigrate/internal/migration"
	"github.com/maloquacious/todomigrate/internal/schema"
	"github.com/maloquacious/todomigrate/internal/store"
)

var (
	port       int
	adminPort  int
	exitAfter  time.Duration
	publicDir  string
	shutdownTO time.Duration
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the committed collection schema over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "public HTTP port (overrides config)")
	serveCmd.Flags().IntVar(&adminPort, "admin-port", 0, "admin HTTP port (JSON, loopback only; overrides config)")
	serveCmd.Flags().StringVar(&publicDir, "public", "", "directory for static public assets (overrides config)")
	serveCmd.Flags().DurationVar(&shutdownTO, "shutdown-timeout", 0, "graceful shutdown timeout (overrides config)")
	serveCmd.Flags().DurationVar(&exitAfter, "exit-after", 0, "optional runtime; if set, server exits after this duration (testing)")
	return serveCmd
}

// schemaServer answers schema reads from the committed snapshot, so clients
// never observe a migration that is still in flight.
type schemaServer struct {
	store    store.Store
	records  []*migration.Record
	expected string
	started  time.Time
	now      func() time.Time
}

func newSchemaServer(s store.Store, records []*migration.Record) *schemaServer {
	return &schemaServer{
		store:    s,
		records:  records,
		expected: latestKey(records),
		started:  time.Now().UTC(),
		now:      time.Now,
	}
}

// publicRoutes serves the schema API, health checks and static assets.
func (srv *schemaServer) publicRoutes(publicDir string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Serve /public (index.html) by default
		http.ServeFile(w, r, filepath.Join(publicDir, "index.html"))
	})

	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		state, err := srv.store.CheckState()
		if err != nil || state != store.StateReady {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "NOT READY: datastore %s", state)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	mux.HandleFunc("GET /api/collections", srv.listCollections)
	mux.HandleFunc("GET /api/collections/{ref}", srv.getCollection)

	// Static under /public/* (maps to ./public)
	mux.Handle("/public/", http.StripPrefix("/public/", http.FileServer(http.Dir(publicDir))))
	return mux
}

// adminRoutes serves the JSON-only admin API. shutdown is called by
// /admin/shutdown once the response has been written.
func (srv *schemaServer) adminRoutes(shutdown func()) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/admin/status", jsonOnly(http.HandlerFunc(srv.status)))

	mux.Handle("/admin/shutdown", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "shutting down"})
		go func() {
			// give the response a moment to flush
			time.Sleep(200 * time.Millisecond)
			shutdown()
		}()
	})))
	return mux
}

func (srv *schemaServer) listCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := srv.store.LoadSchema(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	if cols == nil {
		cols = []schema.Collection{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"items":      cols,
		"totalItems": len(cols),
	})
}

func (srv *schemaServer) getCollection(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	cols, err := srv.store.LoadSchema(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	mem := schema.NewStore()
	if err := mem.Restore(cols); err != nil {
		writeKindError(w, err)
		return
	}
	c, err := mem.FindCollection(ref)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, c)
}

func (srv *schemaServer) status(w http.ResponseWriter, r *http.Request) {
	current, err := srv.store.GetSchemaVersion()
	if err != nil {
		writeKindError(w, err)
		return
	}
	state, err := srv.store.CheckState()
	if err != nil {
		writeKindError(w, err)
		return
	}
	entries, err := srv.store.Entries(r.Context())
	if err != nil {
		writeKindError(w, err)
		return
	}
	applied := make(map[int64]bool, len(entries))
	for _, e := range entries {
		applied[e.ID] = true
	}
	pending := 0
	for _, rec := range srv.records {
		if !applied[rec.ID] {
			pending++
		}
	}

	mode := "running"
	if state != store.StateReady {
		mode = "maintenance"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version":         version.String(),
		"schemaVersion":   current,
		"expectedVersion": srv.expected,
		"pending":         pending,
		"state":           state.String(),
		"buildDate":       buildDate,
		"startedAt":       srv.started.Format(time.RFC3339),
		"time":            srv.now().UTC().Format(time.RFC3339),
		"mode":            mode,
	})
}

// runServe starts both the public and admin (JSON) servers with graceful shutdown.
func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Serve.Port = port
	}
	if flags.Changed("admin-port") {
		cfg.Serve.AdminPort = adminPort
	}
	if flags.Changed("public") {
		cfg.Serve.PublicDir = publicDir
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Serve.ShutdownTimeout = shutdownTO
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	records, err := loadRecords()
	if err != nil {
		return err
	}
	s, err := openStore(records)
	if err != nil {
		return err
	}
	defer s.Close()

	if state, err := s.CheckState(); err != nil {
		return err
	} else if state != store.StateReady {
		log.Warn("datastore is %s; /ready reports 503 until 'app migrate up' runs", state)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	srv := newSchemaServer(s, records)
	publicSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Serve.Port),
		Handler: srv.publicRoutes(cfg.Serve.PublicDir),
	}

	// Bind admin to 127.0.0.1 only (loopback enforcement)
	adminListener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Serve.AdminPort))
	if err != nil {
		return migerr.Wrap(migerr.KindIO, err, "admin listener bind failed (loopback only)")
	}
	adminSrv := &http.Server{
		Handler: srv.adminRoutes(stop),
	}

	errCh := make(chan error, 2)

	go func() {
		log.Info("public server listening on :%d", cfg.Serve.Port)
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public server error: %w", err)
		}
	}()

	go func() {
		log.Info("admin server listening on 127.0.0.1:%d (JSON-only)", cfg.Serve.AdminPort)
		if err := adminSrv.Serve(adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	// Optional run timer
	if exitAfter > 0 {
		log.Info("exit-after timer set: %s", exitAfter)
		time.AfterFunc(exitAfter, stop)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		// graceful shutdown
	case serveErr = <-errCh:
		log.Error("%v", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Serve.ShutdownTimeout)
	defer cancel()

	_ = publicSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
	return serveErr
}

// jsonOnly enforces JSON-only contract for admin routes.
func jsonOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Require Accept: application/json (at least for admin)
		accept := r.Header.Get("Accept")
		if !strings.Contains(accept, "application/json") && accept != "" {
			writeJSONError(w, http.StatusNotAcceptable, "not_acceptable", "Accept must include application/json")
			return
		}
		if r.Method != http.MethodGet && !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSONResponse(w, status, map[string]string{
		"error":   code,
		"message": msg,
	})
}

// writeKindError maps a structured error to an HTTP status.
func writeKindError(w http.ResponseWriter, err error) {
	kind := migerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case migerr.KindNotFound:
		status = http.StatusNotFound
	case migerr.KindInvalid:
		status = http.StatusBadRequest
	case migerr.KindLocked:
		status = http.StatusServiceUnavailable
	}
	code := strings.ToLower(string(kind))
	if code == "" {
		code = "internal"
	}
	writeJSONError(w, status, code, err.Error())
}
