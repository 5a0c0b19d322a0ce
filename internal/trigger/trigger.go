// Package trigger exposes action-kind flows over HTTP: POST /flows/{name}
// invokes the flow synchronously with the request body as user_payload and
// returns the per-job results.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/logi"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/rakunlabs/flowrunner/internal/flow"
	"github.com/rakunlabs/flowrunner/internal/flowcfg"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// Server serves registered action flows over HTTP.
type Server struct {
	addr   string
	server *ada.Server

	mu    sync.RWMutex
	flows map[string]flowcfg.Flow

	reg *registry.Registry
}

// New builds the trigger server. reg may be nil to use a snapshot of the
// global operation registry.
func New(addr string, reg *registry.Registry) *Server {
	if reg == nil {
		reg = registry.Global.Clone()
	}

	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
	)

	s := &Server{
		addr:   addr,
		server: mux,
		flows:  make(map[string]flowcfg.Flow),
		reg:    reg,
	}

	root := mux.Group("")
	root.POST("/flows/*", s.runFlowAPI)

	return s
}

// LoadDir scans dir and registers every action-kind flow. A duplicate flow
// name is a config error.
func (s *Server) LoadDir(ctx context.Context, dir string) error {
	flows, err := flowcfg.LoadDir(dir)
	if err != nil {
		return err
	}

	logger := logi.Ctx(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cfg := range flows {
		if cfg.Kind != flowcfg.KindAction {
			continue
		}

		// Validate up front so a broken flow file is rejected at startup
		// rather than on first request.
		f := flow.New(*cfg, flow.WithRegistry(s.reg))
		if err := f.Validate(); err != nil {
			return err
		}

		logger.Info("trigger: registered action flow", "flow", cfg.Name)
		s.flows[cfg.Name] = *cfg
	}

	return nil
}

// Start runs the HTTP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	logi.Ctx(ctx).Info("trigger: listening", "addr", s.addr)
	return s.server.StartWithContext(ctx, s.addr)
}

// runFlowAPI handles POST /flows/{name}: the JSON body becomes the flow's
// user_payload, the flow runs synchronously, and the response is the
// per-job result map.
func (s *Server) runFlowAPI(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/flows/")
	name = strings.Trim(name, "/")
	if name == "" {
		httpError(w, "flow name is required", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	cfg, ok := s.flows[name]
	s.mu.RUnlock()
	if !ok {
		httpError(w, "flow "+name+" not found", http.StatusNotFound)
		return
	}

	var payload map[string]any
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	// Each invocation runs on a fresh Flow so concurrent requests never
	// share mutable job state.
	f := flow.New(cfg, flow.WithRegistry(s.reg))
	f.SetUserPayload(payload)

	if err := f.Run(r.Context()); err != nil {
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httpJSON(w, f.Results(), http.StatusOK)
}

func httpError(w http.ResponseWriter, msg string, code int) {
	httpJSON(w, map[string]string{"error": msg}, code)
}

func httpJSON(w http.ResponseWriter, v any, code int) {
	b, _ := json.Marshal(v)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
