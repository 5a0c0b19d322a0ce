package operations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/logi"

	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// webhookOperation is a fire-and-forget ingest source: each POST to
// /webhooks/{name} becomes an identity-carrying message tagged with the
// webhook name as its source, and the caller immediately gets 202 with the
// generated UUID.
//
// Params:
//
//	"host_addr": string — listen address (required)
//	"webhooks":  array  — accepted webhook names; empty accepts any name
type webhookOperation struct {
	hostAddr string
	webhooks map[string]bool
}

func init() {
	registry.Register("webhook", func() registry.Operation { return &webhookOperation{} })
}

func (o *webhookOperation) Validate(params map[string]any) error {
	o.hostAddr = paramString(params, "host_addr")
	if o.hostAddr == "" {
		return errors.New("webhook: 'host_addr' is required")
	}

	names := paramStringSlice(params, "webhooks")
	o.webhooks = make(map[string]bool, len(names))
	for _, n := range names {
		o.webhooks[n] = true
	}

	return nil
}

func (o *webhookOperation) Run(ctx context.Context, sender string, _, outbound []message.Endpoint, _ map[string]any) (registry.Result, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
	)

	root := mux.Group("")
	root.POST("/webhooks/*", func(w http.ResponseWriter, req *http.Request) {
		name := strings.Trim(strings.TrimPrefix(req.URL.Path, "/webhooks/"), "/")
		if name == "" {
			httpServerJSON(w, map[string]any{"error": "webhook name is required"}, http.StatusNotFound)
			return
		}
		if len(o.webhooks) > 0 && !o.webhooks[name] {
			httpServerJSON(w, map[string]any{"error": "unknown webhook " + name}, http.StatusNotFound)
			return
		}

		var payload any
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			httpServerJSON(w, map[string]any{"error": "invalid JSON body: " + err.Error()}, http.StatusBadRequest)
			return
		}

		msg := message.NewJSONWithSender("", sender, name, payload)
		for i := range outbound {
			if err := outbound[i].Send(req.Context(), msg); err != nil {
				logi.Ctx(req.Context()).Error("webhook: failed to emit message", "webhook", name, "error", err)
			}
		}

		httpServerJSON(w, map[string]any{"uuid": msg.UUID}, http.StatusAccepted)
	})

	logi.Ctx(ctx).Info("webhook: listening", "addr", o.hostAddr)
	if err := mux.StartWithContext(ctx, o.hostAddr); err != nil && ctx.Err() == nil {
		return ko(err), nil
	}

	return ok(nil), nil
}

func (o *webhookOperation) SetDatastore(kvstore.Store) {}

func (o *webhookOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "webhook",
		Version:     "v1.0.0",
		Description: "webhook receiver source",
	}
}
