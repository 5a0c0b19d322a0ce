package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/logi"

	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/rakunlabs/flowrunner/internal/jsonptr"
	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// httpRoute is one configured endpoint of the http_server source.
type httpRoute struct {
	Path   string
	Method string
	Result httpRouteResult
}

// httpRouteResult names where the reply payload comes from: the job whose
// result answers this route, the task inside that result, and an optional
// path inside the task's output.
type httpRouteResult struct {
	Job     string
	Task    string
	Payload string
}

// httpServerOperation is a streaming source: each configured route turns an
// HTTP request into an identity-carrying message on the outbound endpoints,
// then blocks until a reply with the same UUID arrives from the configured
// job on the inbound endpoint and answers the request from it.
//
// Params:
//
//	"host_addr": string — listen address (required)
//	"routes":    array  — [{path, method, result: {job, task, payload?}}]
type httpServerOperation struct {
	hostAddr string
	routes   []httpRoute

	mu      sync.Mutex
	pending map[string]chan message.Message
}

const httpReplyTimeout = 60 * time.Second

func init() {
	registry.Register("http_server", func() registry.Operation { return &httpServerOperation{} })
}

func (o *httpServerOperation) Validate(params map[string]any) error {
	o.hostAddr = paramString(params, "host_addr")
	if o.hostAddr == "" {
		return errors.New("http_server: 'host_addr' is required")
	}

	raw := paramSlice(params, "routes")
	if len(raw) == 0 {
		return errors.New("http_server: 'routes' is required")
	}

	o.routes = o.routes[:0]
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return fmt.Errorf("http_server: route %d is not an object", i)
		}

		route := httpRoute{
			Path:   paramString(m, "path"),
			Method: strings.ToUpper(paramString(m, "method")),
		}
		if route.Path == "" || route.Method == "" {
			return fmt.Errorf("http_server: route %d needs 'path' and 'method'", i)
		}

		result := paramMap(m, "result")
		route.Result = httpRouteResult{
			Job:     paramString(result, "job"),
			Task:    paramString(result, "task"),
			Payload: paramString(result, "payload"),
		}
		if route.Result.Job == "" || route.Result.Task == "" {
			return fmt.Errorf("http_server: route %d needs 'result.job' and 'result.task'", i)
		}

		o.routes = append(o.routes, route)
	}

	return nil
}

func (o *httpServerOperation) Run(ctx context.Context, sender string, inbound, outbound []message.Endpoint, _ map[string]any) (registry.Result, error) {
	if len(inbound) == 0 {
		return kof("http_server: no inbound endpoint for replies"), nil
	}

	o.pending = make(map[string]chan message.Message)

	// One dispatcher owns the inbound endpoint and hands each reply to the
	// request waiting on its UUID, so concurrent requests never steal each
	// other's replies.
	go o.dispatch(ctx, inbound[0])

	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
	)

	root := mux.Group("")
	for _, r := range o.routes {
		route := r
		handler := func(w http.ResponseWriter, req *http.Request) {
			o.handle(w, req, route, sender, outbound)
		}

		switch route.Method {
		case http.MethodGet:
			root.GET(route.Path, handler)
		case http.MethodPost:
			root.POST(route.Path, handler)
		case http.MethodPut:
			root.PUT(route.Path, handler)
		case http.MethodDelete:
			root.DELETE(route.Path, handler)
		default:
			return kof("http_server: method %q not supported", route.Method), nil
		}
	}

	logi.Ctx(ctx).Info("http_server: listening", "addr", o.hostAddr)
	if err := mux.StartWithContext(ctx, o.hostAddr); err != nil && ctx.Err() == nil {
		return ko(err), nil
	}

	return ok(nil), nil
}

// dispatch pumps the inbound endpoint and routes each identity-carrying
// reply to the request registered under its UUID. Replies nobody waits for
// are dropped with a log line.
func (o *httpServerOperation) dispatch(ctx context.Context, inbound message.Endpoint) {
	for {
		msg, ok := inbound.Receive(ctx)
		if !ok {
			return
		}
		if msg.Kind != message.KindJSONWithSender {
			logi.Ctx(ctx).Error("http_server: reply is not an identity-carrying message")
			continue
		}

		o.mu.Lock()
		ch, waiting := o.pending[msg.UUID]
		o.mu.Unlock()

		if !waiting {
			logi.Ctx(ctx).Debug("http_server: ignoring reply with no waiting request", "uuid", msg.UUID)
			continue
		}

		select {
		case ch <- msg:
		default:
		}
	}
}

func (o *httpServerOperation) handle(w http.ResponseWriter, req *http.Request, route httpRoute, sender string, outbound []message.Endpoint) {
	var payload any = map[string]any{}
	if req.Method == http.MethodPost || req.Method == http.MethodPut {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			httpServerJSON(w, map[string]any{"error": "invalid JSON body: " + err.Error()}, http.StatusBadRequest)
			return
		}
	}

	msg := message.NewJSONWithSender("", sender, route.Path, map[string]any{
		"route": map[string]any{
			"matched_path": route.Path,
			"original_uri": req.URL.String(),
			"method":       route.Method,
		},
		"payload": payload,
	})

	replyCh := make(chan message.Message, 1)
	o.mu.Lock()
	o.pending[msg.UUID] = replyCh
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, msg.UUID)
		o.mu.Unlock()
	}()

	ctx := req.Context()
	for i := range outbound {
		if err := outbound[i].Send(ctx, msg); err != nil {
			httpServerJSON(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
			return
		}
	}

	timer := time.NewTimer(httpReplyTimeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-replyCh:
			if reply.Sender != route.Result.Job {
				// Another job answered the same UUID; keep waiting for the
				// configured one.
				continue
			}
			status, value := buildRouteResponse(route.Result, reply.Value)
			httpServerJSON(w, value, status)
			return
		case <-timer.C:
			httpServerJSON(w, map[string]any{"error": "timed out waiting for job reply"}, http.StatusBadRequest)
			return
		case <-ctx.Done():
			return
		}
	}
}

// buildRouteResponse selects the configured task's output from a job
// result value. Lookup failures and non-Ok task statuses produce 400.
func buildRouteResponse(result httpRouteResult, value any) (int, any) {
	root, ok := value.(map[string]any)
	if !ok {
		return http.StatusBadRequest, map[string]any{"error": "job reply is not an object"}
	}

	taskResult, ok := jsonptr.Get(root, result.Task).(map[string]any)
	if !ok {
		return http.StatusBadRequest, map[string]any{"error": "cannot get result of task " + result.Task}
	}

	status, ok := taskResult["status"].(string)
	if !ok {
		return http.StatusBadRequest, map[string]any{"error": "cannot determine task's status"}
	}
	if status != string(registry.StatusOk) {
		errMsg, _ := taskResult["error"].(string)
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return http.StatusBadRequest, map[string]any{"error": errMsg}
	}

	payloadPath := "output"
	if result.Payload != "" {
		payloadPath = "output." + result.Payload
	}

	payload := jsonptr.Get(taskResult, payloadPath)
	if payload == nil && result.Payload != "" {
		return http.StatusBadRequest, map[string]any{"error": "cannot get payload " + result.Payload}
	}

	return http.StatusOK, payload
}

func httpServerJSON(w http.ResponseWriter, v any, code int) {
	b, _ := json.Marshal(v)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func (o *httpServerOperation) SetDatastore(kvstore.Store) {}

func (o *httpServerOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "http_server",
		Version:     "v1.0.0",
		Description: "HTTP-server source with UUID-correlated request/response routes",
	}
}
