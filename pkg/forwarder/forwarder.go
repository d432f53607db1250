// Package forwarder is the REST half of the relay. It answers a few local
// endpoints itself, sends configured paths to external webhooks and relays
// every other POST to the LiveAvatar API with the server's API key attached.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	pkgerrors "github.com/pkg/errors"
	"github.com/sessamekesh/avatar-relay/internal/obs"
	"github.com/sessamekesh/avatar-relay/pkg/config"
	relayerrors "github.com/sessamekesh/avatar-relay/pkg/errors"
	"go.uber.org/zap"
)

const (
	contentTypeJSON = "application/json"

	unsupportedMessage = "Only POST supported on this endpoint (or GET /config /health)"
	legacyDetail       = "Use /v1/sessions/token then /v1/sessions/start (token/start flow). See GET /config for avatar/voice defaults."

	// body characters included in debug request logs
	logBodyPreview = 300
)

// ForwardRequest is an inbound request whose body has been read to
// completion. It lives for the duration of one request.
type ForwardRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type forwardRequestKey struct{}

// ForwardRequestFromContext returns the buffered request attached by the
// Forwarder, if any.
func ForwardRequestFromContext(ctx context.Context) (*ForwardRequest, bool) {
	fr, ok := ctx.Value(forwardRequestKey{}).(*ForwardRequest)
	return fr, ok
}

type Params struct {
	Logger *zap.Logger

	// Optional; defaults to a client bounded by the configured upstream
	// timeout that never follows redirects
	Client *http.Client
}

type Forwarder struct {
	cfg    config.Config
	client *http.Client
	router *mux.Router
	log    *zap.Logger
}

type configResponse struct {
	AvatarID  string `json:"avatarId"`
	VoiceID   string `json:"voiceId"`
	ContextID string `json:"contextId"`
}

type healthResponse struct {
	Status string `json:"status"`
	APIKey bool   `json:"apiKey"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func New(cfg config.Config, params Params) (*Forwarder, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if cfg.APIBase == nil {
		return nil, &relayerrors.MissingConfigValue{Name: "LIVEAVATAR_API_BASE"}
	}

	client := params.Client
	if client == nil {
		client = &http.Client{
			Timeout: cfg.UpstreamTimeout,
			// do not follow redirects, pass them back to the caller
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	f := &Forwarder{
		cfg:    cfg,
		client: client,
		log:    logger.With(zap.String("handler", "Forwarder")),
	}

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()

	// Registration order is match precedence
	router.Methods(http.MethodOptions).HandlerFunc(f.handlePreflight)
	router.Methods(http.MethodGet).Path("/config").HandlerFunc(f.handleConfig)
	router.Methods(http.MethodGet).Path("/health").HandlerFunc(f.handleHealth)

	seen := map[string]bool{}
	for _, route := range cfg.ForwardRoutes {
		if seen[route.Path] {
			return nil, &relayerrors.NameCollision{CollisionContext: "forward routes", Name: route.Path}
		}
		seen[route.Path] = true
		router.Methods(http.MethodPost).Path(route.Path).HandlerFunc(f.webhookHandler(route))
	}

	router.Methods(http.MethodPost).MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return strings.Contains(r.URL.RequestURI(), "streaming.new")
	}).HandlerFunc(f.handleLegacyStreaming)
	router.Methods(http.MethodPost).HandlerFunc(f.handleUpstream)

	router.NotFoundHandler = http.HandlerFunc(f.handleUnsupported)
	router.MethodNotAllowedHandler = http.HandlerFunc(f.handleUnsupported)

	f.router = router
	return f, nil
}

// ServeHTTP reads the whole body, attaches CORS headers and dispatches. CORS
// is applied here rather than as router middleware so that it also covers the
// router's not-found and method-not-allowed responses.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	body := []byte{}
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			malformed := &relayerrors.MalformedRequest{Reason: fmt.Sprintf("could not read body: %v", err)}
			f.log.Warn("Failed to read request body", zap.Error(err))
			f.writeJSON(w, "read_body", http.StatusBadRequest, errorResponse{Error: malformed.Error()})
			return
		}
	}

	fr := &ForwardRequest{
		Method: r.Method,
		Path:   r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	}
	f.log.Debug("Incoming request",
		zap.String("method", fr.Method),
		zap.String("path", fr.Path),
		zap.String("body", bodyPreview(body)))

	f.router.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), forwardRequestKey{}, fr)))
}

func bodyPreview(body []byte) string {
	s := string(body)
	if len(s) > logBodyPreview {
		return s[:logBodyPreview]
	}
	return s
}

func (f *Forwarder) handlePreflight(w http.ResponseWriter, r *http.Request) {
	f.write(w, "preflight", http.StatusOK, "", nil)
}

func (f *Forwarder) handleConfig(w http.ResponseWriter, r *http.Request) {
	f.writeJSON(w, "config", http.StatusOK, configResponse{
		AvatarID:  f.cfg.AvatarID,
		VoiceID:   f.cfg.VoiceID,
		ContextID: f.cfg.ContextID,
	})
}

func (f *Forwarder) handleHealth(w http.ResponseWriter, r *http.Request) {
	f.writeJSON(w, "health", http.StatusOK, healthResponse{Status: "ok", APIKey: f.cfg.HasAPIKey()})
}

func (f *Forwarder) handleLegacyStreaming(w http.ResponseWriter, r *http.Request) {
	f.log.Info("Rejecting legacy streaming.new request", zap.String("path", r.URL.RequestURI()))
	f.writeJSON(w, "legacy", http.StatusBadRequest, errorResponse{
		Error:  "streaming.new endpoint removed",
		Detail: legacyDetail,
	})
}

func (f *Forwarder) handleUnsupported(w http.ResponseWriter, r *http.Request) {
	unsupported := &relayerrors.UnsupportedOperation{Method: r.Method, Path: r.URL.Path}
	f.log.Debug("Rejecting request", zap.Error(unsupported))
	f.write(w, "unsupported", http.StatusMethodNotAllowed, "text/plain", []byte(unsupportedMessage))
}

func (f *Forwarder) webhookHandler(route config.ForwardRoute) http.HandlerFunc {
	destination := route.Destination.String()
	return func(w http.ResponseWriter, r *http.Request) {
		fr, _ := ForwardRequestFromContext(r.Context())

		header := http.Header{}
		header.Set("Content-Type", requestContentType(fr))
		header.Set("Accept", contentTypeJSON)

		resp, body, err := f.do(r.Context(), "webhook", http.MethodPost, destination, header, fr.Body)
		if err != nil {
			f.writeUpstreamError(w, "webhook", err)
			return
		}

		respType := resp.Header.Get("Content-Type")
		if respType == "" {
			respType = contentTypeJSON
		}
		f.write(w, "webhook", resp.StatusCode, respType, body)
	}
}

func requestContentType(fr *ForwardRequest) string {
	if contentType := fr.Header.Get("Content-Type"); contentType != "" {
		return contentType
	}
	return contentTypeJSON
}

func (f *Forwarder) handleUpstream(w http.ResponseWriter, r *http.Request) {
	fr, _ := ForwardRequestFromContext(r.Context())
	target := f.cfg.APIBase.String() + fr.Path

	header := http.Header{}
	header.Set("Content-Type", requestContentType(fr))
	header.Set("Accept", contentTypeJSON)
	if auth := fr.Header.Get("Authorization"); auth != "" {
		header.Set("Authorization", auth)
	} else {
		header.Set("X-API-KEY", f.cfg.APIKey)
	}

	resp, body, err := f.do(r.Context(), "upstream", http.MethodPost, target, header, fr.Body)
	if err != nil {
		f.writeUpstreamError(w, "upstream", err)
		return
	}

	if location := resp.Header.Get("Location"); location != "" {
		w.Header().Set("Location", location)
	}
	f.write(w, "upstream", resp.StatusCode, contentTypeJSON, body)
}

// do performs one outbound call and reads the full response. Failures are
// returned as *UpstreamUnavailable.
func (f *Forwarder) do(ctx context.Context, route, method, target string, header http.Header, body []byte) (*http.Response, []byte, error) {
	f.log.Info("Forwarding request", zap.String("route", route), zap.String("target", target))

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, nil, &relayerrors.UpstreamUnavailable{Target: target, Cause: pkgerrors.Wrap(err, "error constructing request")}
	}
	req.Header = header

	start := time.Now()
	resp, err := f.client.Do(req)
	obs.ForwardUpstreamSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, nil, &relayerrors.UpstreamUnavailable{Target: target, Timeout: isTimeout(err), Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &relayerrors.UpstreamUnavailable{Target: target, Timeout: isTimeout(err), Cause: pkgerrors.Wrap(err, "error reading response body")}
	}
	return resp, respBody, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (f *Forwarder) writeUpstreamError(w http.ResponseWriter, route string, err error) {
	status := http.StatusBadGateway
	var unavailable *relayerrors.UpstreamUnavailable
	if errors.As(err, &unavailable) && unavailable.Timeout {
		status = http.StatusGatewayTimeout
	}
	f.log.Warn("Forwarding failed", zap.String("route", route), zap.Int("status", status), zap.Error(err))
	obs.ErrorsTotal.WithLabelValues("forward_" + route).Inc()
	f.writeJSON(w, route, status, errorResponse{Error: err.Error()})
}

func (f *Forwarder) writeJSON(w http.ResponseWriter, route string, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		f.log.Error("Failed to encode response", zap.Error(err))
		status = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}`)
	}
	f.write(w, route, status, contentTypeJSON, body)
}

func (f *Forwarder) write(w http.ResponseWriter, route string, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			f.log.Debug("Failed to write response body", zap.Error(err))
		}
	}
	obs.ForwardRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (f *Forwarder) Start(ctx context.Context) error {
	addr := net.JoinHostPort(f.cfg.HttpHost, strconv.Itoa(f.cfg.HttpPort))
	server := &http.Server{
		Addr:              addr,
		Handler:           f,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		f.log.Sugar().Infof("Starting REST forwarder at http://%s", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			f.log.Error("Unexpected REST forwarder close!", zap.Error(err))
			errCh <- err
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()
	f.log.Info("Attempting to trigger shutdown of REST forwarder")
	if err := server.Shutdown(shutdownCtx); err != nil {
		f.log.Error("Failed to gracefully shut down REST forwarder", zap.Error(err))
	}

	wg.Wait()
	f.log.Info("REST forwarder stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
