package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/streamgate/internal/config"
	"github.com/allaspectsdev/streamgate/internal/metrics"
	"github.com/allaspectsdev/streamgate/internal/mutator"
	"github.com/allaspectsdev/streamgate/internal/protocol"
	"github.com/allaspectsdev/streamgate/internal/realip"
	"github.com/allaspectsdev/streamgate/internal/store"
	"github.com/allaspectsdev/streamgate/internal/tokenizer"
	"github.com/allaspectsdev/streamgate/internal/tracing"
	"github.com/allaspectsdev/streamgate/internal/trigger"
)

// Handler binds each endpoint to its protocol, parser, mutator, and
// upstream, then drives either the pass-through or the anti-truncation
// flow.
type Handler struct {
	cfg       *config.Config
	client    *UpstreamClient
	engine    *Engine
	logger    zerolog.Logger
	collector *metrics.Collector
	store     *store.Store
	tokenizer *tokenizer.Tokenizer
	trusted   *realip.CIDRSet
}

// HandlerOptions holds the dependencies injected into the Handler. Store,
// collector, and tokenizer are optional.
type HandlerOptions struct {
	Config    *config.Config
	Client    *UpstreamClient
	Engine    *Engine
	Logger    zerolog.Logger
	Collector *metrics.Collector
	Store     *store.Store
	Tokenizer *tokenizer.Tokenizer
	Trusted   *realip.CIDRSet
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(opts HandlerOptions) *Handler {
	return &Handler{
		cfg:       opts.Config,
		client:    opts.Client,
		engine:    opts.Engine,
		logger:    opts.Logger,
		collector: opts.Collector,
		store:     opts.Store,
		tokenizer: opts.Tokenizer,
		trusted:   opts.Trusted,
	}
}

// routeInfo describes the endpoint a request arrived on.
type routeInfo struct {
	proto         protocol.Protocol
	upstreamPath  string
	pathModel     string // gemini only
	streamingPath bool   // gemini :streamGenerateContent
}

// HandleOpenAI serves POST /v1/chat/completions.
func (h *Handler) HandleOpenAI(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, routeInfo{
		proto:        protocol.OpenAI,
		upstreamPath: "/v1/chat/completions",
	})
}

// HandleClaude serves POST /v1/messages.
func (h *Handler) HandleClaude(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, routeInfo{
		proto:        protocol.Claude,
		upstreamPath: "/v1/messages",
	})
}

// HandleGemini serves POST {versionPrefix}/models/{model}:{action}. The
// wildcard remainder carries both the model name and the action, separated
// by the last colon; the model itself may contain slashes when the trigger
// prefix is in use.
func (h *Handler) HandleGemini(versionPrefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()

		rest := chi.URLParam(r, "*")
		cut := strings.LastIndex(rest, ":")
		if cut < 0 {
			writeError(w, http.StatusNotFound, "unknown_route", "expected models/{model}:{action}", requestID)
			return
		}
		model, action := rest[:cut], rest[cut+1:]
		if model == "" {
			writeError(w, http.StatusNotFound, "unknown_route", "expected models/{model}:{action}", requestID)
			return
		}

		var streaming bool
		switch action {
		case "generateContent":
			streaming = false
		case "streamGenerateContent":
			streaming = true
		default:
			writeError(w, http.StatusNotFound, "unknown_route", "unsupported action :"+action, requestID)
			return
		}

		h.relayWithID(w, r, routeInfo{
			proto:         protocol.Gemini,
			pathModel:     model,
			streamingPath: streaming,
			upstreamPath:  versionPrefix + "/models/" + model + ":" + action,
		}, requestID)
	}
}

// HandleHealth is the liveness endpoint.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) relay(w http.ResponseWriter, r *http.Request, route routeInfo) {
	h.relayWithID(w, r, route, uuid.New().String())
}

// relayWithID is the shared per-request flow: IP resolution, body cap,
// trigger evaluation, header construction, then engine or pass-through.
func (h *Handler) relayWithID(w http.ResponseWriter, r *http.Request, route routeInfo, requestID string) {
	start := time.Now()
	ctx := r.Context()

	if h.collector != nil {
		h.collector.IncrementActive()
		defer h.collector.DecrementActive()
	}

	peerIP := realip.PeerIP(r.RemoteAddr)
	clientIP := realip.ResolveClientIP(r.RemoteAddr, r.Header, h.cfg.Proxy.TrustHeaders, h.trusted)

	logger := h.logger.With().
		Str("request_id", requestID).
		Str("protocol", string(route.proto)).
		Str("path", r.URL.Path).
		Str("client_ip", clientIP).
		Logger()

	// Enforce the body cap while reading.
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxBodyBytes())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds the configured limit", requestID)
			return
		}
		logger.Error().Err(err).Msg("reading request body")
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", requestID)
		return
	}
	defer r.Body.Close()

	decision := trigger.Evaluate(trigger.Input{
		Protocol:      route.proto,
		Header:        r.Header,
		Query:         r.URL.Query(),
		Body:          body,
		PathModel:     route.pathModel,
		StreamingPath: route.streamingPath,
	}, h.cfg.AntiTruncation)

	logger = logger.With().
		Str("model", decision.Model).
		Bool("stream", decision.Streaming).
		Bool("anti_truncation", decision.Enabled).
		Logger()

	tracing.SetRequestAttributes(ctx, requestID, decision.Model, string(route.proto), decision.Streaming)

	upstreamURL := h.cfg.BaseURL(string(route.proto)) + h.upstreamPath(route, decision)
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	hdr := realip.BuildUpstreamHeaders(r.Header, clientIP, peerIP,
		realip.RequestScheme(r), r.Host, realip.RequestPort(r))
	h.client.EnsureCredentials(hdr, r.URL.Query(), route.proto)

	rec := &store.Request{
		ID:             requestID,
		Timestamp:      start.UTC().Format(time.RFC3339),
		Method:         r.Method,
		Path:           r.URL.Path,
		Protocol:       string(route.proto),
		Model:          decision.OriginalModel,
		Stream:         decision.Streaming,
		AntiTruncation: decision.Enabled,
		ClientIP:       clientIP,
	}

	if decision.Enabled {
		h.runEngine(ctx, w, route, decision, upstreamURL, hdr, requestID, logger, rec, start)
		return
	}

	if decision.IgnoredReason != "" {
		w.Header().Set("X-Anti-Truncation-Ignored", decision.IgnoredReason)
		if h.collector != nil {
			h.collector.RecordIgnored()
		}
		logger.Info().Str("reason", decision.IgnoredReason).Msg("anti-truncation trigger ignored")
	}

	h.passThrough(ctx, w, decision, upstreamURL, hdr, requestID, logger, rec, start)
}

// upstreamPath rebuilds the Gemini path when the trigger prefix was
// stripped from the model segment; other protocols forward the route path
// unchanged.
func (h *Handler) upstreamPath(route routeInfo, decision trigger.Decision) string {
	if route.proto != protocol.Gemini || decision.Model == route.pathModel {
		return route.upstreamPath
	}
	action := "generateContent"
	if route.streamingPath {
		action = "streamGenerateContent"
	}
	prefix, _, _ := strings.Cut(route.upstreamPath, "/models/")
	return prefix + "/models/" + decision.Model + ":" + action
}

// runEngine injects the done marker, delegates to the anti-truncation
// engine, and records the outcome.
func (h *Handler) runEngine(ctx context.Context, w http.ResponseWriter, route routeInfo, decision trigger.Decision, upstreamURL string, hdr http.Header, requestID string, logger zerolog.Logger, rec *store.Request, start time.Time) {
	injected, err := mutator.InjectDoneMarker(decision.Body, route.proto, h.cfg.AntiTruncation.DoneMarker)
	if err != nil {
		logger.Warn().Err(err).Msg("rejecting malformed request body")
		writeError(w, http.StatusBadRequest, "malformed_json", "request body must be valid JSON", requestID)
		return
	}

	result := h.engine.Run(ctx, w, &RunInput{
		RequestID:      requestID,
		Protocol:       route.proto,
		Parser:         protocol.ParserFor(route.proto),
		UpstreamURL:    upstreamURL,
		UpstreamHeader: hdr,
		Body:           injected,
		Logger:         logger,
	})

	switch {
	case result.PassThrough != nil:
		// Non-2xx before commit: forward verbatim, engine stays out.
		pt := result.PassThrough
		copyEndToEndHeaders(w.Header(), pt.Header)
		w.Header().Set("X-Request-Id", requestID)
		w.WriteHeader(pt.StatusCode)
		_, _ = w.Write(pt.Body)
		rec.StatusCode = pt.StatusCode
		logger.Warn().Int("status", pt.StatusCode).Msg("upstream error response passed through")

	case result.Err != nil && result.StatusCode == 0:
		// Failed before any byte reached the client.
		if ctx.Err() != nil {
			logger.Info().Msg("client disconnected")
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed", requestID)
		rec.StatusCode = http.StatusBadGateway
		logger.Error().Err(result.Err).Msg("upstream request failed")

	default:
		rec.StatusCode = result.StatusCode
		rec.Attempts = result.Attempts
		rec.MarkerFound = result.MarkerFound
		if h.tokenizer != nil {
			rec.TokensOut = int64(h.tokenizer.CountText(decision.Model, result.Collected))
		}
		logger.Info().
			Int("attempts", result.Attempts).
			Bool("marker_found", result.MarkerFound).
			Bool("max_attempts_reached", result.MaxAttemptsReached).
			Dur("latency", time.Since(start)).
			Msg("anti-truncation run completed")
	}

	h.finish(rec, start, decision)
}

// passThrough forwards the request and relays the upstream response
// untouched: streamed byte-for-byte for streaming requests, buffered
// otherwise.
func (h *Handler) passThrough(ctx context.Context, w http.ResponseWriter, decision trigger.Decision, upstreamURL string, hdr http.Header, requestID string, logger zerolog.Logger, rec *store.Request, start time.Time) {
	resp, err := h.client.Do(ctx, upstreamURL, hdr, decision.Body, decision.Streaming)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("client disconnected")
			return
		}
		if h.collector != nil {
			h.collector.RecordUpstreamError()
		}
		logger.Error().Err(err).Msg("upstream request failed")
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed", requestID)
		rec.StatusCode = http.StatusBadGateway
		h.finish(rec, start, decision)
		return
	}
	defer resp.Body.Close()

	copyEndToEndHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(resp.StatusCode)
	rec.StatusCode = resp.StatusCode

	if decision.Streaming {
		sw := NewStreamWriter(w)
		buf := make([]byte, 32*1024)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					break
				}
				sw.Flush()
			}
			if rerr != nil {
				if rerr != io.EOF {
					logger.Warn().Err(rerr).Msg("upstream stream truncated")
				}
				break
			}
		}
	} else {
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Warn().Err(err).Msg("relaying upstream response")
		}
	}

	logger.Info().
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request completed")

	h.finish(rec, start, decision)
}

// finish records metrics and the history row for a completed request.
func (h *Handler) finish(rec *store.Request, start time.Time, decision trigger.Decision) {
	rec.LatencyMs = time.Since(start).Milliseconds()

	if h.collector != nil {
		h.collector.RecordRequest(rec.Protocol, decision.Streaming, decision.Enabled, rec.StatusCode)
	}
	if h.store != nil {
		if err := h.store.InsertRequest(rec); err != nil {
			h.logger.Error().Err(err).Str("request_id", rec.ID).Msg("recording request history")
		}
	}
}
