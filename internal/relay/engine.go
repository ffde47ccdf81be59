package relay

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/streamgate/internal/metrics"
	"github.com/allaspectsdev/streamgate/internal/mutator"
	"github.com/allaspectsdev/streamgate/internal/protocol"
)

// MaxAttemptsTrailer signals that the marker was never observed within the
// attempt bound. It is announced in the initial response headers and sent as
// an HTTP trailer, since the condition is only knowable at stream end.
const MaxAttemptsTrailer = "X-Anti-Truncation-Max-Attempts-Reached"

// errorBodyLimit caps how much of an upstream error body is buffered for
// verbatim pass-through.
const errorBodyLimit = 1 << 20

// EngineConfig are the knobs of the continuation engine.
type EngineConfig struct {
	MaxAttempts    int
	DoneMarker     string
	Keepalive      time.Duration // 0 disables keepalive comments
	IdleTimeout    time.Duration // 0 disables the mid-stream inactivity bound
	AttemptTimeout time.Duration // 0 leaves attempts unbounded
}

// Engine is the anti-truncation supervisor. Given a marker-injected request
// it issues upstream attempts sequentially, splices their frames into one
// client-visible stream, redacts the completion sentinel, and continues on
// premature stream end until the sentinel is seen or attempts run out.
type Engine struct {
	cfg       EngineConfig
	client    *UpstreamClient
	collector *metrics.Collector
}

// NewEngine creates an Engine. collector may be nil.
func NewEngine(cfg EngineConfig, client *UpstreamClient, collector *metrics.Collector) *Engine {
	return &Engine{cfg: cfg, client: client, collector: collector}
}

// RunInput is one anti-truncation run.
type RunInput struct {
	RequestID      string
	Protocol       protocol.Protocol
	Parser         protocol.Parser
	UpstreamURL    string
	UpstreamHeader http.Header
	Body           []byte // marker-injected original body
	Logger         zerolog.Logger
}

// PassThrough carries a buffered upstream response the engine refuses to
// stream (a non-2xx before commit); the handler forwards it verbatim.
type PassThrough struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RunResult reports how a run ended.
type RunResult struct {
	Attempts           int
	MarkerFound        bool
	MaxAttemptsReached bool
	Collected          string
	StatusCode         int
	PassThrough        *PassThrough
	Err                error
}

// attemptOutcome drives the state transition after each upstream attempt.
type attemptOutcome int

const (
	outcomeMarker attemptOutcome = iota
	outcomeCleanClose
	outcomeUpstreamErr
	outcomeIdle
	outcomeCanceled
	outcomeDownstreamErr
)

// runState is the splicing state shared across attempts: the accumulated
// assistant text, the cross-frame marker lookback, and the frames currently
// held back from the client.
type runState struct {
	collected  strings.Builder
	carryTail  string   // trailing len(marker)-1 bytes of extracted text
	held       [][]byte // frames awaiting release, FIFO
	suppressed [][]byte // claude stop frames withheld pending attempt outcome
}

// flushHeld forwards all held frames in arrival order.
func (st *runState) flushHeld(sw *StreamWriter) error {
	for _, f := range st.held {
		if err := sw.WriteFrame(f); err != nil {
			return err
		}
	}
	st.held = st.held[:0]
	return nil
}

// Run executes the anti-truncation flow, writing the spliced stream to w.
// It returns a PassThrough result (nothing written to w) when the first
// upstream response is non-2xx, and an error result (nothing written) when
// the first attempt fails before any byte.
func (e *Engine) Run(ctx context.Context, w http.ResponseWriter, in *RunInput) *RunResult {
	res := &RunResult{}
	st := &runState{}
	sw := NewStreamWriter(w)
	committed := false

	if e.collector != nil {
		e.collector.RecordEngineRun()
	}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if e.collector != nil {
			e.collector.RecordAttempt(attempt > 1)
		}

		body := in.Body
		if attempt > 1 {
			cont, err := mutator.ContinuationBody(in.Body, in.Protocol, st.collected.String(), e.cfg.DoneMarker)
			if err != nil {
				in.Logger.Error().Err(err).Msg("building continuation body")
				break
			}
			body = cont
		}

		attemptCtx, cancel := e.attemptContext(ctx)

		in.Logger.Debug().Int("attempt", attempt).Msg("issuing upstream attempt")
		resp, err := e.client.Do(attemptCtx, in.UpstreamURL, in.UpstreamHeader, body, true)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				// Client went away; nothing more to do.
				res.Err = ctx.Err()
				res.Collected = st.collected.String()
				return res
			}
			if e.collector != nil {
				e.collector.RecordUpstreamError()
			}
			if !committed {
				// Failure before the first byte of the first attempt is a
				// pass-through failure; do not retry.
				res.Err = err
				return res
			}
			in.Logger.Warn().Err(err).Int("attempt", attempt).Msg("upstream attempt failed, continuing")
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if !committed {
				res.PassThrough = bufferPassThrough(resp)
				cancel()
				return res
			}
			// A continuation attempt answered with an error; its body is
			// never spliced into the client stream.
			in.Logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("continuation attempt returned non-2xx")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
			resp.Body.Close()
			cancel()
			if e.collector != nil {
				e.collector.RecordUpstreamError()
			}
			continue
		}

		if !committed {
			copyEndToEndHeaders(w.Header(), resp.Header)
			w.Header().Set("X-Request-Id", in.RequestID)
			w.Header().Set("X-Anti-Truncation", "enabled")
			w.Header().Add("Trailer", MaxAttemptsTrailer)
			w.WriteHeader(resp.StatusCode)
			sw.Flush()
			committed = true
			res.StatusCode = resp.StatusCode
		}

		finalAttempt := attempt == e.cfg.MaxAttempts
		outcome := e.streamAttempt(attemptCtx, st, in, sw, resp.Body, finalAttempt)
		resp.Body.Close()
		cancel()

		// Suppressed stop frames are only replayed when the message truly
		// ends here; a continuation follows in every other case.
		switch outcome {
		case outcomeMarker:
			res.MarkerFound = true
			if e.collector != nil {
				e.collector.RecordMarkerFound()
			}
			res.Collected = st.collected.String()
			return res

		case outcomeCanceled:
			if ctx.Err() != nil {
				// Client disconnect: cancel upstream, no further attempts,
				// no error surface.
				res.Err = ctx.Err()
				res.Collected = st.collected.String()
				return res
			}
			// Attempt deadline expired; retry-eligible like a premature close.
			in.Logger.Warn().Int("attempt", attempt).Msg("attempt deadline reached, continuing")
			st.suppressed = st.suppressed[:0]

		case outcomeDownstreamErr:
			res.Err = context.Canceled
			res.Collected = st.collected.String()
			return res

		case outcomeUpstreamErr:
			if e.collector != nil {
				e.collector.RecordUpstreamError()
			}
			in.Logger.Warn().Int("attempt", attempt).Msg("upstream stream error, continuing")
			st.suppressed = st.suppressed[:0]

		case outcomeIdle:
			in.Logger.Warn().Int("attempt", attempt).Dur("idle_timeout", e.cfg.IdleTimeout).Msg("upstream idle timeout, continuing")
			st.suppressed = st.suppressed[:0]

		case outcomeCleanClose:
			in.Logger.Debug().Int("attempt", attempt).Msg("upstream closed without marker")
			st.suppressed = st.suppressed[:0]
		}
	}

	// Attempts exhausted without observing the marker.
	res.MaxAttemptsReached = true
	res.Collected = st.collected.String()
	if e.collector != nil {
		e.collector.RecordMaxAttemptsReached()
	}
	if committed {
		w.Header().Set(MaxAttemptsTrailer, "1")
	}
	return res
}

// attemptContext derives the per-attempt context, bounded by the configured
// attempt timeout when one is set.
func (e *Engine) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}

// flushSuppressed forwards withheld Claude stop frames.
func flushSuppressed(st *runState, sw *StreamWriter) error {
	for _, f := range st.suppressed {
		if err := sw.WriteFrame(f); err != nil {
			return err
		}
	}
	st.suppressed = st.suppressed[:0]
	return nil
}

// frameMsg is one reader-goroutine delivery.
type frameMsg struct {
	frame []byte
	err   error
}

// streamActivity records upstream read activity for the idle timer.
type streamActivity struct {
	firstByte atomic.Bool
	lastRead  atomic.Int64
}

func (a *streamActivity) touch() {
	a.firstByte.Store(true)
	a.lastRead.Store(time.Now().UnixNano())
}

func (a *streamActivity) last() time.Time {
	return time.Unix(0, a.lastRead.Load())
}

// activityReader stamps the activity tracker on every successful read.
type activityReader struct {
	r   io.Reader
	act *streamActivity
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.act.touch()
	}
	return n, err
}

// streamAttempt forwards one upstream attempt to the client. It multiplexes
// over the next frame, the keepalive tick, the idle timer, and context
// cancellation; whichever fires first drives the transition.
func (e *Engine) streamAttempt(ctx context.Context, st *runState, in *RunInput, sw *StreamWriter, upstream io.Reader, finalAttempt bool) attemptOutcome {
	act := &streamActivity{}
	frames := make(chan frameMsg)

	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()

	go func() {
		fr := NewFrameReader(&activityReader{r: upstream, act: act})
		for {
			frame, err := fr.Next()
			if frame != nil {
				select {
				case frames <- frameMsg{frame: frame}:
				case <-readCtx.Done():
					return
				}
			}
			if err != nil {
				select {
				case frames <- frameMsg{err: err}:
				case <-readCtx.Done():
				}
				return
			}
		}
	}()

	var keepaliveC <-chan time.Time
	if e.cfg.Keepalive > 0 {
		ticker := time.NewTicker(e.cfg.Keepalive)
		defer ticker.Stop()
		keepaliveC = ticker.C
	}

	var idleTimer *time.Timer
	var idleC <-chan time.Time
	if e.cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(e.cfg.IdleTimeout)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	// After the marker is observed the attempt switches to draining: the
	// remainder of the stream (terminal frames like [DONE] or message_stop)
	// is forwarded as-is and no continuation follows.
	draining := false

	for {
		select {
		case <-ctx.Done():
			// Best effort: release anything still held. The client may
			// already be gone, in which case the writes are moot.
			_ = st.flushHeld(sw)
			if draining {
				return outcomeMarker
			}
			return outcomeCanceled

		case msg := <-frames:
			if msg.err != nil {
				// Stream ended: everything held is safe to release now.
				if err := st.flushHeld(sw); err != nil {
					return outcomeDownstreamErr
				}
				if draining {
					return outcomeMarker
				}
				if msg.err == io.EOF {
					return outcomeCleanClose
				}
				return outcomeUpstreamErr
			}
			if draining {
				frame := in.Parser.StripMarker(msg.frame, e.cfg.DoneMarker)
				if err := sw.WriteFrame(frame); err != nil {
					return outcomeDownstreamErr
				}
				continue
			}
			markerNow, err := e.processFrame(st, in, sw, msg.frame, finalAttempt)
			if err != nil {
				return outcomeDownstreamErr
			}
			if markerNow {
				if err := flushSuppressed(st, sw); err != nil {
					return outcomeDownstreamErr
				}
				draining = true
			}

		case <-keepaliveC:
			if time.Since(sw.LastWrite()) >= e.cfg.Keepalive {
				if err := sw.WriteComment(keepaliveText(in.Protocol)); err != nil {
					return outcomeDownstreamErr
				}
			}

		case <-idleC:
			// Armed from attempt start but only effective once the upstream
			// has produced a byte; before that the attempt deadline governs.
			idle := time.Since(act.last())
			if act.firstByte.Load() && idle >= e.cfg.IdleTimeout {
				if err := st.flushHeld(sw); err != nil {
					return outcomeDownstreamErr
				}
				if draining {
					return outcomeMarker
				}
				return outcomeIdle
			}
			remaining := e.cfg.IdleTimeout
			if act.firstByte.Load() {
				remaining -= idle
			}
			idleTimer.Reset(remaining)
		}
	}
}

// processFrame routes one upstream frame: suppression, text extraction,
// marker detection across the lookback window, redaction, and hold/release
// bookkeeping. Returns markerNow=true when the sentinel was observed.
func (e *Engine) processFrame(st *runState, in *RunInput, sw *StreamWriter, raw []byte, finalAttempt bool) (bool, error) {
	marker := e.cfg.DoneMarker

	// Intermediate Claude attempts must not leak their stop events; the
	// decision to replay or drop them is made when the attempt ends.
	if in.Protocol == protocol.Claude && !finalAttempt && protocol.ClaudeStopFrame(raw) {
		st.suppressed = append(st.suppressed, raw)
		return false, nil
	}

	text := in.Parser.ExtractText(raw)
	if text == "" {
		// Textless frames queue behind a held frame to preserve ordering.
		if len(st.held) > 0 {
			st.held = append(st.held, raw)
			return false, nil
		}
		return false, sw.WriteFrame(raw)
	}

	search := st.carryTail + text
	if idx := strings.Index(search, marker); idx >= 0 {
		if idx >= len(st.carryTail) {
			// Marker contained in this frame alone.
			raw = in.Parser.StripMarker(raw, marker)
		} else {
			// Marker spans the held frame and this one: trim each side's
			// partial piece from its own frame.
			partialHeld := search[idx:len(st.carryTail)]
			partialCur := marker[len(st.carryTail)-idx:]
			for i := range st.held {
				st.held[i] = in.Parser.StripMarker(st.held[i], partialHeld)
			}
			raw = in.Parser.StripMarker(raw, partialCur)
		}
		st.collected.WriteString(strings.ReplaceAll(text, marker, ""))
		st.carryTail = ""
		if err := st.flushHeld(sw); err != nil {
			return true, err
		}
		if err := sw.WriteFrame(raw); err != nil {
			return true, err
		}
		return true, nil
	}

	// No marker: the previous hold is proven safe, this frame becomes the
	// new hold, and the lookback window advances.
	if err := st.flushHeld(sw); err != nil {
		return false, err
	}
	st.held = append(st.held, raw)
	st.collected.WriteString(text)
	st.carryTail = tailBytes(search, len(marker)-1)
	return false, nil
}

// keepaliveText picks the protocol-appropriate comment body.
func keepaliveText(p protocol.Protocol) string {
	if p == protocol.Claude {
		return "ping"
	}
	return "keepalive"
}

// tailBytes returns the trailing n bytes of s.
func tailBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// bufferPassThrough drains a non-2xx upstream response for verbatim
// forwarding.
func bufferPassThrough(resp *http.Response) *PassThrough {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	resp.Body.Close()
	return &PassThrough{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

// copyEndToEndHeaders copies upstream response headers to the client,
// dropping hop-by-hop headers and Content-Length (the spliced stream's
// length is unknowable).
func copyEndToEndHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// isHopByHop reports whether a response header must not cross the relay.
func isHopByHop(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
		"Proxy-Authorization", "Te", "Trailer", "Trailers", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}
