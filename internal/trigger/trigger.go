// Package trigger decides whether a request opts into anti-truncation and
// strips the model-name trigger prefix before upstream forwarding.
package trigger

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/allaspectsdev/streamgate/internal/config"
	"github.com/allaspectsdev/streamgate/internal/protocol"
)

// HeaderName is the opt-in request header.
const HeaderName = "X-Anti-Truncation"

// QueryParam is the opt-in query parameter.
const QueryParam = "anti_truncation"

// Input carries everything the evaluator inspects. For Gemini the model
// rides in the URL path (PathModel) and streaming is a property of the
// endpoint (StreamingPath); for OpenAI and Claude both live in the body.
type Input struct {
	Protocol      protocol.Protocol
	Header        http.Header
	Query         url.Values
	Body          []byte
	PathModel     string
	StreamingPath bool
}

// Decision is the evaluation outcome. Body is the request body to forward
// (the trigger prefix stripped from the model field when it was used); Model
// is the effective model after stripping, with OriginalModel retained for
// logging. IgnoredReason is set when triggers were present but the request
// is not streaming.
type Decision struct {
	Enabled       bool
	IgnoredReason string
	Streaming     bool
	Model         string
	OriginalModel string
	Body          []byte
}

// Evaluate applies the enablement rules: anti-truncation is on iff the
// request is streaming and either a trigger is present or the configured
// default enables it. Triggers are, in order of precedence for none: the
// model-name prefix, the X-Anti-Truncation header, and the anti_truncation
// query parameter.
func Evaluate(in Input, cfg config.AntiTruncationConfig) Decision {
	d := Decision{Body: in.Body}

	d.OriginalModel = modelOf(in)
	d.Model = d.OriginalModel
	d.Streaming = isStreaming(in)

	prefixed := strings.HasPrefix(d.OriginalModel, cfg.ModelPrefix)
	triggered := prefixed || headerTrigger(in.Header) || queryTrigger(in.Query)

	if prefixed {
		d.Model = strings.TrimPrefix(d.OriginalModel, cfg.ModelPrefix)
		d.Body = stripModelPrefix(in, d.Model)
	}

	switch {
	case d.Streaming && (triggered || cfg.EnabledDefault):
		d.Enabled = true
	case triggered && !d.Streaming:
		d.IgnoredReason = "non-streaming"
	}

	return d
}

// modelOf returns the request's model name: the path segment for Gemini,
// the body's model field otherwise.
func modelOf(in Input) string {
	if in.Protocol == protocol.Gemini {
		return in.PathModel
	}
	return gjson.GetBytes(in.Body, "model").String()
}

// isStreaming applies the per-protocol streaming detection rules.
func isStreaming(in Input) bool {
	if in.Protocol == protocol.Gemini {
		return in.StreamingPath
	}
	return gjson.GetBytes(in.Body, "stream").Bool()
}

// stripModelPrefix rewrites the body's model field to the stripped value.
// Gemini carries the model in the path, so its body is left alone.
func stripModelPrefix(in Input, stripped string) []byte {
	if in.Protocol == protocol.Gemini {
		return in.Body
	}
	out, err := sjson.SetBytes(in.Body, "model", stripped)
	if err != nil {
		return in.Body
	}
	return out
}

// headerTrigger reports whether the opt-in header is present with value
// "true" (case-insensitive).
func headerTrigger(hdr http.Header) bool {
	return strings.EqualFold(strings.TrimSpace(hdr.Get(HeaderName)), "true")
}

// queryTrigger reports whether the opt-in query parameter carries one of
// the accepted truthy spellings.
func queryTrigger(q url.Values) bool {
	switch strings.ToLower(strings.TrimSpace(q.Get(QueryParam))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
