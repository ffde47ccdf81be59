package protocol

import (
	"strings"
)

// Protocol identifies one of the three upstream API surfaces the relay
// speaks. The relay never translates between them.
type Protocol string

const (
	OpenAI Protocol = "openai"
	Gemini Protocol = "gemini"
	Claude Protocol = "claude"
)

// Parser extracts incremental assistant text from a complete SSE frame and
// rewrites frames to redact the completion sentinel. Parsers are stateless;
// the engine buffers upstream bytes into whole frames before calling them.
//
// Tolerance is a correctness requirement: a frame whose payload cannot be
// parsed is passed through unchanged and contributes no text. Parsers must
// never fail on malformed input.
type Parser interface {
	Protocol() Protocol

	// ExtractText returns the incremental assistant text carried by the
	// frame, or empty when the frame carries none.
	ExtractText(frame []byte) string

	// StripMarker returns the frame with every occurrence of marker removed
	// from its text payload fields. Frames without the marker, and frames
	// that cannot be parsed, are returned unchanged.
	StripMarker(frame []byte, marker string) []byte
}

// ParserFor returns the stateless parser for the given protocol, or nil for
// an unknown protocol.
func ParserFor(p Protocol) Parser {
	switch p {
	case OpenAI:
		return openAIParser{}
	case Gemini:
		return geminiParser{}
	case Claude:
		return claudeParser{}
	default:
		return nil
	}
}

// dataPayloads returns the payload of each data: line in the frame, with
// the optional single leading space stripped.
func dataPayloads(frame []byte) []string {
	var payloads []string
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		payload, ok := cutDataLine(line)
		if !ok {
			continue
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

// eventName returns the value of the frame's event: line, or empty when the
// frame has none (OpenAI and Gemini frames are data-only).
func eventName(frame []byte) string {
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if rest, ok := strings.CutPrefix(line, "event:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// rewriteDataPayloads applies rewrite to each data: payload of the frame and
// reassembles it, leaving every other line byte-for-byte intact. rewrite
// returns ok=false to keep a payload unchanged. When nothing changes the
// original frame is returned as-is.
func rewriteDataPayloads(frame []byte, rewrite func(payload string) (string, bool)) []byte {
	lines := strings.Split(string(frame), "\n")
	changed := false

	for i, line := range lines {
		hasCR := strings.HasSuffix(line, "\r")
		content := strings.TrimSuffix(line, "\r")
		payload, ok := cutDataLine(content)
		if !ok {
			continue
		}
		newPayload, rewritten := rewrite(payload)
		if !rewritten || newPayload == payload {
			continue
		}
		rebuilt := "data: " + newPayload
		if hasCR {
			rebuilt += "\r"
		}
		lines[i] = rebuilt
		changed = true
	}

	if !changed {
		return frame
	}
	return []byte(strings.Join(lines, "\n"))
}

// cutDataLine splits a "data: payload" line into its payload. The space
// after the colon is optional per the SSE spec.
func cutDataLine(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(rest, " "), true
}
