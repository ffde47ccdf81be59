package protocol

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// claudeParser handles Anthropic messages streaming: event-typed SSE frames
// ("event: content_block_delta\ndata: {json}"). Only content_block_delta
// events carry assistant text, at delta.text. All other event types
// (message_start, ping, message_delta, message_stop, ...) contribute none
// and pass through untouched.
type claudeParser struct{}

func (claudeParser) Protocol() Protocol { return Claude }

// isContentDelta reports whether the frame is a content_block_delta event,
// checking the event: line first and falling back to the payload type field
// for frames that omit the event line.
func (claudeParser) isContentDelta(frame []byte, payload string) bool {
	if evt := eventName(frame); evt != "" {
		return evt == "content_block_delta"
	}
	return gjson.Get(payload, "type").String() == "content_block_delta"
}

func (p claudeParser) ExtractText(frame []byte) string {
	var b strings.Builder
	for _, payload := range dataPayloads(frame) {
		if !gjson.Valid(payload) || !p.isContentDelta(frame, payload) {
			continue
		}
		text := gjson.Get(payload, "delta.text")
		if text.Type == gjson.String {
			b.WriteString(text.String())
		}
	}
	return b.String()
}

func (p claudeParser) StripMarker(frame []byte, marker string) []byte {
	return rewriteDataPayloads(frame, func(payload string) (string, bool) {
		if !gjson.Valid(payload) || !p.isContentDelta(frame, payload) {
			return "", false
		}
		text := gjson.Get(payload, "delta.text")
		if text.Type != gjson.String || !strings.Contains(text.String(), marker) {
			return "", false
		}
		out, err := sjson.Set(payload, "delta.text",
			strings.ReplaceAll(text.String(), marker, ""))
		if err != nil {
			return "", false
		}
		return out, true
	})
}

// ClaudeStopFrame reports whether the frame terminates a Claude message:
// a message_stop event, or a message_delta carrying a stop_reason. The
// engine suppresses these between continuation attempts so the client sees
// a single uninterrupted message.
func ClaudeStopFrame(frame []byte) bool {
	evt := eventName(frame)
	if evt == "message_stop" {
		return true
	}
	for _, payload := range dataPayloads(frame) {
		if !gjson.Valid(payload) {
			continue
		}
		switch gjson.Get(payload, "type").String() {
		case "message_stop":
			return true
		case "message_delta":
			if evt == "" || evt == "message_delta" {
				if gjson.Get(payload, "delta.stop_reason").Exists() {
					return true
				}
			}
		}
	}
	return false
}
