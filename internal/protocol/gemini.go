package protocol

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// geminiParser handles streamGenerateContent SSE chunks: "data: {json}"
// frames where the text is the concatenation of
// candidates[0].content.parts[*].text.
type geminiParser struct{}

func (geminiParser) Protocol() Protocol { return Gemini }

func (geminiParser) ExtractText(frame []byte) string {
	var b strings.Builder
	for _, payload := range dataPayloads(frame) {
		if !gjson.Valid(payload) {
			continue
		}
		parts := gjson.Get(payload, "candidates.0.content.parts")
		parts.ForEach(func(_, part gjson.Result) bool {
			text := part.Get("text")
			if text.Type == gjson.String {
				b.WriteString(text.String())
			}
			return true
		})
	}
	return b.String()
}

func (geminiParser) StripMarker(frame []byte, marker string) []byte {
	return rewriteDataPayloads(frame, func(payload string) (string, bool) {
		if !gjson.Valid(payload) {
			return "", false
		}
		out := payload
		changed := false
		idx := 0
		gjson.Get(payload, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			text := part.Get("text")
			if text.Type == gjson.String && strings.Contains(text.String(), marker) {
				path := fmt.Sprintf("candidates.0.content.parts.%d.text", idx)
				if rewritten, err := sjson.Set(out, path,
					strings.ReplaceAll(text.String(), marker, "")); err == nil {
					out = rewritten
					changed = true
				}
			}
			idx++
			return true
		})
		return out, changed
	})
}
