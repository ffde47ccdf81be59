package protocol

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// openAIParser handles chat-completions chunks: "data: {json}" frames where
// the text lives at choices[0].delta.content. The stream terminates with the
// literal "data: [DONE]" frame, which carries no text.
type openAIParser struct{}

func (openAIParser) Protocol() Protocol { return OpenAI }

func (openAIParser) ExtractText(frame []byte) string {
	var b strings.Builder
	for _, payload := range dataPayloads(frame) {
		if payload == "[DONE]" || !gjson.Valid(payload) {
			continue
		}
		content := gjson.Get(payload, "choices.0.delta.content")
		if content.Type == gjson.String {
			b.WriteString(content.String())
		}
	}
	return b.String()
}

func (openAIParser) StripMarker(frame []byte, marker string) []byte {
	return rewriteDataPayloads(frame, func(payload string) (string, bool) {
		if payload == "[DONE]" || !gjson.Valid(payload) {
			return "", false
		}
		content := gjson.Get(payload, "choices.0.delta.content")
		if content.Type != gjson.String || !strings.Contains(content.String(), marker) {
			return "", false
		}
		out, err := sjson.Set(payload, "choices.0.delta.content",
			strings.ReplaceAll(content.String(), marker, ""))
		if err != nil {
			return "", false
		}
		return out, true
	})
}
