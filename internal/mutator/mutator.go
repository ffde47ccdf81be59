// Package mutator rewrites request bodies for the continuation engine. All
// edits are surgical: every field the client sent is preserved byte-for-byte
// except for the single documented change per operation. Unknown fields are
// never dropped.
package mutator

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/allaspectsdev/streamgate/internal/protocol"
)

// markerInstruction renders the system instruction that teaches the model to
// emit the completion sentinel.
func markerInstruction(marker string) string {
	return fmt.Sprintf(
		"When you finish your entire answer, output exactly the literal string %s on its own, as the very last thing, and then stop.",
		marker)
}

// continuationDirective renders the user turn appended on continuation
// attempts.
func continuationDirective(marker string) string {
	return fmt.Sprintf(
		"Continue exactly where you left off. Do not repeat, do not apologize. End with %s when complete.",
		marker)
}

// InjectDoneMarker returns a copy of body with the done-marker system
// instruction injected at the protocol's system-instruction location. The
// body must be valid JSON; anything else is an error (the caller rejects the
// request rather than forwarding a body it cannot reason about).
func InjectDoneMarker(body []byte, p protocol.Protocol, marker string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("mutator: request body is not valid JSON")
	}

	instr := markerInstruction(marker)

	switch p {
	case protocol.OpenAI:
		return injectOpenAI(body, instr)
	case protocol.Gemini:
		return injectGemini(body, instr)
	case protocol.Claude:
		return injectClaude(body, instr)
	default:
		return nil, fmt.Errorf("mutator: unknown protocol %q", p)
	}
}

// injectOpenAI appends the instruction to an existing leading system message
// or prepends a fresh one. messages is an ordered sequence; only element 0
// is considered a system slot.
func injectOpenAI(body []byte, instr string) ([]byte, error) {
	first := gjson.GetBytes(body, "messages.0")

	if first.Exists() && first.Get("role").String() == "system" {
		content := first.Get("content")
		switch {
		case content.Type == gjson.String:
			return sjson.SetBytes(body, "messages.0.content", content.String()+"\n\n"+instr)
		case content.IsArray():
			// Multimodal content list: append a text part.
			part, err := json.Marshal(map[string]string{"type": "text", "text": instr})
			if err != nil {
				return nil, fmt.Errorf("mutator: marshalling text part: %w", err)
			}
			return sjson.SetRawBytes(body, "messages.0.content.-1", part)
		default:
			// Unusual content shape: left as it is; a separate system
			// message is prepended instead.
		}
	}

	sysMsg, err := json.Marshal(map[string]string{"role": "system", "content": instr})
	if err != nil {
		return nil, fmt.Errorf("mutator: marshalling system message: %w", err)
	}

	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return sjson.SetRawBytes(body, "messages", []byte("["+string(sysMsg)+"]"))
	}

	// Prepend while preserving the raw bytes of every existing element.
	raw := msgs.Raw
	inner := raw[1 : len(raw)-1]
	var rebuilt string
	if len(gjson.Parse(raw).Array()) == 0 {
		rebuilt = "[" + string(sysMsg) + "]"
	} else {
		rebuilt = "[" + string(sysMsg) + "," + inner + "]"
	}
	return sjson.SetRawBytes(body, "messages", []byte(rebuilt))
}

// injectGemini appends a text part to systemInstruction.parts, creating the
// systemInstruction envelope when absent.
func injectGemini(body []byte, instr string) ([]byte, error) {
	part, err := json.Marshal(map[string]string{"text": instr})
	if err != nil {
		return nil, fmt.Errorf("mutator: marshalling text part: %w", err)
	}

	if gjson.GetBytes(body, "systemInstruction").Exists() {
		return sjson.SetRawBytes(body, "systemInstruction.parts.-1", part)
	}

	envelope := []byte(`{"parts":[` + string(part) + `]}`)
	return sjson.SetRawBytes(body, "systemInstruction", envelope)
}

// injectClaude handles the three shapes of the top-level system field:
// absent (set string form), string (append newline-separated), and content
// block list (append a text block).
func injectClaude(body []byte, instr string) ([]byte, error) {
	system := gjson.GetBytes(body, "system")

	switch {
	case !system.Exists():
		return sjson.SetBytes(body, "system", instr)
	case system.Type == gjson.String:
		return sjson.SetBytes(body, "system", system.String()+"\n"+instr)
	case system.IsArray():
		block, err := json.Marshal(map[string]string{"type": "text", "text": instr})
		if err != nil {
			return nil, fmt.Errorf("mutator: marshalling text block: %w", err)
		}
		return sjson.SetRawBytes(body, "system.-1", block)
	default:
		return nil, fmt.Errorf("mutator: unsupported system field shape %s", system.Type)
	}
}

// ContinuationBody derives the body for attempt k >= 2 from the original
// (already marker-injected) body: the assistant text observed so far is
// appended as one assistant turn, followed by a user turn carrying the
// continuation directive. Every other field is preserved verbatim.
func ContinuationBody(original []byte, p protocol.Protocol, collected, marker string) ([]byte, error) {
	directive := continuationDirective(marker)

	switch p {
	case protocol.OpenAI, protocol.Claude:
		return appendMessages(original, collected, directive)
	case protocol.Gemini:
		return appendContents(original, collected, directive)
	default:
		return nil, fmt.Errorf("mutator: unknown protocol %q", p)
	}
}

// appendMessages appends assistant + user turns to the messages array used
// by both the OpenAI and Claude body shapes.
func appendMessages(body []byte, collected, directive string) ([]byte, error) {
	asst, err := json.Marshal(map[string]string{"role": "assistant", "content": collected})
	if err != nil {
		return nil, fmt.Errorf("mutator: marshalling assistant turn: %w", err)
	}
	user, err := json.Marshal(map[string]string{"role": "user", "content": directive})
	if err != nil {
		return nil, fmt.Errorf("mutator: marshalling user turn: %w", err)
	}

	out, err := sjson.SetRawBytes(body, "messages.-1", asst)
	if err != nil {
		return nil, fmt.Errorf("mutator: appending assistant turn: %w", err)
	}
	out, err = sjson.SetRawBytes(out, "messages.-1", user)
	if err != nil {
		return nil, fmt.Errorf("mutator: appending user turn: %w", err)
	}
	return out, nil
}

// appendContents appends model + user turns to the Gemini contents array.
func appendContents(body []byte, collected, directive string) ([]byte, error) {
	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Role  string `json:"role"`
		Parts []part `json:"parts"`
	}

	model, err := json.Marshal(content{Role: "model", Parts: []part{{Text: collected}}})
	if err != nil {
		return nil, fmt.Errorf("mutator: marshalling model turn: %w", err)
	}
	user, err := json.Marshal(content{Role: "user", Parts: []part{{Text: directive}}})
	if err != nil {
		return nil, fmt.Errorf("mutator: marshalling user turn: %w", err)
	}

	out, err := sjson.SetRawBytes(body, "contents.-1", model)
	if err != nil {
		return nil, fmt.Errorf("mutator: appending model turn: %w", err)
	}
	out, err = sjson.SetRawBytes(out, "contents.-1", user)
	if err != nil {
		return nil, fmt.Errorf("mutator: appending user turn: %w", err)
	}
	return out, nil
}
