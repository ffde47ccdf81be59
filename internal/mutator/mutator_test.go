package mutator

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/allaspectsdev/streamgate/internal/protocol"
)

const marker = "[done]"

func TestInjectOpenAIPrependsSystem(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}],"x_custom":{"a":1}}`)

	out, err := InjectDoneMarker(body, protocol.OpenAI, marker)
	if err != nil {
		t.Fatalf("InjectDoneMarker: %v", err)
	}

	msgs := gjson.GetBytes(out, "messages").Array()
	if len(msgs) != 2 {
		t.Fatalf("messages: got %d, want 2", len(msgs))
	}
	if msgs[0].Get("role").String() != "system" {
		t.Errorf("first message role: got %q, want system", msgs[0].Get("role").String())
	}
	if !strings.Contains(msgs[0].Get("content").String(), marker) {
		t.Errorf("system content should name the marker: %q", msgs[0].Get("content").String())
	}
	if msgs[1].Get("content").String() != "hi" {
		t.Errorf("user message disturbed: %q", msgs[1].Raw)
	}
	// Unknown fields retained.
	if gjson.GetBytes(out, "x_custom.a").Int() != 1 {
		t.Error("unknown field x_custom dropped")
	}
	if !gjson.GetBytes(out, "stream").Bool() {
		t.Error("stream flag disturbed")
	}
}

func TestInjectOpenAIAppendsToExistingSystem(t *testing.T) {
	body := []byte(`{"messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`)

	out, err := InjectDoneMarker(body, protocol.OpenAI, marker)
	if err != nil {
		t.Fatalf("InjectDoneMarker: %v", err)
	}

	msgs := gjson.GetBytes(out, "messages").Array()
	if len(msgs) != 2 {
		t.Fatalf("messages: got %d, want 2 (no new message)", len(msgs))
	}
	content := msgs[0].Get("content").String()
	if !strings.HasPrefix(content, "be terse") {
		t.Errorf("original system text lost: %q", content)
	}
	if !strings.Contains(content, marker) {
		t.Errorf("instruction not appended: %q", content)
	}
}

func TestInjectOpenAIMultimodalSystem(t *testing.T) {
	body := []byte(`{"messages":[{"role":"system","content":[{"type":"text","text":"be terse"}]},{"role":"user","content":"hi"}]}`)

	out, err := InjectDoneMarker(body, protocol.OpenAI, marker)
	if err != nil {
		t.Fatalf("InjectDoneMarker: %v", err)
	}

	parts := gjson.GetBytes(out, "messages.0.content").Array()
	if len(parts) != 2 {
		t.Fatalf("system content parts: got %d, want 2", len(parts))
	}
	if !strings.Contains(parts[1].Get("text").String(), marker) {
		t.Errorf("appended part should carry the instruction: %q", parts[1].Raw)
	}
}

func TestInjectGemini(t *testing.T) {
	t.Run("absent systemInstruction", func(t *testing.T) {
		body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"temperature":0.3}}`)

		out, err := InjectDoneMarker(body, protocol.Gemini, marker)
		if err != nil {
			t.Fatalf("InjectDoneMarker: %v", err)
		}

		parts := gjson.GetBytes(out, "systemInstruction.parts").Array()
		if len(parts) != 1 {
			t.Fatalf("systemInstruction.parts: got %d, want 1", len(parts))
		}
		if !strings.Contains(parts[0].Get("text").String(), marker) {
			t.Errorf("instruction missing marker: %q", parts[0].Raw)
		}
		if gjson.GetBytes(out, "generationConfig.temperature").Float() != 0.3 {
			t.Error("generationConfig disturbed")
		}
	})

	t.Run("existing systemInstruction", func(t *testing.T) {
		body := []byte(`{"systemInstruction":{"parts":[{"text":"be terse"}]},"contents":[]}`)

		out, err := InjectDoneMarker(body, protocol.Gemini, marker)
		if err != nil {
			t.Fatalf("InjectDoneMarker: %v", err)
		}

		parts := gjson.GetBytes(out, "systemInstruction.parts").Array()
		if len(parts) != 2 {
			t.Fatalf("systemInstruction.parts: got %d, want 2", len(parts))
		}
		if parts[0].Get("text").String() != "be terse" {
			t.Errorf("existing part disturbed: %q", parts[0].Raw)
		}
		if !strings.Contains(parts[1].Get("text").String(), marker) {
			t.Errorf("appended part missing marker: %q", parts[1].Raw)
		}
	})
}

func TestInjectClaude(t *testing.T) {
	t.Run("absent system", func(t *testing.T) {
		body := []byte(`{"model":"claude-sonnet-4-20250514","max_tokens":1024,"messages":[{"role":"user","content":"hi"}]}`)

		out, err := InjectDoneMarker(body, protocol.Claude, marker)
		if err != nil {
			t.Fatalf("InjectDoneMarker: %v", err)
		}
		system := gjson.GetBytes(out, "system")
		if system.Type != gjson.String || !strings.Contains(system.String(), marker) {
			t.Errorf("system: got %q", system.Raw)
		}
		if gjson.GetBytes(out, "max_tokens").Int() != 1024 {
			t.Error("max_tokens disturbed")
		}
	})

	t.Run("string system", func(t *testing.T) {
		body := []byte(`{"system":"be terse","messages":[]}`)

		out, err := InjectDoneMarker(body, protocol.Claude, marker)
		if err != nil {
			t.Fatalf("InjectDoneMarker: %v", err)
		}
		system := gjson.GetBytes(out, "system").String()
		if !strings.HasPrefix(system, "be terse\n") {
			t.Errorf("original system lost: %q", system)
		}
		if !strings.Contains(system, marker) {
			t.Errorf("instruction missing: %q", system)
		}
	})

	t.Run("block list system", func(t *testing.T) {
		body := []byte(`{"system":[{"type":"text","text":"be terse"}],"messages":[]}`)

		out, err := InjectDoneMarker(body, protocol.Claude, marker)
		if err != nil {
			t.Fatalf("InjectDoneMarker: %v", err)
		}
		blocks := gjson.GetBytes(out, "system").Array()
		if len(blocks) != 2 {
			t.Fatalf("system blocks: got %d, want 2", len(blocks))
		}
		if blocks[1].Get("type").String() != "text" {
			t.Errorf("appended block type: %q", blocks[1].Raw)
		}
		if !strings.Contains(blocks[1].Get("text").String(), marker) {
			t.Errorf("appended block missing marker: %q", blocks[1].Raw)
		}
	})
}

func TestInjectRejectsMalformedJSON(t *testing.T) {
	if _, err := InjectDoneMarker([]byte("{nope"), protocol.OpenAI, marker); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

func TestContinuationBodyOpenAI(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","temperature":0.7,"tools":[{"type":"function"}],"messages":[{"role":"system","content":"s"},{"role":"user","content":"q"}]}`)

	out, err := ContinuationBody(body, protocol.OpenAI, "Part one.", marker)
	if err != nil {
		t.Fatalf("ContinuationBody: %v", err)
	}

	msgs := gjson.GetBytes(out, "messages").Array()
	if len(msgs) != 4 {
		t.Fatalf("messages: got %d, want 4", len(msgs))
	}
	asst := msgs[2]
	if asst.Get("role").String() != "assistant" || asst.Get("content").String() != "Part one." {
		t.Errorf("assistant turn: %q", asst.Raw)
	}
	user := msgs[3]
	if user.Get("role").String() != "user" {
		t.Errorf("user turn role: %q", user.Raw)
	}
	if !strings.Contains(user.Get("content").String(), "Continue exactly where you left off") {
		t.Errorf("directive missing: %q", user.Get("content").String())
	}
	if !strings.Contains(user.Get("content").String(), marker) {
		t.Errorf("directive should name the marker: %q", user.Get("content").String())
	}
	// Everything else preserved.
	if gjson.GetBytes(out, "temperature").Float() != 0.7 {
		t.Error("temperature disturbed")
	}
	if len(gjson.GetBytes(out, "tools").Array()) != 1 {
		t.Error("tools disturbed")
	}
}

func TestContinuationBodyGemini(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"q"}]}],"generationConfig":{"topK":5}}`)

	out, err := ContinuationBody(body, protocol.Gemini, "Part one.", marker)
	if err != nil {
		t.Fatalf("ContinuationBody: %v", err)
	}

	contents := gjson.GetBytes(out, "contents").Array()
	if len(contents) != 3 {
		t.Fatalf("contents: got %d, want 3", len(contents))
	}
	model := contents[1]
	if model.Get("role").String() != "model" {
		t.Errorf("model turn role: %q", model.Raw)
	}
	if model.Get("parts.0.text").String() != "Part one." {
		t.Errorf("model turn text: %q", model.Raw)
	}
	user := contents[2]
	if user.Get("role").String() != "user" || !strings.Contains(user.Get("parts.0.text").String(), marker) {
		t.Errorf("user turn: %q", user.Raw)
	}
	if gjson.GetBytes(out, "generationConfig.topK").Int() != 5 {
		t.Error("generationConfig disturbed")
	}
}

func TestContinuationBodyClaude(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-20250514","system":"s","messages":[{"role":"user","content":"q"}]}`)

	out, err := ContinuationBody(body, protocol.Claude, "Part one.", marker)
	if err != nil {
		t.Fatalf("ContinuationBody: %v", err)
	}

	msgs := gjson.GetBytes(out, "messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("messages: got %d, want 3", len(msgs))
	}
	if msgs[1].Get("role").String() != "assistant" || msgs[1].Get("content").String() != "Part one." {
		t.Errorf("assistant turn: %q", msgs[1].Raw)
	}
	if msgs[2].Get("role").String() != "user" {
		t.Errorf("user turn: %q", msgs[2].Raw)
	}
	if gjson.GetBytes(out, "system").String() != "s" {
		t.Error("system disturbed")
	}
}
