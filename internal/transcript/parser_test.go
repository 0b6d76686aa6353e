package transcript

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func line(parts ...string) string {
	return strings.Join(parts, "\n") + "\n"
}

const (
	entryAssistantToolUse = `{"uuid":"a1","type":"assistant","timestamp":"2026-08-24T10:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":5},"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`
	entryUserToolResult   = `{"uuid":"u1","type":"user","timestamp":"2026-08-24T10:00:01Z","toolUseResult":{"stdout":"ok"},"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`
	entryAssistantText    = `{"uuid":"a2","type":"assistant","timestamp":"2026-08-24T10:00:02Z","message":{"role":"assistant","model":"claude-sonnet-4-5","usage":{"input_tokens":20,"output_tokens":7},"content":[{"type":"text","text":"done"}]}}`
	entryUserText         = `{"uuid":"u2","type":"user","timestamp":"2026-08-24T10:00:03Z","message":{"role":"user","content":"thanks"}}`
)

func TestParseToolCorrelation(t *testing.T) {
	data := []byte(line(entryAssistantToolUse, entryUserToolResult, entryAssistantText))

	msgs, stats := Parse(data)
	if stats.Malformed != 0 {
		t.Fatalf("unexpected malformed lines: %d", stats.Malformed)
	}
	if len(msgs) != 2 {
		t.Fatalf("surface messages = %d, want 2 (tool_result carrier filtered)", len(msgs))
	}
	if msgs[0].UUID != "a1" || msgs[1].UUID != "a2" {
		t.Fatalf("surface order = %s, %s", msgs[0].UUID, msgs[1].UUID)
	}
	if len(msgs[0].ToolResults) != 1 {
		t.Fatalf("toolResults = %d, want 1", len(msgs[0].ToolResults))
	}
	tr := msgs[0].ToolResults[0]
	if tr.ToolUseID != "t1" || tr.Stdout != "ok" {
		t.Errorf("enhanced result = %+v, want tool_use_id=t1 stdout=ok", tr)
	}
	if msgs[0].UnresolvedToolUse() {
		t.Error("tool_use t1 should be resolved")
	}
}

func TestParseDeterminism(t *testing.T) {
	data := []byte(line(entryAssistantToolUse, entryUserToolResult, entryAssistantText, entryUserText))
	a, _ := Parse(data)
	b, _ := Parse(data)
	if !reflect.DeepEqual(a, b) {
		t.Error("Parse is not deterministic for identical input")
	}
}

func TestParseBoundaries(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		msgs, stats := Parse(nil)
		if len(msgs) != 0 || stats.Lines != 0 {
			t.Errorf("got %d messages, %d lines", len(msgs), stats.Lines)
		}
	})

	t.Run("only malformed lines", func(t *testing.T) {
		msgs, stats := Parse([]byte("{torn\nnot json at all\n{\"half\":\n"))
		if len(msgs) != 0 {
			t.Errorf("got %d messages from garbage", len(msgs))
		}
		if stats.Malformed != 3 {
			t.Errorf("malformed = %d, want 3", stats.Malformed)
		}
	})

	t.Run("malformed line amid valid ones", func(t *testing.T) {
		msgs, stats := Parse([]byte(line(entryAssistantText, "{torn", entryUserText)))
		if len(msgs) != 2 {
			t.Errorf("got %d messages, want 2", len(msgs))
		}
		if stats.Malformed != 1 {
			t.Errorf("malformed = %d, want 1", stats.Malformed)
		}
	})

	t.Run("unmatched tool_use keeps empty toolResults", func(t *testing.T) {
		msgs, _ := Parse([]byte(line(entryAssistantToolUse)))
		if len(msgs) != 1 {
			t.Fatalf("got %d messages, want 1", len(msgs))
		}
		if len(msgs[0].ToolResults) != 0 {
			t.Errorf("toolResults = %d, want 0", len(msgs[0].ToolResults))
		}
		if !msgs[0].UnresolvedToolUse() {
			t.Error("tool_use should be unresolved")
		}
	})

	t.Run("orphan tool_result is discarded", func(t *testing.T) {
		msgs, _ := Parse([]byte(line(entryUserToolResult, entryAssistantText)))
		if len(msgs) != 1 || msgs[0].UUID != "a2" {
			t.Fatalf("surface = %+v, want only a2", msgs)
		}
	})

	t.Run("non-conversation entry types skipped", func(t *testing.T) {
		summary := `{"type":"summary","summary":"stuff"}`
		msgs, stats := Parse([]byte(line(summary, entryAssistantText)))
		if len(msgs) != 1 {
			t.Errorf("got %d messages, want 1", len(msgs))
		}
		if stats.Skipped != 1 {
			t.Errorf("skipped = %d, want 1", stats.Skipped)
		}
	})

	t.Run("missing uuid gets line fallback", func(t *testing.T) {
		noUUID := `{"type":"assistant","timestamp":"2026-08-24T10:00:00Z","message":{"role":"assistant","content":"hi"}}`
		msgs, _ := Parse([]byte(line(noUUID)))
		if len(msgs) != 1 || msgs[0].ID != "line-1" {
			t.Errorf("id = %q, want line-1", msgs[0].ID)
		}
	})
}

func TestParseMultipleResultsPerToolUse(t *testing.T) {
	second := `{"uuid":"u9","type":"user","timestamp":"2026-08-24T10:00:05Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"more"}]}}`
	msgs, _ := Parse([]byte(line(entryAssistantToolUse, entryUserToolResult, second)))
	if len(msgs) != 1 {
		t.Fatalf("surface = %d, want 1", len(msgs))
	}
	if len(msgs[0].ToolResults) != 2 {
		t.Fatalf("toolResults = %d, want 2", len(msgs[0].ToolResults))
	}
	if msgs[0].ToolResults[0].Stdout != "ok" {
		t.Error("results not in insertion order")
	}
}

func TestEnhancementMerge(t *testing.T) {
	e := `{"uuid":"a1","type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{}}]}}`
	r := `{"uuid":"u1","type":"user","toolUseResult":{"stderr":"boom","interrupted":true,"returnCodeInterpretation":"failure"},"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1"}]}}`
	msgs, _ := Parse([]byte(line(e, r)))
	if len(msgs) != 1 || len(msgs[0].ToolResults) != 1 {
		t.Fatalf("unexpected surface: %+v", msgs)
	}
	tr := msgs[0].ToolResults[0]
	if tr.Stderr != "boom" || !tr.Interrupted || tr.ReturnCodeInterpretation != "failure" {
		t.Errorf("peer metadata not merged: %+v", tr)
	}
}

func TestContentShapes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		kind    BlockKind
	}{
		{"string", `"hello"`, 1, BlockText},
		{"single object", `{"type":"text","text":"hi"}`, 1, BlockText},
		{"array", `[{"type":"text","text":"a"},{"type":"tool_use","id":"x","name":"Read","input":{}}]`, 2, BlockText},
		{"unknown discriminator", `[{"type":"thinking","thinking":"hmm"}]`, 1, BlockUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Content
			if err := json.Unmarshal([]byte(tt.content), &c); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(c) != tt.want {
				t.Fatalf("blocks = %d, want %d", len(c), tt.want)
			}
			if c[0].Kind != tt.kind {
				t.Errorf("kind = %s, want %s", c[0].Kind, tt.kind)
			}
		})
	}
}

func TestUnknownBlockRoundTrip(t *testing.T) {
	raw := `{"type":"thinking","thinking":"hmm","signature":"xyz"}`
	var c Content
	if err := json.Unmarshal([]byte("["+raw+"]"), &c); err != nil {
		t.Fatal(err)
	}
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "["+raw+"]" {
		t.Errorf("round trip lost bytes: %s", out)
	}
}

func TestTokensByModel(t *testing.T) {
	sidechain := `{"uuid":"s1","type":"assistant","isSidechain":true,"message":{"role":"assistant","model":"claude-sonnet-4-5","usage":{"input_tokens":999},"content":"side"}}`
	synthetic := `{"uuid":"y1","type":"assistant","message":{"role":"assistant","model":"<synthetic>","usage":{"input_tokens":888},"content":"synth"}}`
	msgs, _ := Parse([]byte(line(entryAssistantToolUse, entryAssistantText, sidechain, synthetic)))
	totals := TokensByModel(msgs)
	if got := totals["claude-sonnet-4-5"]; got != 42 {
		t.Errorf("tokens = %d, want 42", got)
	}
	if len(totals) != 1 {
		t.Errorf("models counted = %d, want 1 (sidechain and synthetic excluded)", len(totals))
	}
}
