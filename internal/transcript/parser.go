package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
)

// maxLineSize bounds a single JSONL line. Tool results with inlined file
// contents can get large; 4MB matches what session tailers allow.
const maxLineSize = 4 * 1024 * 1024

// Stats reports what Parse saw while reading a file. Malformed lines are
// expected (the assistant appends lines non-atomically, so reads can catch
// a torn write) and are skipped rather than failing the parse.
type Stats struct {
	Lines     int // non-empty lines seen
	Malformed int // lines that failed JSON decoding
	Skipped   int // well-formed entries of types we ignore
}

// Parse reads a whole .jsonl transcript and returns the surface message
// sequence in file order. Tool invocations are correlated with their
// results in three passes:
//
//  1. decode every user/assistant entry, indexing tool_use blocks by id
//  2. attach each user tool_result to the assistant message that issued
//     the matching tool_use, merging in the entry-level peer metadata
//  3. emit assistant entries plus user entries that are not pure
//     tool_result carriers
//
// A tool_result with no prior tool_use is dropped from the surface. Given
// identical bytes the output is identical.
func Parse(data []byte) ([]Message, Stats) {
	var stats Stats

	type parsed struct {
		msg     *Message
		entry   *entry
		pureRes bool // user entry whose blocks are all tool_results
	}

	var ordered []parsed
	toolUseOwner := make(map[string]*Message)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		lineNo++
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		stats.Lines++

		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			stats.Malformed++
			continue
		}
		if e.Type != TypeUser && e.Type != TypeAssistant {
			stats.Skipped++
			continue
		}

		id := e.UUID
		if id == "" {
			// Stable fallback so downstream identity survives re-parses.
			id = fmt.Sprintf("line-%d", lineNo)
		}

		msg := &Message{
			ID:               id,
			UUID:             e.UUID,
			Type:             e.Type,
			Role:             e.Message.Role,
			Timestamp:        parseTimestamp(e.Timestamp),
			Content:          e.Message.Content,
			Model:            e.Message.Model,
			Usage:            e.Message.Usage,
			IsCompactSummary: e.IsCompactSummary,
			IsSidechain:      e.IsSidechain,
		}

		p := parsed{msg: msg, entry: &e}
		if e.Type == TypeAssistant {
			for _, b := range msg.Content {
				if b.Kind == BlockToolUse && b.ID != "" {
					// First writer wins; duplicate ids within one file
					// would be a corrupt transcript.
					if _, dup := toolUseOwner[b.ID]; !dup {
						toolUseOwner[b.ID] = msg
					}
				}
			}
		} else {
			p.pureRes = isPureToolResultCarrier(msg.Content)
		}
		ordered = append(ordered, p)
	}

	// Pass 2: attach results to their issuing assistant message, in
	// insertion order. Multiple results per tool_use are allowed.
	for _, p := range ordered {
		if p.entry.Type != TypeUser {
			continue
		}
		for _, b := range p.msg.Content {
			if b.Kind != BlockToolResult || b.ToolUseID == "" {
				continue
			}
			owner, ok := toolUseOwner[b.ToolUseID]
			if !ok {
				continue // no prior tool_use: discarded
			}
			owner.ToolResults = append(owner.ToolResults, enhanceResult(b, p.entry))
		}
	}

	// Pass 3: surface sequence.
	out := make([]Message, 0, len(ordered))
	for _, p := range ordered {
		if p.entry.Type == TypeUser && p.pureRes {
			continue
		}
		out = append(out, *p.msg)
	}
	return out, stats
}

// isPureToolResultCarrier reports whether every block of a user entry is a
// tool_result (with at least one present). Such entries only exist to ferry
// results back to the assistant and are filtered from the surface view.
func isPureToolResultCarrier(c Content) bool {
	if len(c) == 0 {
		return false
	}
	for _, b := range c {
		if b.Kind != BlockToolResult {
			return false
		}
	}
	return true
}

// enhanceResult merges the entry-level toolUseResult peer fields into the
// block-level result. Block fields win when both are present.
func enhanceResult(b Block, e *entry) ToolResult {
	tr := ToolResult{
		ToolUseID:   b.ToolUseID,
		Content:     b.Content,
		Stdout:      b.Stdout,
		Stderr:      b.Stderr,
		Interrupted: b.Interrupted,
		IsImage:     b.IsImage,
	}
	if len(e.ToolUseResult) == 0 {
		return tr
	}
	var peer toolUseResultPeer
	if err := json.Unmarshal(e.ToolUseResult, &peer); err != nil {
		// String form ("User rejected tool use" etc.) carries no metadata.
		return tr
	}
	if tr.Stdout == "" {
		tr.Stdout = peer.Stdout
	}
	if tr.Stderr == "" {
		tr.Stderr = peer.Stderr
	}
	tr.Interrupted = tr.Interrupted || peer.Interrupted
	tr.IsImage = tr.IsImage || peer.IsImage
	if tr.ReturnCodeInterpretation == "" {
		tr.ReturnCodeInterpretation = peer.ReturnCodeInterpretation
	}
	return tr
}

// TokensByModel aggregates usage across messages, keyed by model. Sidechain
// and synthetic entries are excluded.
func TokensByModel(msgs []Message) map[string]int {
	totals := make(map[string]int)
	for i := range msgs {
		m := &msgs[i]
		if !m.CountsForTokens() {
			continue
		}
		model := m.Model
		if model == "" {
			model = "unknown"
		}
		totals[model] += m.Usage.Total()
	}
	return totals
}
