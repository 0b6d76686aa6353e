package transcript

import (
	"encoding/json"
	"time"
)

// Entry types recognized in the log files. Anything else (summary,
// file-history-snapshot, system) is skipped at parse time.
const (
	TypeUser      = "user"
	TypeAssistant = "assistant"
)

// SyntheticModel is the placeholder the assistant CLI writes for entries
// that never hit a real model. Excluded from token accounting.
const SyntheticModel = "<synthetic>"

// Usage holds the token counters reported alongside an assistant message.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Total sums every counter, matching how the dashboard reports burn.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// BlockKind discriminates content block variants.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockUnknown    BlockKind = "unknown"
)

// Block is one content block of a message. Raw always holds the original
// JSON value, so fields this server does not model still round-trip into
// API responses verbatim.
type Block struct {
	Kind BlockKind `json:"-"`

	// text
	Text string `json:"-"`

	// tool_use
	ID    string          `json:"-"`
	Name  string          `json:"-"`
	Input json.RawMessage `json:"-"`

	// tool_result
	ToolUseID   string          `json:"-"`
	Content     json.RawMessage `json:"-"`
	Stdout      string          `json:"-"`
	Stderr      string          `json:"-"`
	Interrupted bool            `json:"-"`
	IsImage     bool            `json:"-"`

	Raw json.RawMessage `json:"-"`
}

// MarshalJSON emits the original bytes so unknown fields survive.
func (b Block) MarshalJSON() ([]byte, error) {
	if len(b.Raw) > 0 {
		return b.Raw, nil
	}
	return []byte("null"), nil
}

// blockProbe captures the discriminator and the fields we model.
type blockProbe struct {
	Type        string          `json:"type"`
	Text        string          `json:"text"`
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input"`
	ToolUseID   string          `json:"tool_use_id"`
	Content     json.RawMessage `json:"content"`
	Stdout      string          `json:"stdout"`
	Stderr      string          `json:"stderr"`
	Interrupted bool            `json:"interrupted"`
	IsImage     bool            `json:"isImage"`
}

func decodeBlock(raw json.RawMessage) Block {
	var p blockProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return Block{Kind: BlockUnknown, Raw: raw}
	}
	b := Block{
		Text:        p.Text,
		ID:          p.ID,
		Name:        p.Name,
		Input:       p.Input,
		ToolUseID:   p.ToolUseID,
		Content:     p.Content,
		Stdout:      p.Stdout,
		Stderr:      p.Stderr,
		Interrupted: p.Interrupted,
		IsImage:     p.IsImage,
		Raw:         raw,
	}
	switch p.Type {
	case "text":
		b.Kind = BlockText
	case "tool_use":
		b.Kind = BlockToolUse
	case "tool_result":
		b.Kind = BlockToolResult
	default:
		b.Kind = BlockUnknown
	}
	return b
}

// Content is an ordered sequence of blocks. The wire form is either a bare
// string, a single block object, or an array of block objects; all three
// normalize to a block list here.
type Content []Block

// UnmarshalJSON accepts the three wire shapes of message.content.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{{Kind: BlockText, Text: s, Raw: json.RawMessage(data)}}
		return nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		blocks := make(Content, 0, len(arr))
		for _, raw := range arr {
			blocks = append(blocks, decodeBlock(raw))
		}
		*c = blocks
		return nil
	}

	// Single object form.
	var obj json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = Content{decodeBlock(obj)}
	return nil
}

// Text concatenates all text blocks, separated by newlines.
func (c Content) Text() string {
	var out string
	for _, b := range c {
		if b.Kind != BlockText || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// ToolResult is a tool_result block merged with the peer metadata
// (toolUseResult) carried on the entry that delivered it.
type ToolResult struct {
	ToolUseID                string          `json:"tool_use_id"`
	Content                  json.RawMessage `json:"content,omitempty"`
	Stdout                   string          `json:"stdout,omitempty"`
	Stderr                   string          `json:"stderr,omitempty"`
	Interrupted              bool            `json:"interrupted,omitempty"`
	IsImage                  bool            `json:"isImage,omitempty"`
	ReturnCodeInterpretation string          `json:"returnCodeInterpretation,omitempty"`
}

// Message is the canonical post-parse form consumed by the analyzer,
// classifier, and API.
type Message struct {
	ID               string      `json:"id"`
	UUID             string      `json:"uuid"`
	Type             string      `json:"type"`
	Role             string      `json:"role"`
	Timestamp        time.Time   `json:"timestamp"`
	Content          Content     `json:"content"`
	Model            string      `json:"model,omitempty"`
	Usage            *Usage      `json:"usage,omitempty"`
	IsCompactSummary bool        `json:"isCompactSummary,omitempty"`
	IsSidechain      bool        `json:"isSidechain,omitempty"`
	ToolResults      []ToolResult `json:"toolResults,omitempty"`
}

// UnresolvedToolUse reports whether the message carries a tool_use block
// with no matching entry in ToolResults. The classifier uses this to tell
// "assistant is mid tool call" from "assistant is done".
func (m *Message) UnresolvedToolUse() bool {
	for _, b := range m.Content {
		if b.Kind != BlockToolUse || b.ID == "" {
			continue
		}
		resolved := false
		for _, tr := range m.ToolResults {
			if tr.ToolUseID == b.ID {
				resolved = true
				break
			}
		}
		if !resolved {
			return true
		}
	}
	return false
}

// CountsForTokens reports whether the message's usage should be included
// in token totals. Sidechain entries and synthetic models are excluded,
// matching how session scanners account usage.
func (m *Message) CountsForTokens() bool {
	return m.Type == TypeAssistant && !m.IsSidechain && m.Model != SyntheticModel && m.Usage != nil
}

// entry mirrors one raw JSONL record.
type entry struct {
	UUID             string          `json:"uuid"`
	Type             string          `json:"type"`
	Timestamp        string          `json:"timestamp"`
	IsCompactSummary bool            `json:"isCompactSummary"`
	IsSidechain      bool            `json:"isSidechain"`
	ToolUseResult    json.RawMessage `json:"toolUseResult"`
	Message          struct {
		Role    string  `json:"role"`
		Content Content `json:"content"`
		Model   string  `json:"model"`
		Usage   *Usage  `json:"usage"`
	} `json:"message"`
}

// toolUseResultPeer is the object form of the entry-level toolUseResult
// field. The field can also be a bare string (e.g. a rejection notice), in
// which case no metadata merges.
type toolUseResultPeer struct {
	Stdout                   string `json:"stdout"`
	Stderr                   string `json:"stderr"`
	Interrupted              bool   `json:"interrupted"`
	IsImage                  bool   `json:"isImage"`
	ReturnCodeInterpretation string `json:"returnCodeInterpretation"`
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	return time.Time{}
}
