// Package state derives a conversation's lifecycle state from its messages,
// file mtime, and whether a live assistant process is attached. Both entry
// points are pure functions of their inputs.
package state

import (
	"time"

	"github.com/nextlevelbuilder/clawscope/internal/transcript"
)

// State is the conversation lifecycle state shown on the dashboard.
type State string

const (
	Active       State = "active"
	AwaitingUser State = "awaiting_user"
	Idle         State = "idle"
	Completed    State = "completed"
	Error        State = "error"
)

// Thresholds are the time windows behind the classification rules. The
// exact values are operational guesses, so they stay configurable.
type Thresholds struct {
	ErrorWindow    time.Duration // failing tool result this recent → error
	ActiveWindow   time.Duration // live process + fresh mtime → active
	AwaitingWindow time.Duration // assistant spoke last, mtime this recent → awaiting_user
	IdleWindow     time.Duration // anything newer than this → idle
}

// DefaultThresholds returns the standard windows: 30s error, 5s active,
// 60s awaiting, 10min idle.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorWindow:    30 * time.Second,
		ActiveWindow:   5 * time.Second,
		AwaitingWindow: 60 * time.Second,
		IdleWindow:     10 * time.Minute,
	}
}

// Classify applies the full rule chain, first match wins:
//
//  1. recent failing tool result with no assistant reply after it → error
//  2. live process + last message is assistant with an unresolved tool_use → active
//  3. live process + assistant last, nothing outstanding, fresh mtime → active
//  4. assistant last, mtime within the awaiting window → awaiting_user
//  5. mtime within the idle window → idle
//  6. otherwise → completed
//
// Thresholds are inclusive of the lower state: an mtime at exactly the
// active window still classifies active.
func Classify(msgs []transcript.Message, lastModified time.Time, hasProcess bool, now time.Time, th Thresholds) State {
	if len(msgs) == 0 {
		return Completed
	}

	if recentFailureUnanswered(msgs, now, th.ErrorWindow) {
		return Error
	}

	last := &msgs[len(msgs)-1]
	age := now.Sub(lastModified)

	if hasProcess && last.Role == transcript.TypeAssistant && last.UnresolvedToolUse() {
		return Active
	}
	if hasProcess && last.Role == transcript.TypeAssistant && age <= th.ActiveWindow {
		return Active
	}
	if last.Role == transcript.TypeAssistant && age <= th.AwaitingWindow {
		return AwaitingUser
	}
	if age <= th.IdleWindow {
		return Idle
	}
	return Completed
}

// QuickClassify applies rules 3–6 only, for callers that have the mtime but
// not the parsed messages.
func QuickClassify(lastModified time.Time, hasProcess bool, now time.Time, th Thresholds) State {
	age := now.Sub(lastModified)
	switch {
	case hasProcess && age <= th.ActiveWindow:
		return Active
	case age <= th.AwaitingWindow:
		return AwaitingUser
	case age <= th.IdleWindow:
		return Idle
	default:
		return Completed
	}
}

// recentFailureUnanswered reports whether some message inside the window
// carries an interrupted or stderr-bearing tool result with no assistant
// message after it.
func recentFailureUnanswered(msgs []transcript.Message, now time.Time, window time.Duration) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := &msgs[i]
		if m.Timestamp.IsZero() || now.Sub(m.Timestamp) > window {
			continue
		}
		failed := false
		for _, tr := range m.ToolResults {
			if tr.Interrupted || tr.Stderr != "" {
				failed = true
				break
			}
		}
		if !failed {
			continue
		}
		for j := i + 1; j < len(msgs); j++ {
			if msgs[j].Role == transcript.TypeAssistant {
				return false
			}
		}
		return true
	}
	return false
}
