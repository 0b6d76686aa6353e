package procs

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Candidate is the correlator's view of one conversation.
type Candidate struct {
	Filepath     string
	LastModified time.Time
}

// EncodeProjectDir converts an absolute working directory into the encoded
// directory name the assistant CLI uses under its projects root:
// path separators become dashes, so /home/x/src/app → -home-x-src-app.
func EncodeProjectDir(dir string) string {
	return strings.ReplaceAll(filepath.Clean(dir), string(filepath.Separator), "-")
}

// DecodeProjectDir is the best-effort inverse of EncodeProjectDir. The
// encoding is lossy (dashes inside path elements are indistinguishable
// from separators), so decoding assumes every dash was a separator. The
// second return is false when the name does not look encoded at all.
func DecodeProjectDir(name string) (string, bool) {
	if !strings.HasPrefix(name, "-") {
		return "", false
	}
	return strings.ReplaceAll(name, "-", string(filepath.Separator)), true
}

// Correlate assigns processes to conversations and returns a map from
// conversation filepath to the matched process (with CorrelatedFilepath
// set). Per process the heuristics run in order:
//
//	(a) the process cwd encodes to the conversation's project directory
//	(b) the command line embeds the conversation file path
//	(c) the most recently modified unmatched conversation
//
// Each conversation matches at most one process and vice versa. Ties break
// toward the most recently modified conversation.
func Correlate(convs []Candidate, processes []Info) map[string]Info {
	matched := make(map[string]Info)
	if len(convs) == 0 || len(processes) == 0 {
		return matched
	}

	// Most recently modified first, so heuristic (c) and tie-breaks both
	// prefer fresh conversations.
	ordered := make([]Candidate, len(convs))
	copy(ordered, convs)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LastModified.After(ordered[j].LastModified)
	})

	// Stable process order keeps the assignment deterministic.
	procs := make([]Info, len(processes))
	copy(procs, processes)
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })

	for _, p := range procs {
		var pick *Candidate

		if p.Cwd != "" {
			encoded := EncodeProjectDir(p.Cwd)
			for i := range ordered {
				c := &ordered[i]
				if _, taken := matched[c.Filepath]; taken {
					continue
				}
				if filepath.Base(filepath.Dir(c.Filepath)) == encoded {
					pick = c
					break
				}
			}
		}

		if pick == nil && p.CommandLine != "" {
			for i := range ordered {
				c := &ordered[i]
				if _, taken := matched[c.Filepath]; taken {
					continue
				}
				if strings.Contains(p.CommandLine, c.Filepath) {
					pick = c
					break
				}
			}
		}

		if pick == nil {
			for i := range ordered {
				c := &ordered[i]
				if _, taken := matched[c.Filepath]; taken {
					continue
				}
				pick = c
				break
			}
		}

		if pick == nil {
			break // every conversation already has a process
		}
		p.CorrelatedFilepath = pick.Filepath
		matched[pick.Filepath] = p
	}
	return matched
}
