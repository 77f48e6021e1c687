package agent

import (
	"strings"
)

// Vote is a verifier's reading of produced work.
type Vote string

const (
	VoteApprove Vote = "APPROVE"
	VoteReject  Vote = "REJECT"
	VoteAbstain Vote = "ABSTAIN"
)

var (
	approveWords = []string{"approve", "approved", "lgtm", "pass", "passes", "looks good"}
	rejectWords  = []string{"reject", "rejected", "fail", "fails", "failed", "block", "blocked"}
)

// ParseVote extracts a verdict and reason from verifier output.
//
// An explicit "VERDICT:" line wins. Otherwise the output is scanned for
// approval and rejection keywords; when both appear the rejection wins, and
// output with neither is an abstention. The reason is the remainder of the
// verdict line, or the first non-empty line for keyword matches.
func ParseVote(output string) (Vote, string) {
	lines := strings.Split(output, "\n")

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		if !strings.HasPrefix(upper, "VERDICT:") {
			continue
		}
		rest := strings.TrimSpace(trimmed[len("VERDICT:"):])
		switch classify(rest) {
		case VoteApprove:
			return VoteApprove, rest
		case VoteReject:
			return VoteReject, rest
		}
		return VoteAbstain, rest
	}

	vote := classify(output)
	return vote, firstLine(lines)
}

func classify(text string) Vote {
	lower := strings.ToLower(text)
	rejected := containsAny(lower, rejectWords)
	approved := containsAny(lower, approveWords)
	switch {
	case rejected:
		return VoteReject
	case approved:
		return VoteApprove
	default:
		return VoteAbstain
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if containsWord(text, w) {
			return true
		}
	}
	return false
}

// containsWord matches on word boundaries so "failover" does not read as
// "fail".
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func firstLine(lines []string) string {
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
