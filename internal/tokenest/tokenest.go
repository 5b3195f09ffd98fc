// Package tokenest approximates the token cost of chat text without
// invoking the engine's tokenizer. Estimates are advisory only and may be
// off by 10-20%; they must never be treated as exact.
package tokenest

import (
	"regexp"

	"inferd/pkg/types"
)

// Per-unit weights for the character classes the heuristic distinguishes.
const (
	cjkCharWeight     = 1.8
	latinWordWeight   = 1.3
	digitRunWeight    = 0.5
	otherCharWeight   = 1.0
	messageOverhead   = 4 // role framing per message
	conversationExtra = 3 // framing for a whole payload
)

var (
	latinWordRe = regexp.MustCompile(`\b[a-zA-Z]+\b`)
	digitRunRe  = regexp.MustCompile(`[0-9]+`)
)

func isCJK(r rune) bool {
	// CJK unified ideographs plus CJK punctuation and fullwidth forms.
	return (r >= 0x4e00 && r <= 0x9fff) ||
		(r >= 0x3000 && r <= 0x303f) ||
		(r >= 0xff00 && r <= 0xffef)
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Estimate returns the approximate token count for text. Empty text costs
// zero; any non-empty text costs at least one. Concatenation is not
// monotonic at a letter/digit join: "a"+"1" turns the word "a" into the
// mixed run "a1", which no longer matches latinWordRe, so the whole can
// cost less than one of its parts.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	var cjk, alnum, total int
	for _, r := range text {
		total++
		switch {
		case isCJK(r):
			cjk++
		case isASCIIAlnum(r):
			alnum++
		}
	}
	words := len(latinWordRe.FindAllString(text, -1))
	digitRuns := len(digitRunRe.FindAllString(text, -1))
	other := total - cjk - alnum

	sum := float64(cjk)*cjkCharWeight +
		float64(words)*latinWordWeight +
		float64(digitRuns)*digitRunWeight +
		float64(other)*otherCharWeight
	return int(sum) + 1
}

// EstimateMessage returns the cost of one role+content pair, including the
// fixed role-framing overhead.
func EstimateMessage(role, content string) int {
	_ = role // every role frames at the same fixed cost
	return Estimate(content) + messageOverhead
}

// EstimateMessages returns the cost of a whole outbound payload, including
// the once-per-conversation framing overhead.
func EstimateMessages(msgs []types.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m.Role, m.Content)
	}
	return total + conversationExtra
}
