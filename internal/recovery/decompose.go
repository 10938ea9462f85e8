package recovery

import (
	"regexp"
	"strings"

	"github.com/jordanhubbard/converge/pkg/models"
)

var (
	listMarker  = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	sentenceEnd = regexp.MustCompile(`[.!?]+\s+`)
	clauseSep   = regexp.MustCompile(`\s*;\s*|,\s+(?:and\s+)?then\s+|\s+and\s+then\s+`)
)

// Decompose splits a prompt into at most limit ordered sub-tasks. It tries
// lines, then sentences, then clauses, and finally cuts the prompt in half
// by words. Empty prompts produce no sub-tasks.
func Decompose(prompt string, limit int) []models.SubTask {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultConfig().MaxSubTasks
	}

	pieces := splitLines(prompt)
	if len(pieces) < 2 {
		pieces = splitSentences(prompt)
	}
	if len(pieces) < 2 {
		pieces = nonEmpty(clauseSep.Split(prompt, -1))
	}
	if len(pieces) < 2 {
		pieces = halves(prompt)
	}
	pieces = merge(pieces, limit)

	out := make([]models.SubTask, len(pieces))
	for i, p := range pieces {
		out[i] = models.SubTask{Index: i, Prompt: p}
	}
	return out
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[start:m[1]]); s != "" {
			out = append(out, s)
		}
		start = m[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func halves(text string) []string {
	words := strings.Fields(text)
	if len(words) < 2 {
		return []string{text}
	}
	mid := len(words) / 2
	return []string{strings.Join(words[:mid], " "), strings.Join(words[mid:], " ")}
}

// merge folds adjacent pieces together until at most limit remain,
// keeping group sizes as even as possible.
func merge(pieces []string, limit int) []string {
	n := len(pieces)
	if n <= limit {
		return pieces
	}
	out := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		lo, hi := i*n/limit, (i+1)*n/limit
		out = append(out, strings.Join(pieces[lo:hi], " "))
	}
	return out
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
