package seeker

import (
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/transcript"
)

// MergePunctuations folds punctuation-only words into their neighbours:
// prepended marks join the following word, appended marks join the preceding
// one. The content word keeps its own start and end times.
func MergePunctuations(words []transcript.Word, prepended, appended string) []transcript.Word {
	if len(words) == 0 {
		return nil
	}
	merged := make([]transcript.Word, len(words))
	for i, w := range words {
		w.Tokens = append([]int(nil), w.Tokens...)
		merged[i] = w
	}

	// prepended, walking backwards so chains like ` "(` collapse onto the word
	i, j := len(merged)-2, len(merged)-1
	for i >= 0 {
		prev, next := &merged[i], &merged[j]
		trimmed := strings.TrimSpace(prev.Word)
		if strings.HasPrefix(prev.Word, " ") && trimmed != "" && strings.Contains(prepended, trimmed) {
			next.Word = prev.Word + next.Word
			next.Tokens = append(append([]int(nil), prev.Tokens...), next.Tokens...)
			prev.Word = ""
			prev.Tokens = nil
		} else {
			j = i
		}
		i--
	}

	merged = compact(merged)

	// appended
	i, j = 0, 1
	for j < len(merged) {
		prev, next := &merged[i], &merged[j]
		if !strings.HasSuffix(prev.Word, " ") && next.Word != "" && strings.Contains(appended, next.Word) {
			prev.Word += next.Word
			prev.Tokens = append(prev.Tokens, next.Tokens...)
			next.Word = ""
			next.Tokens = nil
		} else {
			i = j
		}
		j++
	}

	return compact(merged)
}

func compact(words []transcript.Word) []transcript.Word {
	out := words[:0]
	for _, w := range words {
		if w.Word != "" {
			out = append(out, w)
		}
	}
	return out
}
