// Package transcript assembles incremental realtime transcripts into display text.
package transcript

import (
	"sort"
	"strings"
	"sync"

	"github.com/petrzlen/realtime-transcription/pkg/transcriber"
)

// Transcript keeps the latest text per utterance. Utterances are keyed by their audio start
// offset, so a final transcript replaces the partials it grew out of. Safe for concurrent use.
type Transcript struct {
	mu    sync.RWMutex
	texts map[int]segment
}

type segment struct {
	text  string
	final bool
}

func New() *Transcript {
	return &Transcript{texts: make(map[int]segment)}
}

// Apply folds a transcript message in and reports whether the displayed text changed.
// Non-transcript messages are ignored.
func (t *Transcript) Apply(msg transcriber.RealtimeMessage) bool {
	if !msg.IsTranscript() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.texts[msg.AudioStart]
	next := segment{text: strings.TrimSpace(msg.Text), final: msg.MessageType == transcriber.FinalTranscript}
	t.texts[msg.AudioStart] = next
	return !ok || prev.text != next.text
}

// Text joins the non-empty utterances in audio order with single spaces.
func (t *Transcript) Text() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	starts := make([]int, 0, len(t.texts))
	for start := range t.texts {
		starts = append(starts, start)
	}
	sort.Ints(starts)

	var b strings.Builder
	for _, start := range starts {
		text := t.texts[start].text
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(text)
	}
	return b.String()
}

// FinalText is like Text but leaves out utterances that are still partial.
func (t *Transcript) FinalText() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	starts := make([]int, 0, len(t.texts))
	for start, seg := range t.texts {
		if seg.final && seg.text != "" {
			starts = append(starts, start)
		}
	}
	sort.Ints(starts)

	parts := make([]string, len(starts))
	for i, start := range starts {
		parts[i] = t.texts[start].text
	}
	return strings.Join(parts, " ")
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.texts)
}

func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.texts = make(map[int]segment)
}
