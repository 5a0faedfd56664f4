package session

import "strings"

// transcript accumulates one speaker's text for the open turn. Providers
// disagree on finality: some stream deltas and then repeat the whole
// utterance as final, some stream fragments and mark the last one final,
// and some only send the final text.
type transcript struct {
	committed []string
	pending   strings.Builder
}

func (t *transcript) add(text string, final bool) {
	if !final {
		t.pending.WriteString(text)
		return
	}
	pending := t.pending.String()
	t.pending.Reset()
	full := text
	if !strings.HasPrefix(strings.TrimSpace(text), strings.TrimSpace(pending)) {
		full = pending + text
	}
	if full = strings.TrimSpace(full); full != "" {
		t.committed = append(t.committed, full)
	}
}

func (t *transcript) String() string {
	parts := t.committed
	if p := strings.TrimSpace(t.pending.String()); p != "" {
		parts = append(parts[:len(parts):len(parts)], p)
	}
	return strings.Join(parts, " ")
}

func (t *transcript) empty() bool {
	return len(t.committed) == 0 && strings.TrimSpace(t.pending.String()) == ""
}

func (t *transcript) reset() {
	t.committed = nil
	t.pending.Reset()
}
