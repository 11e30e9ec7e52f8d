package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// ContextEntry is one accumulated piece of role output.
type ContextEntry struct {
	Label   string
	Content string
	Pinned  bool
}

// ContextManager accumulates role outputs across pipeline stages and
// keeps the rendered context under a token budget by dropping the
// oldest unpinned entries. Claude and GPT tokenizations are close
// enough that GPT-4 encoding serves both.
type ContextManager struct {
	mu      sync.Mutex
	codec   tokenizer.Codec
	entries []ContextEntry
	budget  int
}

// NewContextManager creates a manager with the given token budget.
func NewContextManager(budget int) (*ContextManager, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &ContextManager{codec: codec, budget: budget}, nil
}

// Add appends an entry; the oldest unpinned entries are evicted if the
// budget is exceeded.
func (cm *ContextManager) Add(label, content string) {
	cm.add(ContextEntry{Label: label, Content: content})
}

// AddPinned appends an entry that is never evicted, such as the plan.
func (cm *ContextManager) AddPinned(label, content string) {
	cm.add(ContextEntry{Label: label, Content: content, Pinned: true})
}

func (cm *ContextManager) add(entry ContextEntry) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.entries = append(cm.entries, entry)
	cm.trimLocked()
}

func (cm *ContextManager) trimLocked() {
	for cm.tokensLocked() > cm.budget {
		evicted := false
		for i := range cm.entries {
			if !cm.entries[i].Pinned {
				cm.entries = append(cm.entries[:i], cm.entries[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return // only pinned entries left
		}
	}
}

func (cm *ContextManager) tokensLocked() int {
	total := 0
	for i := range cm.entries {
		total += cm.countTokens(cm.entries[i].Content) + cm.countTokens(cm.entries[i].Label)
	}
	return total
}

// CountTokens returns the token count of text, falling back to a
// 4-chars-per-token estimate if the codec fails.
func (cm *ContextManager) CountTokens(text string) int {
	return cm.countTokens(text)
}

func (cm *ContextManager) countTokens(text string) int {
	if cm.codec == nil {
		return len(text) / 4
	}
	count, err := cm.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// Tokens returns the current total token count.
func (cm *ContextManager) Tokens() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.tokensLocked()
}

// Len returns how many entries are currently held.
func (cm *ContextManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.entries)
}

// Entries returns a copy of the current entries, oldest first, for
// snapshotting.
func (cm *ContextManager) Entries() []ContextEntry {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]ContextEntry, len(cm.entries))
	copy(out, cm.entries)
	return out
}

// SetEntries replaces the held entries, re-applying the budget. Used
// when restoring from a snapshot.
func (cm *ContextManager) SetEntries(entries []ContextEntry) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.entries = append([]ContextEntry(nil), entries...)
	cm.trimLocked()
}

// Render returns the accumulated context as labelled sections, oldest
// first, for inclusion in a role prompt.
func (cm *ContextManager) Render() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	var b strings.Builder
	for i := range cm.entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", cm.entries[i].Label, cm.entries[i].Content)
	}
	return b.String()
}
