// internal/services/lore_index.go
package services

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

var loreStopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "are": true, "was": true, "were": true, "has": true,
	"have": true, "you": true, "your": true, "they": true, "their": true, "but": true,
	"not": true, "its": true, "our": true, "out": true, "who": true, "what": true,
}

type loreEntry struct {
	text  string
	terms map[string]int
	order int
}

// LoreIndex 基于关键词的世界设定检索
type LoreIndex struct {
	mu      sync.RWMutex
	entries []loreEntry
	known   map[string]bool
}

// NewLoreIndex 用初始设定创建索引
func NewLoreIndex(notes ...string) *LoreIndex {
	idx := &LoreIndex{known: make(map[string]bool)}
	idx.Sync(notes)
	return idx
}

// Sync 索引尚未收录的设定，重复文本只收录一次
func (idx *LoreIndex) Sync(notes []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, note := range notes {
		note = strings.TrimSpace(note)
		if note == "" || idx.known[note] {
			continue
		}
		idx.known[note] = true
		idx.entries = append(idx.entries, loreEntry{
			text:  note,
			terms: termFrequencies(note),
			order: len(idx.entries),
		})
	}
}

// Len 已索引的条目数
func (idx *LoreIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Search 返回与查询最相关的至多 k 条设定；没有共同词的条目不返回
func (idx *LoreIndex) Search(query string, k int) []string {
	if k <= 0 {
		return nil
	}
	q := termFrequencies(query)
	if len(q) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type scored struct {
		entry *loreEntry
		score int
	}
	hits := make([]scored, 0, len(idx.entries))
	for i := range idx.entries {
		e := &idx.entries[i]
		score := 0
		for term := range q {
			score += e.terms[term]
		}
		if score > 0 {
			hits = append(hits, scored{entry: e, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})

	out := make([]string, 0, min(k, len(hits)))
	for _, h := range hits[:min(k, len(hits))] {
		out = append(out, h.entry.text)
	}
	return out
}

func termFrequencies(s string) map[string]int {
	terms := make(map[string]int)
	for _, word := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(word)) < 3 || loreStopWords[word] {
			continue
		}
		terms[word]++
	}
	return terms
}
