package main

import (
	"sort"
	"strings"
	"unicode"
)

const labelPrefix = "Model "

// LabelFor returns the anonymized label of the index-th configured model:
// "Model A" for 0, "Model Z" for 25, then "Model AA", "Model AB", ...
func LabelFor(index int) string {
	return labelPrefix + labelLetters(index)
}

func labelLetters(index int) string {
	var letters []byte
	for n := index; ; n = n/26 - 1 {
		letters = append([]byte{byte('A' + n%26)}, letters...)
		if n < 26 {
			break
		}
	}
	return string(letters)
}

// LabelMap maps the labels a reviewer was shown to real model names
type LabelMap map[string]string

// AnonymizeFor builds the reviewer-specific view over candidates: the label
// mapping and the candidates in label order
func AnonymizeFor(candidates []Stage1Response) (LabelMap, []Stage1Response) {
	mapping := make(LabelMap, len(candidates))
	ordered := append([]Stage1Response(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return labelLess(ordered[i].Label, ordered[j].Label)
	})
	for _, c := range ordered {
		mapping[c.Label] = c.ModelName
	}
	return mapping, ordered
}

// labelLess orders "Model B" before "Model AA"
func labelLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Resolve maps a label as written by a reviewing model back to a model name.
//
// Matching is best effort. Both sides are reduced to uppercase alphanumerics
// and an exact match wins. Otherwise a label matches when the key contains
// it, and the longest such label is taken. Next a key that is a fragment of
// a single label ("odel C") matches that label. A key that still matches
// nothing is retried on its bare letter token ("the A model"). Anything still
// unmatched or ambiguous reports false and the entry is dropped.
func (m LabelMap) Resolve(raw string) (string, bool) {
	key := normalizeLabel(raw)
	if key == "" {
		return "", false
	}

	labels := m.sortedLabels()
	for _, label := range labels {
		if normalizeLabel(label) == key {
			return m[label], true
		}
	}

	var best string
	bestLen, ties := 0, 0
	for _, label := range labels {
		norm := normalizeLabel(label)
		if !strings.Contains(key, norm) {
			continue
		}
		switch {
		case len(norm) > bestLen:
			best, bestLen, ties = label, len(norm), 1
		case len(norm) == bestLen:
			ties++
		}
	}
	if ties == 1 {
		return m[best], true
	}

	// A fragment of exactly one label, as long as it keeps that label's letters
	var partial string
	matches := 0
	for _, label := range labels {
		norm := normalizeLabel(label)
		letters := normalizeLabel(strings.TrimPrefix(label, labelPrefix))
		if strings.Contains(norm, key) && strings.Contains(key, letters) {
			partial = label
			matches++
		}
	}
	if matches == 1 {
		return m[partial], true
	}

	if letter := letterToken(raw); letter != "" {
		for _, label := range labels {
			if strings.EqualFold(strings.TrimPrefix(label, labelPrefix), letter) {
				return m[label], true
			}
		}
	}
	return "", false
}

func (m LabelMap) sortedLabels() []string {
	labels := make([]string, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labelLess(labels[i], labels[j]) })
	return labels
}

// normalizeLabel strips everything but letters and digits and uppercases the rest
func normalizeLabel(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// fillerTokens are words reviewers wrap around a label letter
var fillerTokens = map[string]bool{
	"THE": true, "MODEL": true, "MODELS": true, "RESPONSE": true, "RESPONSES": true,
	"ANSWER": true, "CANDIDATE": true, "S": true, "FROM": true, "BY": true,
}

// letterToken returns the single non-filler token of raw, if that is all it contains
func letterToken(raw string) string {
	fields := strings.FieldsFunc(strings.ToUpper(raw), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	var found string
	for _, f := range fields {
		if fillerTokens[f] {
			continue
		}
		if found != "" {
			return ""
		}
		found = f
	}
	return found
}
