// Package entity owns entity identity: canonical naming, kind
// normalization, the type hierarchy, and the soft-merge protocol that
// deduplicates the graph without ever deleting a row.
package entity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// companySuffixes are stripped from names before canonicalization, so
// "Microsoft Corp." and "Microsoft Corporation" resolve identically.
// Trailing dots are trimmed before matching, hence the dotless forms.
var companySuffixes = []string{
	"incorporated", "inc",
	"corporation", "corp",
	"limited", "ltd",
	"l.l.c", "llc",
	"company", "co",
	"gmbh", "ag",
}

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Canonical computes the identity key for an entity name: lowercase,
// accents stripped, punctuation removed, company suffixes dropped,
// whitespace collapsed.
func Canonical(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if stripped, _, err := transform.String(accentStripper, s); err == nil {
		s = stripped
	}
	s = stripSuffixes(s)
	s = stripPunct(s)
	return strings.Join(strings.Fields(s), " ")
}

func stripSuffixes(s string) string {
	for changed := true; changed; {
		changed = false
		trimmed := strings.TrimRight(s, " ,.")
		for _, suffix := range companySuffixes {
			// A name that is nothing but a suffix stays as is.
			if strings.HasSuffix(trimmed, " "+suffix) {
				s = strings.TrimSuffix(trimmed, suffix)
				changed = true
				break
			}
		}
	}
	return s
}

func stripPunct(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// orgSynonyms all normalize to "org".
var orgSynonyms = map[string]bool{
	"organization": true,
	"organisation": true,
	"corporation":  true,
	"corp":         true,
	"company":      true,
	"business":     true,
	"firm":         true,
}

// NormalizeKind collapses organization synonyms to "org" and lowercases
// everything else. Specialized kinds pass through unchanged.
func NormalizeKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "" {
		return "entity"
	}
	if orgSynonyms[k] {
		return "org"
	}
	return k
}

// kindParents maps each specialized kind to its parent. The hierarchy
// drives type promotion: a founder is still a person, but the more
// specific label wins on merge.
var kindParents = map[string]string{
	"ceo":          "person",
	"founder":      "person",
	"cto":          "person",
	"chairman":     "person",
	"headquarters": "location",
	"office":       "location",
	"subsidiary":   "company",
}

// genericKinds carry no type information at all.
var genericKinds = map[string]bool{
	"entity":  true,
	"general": true,
	"unknown": true,
	"":        true,
}

// SpecificityRank orders kinds for merge survivor selection: generic
// labels rank 0, parent kinds rank 1, specialized kinds rank 2.
func SpecificityRank(kind string) int {
	k := NormalizeKind(kind)
	if genericKinds[k] {
		return 0
	}
	if _, ok := kindParents[k]; ok {
		return 2
	}
	return 1
}

// KindsCompatible reports whether two kinds may describe the same
// entity: equal kinds, a kind and its parent, or either side generic.
func KindsCompatible(a, b string) bool {
	ka, kb := NormalizeKind(a), NormalizeKind(b)
	if ka == kb || genericKinds[ka] || genericKinds[kb] {
		return true
	}
	if kindParents[ka] == kb || kindParents[kb] == ka {
		return true
	}
	return false
}

// crossKindPriority orders kinds for the cross-kind dedup pass: when a
// generic entity matches several specific ones by name, the merge
// target is chosen in this order.
var crossKindPriority = []string{"person", "org", "company", "product", "location", "event"}
