// Package merchant canonicalizes raw merchant strings and scores the
// similarity between them.
//
// Bank feeds and OCR output disagree wildly about the same merchant:
// "STARBUCKS #4521 SEATTLE WA" and "Starbucks" must land on the same
// normalized form. Normalization is deterministic and idempotent, so the
// same raw string always produces the same comparable token sequence.
package merchant

import (
	"strings"
	"unicode"
)

// prefixNoise covers payment-processor and card-network prefixes that carry
// no merchant identity.
var prefixNoise = map[string]bool{
	"sq":     true,
	"tst":    true,
	"sp":     true,
	"pypl":   true,
	"paypal": true,
	"pos":    true,
	"visa":   true,
	"mc":     true,
	"amex":   true,
	"debit":  true,
	"credit": true,
	"ach":    true,
	"chk":    true,
	"ckcd":   true,
}

// suffixNoise covers corporate-form suffixes.
var suffixNoise = map[string]bool{
	"inc":          true,
	"llc":          true,
	"ltd":          true,
	"corp":         true,
	"co":           true,
	"company":      true,
	"corporation":  true,
	"incorporated": true,
	"plc":          true,
	"gmbh":         true,
}

var stopWords = map[string]bool{
	"the": true,
	"of":  true,
	"and": true,
	"a":   true,
	"an":  true,
	"at":  true,
	"in":  true,
	"on":  true,
}

// storeIDMinDigits is the shortest all-digit token treated as a store
// number rather than part of the name ("7 eleven" keeps its 7).
const storeIDMinDigits = 3

// Normalize turns a raw merchant/description string into a comparable
// form: lower-cased, punctuation stripped, processor prefixes and corporate
// suffixes removed, long numeric store IDs dropped, stop-words removed,
// whitespace collapsed. Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())

	kept := words[:0]
	for _, w := range words {
		if stopWords[w] {
			continue
		}
		if isStoreID(w) {
			continue
		}
		kept = append(kept, w)
	}

	// Leading processor noise can stack ("visa sq coffee co").
	for len(kept) > 0 && prefixNoise[kept[0]] {
		kept = kept[1:]
	}
	for len(kept) > 0 && suffixNoise[kept[len(kept)-1]] {
		kept = kept[:len(kept)-1]
	}

	return strings.Join(kept, " ")
}

func isStoreID(w string) bool {
	if len(w) < storeIDMinDigits {
		return false
	}
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// phoneticCode computes a coarse soundex-style code for the first word of a
// normalized name. Used only as a weak agreement signal between spellings.
func phoneticCode(normalized string) string {
	word := normalized
	if i := strings.IndexByte(word, ' '); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return ""
	}

	code := func(r rune) byte {
		switch r {
		case 'b', 'f', 'p', 'v':
			return '1'
		case 'c', 'g', 'j', 'k', 'q', 's', 'x', 'z':
			return '2'
		case 'd', 't':
			return '3'
		case 'l':
			return '4'
		case 'm', 'n':
			return '5'
		case 'r':
			return '6'
		}
		return 0
	}

	runes := []rune(word)
	var b strings.Builder
	b.WriteRune(runes[0])
	last := code(runes[0])
	for _, r := range runes[1:] {
		c := code(r)
		if c != 0 && c != last {
			b.WriteByte(c)
		}
		if c != 0 || (r != 'h' && r != 'w') {
			last = c
		}
		if b.Len() >= 4 {
			break
		}
	}
	out := b.String()
	for len(out) < 4 {
		out += "0"
	}
	return out
}
