package merchant

import (
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// Metric weights for the combined similarity. Fixed by design; the
// learnable weights live in MatchingConfig, not here.
const (
	weightEdit     = 0.30
	weightBigram   = 0.25
	weightOverlap  = 0.20
	weightOrder    = 0.15
	weightPhonetic = 0.10
)

// MappingLookup finds a learned merchant mapping covering a normalized raw
// name. Implemented by the storage layer.
type MappingLookup interface {
	FindMappingByVariant(orgID uuid.UUID, normalizedVariant string) (*model.MerchantMapping, error)
}

// ComparisonResult is the outcome of comparing two merchant strings.
type ComparisonResult struct {
	Similarity    float64 // in [0,1]
	CanonicalName string  // set when a learned mapping covered either side
	Confidence    float64 // in [0,1], agreement between metrics
}

// Comparer scores merchant-name similarity, consulting learned
// organization-scoped mappings before falling back to string metrics.
type Comparer struct {
	mappings MappingLookup
}

// NewComparer creates a Comparer. mappings may be nil, in which case only
// string metrics are used.
func NewComparer(mappings MappingLookup) *Comparer {
	return &Comparer{mappings: mappings}
}

// Compare scores two raw merchant strings for the given organization.
// Exact match after normalization yields similarity 1.0. Two names covered
// by the same learned mapping also yield 1.0, carrying the mapping's
// canonical name and confidence. Otherwise five string metrics are
// combined by fixed weights.
func (c *Comparer) Compare(name1, name2 string, orgID uuid.UUID) ComparisonResult {
	n1 := Normalize(name1)
	n2 := Normalize(name2)

	if n1 == "" || n2 == "" {
		return ComparisonResult{Similarity: 0, Confidence: 0}
	}

	if n1 == n2 {
		return ComparisonResult{Similarity: 1.0, Confidence: 1.0}
	}

	if res, ok := c.lookupMapping(orgID, n1, n2); ok {
		return res
	}

	metrics := [5]float64{
		levenshtein.RatioForStrings([]rune(n1), []rune(n2), levenshtein.DefaultOptions),
		bigramJaccard(n1, n2),
		wordOverlap(n1, n2),
		wordOrder(n1, n2),
		phoneticScore(n1, n2),
	}

	sim := weightEdit*metrics[0] +
		weightBigram*metrics[1] +
		weightOverlap*metrics[2] +
		weightOrder*metrics[3] +
		weightPhonetic*metrics[4]
	if sim > 1.0 {
		sim = 1.0
	}

	return ComparisonResult{
		Similarity: sim,
		Confidence: comparisonConfidence(n1, n2, metrics),
	}
}

// lookupMapping returns a full-confidence result when both names fall under
// the same learned mapping, or either name maps to a canonical equal to the
// other's normalized form.
func (c *Comparer) lookupMapping(orgID uuid.UUID, n1, n2 string) (ComparisonResult, bool) {
	if c.mappings == nil {
		return ComparisonResult{}, false
	}

	m1, err1 := c.mappings.FindMappingByVariant(orgID, n1)
	m2, err2 := c.mappings.FindMappingByVariant(orgID, n2)
	if err1 != nil || err2 != nil {
		return ComparisonResult{}, false
	}

	switch {
	case m1 != nil && m2 != nil && m1.ID == m2.ID:
		return ComparisonResult{
			Similarity:    1.0,
			CanonicalName: m1.CanonicalName,
			Confidence:    m1.Confidence,
		}, true
	case m1 != nil && Normalize(m1.CanonicalName) == n2:
		return ComparisonResult{Similarity: 1.0, CanonicalName: m1.CanonicalName, Confidence: m1.Confidence}, true
	case m2 != nil && Normalize(m2.CanonicalName) == n1:
		return ComparisonResult{Similarity: 1.0, CanonicalName: m2.CanonicalName, Confidence: m2.Confidence}, true
	}
	return ComparisonResult{}, false
}

// bigramJaccard computes Jaccard similarity over character bigrams.
func bigramJaccard(a, b string) float64 {
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	inter := 0
	for g := range ba {
		if bb[g] {
			inter++
		}
	}
	union := len(ba) + len(bb) - inter
	return float64(inter) / float64(union)
}

func bigrams(s string) map[string]bool {
	runes := []rune(strings.ReplaceAll(s, " ", ""))
	out := make(map[string]bool, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = true
	}
	return out
}

// wordOverlap scores shared whole words, plus containment credit when one
// normalized name is a substring of the other.
func wordOverlap(a, b string) float64 {
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 1.0
	}
	wa := strings.Fields(a)
	wb := strings.Fields(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(wa))
	for _, w := range wa {
		set[w] = true
	}
	shared := 0
	for _, w := range wb {
		if set[w] {
			shared++
		}
	}
	denom := len(wa)
	if len(wb) < denom {
		denom = len(wb)
	}
	return float64(shared) / float64(denom)
}

// wordOrder scores how many words appear at the same position in both names.
func wordOrder(a, b string) float64 {
	wa := strings.Fields(a)
	wb := strings.Fields(b)
	n := len(wa)
	if len(wb) < n {
		n = len(wb)
	}
	if n == 0 {
		return 0
	}
	same := 0
	for i := 0; i < n; i++ {
		if wa[i] == wb[i] {
			same++
		}
	}
	max := len(wa)
	if len(wb) > max {
		max = len(wb)
	}
	return float64(same) / float64(max)
}

func phoneticScore(a, b string) float64 {
	ca := phoneticCode(a)
	cb := phoneticCode(b)
	if ca == "" || cb == "" {
		return 0
	}
	if ca == cb {
		return 1.0
	}
	return 0
}

// comparisonConfidence is high when the two strings have comparable length
// and the five metrics agree (low variance).
func comparisonConfidence(a, b string, metrics [5]float64) float64 {
	la, lb := float64(len(a)), float64(len(b))
	lengthRatio := math.Min(la, lb) / math.Max(la, lb)

	mean := 0.0
	for _, m := range metrics {
		mean += m
	}
	mean /= float64(len(metrics))

	variance := 0.0
	for _, m := range metrics {
		variance += (m - mean) * (m - mean)
	}
	variance /= float64(len(metrics))

	// Variance over [0,1] metrics is at most 0.25.
	agreement := 1.0 - variance/0.25

	conf := 0.5*lengthRatio + 0.5*agreement
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}
