package services

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var postalCodePattern = regexp.MustCompile(`^\d{6}$`)

// Tamil Nadu postal circles occupy the 600-643 three-digit prefixes.
const (
	homePostalPrefixMin = 600
	homePostalPrefixMax = 643
)

var defaultHomeRegionAliases = []string{"tamilnadu", "tamilnad", "tn"}

// PostalRegionClassifier classifies destinations against one home region using postal-code
// prefix ranges and a small set of normalised state-name aliases.
type PostalRegionClassifier struct {
	prefixMin int
	prefixMax int
	aliases   map[string]struct{}
}

var _ RegionClassifier = (*PostalRegionClassifier)(nil)

// NewPostalRegionClassifier builds a classifier for the home region.
func NewPostalRegionClassifier() *PostalRegionClassifier {
	aliases := make(map[string]struct{}, len(defaultHomeRegionAliases))
	for _, alias := range defaultHomeRegionAliases {
		aliases[alias] = struct{}{}
	}
	return &PostalRegionClassifier{
		prefixMin: homePostalPrefixMin,
		prefixMax: homePostalPrefixMax,
		aliases:   aliases,
	}
}

// IsHomeRegion accepts either a six digit postal code or a state name.
func (c *PostalRegionClassifier) IsHomeRegion(postalCodeOrState string) bool {
	value := strings.TrimSpace(postalCodeOrState)
	if value == "" {
		return false
	}
	if IsPostalCode(value) {
		prefix, err := strconv.Atoi(value[:3])
		if err != nil {
			return false
		}
		return prefix >= c.prefixMin && prefix <= c.prefixMax
	}
	_, ok := c.aliases[normaliseStateName(value)]
	return ok
}

// IsPostalCode reports whether value looks like an Indian PIN code.
func IsPostalCode(value string) bool {
	return postalCodePattern.MatchString(strings.TrimSpace(value))
}

// normaliseStateName folds accents away, lower-cases and keeps letters only, so
// "Tamil Nadu", "TAMIL-NADU" and "Tamil Nādu" all become "tamilnadu".
func normaliseStateName(value string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, value)
	if err != nil {
		folded = value
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
