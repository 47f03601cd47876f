// Package meta derives structured page metadata: content classification,
// keywords, entities, prices, contact patterns, Q&A pairs, and quality
// scores. Extraction runs exactly once per page; every chunk carries a copy
// of the page's metadata.
package meta

// RuleSet is the explicit, versioned extraction configuration. It is loaded
// once at startup and passed by reference into the Extractor.
type RuleSet struct {
	Version int

	// ContentTypes maps a type label to the keywords that vote for it.
	ContentTypes map[string][]string
	// Subtypes maps a content type to subtype keyword votes.
	Subtypes map[string]map[string][]string

	// StopWords are excluded from keyword frequency counts.
	StopWords map[string]struct{}

	// FunctionWords maps a language code to its most frequent function
	// words, used for the language guess.
	FunctionWords map[string][]string

	// MinPageLength is the short-page fast-path threshold: pages below it
	// skip entity/Q&A extraction and return a minimal metadata object.
	MinPageLength int

	// TopKeywords caps the keyword list length.
	TopKeywords int
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Version:       1,
		MinPageLength: 200,
		TopKeywords:   10,
		ContentTypes: map[string][]string{
			"product": {"price", "buy", "cart", "sku", "add to cart", "in stock", "shipping", "warranty", "specifications"},
			"faq":     {"faq", "frequently asked", "questions", "how do i", "how can i", "answer"},
			"article": {"posted", "author", "published", "read more", "comments", "minutes read"},
			"docs":    {"documentation", "api", "install", "usage", "example", "parameter", "returns", "configuration"},
			"contact": {"contact", "phone", "email", "address", "reach us", "support"},
			"about":   {"about us", "our story", "our mission", "founded", "team"},
			"legal":   {"terms", "privacy", "policy", "liability", "agreement", "gdpr"},
		},
		Subtypes: map[string]map[string][]string{
			"product": {
				"listing": {"results", "filter", "sort by", "showing"},
				"detail":  {"add to cart", "description", "reviews", "specifications"},
			},
			"article": {
				"news": {"breaking", "reported", "announced"},
				"blog": {"posted by", "tags", "share this"},
			},
		},
		StopWords: toSet([]string{
			"the", "a", "an", "and", "or", "but", "if", "then", "so", "of", "to",
			"in", "on", "at", "for", "with", "from", "by", "as", "is", "are",
			"was", "were", "be", "been", "being", "it", "its", "this", "that",
			"these", "those", "you", "your", "we", "our", "they", "their", "he",
			"she", "his", "her", "not", "no", "can", "will", "would", "should",
			"could", "do", "does", "did", "have", "has", "had", "about", "all",
			"also", "more", "most", "other", "some", "such", "than", "too",
			"very", "just", "into", "over", "after", "before", "between", "out",
			"up", "down", "there", "here", "when", "where", "why", "how", "what",
			"which", "who", "whom", "because", "while", "each", "any", "both",
			"few", "own", "same", "only", "new", "us", "them", "may", "one",
		}),
		FunctionWords: map[string][]string{
			"en": {"the", "and", "of", "to", "in", "is", "you", "that", "it", "for"},
			"de": {"der", "die", "das", "und", "ist", "nicht", "mit", "für", "auf", "ein"},
			"fr": {"le", "la", "les", "des", "est", "dans", "pour", "que", "une", "vous"},
			"es": {"el", "la", "los", "las", "es", "por", "para", "con", "una", "que"},
			"it": {"il", "la", "che", "di", "non", "per", "una", "sono", "con", "del"},
		},
	}
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
