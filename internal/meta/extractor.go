package meta

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

var (
	skuRe   = regexp.MustCompile(`\b[A-Z]{2,6}[-_]?\d{3,8}[A-Z0-9]*\b`)
	priceRe = regexp.MustCompile(`([$€£¥]|USD|EUR|GBP|JPY|AUD|CAD)\s?(\d{1,3}(?:[.,]\d{3})*(?:[.,]\d{1,2})?)`)
	emailRe = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	phoneRe = regexp.MustCompile(`\+?\d{1,3}[\s.-]?\(?\d{2,4}\)?[\s.-]?\d{3,4}[\s.-]?\d{3,4}\b`)
	wordRe  = regexp.MustCompile(`[a-zA-ZÀ-ÿ]{2,}`)
	codeRe  = regexp.MustCompile("```|\\bfunc \\w+\\(|\\bdef \\w+\\(|[{};]\\s*$")
	listRe  = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+\S`)
)

var currencySymbols = map[string]string{
	"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY",
	"USD": "USD", "EUR": "EUR", "GBP": "GBP", "JPY": "JPY", "AUD": "AUD", "CAD": "CAD",
}

// Extractor computes PageMetadata from full page text using the rule set
// supplied at construction. Safe for concurrent use: all state is read-only.
type Extractor struct {
	rules *RuleSet
}

// New builds an Extractor. A nil rules falls back to DefaultRules.
func New(rules *RuleSet) *Extractor {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Extractor{rules: rules}
}

// Extract derives metadata from full page text. Short pages take a fast
// path that skips entity and Q&A extraction.
func (e *Extractor) Extract(text, url, title string) pipeline.PageMetadata {
	lower := strings.ToLower(text)
	words := wordRe.FindAllString(lower, -1)

	md := pipeline.PageMetadata{
		Language: e.guessLanguage(words),
	}
	md.ContentType, md.ContentSubtype = e.classify(lower, url, title)

	if len(text) < e.rules.MinPageLength {
		return md
	}

	md.Keywords = e.topKeywords(words)
	md.Entities = extractEntities(text)
	md.PriceRange = extractPrices(text)
	md.Contact = extractContact(text)
	md.QAPairs = extractQAPairs(text)
	md.SemanticDensity = e.semanticDensity(words)
	md.ReadabilityScore = readability(text, words)
	md.HasCode = codeRe.MatchString(text)
	md.HasLists = listRe.MatchString(text)
	md.HasQuestions = strings.Contains(text, "?")
	return md
}

func (e *Extractor) classify(lower, url, title string) (string, string) {
	lowerURL := strings.ToLower(url)
	lowerTitle := strings.ToLower(title)

	// iterate types in sorted order so score ties classify the same way on
	// every call
	best, bestScore := "general", 0
	for _, ctype := range sortedKeys(e.rules.ContentTypes) {
		score := 0
		for _, kw := range e.rules.ContentTypes[ctype] {
			score += strings.Count(lower, kw)
			if strings.Contains(lowerURL, kw) || strings.Contains(lowerTitle, kw) {
				score += 3
			}
		}
		if score > bestScore {
			best, bestScore = ctype, score
		}
	}

	subtype := ""
	subScore := 0
	for _, st := range sortedKeys(e.rules.Subtypes[best]) {
		score := 0
		for _, kw := range e.rules.Subtypes[best][st] {
			score += strings.Count(lower, kw)
		}
		if score > subScore {
			subtype, subScore = st, score
		}
	}
	return best, subtype
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Extractor) topKeywords(words []string) []string {
	freq := make(map[string]int)
	for _, w := range words {
		if _, stop := e.rules.StopWords[w]; stop {
			continue
		}
		if len(w) < 3 {
			continue
		}
		freq[w]++
	}
	type kv struct {
		word  string
		count int
	}
	ranked := make([]kv, 0, len(freq))
	for w, c := range freq {
		if c > 1 {
			ranked = append(ranked, kv{w, c})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	limit := e.rules.TopKeywords
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]string, 0, limit)
	for _, r := range ranked[:limit] {
		out = append(out, r.word)
	}
	return out
}

func (e *Extractor) guessLanguage(words []string) string {
	if len(words) == 0 {
		return "unknown"
	}
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	best, bestHits := "unknown", 0
	for lang, fws := range e.rules.FunctionWords {
		hits := 0
		for _, fw := range fws {
			hits += counts[fw]
		}
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}
	// Too few function-word hits means the guess is noise.
	if bestHits*50 < len(words) {
		return "unknown"
	}
	return best
}

func (e *Extractor) semanticDensity(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	informative := 0
	for _, w := range words {
		if _, stop := e.rules.StopWords[w]; !stop {
			informative++
		}
	}
	return float64(informative) / float64(len(words))
}

// readability approximates a Flesch-style ease score scaled to [0,1].
func readability(text string, words []string) float64 {
	sentences := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	if len(sentences) == 0 || len(words) == 0 {
		return 0
	}
	wordsPerSentence := float64(len(words)) / float64(len(sentences))
	var totalLen int
	for _, w := range words {
		totalLen += len(w)
	}
	avgWordLen := float64(totalLen) / float64(len(words))

	score := 1.0 - (wordsPerSentence/40.0)*0.5 - (avgWordLen/12.0)*0.5
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func extractEntities(text string) pipeline.Entities {
	var ents pipeline.Entities
	seen := make(map[string]struct{})
	for _, m := range skuRe.FindAllString(text, -1) {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		ents.SKUs = append(ents.SKUs, m)
		if len(ents.SKUs) >= 50 {
			break
		}
	}
	return ents
}

func extractPrices(text string) *pipeline.PriceRange {
	matches := priceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	pr := &pipeline.PriceRange{Min: -1}
	for _, m := range matches {
		val, err := parsePrice(m[2])
		if err != nil {
			continue
		}
		if pr.Currency == "" {
			pr.Currency = currencySymbols[m[1]]
		}
		if pr.Min < 0 || val < pr.Min {
			pr.Min = val
		}
		if val > pr.Max {
			pr.Max = val
		}
		pr.Count++
	}
	if pr.Count == 0 {
		return nil
	}
	return pr
}

func parsePrice(raw string) (float64, error) {
	// Normalize 1.299,99 and 1,299.99 forms to a plain decimal.
	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")
	switch {
	case lastComma > lastDot:
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.Replace(raw, ",", ".", 1)
	default:
		raw = strings.ReplaceAll(raw, ",", "")
	}
	return strconv.ParseFloat(raw, 64)
}

func extractContact(text string) *pipeline.Contact {
	emails := dedupeStrings(emailRe.FindAllString(text, -1), 10)
	phones := dedupeStrings(phoneRe.FindAllString(text, -1), 10)
	if len(emails) == 0 && len(phones) == 0 {
		return nil
	}
	return &pipeline.Contact{Emails: emails, Phones: phones}
}

// extractQAPairs pairs a question line with the following non-empty
// paragraph, the heading/paragraph adjacency pattern of FAQ pages.
func extractQAPairs(text string) []pipeline.QAPair {
	lines := strings.Split(text, "\n")
	var pairs []pipeline.QAPair
	for i, line := range lines {
		q := strings.TrimSpace(line)
		if !strings.HasSuffix(q, "?") || len(q) < 8 || len(q) > 300 {
			continue
		}
		for j := i + 1; j < len(lines) && j <= i+3; j++ {
			a := strings.TrimSpace(lines[j])
			if a == "" || strings.HasSuffix(a, "?") {
				continue
			}
			if len(a) < 10 {
				break
			}
			pairs = append(pairs, pipeline.QAPair{Question: q, Answer: a})
			break
		}
		if len(pairs) >= 20 {
			break
		}
	}
	return pairs
}

func dedupeStrings(in []string, limit int) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) >= limit {
			break
		}
	}
	return out
}
