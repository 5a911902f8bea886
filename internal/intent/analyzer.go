package intent

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Strategy weights. The three scores per intent combine to at most 1.0
// before boosts.
const (
	keywordWeight = 0.4
	fuzzyWeight   = 0.3
	patternWeight = 0.3

	orderIDBoost  = 0.3
	productBoost  = 0.2
	carryBoost    = 0.2
	patternLockIn = 0.9
)

// Config bounds the analyzer.
type Config struct {
	// FuzzyThreshold is the minimum partial-ratio (0-100) for a keyword to
	// contribute to the fuzzy score.
	FuzzyThreshold int
	// ConfidenceThreshold is the minimum combined score to classify;
	// anything below falls back.
	ConfidenceThreshold float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{FuzzyThreshold: 70, ConfidenceThreshold: 0.7}
}

// keyword sets per intent. Multi-word entries match as phrases on the
// preprocessed message. Lists are deliberately short: the keyword score is
// hits over list length, so every extra synonym dilutes a single hit.
var intentKeywords = map[Type][]string{
	TypeGreeting:               {"hello", "hi", "hey"},
	TypeProductQuery:           {"find", "search", "product"},
	TypeProductDetailsFollowup: {"details", "more info", "tell me about"},
	TypeOrderStatus:            {"order status", "track order", "order"},
	TypeComplaint:              {"complaint", "refund", "broken"},
	TypeSupportRequest:         {"help", "support", "agent"},
	TypePriceInquiry:           {"price", "cost", "how much"},
	TypeAvailabilityCheck:      {"available", "in stock", "stock"},
	TypeGoodbye:                {"bye", "goodbye", "good night"},
	TypeKnowledgeBaseQuery:     {"policy", "return policy", "how do i"},
}

// intentWeights scale the keyword and fuzzy scores per intent. All equal
// today; the field exists so a tenant can tilt classification.
var intentWeights = map[Type]float64{}

var (
	orderIDPattern     = regexp.MustCompile(`\b(?:order|order[#\s]?(?:id|number)?[:\s#]*)?([A-Z0-9]{6,})\b`)
	orderPhrasePattern = regexp.MustCompile(`(?i)order\s*(?:id|number)?\s*[:\s#]*[A-Z0-9]+`)
	productNamePattern = regexp.MustCompile(`(?i)\b(?:product|item)[:\s]+([^.!?]+)`)
	phonePattern       = regexp.MustCompile(`\+?[1-9]\d{6,14}`)
	emailPattern       = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	punctuationRun     = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	spaceRun           = regexp.MustCompile(`\s+`)
)

var questionWords = []string{"what", "whats", "how", "when", "where", "is", "are", "do", "does", "can", "could", "will"}

var (
	priceTerms        = []string{"price", "cost", "much", "expensive", "cheap", "rate", "charges"}
	availabilityTerms = []string{"available", "availability", "stock", "have"}
	greetingWords     = []string{"hello", "hi", "hey", "namaste", "morning", "afternoon", "evening"}
	goodbyeWords      = []string{"bye", "goodbye", "night", "tata", "cya"}
	complaintWords    = []string{"broken", "damaged", "defective", "complaint", "disappointed"}
	supportWords      = []string{"agent", "human", "representative"}
	knowledgeWords    = []string{"policy", "faq", "warranty"}
	searchVerbs       = []string{"find", "search", "show", "browse"}
	detailsLeads      = []string{"tell me about", "more about", "details of", "details about"}
)

// Analyzer classifies messages. Stateless and safe for concurrent use; the
// same (message, context) always yields the same result.
type Analyzer struct {
	config Config
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer with the given thresholds.
func NewAnalyzer(config Config, logger *zap.Logger) *Analyzer {
	if config.FuzzyThreshold <= 0 {
		config.FuzzyThreshold = 70
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = 0.7
	}
	return &Analyzer{config: config, logger: logger}
}

// Analyze scores the message against every intent and returns the winner,
// or fallback with zero confidence when nothing clears the threshold.
func (a *Analyzer) Analyze(message string, ctx Context) Result {
	entities := extractEntities(message)
	processed := preprocess(message)

	if processed == "" {
		return Result{Intent: TypeFallback, Confidence: 0, Entities: entities}
	}

	scores := make(map[Type]float64, len(scoredTypes))
	evidence := make(map[Type][]string, len(scoredTypes))

	for _, it := range scoredTypes {
		kw, kwHits := keywordScore(processed, it)
		fz, fzHits := a.fuzzyScore(processed, it)
		scores[it] = intentWeight(it) * (keywordWeight*kw + fuzzyWeight*fz)
		evidence[it] = append(evidence[it], kwHits...)
		evidence[it] = append(evidence[it], fzHits...)
	}

	patternScores, patternHits := patternScore(message, processed)
	for it, s := range patternScores {
		scores[it] += patternWeight * s
		evidence[it] = append(evidence[it], patternHits[it]...)
	}

	// Entity and context boosts.
	if _, ok := entities["order_id"]; ok {
		scores[TypeOrderStatus] += orderIDBoost
		evidence[TypeOrderStatus] = append(evidence[TypeOrderStatus], "entity:order_id")
	}
	if _, ok := entities["product_name"]; ok {
		scores[TypeProductQuery] += productBoost
		evidence[TypeProductQuery] = append(evidence[TypeProductQuery], "entity:product_name")
	}
	if ctx.PreviousIntent == TypeOrderStatus {
		scores[TypeOrderStatus] += carryBoost
		evidence[TypeOrderStatus] = append(evidence[TypeOrderStatus], "context:order_status_carry")
	}

	best := TypeFallback
	bestScore := 0.0
	for _, it := range scoredTypes {
		if s := scores[it]; s > bestScore {
			best, bestScore = it, s
		}
	}
	if bestScore > 1.0 {
		bestScore = 1.0
	}

	if bestScore < a.config.ConfidenceThreshold {
		return Result{Intent: TypeFallback, Confidence: 0, Entities: entities}
	}
	matched := evidence[best]

	a.logger.Debug("Intent classified",
		zap.String("intent", string(best)),
		zap.Float64("confidence", bestScore),
		zap.Int("entities", len(entities)),
	)
	return Result{Intent: best, Confidence: bestScore, MatchedPatterns: matched, Entities: entities}
}

// preprocess lowercases, strips punctuation and collapses whitespace.
func preprocess(message string) string {
	s := strings.ToLower(message)
	s = punctuationRun.ReplaceAllString(s, " ")
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func keywordScore(processed string, it Type) (float64, []string) {
	keywords := intentKeywords[it]
	if len(keywords) == 0 {
		return 0, nil
	}
	padded := " " + processed + " "
	hits := 0
	var matched []string
	for _, kw := range keywords {
		if strings.Contains(padded, " "+kw+" ") {
			hits++
			matched = append(matched, "keyword:"+kw)
		}
	}
	return float64(hits) / float64(len(keywords)), matched
}

func (a *Analyzer) fuzzyScore(processed string, it Type) (float64, []string) {
	keywords := intentKeywords[it]
	if len(keywords) == 0 {
		return 0, nil
	}
	var total float64
	count := 0
	var matched []string
	for _, kw := range keywords {
		ratio := partialRatio(kw, processed)
		if ratio >= a.config.FuzzyThreshold {
			total += float64(ratio) / 100
			count++
			matched = append(matched, "fuzzy:"+kw)
		}
	}
	if count == 0 {
		return 0, nil
	}
	return total / float64(count), matched
}

// patternScore applies the hard-coded heuristics. These run on both the raw
// message (case-sensitive order ids) and the preprocessed form.
func patternScore(raw, processed string) (map[Type]float64, map[Type][]string) {
	scores := make(map[Type]float64)
	matched := make(map[Type][]string)
	mark := func(it Type, tag string) {
		scores[it] = patternLockIn
		matched[it] = append(matched[it], tag)
	}
	words := strings.Fields(processed)

	if orderPhrasePattern.MatchString(raw) {
		mark(TypeOrderStatus, "pattern:order_reference")
	}
	if len(words) <= 4 && containsAny(words, greetingWords) {
		mark(TypeGreeting, "pattern:short_greeting")
	}
	if len(words) <= 4 && containsAny(words, goodbyeWords) {
		mark(TypeGoodbye, "pattern:short_goodbye")
	}
	if containsAny(words, questionWords) {
		if containsAny(words, priceTerms) {
			mark(TypePriceInquiry, "pattern:price_question")
		}
		if containsAny(words, availabilityTerms) {
			mark(TypeAvailabilityCheck, "pattern:availability_question")
		}
	}
	if containsAny(words, complaintWords) {
		mark(TypeComplaint, "pattern:complaint_term")
	}
	if containsAny(words, supportWords) {
		mark(TypeSupportRequest, "pattern:support_term")
	}
	if containsAny(words, knowledgeWords) {
		mark(TypeKnowledgeBaseQuery, "pattern:knowledge_term")
	}
	if first := firstWord(processed); first != "" && contains(searchVerbs, first) {
		mark(TypeProductQuery, "pattern:search_verb")
	}
	for _, lead := range detailsLeads {
		if strings.HasPrefix(processed, lead) || strings.Contains(" "+processed, " "+lead) {
			mark(TypeProductDetailsFollowup, "pattern:details_lead")
			break
		}
	}
	return scores, matched
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

func contains(terms []string, w string) bool {
	for _, t := range terms {
		if t == w {
			return true
		}
	}
	return false
}

func extractEntities(message string) map[string]string {
	entities := make(map[string]string)

	if m := orderIDPattern.FindStringSubmatch(message); len(m) > 1 && m[1] != "" {
		entities["order_id"] = m[1]
	}
	if m := productNamePattern.FindStringSubmatch(message); len(m) > 1 {
		if name := strings.TrimSpace(m[1]); name != "" {
			entities["product_name"] = name
		}
	}
	if m := phonePattern.FindString(message); m != "" {
		entities["phone_number"] = m
	}
	if m := emailPattern.FindString(message); m != "" {
		entities["email"] = m
	}
	return entities
}

func containsAny(words []string, terms []string) bool {
	for _, w := range words {
		for _, t := range terms {
			if w == t {
				return true
			}
		}
	}
	return false
}

func intentWeight(it Type) float64 {
	if w, ok := intentWeights[it]; ok && w > 0 {
		return w
	}
	return 1.0
}
