package classify

import (
	"regexp"
	"strings"
	"unicode"
)

// Query is the normalized form rules match against.
type Query struct {
	Raw    string
	Lower  string
	Tokens []string
}

// NewQuery normalizes text.
func NewQuery(text string) Query {
	lower := strings.ToLower(strings.TrimSpace(text))
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return Query{Raw: text, Lower: lower, Tokens: tokens}
}

// Matcher counts how many times a rule's evidence occurs in a query.
type Matcher interface {
	Count(q Query) int
}

// Rule is one row of the classification table.
type Rule struct {
	Family   string
	Name     string
	Category Category
	Weight   float64
	Matcher  Matcher
}

// Pattern counts non-overlapping regexp matches on the lowercased query.
type Pattern struct {
	re *regexp.Regexp
}

// NewPattern compiles expr, panicking on a bad expression like regexp.MustCompile.
func NewPattern(expr string) Pattern {
	return Pattern{re: regexp.MustCompile(expr)}
}

// Count implements Matcher.
func (p Pattern) Count(q Query) int {
	return len(p.re.FindAllStringIndex(q.Lower, -1))
}

// Punctuation counts occurrences of a mark in the raw query.
type Punctuation string

// Count implements Matcher.
func (p Punctuation) Count(q Query) int {
	return strings.Count(q.Raw, string(p))
}

// Words counts tokens that belong to a word set. Counting rather than taking
// a ratio keeps the rule monotone as text is added.
type Words map[string]struct{}

// NewWords builds a Words set.
func NewWords(words ...string) Words {
	w := make(Words, len(words))
	for _, word := range words {
		w[word] = struct{}{}
	}
	return w
}

// Count implements Matcher.
func (w Words) Count(q Query) int {
	n := 0
	for _, tok := range q.Tokens {
		if _, ok := w[tok]; ok {
			n++
		}
	}
	return n
}

// Rule families.
const (
	FamilyKeyword   = "keyword"
	FamilyStructure = "structure"
	FamilyReference = "reference"
	FamilyScript    = "script"
)

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	kw := func(cat Category, name string, weight float64, expr string) Rule {
		return Rule{Family: FamilyKeyword, Name: name, Category: cat, Weight: weight, Matcher: NewPattern(expr)}
	}

	return []Rule{
		kw(Temporal, "yesterday", 0.6, `\byesterday\b`),
		kw(Temporal, "last_period", 0.55, `\b(last|past|previous) (night|week|month|year|time|weekend|session)\b`),
		kw(Temporal, "earlier_today", 0.5, `\b(earlier|this) (today|morning|afternoon|evening)\b`),
		kw(Temporal, "n_units_ago", 0.55, `\b(\d+|a|an|one|two|few|couple of) (minutes?|hours?|days?|weeks?|months?|years?) ago\b`),
		kw(Temporal, "ago", 0.35, `\bago\b`),
		kw(Temporal, "recently", 0.3, `\b(recently|lately)\b`),
		kw(Temporal, "the_other_day", 0.45, `\bthe other day\b`),
		kw(Temporal, "what_did_we_discuss", 0.45, `\bwhat (did|have) (we|i|you) (discuss|discussed|talk|talked|chat|chatted|say|said)\b`),
		kw(Temporal, "when_did", 0.35, `\bwhen did (we|i|you)\b`),
		kw(Temporal, "first_last_time", 0.4, `\b(first|last) time (we|i|you)\b`),

		kw(Emotional, "feel", 0.45, `\b(feel|feels|feeling|felt|feelings)\b`),
		kw(Emotional, "emotion_words", 0.4, `\b(sad|happy|angry|upset|anxious|worried|scared|afraid|lonely|depressed|excited|stressed|frustrated|nervous|hurt|grateful|heartbroken|overwhelmed)\b`),
		kw(Emotional, "attachment", 0.25, `\b(love|hate|miss)\b`),
		kw(Emotional, "crying", 0.35, `\b(cry|crying|cried|tears)\b`),
		{Family: FamilyStructure, Name: "emoticon", Category: Emotional, Weight: 0.3, Matcher: NewPattern(`(:\(|:'\(|<3|😢|😭|😊|❤)`)},
		{Family: FamilyStructure, Name: "exclamation", Category: Emotional, Weight: 0.1, Matcher: Punctuation("!")},

		kw(Conversational, "you_said", 0.4, `\b(you said|you told me|you mentioned|i told you|i mentioned|we talked|we discussed|as i said)\b`),
		kw(Conversational, "remember", 0.3, `\b(remember|recall)\b`),
		kw(Conversational, "continuation", 0.35, `\b(tell me more|go on|what about|and then|keep going)\b`),
		kw(Conversational, "greeting", 0.3, `^(hi|hey|hello|thanks|thank you|ok|okay|lol|haha)\b`),
		{Family: FamilyReference, Name: "pronoun_reference", Category: Conversational, Weight: 0.08,
			Matcher: NewWords("that", "it", "this", "those", "these", "them", "he", "she", "they", "him", "her")},

		kw(Factual, "question_opener", 0.25, `^(what|who|where|which|how many|how much|is|are|does|do|did)\b`),
		kw(Factual, "personal_fact", 0.45, `\b(my|your) (name|favorite|favourite|birthday|job|age|hometown|pet|sister|brother|mother|mom|father|dad|wife|husband|partner)\b`),
		kw(Factual, "definition", 0.35, `\b(what is|what's|who is|who's|where is|where do|how old)\b`),
		kw(Factual, "knowledge", 0.3, `\b(do you know|tell me about|facts?)\b`),
		{Family: FamilyStructure, Name: "question_mark", Category: Factual, Weight: 0.15, Matcher: Punctuation("?")},
	}
}
