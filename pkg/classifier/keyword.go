package classifier

import (
	"context"
	"strings"
)

// DefaultKeywords is the production phrase list, Hinglish included. Broad
// entries such as "pin" and "urgent" also match ordinary speech ("spinning",
// "not urgent"); narrowing the list is a precision decision for operators.
var DefaultKeywords = []string{
	"otp", "one time password", "ek baar ka password",
	"account number", "bank account",
	"debit card", "credit card",
	"upi pin", "upi password",
	"send money", "transfer money",
	"bank verification", "account verification",
	"kyc update", "kyc verification",
	"government penalty", "fine", "penalty",
	"urgent", "emergency", "immediately",
	"password", "pin", "secret code",
}

// Keyword matches configured phrases as case-insensitive substrings.
type Keyword struct {
	keywords []string
}

// NewKeyword builds a matcher. An empty list selects DefaultKeywords.
func NewKeyword(keywords []string) *Keyword {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	return &Keyword{keywords: normalize(keywords)}
}

func (k *Keyword) Name() string { return "keyword" }

func (k *Keyword) Keywords() []string { return append([]string(nil), k.keywords...) }

func (k *Keyword) Check(_ context.Context, text string) ([]string, error) {
	return k.Match(text), nil
}

// Match returns every configured keyword contained in text, sorted.
func (k *Keyword) Match(text string) []string {
	lower := strings.ToLower(text)
	matched := make([]string, 0, 2)
	for _, kw := range k.keywords {
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}

var _ Classifier = (*Keyword)(nil)
