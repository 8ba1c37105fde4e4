package emotion

import (
	"context"
	"strings"
)

// Classifier turns a user message into a Signal. It is the policy hook the
// conversation manager consults after every successful turn; implementations
// must be safe for concurrent use and deterministic for a given input.
type Classifier interface {
	Classify(ctx context.Context, message string) Signal
}

// ClassifierFunc adapts an ordinary function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, message string) Signal

// Classify calls f(ctx, message).
func (f ClassifierFunc) Classify(ctx context.Context, message string) Signal {
	return f(ctx, message)
}

// NeutralClassifier classifies every message as Neutral, which keeps the
// level fixed. It is the default when no policy is configured.
type NeutralClassifier struct{}

// Classify implements Classifier.
func (NeutralClassifier) Classify(context.Context, string) Signal { return Neutral }

// KeywordClassifier matches case-insensitive keyword lists. A message that
// hits both lists (or neither) is Neutral.
type KeywordClassifier struct {
	affectionate []string
	distant      []string
}

// NewKeywordClassifier builds a KeywordClassifier. Empty keywords are ignored.
func NewKeywordClassifier(affectionate, distant []string) *KeywordClassifier {
	return &KeywordClassifier{
		affectionate: normalize(affectionate),
		distant:      normalize(distant),
	}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(_ context.Context, message string) Signal {
	text := strings.ToLower(message)
	warm := containsAny(text, k.affectionate)
	cold := containsAny(text, k.distant)
	switch {
	case warm && !cold:
		return Affectionate
	case cold && !warm:
		return Distant
	default:
		return Neutral
	}
}

func normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

var (
	_ Classifier = ClassifierFunc(nil)
	_ Classifier = NeutralClassifier{}
	_ Classifier = (*KeywordClassifier)(nil)
)
