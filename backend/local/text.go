package local

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/modalkit/fuseflow/backend"
	"github.com/modalkit/fuseflow/types"
)

// embedDimensions is the fixed width of the reference text embedding.
const embedDimensions = 64

// TextEmbedder serves text.embedding with a hashed bag-of-words vector.
type TextEmbedder struct{}

func (TextEmbedder) Capability() types.CapabilityKey {
	return types.NewCapabilityKey(types.ModalityText, types.OpEmbed)
}

func (TextEmbedder) Concurrent() bool { return true }

func (TextEmbedder) Load(ctx context.Context) (backend.Model, error) {
	return textEmbedModel{}, nil
}

type textEmbedModel struct{}

func (textEmbedModel) Close() error { return nil }

func (textEmbedModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	text := payloadText(p)
	if text == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "text embedding requires text content")
	}

	vec := make([]float64, embedDimensions)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		idx := int(h.Sum32() % embedDimensions)
		// Alternate sign by a second hash bit so the vector is not
		// all-positive and cosine similarity stays meaningful.
		sign := 1.0
		if h.Sum32()&(1<<16) != 0 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	l2Normalize(vec)

	return &types.ModalityResult{
		Vector:     vec,
		Confidence: 1.0,
	}, nil
}

// sentimentLexicon is deliberately tiny; the reference analyzer only needs
// a stable direction, not accuracy.
var sentimentLexicon = map[string]float64{
	"good": 1, "great": 1, "excellent": 1, "love": 1, "happy": 1,
	"nice": 1, "best": 1, "amazing": 1, "wonderful": 1,
	"bad": -1, "awful": -1, "terrible": -1, "hate": -1, "sad": -1,
	"worst": -1, "poor": -1, "broken": -1, "horrible": -1,
}

// SentimentAnalyzer serves text.sentiment with a lexicon score.
type SentimentAnalyzer struct{}

func (SentimentAnalyzer) Capability() types.CapabilityKey {
	return types.NewCapabilityKey(types.ModalityText, types.OpSentiment)
}

func (SentimentAnalyzer) Concurrent() bool { return true }

func (SentimentAnalyzer) Load(ctx context.Context) (backend.Model, error) {
	return sentimentModel{lexicon: sentimentLexicon}, nil
}

type sentimentModel struct {
	lexicon map[string]float64
}

func (sentimentModel) Close() error { return nil }

func (m sentimentModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	text := payloadText(p)
	if text == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "sentiment analysis requires text content")
	}

	tokens := tokenize(text)
	score, hits := 0.0, 0
	for _, token := range tokens {
		if v, ok := m.lexicon[token]; ok {
			score += v
			hits++
		}
	}

	positive := 0.5
	if hits > 0 {
		positive = 0.5 + score/(2*float64(hits))
	}
	label := "neutral"
	switch {
	case positive > 0.6:
		label = "positive"
	case positive < 0.4:
		label = "negative"
	}

	confidence := 0.5
	if len(tokens) > 0 {
		confidence = 0.5 + 0.5*float64(hits)/float64(len(tokens))
	}

	return &types.ModalityResult{
		Text:   label,
		Labels: []string{label},
		Scores: map[string]float64{
			"positive": positive,
			"negative": 1 - positive,
		},
		Confidence: confidence,
	}, nil
}

// Summarizer serves text.summarize with a leading-sentence extract.
type Summarizer struct {
	// MaxSentences bounds the extract length; zero means 3.
	MaxSentences int
}

func (Summarizer) Capability() types.CapabilityKey {
	return types.NewCapabilityKey(types.ModalityText, types.OpSummarize)
}

func (Summarizer) Concurrent() bool { return true }

func (s Summarizer) Load(ctx context.Context) (backend.Model, error) {
	max := s.MaxSentences
	if max <= 0 {
		max = 3
	}
	return summarizeModel{maxSentences: max}, nil
}

type summarizeModel struct {
	maxSentences int
}

func (summarizeModel) Close() error { return nil }

func (m summarizeModel) Invoke(ctx context.Context, p types.Payload) (*types.ModalityResult, error) {
	text := strings.TrimSpace(payloadText(p))
	if text == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "summarization requires text content")
	}

	sentences := splitSentences(text)
	n := m.maxSentences
	if n > len(sentences) {
		n = len(sentences)
	}
	summary := strings.Join(sentences[:n], " ")

	ratio := 1.0
	if len(text) > 0 {
		ratio = float64(len(summary)) / float64(len(text))
	}
	return &types.ModalityResult{
		Text: summary,
		Scores: map[string]float64{
			"compression": 1 - ratio,
		},
		Confidence: 0.8,
	}, nil
}

func payloadText(p types.Payload) string {
	if p.Text != "" {
		return p.Text
	}
	return string(p.Data)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func l2Normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}
