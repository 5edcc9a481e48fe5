package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/goccy/go-json"

	"tradegate/internal/domain"
)

var _ Classifier = (*LLMClassifier)(nil)

// Generator is the part of an eino chat model used for scoring.
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// LLMClassifier asks a chat model for a structured risk verdict.
type LLMClassifier struct {
	gen   Generator
	model string
	now   func() time.Time
}

// NewOpenAIClassifier builds an LLMClassifier backed by an OpenAI-compatible
// chat endpoint.
func NewOpenAIClassifier(ctx context.Context, apiKey, baseURL, modelName string) (*LLMClassifier, error) {
	maxTokens := 512
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		Model:     modelName,
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat model: %w", err)
	}
	return NewLLMClassifier(cm, modelName), nil
}

// NewLLMClassifier wraps any Generator.
func NewLLMClassifier(gen Generator, modelName string) *LLMClassifier {
	return &LLMClassifier{gen: gen, model: modelName, now: func() time.Time { return time.Now().UTC() }}
}

func (l *LLMClassifier) Name() string { return "llm:" + l.model }

const systemPrompt = `You are a trading risk officer. Classify the proposed trade.
Reply with a single JSON object and nothing else:
{"tier":"low|medium|high","score":0.0-1.0,"rationale":"...","portfolio_impact":"...","recommendations":["..."]}`

type verdict struct {
	Tier            string   `json:"tier"`
	Score           float64  `json:"score"`
	Rationale       string   `json:"rationale"`
	PortfolioImpact string   `json:"portfolio_impact"`
	Recommendations []string `json:"recommendations"`
}

func (l *LLMClassifier) Classify(ctx context.Context, in Input) (domain.RiskAssessment, error) {
	msg, err := l.gen.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(describe(in)),
	})
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	if msg == nil {
		return domain.RiskAssessment{}, errors.New("empty reply")
	}

	var v verdict
	if err := json.Unmarshal([]byte(stripFences(msg.Content)), &v); err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("unparseable reply: %w", err)
	}
	tier, err := domain.ParseRiskTier(v.Tier)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	return domain.RiskAssessment{
		Tier:            tier,
		Score:           min(max(v.Score, 0), 1),
		Rationale:       v.Rationale,
		PortfolioImpact: v.PortfolioImpact,
		Recommendations: v.Recommendations,
		GeneratedAt:     l.now(),
		Source:          l.Name(),
	}, nil
}

func describe(in Input) string {
	var b strings.Builder
	r := in.Request
	fmt.Fprintf(&b, "Requester: %s\nSymbol: %s\nSide: %s\nQuantity: %s\n",
		r.Requester.ID, strings.ToUpper(r.Symbol), r.Side(), r.Quantity.Abs())
	if r.LimitPrice != nil {
		fmt.Fprintf(&b, "Limit price: %s\n", r.LimitPrice)
	}
	if in.Snapshot != nil {
		fmt.Fprintf(&b, "Last price: %s (as of %s)\nDaily volume: %s\n",
			in.Snapshot.Price, in.Snapshot.AsOf.Format(time.RFC3339), in.Snapshot.Volume)
	} else {
		b.WriteString("Market data: unavailable\n")
	}
	fmt.Fprintf(&b, "Current position: %s @ %s\n", in.Position.Quantity, in.Position.CostBasis)
	return b.String()
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
