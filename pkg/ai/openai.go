package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxPromptRunes = 24000

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assess",
		Subsystem: "analyzer",
		Name:      "openai_duration_seconds",
		Help:      "Duration of OpenAI scoring requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assess",
		Subsystem: "analyzer",
		Name:      "openai_failures_total",
		Help:      "Number of OpenAI scoring failures",
	}, []string{"model"})
)

// ChatCompleter is the subset of the OpenAI client used for scoring.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig defines configuration options for the OpenAI analyzer.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Extractor   Extractor
	Logger      zerolog.Logger
}

// OpenAIAnalyzer extracts text with its Extractor and scores it with a chat completion.
type OpenAIAnalyzer struct {
	client    ChatCompleter
	cfg       OpenAIConfig
	extractor Extractor
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewOpenAIAnalyzer builds an analyzer backed by the OpenAI API.
func NewOpenAIAnalyzer(cfg OpenAIConfig) (*OpenAIAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return newOpenAIAnalyzer(openai.NewClientWithConfig(config), cfg), nil
}

func newOpenAIAnalyzer(client ChatCompleter, cfg OpenAIConfig) *OpenAIAnalyzer {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	extractor := cfg.Extractor
	if extractor == nil {
		extractor = PlainTextExtractor{}
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &OpenAIAnalyzer{
		client:    client,
		cfg:       cfg,
		extractor: extractor,
		tracer:    otel.Tracer("github.com/noah-isme/assess-pipeline/pkg/ai/openai"),
		logger:    logger.With().Str("component", "openai_analyzer").Logger(),
	}
}

// Analyze extracts the document text and asks the model for a score and feedback.
func (a *OpenAIAnalyzer) Analyze(parent context.Context, doc Document) (Result, error) {
	ctx, span := a.tracer.Start(parent, "openai.analyze", trace.WithAttributes(
		attribute.String("model", a.cfg.Model),
		attribute.String("document.ref", doc.Ref.String()),
	))
	defer span.End()

	text, err := a.extractor.Extract(ctx, doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract_failed")
		return Result{}, err
	}

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: analyzerSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(doc, text),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := a.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(a.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, a.fail(span, NewError(classifyOpenAIError(err), fmt.Errorf("openai analyze: %w", err)))
	}
	if len(resp.Choices) == 0 {
		return Result{}, a.fail(span, NewError(ReasonCapabilityUnavailable, errors.New("no choices returned from openai")))
	}

	result, err := parseAnalysisResponse(strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		return Result{}, a.fail(span, NewError(ReasonCapabilityUnavailable, err))
	}

	result.ExtractedText = text
	if result.Details == nil {
		result.Details = map[string]interface{}{}
	}
	result.Details["model"] = a.cfg.Model
	result.Details["total_tokens"] = resp.Usage.TotalTokens

	a.logger.Debug().Str("ref", doc.Ref.String()).Float64("score", result.Score).Msg("document scored")

	return result, nil
}

func (a *OpenAIAnalyzer) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(a.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, string(Classify(err)))
	a.logger.Warn().Err(err).Msg("scoring request failed")
	return err
}

func classifyOpenAIError(err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusRequestTimeout {
		return ReasonTimeout
	}

	return ReasonCapabilityUnavailable
}

func analyzerSystemPrompt() string {
	return "You are an assignment grader. Respond with a JSON object containing score (0-100), feedback for the student, " +
		"and an optional details object breaking down the score. Judge completeness, accuracy and clarity."
}

func buildUserPrompt(doc Document, text string) string {
	runes := []rune(text)
	if len(runes) > maxPromptRunes {
		text = string(runes[:maxPromptRunes])
	}

	return fmt.Sprintf("Assignment: %s\nFile: %s\n\n---\n%s\n---\nReturn JSON.", doc.AssignmentID, doc.FileName, text)
}

func parseAnalysisResponse(content string) (Result, error) {
	type payload struct {
		Score    *float64               `json:"score"`
		Feedback string                 `json:"feedback"`
		Details  map[string]interface{} `json:"details"`
	}

	var data payload
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return Result{}, fmt.Errorf("parse analysis json: %w", err)
	}
	if data.Score == nil {
		return Result{}, errors.New("analysis json is missing score")
	}

	return Result{
		Score:    clampScore(*data.Score),
		Feedback: strings.TrimSpace(data.Feedback),
		Details:  data.Details,
	}, nil
}
