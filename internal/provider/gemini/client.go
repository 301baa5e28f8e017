// Package gemini summarizes tabs and computes their embeddings with the
// Gemini API.
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/cuongbtq/tab-importer/internal/domain"
	"google.golang.org/genai"
)

var (
	// ErrInvalidConfig is returned when the client is missing an API key or model name
	ErrInvalidConfig = errors.New("invalid gemini configuration")

	// ErrInvalidResponse is returned when the model answers with nothing usable
	ErrInvalidResponse = errors.New("invalid response from gemini")

	// ErrContentBlocked is returned when the prompt or answer is blocked by safety filters
	ErrContentBlocked = errors.New("content blocked by gemini safety filters")
)

const summaryPrompt = `Summarize the web page below in at most {{.MaxSentences}} sentences for a personal reading list.
Reply with the summary only.

Title: {{.Tab.Title}}
URL: {{.Tab.URL}}
{{- if .Tab.Folder}}
Folder: {{.Tab.Folder}}
{{- end}}
{{- if .Tab.Tags}}
Tags: {{join .Tab.Tags ", "}}
{{- end}}
`

const embeddingTaskType = "RETRIEVAL_DOCUMENT"

// modelsAPI is the part of genai.Models the client uses
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Config holds Gemini client configuration
type Config struct {
	APIKey         string
	SummaryModel   string
	EmbeddingModel string
	MaxSentences   int
}

// Client implements the pipeline's Summarizer and Embedder
type Client struct {
	logger         *slog.Logger
	models         modelsAPI
	summaryModel   string
	embeddingModel string
	maxSentences   int
	prompt         *template.Template
}

type promptData struct {
	Tab          domain.Tab
	MaxSentences int
}

// NewClient creates a Gemini API client
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key cannot be empty", ErrInvalidConfig)
	}

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create client: %v", ErrInvalidConfig, err)
	}

	return newClient(genaiClient.Models, cfg, logger)
}

func newClient(models modelsAPI, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.SummaryModel == "" {
		return nil, fmt.Errorf("%w: summary model cannot be empty", ErrInvalidConfig)
	}
	if cfg.EmbeddingModel == "" {
		return nil, fmt.Errorf("%w: embedding model cannot be empty", ErrInvalidConfig)
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = 3
	}

	prompt, err := template.New("summary").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(summaryPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", ErrInvalidConfig, err)
	}

	return &Client{
		logger:         logger,
		models:         models,
		summaryModel:   cfg.SummaryModel,
		embeddingModel: cfg.EmbeddingModel,
		maxSentences:   cfg.MaxSentences,
		prompt:         prompt,
	}, nil
}

// Summarize asks the summary model for a short description of the tab
func (c *Client) Summarize(ctx context.Context, tab domain.Tab) (string, error) {
	var buf bytes.Buffer
	if err := c.prompt.Execute(&buf, promptData{Tab: tab, MaxSentences: c.maxSentences}); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}

	resp, err := c.models.GenerateContent(ctx, c.summaryModel, userContent(buf.String()), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	summary, err := responseText(resp)
	if err != nil {
		return "", err
	}

	c.logger.Debug("Tab summarized",
		slog.String("url", tab.URL),
		slog.Int("summary_length", len(summary)),
	)
	return summary, nil
}

// Embed returns the embedding of text
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: nothing to embed", domain.ErrInvalidInput)
	}

	resp, err := c.models.EmbedContent(ctx, c.embeddingModel, userContent(text), &genai.EmbedContentConfig{
		TaskType: embeddingTaskType,
	})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", ErrInvalidResponse)
	}
	return resp.Embeddings[0].Values, nil
}

func userContent(text string) []*genai.Content {
	return []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: text}},
	}}
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked (%s)", ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", fmt.Errorf("%w: no candidates", ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: answer blocked", ErrContentBlocked)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content", ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrInvalidResponse)
	}
	return text, nil
}
