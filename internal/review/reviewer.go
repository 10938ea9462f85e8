package review

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/converge/pkg/models"
)

// Reviewer performs one external quality assessment. Implementations must
// honor ctx cancellation.
type Reviewer interface {
	Review(ctx context.Context, text, candidateID string) (models.ReviewResult, error)
}

// ReviewerFunc adapts a function to the Reviewer interface
type ReviewerFunc func(ctx context.Context, text, candidateID string) (models.ReviewResult, error)

// Review calls f
func (f ReviewerFunc) Review(ctx context.Context, text, candidateID string) (models.ReviewResult, error) {
	return f(ctx, text, candidateID)
}

// chatMessage represents a message in the chat
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// verdict is the JSON document the reviewer model is asked to return
type verdict struct {
	Quality  *float64 `json:"quality"`
	Findings []string `json:"findings"`
}

const reviewSystemPrompt = `You review generated code for robustness and long-term maintainability.
Respond with a single JSON object and nothing else:
{"quality": <integer 0-100>, "findings": [<short strings>]}`

// ChatReviewer asks an OpenAI-compatible chat completions endpoint for a review.
type ChatReviewer struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

var _ Reviewer = (*ChatReviewer)(nil)

// NewChatReviewer creates a reviewer for endpoint (e.g. https://host/v1).
func NewChatReviewer(endpoint, apiKey, model string) *ChatReviewer {
	return &ChatReviewer{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Review sends the artifact to the reviewer model and parses its verdict
func (r *ChatReviewer) Review(ctx context.Context, text, candidateID string) (models.ReviewResult, error) {
	url := fmt.Sprintf("%s/chat/completions", r.endpoint)

	body, err := json.Marshal(chatCompletionRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: reviewSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Candidate: %s\n\n%s", candidateID, text)},
		},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return models.ReviewResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return models.ReviewResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", r.apiKey))
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return models.ReviewResult{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ReviewResult{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.ReviewResult{}, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return models.ReviewResult{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return models.ReviewResult{}, fmt.Errorf("reviewer returned no choices")
	}
	return parseVerdict(completion.Choices[0].Message.Content)
}

// parseVerdict extracts the JSON verdict, tolerating surrounding prose or
// markdown fences.
func parseVerdict(content string) (models.ReviewResult, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return models.ReviewResult{}, fmt.Errorf("reviewer response contains no JSON object")
	}

	var v verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return models.ReviewResult{}, fmt.Errorf("failed to parse reviewer verdict: %w", err)
	}
	if v.Quality == nil {
		return models.ReviewResult{}, fmt.Errorf("reviewer verdict missing quality")
	}
	return models.ReviewResult{QualityEstimate: *v.Quality, Findings: v.Findings}, nil
}
