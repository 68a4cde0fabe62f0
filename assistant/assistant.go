// Package assistant talks to an OpenAI-compatible chat-completion endpoint to
// produce triage advice, escort match explanations and chat replies. The
// high-level helpers never fail: any error yields a fixed fallback text.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medimate/medimate-go"
)

const (
	// DefaultBaseURL is the DashScope OpenAI-compatible endpoint.
	DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	// DefaultModel is the chat model used when none is configured.
	DefaultModel = "qwen-plus"

	defaultTimeout = 30 * time.Second
)

// Fallback texts returned when generation fails.
const (
	TriageFallback = "The assistant is temporarily unavailable. Please go to a hospital directly or consult an online doctor."
	MatchFallback  = "Recommended for location and professional qualifications."
	ReplyFallback  = "Sorry, the assistant could not be reached. Please try again later."
)

const systemInstruction = `You are the MediMate AI medical assistant.
You help patients, their families and escorts with:
1. Pre-visit triage: suggest a hospital department from simple symptoms.
2. Platform guidance: explain how to book an escort, prices and service types.
3. General health information: common-sense advice, stating you are not a doctor.
4. Emotional support: stay empathetic with anxious patients.

Tone: professional, warm, concise.
Language: answer in the user's language.`

// ErrNoAPIKey is returned by Complete when no API key is configured.
var ErrNoAPIKey = errors.New("assistant: API key is not configured")

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the request body of /chat/completions.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatCompletionResponse is the subset of the response the client reads.
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Turn is a history entry as kept by chat front ends; Role "model" is the
// assistant.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Client is a chat-completion client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	logger     medimate.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API root; /chat/completions is appended.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l medimate.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		model:      DefaultModel,
		logger:     medimate.NopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends req and returns the content of the first choice. An empty
// req.Model selects the configured model.
func (c *Client) Complete(ctx context.Context, req ChatCompletionRequest) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}
	if req.Model == "" {
		req.Model = c.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("User-Agent", medimate.UserAgent())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat completion: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out ChatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

// HealthTriage suggests a department, preparation advice and a tip for the
// given symptoms.
func (c *Client) HealthTriage(ctx context.Context, symptoms string) string {
	return c.generate(ctx, "health triage", TriageFallback, ChatCompletionRequest{
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "You are a professional medical triage assistant."},
			{Role: RoleUser, Content: "Based on these symptoms, suggest which department to register with, how to prepare, and one warm tip:\nSymptoms: " + symptoms},
		},
		Temperature: temperature(0.7),
	})
}

// MatchReasoning explains in one sentence why an escort suits a patient.
func (c *Client) MatchReasoning(ctx context.Context, patientNeeds, escortProfile string) string {
	return c.generate(ctx, "match reasoning", MatchFallback, ChatCompletionRequest{
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "You are a smart matching assistant."},
			{Role: RoleUser, Content: fmt.Sprintf("In one sentence, explain why this escort is a good match for the patient.\nPatient needs: %s\nEscort profile: %s", patientNeeds, escortProfile)},
		},
	})
}

// Reply continues a conversation with the MediMate assistant persona.
func (c *Client) Reply(ctx context.Context, message string, history []Turn) string {
	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: RoleSystem, Content: systemInstruction})
	for _, turn := range history {
		role := RoleUser
		if turn.Role == "model" || turn.Role == string(RoleAssistant) {
			role = RoleAssistant
		}
		messages = append(messages, ChatMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, ChatMessage{Role: RoleUser, Content: message})

	return c.generate(ctx, "assistant reply", ReplyFallback, ChatCompletionRequest{
		Messages:    messages,
		Temperature: temperature(0.8),
	})
}

func (c *Client) generate(ctx context.Context, what, fallback string, req ChatCompletionRequest) string {
	text, err := c.Complete(ctx, req)
	if err != nil {
		c.logger.Error("Chat completion failed", "call", what, "error", err)
		return fallback
	}
	if strings.TrimSpace(text) == "" {
		return fallback
	}
	return text
}

func temperature(v float64) *float64 {
	return &v
}
