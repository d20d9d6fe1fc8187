package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"flowchat/internal/stream"
)

// CompletionProvider defines the interface for talking to a chat-completions service.
type CompletionProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
	Stream(ctx context.Context, req *CompletionRequest) (*stream.Decoder, error)
	ListModels(ctx context.Context) ([]string, error)
}

// CompletionRequest is the body of POST /chat/completions.
type CompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Message is one entry of the request context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completionResponse is the non-streaming response body.
type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	text := strings.TrimSpace(strings.TrimPrefix(e.Status, fmt.Sprintf("%d", e.Code)))
	if text == "" {
		text = http.StatusText(e.Code)
	}
	return fmt.Sprintf("API Error: %d %s", e.Code, text)
}

type openAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewOpenAIProvider returns a client for an OpenAI-compatible API rooted at baseURL
// (for example "https://api.openai.com/v1"). An empty apiKey sends no credential.
func NewOpenAIProvider(baseURL, apiKey string, client *http.Client) CompletionProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &openAIProvider{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (p *openAIProvider) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	body := *req
	body.Stream = false
	resp, err := p.post(ctx, "/chat/completions", &body, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("could not decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

// Stream opens a streaming completion. The caller owns the returned decoder
// and must Close it.
func (p *openAIProvider) Stream(ctx context.Context, req *CompletionRequest) (*stream.Decoder, error) {
	body := *req
	body.Stream = true
	resp, err := p.post(ctx, "/chat/completions", &body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return stream.NewDecoder(resp.Body), nil
}

func (p *openAIProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	p.setAuth(httpReq)
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("could not decode model list: %w", err)
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// post sends body as JSON and returns the response once the status is known
// to be successful. The caller closes the body.
func (p *openAIProvider) post(ctx context.Context, path string, body *CompletionRequest, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("could not marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if body.Stream {
		httpReq.Header.Set("Cache-Control", "no-cache")
	}
	p.setAuth(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (p *openAIProvider) setAuth(r *http.Request) {
	if p.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: string(bodyBytes)}
}
