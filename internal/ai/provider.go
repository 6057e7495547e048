package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Response is the provider-neutral result of one chat call.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider is one configured LLM backend. Implementations differ only in
// wire format; the evaluator never inspects which one it holds.
type Provider interface {
	Chat(ctx context.Context, system, user string, maxTokens int) (*Response, error)
	Name() string
}

const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
	ProviderCompatible = "openai-compatible"

	chatTemperature = 0.2
)

// NewProvider builds the provider named in the configuration.
func NewProvider(name, model, apiKey, baseURL string, client *http.Client) (Provider, error) {
	if client == nil {
		client = http.DefaultClient
	}
	switch name {
	case ProviderAnthropic:
		if baseURL == "" {
			baseURL = "https://api.anthropic.com"
		}
		return &anthropicProvider{model: model, apiKey: apiKey, baseURL: baseURL, client: client}, nil
	case ProviderOpenAI:
		if baseURL == "" {
			baseURL = "https://api.openai.com"
		}
		return &openAIProvider{name: ProviderOpenAI, model: model, apiKey: apiKey, baseURL: baseURL, client: client}, nil
	case ProviderCompatible:
		if baseURL == "" {
			return nil, errors.New("openai-compatible provider requires a base URL")
		}
		return &openAIProvider{name: ProviderCompatible, model: model, apiKey: apiKey, baseURL: baseURL, client: client}, nil
	case ProviderOllama:
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return &ollamaProvider{model: model, baseURL: baseURL, client: client}, nil
	default:
		return nil, errors.Errorf("unknown ai provider %q", name)
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// anthropicProvider speaks the messages API.
type anthropicProvider struct {
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
}

func (p *anthropicProvider) Name() string { return ProviderAnthropic }

func (p *anthropicProvider) Chat(ctx context.Context, system, user string, maxTokens int) (*Response, error) {
	body := map[string]any{
		"model":       p.model,
		"max_tokens":  maxTokens,
		"temperature": chatTemperature,
		"system":      system,
		"messages": []map[string]string{
			{"role": "user", "content": user},
		},
	}
	raw, err := postJSON(ctx, p.client, strings.TrimRight(p.baseURL, "/")+"/v1/messages", map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}, body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if len(out.Content) == 0 {
		return nil, errors.New("empty completion")
	}
	return &Response{
		Text:         out.Content[0].Text,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

// openAIProvider speaks chat completions; it also covers any
// OpenAI-compatible endpoint behind a custom base URL.
type openAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) Chat(ctx context.Context, system, user string, maxTokens int) (*Response, error) {
	body := map[string]any{
		"model":       p.model,
		"max_tokens":  maxTokens,
		"temperature": chatTemperature,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	raw, err := postJSON(ctx, p.client, strings.TrimRight(p.baseURL, "/")+"/v1/chat/completions", headers, body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("empty completion")
	}
	return &Response{
		Text:         out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// ollamaProvider speaks the local generate API. No auth, no usage counts.
type ollamaProvider struct {
	model   string
	baseURL string
	client  *http.Client
}

func (p *ollamaProvider) Name() string { return ProviderOllama }

func (p *ollamaProvider) Chat(ctx context.Context, system, user string, maxTokens int) (*Response, error) {
	body := map[string]any{
		"model":  p.model,
		"system": system,
		"prompt": user,
		"stream": false,
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": chatTemperature,
		},
	}
	raw, err := postJSON(ctx, p.client, strings.TrimRight(p.baseURL, "/")+"/api/generate", nil, body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if out.Response == "" {
		return nil, errors.New("empty completion")
	}
	return &Response{Text: out.Response}, nil
}
