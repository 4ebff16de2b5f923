package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"docqa/internal/indexer"
	"docqa/internal/retriever"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

// ErrNoModels is returned by ListModels when the endpoint serves nothing.
var ErrNoModels = errors.New("no models found")

// Source is a document page cited by an answer.
type Source struct {
	Document string `json:"document"`
	Page     int    `json:"page"`
}

// Answer is the model's reply to a question.
type Answer struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Thinking string   `json:"thinking,omitempty"`
	Queries  []string `json:"queries,omitempty"`
	Sources  []Source `json:"sources"`
	Model    string   `json:"model"`
}

// Config selects the chat backend.
type Config struct {
	Provider    string // ollama | openai
	Model       string
	OllamaHost  string
	APIKey      string
	BaseURL     string
	Temperature float32
}

// Client talks to an OpenAI-compatible chat endpoint: Ollama under /v1, or
// OpenAI itself.
type Client struct {
	api         *openai.Client
	provider    string
	model       string
	temperature float32
}

// NewClient builds a Client for the configured provider.
func NewClient(cfg Config) (*Client, error) {
	var clientCfg openai.ClientConfig
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "ollama", "":
		provider = "ollama"
		clientCfg = openai.DefaultConfig("ollama")
		clientCfg.BaseURL = indexer.OllamaBaseURL(cfg.OllamaHost)
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai chat requires an API key")
		}
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.Model == "" {
			cfg.Model = openai.GPT4oMini
		}
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:         openai.NewClientWithConfig(clientCfg),
		provider:    provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Model returns the default chat model. It may be empty for Ollama until one
// is picked from ListModels.
func (c *Client) Model() string { return c.model }

// Provider returns the backend name.
func (c *Client) Provider() string { return c.provider }

// WithModel returns a copy of c that uses model. An empty model keeps c's.
func (c *Client) WithModel(model string) *Client {
	if model == "" || model == c.model {
		return c
	}
	cp := *c
	cp.model = model
	return &cp
}

// ListModels returns the model IDs served by the endpoint, sorted.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if m.ID != "" {
			names = append(names, m.ID)
		}
	}
	if len(names) == 0 {
		return nil, ErrNoModels
	}
	sort.Strings(names)
	return names, nil
}

// queryPrompt asks for alternative phrasings of a question, one per line.
const queryPrompt = `You are an AI language model assistant. Your task is to generate %d
different versions of the given user question to retrieve relevant documents from
a vector database. By generating multiple perspectives on the user question, your
goal is to help the user overcome some of the limitations of the distance-based
similarity search. Provide these alternative questions separated by newlines.
Original question: %s`

// answerPrompt restricts the model to the retrieved context.
const answerPrompt = `Answer the question based ONLY on the following context:
%s
Question: %s
`

// GenerateQueries asks the model for n rephrasings of question. Every
// non-empty line of the reply is returned, even when the model writes more
// than n.
func (c *Client) GenerateQueries(ctx context.Context, question string, n int) ([]string, error) {
	raw, err := c.complete(ctx, fmt.Sprintf(queryPrompt, n, question))
	if err != nil {
		return nil, fmt.Errorf("generate queries: %w", err)
	}
	_, body := splitThinking(raw)
	return parseQueries(body), nil
}

// Answer answers question from the retrieved results.
func (c *Client) Answer(ctx context.Context, question string, results []retriever.Result) (*Answer, error) {
	raw, err := c.complete(ctx, fmt.Sprintf(answerPrompt, FormatContext(results), question))
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	ans := parseAnswer(raw, question)
	ans.Sources = sourcesOf(results)
	ans.Model = c.model
	return ans, nil
}

// StreamAnswer is Answer with each content delta passed to onDelta as it
// arrives. The returned Answer holds the full, parsed reply.
func (c *Client) StreamAnswer(ctx context.Context, question string, results []retriever.Result, onDelta func(string)) (*Answer, error) {
	if c.model == "" {
		return nil, fmt.Errorf("no chat model selected")
	}
	stream, err := c.api.CreateChatCompletionStream(ctx, c.request(fmt.Sprintf(answerPrompt, FormatContext(results), question)))
	if err != nil {
		return nil, fmt.Errorf("answer stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("answer stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	ans := parseAnswer(sb.String(), question)
	ans.Sources = sourcesOf(results)
	ans.Model = c.model
	return ans, nil
}

func (c *Client) request(prompt string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
	}
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	if c.model == "" {
		return "", fmt.Errorf("no chat model selected")
	}
	resp, err := c.api.CreateChatCompletion(ctx, c.request(prompt))
	if err != nil {
		return "", fmt.Errorf("%s error: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s empty response", c.provider)
	}
	return resp.Choices[0].Message.Content, nil
}

// FormatContext renders retrieved chunks for the answer prompt, each under a
// source header.
func FormatContext(results []retriever.Result) string {
	parts := make([]string, 0, len(results))
	for i, r := range results {
		header := fmt.Sprintf("[Source %d] Document: %s | Page: %d", i+1, r.Document, r.PageNumber)
		parts = append(parts, header+"\n"+strings.TrimSpace(r.Text))
	}
	return strings.Join(parts, "\n\n")
}

func sourcesOf(results []retriever.Result) []Source {
	seen := make(map[Source]bool)
	sources := []Source{}
	for _, r := range results {
		s := Source{Document: r.Document, Page: r.PageNumber}
		if !seen[s] {
			seen[s] = true
			sources = append(sources, s)
		}
	}
	return sources
}

var (
	thinkRe   = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	listRe    = regexp.MustCompile(`^\s*(?:\d+[.):]|[-*•])\s+`)
	fenceOpen = regexp.MustCompile("^```[a-zA-Z]*\n")
)

// splitThinking separates <think> blocks emitted by reasoning models from
// the rest of the reply.
func splitThinking(raw string) (thinking, body string) {
	var blocks []string
	for _, m := range thinkRe.FindAllStringSubmatch(raw, -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			blocks = append(blocks, t)
		}
	}
	body = thinkRe.ReplaceAllString(raw, "")
	// An unterminated block means the model was cut off mid-thought.
	if i := strings.Index(body, "<think>"); i >= 0 {
		if t := strings.TrimSpace(body[i+len("<think>"):]); t != "" {
			blocks = append(blocks, t)
		}
		body = body[:i]
	}
	return strings.Join(blocks, "\n\n"), strings.TrimSpace(body)
}

func parseAnswer(raw, question string) *Answer {
	thinking, body := splitThinking(raw)
	if fenceOpen.MatchString(body) {
		body = fenceOpen.ReplaceAllString(body, "")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	body = strings.TrimSpace(body)
	if body == "" && thinking != "" {
		log.Debug("Model returned only reasoning; showing it as the answer")
		body = thinking
	}
	return &Answer{Question: question, Answer: body, Thinking: thinking}
}

// parseQueries splits a newline-separated list, dropping blank lines and any
// list numbering or bullets.
func parseQueries(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(listRe.ReplaceAllString(line, ""))
		line = strings.Trim(line, `"`)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
