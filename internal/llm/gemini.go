package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"phaseloop/internal/logging"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-pro"

// GeminiClient implements Client with google.golang.org/genai.
type GeminiClient struct {
	client *genai.Client
	model  string
	log    *logging.CategoryLogger
}

// NewGeminiClient creates a client for the Gemini API.
func NewGeminiClient(ctx context.Context, apiKey, model string, log *logging.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, &Error{Kind: KindAuth, Provider: "gemini", Err: errors.New("API key is required")}
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if log == nil {
		log = logging.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client, model: model, log: log.Get(logging.CategoryLLM)}, nil
}

// Model returns the model name.
func (g *GeminiClient) Model() string { return g.model }

// Chat sends the conversation with tool declarations.
func (g *GeminiClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	system, contents := toGeminiContents(messages)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.InputSchema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Provider: "gemini", Err: err}
		}
		return nil, mapGeminiError(err)
	}

	out, err := fromGeminiResponse(resp)
	if err != nil {
		return nil, err
	}
	g.log.Debug("Gemini %s: %d tool calls, %d tokens in %v", g.model, len(out.ToolCalls), out.Usage.TotalTokens, time.Since(start))
	return out, nil
}

// toGeminiContents splits out system turns and maps the rest to genai roles.
func toGeminiContents(messages []Message) (string, []*genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Input}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.Name,
					Response: map[string]any{"output": m.Content},
				}}},
			})
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &Error{Kind: KindMalformed, Provider: "gemini", Err: errors.New("response has no candidates")}
	}
	cand := resp.Candidates[0]
	out := &Response{StopReason: string(cand.FinishReason)}
	var text strings.Builder
	for i, p := range cand.Content.Parts {
		if p == nil {
			continue
		}
		if p.FunctionCall != nil {
			if p.FunctionCall.Name == "" {
				return nil, &Error{Kind: KindMalformed, Provider: "gemini", Err: errors.New("function call without a name")}
			}
			id := p.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: p.FunctionCall.Name, Input: p.FunctionCall.Args})
			continue
		}
		if p.Text != "" && !p.Thought {
			text.WriteString(p.Text)
		}
	}
	out.Content = text.String()
	if len(out.ToolCalls) > 0 {
		out.StopReason = "tool_use"
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func mapGeminiError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	return &Error{Kind: kindForStatus(code), Provider: "gemini", StatusCode: code, Err: err}
}

func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	default:
		return KindRequest
	}
}
