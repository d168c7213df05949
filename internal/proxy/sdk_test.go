package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-relay/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-relay/internal/providers/openaicompat"
)

// Official client SDKs must work against the relay unchanged, pointed at it
// through their base URL option.

const completionJSON = `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,` +
	`"model":"llama-3.1-8b-instant","choices":[{"index":0,"message":{"role":"assistant","content":"hello there"},` +
	`"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

func openAIClient(httpClient *http.Client, opts ...option.RequestOption) openai.Client {
	base := []option.RequestOption{
		option.WithBaseURL("http://relay/v1/"),
		option.WithAPIKey("gsk-sdk"),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	return openai.NewClient(append(base, opts...)...)
}

func TestSDK_OpenAIChatCompletion(t *testing.T) {
	up := newUpstream(t, jsonResponse(completionJSON))
	gw := newTestGateway(t, GatewayOptions{},
		openaicompat.New(providers.Groq, up.URL+"/openai/v1"))
	client := openAIClient(serveGateway(t, gw, nil), option.WithHeader("X-Provider", "groq"))

	resp, err := client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model: openai.ChatModel("llama-3.1-8b-instant"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("hi"),
		},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello there" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	got := up.last(t)
	if got.Path != "/openai/v1/chat/completions" {
		t.Errorf("upstream path = %q", got.Path)
	}
	if got.Header.Get("Authorization") != "Bearer gsk-sdk" {
		t.Errorf("upstream Authorization = %q", got.Header.Get("Authorization"))
	}
}

func TestSDK_OpenAIStreaming(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range []string{"one", " two", " three"} {
			_, _ = io.WriteString(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m",`+
				`"choices":[{"index":0,"delta":{"content":"`+word+`"},"finish_reason":null}]}`+"\n\n")
			w.(http.Flusher).Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	gw := newTestGateway(t, GatewayOptions{},
		openaicompat.New(providers.Fireworks, up.URL+"/inference/v1"))
	client := openAIClient(serveGateway(t, gw, nil))

	stream := client.Chat.Completions.NewStreaming(context.Background(), openai.ChatCompletionNewParams{
		Model: openai.ChatModel("accounts/fireworks/models/llama-v3p1-8b-instruct"),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("count"),
		},
	})
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if sb.String() != "one two three" {
		t.Errorf("streamed content = %q", sb.String())
	}
}

func TestSDK_OpenAIRelayError(t *testing.T) {
	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, "http://unused"))
	client := openAIClient(serveGateway(t, gw, nil), option.WithHeader("X-Provider", "mistral"))

	_, err := client.Chat.Completions.New(context.Background(), openai.ChatCompletionNewParams{
		Model:    openai.ChatModel("m"),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")},
	})
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *openai.Error", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
}

func TestSDK_AnthropicMessages(t *testing.T) {
	up := newUpstream(t, jsonResponse(`{"id":"msg_1","type":"message","role":"assistant",`+
		`"model":"claude-sonnet-4-5","content":[{"type":"text","text":"bonjour"}],`+
		`"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":4,"output_tokens":1}}`))
	gw := newTestGateway(t, GatewayOptions{},
		anthropicprov.New(anthropicprov.WithBaseURL(up.URL+"/v1")))
	httpClient := serveGateway(t, gw, nil)

	client := anthropic.NewClient(
		anthropicoption.WithBaseURL("http://relay/providers/anthropic/"),
		anthropicoption.WithAPIKey("sk-ant-sdk"),
		anthropicoption.WithHTTPClient(httpClient),
		anthropicoption.WithMaxRetries(0),
	)

	msg, err := client.Messages.New(context.Background(), anthropic.MessageNewParams{
		Model:     anthropic.Model("claude-sonnet-4-5"),
		MaxTokens: 64,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("hello")),
		},
	})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msg.Content) != 1 || msg.Content[0].Text != "bonjour" {
		t.Fatalf("content = %+v", msg.Content)
	}
	if msg.Usage.InputTokens != 4 {
		t.Errorf("usage = %+v", msg.Usage)
	}

	got := up.last(t)
	if got.Path != "/v1/messages" {
		t.Errorf("upstream path = %q", got.Path)
	}
	if got.Header.Get("X-Api-Key") != "sk-ant-sdk" {
		t.Errorf("upstream x-api-key = %q", got.Header.Get("X-Api-Key"))
	}
	if got.Header.Get("Anthropic-Version") == "" {
		t.Error("anthropic-version missing upstream")
	}
}
