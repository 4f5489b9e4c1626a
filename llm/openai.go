package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jrenc2002/AIGame-sub000/llm"

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAIGateway talks to any OpenAI-compatible chat completion API.
type OpenAIGateway struct {
	client      openai.Client
	hasKey      bool
	model       string
	temperature float64
	tracer      trace.Tracer
}

// NewOpenAIGateway builds a gateway. A missing API key is not an error here:
// every call then fails with an invalid-credential error so the game pauses
// instead of refusing to start.
func NewOpenAIGateway(cfg OpenAIConfig) *OpenAIGateway {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithRequestTimeout(cfg.Timeout),
		// 重试由 RetryGateway 负责
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	return &OpenAIGateway{
		client:      openai.NewClient(opts...),
		hasKey:      strings.TrimSpace(cfg.APIKey) != "",
		model:       cfg.Model,
		temperature: cfg.Temperature,
		tracer:      otel.Tracer(tracerName),
	}
}

func (g *OpenAIGateway) params(messages []Message) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			converted = append(converted, openai.SystemMessage(m.Content))
		case RoleAssistant:
			converted = append(converted, openai.AssistantMessage(m.Content))
		default:
			converted = append(converted, openai.UserMessage(m.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(g.model),
		Messages:    converted,
		Temperature: openai.Float(g.temperature),
	}
}

// Send 发送对话并等待完整回复
func (g *OpenAIGateway) Send(ctx context.Context, messages []Message) (Completion, error) {
	ctx, span := g.tracer.Start(ctx, "llm.send", trace.WithAttributes(
		attribute.String("llm.model", g.model),
		attribute.Int("llm.messages", len(messages)),
	))
	defer span.End()

	if !g.hasKey {
		err := &Error{Kind: KindInvalidCredential, Err: ErrMissingCredential}
		recordError(span, err)
		return Completion{}, err
	}

	resp, err := g.client.Chat.Completions.New(ctx, g.params(messages))
	if err != nil {
		err = g.wrap(err)
		recordError(span, err)
		return Completion{}, err
	}
	if len(resp.Choices) == 0 {
		err := &Error{Kind: KindMalformedResponse, Err: errors.New("no choices returned")}
		recordError(span, err)
		return Completion{}, err
	}
	choice := resp.Choices[0]
	span.SetAttributes(attribute.String("llm.finish_reason", string(choice.FinishReason)))
	return Completion{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// Stream 流式发送对话
func (g *OpenAIGateway) Stream(ctx context.Context, messages []Message, onChunk func(Chunk)) (Completion, error) {
	ctx, span := g.tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		attribute.String("llm.model", g.model),
		attribute.Int("llm.messages", len(messages)),
	))
	defer span.End()

	if !g.hasKey {
		err := &Error{Kind: KindInvalidCredential, Err: ErrMissingCredential}
		recordError(span, err)
		return Completion{}, err
	}

	stream := g.client.Chat.Completions.NewStreaming(ctx, g.params(messages))
	defer stream.Close()

	var (
		content strings.Builder
		finish  string
		chunks  int
	)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if delta := choice.Delta.Content; delta != "" {
			content.WriteString(delta)
			chunks++
			if onChunk != nil {
				onChunk(Chunk{Content: delta})
			}
		}
		if fr := string(choice.FinishReason); fr != "" {
			finish = fr
		}
	}
	if err := stream.Err(); err != nil {
		err = g.wrap(err)
		recordError(span, err)
		return Completion{}, err
	}
	if chunks == 0 && finish == "" {
		err := &Error{Kind: KindMalformedResponse, Err: errors.New("stream ended without content")}
		recordError(span, err)
		return Completion{}, err
	}
	if onChunk != nil {
		onChunk(Chunk{Done: true, FinishReason: finish})
	}
	span.SetAttributes(attribute.Int("llm.chunks", chunks))
	return Completion{Content: content.String(), FinishReason: finish}, nil
}

func (g *OpenAIGateway) wrap(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		// 错误信息中不包含请求头，避免泄露密钥
		return &Error{
			Kind:       KindForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        fmt.Errorf("chat completion rejected"),
		}
	}
	return classify(err)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("llm.error_kind", string(KindOf(err))))
}
