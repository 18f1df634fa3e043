package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Compile-time interface check
var _ CompletionStreamer = (*OpenAI)(nil)

// OpenAI streams chat completions from OpenAI's API.
type OpenAI struct {
	client *openai.Client
	model  openai.ChatModel
}

// NewOpenAI creates a new OpenAI completion streamer.
func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModel(model),
	}
}

// Complete streams one reply to the conversation, invoking emit with the
// accumulated text after each fragment.
func (o *OpenAI) Complete(ctx context.Context, history []Message, emit func(partial string)) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, m := range history {
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.F(o.model),
		Messages: openai.F(messages),
	})

	var reply strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		emit(reply.String())
	}
	if err := stream.Err(); err != nil {
		return reply.String(), fmt.Errorf("completion stream failed: %w", err)
	}

	return reply.String(), nil
}

// ModelName returns the completion model name.
func (o *OpenAI) ModelName() string {
	return string(o.model)
}
