package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sashabaranov/go-openai"
)

// compatClient drives an OpenAI-compatible chat endpoint through go-openai.
type compatClient struct {
	name   string
	client *openai.Client
}

func (c compatClient) complete(ctx context.Context, model string, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleSystem {
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	// go-openai drops a zero temperature through omitempty, which the service
	// reads as its default of 1.
	temperature := float32(req.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens(req),
	})
	if err != nil {
		status := 0
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		switch {
		case errors.As(err, &apiErr):
			status = apiErr.HTTPStatusCode
		case errors.As(err, &reqErr):
			status = reqErr.HTTPStatusCode
		}
		return nil, wrapError(c.name, status, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", c.name)
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Adapter: c.name,
		Model:   model,
		Usage:   newUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}
