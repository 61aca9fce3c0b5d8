/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultModel = "claude-sonnet-4-5-20250929"

// messagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake without making a real HTTP call.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider calls the Anthropic Messages API via
// github.com/anthropics/anthropic-sdk-go.
type AnthropicProvider struct {
	msg        messagesClient
	maxRetries int
}

// NewAnthropicProvider creates an Anthropic provider backed by the real SDK
// client.
func NewAnthropicProvider(cfg ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic provider requires API key")
	}

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 120
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(time.Duration(timeout) * time.Second),
		// Retries are handled by doWithRetry so status-code classification
		// stays consistent with the other providers; disable the SDK's own.
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	for k, v := range cfg.CustomHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}

	client := sdk.NewClient(opts...)
	return &AnthropicProvider{msg: &client.Messages, maxRetries: maxRetries}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	msg, err := p.doWithRetry(ctx, *params)
	if err != nil {
		return nil, err
	}
	return translateMessage(msg), nil
}

func (p *AnthropicProvider) buildParams(req *CompletionRequest) (*sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = anthropicDefaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(msgs []Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks, err := encodeBlocks(m)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			// tool-result carrying messages and plain user turns are both
			// sent as "user" role, matching Anthropic's wire protocol.
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one message is required")
	}
	return out, nil
}

func encodeBlocks(m Message) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion

	if len(m.ToolResults) > 0 {
		for _, tr := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		return blocks, nil
	}

	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}

	for _, tc := range m.ToolCalls {
		input := map[string]any(tc.Args)
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
	}

	return blocks, nil
}

func encodeTools(defs []ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{ExtraFields: def.Parameters}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func translateMessage(msg *sdk.Message) *CompletionResponse {
	resp := &CompletionResponse{
		StopReason: string(msg.StopReason),
		Usage: UsageInfo{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			tc := ToolCall{ID: block.ID, Name: block.Name}
			if raw, err := json.Marshal(block.Input); err == nil {
				tc.RawArgs = string(raw)
				_ = json.Unmarshal(raw, &tc.Args)
			}
			resp.ToolCalls = append(resp.ToolCalls, tc)
		}
	}
	return resp
}

// doWithRetry retries transient Messages.New failures (rate limits, server
// errors) with exponential backoff, matching the conservative retry policy
// the other providers in this package use.
func (p *AnthropicProvider) doWithRetry(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		msg, err := p.msg.New(ctx, params)
		if err == nil {
			return msg, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == p.maxRetries {
			return nil, classifyAnthropicError(err)
		}
	}
	return nil, classifyAnthropicError(lastErr)
}

// anthropicError is the shape of the SDK's status-carrying error, satisfied
// by *sdk.Error (a Stainless-generated client surfaces HTTP failures this
// way, same as its sibling openai-go SDK).
type anthropicError interface {
	error
	StatusCode() int
}

func isRetryable(err error) bool {
	var apiErr anthropicError
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode()
		return code == 429 || code >= 500
	}
	return false
}

// classifyAnthropicError wraps an SDK error with the status-code
// terminology the agent runtime's error taxonomy (auth_error, rate_limit,
// context_length, ...) keys off of.
func classifyAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr anthropicError
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode(); {
		case code == 401 || code == 403:
			return fmt.Errorf("anthropic auth_error: %w", err)
		case code == 429:
			return fmt.Errorf("anthropic rate_limit: %w", err)
		case code == 413:
			return fmt.Errorf("anthropic context_length: %w", err)
		}
	}
	return fmt.Errorf("anthropic messages.new: %w", err)
}
