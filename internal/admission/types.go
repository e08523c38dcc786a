// Package admission implements the OpenAI-compatible HTTP surface: strict
// request validation, readiness gating, concurrency backpressure, and
// translation between HTTP and the inference façade.
package admission

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelfleet/node/internal/engine"
)

// chatMessageWire is the wire shape of one chat message. Content may be a
// plain string or an array of typed parts (text / image_url), matching the
// OpenAI multimodal content convention.
type chatMessageWire struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// stopSequences unmarshals the OpenAI "stop" field, which may be a bare
// string or an array of strings.
type stopSequences []string

func (s *stopSequences) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*s = []string{single}
		}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("stop must be a string or array of strings: %w", err)
	}
	for _, v := range multi {
		if v == "" {
			return fmt.Errorf("stop entries must be non-empty")
		}
	}
	*s = multi
	return nil
}

// chatCompletionRequest is the wire shape of POST /v1/chat/completions.
type chatCompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []chatMessageWire `json:"messages"`
	Stream           bool            `json:"stream"`
	MaxTokens        *int            `json:"max_tokens"`
	Temperature      *float64        `json:"temperature"`
	TopP             *float64        `json:"top_p"`
	TopK             *int            `json:"top_k"`
	N                *int            `json:"n"`
	PresencePenalty  *float64        `json:"presence_penalty"`
	FrequencyPenalty *float64        `json:"frequency_penalty"`
	Seed             *int64          `json:"seed"`
	Stop             stopSequences   `json:"stop"`
	Logprobs         bool            `json:"logprobs"`
	TopLogprobs      *int            `json:"top_logprobs"`
}

// completionRequest is the wire shape of POST /v1/completions.
type completionRequest struct {
	Model            string        `json:"model"`
	Prompt           string        `json:"prompt"`
	Stream           bool          `json:"stream"`
	MaxTokens        *int          `json:"max_tokens"`
	Temperature      *float64      `json:"temperature"`
	TopP             *float64      `json:"top_p"`
	TopK             *int          `json:"top_k"`
	N                *int          `json:"n"`
	PresencePenalty  *float64      `json:"presence_penalty"`
	FrequencyPenalty *float64      `json:"frequency_penalty"`
	Seed             *int64        `json:"seed"`
	Stop             stopSequences `json:"stop"`
	Logprobs         bool          `json:"logprobs"`
	TopLogprobs      *int          `json:"top_logprobs"`
}

// embeddingsRequest is the wire shape of POST /v1/embeddings. Input may be
// a bare string or an array of strings.
type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func (r *embeddingsRequest) inputs() ([]string, error) {
	var single string
	if err := json.Unmarshal(r.Input, &single); err == nil {
		if single == "" {
			return nil, fmt.Errorf("input must not be empty")
		}
		return []string{single}, nil
	}
	var multi []string
	if err := json.Unmarshal(r.Input, &multi); err != nil {
		return nil, fmt.Errorf("input must be a string or array of strings")
	}
	if len(multi) == 0 {
		return nil, fmt.Errorf("input must not be empty")
	}
	return multi, nil
}

// speechRequest is the wire shape of POST /v1/audio/speech.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// imageGenerationRequest is the wire shape of POST /v1/images/generations
// (and, for this node, /edits and /variations, which share sampling
// semantics since no source image is re-encoded).
type imageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

// modelAndQuantization splits a "name:quantization" model spec, matching the
// router catalog's naming convention.
func modelAndQuantization(spec string) (name, quantization string) {
	if idx := strings.LastIndex(spec, ":"); idx != -1 {
		return spec[:idx], spec[idx+1:]
	}
	return spec, ""
}

// validationError reports a single 400-worthy request defect.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalidf(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// validateSamplingParams enforces the admission layer's numeric ranges,
// independent of which endpoint supplied them.
func validateSamplingParams(temperature, topP *float64, topK *int, n *int, presence, frequency *float64, topLogprobs *int, logprobs, stream bool) error {
	if temperature != nil && (*temperature < 0 || *temperature > 2) {
		return invalidf("temperature must be in [0, 2]")
	}
	if topP != nil && (*topP < 0 || *topP > 1) {
		return invalidf("top_p must be in [0, 1]")
	}
	if topK != nil && *topK < 0 {
		return invalidf("top_k must be >= 0")
	}
	if n != nil && (*n < 1 || *n > 8) {
		return invalidf("n must be in [1, 8]")
	}
	if presence != nil && (*presence < -2 || *presence > 2) {
		return invalidf("presence_penalty must be in [-2, 2]")
	}
	if frequency != nil && (*frequency < -2 || *frequency > 2) {
		return invalidf("frequency_penalty must be in [-2, 2]")
	}
	if topLogprobs != nil && (*topLogprobs < 0 || *topLogprobs > 20) {
		return invalidf("top_logprobs must be in [0, 20]")
	}
	if logprobs && stream {
		return invalidf("logprobs is not supported together with stream")
	}
	return nil
}

// toInferenceParams normalizes validated, possibly-nil wire sampling fields
// into engine.InferenceParams, applying the node's own defaults for unset
// fields.
func toInferenceParams(maxTokens *int, temperature, topP *float64, topK *int, n *int, presence, frequency *float64, seed *int64, stop []string, logprobs bool, topLogprobs *int) engine.InferenceParams {
	p := engine.InferenceParams{
		MaxTokens:        intOr(maxTokens, 0),
		Temperature:      floatOr(temperature, 1.0),
		TopP:             floatOr(topP, 1.0),
		TopK:             intOr(topK, 0),
		N:                intOr(n, 1),
		PresencePenalty:  floatOr(presence, 0),
		FrequencyPenalty: floatOr(frequency, 0),
		StopSequences:    stop,
		LogprobsEnabled:  logprobs,
		TopLogprobs:      intOr(topLogprobs, 0),
	}
	if seed != nil {
		p.Seed = *seed
	}
	return p
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// parseChatMessages validates and converts wire messages into
// engine.ChatMessage plus any image URLs referenced by content parts,
// enforcing the 10-images-per-request limit.
func parseChatMessages(wire []chatMessageWire) ([]engine.ChatMessage, []string, error) {
	if len(wire) == 0 {
		return nil, nil, invalidf("messages must be a non-empty array")
	}

	msgs := make([]engine.ChatMessage, 0, len(wire))
	var imageURLs []string

	for _, m := range wire {
		if m.Role == "" {
			return nil, nil, invalidf("messages[].role is required")
		}
		if len(m.Content) == 0 {
			return nil, nil, invalidf("messages[].content is required")
		}

		var asString string
		if err := json.Unmarshal(m.Content, &asString); err == nil {
			if asString == "" {
				return nil, nil, invalidf("messages[].content must not be empty")
			}
			msgs = append(msgs, engine.ChatMessage{Role: m.Role, Content: asString})
			continue
		}

		var parts []contentPart
		if err := json.Unmarshal(m.Content, &parts); err != nil {
			return nil, nil, invalidf("messages[].content must be a string or array of content parts")
		}
		var text strings.Builder
		for _, part := range parts {
			switch part.Type {
			case "text":
				text.WriteString(part.Text)
			case "image_url":
				if part.ImageURL.URL == "" {
					return nil, nil, invalidf("messages[].content image_url.url is required")
				}
				imageURLs = append(imageURLs, part.ImageURL.URL)
			default:
				return nil, nil, invalidf("unknown content part type %q", part.Type)
			}
		}
		if text.Len() == 0 && len(imageURLs) == 0 {
			return nil, nil, invalidf("messages[].content must not be empty")
		}
		msgs = append(msgs, engine.ChatMessage{Role: m.Role, Content: text.String()})
	}

	if len(imageURLs) > 10 {
		return nil, nil, invalidf("a request may reference at most 10 images")
	}

	return msgs, imageURLs, nil
}
