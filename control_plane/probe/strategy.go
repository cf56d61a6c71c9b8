// Package probe builds, executes and parses the minimal upstream requests
// used to decide whether a (channel, model, endpoint kind) triple is alive.
package probe

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/modelprobe/modelprobe/control_plane/store"
)

// ErrMsgEmptyResponse is recorded when an upstream answers 2xx but the body
// carries no usable content for the kind.
const ErrMsgEmptyResponse = "empty/invalid response"

var codexPattern = regexp.MustCompile(`(?i)^gpt-5\.(1|2)(\b|-)`)

var imageKeywords = []string{"image", "dall-e", "imagen", "flux", "stable-diffusion", "midjourney"}

// KindForModel maps a model name to its endpoint kind using ordered
// case-insensitive substring rules.
func KindForModel(name string) store.EndpointKind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "claude"):
		return store.KindClaude
	case strings.Contains(lower, "gemini"):
		return store.KindGemini
	case codexPattern.MatchString(lower):
		return store.KindCodex
	}
	for _, kw := range imageKeywords {
		if strings.Contains(lower, kw) {
			return store.KindImage
		}
	}
	return store.KindChat
}

// KindsToProbe returns the ordered, deduplicated set of kinds a detection
// batch should cover for one model. With secondaryChat enabled, models that
// are not natively chat also get a plain chat probe.
func KindsToProbe(name string, secondaryChat bool) []store.EndpointKind {
	primary := KindForModel(name)
	kinds := []store.EndpointKind{primary}
	if secondaryChat && primary != store.KindChat {
		kinds = append(kinds, store.KindChat)
	}
	return kinds
}

// Request is a fully prepared upstream probe request.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// BuildProbe produces the request for one probe. baseURL may carry a single
// trailing slash; it is stripped before joining paths.
func BuildProbe(baseURL, apiKey, model string, kind store.EndpointKind) (*Request, error) {
	base := strings.TrimSuffix(baseURL, "/")

	var (
		path    string
		headers map[string]string
		payload any
	)
	switch kind {
	case store.KindChat:
		path = base + "/v1/chat/completions"
		headers = map[string]string{"Authorization": "Bearer " + apiKey}
		payload = map[string]any{
			"model":      model,
			"messages":   []map[string]string{{"role": "user", "content": "hi"}},
			"max_tokens": 1,
			"stream":     false,
		}
	case store.KindClaude:
		path = base + "/v1/messages"
		headers = map[string]string{
			"x-api-key":         apiKey,
			"anthropic-version": "2023-06-01",
		}
		payload = map[string]any{
			"model":      model,
			"max_tokens": 1,
			"messages":   []map[string]string{{"role": "user", "content": "hi"}},
		}
	case store.KindGemini:
		path = base + "/v1beta/models/" + model + ":generateContent"
		headers = map[string]string{"x-goog-api-key": apiKey}
		payload = map[string]any{
			"contents": []map[string]any{
				{"parts": []map[string]string{{"text": "hi"}}},
			},
		}
	case store.KindCodex:
		path = base + "/v1/responses"
		headers = map[string]string{"Authorization": "Bearer " + apiKey}
		payload = map[string]any{"model": model, "input": "hi"}
	case store.KindImage:
		path = base + "/v1/images/generations"
		headers = map[string]string{"Authorization": "Bearer " + apiKey}
		payload = map[string]any{"model": model, "prompt": "a cat", "n": 1, "size": "256x256"}
	default:
		return nil, fmt.Errorf("unknown endpoint kind %q", kind)
	}

	headers["Content-Type"] = "application/json"
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Request{Method: "POST", URL: path, Headers: headers, Body: body}, nil
}

// ParseOutcome decides success or failure from an upstream response.
// Success requires a 2xx status and a non-empty kind-specific content field;
// extra sibling fields in the body are tolerated. The returned message is
// empty on success.
func ParseOutcome(kind store.EndpointKind, httpStatus int, body []byte) (store.EndpointStatus, string) {
	if httpStatus < 200 || httpStatus >= 300 {
		msg := strings.TrimSpace(string(truncate(body, 512)))
		if msg == "" {
			msg = fmt.Sprintf("upstream returned HTTP %d", httpStatus)
		}
		return store.StatusFail, msg
	}
	if hasContent(kind, body) {
		return store.StatusSuccess, ""
	}
	return store.StatusFail, ErrMsgEmptyResponse
}

func hasContent(kind store.EndpointKind, body []byte) bool {
	switch kind {
	case store.KindChat, store.KindCodex:
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if json.Unmarshal(body, &resp) != nil {
			return false
		}
		return len(resp.Choices) > 0 && resp.Choices[0].Message.Content != ""
	case store.KindClaude:
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if json.Unmarshal(body, &resp) != nil {
			return false
		}
		return len(resp.Content) > 0 && resp.Content[0].Text != ""
	case store.KindGemini:
		var resp struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if json.Unmarshal(body, &resp) != nil {
			return false
		}
		return len(resp.Candidates) > 0 &&
			len(resp.Candidates[0].Content.Parts) > 0 &&
			resp.Candidates[0].Content.Parts[0].Text != ""
	case store.KindImage:
		var resp struct {
			Data []struct {
				URL     string `json:"url"`
				B64JSON string `json:"b64_json"`
			} `json:"data"`
		}
		if json.Unmarshal(body, &resp) != nil {
			return false
		}
		return len(resp.Data) > 0 && (resp.Data[0].URL != "" || resp.Data[0].B64JSON != "")
	}
	return false
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}
