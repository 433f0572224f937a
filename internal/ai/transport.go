package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type wireMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toWire(messages []Message) []wireMsg {
	out := make([]wireMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, wireMsg{Role: m.Role, Content: m.Content})
	}
	return out
}

// postJSON sends body to url and returns the response when the status is 2xx.
// On any other status the body (truncated) becomes the error text.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any, name string) (*http.Response, error) {
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil", name)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: %s", name, msg)
	}
	return resp, nil
}
