// Package ai talks to the remote chat endpoint that streams assistant
// replies as a chunked response body.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"notesync/pkg/domain"
)

// Message is one turn of chat history sent to the endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChunkStream yields content deltas in arrival order. Next returns io.EOF on
// graceful end; any other error is a mid-stream failure.
type ChunkStream interface {
	Next() (string, error)
	Close() error
}

// ChatStreamer opens a streamed chat completion for a message history.
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []Message) (ChunkStream, error)
}

// HTTPStreamer implements ChatStreamer against an HTTP POST endpoint whose
// chunked response bytes are raw UTF-8 content deltas with no extra framing.
type HTTPStreamer struct {
	url        string
	token      func() string
	httpClient *http.Client
}

// NewHTTPStreamer builds a streamer for the given endpoint URL. tokenFn may
// be nil. The client carries no timeout of its own; callers bound the stream
// through the context.
func NewHTTPStreamer(url string, tokenFn func() string) *HTTPStreamer {
	return &HTTPStreamer{
		url:        strings.TrimSpace(url),
		token:      tokenFn,
		httpClient: &http.Client{},
	}
}

type chatRequest struct {
	Messages []Message `json:"messages"`
}

// StreamChat opens the chunked request. A non-2xx status or missing body is a
// stream error before any chunk is delivered.
func (s *HTTPStreamer) StreamChat(ctx context.Context, messages []Message) (ChunkStream, error) {
	raw, err := json.Marshal(chatRequest{Messages: messages})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != nil {
		if token := strings.TrimSpace(s.token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &domain.StreamError{Stage: "connect", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, &domain.StreamError{Stage: "connect", Err: fmt.Errorf("chat endpoint: %s", msg)}
	}
	if resp.Body == nil {
		return nil, &domain.StreamError{Stage: "connect", Err: fmt.Errorf("chat endpoint: empty body")}
	}
	return &bodyStream{body: resp.Body}, nil
}

type bodyStream struct {
	body io.ReadCloser
	buf  [4096]byte
}

// Next returns the next delta as received from the network. Chunk boundaries
// follow the reads; only arrival order is guaranteed.
func (s *bodyStream) Next() (string, error) {
	for {
		n, err := s.body.Read(s.buf[:])
		if n > 0 {
			return string(s.buf[:n]), nil
		}
		if err == io.EOF {
			return "", io.EOF
		}
		if err != nil {
			return "", &domain.StreamError{Stage: "read", Err: err}
		}
	}
}

func (s *bodyStream) Close() error {
	return s.body.Close()
}
