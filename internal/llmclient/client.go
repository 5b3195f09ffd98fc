// Package llmclient speaks the OpenAI-style HTTP contract of a running
// inference engine process: streaming chat completions, embeddings and
// reranking. One Client is held per mode by the server manager.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"inferd/pkg/types"
)

// Overrides are per-request client parameters. Nil fields fall back to the
// client's stored defaults.
type Overrides struct {
	Temperature   *float64
	RepeatPenalty *float64
	MaxTokens     *int
}

// Client talks to one engine process. Its stored ClientParams may be
// mutated between requests; mutation takes effect on the next call.
type Client struct {
	mode    types.Mode
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	params types.ClientParams
}

// New constructs a client for baseURL with the given defaults.
// The http.Client carries no global timeout; every call must pass a
// context with whatever deadline the caller wants.
func New(mode types.Mode, baseURL string, params types.ClientParams) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:    32,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		mode:    mode,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: tr, Timeout: 0},
		params:  params,
	}
}

func (c *Client) Mode() types.Mode { return c.mode }

// Params returns a copy of the stored defaults.
func (c *Client) Params() types.ClientParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// SetParams replaces the stored defaults. Takes effect on the next request.
func (c *Client) SetParams(p types.ClientParams) {
	c.mu.Lock()
	c.params = p
	c.mu.Unlock()
}

type chatCompletionRequest struct {
	Messages      []types.ChatMessage `json:"messages"`
	Temperature   float64             `json:"temperature"`
	RepeatPenalty float64             `json:"repeat_penalty,omitempty"`
	MaxTokens     int                 `json:"max_tokens,omitempty"`
	Stream        bool                `json:"stream"`
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
}

// ChatStream issues a streaming chat completion and invokes onContent for
// every non-empty content fragment, in order. It returns once the stream
// finishes, the context is canceled, or onContent returns an error.
func (c *Client) ChatStream(ctx context.Context, msgs []types.ChatMessage, ov Overrides, onContent func(string) error) error {
	p := c.Params()
	payload := chatCompletionRequest{
		Messages:      msgs,
		Temperature:   p.Temperature,
		RepeatPenalty: p.RepeatPenalty,
		MaxTokens:     p.MaxTokens,
		Stream:        true,
	}
	if ov.Temperature != nil {
		payload.Temperature = *ov.Temperature
	}
	if ov.RepeatPenalty != nil {
		payload.RepeatPenalty = *ov.RepeatPenalty
	}
	if ov.MaxTokens != nil {
		payload.MaxTokens = *ov.MaxTokens
	}

	resp, err := c.post(ctx, "/v1/chat/completions", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(resp)
	}

	// Server-Sent Events: lines prefixed "data:", ended by "[DONE]".
	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			l := strings.TrimSpace(line)
			if l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
				data := strings.TrimSpace(l[len("data:"):])
				if data == "[DONE]" {
					return nil
				}
				var msg streamResponse
				if e := json.Unmarshal([]byte(data), &msg); e == nil && len(msg.Choices) > 0 {
					if frag := msg.Choices[0].Delta.Content; frag != "" {
						if cbErr := onContent(frag); cbErr != nil {
							return cbErr
						}
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

type embeddingRequest struct {
	Input     []string `json:"input"`
	Normalize bool     `json:"normalize,omitempty"`
	Truncate  bool     `json:"truncate,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	p := c.Params()
	resp, err := c.post(ctx, "/v1/embeddings", embeddingRequest{
		Input:     texts,
		Normalize: p.Normalize,
		Truncate:  p.Truncate,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}
	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	out := make([][]float64, len(decoded.Data))
	for _, d := range decoded.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

type rerankRequest struct {
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents"`
}

// RerankResult is one scored document, highest relevance first.
type RerankResult struct {
	Index    int     `json:"index"`
	Score    float64 `json:"relevance_score"`
	Document string  `json:"document,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index    int     `json:"index"`
		Score    float64 `json:"relevance_score"`
		Document struct {
			Text string `json:"text"`
		} `json:"document"`
	} `json:"results"`
}

// Rerank scores documents against query using the stored top_n and
// return_documents defaults.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	p := c.Params()
	resp, err := c.post(ctx, "/v1/rerank", rerankRequest{
		Query:           query,
		Documents:       documents,
		TopN:            p.TopN,
		ReturnDocuments: p.ReturnDocuments,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}
	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	out := make([]RerankResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		res := RerankResult{Index: r.Index, Score: r.Score}
		if p.ReturnDocuments {
			res.Document = r.Document.Text
		}
		out = append(out, res)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return resp, nil
}

func httpError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("engine http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
}
