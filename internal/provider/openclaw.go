package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wecombridge/internal/domain"
)

const (
	openClawDefaultModel = "openclaw"

	eventOutputTextDelta = "response.output_text.delta"
	eventCompleted       = "response.completed"

	sseDataPrefix = "data:"
	sseDone       = "[DONE]"
)

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.StatusCode, e.Body)
}

// OpenClaw implements domain.StreamingProvider for an OpenResponses-style
// gateway that streams text/event-stream output.
type OpenClaw struct {
	url        string
	token      string
	model      string
	maxRetries int
	client     *http.Client
	logger     *slog.Logger
}

type OpenClawConfig struct {
	URL        string
	Token      string
	Model      string
	MaxRetries int
	Client     *http.Client
	Logger     *slog.Logger
}

func NewOpenClaw(cfg OpenClawConfig) *OpenClaw {
	if cfg.Model == "" {
		cfg.Model = openClawDefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = StreamingHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenClaw{
		url:        cfg.URL,
		token:      cfg.Token,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		client:     cfg.Client,
		logger:     cfg.Logger.With("component", "openclaw"),
	}
}

func (o *OpenClaw) Name() string { return "openclaw" }

// Healthy checks that the gateway answers HTTP at all. Any status below 500
// counts, since the endpoint only accepts POST with a valid body.
func (o *OpenClaw) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return err
	}
	o.authorize(req)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("openclaw not reachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("openclaw returned %d", resp.StatusCode)
	}
	return nil
}

type openClawRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	User   string `json:"user"`
	Stream bool   `json:"stream"`
}

type openClawEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Response *struct {
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	} `json:"response"`
}

// finalText joins every output_text part of every message item.
func (e *openClawEvent) finalText() string {
	if e.Response == nil {
		return ""
	}
	var texts []string
	for _, item := range e.Response.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" && part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

func (o *OpenClaw) authorize(req *http.Request) {
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}
}

// ChatStream posts the prompt and forwards delta and completion events.
func (o *OpenClaw) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	model := req.Model
	if model == "" {
		model = o.model
	}
	body, err := json.Marshal(openClawRequest{
		Model:  model,
		Input:  req.Input,
		User:   req.SessionID,
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	o.logger.Info("upstream request", "session", req.SessionID, "text", preview(req.Input, 100))
	start := time.Now()

	resp, err := openWithRetry(ctx, o.client, o.maxRetries, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "text/event-stream")
		o.authorize(r)
		return r, nil
	}, o.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		o.logger.Error("upstream status", "status", resp.StatusCode, "body", preview(string(respBody), 200))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	err = readEvents(ctx, resp.Body, out)
	o.logger.Debug("upstream stream closed", "session", req.SessionID, "elapsed", time.Since(start), "err", err)
	return err
}

// readEvents parses newline-delimited SSE records. A partial trailing line is
// held in the reader buffer until its newline arrives; one still incomplete at
// EOF is dropped. Lines that are not data records, the [DONE] terminator and
// payloads that fail to parse are skipped.
func readEvents(ctx context.Context, r io.Reader, out chan<- domain.StreamEvent) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		if data == "" || data == sseDone {
			continue
		}

		var ev openClawEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		var se domain.StreamEvent
		switch ev.Type {
		case eventOutputTextDelta:
			se = domain.StreamEvent{Type: domain.StreamToken, Content: ev.Delta}
		case eventCompleted:
			se = domain.StreamEvent{Type: domain.StreamDone, Content: ev.finalText()}
		default:
			continue
		}

		select {
		case out <- se:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
