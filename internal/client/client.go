// Package client implements the consumer side of the streaming
// protocol: starting turns, cancelling them and driving a resumable
// event stream across server-imposed reconnect windows.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fathomlabs/relay/internal/agent"
	"github.com/fathomlabs/relay/internal/logger"
	"github.com/fathomlabs/relay/internal/stream"
)

// DefaultMaxReconnects bounds how many window handoffs the driver will
// follow before giving up on a degraded server
const DefaultMaxReconnects = 3

// ErrIncompleteResponse is returned when the reconnect budget is
// exhausted before a terminal frame arrives. A truncated stream is
// never silently reported as a complete one.
var ErrIncompleteResponse = errors.New("incomplete response: reconnect attempts exhausted")

// EventHandler receives each ordinary event in delivery order, tagged
// with its buffer timestamp. Returning an error aborts the stream.
type EventHandler func(timestamp int64, event *agent.StreamEvent) error

// StartResult identifies a freshly started turn
type StartResult struct {
	ExecutionID    string `json:"execution_id"`
	ConversationID string `json:"conversation_id"`
}

// CancelResult reports the outcome of a cancel request
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Result is the terminal outcome of a fully streamed turn
type Result struct {
	IsError     bool
	IsCancelled bool
	Err         string
}

// Client talks to a relay server
type Client struct {
	baseURL       string
	http          *http.Client
	maxReconnects int
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No global timeout: streams legitimately stay open for the
		// full server window
		http:          &http.Client{},
		maxReconnects: DefaultMaxReconnects,
	}
}

// SetMaxReconnects overrides the reconnect budget (primarily for tests)
func (c *Client) SetMaxReconnects(n int) {
	c.maxReconnects = n
}

// StartTurn starts a new execution and returns its identifiers.
// An empty conversationID starts a fresh conversation.
func (c *Client) StartTurn(ctx context.Context, conversationID, message string, options map[string]any) (*StartResult, error) {
	body, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"message":         message,
		"options":         options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/executions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("start request failed: %s", readErrorBody(resp))
	}

	var result StartResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode start response: %w", err)
	}
	return &result, nil
}

// Cancel requests cooperative cancellation of a running execution.
// Success=false (unknown id, already complete) is an outcome, not an
// error.
func (c *Client) Cancel(ctx context.Context, executionID string) (*CancelResult, error) {
	url := fmt.Sprintf("%s/api/executions/%s/cancel", c.baseURL, executionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cancel request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cancel request failed: %s", readErrorBody(resp))
	}

	var result CancelResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode cancel response: %w", err)
	}
	return &result, nil
}

// Stream drives the execution's event stream to completion, following
// window handoffs transparently up to the reconnect budget. Events
// after fromTimestamp (0 for all) are delivered to handle in buffer
// order with no gaps or duplicates.
func (c *Client) Stream(ctx context.Context, executionID string, fromTimestamp int64, handle EventHandler) (*Result, error) {
	lastTimestamp := fromTimestamp
	reconnectAttempts := 0

	for {
		outcome, err := c.streamOnce(ctx, executionID, &lastTimestamp, handle)
		if err != nil {
			return nil, err
		}
		if outcome.result != nil {
			return outcome.result, nil
		}

		// Resumption marker: the server closed its window mid-execution
		reconnectAttempts++
		if reconnectAttempts > c.maxReconnects {
			return nil, ErrIncompleteResponse
		}
		logger.Info("Stream window closed, reconnecting (attempt %d/%d, cursor %d)", reconnectAttempts, c.maxReconnects, lastTimestamp)
	}
}

// attemptOutcome distinguishes a terminal result from a handoff
type attemptOutcome struct {
	result *Result // non-nil when the terminal frame arrived
}

// streamOnce runs a single connection attempt. It returns a nil-result
// outcome when the server issued a resumption marker; any other close
// without a terminal frame is an error.
func (c *Client) streamOnce(ctx context.Context, executionID string, lastTimestamp *int64, handle EventHandler) (attemptOutcome, error) {
	url := fmt.Sprintf("%s/api/executions/%s/stream?last_event_timestamp=%s",
		c.baseURL, executionID, strconv.FormatInt(*lastTimestamp, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return attemptOutcome{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return attemptOutcome{}, fmt.Errorf("stream request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return attemptOutcome{}, fmt.Errorf("stream request failed: %s", readErrorBody(resp))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	reconnect := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var frame stream.Frame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			// Partial or garbled frames are dropped, not fatal
			logger.Error("Dropping malformed stream frame: %v", err)
			continue
		}

		switch frame.Type {
		case stream.FrameEvent:
			*lastTimestamp = frame.Timestamp
			if err := handle(frame.Timestamp, frame.Event); err != nil {
				return attemptOutcome{}, fmt.Errorf("event handler failed: %w", err)
			}

		case stream.FrameReconnect:
			*lastTimestamp = frame.LastTimestamp
			reconnect = true

		case stream.FrameCompleted:
			return attemptOutcome{result: &Result{
				IsError:     frame.IsError,
				IsCancelled: frame.IsCancelled,
				Err:         frame.Error,
			}}, nil

		default:
			logger.Error("Dropping stream frame with unknown type %q", frame.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return attemptOutcome{}, fmt.Errorf("stream read failed: %w", err)
	}

	if reconnect {
		return attemptOutcome{}, nil
	}
	return attemptOutcome{}, errors.New("stream closed without terminal frame")
}

// RunTurn is the common convenience path: start a turn and stream it
// to completion in one call
func (c *Client) RunTurn(ctx context.Context, conversationID, message string, options map[string]any, handle EventHandler) (*StartResult, *Result, error) {
	start, err := c.StartTurn(ctx, conversationID, message, options)
	if err != nil {
		return nil, nil, err
	}
	result, err := c.Stream(ctx, start.ExecutionID, 0, handle)
	if err != nil {
		return start, nil, err
	}
	return start, result, nil
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Sprintf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}
