package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/x121ai/podbatch/internal/model"
)

// ProgressFunc receives step progress from the streaming channel.
type ProgressFunc func(value, max int)

// wsEvent is one message on the streaming channel.
type wsEvent struct {
	Type string `json:"type"`
	Data struct {
		PromptID string  `json:"prompt_id"`
		Node     *string `json:"node"`
		Value    int     `json:"value"`
		Max      int     `json:"max"`
	} `json:"data"`
}

// AwaitCompletion waits for a submitted prompt to finish, preferring the
// streaming channel and degrading to status polling when the stream cannot
// be established or goes quiet. Both channels resolve completion through
// the same history query, so a missed stream event can never lose a result.
func (c *Client) AwaitCompletion(ctx context.Context, promptID, clientID string, timeout time.Duration, onProgress ProgressFunc) (*History, error) {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	hist, err := c.streamAwait(ctx, promptID, clientID, onProgress)
	if err == nil {
		return hist, nil
	}
	if isTerminalAwait(err) {
		return nil, err
	}
	c.log.Warn("stream unavailable, falling back to polling", "prompt_id", promptID, "error", err)
	return c.pollAwait(ctx, promptID)
}

// streamAwait consumes the event stream for the prompt. Any transport
// failure returns a plain error so the caller can degrade to polling;
// terminal outcomes are wrapped in the generation sentinels.
func (c *Client) streamAwait(ctx context.Context, promptID, clientID string, onProgress ProgressFunc) (*History, error) {
	wsURL, err := c.streamURL(clientID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}
	// Closing the connection unblocks the reader goroutine.
	defer conn.Close()

	msgs := make(chan []byte, 16)
	readErrs := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case msgs <- raw:
			default:
			}
		}
	}()

	waitTimer := time.NewTimer(c.messageWait)
	defer waitTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting prompt %s: %w", promptID, model.ErrGenerationTimeout)

		case readErr := <-readErrs:
			// Check once through the shared completion query before
			// reporting the channel as gone.
			if hist, done, histErr := c.checkCompleted(ctx, promptID); histErr == nil && done {
				return finishHistory(promptID, hist)
			}
			return nil, fmt.Errorf("reading event stream: %w", readErr)

		case <-waitTimer.C:
			// A quiet stream is normal during long node execution;
			// confirm completion was not missed, then keep listening.
			hist, done, histErr := c.checkCompleted(ctx, promptID)
			if histErr != nil {
				return nil, histErr
			}
			if done {
				return finishHistory(promptID, hist)
			}
			waitTimer.Reset(c.messageWait)

		case raw := <-msgs:
			if !waitTimer.Stop() {
				<-waitTimer.C
			}
			waitTimer.Reset(c.messageWait)

			var ev wsEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "progress":
				if onProgress != nil {
					onProgress(ev.Data.Value, ev.Data.Max)
				}
			case "executing":
				// node == null marks the end of execution for a prompt,
				// success or not; the history record is authoritative.
				if ev.Data.Node == nil && ev.Data.PromptID == promptID {
					hist, done, histErr := c.checkCompleted(ctx, promptID)
					if histErr != nil {
						return nil, histErr
					}
					if done {
						return finishHistory(promptID, hist)
					}
				}
			case "execution_error":
				if ev.Data.PromptID == promptID {
					return nil, fmt.Errorf("prompt %s reported execution error: %w", promptID, model.ErrGenerationFailed)
				}
			}
		}
	}
}

// pollAwait resolves completion through periodic history queries.
func (c *Client) pollAwait(ctx context.Context, promptID string) (*History, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		hist, done, err := c.checkCompleted(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if done {
			return finishHistory(promptID, hist)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("awaiting prompt %s: %w", promptID, model.ErrGenerationTimeout)
		case <-ticker.C:
		}
	}
}

// checkCompleted is the single completion resolver both channels share.
// A transient history fetch failure is reported as not-done so the wait
// continues until the deadline.
func (c *Client) checkCompleted(ctx context.Context, promptID string) (*History, bool, error) {
	hist, err := c.History(ctx, promptID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, fmt.Errorf("awaiting prompt %s: %w", promptID, model.ErrGenerationTimeout)
		}
		c.log.Debug("history check failed, will retry", "prompt_id", promptID, "error", err)
		return nil, false, nil
	}
	if hist == nil || !hist.Status.Completed {
		return nil, false, nil
	}
	return hist, true, nil
}

// finishHistory converts a completed record into a result or a terminal
// generation error.
func finishHistory(promptID string, hist *History) (*History, error) {
	if !hist.Succeeded() {
		return nil, fmt.Errorf("prompt %s finished with status %q: %w", promptID, hist.Status.StatusStr, model.ErrGenerationFailed)
	}
	if len(hist.Files()) == 0 {
		return nil, fmt.Errorf("prompt %s completed with no outputs: %w", promptID, model.ErrGenerationFailed)
	}
	return hist, nil
}

// isTerminalAwait reports whether an await error is final rather than a
// channel failure worth retrying on the other channel.
func isTerminalAwait(err error) bool {
	return errors.Is(err, model.ErrGenerationFailed) || errors.Is(err, model.ErrGenerationTimeout)
}

func (c *Client) streamURL(clientID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String(), nil
}
