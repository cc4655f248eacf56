package thread

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"

	apperrors "github.com/sais-dev/sais/go/pkg/errors"
	"github.com/sais-dev/sais/go/pkg/sse"
	"github.com/sais-dev/sais/go/pkg/stream"
)

// Stream modes select which aggregate channels the backend emits.
const (
	StreamModeValues = "values"
	StreamModeCustom = "custom"
)

// Disconnect policies tell the backend what to do with the run when the
// client connection drops.
const (
	OnDisconnectContinue = "continue"
	OnDisconnectCancel   = "cancel"
)

// RunCommand resumes or redirects a paused run.
type RunCommand struct {
	Resume any            `json:"resume,omitempty"`
	Goto   any            `json:"goto,omitempty"`
	Update map[string]any `json:"update,omitempty"`
}

// RunRequest starts backend execution against a thread.
type RunRequest struct {
	AssistantID     string         `json:"assistant_id"`
	Input           map[string]any `json:"input,omitempty"`
	Command         *RunCommand    `json:"command,omitempty"`
	StreamMode      []string       `json:"stream_mode,omitempty"`
	StreamSubgraphs bool           `json:"stream_subgraphs,omitempty"`
	StreamResumable bool           `json:"stream_resumable,omitempty"`
	OnDisconnect    string         `json:"on_disconnect,omitempty"`
}

// JoinOptions tunes a rejoin of an existing run.
type JoinOptions struct {
	// StreamMode selects channels to replay; empty means the backend
	// default.
	StreamMode []string
	// LastEventID asks the backend to replay only events after the one this
	// client already processed.
	LastEventID string
}

// runLocationPattern extracts the run id from a location-style response
// header ending in "/runs/{id}".
var runLocationPattern = regexp.MustCompile(`/runs/([^/?#]+)/?$`)

// StreamRun starts a run and returns its event stream. When the response
// carries a location header naming the run, a metadata event with the run id
// is synthesized ahead of the wire events so subscribers learn the run
// identity even if the backend never echoes it in-band.
func (c *Client) StreamRun(ctx context.Context, threadID string, runReq RunRequest) (*stream.Stream, error) {
	path := fmt.Sprintf("/threads/%s/runs/stream", url.PathEscape(threadID))
	req, err := c.newRequest(ctx, http.MethodPost, path, runReq)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeRunStream, "failed to create request", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeRunStream, "failed to start run", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, apperrors.New(apperrors.ErrCodeRunStream, "failed to start run",
			&apperrors.HTTPError{Status: resp.StatusCode, Body: string(body)})
	}

	runID := runIDFromLocation(resp.Header)
	c.log.V(1).Info("run started", "thread", threadID, "run", runID)

	events, errc := sse.Read(ctx, resp.Body)
	if runID == "" {
		return stream.New(events, errc), nil
	}

	out := make(chan sse.Event, 1)
	go func() {
		defer close(out)
		meta := sse.Event{
			Event: "metadata",
			Data:  sse.JSONPayload(map[string]any{"run_id": runID}),
		}
		select {
		case out <- meta:
		case <-ctx.Done():
			return
		}
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream.New(out, errc), nil
}

// JoinRun reconnects to an in-flight run's event stream.
func (c *Client) JoinRun(ctx context.Context, threadID, runID string, opts JoinOptions) (*stream.Stream, error) {
	path := fmt.Sprintf("/threads/%s/runs/%s/stream",
		url.PathEscape(threadID), url.PathEscape(runID))
	if len(opts.StreamMode) > 0 {
		query := url.Values{}
		for _, mode := range opts.StreamMode {
			query.Add("stream_mode", mode)
		}
		path += "?" + query.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeRunJoin, "failed to create request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.LastEventID != "" {
		req.Header.Set("Last-Event-ID", opts.LastEventID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeRunJoin, "failed to join run", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, apperrors.New(apperrors.ErrCodeRunJoin, "failed to join run",
			&apperrors.HTTPError{Status: resp.StatusCode, Body: string(body)})
	}

	c.log.V(1).Info("run joined", "thread", threadID, "run", runID, "lastEventID", opts.LastEventID)
	events, errc := sse.Read(ctx, resp.Body)
	return stream.New(events, errc), nil
}

func runIDFromLocation(header http.Header) string {
	location := header.Get("Content-Location")
	if location == "" {
		location = header.Get("Location")
	}
	if location == "" {
		return ""
	}
	match := runLocationPattern.FindStringSubmatch(location)
	if match == nil {
		return ""
	}
	return match[1]
}
