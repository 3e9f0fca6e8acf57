// Package client is a Go client for the pagewright HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	// Packages
	client "github.com/mutablelogic/go-client"

	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/httpapi"
	"github.com/user/pagewright/internal/runtime"
	"github.com/user/pagewright/internal/types"
)

///////////////////////////////////////////////////////////////////////////////
// TYPES

// Client talks to a running pagewright server.
type Client struct {
	*client.Client
}

// WatchFn receives each streamed entry in order. Returning an error stops
// the watch.
type WatchFn func(events.Entry) error

///////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// New creates a client for the API rooted at url, e.g.
// "http://localhost:8420/api".
func New(url string, opts ...client.ClientOpt) (*Client, error) {
	c := new(Client)
	if client, err := client.New(append(opts, client.OptEndpoint(url))...); err != nil {
		return nil, err
	} else {
		c.Client = client
	}
	return c, nil
}

///////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Generate starts a generation task for the project.
func (c *Client) Generate(ctx context.Context, projectID types.ProjectID, prompt string) (*httpapi.GenerateResponse, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	req, err := client.NewJSONRequest(httpapi.GenerateRequest{Prompt: prompt})
	if err != nil {
		return nil, err
	}

	var response httpapi.GenerateResponse
	if err := c.DoWithContext(ctx, req, &response, client.OptPath("projects", string(projectID), "generate")); err != nil {
		return nil, err
	}
	return &response, nil
}

// Watch replays the project's events from since and follows the live task
// until the server ends the stream after the terminal event. It returns the
// terminal entry, or an error if the stream ended without one.
func (c *Client) Watch(ctx context.Context, projectID types.ProjectID, since int64, fn WatchFn) (*events.Entry, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	if since < 0 {
		return nil, types.ErrBadParameter.Withf("since must be >= 0, got %d", since)
	}

	var terminal *events.Entry
	callback := func(evt client.TextStreamEvent) error {
		if evt.Data == "" {
			return nil
		}
		var entry events.Entry
		if err := json.Unmarshal([]byte(evt.Data), &entry); err != nil {
			return fmt.Errorf("decoding %q event: %w", evt.Event, err)
		}
		if entry.Event.Terminal() {
			terminal = &entry
		}
		if fn != nil {
			return fn(entry)
		}
		return nil
	}

	reqOpts := []client.RequestOpt{
		client.OptPath("projects", string(projectID), "stream"),
		client.OptReqHeader("Accept", "text/event-stream"),
		client.OptTextStreamCallback(callback),
		client.OptNoTimeout(),
	}
	if since > 0 {
		reqOpts = append(reqOpts, client.OptQuery(url.Values{"since": {strconv.FormatInt(since, 10)}}))
	}

	// A non-nil out is required for the text stream decoder to run.
	var discard struct{}
	if err := c.DoWithContext(ctx, client.NewRequest(), &discard, reqOpts...); err != nil {
		return nil, err
	}
	if terminal == nil {
		return nil, fmt.Errorf("stream for %s ended without a terminal event", projectID)
	}
	return terminal, nil
}

// Status returns the state of the project's current or last task.
func (c *Client) Status(ctx context.Context, projectID types.ProjectID) (*types.Snapshot, error) {
	var response types.Snapshot
	if err := c.DoWithContext(ctx, client.NewRequest(), &response, client.OptPath("projects", string(projectID), "status")); err != nil {
		return nil, err
	}
	return &response, nil
}

// History lists persisted tasks, newest first. A limit of zero uses the
// server default.
func (c *Client) History(ctx context.Context, projectID types.ProjectID, limit uint) ([]*types.TaskRecord, error) {
	reqOpts := []client.RequestOpt{client.OptPath("projects", string(projectID), "history")}
	if limit > 0 {
		reqOpts = append(reqOpts, client.OptQuery(url.Values{"limit": {strconv.FormatUint(uint64(limit), 10)}}))
	}

	var response []*types.TaskRecord
	if err := c.DoWithContext(ctx, client.NewRequest(), &response, reqOpts...); err != nil {
		return nil, err
	}
	return response, nil
}

// Task returns one persisted task including its event log.
func (c *Client) Task(ctx context.Context, projectID types.ProjectID, taskID types.TaskID) (*types.TaskRecord, error) {
	if taskID == "" {
		return nil, types.ErrBadParameter.With("task ID cannot be empty")
	}
	var response types.TaskRecord
	if err := c.DoWithContext(ctx, client.NewRequest(), &response, client.OptPath("projects", string(projectID), "history", string(taskID))); err != nil {
		return nil, err
	}
	return &response, nil
}

// Components lists the project's generated components.
func (c *Client) Components(ctx context.Context, projectID types.ProjectID) (*httpapi.ComponentsResponse, error) {
	var response httpapi.ComponentsResponse
	if err := c.DoWithContext(ctx, client.NewRequest(), &response, client.OptPath("projects", string(projectID), "components")); err != nil {
		return nil, err
	}
	return &response, nil
}

// GenerateInteraction asks the server for one event handler and waits for it.
func (c *Client) GenerateInteraction(ctx context.Context, in runtime.InteractionRequest) (*runtime.Interaction, error) {
	if in.ComponentID == "" || in.ComponentName == "" || in.Description == "" {
		return nil, types.ErrBadParameter.With("componentId, componentName and description are required")
	}
	req, err := client.NewJSONRequest(in)
	if err != nil {
		return nil, err
	}
	var response runtime.Interaction
	if err := c.DoWithContext(ctx, req, &response, client.OptPath("interactions"), client.OptNoTimeout()); err != nil {
		return nil, err
	}
	return &response, nil
}
