// Package mocks provides a hand-rolled test double for the memory Mongo
// client.
package mocks

import (
	"context"
	"testing"

	"github.com/agentforge/core/internal/mockqueue"
	"github.com/agentforge/core/runtime/agent/memory"
)

// Client is a test double for clients/mongo.Client.
type Client struct {
	loadRun      *mockqueue.Queue[func(ctx context.Context, agentID, runID string) (memory.Snapshot, error)]
	appendEvents *mockqueue.Queue[func(ctx context.Context, agentID, runID string, events []memory.Event) error]
}

// NewClient constructs an empty Client mock bound to t.
func NewClient(t testing.TB) *Client {
	return &Client{
		loadRun:      mockqueue.New[func(context.Context, string, string) (memory.Snapshot, error)](t, "LoadRun"),
		appendEvents: mockqueue.New[func(context.Context, string, string, []memory.Event) error](t, "AppendEvents"),
	}
}

// AddLoadRun queues a stand-in for LoadRun.
func (c *Client) AddLoadRun(fn func(ctx context.Context, agentID, runID string) (memory.Snapshot, error)) {
	c.loadRun.Add(fn)
}

// AddAppendEvents queues a stand-in for AppendEvents.
func (c *Client) AddAppendEvents(fn func(ctx context.Context, agentID, runID string, events []memory.Event) error) {
	c.appendEvents.Add(fn)
}

func (c *Client) Name() string { return "memory-mongo-mock" }

func (c *Client) Ping(ctx context.Context) error { return nil }

func (c *Client) LoadRun(ctx context.Context, agentID, runID string) (memory.Snapshot, error) {
	return c.loadRun.Pop()(ctx, agentID, runID)
}

func (c *Client) AppendEvents(ctx context.Context, agentID, runID string, events []memory.Event) error {
	return c.appendEvents.Pop()(ctx, agentID, runID, events)
}

// HasMore reports whether any mocked method still has unconsumed expectations.
func (c *Client) HasMore() bool {
	return c.loadRun.HasMore() || c.appendEvents.HasMore()
}
