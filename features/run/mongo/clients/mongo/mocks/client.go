// Package mocks provides a hand-rolled test double for the run Mongo client.
package mocks

import (
	"context"
	"testing"

	"github.com/agentforge/core/internal/mockqueue"
	"github.com/agentforge/core/runtime/agent/run"
)

// Client is a test double for clients/mongo.Client.
type Client struct {
	upsertRun *mockqueue.Queue[func(ctx context.Context, r run.Record) error]
	loadRun   *mockqueue.Queue[func(ctx context.Context, runID string) (run.Record, error)]
}

// NewClient constructs an empty Client mock bound to t.
func NewClient(t testing.TB) *Client {
	return &Client{
		upsertRun: mockqueue.New[func(context.Context, run.Record) error](t, "UpsertRun"),
		loadRun:   mockqueue.New[func(context.Context, string) (run.Record, error)](t, "LoadRun"),
	}
}

// AddUpsertRun queues a stand-in for UpsertRun.
func (c *Client) AddUpsertRun(fn func(ctx context.Context, r run.Record) error) {
	c.upsertRun.Add(fn)
}

// AddLoadRun queues a stand-in for LoadRun.
func (c *Client) AddLoadRun(fn func(ctx context.Context, runID string) (run.Record, error)) {
	c.loadRun.Add(fn)
}

func (c *Client) Name() string { return "run-mongo-mock" }

func (c *Client) Ping(ctx context.Context) error { return nil }

func (c *Client) UpsertRun(ctx context.Context, r run.Record) error {
	return c.upsertRun.Pop()(ctx, r)
}

func (c *Client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	return c.loadRun.Pop()(ctx, runID)
}

// HasMore reports whether any mocked method still has unconsumed expectations.
func (c *Client) HasMore() bool {
	return c.upsertRun.HasMore() || c.loadRun.HasMore()
}
