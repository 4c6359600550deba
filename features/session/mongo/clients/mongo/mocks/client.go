// Package mocks provides a hand-rolled test double for the session Mongo
// client, queue-based in the style generated by the project's mock tooling.
package mocks

import (
	"context"
	"testing"
	"time"

	"github.com/agentforge/core/internal/mockqueue"
	"github.com/agentforge/core/runtime/agent/session"
)

// Client is a test double for clients/mongo.Client.
type Client struct {
	createSession *mockqueue.Queue[func(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error)]
	loadSession   *mockqueue.Queue[func(ctx context.Context, sessionID string) (session.Session, error)]
	endSession    *mockqueue.Queue[func(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error)]
	upsertRun     *mockqueue.Queue[func(ctx context.Context, run session.RunMeta) error]
	loadRun       *mockqueue.Queue[func(ctx context.Context, runID string) (session.RunMeta, error)]
	listRuns      *mockqueue.Queue[func(ctx context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error)]
}

// NewClient constructs an empty Client mock bound to t.
func NewClient(t testing.TB) *Client {
	return &Client{
		createSession: mockqueue.New[func(context.Context, string, time.Time) (session.Session, error)](t, "CreateSession"),
		loadSession:   mockqueue.New[func(context.Context, string) (session.Session, error)](t, "LoadSession"),
		endSession:    mockqueue.New[func(context.Context, string, time.Time) (session.Session, error)](t, "EndSession"),
		upsertRun:     mockqueue.New[func(context.Context, session.RunMeta) error](t, "UpsertRun"),
		loadRun:       mockqueue.New[func(context.Context, string) (session.RunMeta, error)](t, "LoadRun"),
		listRuns:      mockqueue.New[func(context.Context, string, []session.RunStatus) ([]session.RunMeta, error)](t, "ListRunsBySession"),
	}
}

// AddCreateSession queues a stand-in for CreateSession.
func (c *Client) AddCreateSession(fn func(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error)) {
	c.createSession.Add(fn)
}

// AddLoadSession queues a stand-in for LoadSession.
func (c *Client) AddLoadSession(fn func(ctx context.Context, sessionID string) (session.Session, error)) {
	c.loadSession.Add(fn)
}

// AddEndSession queues a stand-in for EndSession.
func (c *Client) AddEndSession(fn func(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error)) {
	c.endSession.Add(fn)
}

// AddUpsertRun queues a stand-in for UpsertRun.
func (c *Client) AddUpsertRun(fn func(ctx context.Context, run session.RunMeta) error) {
	c.upsertRun.Add(fn)
}

// AddLoadRun queues a stand-in for LoadRun.
func (c *Client) AddLoadRun(fn func(ctx context.Context, runID string) (session.RunMeta, error)) {
	c.loadRun.Add(fn)
}

// AddListRunsBySession queues a stand-in for ListRunsBySession.
func (c *Client) AddListRunsBySession(fn func(ctx context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error)) {
	c.listRuns.Add(fn)
}

func (c *Client) Name() string { return "session-mongo-mock" }

func (c *Client) Ping(ctx context.Context) error { return nil }

func (c *Client) CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	return c.createSession.Pop()(ctx, sessionID, createdAt)
}

func (c *Client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	return c.loadSession.Pop()(ctx, sessionID)
}

func (c *Client) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	return c.endSession.Pop()(ctx, sessionID, endedAt)
}

func (c *Client) UpsertRun(ctx context.Context, run session.RunMeta) error {
	return c.upsertRun.Pop()(ctx, run)
}

func (c *Client) LoadRun(ctx context.Context, runID string) (session.RunMeta, error) {
	return c.loadRun.Pop()(ctx, runID)
}

func (c *Client) ListRunsBySession(ctx context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error) {
	return c.listRuns.Pop()(ctx, sessionID, statuses)
}

// HasMore reports whether any mocked method still has unconsumed expectations.
func (c *Client) HasMore() bool {
	return c.createSession.HasMore() || c.loadSession.HasMore() || c.endSession.HasMore() ||
		c.upsertRun.HasMore() || c.loadRun.HasMore() || c.listRuns.HasMore()
}
