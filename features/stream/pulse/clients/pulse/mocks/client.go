// Package mocks provides hand-rolled test doubles for the Pulse client
// wrapper used by the stream sink and subscriber.
package mocks

import (
	"context"
	"testing"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/agentforge/core/internal/mockqueue"
	clientspulse "github.com/agentforge/core/features/stream/pulse/clients/pulse"
)

// Client is a test double for clients/pulse.Client.
type Client struct {
	stream *mockqueue.Queue[func(name string, opts ...streamopts.Stream) (clientspulse.Stream, error)]
	close  *mockqueue.Queue[func(ctx context.Context) error]
}

// NewClient constructs an empty Client mock bound to t.
func NewClient(t testing.TB) *Client {
	return &Client{
		stream: mockqueue.New[func(string, ...streamopts.Stream) (clientspulse.Stream, error)](t, "Stream"),
		close:  mockqueue.New[func(context.Context) error](t, "Close"),
	}
}

// AddStream queues a stand-in for Stream.
func (c *Client) AddStream(fn func(name string, opts ...streamopts.Stream) (clientspulse.Stream, error)) {
	c.stream.Add(fn)
}

// AddClose queues a stand-in for Close.
func (c *Client) AddClose(fn func(ctx context.Context) error) {
	c.close.Add(fn)
}

func (c *Client) Stream(name string, opts ...streamopts.Stream) (clientspulse.Stream, error) {
	return c.stream.Pop()(name, opts...)
}

func (c *Client) Close(ctx context.Context) error {
	return c.close.Pop()(ctx)
}

// HasMore reports whether any mocked method still has unconsumed expectations.
func (c *Client) HasMore() bool {
	return c.stream.HasMore() || c.close.HasMore()
}

// Stream is a test double for clients/pulse.Stream.
type Stream struct {
	add     *mockqueue.Queue[func(ctx context.Context, event string, payload []byte) (string, error)]
	newSink *mockqueue.Queue[func(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error)]
	destroy *mockqueue.Queue[func(ctx context.Context) error]
}

// NewStream constructs an empty Stream mock bound to t.
func NewStream(t testing.TB) *Stream {
	return &Stream{
		add:     mockqueue.New[func(context.Context, string, []byte) (string, error)](t, "Add"),
		newSink: mockqueue.New[func(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error)](t, "NewSink"),
		destroy: mockqueue.New[func(context.Context) error](t, "Destroy"),
	}
}

// AddAdd queues a stand-in for Add.
func (s *Stream) AddAdd(fn func(ctx context.Context, event string, payload []byte) (string, error)) {
	s.add.Add(fn)
}

// AddNewSink queues a stand-in for NewSink.
func (s *Stream) AddNewSink(fn func(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error)) {
	s.newSink.Add(fn)
}

// AddDestroy queues a stand-in for Destroy.
func (s *Stream) AddDestroy(fn func(ctx context.Context) error) {
	s.destroy.Add(fn)
}

func (s *Stream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.add.Pop()(ctx, event, payload)
}

func (s *Stream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.newSink.Pop()(ctx, name, opts...)
}

func (s *Stream) Destroy(ctx context.Context) error {
	return s.destroy.Pop()(ctx)
}

// HasMore reports whether any mocked method still has unconsumed expectations.
func (s *Stream) HasMore() bool {
	return s.add.HasMore() || s.newSink.HasMore() || s.destroy.HasMore()
}

// Sink is a test double for clients/pulse.Sink.
type Sink struct {
	subscribe *mockqueue.Queue[func() <-chan *streaming.Event]
	ack       *mockqueue.Queue[func(ctx context.Context, evt *streaming.Event) error]
	close     *mockqueue.Queue[func(ctx context.Context)]
}

// NewSink constructs an empty Sink mock bound to t.
func NewSink(t testing.TB) *Sink {
	return &Sink{
		subscribe: mockqueue.New[func() <-chan *streaming.Event](t, "Subscribe"),
		ack:       mockqueue.New[func(context.Context, *streaming.Event) error](t, "Ack"),
		close:     mockqueue.New[func(context.Context)](t, "Close"),
	}
}

// AddSubscribe queues a stand-in for Subscribe.
func (s *Sink) AddSubscribe(fn func() <-chan *streaming.Event) {
	s.subscribe.Add(fn)
}

// AddAck queues a stand-in for Ack.
func (s *Sink) AddAck(fn func(ctx context.Context, evt *streaming.Event) error) {
	s.ack.Add(fn)
}

// AddClose queues a stand-in for Close.
func (s *Sink) AddClose(fn func(ctx context.Context)) {
	s.close.Add(fn)
}

func (s *Sink) Subscribe() <-chan *streaming.Event {
	return s.subscribe.Pop()()
}

func (s *Sink) Ack(ctx context.Context, evt *streaming.Event) error {
	return s.ack.Pop()(ctx, evt)
}

func (s *Sink) Close(ctx context.Context) {
	s.close.Pop()(ctx)
}

// HasMore reports whether any mocked method still has unconsumed expectations.
func (s *Sink) HasMore() bool {
	return s.subscribe.HasMore() || s.ack.HasMore() || s.close.HasMore()
}
