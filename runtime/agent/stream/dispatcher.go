package stream

import (
	"strings"
	"sync"

	"github.com/agentforge/core/runtime/agent/hooks"
)

// maxScratchpadPartialBytes bounds each partial buffer in Scratchpad, per
// spec's "bounded to 4 KiB each; on overflow, leading bytes are trimmed on
// UTF-8 boundaries."
const maxScratchpadPartialBytes = 4 * 1024

// Scratchpad is the ephemeral per-HTTP-attempt buffer a Dispatcher seeds on
// retry so no locally-committed tool output is lost across a reconnect.
// Discarded on response.completed; preserved and re-seeded on retry.
type Scratchpad struct {
	CompletedItems      []string
	ToolResponses       []string
	PartialAssistant    string
	PartialReasoning    string
}

// AppendCompleted records a fully-received output item.
func (s *Scratchpad) AppendCompleted(item string) {
	s.CompletedItems = append(s.CompletedItems, item)
}

// AppendToolResponse records a locally-produced tool-call response.
func (s *Scratchpad) AppendToolResponse(resp string) {
	s.ToolResponses = append(s.ToolResponses, resp)
}

// AppendAssistantDelta appends to the partial assistant-text buffer,
// trimming leading bytes on a UTF-8 boundary if the 4 KiB bound is
// exceeded.
func (s *Scratchpad) AppendAssistantDelta(delta string) {
	s.PartialAssistant = appendBounded(s.PartialAssistant, delta)
}

// AppendReasoningDelta appends to the partial reasoning-summary buffer,
// same bound as AppendAssistantDelta.
func (s *Scratchpad) AppendReasoningDelta(delta string) {
	s.PartialReasoning = appendBounded(s.PartialReasoning, delta)
}

// Clear discards all scratchpad contents, per "on response.completed,
// scratchpad is cleared; the turn advances."
func (s *Scratchpad) Clear() {
	*s = Scratchpad{}
}

func appendBounded(buf, delta string) string {
	buf += delta
	if len(buf) <= maxScratchpadPartialBytes {
		return buf
	}
	excess := len(buf) - maxScratchpadPartialBytes
	for excess < len(buf) && !utf8StartByte(buf[excess]) {
		excess++
	}
	return buf[excess:]
}

func utf8StartByte(b byte) bool {
	return b&0xC0 != 0x80
}

// RetryableConnectivityError reports whether msg names one of the
// connectivity error classes the retry policy covers:
// "connect|timeout|transport|network".
func RetryableConnectivityError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kind := range []string{"connect", "timeout", "transport", "network"} {
		if strings.Contains(lower, kind) {
			return true
		}
	}
	return false
}

// Dispatcher owns a session's request_ordinal and per-request background
// sequence counters, and assigns OrderMeta to every stream event it
// forwards so subscribers can reconstruct provider order across retries
// and background-synthesized events. Safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	requestOrdinal uint64
	outputSeq      map[uint64]uint64 // per-request foreground sequence, keyed by request ordinal
	backgroundSeq  map[uint64]uint64 // per-request background sequence, same key

	pad Scratchpad

	maxRetries int
	attempt    int
}

// NewDispatcher constructs a Dispatcher. maxRetries matches the provider's
// configured stream_max_retries; 0 means no retries are attempted.
func NewDispatcher(maxRetries int) *Dispatcher {
	return &Dispatcher{
		outputSeq:     make(map[uint64]uint64),
		backgroundSeq: make(map[uint64]uint64),
		maxRetries:    maxRetries,
	}
}

// BeginHTTPAttempt bumps request_ordinal and returns the new value, per
// spec's "begin_http_attempt() bumps request_ordinal." The scratchpad is
// preserved across the call so a retried attempt replays what was already
// committed locally.
func (d *Dispatcher) BeginHTTPAttempt() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestOrdinal++
	d.attempt++
	return d.requestOrdinal
}

// CurrentRequestOrdinal returns the request_ordinal of the in-flight
// attempt without advancing it.
func (d *Dispatcher) CurrentRequestOrdinal() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestOrdinal
}

// ShouldRetry reports whether another attempt is permitted for err's
// message under the configured stream_max_retries budget.
func (d *Dispatcher) ShouldRetry(errMsg string) bool {
	if !RetryableConnectivityError(errMsg) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempt <= d.maxRetries
}

// Scratchpad returns the dispatcher's live scratchpad for the caller to
// append completed items / tool responses / partial deltas to as they
// arrive, and to clear on response.completed.
func (d *Dispatcher) Scratchpad() *Scratchpad { return &d.pad }

// NextOrder assigns OrderMeta{request_ordinal, output_index, sequence_number}
// to a foreground event produced at the current request ordinal, with a
// monotonically increasing sequence_number within that ordinal.
func (d *Dispatcher) NextOrder(outputIndex uint32) OrderMeta {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.outputSeq[d.requestOrdinal] + 1
	d.outputSeq[d.requestOrdinal] = seq
	return OrderMeta{RequestOrdinal: d.requestOrdinal, OutputIndex: outputIndex, SequenceNumber: seq}
}

// NextBackgroundOrder assigns OrderMeta to a background-synthesized event
// (sub-agent progress, async exec output) so it sorts after every regular
// output of the request ordinal active when it was produced, via
// OutputIndexBackground.
func (d *Dispatcher) NextBackgroundOrder() OrderMeta {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.backgroundSeq[d.requestOrdinal] + 1
	d.backgroundSeq[d.requestOrdinal] = seq
	return OrderMeta{RequestOrdinal: d.requestOrdinal, OutputIndex: OutputIndexBackground, SequenceNumber: seq}
}

// CompleteResponse clears the scratchpad, per "on response.completed,
// scratchpad is cleared; the turn advances."
func (d *Dispatcher) CompleteResponse() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pad.Clear()
	d.attempt = 0
}

// OrderFunc returns an OrderFunc (see subscriber.go) that stamps foreground
// events with NextOrder using the event's own output index when the event
// exposes one, and background events with NextBackgroundOrder otherwise.
// outputIndexOf may be nil, in which case every event is treated as
// foreground at output index 0.
func (d *Dispatcher) OrderFunc(outputIndexOf func(hooks.Event) (idx uint32, background bool)) OrderFunc {
	return func(evt hooks.Event) OrderMeta {
		if outputIndexOf == nil {
			return d.NextOrder(0)
		}
		idx, background := outputIndexOf(evt)
		if background {
			return d.NextBackgroundOrder()
		}
		return d.NextOrder(idx)
	}
}
