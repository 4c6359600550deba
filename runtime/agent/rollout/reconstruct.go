package rollout

import (
	"encoding/json"
	"fmt"
)

// HistoryItem is a reconstructed ConversationHistory entry, ready to hand to
// a Session. It mirrors ResponseItemPayload's shape; Summary is set only for
// the synthetic item produced by collapsing a Compacted marker.
type HistoryItem struct {
	Kind             string
	Role             string
	Content          json.RawMessage
	ReasoningSummary string
	CallID           string
	FunctionName     string
	FunctionArgs     json.RawMessage
	FunctionOutput   json.RawMessage
	Summary          string
}

// Reconstruction is the result of replaying a rollout log.
type Reconstruction struct {
	SessionID string
	History   []HistoryItem
	// StateSnapshots carries any State records encountered, in file order,
	// for the caller (typically the environment-context timeline) to
	// reinterpret.
	StateSnapshots []StatePayload
}

// Reconstruct replays the records at path in order and rebuilds
// ConversationHistory. SessionMeta seeds identity. ResponseItem records
// append to history. A Compacted marker collapses every history item
// accumulated so far into a single synthetic summary item, preserving the
// call_ids of any FunctionCall/FunctionCallOutput items it absorbed so that
// later replay of surviving FunctionCallOutput records (if the compaction
// boundary fell mid tool-call) still resolves. Event records are not
// replayed into history directly; a RecordEvent whose EventType is
// "user_message" is rematerialized as a user InputText item so resume
// preserves turn boundaries.
func Reconstruct(path string) (*Reconstruction, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return nil, err
	}

	result := &Reconstruction{}
	for _, rec := range records {
		switch rec.Type {
		case RecordSessionMeta:
			var meta SessionMetaPayload
			if err := json.Unmarshal(rec.Payload, &meta); err != nil {
				return nil, fmt.Errorf("decode session_meta: %w", err)
			}
			result.SessionID = meta.SessionID

		case RecordResponseItem:
			var item ResponseItemPayload
			if err := json.Unmarshal(rec.Payload, &item); err != nil {
				return nil, fmt.Errorf("decode response_item: %w", err)
			}
			result.History = append(result.History, HistoryItem{
				Kind:             item.Kind,
				Role:             item.Role,
				Content:          item.Content,
				ReasoningSummary: item.ReasoningSummary,
				CallID:           item.CallID,
				FunctionName:     item.FunctionName,
				FunctionArgs:     item.FunctionArgs,
				FunctionOutput:   item.FunctionOutput,
			})

		case RecordCompacted:
			var compacted CompactedPayload
			if err := json.Unmarshal(rec.Payload, &compacted); err != nil {
				return nil, fmt.Errorf("decode compacted: %w", err)
			}
			result.History = compactHistory(result.History, compacted)

		case RecordEvent:
			var event EventPayload
			if err := json.Unmarshal(rec.Payload, &event); err != nil {
				return nil, fmt.Errorf("decode event: %w", err)
			}
			if event.EventType == "user_message" {
				result.History = append(result.History, HistoryItem{
					Kind:    "message",
					Role:    "user",
					Content: event.Data,
				})
			}

		case RecordState:
			var state StatePayload
			if err := json.Unmarshal(rec.Payload, &state); err != nil {
				return nil, fmt.Errorf("decode state: %w", err)
			}
			result.StateSnapshots = append(result.StateSnapshots, state)
		}
	}
	return result, nil
}

// compactHistory collapses prior into a single synthetic "message" item
// carrying compacted.Summary, but keeps any FunctionCall item whose call_id
// is listed in compacted.PreservedCallIDs (and its matching
// FunctionCallOutput, if present) so that a tool call spanning the
// compaction boundary still has a referentially valid id on both sides.
func compactHistory(prior []HistoryItem, compacted CompactedPayload) []HistoryItem {
	preserved := make(map[string]bool, len(compacted.PreservedCallIDs))
	for _, id := range compacted.PreservedCallIDs {
		preserved[id] = true
	}

	var kept []HistoryItem
	for _, item := range prior {
		if item.CallID != "" && preserved[item.CallID] {
			kept = append(kept, item)
		}
	}

	summary := HistoryItem{
		Kind:    "message",
		Role:    "user",
		Summary: compacted.Summary,
	}
	return append([]HistoryItem{summary}, kept...)
}
