// Package mcpserver registers MCP tools that expose the sync engine.
// It adapts the engine and its store to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/offsync/internal/engine"
	"github.com/alexjbarnes/offsync/internal/status"
	"github.com/alexjbarnes/offsync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, e *engine.Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Current sync state (idle, syncing, success, error, offline), the last error kind and cycle progress from 0 to 1.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Push every pending queue entry, then pull remote updates. Waits for both and returns the resulting status.",
	}, syncNowHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "fetch_updates",
		Description: "Pull records changed on the remote since the last fetch and merge them into the local store. Does not push.",
	}, fetchHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "record_get",
		Description: "Read one record from the local store by id. Works offline.",
	}, recordGetHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "record_put",
		Description: "Create or replace a record locally and queue it for delivery. The payload is a JSON object. Works offline.",
	}, recordPutHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "record_list",
		Description: "List every record in the local store.",
	}, recordListHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_stats",
		Description: "Count queue entries: total, pending, synced and dead-lettered.",
	}, queueStatsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_dead_letters",
		Description: "List entries that exhausted their retries, with the last error for each. Payloads are not included.",
	}, deadLettersHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_retry_dead_letters",
		Description: "Reset the retry count on every dead-lettered entry so the next sync sends them again.",
	}, retryDeadLettersHandler(e))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EmptyInput is used by tools without parameters.
type EmptyInput struct{}

// RecordGetInput holds parameters for record_get.
type RecordGetInput struct {
	ID string `json:"id" jsonschema:"required,record id"`
}

// RecordPutInput holds parameters for record_put.
type RecordPutInput struct {
	ID      string         `json:"id" jsonschema:"required,record id"`
	Payload map[string]any `json:"payload" jsonschema:"required,record fields as a JSON object"`
}

// --- Output types ---

// StatusResult is the status triple.
type StatusResult struct {
	State     string  `json:"state"`
	LastError string  `json:"last_error"`
	Progress  float64 `json:"progress"`
}

// RecordView is a record as returned to MCP clients.
type RecordView struct {
	ID          string         `json:"id"`
	Payload     map[string]any `json:"payload"`
	LastUpdated string         `json:"last_updated"`
}

// RecordGetResult is the result of record_get.
type RecordGetResult struct {
	Found  bool        `json:"found"`
	Record *RecordView `json:"record,omitempty"`
}

// RecordListResult is the result of record_list.
type RecordListResult struct {
	Records []RecordView `json:"records"`
	Count   int          `json:"count"`
}

// QueueStatsResult is the result of queue_stats.
type QueueStatsResult struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Synced       int `json:"synced"`
	DeadLettered int `json:"dead_lettered"`
}

// EntryView describes a queue entry without its payload.
type EntryView struct {
	ID         uint64 `json:"id"`
	Action     string `json:"action"`
	RetryCount int    `json:"retry_count"`
	CreatedAt  string `json:"created_at"`
	LastError  string `json:"last_error,omitempty"`
}

// DeadLettersResult is the result of queue_dead_letters.
type DeadLettersResult struct {
	Entries []EntryView `json:"entries"`
	Count   int         `json:"count"`
}

// RetryResult is the result of queue_retry_dead_letters.
type RetryResult struct {
	Reset int `json:"reset"`
}

// --- Handlers ---

func statusHandler(e *engine.Engine) mcp.ToolHandlerFor[EmptyInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := statusView(e.Status().Snapshot())
		return textResult(result), result, nil
	}
}

func syncNowHandler(e *engine.Engine) mcp.ToolHandlerFor[EmptyInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusResult, error) {
		if err := e.SyncNow(ctx); err != nil {
			return nil, nil, err
		}
		result := statusView(e.Status().Snapshot())
		return textResult(result), result, nil
	}
}

func fetchHandler(e *engine.Engine) mcp.ToolHandlerFor[EmptyInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusResult, error) {
		if err := e.FetchRemoteUpdates(ctx); err != nil {
			return nil, nil, err
		}
		result := statusView(e.Status().Snapshot())
		return textResult(result), result, nil
	}
}

func recordGetHandler(e *engine.Engine) mcp.ToolHandlerFor[RecordGetInput, *RecordGetResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input RecordGetInput) (*mcp.CallToolResult, *RecordGetResult, error) {
		if input.ID == "" {
			return nil, nil, fmt.Errorf("id is required")
		}
		rec, err := e.Get(input.ID)
		if err != nil {
			return nil, nil, err
		}
		result := &RecordGetResult{}
		if rec != nil {
			v := recordView(*rec)
			result.Found, result.Record = true, &v
		}
		return textResult(result), result, nil
	}
}

func recordPutHandler(e *engine.Engine) mcp.ToolHandlerFor[RecordPutInput, *RecordView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input RecordPutInput) (*mcp.CallToolResult, *RecordView, error) {
		if input.ID == "" {
			return nil, nil, fmt.Errorf("id is required")
		}
		rec, err := e.Put(input.ID, input.Payload)
		if err != nil {
			return nil, nil, err
		}
		result := recordView(rec)
		return textResult(result), &result, nil
	}
}

func recordListHandler(e *engine.Engine) mcp.ToolHandlerFor[EmptyInput, *RecordListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *RecordListResult, error) {
		recs, err := e.GetAll()
		if err != nil {
			return nil, nil, err
		}
		result := &RecordListResult{Records: make([]RecordView, 0, len(recs)), Count: len(recs)}
		for _, r := range recs {
			result.Records = append(result.Records, recordView(r))
		}
		return textResult(result), result, nil
	}
}

func queueStatsHandler(e *engine.Engine) mcp.ToolHandlerFor[EmptyInput, *QueueStatsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *QueueStatsResult, error) {
		st, err := e.Store().Stats()
		if err != nil {
			return nil, nil, err
		}
		result := &QueueStatsResult{
			Total:        st.Total,
			Pending:      st.Pending,
			Synced:       st.Synced,
			DeadLettered: st.DeadLettered,
		}
		return textResult(result), result, nil
	}
}

func deadLettersHandler(e *engine.Engine) mcp.ToolHandlerFor[EmptyInput, *DeadLettersResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *DeadLettersResult, error) {
		entries, err := e.Store().DeadLetters()
		if err != nil {
			return nil, nil, err
		}
		result := &DeadLettersResult{Entries: make([]EntryView, 0, len(entries)), Count: len(entries)}
		for _, en := range entries {
			result.Entries = append(result.Entries, EntryView{
				ID:         en.ID,
				Action:     en.Action,
				RetryCount: en.RetryCount,
				CreatedAt:  en.CreatedAt.UTC().Format(time.RFC3339Nano),
				LastError:  en.LastError,
			})
		}
		return textResult(result), result, nil
	}
}

func retryDeadLettersHandler(e *engine.Engine) mcp.ToolHandlerFor[EmptyInput, *RetryResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *RetryResult, error) {
		n, err := e.Store().ResetDeadLetters()
		if err != nil {
			return nil, nil, err
		}
		result := &RetryResult{Reset: n}
		return textResult(result), result, nil
	}
}

func statusView(s status.Snapshot) *StatusResult {
	return &StatusResult{
		State:     string(s.State),
		LastError: s.LastError.String(),
		Progress:  s.Progress,
	}
}

func recordView(r store.Record) RecordView {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return RecordView{
		ID:          r.ID,
		Payload:     payload,
		LastUpdated: r.LastUpdated.UTC().Format(time.RFC3339Nano),
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
