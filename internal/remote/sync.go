package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	"github.com/tidwall/gjson"
)

// BatchItem is one queued mutation on the wire. Data is sent verbatim.
type BatchItem struct {
	ID     uint64          `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type batchRequest struct {
	Batch []BatchItem `json:"batch"`
}

// ItemResult is the server's verdict on one BatchItem.
type ItemResult struct {
	ID      uint64 `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Update is one authoritative record from a fetch. Timestamp is zero
// for records in the flat shape, which carry no timestamp.
type Update struct {
	ID        string
	Payload   map[string]any
	Timestamp time.Time
}

// FetchResult holds the usable updates of a fetch and how many elements
// were skipped as malformed.
type FetchResult struct {
	Updates []Update
	Skipped int
}

// PushBatch posts items and returns the per-item results in the order
// the server sent them.
func (c *Client) PushBatch(ctx context.Context, token string, items []BatchItem) ([]ItemResult, error) {
	const op = "push batch"

	if items == nil {
		items = []BatchItem{}
	}

	body, err := json.Marshal(batchRequest{Batch: items})
	if err != nil {
		return nil, syncerr.New(syncerr.KindUnknown, op, fmt.Errorf("marshalling batch: %w", err))
	}

	respBody, err := c.do(ctx, op, http.MethodPost, c.endpoint, token, body, maxResponseBytes)
	if err != nil {
		return nil, err
	}

	results := gjson.GetBytes(respBody, "results")
	if !results.IsArray() {
		return nil, syncerr.New(syncerr.KindServer, op,
			fmt.Errorf("%w: missing results array: %s", syncerr.ErrAPIResponse, sanitizeResponseBody(respBody)))
	}

	var out []ItemResult

	results.ForEach(func(_, r gjson.Result) bool {
		id := r.Get("id")
		if !id.Exists() {
			c.logger.Warn("push result without id", slog.String("result", sanitizeResponseBody([]byte(r.Raw))))
			return true
		}

		out = append(out, ItemResult{
			ID:      id.Uint(),
			Success: r.Get("success").Bool(),
			Error:   r.Get("error").String(),
		})

		return true
	})

	return out, nil
}

// FetchUpdates gets the authoritative records changed since the given
// time (all records when since is zero). The body must be a JSON array
// of either flat records ({"id", ...fields}) or update records
// ({"id", "data", "timestamp"}); the shape is detected per element.
func (c *Client) FetchUpdates(ctx context.Context, token string, since time.Time) (FetchResult, error) {
	const op = "fetch updates"

	u := *c.endpoint
	if !since.IsZero() {
		q := u.Query()
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
		u.RawQuery = q.Encode()
	}

	respBody, err := c.do(ctx, op, http.MethodGet, &u, token, nil, c.maxFetchBytes)
	if err != nil {
		return FetchResult{}, err
	}

	root := gjson.ParseBytes(respBody)
	if !root.IsArray() {
		return FetchResult{}, syncerr.New(syncerr.KindServer, op,
			fmt.Errorf("%w: expected array: %s", syncerr.ErrAPIResponse, sanitizeResponseBody(respBody)))
	}

	var res FetchResult

	root.ForEach(func(_, el gjson.Result) bool {
		upd, err := parseUpdate(el)
		if err != nil {
			res.Skipped++
			c.logger.Warn("skipping malformed remote record", slog.String("error", err.Error()))

			return true
		}

		res.Updates = append(res.Updates, upd)

		return true
	})

	return res, nil
}

func parseUpdate(el gjson.Result) (Update, error) {
	if !el.IsObject() {
		return Update{}, fmt.Errorf("element is not an object")
	}

	id := el.Get("id")
	if !id.Exists() || id.String() == "" {
		return Update{}, fmt.Errorf("record has no id")
	}

	data := el.Get("data")
	ts := el.Get("timestamp")

	if data.IsObject() && ts.Exists() {
		t, err := parseTimestamp(ts)
		if err != nil {
			return Update{}, fmt.Errorf("record %s: %w", id.String(), err)
		}

		payload := map[string]any{}
		if err := json.Unmarshal([]byte(data.Raw), &payload); err != nil {
			return Update{}, fmt.Errorf("record %s: decoding data: %w", id.String(), err)
		}

		return Update{ID: id.String(), Payload: payload, Timestamp: t}, nil
	}

	payload := map[string]any{}
	if err := json.Unmarshal([]byte(el.Raw), &payload); err != nil {
		return Update{}, fmt.Errorf("record %s: decoding: %w", id.String(), err)
	}

	delete(payload, "id")

	return Update{ID: id.String(), Payload: payload}, nil
}

// parseTimestamp accepts RFC 3339 strings and unix milliseconds, either
// as a number or a numeric string.
func parseTimestamp(v gjson.Result) (time.Time, error) {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC(), nil
	case gjson.String:
		if ms, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}

		t, err := time.Parse(time.RFC3339Nano, v.Str)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", v.Str, err)
		}

		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp %s", v.Raw)
	}
}
