package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/engine/auth"
	"shipline/internal/events"
)

const replayPage = 100

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if _, err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

// registerEventStream serves committed events as server-sent events. Stored
// events after the cursor are replayed first, then live events follow.
func registerEventStream(api huma.API, e engine.Engine, bus *events.Bus) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events/stream",
		Summary:     "Stream events",
	}, map[string]any{
		"event": EventResponse{},
		"error": apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		After       int64  `query:"after"`
		LastEventID string `header:"Last-Event-ID"`
	}, send sse.Sender) {
		if _, err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			var body apiErrorBody
			var ae *apiError
			if errors.As(handleError(err), &ae) {
				body = ae.Body
			}
			_ = send.Data(body)
			return
		}
		cursor := input.After
		if id, err := strconv.ParseInt(input.LastEventID, 10, 64); err == nil && id > cursor {
			cursor = id
		}

		// Subscribe before replaying so nothing committed in between is lost.
		var live <-chan domain.Event
		if bus != nil {
			ch, cancel := bus.Subscribe(input.ProjectID)
			defer cancel()
			live = ch
		}
		for {
			backlog, err := e.Repo.EventsAfter(ctx, replayPage, cursor, input.ProjectID)
			if err != nil {
				return
			}
			for _, evt := range backlog {
				if send(sse.Message{ID: int(evt.ID), Data: eventResponse(evt)}) != nil {
					return
				}
				cursor = evt.ID
			}
			if len(backlog) < replayPage {
				break
			}
		}
		if live == nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-live:
				if !ok {
					return
				}
				if evt.ID <= cursor {
					continue
				}
				if send(sse.Message{ID: int(evt.ID), Data: eventResponse(evt)}) != nil {
					return
				}
				cursor = evt.ID
			}
		}
	})
}
