package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"opsline/internal/domain"
	"opsline/internal/listener"
)

type eventBody struct {
	ID         string         `json:"id,omitempty" doc:"External event id used for deduplication"`
	Type       string         `json:"type" example:"slot_cancelled"`
	Source     string         `json:"source,omitempty" example:"scheduling"`
	SubjectIDs []string       `json:"subject_ids,omitempty"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func registerEvents(api huma.API, l *listener.Listener) {
	huma.Register(api, huma.Operation{
		OperationID:   "inject-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Inject a canonical event",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body eventBody
	}) (*struct {
		Body struct {
			EventID   string `json:"event_id"`
			Duplicate bool   `json:"duplicate"`
		} `json:"body"`
	}, error) {
		evt := domain.Event{
			ID:         input.Body.ID,
			Type:       domain.EventType(input.Body.Type),
			Source:     input.Body.Source,
			SubjectIDs: input.Body.SubjectIDs,
			Payload:    input.Body.Payload,
		}
		if evt.Source == "" {
			evt.Source = "api"
		}
		ingested, err := l.Ingest(ctx, evt)
		duplicate := errors.Is(err, domain.ErrDuplicateEvent)
		if err != nil && !duplicate {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				EventID   string `json:"event_id"`
				Duplicate bool   `json:"duplicate"`
			} `json:"body"`
		}{}
		resp.Body.EventID = ingested.ID
		resp.Body.Duplicate = duplicate
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/{source}",
		Summary:       "Ingest a raw source payload",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Source  string `path:"source"`
		RawBody []byte
	}) (*struct {
		Body struct {
			EventID   string `json:"event_id"`
			Duplicate bool   `json:"duplicate"`
		} `json:"body"`
	}, error) {
		evt, err := l.IngestRaw(ctx, input.Source, input.RawBody)
		duplicate := errors.Is(err, domain.ErrDuplicateEvent)
		if err != nil && !duplicate {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				EventID   string `json:"event_id"`
				Duplicate bool   `json:"duplicate"`
			} `json:"body"`
		}{}
		resp.Body.EventID = evt.ID
		resp.Body.Duplicate = duplicate
		return resp, nil
	})
}
