package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"opsline/internal/domain"
	"opsline/internal/engine"
)

type RecommendationPath struct {
	ID string `path:"id"`
}

type actorBody struct {
	ApprovedBy string `json:"approved_by" example:"caseworker-7"`
}

func registerRecommendations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-recommendations",
		Method:      http.MethodGet,
		Path:        "/recommendations",
		Summary:     "List recommendations",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Filter by status" example:"pending_approval"`
	}) (*struct {
		Body struct {
			Recommendations []domain.Recommendation `json:"recommendations"`
		} `json:"body"`
	}, error) {
		recs, err := e.ListRecommendations(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Recommendations []domain.Recommendation `json:"recommendations"`
			} `json:"body"`
		}{}
		resp.Body.Recommendations = recs
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-recommendation",
		Method:      http.MethodGet,
		Path:        "/recommendations/{id}",
		Summary:     "Get a recommendation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *RecommendationPath) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		rec, err := e.GetRecommendation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-recommendation",
		Method:      http.MethodPost,
		Path:        "/recommendations/{id}/approve",
		Summary:     "Approve a pending recommendation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RecommendationPath
		Body actorBody
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		rec, err := e.Approve(ctx, input.ID, input.Body.ApprovedBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-recommendation",
		Method:      http.MethodPost,
		Path:        "/recommendations/{id}/reject",
		Summary:     "Reject a pending recommendation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RecommendationPath
		Body actorBody
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		rec, err := e.Reject(ctx, input.ID, input.Body.ApprovedBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-recommendation",
		Method:      http.MethodPost,
		Path:        "/recommendations/{id}/execute",
		Summary:     "Execute an approved recommendation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *RecommendationPath) (*struct {
		Body domain.ExecutionResult `json:"body"`
	}, error) {
		res, err := e.Execute(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution-result",
		Method:      http.MethodGet,
		Path:        "/recommendations/{id}/result",
		Summary:     "Get the stored execution result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *RecommendationPath) (*struct {
		Body domain.ExecutionResult `json:"body"`
	}, error) {
		res, err := e.GetExecutionResult(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionResult `json:"body"`
		}{Body: res}, nil
	})
}
