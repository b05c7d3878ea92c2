package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentrelay/internal/config"
	"agentrelay/internal/engine/autonomy"
)

type repoPath struct {
	Owner string `path:"owner"`
	Repo  string `path:"repo"`
}

func registerGovernance(api huma.API, dial *autonomy.Dial, checker *autonomy.Checker) {
	dialResponse := func(lvl autonomy.DialLevel) DialResponse {
		return DialResponse{DialLevel: lvl, EnvironmentCaps: dial.Caps}
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-dial",
		Method:      http.MethodGet,
		Path:        "/repos/{owner}/{repo}/dial",
		Summary:     "Get repository dial level",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *repoPath) (*struct {
		Body DialResponse
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermDialRead); authErr != nil {
			return nil, authErr
		}
		lvl, err := dial.GetDialLevel(ctx, input.Owner, input.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DialResponse
		}{Body: dialResponse(lvl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-dial",
		Method:      http.MethodPut,
		Path:        "/repos/{owner}/{repo}/dial",
		Summary:     "Set repository dial level",
		Description: "Accepts level (1-5) or legacy_level (1-11), which is mapped onto the 1-5 scale.",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		repoPath
		Body SetDialRequest
	}) (*struct {
		Body DialResponse
	}, error) {
		actor, authErr := requirePermission(ctx, config.PermDialWrite)
		if authErr != nil {
			return nil, authErr
		}
		level, err := dialLevel(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := dial.SetDialLevel(ctx, input.Owner, input.Repo, level, actor)
		if err != nil {
			return nil, handleError(err)
		}
		updated := rec.UpdatedAt
		return &struct {
			Body DialResponse
		}{Body: dialResponse(autonomy.DialLevel{
			Owner:     rec.Owner,
			Repo:      rec.Repo,
			Level:     rec.Level,
			UpdatedBy: rec.UpdatedBy,
			UpdatedAt: &updated,
		})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-dial",
		Method:      http.MethodPost,
		Path:        "/repos/{owner}/{repo}/dial/check",
		Summary:     "Check an action against the repository dial",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		repoPath
		Body DialCheckRequest
	}) (*struct {
		Body autonomy.DialDecision
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermDialRead); authErr != nil {
			return nil, authErr
		}
		dec, err := dial.IsActionPermitted(ctx, input.Owner, input.Repo, input.Body.ActionType, input.Body.EnvTier)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body autonomy.DialDecision
		}{Body: dec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-permission",
		Method:      http.MethodPost,
		Path:        "/permissions/check",
		Summary:     "Check whether an agent may perform an action",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		Body autonomy.CheckRequest
	}) (*struct {
		Body autonomy.CheckResult
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermDialRead); authErr != nil {
			return nil, authErr
		}
		res, err := checker.Check(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body autonomy.CheckResult
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List classified actions",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		Tier string `query:"tier" doc:"T1-T5"`
	}) (*struct {
		Body ActionsResponse
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermDialRead); authErr != nil {
			return nil, authErr
		}
		items := autonomy.AllActions()
		if input.Tier != "" {
			tier, err := autonomy.ParseTier(input.Tier)
			if err != nil {
				return nil, handleError(err)
			}
			filtered := items[:0]
			for _, a := range items {
				if a.Tier == tier {
					filtered = append(filtered, a)
				}
			}
			items = filtered
		}
		return &struct {
			Body ActionsResponse
		}{Body: ActionsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tiers",
		Method:      http.MethodGet,
		Path:        "/actions/tiers",
		Summary:     "Tier summary",
		Errors:      standardErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TiersResponse
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermDialRead); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body TiersResponse
		}{Body: TiersResponse{Items: autonomy.GetTierSummary()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_type}",
		Summary:     "Classify an action",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		ActionType string `path:"action_type"`
	}) (*struct {
		Body autonomy.Classification
	}, error) {
		if _, authErr := requirePermission(ctx, config.PermDialRead); authErr != nil {
			return nil, authErr
		}
		c, err := autonomy.ClassifyAction(input.ActionType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body autonomy.Classification
		}{Body: c}, nil
	})
}
