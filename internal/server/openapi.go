package server

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"reflect"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

const (
	schemeBearer = "bearerAuth"
	schemeAPIKey = "apiKeyAuth"
)

// publicRoutes are served without credentials. The auth middleware and the
// OpenAPI security annotations both read this set.
func publicRoutes(basePath string) map[string]bool {
	return map[string]bool{
		path.Join("/", basePath, "health"):          true,
		path.Join("/", basePath, "openapi.json"):    true,
		path.Join("/", basePath, "docs"):            true,
		path.Join("/", basePath, "webhooks/github"): true,
	}
}

// registerSpec mounts the OpenAPI document and its Swagger UI page under
// basePath. The document is rendered on first request, after every
// operation has been registered.
func registerSpec(r chi.Router, api huma.API, basePath string) {
	specURL := path.Join("/", basePath, "openapi.json")
	public := publicRoutes(basePath)
	render := sync.OnceValues(func() ([]byte, error) {
		oas := api.OpenAPI()
		annotateSpec(oas, public)
		return json.Marshal(oas)
	})
	r.Get(specURL, func(w http.ResponseWriter, _ *http.Request) {
		doc, err := render()
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "render openapi: "+err.Error(), nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})

	page := docsPage(specURL)
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

// annotateSpec declares both credential schemes, requires one of them on
// every private operation and points undeclared error statuses at the
// shared error envelope.
func annotateSpec(oas *huma.OpenAPI, public map[string]bool) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes[schemeBearer] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes[schemeAPIKey] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	required := []map[string][]string{{schemeBearer: {}}, {schemeAPIKey: {}}}
	oas.Security = required

	var envelope *huma.Schema
	if oas.Components.Schemas != nil {
		envelope = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
				op.Security = []map[string][]string{}
			} else {
				op.Security = required
			}
			if envelope == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			if _, ok := op.Responses["default"]; !ok {
				op.Responses["default"] = &huma.Response{
					Description: "Error",
					Content:     map[string]*huma.MediaType{"application/json": {Schema: envelope}},
				}
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Patch, item.Delete} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func docsPage(specURL string) string {
	return `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Agent Relay API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>
SwaggerUIBundle({url: "` + specURL + `", dom_id: "#ui", persistAuthorization: true});
</script>
</body>
</html>`
}
