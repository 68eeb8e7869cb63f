package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(path.Join("/", basePath, "openapi.json")))
	})
}

// registerOpenAPI serves the document rendered once on first request, with
// the error envelope and auth schemes filled in.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

func decorateOpenAPI(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security

	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	errorSchema := &huma.Schema{Type: huma.TypeObject}
	if oas.Components.Schemas != nil {
		errorSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	errorResponse := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: errorSchema},
		},
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorResponse
			if public[route] {
				op.Security = []map[string][]string{}
			} else {
				op.Security = security
			}
		}
	}
}

func swaggerHTML(docURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Recordflow API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
    </script>
    <p style="padding: 1rem; font-family: sans-serif;">
      Send Authorization: Bearer &lt;token&gt; or X-Api-Key. Transitions stream from %s as Server-Sent Events.
    </p>
  </body>
</html>`, docURL, path.Join(path.Dir(docURL), "events/stream"))
}
