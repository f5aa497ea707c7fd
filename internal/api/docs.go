package api

import (
	"net/http"
	"os"

	yaml "gopkg.in/yaml.v3"
)

// openAPILoad loads the OpenAPI bytes. OPENAPI_PATH overrides the default
// repo-relative location.
func openAPILoad() ([]byte, error) {
	path := os.Getenv("OPENAPI_PATH")
	if path == "" { path = "openapi/openapi.yaml" }
	return os.ReadFile(path)
}

// OpenAPIHandler serves the OpenAPI spec as YAML.
func (s *Server) OpenAPIHandler(w http.ResponseWriter, r *http.Request) {
	b, err := openAPILoad()
	if err != nil { writeProblem(w, 500, "OpenAPI not available", err.Error(), r.URL.Path); return }
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(200)
	_, _ = w.Write(b)
}

// OpenAPIJSONHandler serves the spec converted to JSON for tooling that does
// not read YAML.
func (s *Server) OpenAPIJSONHandler(w http.ResponseWriter, r *http.Request) {
	b, err := openAPILoad()
	if err != nil { writeProblem(w, 500, "OpenAPI not available", err.Error(), r.URL.Path); return }
	var obj map[string]any
	if err := yaml.Unmarshal(b, &obj); err != nil { writeProblem(w, 500, "OpenAPI parse failed", err.Error(), r.URL.Path); return }
	writeJSON(w, 200, obj)
}

// DocsHandler serves a minimal ReDoc page referencing /openapi.yaml
func (s *Server) DocsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(200)
	_, _ = w.Write([]byte(`<!DOCTYPE html><html><head><title>API Docs</title>
	<meta charset="utf-8"/>
	<meta name="viewport" content="width=device-width, initial-scale=1">
	<script src="https://cdn.jsdelivr.net/npm/redoc@next/bundles/redoc.standalone.js"></script>
	</head><body>
	<redoc spec-url="/openapi.yaml"></redoc>
	</body></html>`))
}
