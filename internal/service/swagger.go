package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/onexay/diagram-share/docs"
)

// gistsDocument is the canonical name of the embedded OpenAPI document.
const gistsDocument = "gists.yaml"

var swaggerPage = template.Must(template.New("swagger").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({
        url: '{{.Document}}',
        dom_id: '#swagger-ui',
        docExpansion: 'list',
        tryItOutEnabled: true,
      });
    };
  </script>
</body>
</html>`))

var documentETag = func() string {
	sum := sha256.Sum256(docs.OpenAPI)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}()

func (s *Service) handleSwagger(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("path") {
	case "", "index.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := swaggerPage.Execute(w, struct{ Title, Document string }{
			Title:    "diagram-share /gists API",
			Document: gistsDocument,
		})
		if err != nil {
			s.logger.Error("render swagger page", slog.String("error", err.Error()))
		}
	case gistsDocument, "openapi.yaml":
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("ETag", documentETag)
		http.ServeContent(w, r, gistsDocument, time.Time{}, bytes.NewReader(docs.OpenAPI))
	default:
		http.NotFound(w, r)
	}
}
