// Package docs embeds the OpenAPI description served under /swagger.
package docs

import _ "embed"

// OpenAPI is the API description in YAML.
//
//go:embed openapi.yaml
var OpenAPI []byte
