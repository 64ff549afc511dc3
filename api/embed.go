// Package api embeds the node's OpenAPI specification so the binary can
// serve it without depending on the file being present at runtime.
package api

import _ "embed"

// OpenAPISpec contains the embedded OpenAPI 3.0 specification for the
// node's HTTP surface.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
