/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"net/http"
	"strings"

	"github.com/gravitational/ninja"
	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"
)

// docsPage serves the interactive API browser, a static shell that
// renders the generated document.
func (h *Handler) docsPage(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	servePage(w, docsShell)
	return nil, nil
}

// openAPI generates the API document from the served route table, so
// the documentation can never drift from the router.
func (h *Handler) openAPI(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	paths := map[string]interface{}{}
	for path, routes := range lo.GroupBy(h.routes, func(rt route) string { return rt.path }) {
		operations := map[string]interface{}{}
		for _, rt := range routes {
			operations[strings.ToLower(rt.method)] = operation(rt)
		}
		paths[path] = operations
	}
	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "ninja agent API",
			"description": "Authenticated system monitoring and management agent.",
			"version":     ninja.Version,
		},
		"paths": paths,
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{
					"type":   "http",
					"scheme": "bearer",
				},
				"apiSecret": map[string]interface{}{
					"type": "apiKey",
					"in":   "header",
					"name": ninja.APISecretHeader,
				},
				"mfaCode": map[string]interface{}{
					"type": "apiKey",
					"in":   "header",
					"name": ninja.MFACodeHeader,
				},
			},
		},
	}, nil
}

// operation renders one route row. Level-2 routes demand the whole
// credential stack at once, which OpenAPI expresses as one security
// requirement with several schemes.
func operation(rt route) map[string]interface{} {
	op := map[string]interface{}{
		"summary": rt.summary,
		"responses": map[string]interface{}{
			"200": map[string]interface{}{"description": "OK"},
		},
	}
	switch rt.level {
	case authBearer:
		op["security"] = []map[string][]string{{"bearerAuth": {}}}
	case authExec:
		op["security"] = []map[string][]string{{
			"bearerAuth": {},
			"apiSecret":  {},
			"mfaCode":    {},
		}}
	}
	return op
}

const docsShell = `<!DOCTYPE html>
<html>
<head>
  <title>ninja - API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
<script>
SwaggerUIBundle({
  url: "/docs/openapi.json",
  dom_id: "#swagger-ui",
});
</script>
</body>
</html>
`
