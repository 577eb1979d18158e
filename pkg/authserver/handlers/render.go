// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"html/template"
	"net/http"
)

const consentTemplateText = `<!DOCTYPE html>
<html>
<head><title>Authorize {{.Client.Name}}</title></head>
<body>
<h1>{{.Client.Name}} is requesting access</h1>
{{if .Scopes}}
<ul>
{{range .Scopes}}<li>{{.}}</li>
{{end}}</ul>
{{end}}
<form method="post" action="` + PathAuthorize + `">
{{range $name, $values := .HiddenFields}}{{range $values}}
<input type="hidden" name="{{$name}}" value="{{.}}">
{{end}}{{end}}
<button type="submit" name="allow" value="1">Allow</button>
<button type="submit">Deny</button>
</form>
</body>
</html>
`

const errorTemplateText = `<!DOCTYPE html>
<html>
<head><title>Authorization error</title></head>
<body>
<h1>{{.Code}}</h1>
<p>{{.Description}}</p>
</body>
</html>
`

// TemplateRenderer is the built-in ConsentRenderer. Hosts embedding the
// provider normally replace it with their own UI.
type TemplateRenderer struct {
	consent *template.Template
	errPage *template.Template
}

// NewTemplateRenderer builds the default renderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{
		consent: template.Must(template.New("consent").Parse(consentTemplateText)),
		errPage: template.Must(template.New("error").Parse(errorTemplateText)),
	}
}

// RenderConsent writes the consent prompt.
func (t *TemplateRenderer) RenderConsent(w http.ResponseWriter, _ *http.Request, page *ConsentPage) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return t.consent.Execute(w, page)
}

// RenderError writes the direct error page with a 400 status.
func (t *TemplateRenderer) RenderError(w http.ResponseWriter, errorCode, description string) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	return t.errPage.Execute(w, struct {
		Code        string
		Description string
	}{Code: errorCode, Description: description})
}
