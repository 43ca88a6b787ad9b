package sso

import (
	"html/template"
	"net/http"
)

// authError is the content of the terminal authentication-error page
type authError struct {
	Message    string
	Code       AuthErrorCode
	AdminEmail string
}

var authErrorTemplate = template.Must(template.New("auth_error").Parse(`<!DOCTYPE html>
<html>
<head><title>Login failed</title></head>
<body>
  <h1>Login failed</h1>
  <p data-provider="{{.Provider}}">{{.Message}}</p>
  {{if .Code}}<p data-error-code="{{.Code}}"></p>{{end}}
  {{if .AdminEmail}}<p>Please contact your institution administrator:
    <a href="mailto:{{.AdminEmail}}">{{.AdminEmail}}</a></p>{{end}}
</body>
</html>
`))

// renderAuthError writes the terminal error page for a failed login. The
// structured code and provider id are embedded as data attributes for the
// front end.
func (h *Handlers) renderAuthError(w http.ResponseWriter, e authError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	err := authErrorTemplate.Execute(w, struct {
		authError
		Provider string
	}{authError: e, Provider: h.provider.ID()})
	if err != nil {
		h.logger.WithError(err).Error("failed to render auth error page")
	}
}
