package httpapi

import (
	"html/template"
	"net/http"
)

type authPageData struct {
	Title   string
	Message string
	Success bool
}

type formPageData struct {
	Tool   string
	UserID string
	Fields []string
}

var authPageTmpl = template.Must(template.New("auth").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 480px; margin: 80px auto; text-align: center; }
h1 { font-size: 1.4em; color: {{if .Success}}#2e7d32{{else}}#c62828{{end}}; }
p { color: #444; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

var formPageTmpl = template.Must(template.New("form").Parse(`<!DOCTYPE html>
<html>
<head><title>Connect {{.Tool}}</title>
<style>
body { font-family: sans-serif; max-width: 480px; margin: 80px auto; }
label { display: block; margin-top: 12px; text-transform: capitalize; }
input { width: 100%; padding: 6px; margin-top: 4px; }
button { margin-top: 16px; padding: 8px 24px; }
</style>
</head>
<body>
<h1>Connect {{.Tool}}</h1>
<form method="POST">
<input type="hidden" name="user_id" value="{{.UserID}}">
{{range .Fields}}
<label>{{.}}<input type="text" name="{{.}}" autocomplete="off"></label>
{{end}}
<button type="submit">Save credentials</button>
</form>
</body>
</html>
`))

func (s *Server) writeAuthPage(w http.ResponseWriter, status int, data authPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := authPageTmpl.Execute(w, data); err != nil {
		s.logger.Errorw("rendering auth page", "error", err)
	}
}

func (s *Server) writeFormPage(w http.ResponseWriter, data formPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := formPageTmpl.Execute(w, data); err != nil {
		s.logger.Errorw("rendering form page", "error", err)
	}
}
