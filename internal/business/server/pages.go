package server

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"

	slogctx "github.com/veqryn/slog-context"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type loginPage struct {
	Title      string
	ClientName string
	State      string
	CSRFToken  string
	Error      string
}

type grantPage struct {
	Title      string
	ClientName string
	Username   string
	Scope      string
	State      string
	CSRFToken  string
}

type logoutPage struct {
	Title     string
	Username  string
	CSRFToken string
}

type homePage struct {
	Title    string
	Username string
}

func render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	noStore(w)
	w.WriteHeader(status)

	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		slogctx.Error(r.Context(), "Failed to render page", "page", name, "error", err)
	}
}

func staticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}

	return http.StripPrefix("/static/", http.FileServerFS(sub))
}
