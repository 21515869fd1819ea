package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/jjudge-oj/usermanagement/types"
)

//go:embed templates/*.html
var templateFS embed.FS

// BasePage contains layout data shared by all pages.
type BasePage struct {
	Title       string
	CurrentUser *types.Principal
	Flash       string
	Error       string
}

type LoginPageData struct {
	BasePage
	Email     string
	ReturnURL string
}

type DashboardPageData struct {
	BasePage
	DisplayName string
	Role        string
}

type UsersPageData struct {
	BasePage
	Users []types.User
}

type ProfilePageData struct {
	BasePage
	User types.User
}

// UserForm holds the editable fields of the add and edit pages.
type UserForm struct {
	FullName string
	Email    string
	Role     string
}

type UserFormPageData struct {
	BasePage
	Heading      string
	Action       string
	Cancel       string
	Form         UserForm
	Fields       map[string]string
	ShowPassword bool
	ShowRole     bool
	Roles        []string
}

type MessagePageData struct {
	BasePage
	Heading string
	Message string
}

// assignableRoles lists the roles offered in forms.
var assignableRoles = []string{types.RoleUser, types.RoleAdmin, types.RoleGuest}

type renderer struct {
	pages map[string]*template.Template
}

func newRenderer() (*renderer, error) {
	funcs := template.FuncMap{"join": strings.Join}
	names := []string{"login", "dashboard", "users", "user_form", "profile", "message"}

	pages := make(map[string]*template.Template, len(names))
	for _, name := range names {
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[name] = tmpl
	}
	return &renderer{pages: pages}, nil
}

// render executes into a buffer first so a template error never leaves a
// half-written page.
func (rd *renderer) render(w http.ResponseWriter, status int, page string, data any) error {
	tmpl, ok := rd.pages[page]
	if !ok {
		return fmt.Errorf("unknown page %q", page)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
