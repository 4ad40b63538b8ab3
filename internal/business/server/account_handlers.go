package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/csrf"
	"github.com/openkcm/identity-provider/internal/user"
)

// Home handles GET /.
func (a *API) Home(w http.ResponseWriter, r *http.Request) {
	page := homePage{Title: "Identity Provider"}
	if us, ok := a.sessions.Current(r.Context(), r); ok {
		page.Username = us.User.Username
	}

	render(w, r, http.StatusOK, "home.html", page)
}

// LogoutPage handles GET /logout.
func (a *API) LogoutPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	us, ok := a.sessions.Current(ctx, r)
	if !ok {
		redirect(w, r, "/")
		return
	}

	token, err := a.csrf.Issue(ctx, w, us.User.ID.String())
	if err != nil {
		writeError(w, r, err)
		return
	}

	render(w, r, http.StatusOK, "logout.html", logoutPage{
		Title:     "Sign out",
		Username:  us.User.Username,
		CSRFToken: token,
	})
}

// Logout handles POST /logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	us, err := a.sessions.Require(ctx, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := a.csrf.Verify(ctx, r, us.User.ID.String(), csrf.Submitted(r)); err != nil {
		writeError(w, r, err)
		return
	}

	if err := a.sessions.Destroy(ctx, w, us); err != nil {
		writeError(w, r, err)
		return
	}

	redirect(w, r, "/")
}

type passkeyView struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

func newPasskeyView(p user.Passkey) passkeyView {
	return passkeyView{
		ID:        p.ID.String(),
		Name:      p.Name,
		CreatedAt: p.CreatedAt,
		LastUsed:  p.LastUsed,
	}
}

type passkeyList struct {
	Passkeys  []passkeyView `json:"passkeys"`
	CSRFToken string        `json:"csrf_token"`
}

// ListPasskeys handles GET /passkeys. The returned CSRF token authorizes the
// passkey management calls of the page.
func (a *API) ListPasskeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	noStore(w)

	us, err := a.sessions.Require(ctx, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	passkeys, err := a.users.Passkeys(ctx, us.User.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	token, err := a.csrf.Issue(ctx, w, us.User.ID.String())
	if err != nil {
		writeError(w, r, err)
		return
	}

	list := passkeyList{Passkeys: make([]passkeyView, 0, len(passkeys)), CSRFToken: token}
	for _, p := range passkeys {
		list.Passkeys = append(list.Passkeys, newPasskeyView(p))
	}

	writeJSON(w, http.StatusOK, list)
}

// DeletePasskey handles DELETE /passkeys/{id}.
func (a *API) DeletePasskey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	us, err := a.sessions.Require(ctx, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := a.csrf.Verify(ctx, r, us.User.ID.String(), csrf.Submitted(r)); err != nil {
		writeError(w, r, err)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, newBadRequest("invalid passkey id"))
		return
	}

	if err := a.users.DeletePasskey(ctx, us.User.ID, id); err != nil {
		writeError(w, r, err)
		return
	}

	slogctx.Info(ctx, "Passkey deleted", "user_id", us.User.ID, "passkey_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateSession handles POST /admin/sessions/{id}/invalidate.
func (a *API) InvalidateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	as, err := a.sessions.Admin(ctx, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := a.csrf.Verify(ctx, r, as.User.ID.String(), csrf.Submitted(r)); err != nil {
		writeError(w, r, err)
		return
	}

	if err := a.sessions.Invalidate(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}

	slogctx.Info(ctx, "Session invalidated by admin", "admin_id", as.User.ID)
	w.WriteHeader(http.StatusNoContent)
}
