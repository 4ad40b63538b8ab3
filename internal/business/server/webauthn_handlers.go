package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-webauthn/webauthn/protocol"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/csrf"
	"github.com/openkcm/identity-provider/internal/serviceerr"
)

const maxCeremonyBody = 64 << 10

// StartRegister handles POST /webauthn/start_register. The body is a JSON
// bool selecting a resident credential.
func (a *API) StartRegister(w http.ResponseWriter, r *http.Request) {
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

	var resident bool
	if err := decodeJSON(r, &resident); err != nil {
		writeError(w, r, err)
		return
	}

	creation, err := a.passkeys.StartRegistration(ctx, us.User, resident)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, creation)
}

type passkeyRegistration struct {
	Credential json.RawMessage `json:"credential"`
	Name       string          `json:"name"`
}

// FinishRegister handles POST /webauthn/finish_register.
func (a *API) FinishRegister(w http.ResponseWriter, r *http.Request) {
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

	var reg passkeyRegistration
	if err := decodeJSON(r, &reg); err != nil {
		writeError(w, r, err)
		return
	}

	p, err := a.passkeys.FinishRegistration(ctx, us.User, reg.Name, reg.Credential)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newPasskeyView(p))
}

type authenticationChallenge struct {
	ID      string                        `json:"id"`
	Options *protocol.CredentialAssertion `json:"options"`
}

// StartAuth handles POST /webauthn/start_auth. The body is a JSON username
// or null for a discoverable login.
func (a *API) StartAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var username *string
	if err := decodeJSON(r, &username); err != nil {
		writeError(w, r, err)
		return
	}

	name := ""
	if username != nil {
		name = *username
	}

	id, assertion, err := a.passkeys.StartAuthentication(ctx, name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, authenticationChallenge{ID: id, Options: assertion})
}

type authenticationResponse struct {
	ID         string          `json:"id"`
	Credential json.RawMessage `json:"credential"`
	Username   string          `json:"username,omitempty"`
}

// FinishAuth handles POST /webauthn/finish_auth. It accepts the login form
// as well as JSON, and requires the anonymous CSRF token of the login page.
func (a *API) FinishAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, err := readAuthenticationResponse(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := a.csrf.Verify(ctx, r, anonymous, csrf.Submitted(r)); err != nil {
		writeError(w, r, err)
		return
	}

	u, err := a.passkeys.FinishAuthentication(ctx, resp.ID, resp.Credential, resp.Username)
	if err != nil {
		if errors.Is(err, serviceerr.ErrAuthenticationFailed) {
			a.sessions.AuditLoginFailure(ctx, resp.Username, "passkey rejected")
		}
		writeError(w, r, err)
		return
	}

	if _, err := a.sessions.Login(ctx, w, u); err != nil {
		writeError(w, r, err)
		return
	}
	a.users.RecordLogin(ctx, u.ID)

	location := a.sessions.TakeRedirect(w, r)
	slogctx.Debug(ctx, "Passkey login complete", "user_id", u.ID, "to", location)
	redirect(w, r, location)
}

func readAuthenticationResponse(r *http.Request) (authenticationResponse, error) {
	var resp authenticationResponse

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := decodeJSON(r, &resp); err != nil {
			return authenticationResponse{}, err
		}
	} else {
		r.Body = http.MaxBytesReader(nil, r.Body, maxCeremonyBody)
		resp = authenticationResponse{
			ID:         r.PostFormValue("id"),
			Credential: json.RawMessage(r.PostFormValue("credential")),
			Username:   r.PostFormValue("username"),
		}
	}

	if resp.ID == "" || len(resp.Credential) == 0 {
		return authenticationResponse{}, newBadRequest("missing ceremony id or credential")
	}

	return resp, nil
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCeremonyBody+1))
	if err != nil {
		return newBadRequest("unreadable body")
	}
	if len(body) > maxCeremonyBody {
		return newBadRequest("body too large")
	}
	if len(body) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, v); err != nil {
		return newBadRequest("malformed JSON body")
	}

	return nil
}
