package auth

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
)

const (
	stateCookie   = "oauthstate"
	sessionCookie = "id_token"
)

// LoginHandler starts the authorization code flow. The state value is kept
// in a short-lived cookie and checked on the callback.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.bypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := randomState()
	if err != nil {
		deny(w, r, http.StatusInternalServerError, "could not start login")
		return
	}
	http.SetCookie(w, a.cookie(stateCookie, state, 600))
	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusFound)
}

// CallbackHandler completes the login. The ID token is verified and its
// caller resolved to a company before the session cookie is set, so the
// first login of a new domain provisions the company.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.bypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	q := r.URL.Query()
	state, err := r.Cookie(stateCookie)
	if err != nil || state.Value == "" || q.Get("state") != state.Value {
		deny(w, r, http.StatusBadRequest, "login state mismatch")
		return
	}
	http.SetCookie(w, a.cookie(stateCookie, "", -1))

	if msg := q.Get("error"); msg != "" {
		deny(w, r, http.StatusUnauthorized, "issuer refused login: "+msg)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		a.logError("code exchange failed", "error", err)
		deny(w, r, http.StatusBadGateway, "code exchange failed")
		return
	}
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		deny(w, r, http.StatusBadGateway, "issuer returned no id_token")
		return
	}

	email, err := verifiedEmail(r.Context(), a.verifier, raw)
	if err != nil {
		deny(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	domain, ok := emailDomain(email)
	if !ok {
		deny(w, r, http.StatusUnauthorized, errBadEmail.Error())
		return
	}
	if _, err := a.resolveCompany(r.Context(), domain); err != nil {
		a.logError("company lookup failed", "domain", domain, "error", err)
		deny(w, r, http.StatusInternalServerError, "company lookup failed")
		return
	}

	http.SetCookie(w, a.cookie(sessionCookie, raw, 0))
	a.logInfo("login", "email", email)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// LogoutHandler drops the session cookie.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, a.cookie(sessionCookie, "", -1))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// cookie builds a host-only cookie. maxAge follows http.Cookie: 0 is a
// session cookie, negative deletes it.
func (a *Auth) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
