package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cs-workflows/backend/internal/config"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DevEmail is the identity used when authentication is bypassed in DEV.
const DevEmail = "dev@localhost"

var (
	errNoCredentials = errors.New("no credentials")
	errBadEmail      = errors.New("token has no usable email")
	errUnverified    = errors.New("email is not verified")
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// CompanyStore resolves and provisions the company behind a user's email
// domain.
type CompanyStore interface {
	GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error)
	SaveCompany(ctx context.Context, c *models.Company) error
}

// Auth authenticates browser sessions and API bearer tokens against the
// configured OIDC issuer and maps every caller onto a company.
type Auth struct {
	oauth2Config *oauth2.Config
	// verifier checks session ID tokens, apiVerifier checks bearer access
	// tokens whose audience is the API rather than the client.
	verifier    *oidc.IDTokenVerifier
	apiVerifier *oidc.IDTokenVerifier
	companies   CompanyStore
	logger      Logger
	secure      bool
	bypass      bool
}

// New discovers the issuer and prepares the verifiers. In DEV with
// dev_mode_bypass set no issuer is contacted and every request runs as
// DevEmail.
func New(ctx context.Context, cfg *config.Config, companies CompanyStore, logger Logger) (*Auth, error) {
	a := &Auth{
		companies: companies,
		logger:    logger,
		secure:    !cfg.IsDev(),
		bypass:    cfg.IsDev() && cfg.DevModeBypass,
	}
	if a.bypass {
		return a, nil
	}

	ac := cfg.Auth
	for _, v := range []string{ac.OktaDomain, ac.ClientID, ac.ClientSecret, ac.RedirectURL} {
		if v == "" {
			return nil, errors.New("auth configuration is incomplete")
		}
	}

	provider, err := oidc.NewProvider(ctx, ac.OktaDomain)
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", ac.OktaDomain, err)
	}
	a.oauth2Config = &oauth2.Config{
		ClientID:     ac.ClientID,
		ClientSecret: ac.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  ac.RedirectURL,
		Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: ac.ClientID})
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// RequireAuth resolves the caller of every request to an Identity.
// Requests without credentials are sent to /login. Failures are answered
// with problem+json.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := a.callerEmail(r)
		switch {
		case errors.Is(err, errNoCredentials):
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		case errors.Is(err, errUnverified):
			deny(w, r, http.StatusForbidden, err.Error())
			return
		case err != nil:
			deny(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		domain, ok := emailDomain(email)
		if !ok {
			deny(w, r, http.StatusUnauthorized, errBadEmail.Error())
			return
		}

		company, err := a.resolveCompany(r.Context(), domain)
		if err != nil {
			a.logError("company lookup failed", "domain", domain, "error", err)
			deny(w, r, http.StatusInternalServerError, "company lookup failed")
			return
		}

		ctx := WithIdentity(r.Context(), Identity{CompanyID: company.ID, Actor: email})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerEmail verifies whichever credential r carries. A bearer header
// wins over the session cookie.
func (a *Auth) callerEmail(r *http.Request) (string, error) {
	if a.bypass {
		return DevEmail, nil
	}

	raw, verifier := "", a.verifier
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		raw, verifier = strings.TrimSpace(bearer), a.apiVerifier
	} else if c, err := r.Cookie(sessionCookie); err == nil {
		raw = c.Value
	}
	if raw == "" {
		return "", errNoCredentials
	}
	return verifiedEmail(r.Context(), verifier, raw)
}

func verifiedEmail(ctx context.Context, v *oidc.IDTokenVerifier, raw string) (string, error) {
	token, err := v.Verify(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("invalid token claims: %w", err)
	}
	// Tenancy follows the email domain, so an explicitly unverified address
	// cannot be trusted. Issuers that omit the claim are accepted.
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return "", errUnverified
	}
	return claims.Email, nil
}

// resolveCompany looks up the company of domain and creates it on first
// sight. Only a missing company is provisioned; lookup failures are
// returned as is.
func (a *Auth) resolveCompany(ctx context.Context, domain string) (*models.Company, error) {
	company, err := a.companies.GetCompanyByDomain(ctx, domain)
	if !errors.Is(err, repository.ErrNotFound) {
		return company, err
	}
	company = &models.Company{ID: uuid.NewString(), Name: domain, Domain: domain}
	if err := a.companies.SaveCompany(ctx, company); err != nil {
		return nil, fmt.Errorf("provision %s: %w", domain, err)
	}
	a.logInfo("company provisioned", "company_id", company.ID, "domain", domain)
	return company, nil
}

func (a *Auth) logInfo(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Info(msg, args...)
	}
}

func (a *Auth) logError(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Error(msg, args...)
	}
}

func deny(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

func emailDomain(email string) (string, bool) {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", false
	}
	return strings.ToLower(domain), true
}
