// Package gcal inserts normalized events into Google Calendar on behalf of a
// user and lists the events already there for conflict checking.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	calendar "google.golang.org/api/calendar/v3"
)

var (
	// ErrAuthExpired means neither the access token nor the refresh token
	// can be used; the caller must re-authorize.
	ErrAuthExpired = errors.New("google authorization expired")

	// ErrTokenRejected means Google answered and refused the credential.
	// Authenticators return it, wrapped, for rejections as opposed to
	// transport failures.
	ErrTokenRejected = errors.New("token rejected")

	ErrMissingToken    = errors.New("no access token provided")
	ErrMissingTimeZone = errors.New("no time zone provided")

	errNoRefreshToken = errors.New("no refresh token")
)

const DefaultTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

// Credentials are the user's delegated OAuth tokens.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Authenticator checks an access token and mints a new one from a refresh
// token.
type Authenticator interface {
	Validate(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type tokenInfo struct {
	Scope     string `json:"scope"`
	ExpiresIn string `json:"expires_in"`
	Error     string `json:"error"`
	ErrorDesc string `json:"error_description"`
}

// GoogleAuth validates tokens against the tokeninfo endpoint and refreshes
// them through the OAuth client configured for the deployment.
type GoogleAuth struct {
	client       *resty.Client
	tokenInfoURL string
	oauth        *oauth2.Config
}

// NewGoogleAuth builds a GoogleAuth. tokenInfoURL and tokenURL may be empty
// to use Google's endpoints.
func NewGoogleAuth(clientID, clientSecret, tokenInfoURL, tokenURL string) *GoogleAuth {
	if tokenInfoURL == "" {
		tokenInfoURL = DefaultTokenInfoURL
	}
	endpoint := google.Endpoint
	if tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}
	return &GoogleAuth{
		client:       resty.New().SetTimeout(10 * time.Second),
		tokenInfoURL: tokenInfoURL,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{calendar.CalendarEventsScope},
		},
	}
}

// Validate accepts a token that Google recognizes, has time left and, when
// scopes are reported, grants calendar access.
func (a *GoogleAuth) Validate(ctx context.Context, accessToken string) error {
	var info tokenInfo
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("access_token", accessToken).
		SetResult(&info).
		SetError(&info).
		Get(a.tokenInfoURL)
	if err != nil {
		return fmt.Errorf("tokeninfo: %w", err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("tokeninfo: %s", resp.Status())
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: %s %s", ErrTokenRejected, resp.Status(), info.ErrorDesc)
	}
	if info.ExpiresIn == "0" || strings.HasPrefix(info.ExpiresIn, "-") {
		return fmt.Errorf("%w: expired", ErrTokenRejected)
	}
	if info.Scope != "" && !strings.Contains(info.Scope, "/auth/calendar") {
		return fmt.Errorf("%w: missing calendar scope", ErrTokenRejected)
	}
	return nil
}

// Refresh exchanges the refresh token for a new access token.
func (a *GoogleAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errNoRefreshToken
	}
	tok, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// rejected reports whether err is the token endpoint refusing a credential.
// Transport failures and server errors are not rejections.
func rejected(err error) bool {
	if errors.Is(err, ErrTokenRejected) || errors.Is(err, errNoRefreshToken) {
		return true
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.Response == nil || re.Response.StatusCode < http.StatusInternalServerError
	}
	return false
}
