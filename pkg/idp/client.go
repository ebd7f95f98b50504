package idp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"code.sanakey.org/golang/internal/observability"
)

const maxResponseSize = 1 << 20 // responses past 1MiB are truncated

// ClientConfig parametrizes the identity provider HTTP client.
type ClientConfig struct {
	// DiscoveryURL locates the signed discovery document.
	DiscoveryURL string

	// ClientId & RedirectURI identify this relying party.
	ClientId    string
	RedirectURI string

	// UserAgent is sent on every request when not empty.
	UserAgent string

	// HTTPClient is cloned so that redirect handling can be adjusted.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Check returns an error if the ClientConfig is invalid.
func (self ClientConfig) Check() error {
	err := checkUrl(self.DiscoveryURL)
	if nil != err {
		return err
	}
	if "" == self.ClientId {
		return newError("missing ClientId")
	}
	return checkUrl(self.RedirectURI)
}

// Client issues the identity provider HTTP requests.
//
// Authorization responses arrive as 302 redirects whose Location query holds
// the result, so the Client never follows redirects itself.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	err := cfg.Check()
	if nil != err {
		return nil, err
	}

	base := cfg.HTTPClient
	if nil == base {
		base = http.DefaultClient
	}
	hc := &http.Client{
		Transport: &observability.Transport{Next: base.Transport},
		Timeout:   base.Timeout,
		Jar:       base.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Client{cfg: cfg, http: hc}, nil
}

// FetchDiscovery retrieves the raw signed discovery document.
func (self *Client) FetchDiscovery(ctx context.Context) (string, error) {
	body, _, err := self.get(ctx, self.cfg.DiscoveryURL, nil)
	if nil != err {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// FetchJWK retrieves a published key.
func (self *Client) FetchJWK(ctx context.Context, uri string) (jwk, error) {
	var key jwk
	body, _, err := self.get(ctx, uri, nil)
	if nil != err {
		return key, err
	}
	err = json.Unmarshal(body, &key)
	return key, wrapError(err, "failed key decoding")
}

// FetchChallenge requests a signable challenge from the authorization
// endpoint. The returned challenge is a compact signed envelope that echoes
// state and nonce in its claims.
func (self *Client) FetchChallenge(ctx context.Context, cfg *Configuration, state, nonce, codeChallenge string, scope TokenScope) (string, error) {
	query := url.Values{
		"client_id":             {self.cfg.ClientId},
		"response_type":         {"code"},
		"redirect_uri":          {self.cfg.RedirectURI},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
		"scope":                 {string(scope)},
		"nonce":                 {nonce},
	}

	body, _, err := self.get(ctx, cfg.AuthorizationEndpoint, query)
	if nil != err {
		return "", err
	}

	var answer struct {
		Challenge string `json:"challenge"`
	}
	err = json.Unmarshal(body, &answer)
	if nil != err {
		return "", wrapError(err, "failed challenge decoding")
	}
	if "" == answer.Challenge {
		return "", newError("empty challenge")
	}

	return answer.Challenge, nil
}

// PostSignedChallenge submits the encrypted signed challenge and returns the
// authorization outcome parsed from the redirect Location.
func (self *Client) PostSignedChallenge(ctx context.Context, cfg *Configuration, signedChallenge string) (authzResult, error) {
	form := url.Values{"signed_challenge": {signedChallenge}}
	return self.postAuthz(ctx, cfg.AuthorizationEndpoint, form)
}

// PostAltAuth submits the sealed secure element authentication data.
func (self *Client) PostAltAuth(ctx context.Context, cfg *Configuration, authData string) (authzResult, error) {
	endpoint := cfg.AltAuthEndpoint
	if "" == endpoint {
		endpoint = cfg.AuthorizationEndpoint
	}
	form := url.Values{"encrypted_signed_authentication_data": {authData}}
	return self.postAuthz(ctx, endpoint, form)
}

// PostSsoChallenge submits a stored single sign on token together with the
// unsigned challenge it refreshes.
func (self *Client) PostSsoChallenge(ctx context.Context, cfg *Configuration, ssoToken, challenge string) (authzResult, error) {
	form := url.Values{
		"ssotoken":           {ssoToken},
		"unsigned_challenge": {challenge},
	}
	return self.postAuthz(ctx, cfg.SsoEndpoint, form)
}

// ExchangeToken redeems the authorization code at the token endpoint.
func (self *Client) ExchangeToken(ctx context.Context, cfg *Configuration, code, keyVerifier string) (tokenResponse, error) {
	var rv tokenResponse

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"key_verifier": {keyVerifier},
		"client_id":    {self.cfg.ClientId},
		"redirect_uri": {self.cfg.RedirectURI},
	}
	body, _, err := self.postForm(ctx, cfg.TokenEndpoint, form, "")
	if nil != err {
		return rv, err
	}

	err = json.Unmarshal(body, &rv)
	if nil != err {
		return rv, wrapError(err, "failed token response decoding")
	}
	if "" == rv.IdToken || "" == rv.AccessToken {
		return rv, newError("incomplete token response")
	}

	return rv, nil
}

// RegisterDevice uploads the encrypted secure element registration.
func (self *Client) RegisterDevice(ctx context.Context, cfg *Configuration, accessToken, registration string) error {
	form := url.Values{"encrypted_registration_data": {registration}}
	_, _, err := self.postForm(ctx, cfg.PairingEndpoint, form, accessToken)
	return err
}

// ListDevices retrieves the registered device list of the account.
func (self *Client) ListDevices(ctx context.Context, cfg *Configuration, accessToken string) ([]byte, error) {
	body, _, err := self.request(ctx, http.MethodGet, cfg.PairingEndpoint, nil, "", accessToken)
	return body, err
}

// DeleteDevice removes one registered device by its key alias.
func (self *Client) DeleteDevice(ctx context.Context, cfg *Configuration, accessToken, alias string) error {
	target := strings.TrimSuffix(cfg.PairingEndpoint, "/") + "/" + url.PathEscape(alias)
	_, _, err := self.request(ctx, http.MethodDelete, target, nil, "", accessToken)
	return err
}

// ExternalAuthenticators retrieves the published insurer authenticator list.
func (self *Client) ExternalAuthenticators(ctx context.Context, cfg *Configuration) ([]byte, error) {
	if "" == cfg.AppListURI {
		return nil, newError("federation publishes no authenticator list")
	}
	body, _, err := self.get(ctx, cfg.AppListURI, nil)
	return body, err
}

// FetchExtAuthRedirect asks the federation endpoint where to send the user
// for the selected external authenticator and returns the redirect target.
func (self *Client) FetchExtAuthRedirect(ctx context.Context, cfg *Configuration, authorityId, state, nonce, codeChallenge string, scope TokenScope) (string, error) {
	if "" == cfg.FedAuthEndpoint {
		return "", newError("federation publishes no external authorization endpoint")
	}

	query := url.Values{
		"kk_app_id":             {authorityId},
		"client_id":             {self.cfg.ClientId},
		"response_type":         {"code"},
		"redirect_uri":          {self.cfg.RedirectURI},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
		"scope":                 {string(scope)},
		"nonce":                 {nonce},
	}

	target := cfg.FedAuthEndpoint + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if nil != err {
		return "", wrapError(err, "failed request building")
	}
	resp, err := self.do(req)
	if nil != err {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	location := resp.Header.Get("Location")
	if http.StatusFound != resp.StatusCode || "" == location {
		return "", wrapError(Error, "endpoint did not redirect, status %d", resp.StatusCode)
	}

	return location, nil
}

// authzResult is the outcome of an authorization endpoint redirect.
type authzResult struct {
	Code     string
	SsoToken string
	State    string
}

// postAuthz posts form and parses the redirect Location of the answer.
func (self *Client) postAuthz(ctx context.Context, endpoint string, form url.Values) (authzResult, error) {
	var rv authzResult

	_, resp, err := self.postForm(ctx, endpoint, form, "")
	if nil != err {
		return rv, err
	}

	location := resp.Header.Get("Location")
	if "" == location {
		return rv, newError("authorization answer carries no redirect")
	}
	u, err := url.Parse(location)
	if nil != err {
		return rv, wrapError(err, "invalid redirect location")
	}

	query := u.Query()
	rv.Code = query.Get("code")
	rv.SsoToken = query.Get("ssotoken")
	rv.State = query.Get("state")
	if "" == rv.Code {
		return rv, newError("redirect carries no authorization code")
	}

	return rv, nil
}

func (self *Client) get(ctx context.Context, target string, query url.Values) ([]byte, *http.Response, error) {
	if nil != query {
		target = target + "?" + query.Encode()
	}
	return self.request(ctx, http.MethodGet, target, nil, "", "")
}

func (self *Client) postForm(ctx context.Context, target string, form url.Values, accessToken string) ([]byte, *http.Response, error) {
	body := strings.NewReader(form.Encode())
	return self.request(ctx, http.MethodPost, target, body, "application/x-www-form-urlencoded", accessToken)
}

// request issues one HTTP request and returns the body of a success answer.
// Redirect statuses count as success, their Location is for the caller.
// Anything >= 400 becomes a StatusError holding the body.
func (self *Client) request(ctx context.Context, method, target string, body io.Reader, contentType, accessToken string) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if nil != err {
		return nil, nil, wrapError(err, "failed request building")
	}
	if "" != contentType {
		req.Header.Set("Content-Type", contentType)
	}
	if "" != accessToken {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := self.do(req)
	if nil != err {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if nil != err {
		return nil, resp, wrapError(err, "failed response reading")
	}

	if resp.StatusCode >= 400 {
		return nil, resp, wrapError(
			StatusError{Code: resp.StatusCode, Body: string(data)},
			"request to %s rejected", req.URL.Path,
		)
	}

	return data, resp, nil
}

func (self *Client) do(req *http.Request) (*http.Response, error) {
	if "" != self.cfg.UserAgent {
		req.Header.Set("User-Agent", self.cfg.UserAgent)
	}
	req.Header.Set("Accept", "*/*")

	resp, err := self.http.Do(req)
	return resp, wrapError(err, "request to %s failed", req.URL.Host)
}
