package polestar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"
)

// Login flow steps, used in LoginFlowError.Step and log fields.
const (
	StepInitiate = "initiate"
	StepSubmit   = "submit-credentials"
	StepConfirm  = "confirm-terms"
	StepExchange = "exchange-code"
)

// Form field names of the identity provider's login page.
const (
	formUsername = "pf.username"
	formPassword = "pf.pass"
	formSubject  = "subject"
	formSubmit   = "pf.submit"
)

// Credentials are the account email and password. They never leave the session.
type Credentials struct {
	Email    string
	Password string
}

// loginFlow drives one browser-less authorization code + PKCE attempt.
// It is single-use: an ambiguous failure means starting over with a new loginFlow,
// a new path token and a new cookie jar.
type loginFlow struct {
	cfg       Config
	transport Transport
	log       logrus.FieldLogger
	pkce      *PKCEMaterial
	jar       *cookiejar.Jar
}

func newLoginFlow(
	cfg Config,
	transport Transport,
	log logrus.FieldLogger,
	pkce *PKCEMaterial,
) (*loginFlow, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &loginFlow{
		cfg:       cfg,
		transport: transport,
		log:       log,
		pkce:      pkce,
		jar:       jar,
	}, nil
}

func (f *loginFlow) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: f.cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.cfg.authorizeURL(),
			TokenURL:  f.cfg.tokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: f.cfg.RedirectURI,
		Scopes:      f.cfg.Scopes,
	}
}

// authorize runs the redirect chain and returns the authorization code.
func (f *loginFlow) authorize(ctx context.Context, creds Credentials) (string, error) {
	pathToken, err := f.initiate(ctx)
	if err != nil {
		return "", err
	}
	return f.submitCredentials(ctx, pathToken, creds)
}

// initiate requests the authorization endpoint and returns the path token of the
// login session the provider created. The session cookie lands in the jar.
func (f *loginFlow) initiate(ctx context.Context) (string, error) {
	authURL := f.oauthConfig().AuthCodeURL(
		f.pkce.State,
		oauth2.SetAuthURLParam("code_challenge", f.pkce.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", f.pkce.Method),
	)

	resp, err := f.send(ctx, http.MethodGet, authURL, nil, nil)
	if err != nil {
		return "", err
	}

	// The resume identifier comes either in the redirect target or in the
	// login form's action; both shapes are in use.
	pathToken := ""
	if loc := resp.Location(authURL); loc != "" {
		pathToken = pathTokenFromURL(loc)
	}
	if pathToken == "" {
		pathToken = scanLoginPage(resp.Body, authURL).pathToken
	}
	if pathToken == "" {
		return "", &LoginFlowError{
			Step:   StepInitiate,
			Reason: fmt.Sprintf("initiation failed: no path token in response (status %d)", resp.StatusCode),
		}
	}

	if !f.hasCookies(f.cfg.resumeURL(pathToken)) {
		return "", &LoginFlowError{
			Step:   StepInitiate,
			Reason: "initiation failed: no session cookie set",
		}
	}

	f.log.WithField("step", StepInitiate).Debug("Login session initiated")
	return pathToken, nil
}

// submitCredentials posts the login form. The provider answers with a redirect
// carrying either the code directly or a uid that needs a terms acknowledgement
// before the code is issued.
func (f *loginFlow) submitCredentials(
	ctx context.Context,
	pathToken string,
	creds Credentials,
) (string, error) {
	target := f.cfg.resumeURL(pathToken) + "?client_id=" + url.QueryEscape(f.cfg.ClientID)

	form := url.Values{}
	form.Set(formUsername, creds.Email)
	form.Set(formPassword, creds.Password)

	resp, err := f.send(ctx, http.MethodPost, target, form, nil)
	if err != nil {
		return "", err
	}

	loc := resp.Location(target)
	if loc == "" {
		return "", f.rejected(StepSubmit, resp, "no Location header")
	}

	params, err := redirectParams(loc)
	if err != nil {
		return "", f.rejected(StepSubmit, resp, "malformed Location header")
	}
	if reason := params.Get("error"); reason != "" {
		return "", providerError(StepSubmit, params)
	}
	if code := params.Get("code"); code != "" {
		f.log.WithField("step", StepSubmit).Debug("Authorization code issued")
		return f.checkState(StepSubmit, params, code)
	}
	if uid := params.Get("uid"); uid != "" {
		f.log.WithField("step", StepSubmit).Debug("Terms acknowledgement required")
		return f.confirmTerms(ctx, pathToken, uid, loc)
	}

	return "", f.rejected(StepSubmit, resp, "no code or uid parameter in redirect")
}

// confirmTerms visits the terms page and resubmits on behalf of subject uid.
func (f *loginFlow) confirmTerms(
	ctx context.Context,
	pathToken, uid, termsURL string,
) (string, error) {
	if _, err := f.send(ctx, http.MethodGet, termsURL, nil, nil); err != nil {
		return "", err
	}

	target := f.cfg.resumeURL(pathToken)

	form := url.Values{}
	form.Set(formSubject, uid)
	form.Set(formSubmit, "true")

	header := http.Header{}
	header.Set("Referer", termsURL)

	resp, err := f.send(ctx, http.MethodPost, target, form, header)
	if err != nil {
		return "", err
	}

	loc := resp.Location(target)
	if loc == "" {
		return "", f.rejected(StepConfirm, resp, "no Location header")
	}

	params, err := redirectParams(loc)
	if err != nil {
		return "", f.rejected(StepConfirm, resp, "malformed Location header")
	}
	if reason := params.Get("error"); reason != "" {
		return "", providerError(StepConfirm, params)
	}

	code := params.Get("code")
	if code == "" {
		return "", f.rejected(StepConfirm, resp, "no code parameter in redirect")
	}

	f.log.WithField("step", StepConfirm).Debug("Authorization code issued")
	return f.checkState(StepConfirm, params, code)
}

// exchange redeems code at the token endpoint together with the original verifier.
func (f *loginFlow) exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClientFor(f.transport))

	token, err := f.oauthConfig().Exchange(ctx, code, oauth2.VerifierOption(f.pkce.CodeVerifier))
	if err != nil {
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return nil, transportErr
		}

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			reason := "token endpoint rejected the code"
			if retrieveErr.Response != nil {
				reason = fmt.Sprintf("token endpoint returned status %d", retrieveErr.Response.StatusCode)
			}
			if retrieveErr.ErrorCode != "" {
				reason += " (" + retrieveErr.ErrorCode + ")"
			}
			return nil, &LoginFlowError{Step: StepExchange, Reason: reason}
		}

		return nil, &LoginFlowError{Step: StepExchange, Reason: "code exchange failed", Err: err}
	}

	f.log.WithField("step", StepExchange).Debug("Authorization code exchanged")
	return token, nil
}

func (f *loginFlow) checkState(step string, params url.Values, code string) (string, error) {
	if state := params.Get("state"); state != "" && state != f.pkce.State {
		return "", &LoginFlowError{Step: step, Reason: "state mismatch in redirect"}
	}
	return code, nil
}

// rejected classifies a response without the expected redirect. A re-rendered
// login form means the provider refused the credentials.
func (f *loginFlow) rejected(step string, resp *Response, detail string) error {
	flowErr := &LoginFlowError{
		Step:   step,
		Reason: fmt.Sprintf("credential rejected or unexpected redirect: %s (status %d)", detail, resp.StatusCode),
	}
	if scanLoginPage(resp.Body, "").credentialFields {
		return &AuthenticationError{
			Reason: "identity provider rejected the email or password",
			Flow:   flowErr,
		}
	}
	return flowErr
}

func providerError(step string, params url.Values) error {
	reason := params.Get("error")
	if desc := params.Get("error_description"); desc != "" {
		reason += ": " + desc
	}
	return &AuthenticationError{
		Reason: reason,
		Flow:   &LoginFlowError{Step: step, Reason: "identity provider returned " + reason},
	}
}

// send issues one hop, replaying and collecting cookies through the jar.
func (f *loginFlow) send(
	ctx context.Context,
	method, rawURL string,
	form url.Values,
	extra http.Header,
) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid login URL: %w", err)
	}

	header := http.Header{}
	header.Set("Cache-Control", "no-cache")
	header.Set("Pragma", "no-cache")
	for k, v := range extra {
		header[k] = v
	}

	var body []byte
	if form != nil {
		body = []byte(form.Encode())
		header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if cookies := f.jar.Cookies(u); len(cookies) > 0 {
		pairs := make([]string, 0, len(cookies))
		for _, c := range cookies {
			pairs = append(pairs, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
		}
		header.Set("Cookie", strings.Join(pairs, "; "))
	}

	resp, err := f.transport.RoundTrip(ctx, &Request{
		Method: method,
		URL:    rawURL,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	if cookies := resp.Cookies(); len(cookies) > 0 {
		f.jar.SetCookies(u, cookies)
	}
	return resp, nil
}

func (f *loginFlow) hasCookies(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return len(f.jar.Cookies(u)) > 0
}

func redirectParams(loc string) (url.Values, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, err
	}
	return u.Query(), nil
}

// pathTokenFromURL extracts the resume identifier from either a resumePath
// query parameter or a /as/{token}/resume/... path.
func pathTokenFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if rp := u.Query().Get("resumePath"); rp != "" {
		if strings.Contains(rp, "/") {
			return pathTokenFromPath(rp)
		}
		return rp
	}
	return pathTokenFromPath(u.Path)
}

func pathTokenFromPath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i := 0; i+2 < len(segments); i++ {
		if segments[i] == "as" && segments[i+2] == "resume" && segments[i+1] != "" {
			return segments[i+1]
		}
	}
	return ""
}

// loginPage is what the flow needs to know about an HTML response.
type loginPage struct {
	pathToken        string
	credentialFields bool
}

// scanLoginPage parses body as HTML, returning the path token of the first form
// whose action carries one, and whether the page asks for credentials.
func scanLoginPage(body []byte, base string) loginPage {
	var page loginPage
	if len(body) == 0 {
		return page
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return page
	}

	baseURL, _ := url.Parse(base)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "form":
				if page.pathToken == "" {
					action := attr(n, "action")
					if baseURL != nil {
						if ref, err := url.Parse(action); err == nil {
							action = baseURL.ResolveReference(ref).String()
						}
					}
					page.pathToken = pathTokenFromURL(action)
				}
			case "input":
				if name := attr(n, "name"); name == formUsername || name == formPassword {
					page.credentialFields = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return page
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
