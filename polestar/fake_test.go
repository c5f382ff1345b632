package polestar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testEmail     = "driver@example.com"
	testPassword  = "correct horse"
	testPathToken = "Xy12Ab"
	testCode      = "auth-code-1"
	testUID       = "uid-42"
	testVIN       = "LPSVSEDEEML000001"
	otherVIN      = "LPSVSEDEEML000002"
)

// handlerTransport serves requests from an http.Handler in-process.
type handlerTransport struct {
	handler http.Handler
	calls   atomic.Int32
}

func (t *handlerTransport) RoundTrip(ctx context.Context, r *Request) (*Response, error) {
	t.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Method: r.Method, URL: redactURL(r.URL), Err: err}
	}

	req := httptest.NewRequest(r.Method, r.URL, bytes.NewReader(r.Body)).WithContext(ctx)
	if r.Header != nil {
		req.Header = r.Header.Clone()
	}

	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, req)

	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
}

// fakePolestar scripts the identity provider, the auth API and the vehicle API.
type fakePolestar struct {
	t *testing.T

	// Login flow shape.
	pathTokenInLocation bool
	termsStep           bool
	noCookie            bool
	wrongState          bool
	providerError       string

	expiresIn     int
	omitExpiresIn bool
	refreshFails  bool
	rotateRefresh bool

	vehicles      []string
	telemetryVINs []string

	authorizeCalls  atomic.Int32
	submitCalls     atomic.Int32
	termsCalls      atomic.Int32
	tokenCalls      atomic.Int32
	refreshCalls    atomic.Int32
	vehicleCalls    atomic.Int32
	telemetryCalls  atomic.Int32
	introspectCalls atomic.Int32

	// rejectNextAPICall makes the next vehicle API call answer 401.
	rejectNextAPICall atomic.Bool

	mu         sync.Mutex
	state      string
	challenge  string
	issued     int
	access     string
	refresh    string
	accessJWTs func(n int) string
}

func newFakePolestar(t *testing.T) *fakePolestar {
	return &fakePolestar{
		t:             t,
		expiresIn:     3600,
		vehicles:      []string{testVIN, otherVIN},
		telemetryVINs: []string{testVIN, otherVIN},
	}
}

func (f *fakePolestar) config() Config {
	cfg := DefaultConfig()
	cfg.IssuerURL = "https://idp.example.test"
	cfg.APIURL = "https://api.example.test/api/"
	cfg.AuthAPIURL = "https://api.example.test/auth/"
	return cfg
}

func (f *fakePolestar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/as/authorization.oauth2":
		f.authorize(w, r)
	case r.URL.Path == "/as/"+testPathToken+"/resume/as/authorization.ping":
		f.resume(w, r)
	case r.URL.Path == "/terms":
		f.termsCalls.Add(1)
		fmt.Fprint(w, "<html><body>Accept the terms</body></html>")
	case r.URL.Path == "/as/token.oauth2":
		f.token(w, r)
	case r.URL.Path == "/auth/":
		f.authAPI(w, r)
	case r.URL.Path == "/api/":
		f.api(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakePolestar) authorize(w http.ResponseWriter, r *http.Request) {
	f.authorizeCalls.Add(1)
	q := r.URL.Query()
	require.Equal(f.t, "code", q.Get("response_type"))
	require.Equal(f.t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(f.t, q.Get("code_challenge"))
	require.NotEmpty(f.t, q.Get("state"))

	f.mu.Lock()
	f.state = q.Get("state")
	f.challenge = q.Get("code_challenge")
	f.mu.Unlock()

	if !f.noCookie {
		http.SetCookie(w, &http.Cookie{Name: "PF", Value: "login-session", Path: "/"})
	}

	if f.pathTokenInLocation {
		w.Header().Set("Location", "/idp/login?resumePath=%2Fas%2F"+testPathToken+"%2Fresume%2Fas%2Fauthorization.ping")
		w.WriteHeader(http.StatusFound)
		return
	}
	fmt.Fprint(w, loginFormHTML)
}

const loginFormHTML = `<!DOCTYPE html>
<html><body>
<form method="POST" action="/as/` + testPathToken + `/resume/as/authorization.ping">
  <input type="email" name="pf.username">
  <input type="password" name="pf.pass">
  <button type="submit">Sign in</button>
</form>
</body></html>`

func (f *fakePolestar) resume(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie("PF")
	if err != nil || cookie.Value != "login-session" {
		http.Error(w, "session expired", http.StatusBadRequest)
		return
	}
	require.NoError(f.t, r.ParseForm())

	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	if f.wrongState {
		state = "forged"
	}
	codeRedirect := "https://www.polestar.com/sign-in-callback?code=" + testCode + "&state=" + state

	if subject := r.PostForm.Get("subject"); subject != "" {
		require.Equal(f.t, testUID, subject)
		require.Equal(f.t, "true", r.PostForm.Get("pf.submit"))
		w.Header().Set("Location", codeRedirect)
		w.WriteHeader(http.StatusFound)
		return
	}

	f.submitCalls.Add(1)
	if r.PostForm.Get("pf.username") != testEmail || r.PostForm.Get("pf.pass") != testPassword {
		fmt.Fprint(w, loginFormHTML)
		return
	}
	if f.providerError != "" {
		w.Header().Set("Location", "https://www.polestar.com/sign-in-callback?error="+f.providerError)
		w.WriteHeader(http.StatusFound)
		return
	}
	if f.termsStep {
		w.Header().Set("Location", "/terms?uid="+testUID)
		w.WriteHeader(http.StatusFound)
		return
	}
	w.Header().Set("Location", codeRedirect)
	w.WriteHeader(http.StatusFound)
}

func (f *fakePolestar) token(w http.ResponseWriter, r *http.Request) {
	f.tokenCalls.Add(1)
	require.NoError(f.t, r.ParseForm())
	require.Equal(f.t, "authorization_code", r.PostForm.Get("grant_type"))
	require.Equal(f.t, testCode, r.PostForm.Get("code"))
	require.Equal(f.t, DefaultClientID, r.PostForm.Get("client_id"))
	require.Equal(f.t, DefaultRedirectURI, r.PostForm.Get("redirect_uri"))

	f.mu.Lock()
	challenge := f.challenge
	f.mu.Unlock()
	if oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
		return
	}

	access, refresh := f.issue(true)
	body := map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
	}
	if !f.omitExpiresIn {
		body["expires_in"] = f.expiresIn
	}
	writeJSON(f.t, w, body)
}

// issue mints the next token pair and makes it the only accepted one.
func (f *fakePolestar) issue(newRefresh bool) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	f.access = fmt.Sprintf("access-token-%d", f.issued)
	if f.accessJWTs != nil {
		f.access = f.accessJWTs(f.issued)
	}
	if newRefresh || f.refresh == "" {
		f.refresh = fmt.Sprintf("refresh-token-%d", f.issued)
	}
	return f.access, f.refresh
}

func (f *fakePolestar) currentAccess() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access
}

func (f *fakePolestar) authAPI(w http.ResponseWriter, r *http.Request) {
	require.Equal(f.t, http.MethodPost, r.Method)

	var op graphQLRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&op))
	require.Equal(f.t, "refreshAuthToken", op.OperationName)
	f.refreshCalls.Add(1)

	f.mu.Lock()
	wantBearer := "Bearer " + f.access
	wantRefresh := f.refresh
	f.mu.Unlock()
	require.Equal(f.t, wantBearer, r.Header.Get("Authorization"))

	if f.refreshFails || op.Variables["token"] != wantRefresh {
		writeJSON(f.t, w, map[string]any{
			"data":   nil,
			"errors": []map[string]any{{"message": "invalid refresh token"}},
		})
		return
	}

	access, refresh := f.issue(f.rotateRefresh)
	token := map[string]any{
		"access_token": access,
		"expires_in":   f.expiresIn,
		"id_token":     "id",
	}
	if f.rotateRefresh {
		token["refresh_token"] = refresh
	}
	writeJSON(f.t, w, map[string]any{"data": map[string]any{"refreshAuthToken": token}})
}

func (f *fakePolestar) api(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.currentAccess() || f.rejectNextAPICall.Swap(false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if r.Method == http.MethodPost {
		var op graphQLRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&op))
		require.Equal(f.t, "introspectToken", op.OperationName)
		f.introspectCalls.Add(1)
		active := op.Variables["token"] == f.currentAccess()
		writeJSON(f.t, w, map[string]any{"data": map[string]any{"introspectToken": map[string]any{"active": active}}})
		return
	}

	q := r.URL.Query()
	switch q.Get("operationName") {
	case "GetConsumerCarsV2":
		f.vehicleCalls.Add(1)
		cars := []map[string]any{}
		for i, vin := range f.vehicles {
			cars = append(cars, map[string]any{
				"vin":                       vin,
				"internalVehicleIdentifier": fmt.Sprintf("internal-%d", i),
				"modelYear":                 "2023",
				"content":                   map[string]any{"model": map[string]any{"code": "534", "name": "Polestar 2"}},
				"registrationNo":            fmt.Sprintf("ABC%03d", i),
			})
		}
		writeJSON(f.t, w, map[string]any{"data": map[string]any{"getConsumerCarsV2": cars}})

	case "CarTelematics":
		f.telemetryCalls.Add(1)
		require.Contains(f.t, q.Get("variables"), `"vins"`)
		battery := []map[string]any{}
		odometer := []map[string]any{}
		health := []map[string]any{}
		for i, vin := range f.telemetryVINs {
			ts := map[string]any{"iso": "2026-10-18T08:00:00Z", "unix": "1792310400"}
			battery = append(battery, map[string]any{
				"vin":                          vin,
				"batteryChargeLevelPercentage": 80 - i,
				"estimatedDistanceToEmptyKm":   320,
				"chargingStatus":               "CHARGING_STATUS_IDLE",
				"eventUpdatedTimestamp":        ts,
			})
			odometer = append(odometer, map[string]any{
				"vin":                   vin,
				"odometerMeters":        12345000 + i,
				"eventUpdatedTimestamp": ts,
			})
			health = append(health, map[string]any{
				"vin":                   vin,
				"daysToService":         200,
				"distanceToServiceKm":   15000,
				"serviceWarning":        "SERVICE_WARNING_NO_WARNING",
				"eventUpdatedTimestamp": ts,
			})
		}
		writeJSON(f.t, w, map[string]any{"data": map[string]any{"carTelematics": map[string]any{
			"battery":  battery,
			"odometer": odometer,
			"health":   health,
		}}})

	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.DebugLevel)
	return log
}

type testEnv struct {
	fake      *fakePolestar
	transport *handlerTransport
	clock     *clockwork.FakeClock
	session   *Session
}

func newTestEnv(t *testing.T, fake *fakePolestar, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		fake:      fake,
		transport: &handlerTransport{handler: fake},
		clock:     clockwork.NewFakeClockAt(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)),
	}
	base := []Option{
		WithConfig(fake.config()),
		WithTransport(env.transport),
		WithClock(env.clock),
		WithLogger(testLogger()),
	}
	s, err := NewSession(testEmail, testPassword, append(base, opts...)...)
	require.NoError(t, err)
	env.session = s
	return env
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	require.NoError(t, e.session.Login(context.Background()))
}

func (e *testEnv) calls() int32 {
	return e.transport.calls.Load()
}
