package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-authgate/polestar-cli/polestar"
)

const (
	testEmail     = "driver@example.com"
	testPassword  = "correct horse"
	testPathToken = "Xy12Ab"
	testVIN       = "LPSVSEDEEML000001"
	otherVIN      = "LPSVSEDEEML000002"
)

// clearEnv keeps the developer's environment out of configuration tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"POLESTAR_EMAIL", "POLESTAR_PASSWORD", "POLESTAR_VIN",
		"POLESTAR_ISSUER_URL", "POLESTAR_API_URL", "POLESTAR_AUTH_API_URL",
		"POLESTAR_CACHE_TTL", "POLESTAR_EXPIRY_MARGIN",
		"EXPORT_FILE", "METRICS_FILE", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestGetConfig(t *testing.T) {
	tests := []struct {
		name      string
		flagValue string
		envValue  string
		want      string
	}{
		{name: "flag wins", flagValue: "flag", envValue: "env", want: "flag"},
		{name: "env over default", envValue: "env", want: "env"},
		{name: "default", want: "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POLESTAR_TEST_KEY", tt.envValue)
			if got := getConfig(tt.flagValue, "POLESTAR_TEST_KEY", "default"); got != tt.want {
				t.Errorf("getConfig() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		expectError bool
		errContains string
	}{
		{name: "https", url: "https://polestarid.eu.polestar.com"},
		{name: "http with port", url: "http://127.0.0.1:8080/api/"},
		{name: "empty", url: "", expectError: true, errContains: "cannot be empty"},
		{name: "wrong scheme", url: "ftp://example.com", expectError: true, errContains: "scheme must be http or https"},
		{name: "no host", url: "https://", expectError: true, errContains: "must include a host"},
		{name: "unparsable", url: "http://[::1", expectError: true, errContains: "invalid URL format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestResolveConfig(t *testing.T) {
	tests := []struct {
		name        string
		flags       flags
		env         map[string]string
		prompt      func() (string, error)
		expectError bool
		errContains string
		check       func(t *testing.T, cfg *config, warnings string)
	}{
		{
			name:  "defaults",
			flags: flags{email: testEmail, password: testPassword},
			check: func(t *testing.T, cfg *config, warnings string) {
				if cfg.session.IssuerURL != polestar.DefaultIssuerURL {
					t.Errorf("IssuerURL = %q", cfg.session.IssuerURL)
				}
				if cfg.session.CacheTTL != polestar.DefaultCacheTTL {
					t.Errorf("CacheTTL = %v", cfg.session.CacheTTL)
				}
				if cfg.session.ExpiryMargin != polestar.DefaultExpiryMargin {
					t.Errorf("ExpiryMargin = %v", cfg.session.ExpiryMargin)
				}
				if cfg.logLevel.String() != "warning" {
					t.Errorf("logLevel = %v", cfg.logLevel)
				}
				if warnings != "" {
					t.Errorf("unexpected warnings: %q", warnings)
				}
			},
		},
		{
			name:  "env values",
			flags: flags{password: testPassword},
			env: map[string]string{
				"POLESTAR_EMAIL":     testEmail,
				"POLESTAR_VIN":       testVIN,
				"POLESTAR_CACHE_TTL": "90s",
				"EXPORT_FILE":        "out.json",
				"LOG_LEVEL":          "debug",
			},
			check: func(t *testing.T, cfg *config, _ string) {
				if cfg.email != testEmail || cfg.vin != testVIN || cfg.exportFile != "out.json" {
					t.Errorf("unexpected config: %+v", cfg)
				}
				if cfg.session.CacheTTL != 90*time.Second {
					t.Errorf("CacheTTL = %v", cfg.session.CacheTTL)
				}
				if cfg.logLevel.String() != "debug" {
					t.Errorf("logLevel = %v", cfg.logLevel)
				}
			},
		},
		{
			name:  "plain http warns",
			flags: flags{email: testEmail, password: testPassword, apiURL: "http://127.0.0.1:9000/api/"},
			check: func(t *testing.T, cfg *config, warnings string) {
				if !strings.Contains(warnings, "API URL uses HTTP") {
					t.Errorf("missing HTTP warning, got %q", warnings)
				}
			},
		},
		{
			name:   "password prompted",
			flags:  flags{email: testEmail},
			prompt: func() (string, error) { return "typed", nil },
			check: func(t *testing.T, cfg *config, _ string) {
				if cfg.password != "typed" {
					t.Errorf("password = %q, want prompted value", cfg.password)
				}
			},
		},
		{
			name:  "given password skips prompt",
			flags: flags{email: testEmail, password: testPassword},
			prompt: func() (string, error) {
				return "", errors.New("prompt must not run")
			},
			check: func(t *testing.T, cfg *config, _ string) {
				if cfg.password != testPassword {
					t.Errorf("password = %q", cfg.password)
				}
			},
		},
		{
			name:        "prompt failure",
			flags:       flags{email: testEmail},
			prompt:      func() (string, error) { return "", errors.New("no tty") },
			expectError: true,
			errContains: "failed to read password",
		},
		{
			name:        "bad log level",
			flags:       flags{logLevel: "loud"},
			expectError: true,
			errContains: "invalid log level",
		},
		{
			name:        "bad issuer URL",
			flags:       flags{issuerURL: "ftp://idp"},
			expectError: true,
			errContains: "invalid issuer URL",
		},
		{
			name:        "bad cache TTL",
			flags:       flags{cacheTTL: "soon"},
			expectError: true,
			errContains: "invalid cache TTL",
		},
		{
			name:        "negative expiry margin",
			flags:       flags{expiryMargin: "-1m"},
			expectError: true,
			errContains: "must be positive",
		},
		{
			name:        "zero cache TTL",
			flags:       flags{cacheTTL: "0s"},
			expectError: true,
			errContains: "invalid cache TTL: must be positive",
		},
		{
			name:        "zero expiry margin from env",
			env:         map[string]string{"POLESTAR_EXPIRY_MARGIN": "0"},
			expectError: true,
			errContains: "invalid expiry margin: must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			var warnings bytes.Buffer
			cfg, err := resolveConfig(tt.flags, tt.prompt, &warnings)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg, warnings.String())
		})
	}
}

func testSnapshot(vin string, charge float64, fetchedAt time.Time) *polestar.TelemetrySnapshot {
	return &polestar.TelemetrySnapshot{
		VIN:       vin,
		FetchedAt: fetchedAt,
		Payload: &polestar.Telemetry{
			Battery:  []polestar.Battery{{VIN: vin, BatteryChargeLevelPercentage: charge}},
			Odometer: []polestar.Odometer{{VIN: vin, OdometerMeters: 1000}},
		},
	}
}

func TestExportTelemetry_PreservesOtherVehicles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.json")
	ctx := context.Background()
	first := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)

	if err := exportTelemetry(ctx, path, testSnapshot(testVIN, 80, first)); err != nil {
		t.Fatalf("first export failed: %v", err)
	}
	if err := exportTelemetry(ctx, path, testSnapshot(otherVIN, 55, first)); err != nil {
		t.Fatalf("second export failed: %v", err)
	}
	if err := exportTelemetry(ctx, path, testSnapshot(testVIN, 79, first.Add(time.Hour))); err != nil {
		t.Fatalf("third export failed: %v", err)
	}

	export, err := loadExport(path)
	if err != nil {
		t.Fatalf("loadExport failed: %v", err)
	}
	if len(export.Vehicles) != 2 {
		t.Fatalf("expected 2 vehicles, got %d", len(export.Vehicles))
	}

	entry := export.Vehicles[testVIN]
	if entry == nil || entry.Battery == nil {
		t.Fatalf("missing entry for %s", testVIN)
	}
	if entry.Battery.BatteryChargeLevelPercentage != 79 || !entry.FetchedAt.Equal(first.Add(time.Hour)) {
		t.Errorf("entry was not replaced: %+v", entry)
	}
	if entry.Health != nil {
		t.Errorf("missing health record should be omitted, got %+v", entry.Health)
	}
	if other := export.Vehicles[otherVIN]; other == nil || other.Battery.BatteryChargeLevelPercentage != 55 {
		t.Errorf("other vehicle lost: %+v", other)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("export file mode = %o, want 600", perm)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestExportTelemetry_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.json")

	const goroutines = 10
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := range goroutines {
		go func(id int) {
			defer wg.Done()
			vin := fmt.Sprintf("LPSVSEDEEML%06d", id)
			if err := exportTelemetry(context.Background(), path, testSnapshot(vin, float64(id), time.Now())); err != nil {
				t.Errorf("Goroutine %d: export failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	export, err := loadExport(path)
	if err != nil {
		t.Fatalf("loadExport failed: %v", err)
	}
	if len(export.Vehicles) != goroutines {
		t.Errorf("expected %d vehicles, got %d", goroutines, len(export.Vehicles))
	}
}

func TestExportTelemetry_ReplacesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := loadExport(path); err == nil {
		t.Fatal("expected parse error for corrupt file")
	}

	if err := exportTelemetry(context.Background(), path, testSnapshot(testVIN, 80, time.Now())); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	export, err := loadExport(path)
	if err != nil {
		t.Fatalf("loadExport failed: %v", err)
	}
	if export.Vehicles[testVIN] == nil {
		t.Error("entry missing after replacing corrupt file")
	}
}

// fakeService scripts the identity provider and the vehicle API on one server.
type fakeService struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	state string

	tokenCalls     atomic.Int32
	telemetryCalls atomic.Int32
}

const loginFormHTML = `<html><body>
<form method="POST" action="/as/` + testPathToken + `/resume/as/authorization.ping">
  <input type="email" name="pf.username">
  <input type="password" name="pf.pass">
</form>
</body></html>`

func newFakeService(t *testing.T) *fakeService {
	f := &fakeService{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("/as/authorization.oauth2", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.state = r.URL.Query().Get("state")
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "PF", Value: "login-session", Path: "/"})
		fmt.Fprint(w, loginFormHTML)
	})
	mux.HandleFunc("/as/"+testPathToken+"/resume/as/authorization.ping", func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("PF"); err != nil {
			http.Error(w, "session expired", http.StatusBadRequest)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("pf.username") != testEmail || r.PostForm.Get("pf.pass") != testPassword {
			fmt.Fprint(w, loginFormHTML)
			return
		}
		f.mu.Lock()
		state := f.state
		f.mu.Unlock()
		w.Header().Set("Location", "https://www.polestar.com/sign-in-callback?code=cli-code&state="+state)
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/as/token.oauth2", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "cli-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		f.writeJSON(w, map[string]any{
			"access_token":  "access-token-cli",
			"refresh_token": "refresh-token-cli",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/api/", f.api)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) api(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer access-token-cli" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if r.Method == http.MethodPost {
		f.writeJSON(w, map[string]any{"data": map[string]any{"introspectToken": map[string]any{"active": true}}})
		return
	}

	switch r.URL.Query().Get("operationName") {
	case "GetConsumerCarsV2":
		cars := []map[string]any{}
		for i, vin := range []string{testVIN, otherVIN} {
			cars = append(cars, map[string]any{
				"vin":            vin,
				"modelYear":      "2024",
				"content":        map[string]any{"model": map[string]any{"code": "534", "name": "Polestar 2"}},
				"registrationNo": fmt.Sprintf("ABC%03d", i),
			})
		}
		f.writeJSON(w, map[string]any{"data": map[string]any{"getConsumerCarsV2": cars}})

	case "CarTelematics":
		f.telemetryCalls.Add(1)
		ts := map[string]any{"iso": "2026-10-18T08:00:00Z", "unix": "1792310400"}
		f.writeJSON(w, map[string]any{"data": map[string]any{"carTelematics": map[string]any{
			"battery": []map[string]any{{
				"vin":                          testVIN,
				"batteryChargeLevelPercentage": 72,
				"estimatedDistanceToEmptyKm":   290,
				"chargingStatus":               "CHARGING_STATUS_IDLE",
				"eventUpdatedTimestamp":        ts,
			}},
			"odometer": []map[string]any{{
				"vin":                   testVIN,
				"odometerMeters":        23456000,
				"eventUpdatedTimestamp": ts,
			}},
			"health": []map[string]any{},
		}}})

	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
	}
}

func (f *fakeService) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("marshal failed: %v", err)
		return
	}
	w.Write(data)
}

func (f *fakeService) args(command string, extra ...string) []string {
	return append([]string{
		command,
		"--email", testEmail,
		"--password", testPassword,
		"--issuer-url", f.srv.URL,
		"--api-url", f.srv.URL + "/api/",
		"--auth-api-url", f.srv.URL + "/auth/",
		"--log-level", "error",
	}, extra...)
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	clearEnv(t)

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(environment{stdout: &stdout, stderr: &stderr})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCommand_Vehicles(t *testing.T) {
	f := newFakeService(t)

	stdout, stderr, err := runCLI(t, f.args("vehicles", "--json")...)
	if err != nil {
		t.Fatalf("vehicles failed: %v\n%s", err, stderr)
	}

	var vehicles []polestar.Vehicle
	if err := json.Unmarshal([]byte(stdout), &vehicles); err != nil {
		t.Fatalf("stdout is not a vehicle list: %v\n%s", err, stdout)
	}
	if len(vehicles) != 2 || vehicles[0].VIN != testVIN || vehicles[1].RegistrationNo != "ABC001" {
		t.Errorf("unexpected vehicles: %+v", vehicles)
	}
	for _, want := range []string{"Signing in to Polestar ID as " + testEmail, otherVIN} {
		if !strings.Contains(stderr, want) {
			t.Errorf("stderr missing %q:\n%s", want, stderr)
		}
	}
}

func TestCommand_BatteryExportAndMetrics(t *testing.T) {
	f := newFakeService(t)
	dir := t.TempDir()
	exportPath := filepath.Join(dir, "telemetry.json")
	metricsPath := filepath.Join(dir, "polestar.prom")

	_, stderr, err := runCLI(t, f.args("battery",
		"--export-file", exportPath,
		"--metrics-file", metricsPath,
	)...)
	if err != nil {
		t.Fatalf("battery failed: %v\n%s", err, stderr)
	}

	for _, want := range []string{"72%", "290 km", "Telemetry exported to " + exportPath} {
		if !strings.Contains(stderr, want) {
			t.Errorf("stderr missing %q:\n%s", want, stderr)
		}
	}
	if n := f.telemetryCalls.Load(); n != 1 {
		t.Errorf("expected one telemetry fetch, got %d", n)
	}

	export, err := loadExport(exportPath)
	if err != nil {
		t.Fatalf("loadExport failed: %v", err)
	}
	entry := export.Vehicles[testVIN]
	if entry == nil || entry.Odometer == nil || entry.Odometer.OdometerMeters != 23456000 {
		t.Errorf("unexpected export entry: %+v", entry)
	}

	metrics, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	for _, want := range []string{
		`polestar_auth_login_total{result="success"} 1`,
		`polestar_telemetry_cache_lookups_total{outcome="miss"} 1`,
		`polestar_telemetry_cache_lookups_total{outcome="hit"} 1`,
	} {
		if !strings.Contains(string(metrics), want) {
			t.Errorf("metrics missing %q:\n%s", want, metrics)
		}
	}
}

func TestCommand_TelemetryWarnsOnMissingRecord(t *testing.T) {
	f := newFakeService(t)

	stdout, stderr, err := runCLI(t, f.args("telemetry", "--json", "--vin", strings.ToLower(testVIN))...)
	if err != nil {
		t.Fatalf("telemetry failed: %v\n%s", err, stderr)
	}
	if !strings.Contains(stderr, "Warning: Record unavailable: no health data for VIN "+testVIN) {
		t.Errorf("missing health warning:\n%s", stderr)
	}

	var result telemetryResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("stdout is not a telemetry result: %v\n%s", err, stdout)
	}
	if result.VIN != testVIN || result.Battery == nil || result.Odometer == nil || result.Health != nil {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestCommand_Status(t *testing.T) {
	f := newFakeService(t)

	stdout, stderr, err := runCLI(t, f.args("status", "--json")...)
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, stderr)
	}

	var result statusResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("stdout is not a status result: %v\n%s", err, stdout)
	}
	if result.State != "authenticated" || !result.Active {
		t.Errorf("unexpected status: %+v", result)
	}
	if until := time.Until(result.ExpiresAt); until < 55*time.Minute || until > time.Hour {
		t.Errorf("ExpiresAt %v is not one hour minus the margin", result.ExpiresAt)
	}
}

func TestCommand_Failures(t *testing.T) {
	tests := []struct {
		name        string
		args        func(f *fakeService) []string
		errContains string
		shown       string
	}{
		{
			name: "wrong password",
			args: func(f *fakeService) []string {
				args := f.args("vehicles")
				for i, a := range args {
					if a == testPassword {
						args[i] = "wrong"
					}
				}
				return args
			},
			errContains: "authentication failed",
			shown:       "Polestar ID rejected the sign-in",
		},
		{
			name:        "unknown vin",
			args:        func(f *fakeService) []string { return f.args("odometer", "--vin", "NOPE") },
			errContains: "vehicle not found: NOPE",
			shown:       "run the vehicles command",
		},
		{
			name:        "missing record",
			args:        func(f *fakeService) []string { return f.args("health") },
			errContains: "no health data",
			shown:       "Error: no health data for VIN " + testVIN,
		},
		{
			name: "missing email",
			args: func(f *fakeService) []string {
				return []string{"vehicles", "--issuer-url", f.srv.URL, "--password", testPassword}
			},
			errContains: "invalid configuration: email",
			shown:       "Error: invalid configuration: email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeService(t)

			_, stderr, err := runCLI(t, tt.args(f)...)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var reported reportedError
			if !errors.As(err, &reported) {
				t.Errorf("error %v was not reported through the displayer", err)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
			}
			if !strings.Contains(stderr, tt.shown) {
				t.Errorf("stderr missing %q:\n%s", tt.shown, stderr)
			}
		})
	}
}

func TestCommand_ConfigErrorNotReported(t *testing.T) {
	_, _, err := runCLI(t, "vehicles", "--log-level", "loud")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var reported reportedError
	if errors.As(err, &reported) {
		t.Error("configuration errors are printed by main, not the displayer")
	}
}
