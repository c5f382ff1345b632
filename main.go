package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/go-authgate/polestar-cli/polestar"
	"github.com/go-authgate/polestar-cli/tui"
)

// flags holds raw command line values. Empty means "not given".
type flags struct {
	email        string
	password     string
	vin          string
	issuerURL    string
	apiURL       string
	authAPIURL   string
	cacheTTL     string
	expiryMargin string
	exportFile   string
	metricsFile  string
	logLevel     string
	jsonOutput   bool
}

// config is the resolved CLI configuration.
type config struct {
	email       string
	password    string
	vin         string
	session     polestar.Config
	exportFile  string
	metricsFile string
	logLevel    logrus.Level
	jsonOutput  bool
}

// environment carries the process surroundings so commands can run in tests.
type environment struct {
	stdout      io.Writer
	stderr      io.Writer
	interactive bool
	prompt      func() (string, error)
}

// reportedError marks an error already shown through a Displayer.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	rt := environment{
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		interactive: isTTY(),
		prompt:      promptPassword,
	}

	if err := newRootCommand(rt).Execute(); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand(rt environment) *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "polestar",
		Short: "Read vehicle data from the Polestar cloud API",
		Long: `polestar signs in to Polestar ID with an email and password, without a
browser, and reads the vehicles, battery, odometer and health data of the account.

Every flag can also be set through the environment or a .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.email, "email", "", "Polestar ID email (or POLESTAR_EMAIL env)")
	pf.StringVar(&f.password, "password", "", "Polestar ID password (or POLESTAR_PASSWORD env, prompted on a terminal)")
	pf.StringVar(&f.vin, "vin", "", "VIN of the vehicle to read (or POLESTAR_VIN env, default: first vehicle)")
	pf.StringVar(&f.issuerURL, "issuer-url", "", "Identity provider URL (or POLESTAR_ISSUER_URL env)")
	pf.StringVar(&f.apiURL, "api-url", "", "Vehicle GraphQL endpoint (or POLESTAR_API_URL env)")
	pf.StringVar(&f.authAPIURL, "auth-api-url", "", "Auth GraphQL endpoint (or POLESTAR_AUTH_API_URL env)")
	pf.StringVar(&f.cacheTTL, "cache-ttl", "", "How long telemetry is reused (or POLESTAR_CACHE_TTL env, default 5m)")
	pf.StringVar(&f.expiryMargin, "expiry-margin", "", "Refresh tokens this long before expiry (or POLESTAR_EXPIRY_MARGIN env, default 2m)")
	pf.StringVar(&f.exportFile, "export-file", "", "Write fetched telemetry to this JSON file (or EXPORT_FILE env)")
	pf.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit (or METRICS_FILE env)")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (or LOG_LEVEL env, default warn)")
	pf.BoolVar(&f.jsonOutput, "json", false, "Print results as JSON on stdout")

	cmd.AddCommand(
		newVehiclesCommand(rt, f),
		newTelemetryCommand(rt, f),
		newRecordCommand(rt, f, "battery", "Show battery and charging state"),
		newRecordCommand(rt, f, "odometer", "Show odometer and trip meters"),
		newRecordCommand(rt, f, "health", "Show service and fluid warnings"),
		newStatusCommand(rt, f),
	)

	return cmd
}

// resolveConfig applies the flag > env > default priority and validates the result.
func resolveConfig(f flags, prompt func() (string, error), warn io.Writer) (*config, error) {
	cfg := &config{
		email:       getConfig(f.email, "POLESTAR_EMAIL", ""),
		password:    getConfig(f.password, "POLESTAR_PASSWORD", ""),
		vin:         getConfig(f.vin, "POLESTAR_VIN", ""),
		exportFile:  getConfig(f.exportFile, "EXPORT_FILE", ""),
		metricsFile: getConfig(f.metricsFile, "METRICS_FILE", ""),
		jsonOutput:  f.jsonOutput,
		session:     polestar.DefaultConfig(),
	}

	level, err := logrus.ParseLevel(getConfig(f.logLevel, "LOG_LEVEL", "warn"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	cfg.logLevel = level

	urls := []struct {
		name   string
		target *string
		value  string
	}{
		{"issuer URL", &cfg.session.IssuerURL, getConfig(f.issuerURL, "POLESTAR_ISSUER_URL", polestar.DefaultIssuerURL)},
		{"API URL", &cfg.session.APIURL, getConfig(f.apiURL, "POLESTAR_API_URL", polestar.DefaultAPIURL)},
		{"auth API URL", &cfg.session.AuthAPIURL, getConfig(f.authAPIURL, "POLESTAR_AUTH_API_URL", polestar.DefaultAuthAPIURL)},
	}
	for _, u := range urls {
		if err := validateServerURL(u.value); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", u.name, err)
		}
		if strings.HasPrefix(strings.ToLower(u.value), "http://") {
			fmt.Fprintf(
				warn,
				"⚠️  WARNING: %s uses HTTP instead of HTTPS. Credentials and tokens will be transmitted in plaintext!\n",
				u.name,
			)
		}
		*u.target = u.value
	}

	if cfg.session.CacheTTL, err = parseDuration(f.cacheTTL, "POLESTAR_CACHE_TTL", polestar.DefaultCacheTTL); err != nil {
		return nil, fmt.Errorf("invalid cache TTL: %w", err)
	}
	if cfg.session.ExpiryMargin, err = parseDuration(f.expiryMargin, "POLESTAR_EXPIRY_MARGIN", polestar.DefaultExpiryMargin); err != nil {
		return nil, fmt.Errorf("invalid expiry margin: %w", err)
	}

	if cfg.password == "" && cfg.email != "" && prompt != nil {
		if cfg.password, err = prompt(); err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
	}

	return cfg, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDuration(flagValue, envKey string, defaultValue time.Duration) (time.Duration, error) {
	raw := getConfig(flagValue, envKey, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	// Zero would silently fall back to the library default.
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s (omit it for the default)", raw)
	}
	return d, nil
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// promptPassword reads the password without echo when stdin is a terminal.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}

	fmt.Fprint(os.Stderr, "Polestar ID password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// display runs fn against the BubbleTea displayer on a terminal and the plain
// one otherwise.
func (rt environment) display(fn func(d tui.Displayer) error) error {
	if !rt.interactive {
		d := tui.NewPlainDisplayer(rt.stderr)
		d.Banner()
		return fn(d)
	}

	// Run TUI program on stderr so stdout pipes are not corrupted
	m := tui.NewModel()
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(m, tea.WithOutput(rt.stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(rt.stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	d.Banner()
	runErr := fn(d)
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return runErr
}
