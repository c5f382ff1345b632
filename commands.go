package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/go-authgate/polestar-cli/polestar"
	"github.com/go-authgate/polestar-cli/tui"
)

// commandContext is what an action gets to work with once signed in.
type commandContext struct {
	cfg     *config
	d       tui.Displayer
	session *polestar.Session
}

// action runs one command and returns the value printed with --json.
type action func(ctx context.Context, c *commandContext) (any, error)

func newVehiclesCommand(rt environment, f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "vehicles",
		Short: "List the vehicles attached to the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, rt, f, func(ctx context.Context, c *commandContext) (any, error) {
				vehicles, err := c.session.ListVehicles(ctx)
				if err != nil {
					return nil, err
				}
				c.d.Vehicles(vehicles)
				return vehicles, nil
			})
		},
	}
}

type telemetryResult struct {
	VIN       string             `json:"vin"`
	FetchedAt time.Time          `json:"fetched_at"`
	Battery   *polestar.Battery  `json:"battery,omitempty"`
	Odometer  *polestar.Odometer `json:"odometer,omitempty"`
	Health    *polestar.Health   `json:"health,omitempty"`
}

func newTelemetryCommand(rt environment, f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "telemetry",
		Short: "Show battery, odometer and health of the selected vehicle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, rt, f, func(ctx context.Context, c *commandContext) (any, error) {
				snap, err := c.fetchTelemetry(ctx)
				if err != nil {
					return nil, err
				}

				result := &telemetryResult{VIN: snap.VIN, FetchedAt: snap.FetchedAt}

				// A vehicle may lack one of the records; show what there is.
				if result.Battery, err = c.session.Battery(ctx); err == nil {
					c.d.Battery(result.Battery)
				} else if err = c.missing(err); err != nil {
					return nil, err
				}
				if result.Odometer, err = c.session.Odometer(ctx); err == nil {
					c.d.Odometer(result.Odometer)
				} else if err = c.missing(err); err != nil {
					return nil, err
				}
				if result.Health, err = c.session.Health(ctx); err == nil {
					c.d.Health(result.Health)
				} else if err = c.missing(err); err != nil {
					return nil, err
				}

				if result.Battery == nil && result.Odometer == nil && result.Health == nil {
					return nil, &polestar.NoDataError{VIN: snap.VIN, Record: "telemetry"}
				}
				return result, nil
			})
		},
	}
}

// newRecordCommand builds the battery, odometer and health commands.
func newRecordCommand(rt environment, f *flags, record, short string) *cobra.Command {
	return &cobra.Command{
		Use:   record,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, rt, f, func(ctx context.Context, c *commandContext) (any, error) {
				if _, err := c.fetchTelemetry(ctx); err != nil {
					return nil, err
				}

				switch record {
				case "battery":
					b, err := c.session.Battery(ctx)
					if err != nil {
						return nil, err
					}
					c.d.Battery(b)
					return b, nil
				case "odometer":
					o, err := c.session.Odometer(ctx)
					if err != nil {
						return nil, err
					}
					c.d.Odometer(o)
					return o, nil
				case "health":
					h, err := c.session.Health(ctx)
					if err != nil {
						return nil, err
					}
					c.d.Health(h)
					return h, nil
				default:
					return nil, fmt.Errorf("unknown record %q", record)
				}
			})
		},
	}
}

type statusResult struct {
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

func newStatusCommand(rt environment, f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Sign in and report the session and token state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, rt, f, func(ctx context.Context, c *commandContext) (any, error) {
				active, err := c.session.IntrospectToken(ctx)
				if err != nil {
					return nil, err
				}
				tokens, _ := c.session.Tokens()
				state := c.session.State()
				c.d.SessionStatus(state, tokens.ExpiresAt, active)
				return &statusResult{State: state.String(), ExpiresAt: tokens.ExpiresAt, Active: active}, nil
			})
		},
	}
}

// runCommand resolves configuration, signs in and runs act, reporting progress
// and failures through the displayer.
func runCommand(cmd *cobra.Command, rt environment, f *flags, act action) error {
	cfg, err := resolveConfig(*f, rt.prompt, rt.stderr)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetOutput(rt.stderr)
	log.SetLevel(cfg.logLevel)

	registry := prometheus.NewRegistry()
	opts := []polestar.Option{
		polestar.WithConfig(cfg.session),
		polestar.WithLogger(log),
		polestar.WithMetrics(polestar.NewMetrics(registry)),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var result any
	err = rt.display(func(d tui.Displayer) error {
		session, err := polestar.NewSession(cfg.email, cfg.password, opts...)
		if err != nil {
			d.Fatal(err)
			return reportedError{err}
		}

		c := &commandContext{cfg: cfg, d: d, session: session}
		err = c.login(ctx)
		if err == nil {
			result, err = act(ctx, c)
		}

		if cfg.metricsFile != "" {
			if werr := prometheus.WriteToTextfile(cfg.metricsFile, registry); werr != nil {
				d.Warning("Failed to write metrics", werr)
			}
		}

		if err != nil {
			log.WithError(err).Debug("Command failed")
			d.Fatal(err)
			return reportedError{err}
		}
		d.Done()
		return nil
	})
	if err != nil {
		return err
	}

	if cfg.jsonOutput && result != nil {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if _, err := fmt.Fprintln(rt.stdout, string(data)); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}
	return nil
}

func (c *commandContext) login(ctx context.Context) error {
	c.d.LoggingIn(c.cfg.email)
	if err := c.session.Login(ctx); err != nil {
		return err
	}
	tokens, _ := c.session.Tokens()
	c.d.LoginOK(tokens.ExpiresAt)
	return nil
}

// fetchTelemetry selects the configured vehicle, loads its telemetry into the
// session cache and exports it when an export file is set.
func (c *commandContext) fetchTelemetry(ctx context.Context) (*polestar.TelemetrySnapshot, error) {
	v, err := c.session.SelectVehicle(ctx, c.cfg.vin)
	if err != nil {
		return nil, err
	}
	c.d.VehicleSelected(v)

	c.d.FetchingTelemetry(v.VIN)
	snap, err := c.session.Telemetry(ctx)
	if err != nil {
		return nil, err
	}

	if c.cfg.exportFile != "" {
		if err := exportTelemetry(ctx, c.cfg.exportFile, snap); err != nil {
			c.d.Warning("Failed to export telemetry", err)
		} else {
			c.d.Exported(c.cfg.exportFile)
		}
	}
	return snap, nil
}

// missing downgrades a missing record to a warning.
func (c *commandContext) missing(err error) error {
	if errors.Is(err, polestar.ErrNoDataForVIN) {
		c.d.Warning("Record unavailable", err)
		return nil
	}
	return err
}
