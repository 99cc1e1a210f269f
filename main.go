// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command ewelink-bridge exposes Sonoff/eWeLink devices on the local
// network as HomeKit accessories.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/soothill/ewelink-bridge/app"
	"github.com/soothill/ewelink-bridge/cloud"
	"github.com/soothill/ewelink-bridge/config"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
	"github.com/soothill/ewelink-bridge/pkg/logger"
	"github.com/soothill/ewelink-bridge/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	healthCheckTimeout = 5 * time.Second
	cloudTimeout       = 30 * time.Second
)

var (
	configPath  string
	metricsPort string
	envFiles    []string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ewelink-bridge",
		Short: "Bridge Sonoff/eWeLink LAN devices to HomeKit",
		Long: "Discovers eWeLink devices on the local network, decodes their state " +
			"and exposes them as HomeKit outlets.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadEnvFiles(envFiles...)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Environment files to load before the configuration")
	root.PersistentFlags().StringVar(&metricsPort, "metrics-port", "9090", "Port for Prometheus metrics endpoint")

	root.AddCommand(
		&cobra.Command{
			Use:   "validate-config",
			Short: "Validate the configuration file and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return exitCode(performConfigValidation(configPath, cmd.OutOrStdout(), cmd.ErrOrStderr()))
			},
		},
		&cobra.Command{
			Use:   "health-check",
			Short: "Check the health endpoint of a running bridge",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return exitCode(performHealthCheck("http://localhost:"+metricsPort, cmd.OutOrStdout(), cmd.ErrOrStderr()))
			},
		},
		newCloudCmd(),
		newHistoryCmd(),
	)
	return root
}

// runBridge starts the bridge and blocks until it shuts down
func runBridge() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	logger.InitializeWithFormat(cfg.Logging.Level, cfg.Logging.Format)

	logger.Info().Msg("Starting eWeLink Bridge")
	logger.Info().
		Dur("discovery_interval", cfg.Discovery.Interval).
		Dur("scan_window", cfg.Discovery.ScanWindow).
		Int("configured_devices", len(cfg.Devices)).
		Bool("history", cfg.InfluxDB.Enabled).
		Msg("Configuration loaded")

	application, err := app.New(cfg, metricsPort, configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create application")
		return err
	}

	setupDebugSignalHandlers(application)
	application.Run()
	return nil
}

// performHealthCheck queries the health and readiness endpoints of a running bridge
func performHealthCheck(baseURL string, out, errOut io.Writer) int {
	client := &http.Client{Timeout: healthCheckTimeout}
	for _, path := range []string{"/health", "/ready"} {
		resp, err := client.Get(baseURL + path)
		if err != nil {
			fmt.Fprintf(errOut, "Health check failed: %s unreachable: %v\n", path, err)
			return 1
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(errOut, "Health check failed: %s returned %d: %s\n", path, resp.StatusCode, body)
			return 1
		}
	}

	fmt.Fprintln(out, "Health check passed: bridge is healthy and ready")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(path string, out, errOut io.Writer) int {
	logger.Initialize("info")
	logger.Info().Str("path", path).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(path); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(errOut, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(errOut, "Error: %v\n\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(errOut, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(errOut, "Error: %v\n\n", err)
		return 1
	}

	fmt.Fprintln(out, "\n✅ Configuration validation PASSED")
	fmt.Fprintln(out, "\nConfiguration summary:")
	fmt.Fprintf(out, "  Log Level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  Service Type: %s\n", cfg.Discovery.ServiceType)
	fmt.Fprintf(out, "  Domain: %s\n", cfg.Discovery.Domain)
	fmt.Fprintf(out, "  Discovery Interval: %s\n", cfg.Discovery.Interval)
	fmt.Fprintf(out, "  Scan Window: %s\n", cfg.Discovery.ScanWindow)
	fmt.Fprintf(out, "  Record Expiry: %s\n", cfg.Discovery.Expiry)
	fmt.Fprintf(out, "  LAN Timeout: %s\n", cfg.LAN.Timeout)
	fmt.Fprintf(out, "  Configured Devices: %d\n", len(cfg.Devices))
	fmt.Fprintf(out, "  HomeKit Bridge: %s (port %s)\n", cfg.HomeKit.Name, portOrAuto(cfg.HomeKit.Port))
	fmt.Fprintf(out, "  Context Directory: %s\n", cfg.Storage.Directory)

	if cfg.InfluxDB.Enabled {
		fmt.Fprintf(out, "  InfluxDB: %s (org %s, bucket %s)\n", cfg.InfluxDB.URL, cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
	} else {
		fmt.Fprintln(out, "  InfluxDB: Disabled")
	}
	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Fprintln(out, "  Slack Notifications: Enabled")
	} else {
		fmt.Fprintln(out, "  Slack Notifications: Disabled")
	}

	fmt.Fprintln(out, "\nAll validation checks passed. Configuration is ready for use.")
	return 0
}

func newCloudCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "eWeLink cloud account commands",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "login",
			Short: "Log in and print the account region",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCloud(cmd, func(ctx context.Context, s *cloud.Session, creds cloud.Credentials) error {
					res, err := s.Login(ctx, creds)
					if err != nil {
						return explainCloudError(err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Logged in (region %s, api host %s)\n", res.Region, s.State().APIHost)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "devices",
			Short: "List account devices and print a devices section with their keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCloud(cmd, func(ctx context.Context, s *cloud.Session, creds cloud.Credentials) error {
					if _, err := s.Login(ctx, creds); err != nil {
						return explainCloudError(err)
					}
					devices, err := s.ListDevices(ctx, "")
					if err != nil {
						return explainCloudError(err)
					}
					return printCloudDevices(cmd.OutOrStdout(), devices)
				})
			},
		},
		&cobra.Command{
			Use:   "region <country-code>",
			Short: "Look up the region serving a country code such as +44",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadQuiet()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), cloudTimeout)
				defer cancel()
				region, err := cloudSession(cfg).ResolveRegion(ctx, args[0])
				if err != nil {
					return explainCloudError(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), region)
				return nil
			},
		},
	)
	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query recorded outlet state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "last <device-id> [outlet]",
		Short: "Print the last recorded state of an outlet",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outlet := 0
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 0 {
					return fmt.Errorf("invalid outlet %q", args[1])
				}
				outlet = n
			}

			cfg, err := loadQuiet()
			if err != nil {
				return err
			}
			if !cfg.InfluxDB.Enabled {
				return errors.New("history is disabled: set influxdb.enabled")
			}
			hw, err := storage.NewHistoryWriter(cfg.InfluxDB.URL, cfg.InfluxDB.Token, cfg.InfluxDB.Organization,
				cfg.InfluxDB.Bucket, storage.BreakerSettings{}, nil)
			if err != nil {
				return err
			}
			defer hw.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), healthCheckTimeout)
			defer cancel()
			p, err := hw.QueryLatestState(ctx, args[0], outlet)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s outlet %d: on=%t source=%s at %s\n",
				p.DeviceID, p.Outlet, p.On, p.Source, p.Timestamp.Format(time.RFC3339))
			return nil
		},
	})
	return cmd
}

// withCloud builds a session from the configuration and runs fn with its credentials
func withCloud(cmd *cobra.Command, fn func(ctx context.Context, s *cloud.Session, creds cloud.Credentials) error) error {
	cfg, err := loadQuiet()
	if err != nil {
		return err
	}
	if !cfg.HasCloudCredentials() {
		return errors.New("cloud credentials missing: set cloud.email or cloud.phone_number and cloud.password (or EWELINK_EMAIL/EWELINK_PASSWORD)")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cloudTimeout)
	defer cancel()
	return fn(ctx, cloudSession(cfg), cloud.Credentials{
		Email:       cfg.Cloud.Email,
		PhoneNumber: cfg.Cloud.PhoneNumber,
		Password:    cfg.Cloud.Password,
	})
}

func cloudSession(cfg *config.Config) *cloud.Session {
	return cloud.NewSession(cloud.Config{
		Region:    cfg.Cloud.Region,
		IMEI:      cfg.Cloud.IMEI,
		AppID:     cfg.Cloud.AppID,
		AppSecret: cfg.Cloud.AppSecret,
		Timeout:   cfg.Cloud.Timeout,
	})
}

// loadQuiet loads the configuration with logging limited to warnings
func loadQuiet() (*config.Config, error) {
	logger.Initialize("warn")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.InitializeWithFormat("warn", cfg.Logging.Format)
	return cfg, nil
}

// explainCloudError adds operator guidance to auth and region failures
func explainCloudError(err error) error {
	var apiErr *bridgeerrors.APIError
	if errors.As(err, &apiErr) && apiErr.Code == bridgeerrors.CodeRegionRedirect {
		return fmt.Errorf("%w\naccount belongs to region %q: set cloud.region to %q and retry", err, apiErr.Region, apiErr.Region)
	}
	if bridgeerrors.IsUnauthorized(err) {
		return fmt.Errorf("%w\ncredentials were rejected or the session expired: check cloud.password and log in again", err)
	}
	return err
}

type devicesSection struct {
	Devices []config.DeviceConfig `yaml:"devices"`
}

func printCloudDevices(out io.Writer, devices []cloud.Device) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE ID\tNAME\tMODEL\tUIID\tONLINE")
	section := devicesSection{Devices: make([]config.DeviceConfig, 0, len(devices))}
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", d.DeviceID, d.Name, d.ProductModel, d.UIID, d.Online)
		section.Devices = append(section.Devices, config.DeviceConfig{ID: d.DeviceID, Key: d.DeviceKey, Name: d.Name})
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n# Add to config.yaml:")
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(section); err != nil {
		return err
	}
	return enc.Close()
}

func portOrAuto(port string) string {
	if port == "" {
		return "auto"
	}
	return port
}

// exitCode turns a non-zero status into an error so cobra reports failure
func exitCode(code int) error {
	if code != 0 {
		return fmt.Errorf("exit status %d", code)
	}
	return nil
}
