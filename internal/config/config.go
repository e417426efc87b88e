// Package config parses orchestrator configuration: flag-based with
// DRIVE_ORCH_* environment overrides that apply only when the
// corresponding flag was not explicitly set, plus a validate() pass
// performed before any adapter is opened.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the recognized orchestrator options plus the ambient
// fields the driveorchd binary needs (logging, metrics, mDNS).
type Config struct {
	CyclePeriod             time.Duration
	ExchangeTimeoutUs       int
	WKCRecoveryThreshold    int
	RecoveryTimeoutMs       int
	ReinitializationDelay   time.Duration
	DefaultSettleTimeout    time.Duration
	EnableCycleTraceLogging bool
	FaultRepeatInterval     time.Duration

	Interface   string
	LogFormat   string
	LogLevel    string
	MetricsAddr string
	MDNSEnable  bool
	MDNSName    string
}

// Parse parses flags and environment overrides, returning the validated
// Config, or (nil, showVersion, err).
func Parse(args []string) (cfg *Config, showVersion bool, err error) {
	fs := flag.NewFlagSet("driveorchd", flag.ContinueOnError)
	cyclePeriod := fs.Duration("cycle-period", 2*time.Millisecond, "I/O loop tick period")
	exchangeTimeoutUs := fs.Int("exchange-timeout-us", 100_000, "Adapter exchange timeout, microseconds")
	wkcThreshold := fs.Int("wkc-recovery-threshold", 3, "Consecutive WKC-low ticks before recover() is attempted")
	recoveryTimeoutMs := fs.Int("recovery-timeout-ms", 500, "Adapter recover() timeout, milliseconds")
	reinitDelay := fs.Duration("reinitialization-delay", 200*time.Millisecond, "Delay before re-opening the adapter after shutdown")
	settleTimeout := fs.Duration("default-settle-timeout", 10*time.Second, "Default settle timeout for motion commands without an explicit one")
	cycleTrace := fs.Bool("enable-cycle-trace-logging", false, "Log a debug line every tick (noisy; diagnostic only)")
	faultRepeat := fs.Duration("fault-repeat-interval", 5*time.Second, "Minimum interval between repeated Faulted events for the same (slave, code)")
	ifname := fs.String("interface", "eth1", "Fieldbus network interface name")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	mdnsEnable := fs.Bool("mdns-enable", false, "Enable mDNS advertisement of the diagnostics endpoint")
	mdnsName := fs.String("mdns-name", "", "mDNS instance name (default drive-orchestrator-<hostname>)")
	showVer := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	c := &Config{
		CyclePeriod:             *cyclePeriod,
		ExchangeTimeoutUs:       *exchangeTimeoutUs,
		WKCRecoveryThreshold:    *wkcThreshold,
		RecoveryTimeoutMs:       *recoveryTimeoutMs,
		ReinitializationDelay:   *reinitDelay,
		DefaultSettleTimeout:    *settleTimeout,
		EnableCycleTraceLogging: *cycleTrace,
		FaultRepeatInterval:     *faultRepeat,
		Interface:               *ifname,
		LogFormat:               *logFormat,
		LogLevel:                *logLevel,
		MetricsAddr:             *metricsAddr,
		MDNSEnable:              *mdnsEnable,
		MDNSName:                *mdnsName,
	}

	if err := applyEnvOverrides(c, setFlags); err != nil {
		return nil, *showVer, err
	}
	if err := c.validate(); err != nil {
		return nil, *showVer, err
	}
	return c, *showVer, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not open the adapter or any listener, only checks values/ranges.
func (c *Config) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	if c.CyclePeriod <= 0 {
		return fmt.Errorf("cycle-period must be > 0 (got %s)", c.CyclePeriod)
	}
	if c.ExchangeTimeoutUs <= 0 {
		return fmt.Errorf("exchange-timeout-us must be > 0 (got %d)", c.ExchangeTimeoutUs)
	}
	if c.WKCRecoveryThreshold <= 0 {
		return fmt.Errorf("wkc-recovery-threshold must be > 0 (got %d)", c.WKCRecoveryThreshold)
	}
	if c.RecoveryTimeoutMs <= 0 {
		return fmt.Errorf("recovery-timeout-ms must be > 0 (got %d)", c.RecoveryTimeoutMs)
	}
	if c.ReinitializationDelay < 0 {
		return fmt.Errorf("reinitialization-delay must be >= 0")
	}
	if c.DefaultSettleTimeout <= 0 {
		return fmt.Errorf("default-settle-timeout must be > 0")
	}
	if c.FaultRepeatInterval <= 0 {
		return fmt.Errorf("fault-repeat-interval must be > 0")
	}
	if strings.TrimSpace(c.Interface) == "" {
		return errors.New("interface must not be empty")
	}
	return nil
}

// applyEnvOverrides maps DRIVE_ORCH_* environment variables to config
// fields unless a corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	recordErr := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if _, ok := set["cycle-period"]; !ok {
		if v, ok := get("DRIVE_ORCH_CYCLE_PERIOD"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.CyclePeriod = d
			} else if err != nil {
				recordErr("DRIVE_ORCH_CYCLE_PERIOD", err)
			}
		}
	}
	if _, ok := set["exchange-timeout-us"]; !ok {
		if v, ok := get("DRIVE_ORCH_EXCHANGE_TIMEOUT_US"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.ExchangeTimeoutUs = n
			} else if err != nil {
				recordErr("DRIVE_ORCH_EXCHANGE_TIMEOUT_US", err)
			}
		}
	}
	if _, ok := set["wkc-recovery-threshold"]; !ok {
		if v, ok := get("DRIVE_ORCH_WKC_RECOVERY_THRESHOLD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.WKCRecoveryThreshold = n
			} else if err != nil {
				recordErr("DRIVE_ORCH_WKC_RECOVERY_THRESHOLD", err)
			}
		}
	}
	if _, ok := set["recovery-timeout-ms"]; !ok {
		if v, ok := get("DRIVE_ORCH_RECOVERY_TIMEOUT_MS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.RecoveryTimeoutMs = n
			} else if err != nil {
				recordErr("DRIVE_ORCH_RECOVERY_TIMEOUT_MS", err)
			}
		}
	}
	if _, ok := set["reinitialization-delay"]; !ok {
		if v, ok := get("DRIVE_ORCH_REINITIALIZATION_DELAY"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.ReinitializationDelay = d
			} else if err != nil {
				recordErr("DRIVE_ORCH_REINITIALIZATION_DELAY", err)
			}
		}
	}
	if _, ok := set["default-settle-timeout"]; !ok {
		if v, ok := get("DRIVE_ORCH_DEFAULT_SETTLE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.DefaultSettleTimeout = d
			} else if err != nil {
				recordErr("DRIVE_ORCH_DEFAULT_SETTLE_TIMEOUT", err)
			}
		}
	}
	if _, ok := set["enable-cycle-trace-logging"]; !ok {
		if v, ok := get("DRIVE_ORCH_ENABLE_CYCLE_TRACE_LOGGING"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.EnableCycleTraceLogging = true
			case "0", "false", "no", "off":
				c.EnableCycleTraceLogging = false
			}
		}
	}
	if _, ok := set["fault-repeat-interval"]; !ok {
		if v, ok := get("DRIVE_ORCH_FAULT_REPEAT_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.FaultRepeatInterval = d
			} else if err != nil {
				recordErr("DRIVE_ORCH_FAULT_REPEAT_INTERVAL", err)
			}
		}
	}
	if _, ok := set["interface"]; !ok {
		if v, ok := get("DRIVE_ORCH_INTERFACE"); ok && v != "" {
			c.Interface = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("DRIVE_ORCH_LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("DRIVE_ORCH_LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("DRIVE_ORCH_METRICS_ADDR"); ok {
			c.MetricsAddr = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("DRIVE_ORCH_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.MDNSEnable = true
			case "0", "false", "no", "off":
				c.MDNSEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("DRIVE_ORCH_MDNS_NAME"); ok && v != "" {
			c.MDNSName = v
		}
	}
	return firstErr
}
