package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var weiPerEth = decimal.New(1, 18)

// Execution holds the knobs for spreading one logical trade across wallets.
type Execution struct {
	SyncConcurrency  int
	WaveSize         int
	MaxStaggerDelay  time.Duration
	DripDuration     time.Duration
	JiggleFactor     float64
	GasReserveWei    *big.Int
	DustThresholdRaw *big.Int
}

// Policy holds the approval-gate bounds. ETH-denominated bounds are parsed
// from decimal strings once at startup and carried as wei.
type Policy struct {
	MinPerWalletFundingWei *big.Int
	MaxTradeTotalWei       *big.Int
	MaxPerWalletTradeWei   *big.Int
	MaxSlippageBps         int
	AllowedCoins           []string // empty = allowlist disabled
	RequireWatchlist       bool
	WatchlistName          string
	CooldownPeriod         time.Duration
	AutoApproveRequesters  []string
	AutoApproveTypes       []string
	MaxAutoTradeWei        *big.Int
}

// Autonomy holds the control-loop tuning.
type Autonomy struct {
	TickInterval           time.Duration
	StaleTimeout           time.Duration
	SignalSource           string // momentum | watchlist
	MinMomentum            float64
	PumpAccelThreshold     float64
	DipDecelThreshold      float64
	OwnActivityWindow      time.Duration
	OwnActivityMinDiscount float64
	MaxApprovalsPerTick    int
	SupportAmountWei       *big.Int
	DefaultSlippageBps     int
}

// Config holds all configuration for fleetd
type Config struct {
	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string

	// Redis configuration (optional; empty disables the budget cache)
	RedisURL string

	// External collaborators
	BundlerURL  string
	BalancesURL string
	SignalsURL  string

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsPort string

	Execution Execution
	Policy    Policy
	Autonomy  Autonomy
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBUser:      getEnv("DB_USER", ""),
		DBPassword:  getEnv("DB_PASSWORD", ""),
		DBName:      getEnv("DB_NAME", ""),
		DBPort:      getEnv("DB_PORT", "5432"),
		RedisURL:    getEnv("REDIS_URL", ""),
		BundlerURL:  getEnv("BUNDLER_URL", ""),
		BalancesURL: getEnv("BALANCES_URL", ""),
		SignalsURL:  getEnv("SIGNALS_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsPort: getEnv("METRICS_PORT", "9100"),
	}

	var err error
	if cfg.Execution, err = loadExecution(); err != nil {
		return cfg, err
	}
	if cfg.Policy, err = loadPolicy(); err != nil {
		return cfg, err
	}
	if cfg.Autonomy, err = loadAutonomy(); err != nil {
		return cfg, err
	}

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadExecution() (Execution, error) {
	var (
		exec Execution
		err  error
	)
	if exec.SyncConcurrency, err = parseIntEnv("EXEC_SYNC_CONCURRENCY", 6); err != nil {
		return exec, fmt.Errorf("invalid EXEC_SYNC_CONCURRENCY: %w", err)
	}
	if exec.WaveSize, err = parseIntEnv("EXEC_WAVE_SIZE", 3); err != nil {
		return exec, fmt.Errorf("invalid EXEC_WAVE_SIZE: %w", err)
	}
	maxDelayMs, err := parseIntEnv("EXEC_MAX_STAGGER_DELAY_MS", 4000)
	if err != nil {
		return exec, fmt.Errorf("invalid EXEC_MAX_STAGGER_DELAY_MS: %w", err)
	}
	exec.MaxStaggerDelay = time.Duration(maxDelayMs) * time.Millisecond
	if exec.DripDuration, err = parseSecondsEnv("EXEC_DRIP_DURATION_SECONDS", 600); err != nil {
		return exec, fmt.Errorf("invalid EXEC_DRIP_DURATION_SECONDS: %w", err)
	}
	if exec.JiggleFactor, err = parseFloatEnv("EXEC_JIGGLE_FACTOR", 0.25); err != nil {
		return exec, fmt.Errorf("invalid EXEC_JIGGLE_FACTOR: %w", err)
	}
	if exec.GasReserveWei, err = parseEthEnv("EXEC_GAS_RESERVE_ETH", "0.002"); err != nil {
		return exec, fmt.Errorf("invalid EXEC_GAS_RESERVE_ETH: %w", err)
	}
	dust, err := parseIntEnv("EXEC_DUST_THRESHOLD_RAW", 1000)
	if err != nil {
		return exec, fmt.Errorf("invalid EXEC_DUST_THRESHOLD_RAW: %w", err)
	}
	exec.DustThresholdRaw = big.NewInt(int64(dust))
	return exec, nil
}

func loadPolicy() (Policy, error) {
	var (
		pol Policy
		err error
	)
	if pol.MinPerWalletFundingWei, err = parseEthEnv("POLICY_FUNDING_MIN_PER_WALLET_ETH", "0.01"); err != nil {
		return pol, fmt.Errorf("invalid POLICY_FUNDING_MIN_PER_WALLET_ETH: %w", err)
	}
	if pol.MaxTradeTotalWei, err = parseEthEnv("POLICY_MAX_TRADE_TOTAL_ETH", "5"); err != nil {
		return pol, fmt.Errorf("invalid POLICY_MAX_TRADE_TOTAL_ETH: %w", err)
	}
	if pol.MaxPerWalletTradeWei, err = parseEthEnv("POLICY_MAX_PER_WALLET_ETH", "1"); err != nil {
		return pol, fmt.Errorf("invalid POLICY_MAX_PER_WALLET_ETH: %w", err)
	}
	if pol.MaxSlippageBps, err = parseIntEnv("POLICY_MAX_SLIPPAGE_BPS", 1000); err != nil {
		return pol, fmt.Errorf("invalid POLICY_MAX_SLIPPAGE_BPS: %w", err)
	}
	pol.AllowedCoins = parseListEnv("POLICY_ALLOWED_COINS")
	pol.RequireWatchlist = parseBoolEnv("POLICY_REQUIRE_WATCHLIST", false)
	pol.WatchlistName = getEnv("POLICY_WATCHLIST", "fleet")
	if pol.CooldownPeriod, err = parseSecondsEnv("POLICY_COOLDOWN_SECONDS", 120); err != nil {
		return pol, fmt.Errorf("invalid POLICY_COOLDOWN_SECONDS: %w", err)
	}
	pol.AutoApproveRequesters = parseListEnv("POLICY_AUTO_APPROVE_REQUESTERS")
	if len(pol.AutoApproveRequesters) == 0 {
		pol.AutoApproveRequesters = []string{"autonomy"}
	}
	pol.AutoApproveTypes = parseListEnv("POLICY_AUTO_APPROVE_TYPES")
	if len(pol.AutoApproveTypes) == 0 {
		pol.AutoApproveTypes = []string{"SUPPORT_COIN", "EXIT_COIN"}
	}
	if pol.MaxAutoTradeWei, err = parseEthEnv("POLICY_MAX_AUTO_TRADE_ETH", "2"); err != nil {
		return pol, fmt.Errorf("invalid POLICY_MAX_AUTO_TRADE_ETH: %w", err)
	}
	return pol, nil
}

func loadAutonomy() (Autonomy, error) {
	var (
		aut Autonomy
		err error
	)
	if aut.TickInterval, err = parseSecondsEnv("AUTONOMY_TICK_SECONDS", 60); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_TICK_SECONDS: %w", err)
	}
	if aut.StaleTimeout, err = parseSecondsEnv("AUTONOMY_STALE_TIMEOUT_SECONDS", 300); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_STALE_TIMEOUT_SECONDS: %w", err)
	}
	aut.SignalSource = getEnv("AUTONOMY_SIGNAL_SOURCE", "momentum")
	if aut.MinMomentum, err = parseFloatEnv("AUTONOMY_MIN_MOMENTUM", 0.5); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_MIN_MOMENTUM: %w", err)
	}
	if aut.PumpAccelThreshold, err = parseFloatEnv("AUTONOMY_PUMP_ACCEL_THRESHOLD", 2.0); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_PUMP_ACCEL_THRESHOLD: %w", err)
	}
	if aut.DipDecelThreshold, err = parseFloatEnv("AUTONOMY_DIP_DECEL_THRESHOLD", -1.5); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_DIP_DECEL_THRESHOLD: %w", err)
	}
	if aut.OwnActivityWindow, err = parseSecondsEnv("AUTONOMY_OWN_ACTIVITY_WINDOW_SECONDS", 3600); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_OWN_ACTIVITY_WINDOW_SECONDS: %w", err)
	}
	if aut.OwnActivityMinDiscount, err = parseFloatEnv("AUTONOMY_OWN_ACTIVITY_MIN_DISCOUNT", 0.3); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_OWN_ACTIVITY_MIN_DISCOUNT: %w", err)
	}
	if aut.MaxApprovalsPerTick, err = parseIntEnv("AUTONOMY_MAX_APPROVALS_PER_TICK", 10); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_MAX_APPROVALS_PER_TICK: %w", err)
	}
	if aut.SupportAmountWei, err = parseEthEnv("AUTONOMY_SUPPORT_AMOUNT_ETH", "0.5"); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_SUPPORT_AMOUNT_ETH: %w", err)
	}
	if aut.DefaultSlippageBps, err = parseIntEnv("AUTONOMY_DEFAULT_SLIPPAGE_BPS", 300); err != nil {
		return aut, fmt.Errorf("invalid AUTONOMY_DEFAULT_SLIPPAGE_BPS: %w", err)
	}
	return aut, nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if c.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if c.BundlerURL == "" {
		return fmt.Errorf("BUNDLER_URL environment variable is required")
	}

	if c.BalancesURL == "" {
		return fmt.Errorf("BALANCES_URL environment variable is required")
	}

	if c.SignalsURL == "" {
		return fmt.Errorf("SIGNALS_URL environment variable is required")
	}

	if c.Execution.SyncConcurrency < 1 {
		return fmt.Errorf("EXEC_SYNC_CONCURRENCY must be at least 1")
	}

	if c.Execution.JiggleFactor < 0 || c.Execution.JiggleFactor >= 1 {
		return fmt.Errorf("EXEC_JIGGLE_FACTOR must be in [0, 1)")
	}

	if c.Policy.MaxSlippageBps < 1 {
		return fmt.Errorf("POLICY_MAX_SLIPPAGE_BPS must be at least 1")
	}

	if c.Autonomy.SignalSource != "momentum" && c.Autonomy.SignalSource != "watchlist" {
		return fmt.Errorf("invalid AUTONOMY_SIGNAL_SOURCE: %s (must be momentum or watchlist)", c.Autonomy.SignalSource)
	}

	if c.Autonomy.OwnActivityMinDiscount < 0 || c.Autonomy.OwnActivityMinDiscount > 1 {
		return fmt.Errorf("AUTONOMY_OWN_ACTIVITY_MIN_DISCOUNT must be in [0, 1]")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// getEnv returns the value of an environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default
func parseIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

// parseFloatEnv parses a float environment variable with a default
func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(value, 64)
}

// parseBoolEnv parses a boolean environment variable with a default
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseSecondsEnv parses an integer number of seconds into a duration
func parseSecondsEnv(key string, defaultSeconds int) (time.Duration, error) {
	seconds, err := parseIntEnv(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// parseEthEnv parses a decimal ETH amount into wei
func parseEthEnv(key, defaultValue string) (*big.Int, error) {
	value := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("not a decimal ETH amount: %w", err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("ETH amount must not be negative: %s", value)
	}
	return d.Mul(weiPerEth).BigInt(), nil
}

// parseListEnv parses a comma-separated environment variable
func parseListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
