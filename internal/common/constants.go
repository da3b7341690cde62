// Package common holds small constants shared across the risk engine: environment
// variable keys, configuration defaults, and validation bounds.
package common

// Environment variable keys
const (
	EnvConfigPath    = "RISKGUARD_CONFIG"
	EnvSdkAPIKey     = "TOPSTEPX_API_KEY"
	EnvSdkSecret     = "TOPSTEPX_API_SECRET"
	EnvSdkBaseURL    = "TOPSTEPX_BASE_URL"
	EnvSdkWsURL      = "TOPSTEPX_WS_URL"
	EnvDataPath      = "DATA_PATH"
	EnvResetTime     = "RESET_TIME"
	EnvResetTZ       = "RESET_TZ"
	EnvMetricsPort   = "METRICS_PORT"
	EnvDashboardPort = "DASHBOARD_PORT"
	EnvLogLevel      = "LOG_LEVEL"
	EnvRESTTimeout   = "REST_TIMEOUT"
	EnvPingInterval  = "PING_INTERVAL"
)

// Configuration defaults
const (
	DefaultResetTime          = "17:00"
	DefaultResetTZ            = "America/New_York"
	DefaultMetricsPort        = 8080
	DefaultDashboardPort      = 8090
	DefaultRESTTimeout        = "5s"
	DefaultPingInterval       = "15s"
	DefaultOrderTimeout       = "10s"
	DefaultOrderRetryInterval = "1s"
	DefaultMaxOrderRetries    = 3
	DefaultLogLevel           = "info"
)

// Common error messages
const (
	ErrMsgAPICredentialsRequired = "TopstepX API key and secret are required"
	ErrMsgBaseURLRequired        = "sdk baseURL is required"
	ErrMsgWsURLRequired          = "sdk wsURL is required"
	ErrMsgResetTimeRequired      = "reset_time is required (HH:MM)"
	ErrMsgResetTZInvalid         = "reset_tz must name a valid IANA timezone"
	ErrMsgUnknownRuleInOrder     = "rule_order references an unknown rule id"
	ErrMsgNonMonotonicTiers      = "cooldown tiers must be sorted ascending by loss magnitude"
)

// Validation bounds
const (
	MinMetricsPort = 1024
	MaxMetricsPort = 65535
)
