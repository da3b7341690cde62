// Package cfg loads and validates the risk engine's configuration: SDK credentials, the
// daily reset time/timezone, per-symbol tick parameters, and the thirteen rules' own
// tunables. Configuration loads from a YAML file with environment-variable overrides for
// credentials, using the same layered load-then-validate style throughout this codebase.
package cfg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/topstepx/riskguard/internal/common"
	"github.com/topstepx/riskguard/internal/errs"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SymbolConfig carries the per-instrument tick economics RULE-004/005/012 need to convert
// price distance into dollars.
type SymbolConfig struct {
	TickSize  decimal.Decimal `yaml:"tickSize"`
	TickValue decimal.Decimal `yaml:"tickValue"`
}

// InstrumentLimit is RULE-002's per-symbol contract cap.
type InstrumentLimit struct {
	Limit int64  `yaml:"limit"`
	Mode  string `yaml:"mode"` // "reduce_to_limit" | "block"
}

// LossTier is one step of RULE-007's ascending cooldown ladder.
type LossTier struct {
	ThresholdAbs decimal.Decimal `yaml:"thresholdAbs"` // magnitude of loss, e.g. 100 for a $100 loss
	Cooldown     time.Duration   `yaml:"cooldown"`
}

type Rule001Config struct {
	Enabled      bool  `yaml:"enabled"`
	MaxContracts int64 `yaml:"maxContracts"`
}

type Rule002Config struct {
	Enabled             bool                       `yaml:"enabled"`
	PerInstrument       map[string]InstrumentLimit `yaml:"perInstrument"`
	UnknownSymbolPolicy string                     `yaml:"unknownSymbolPolicy"` // "block" | "allow" | "allow_with_limit:N"
}

type Rule004Config struct {
	Enabled bool            `yaml:"enabled"`
	Limit   decimal.Decimal `yaml:"limit"` // negative
}

type Rule005Config struct {
	Enabled bool            `yaml:"enabled"`
	Target  decimal.Decimal `yaml:"target"` // positive
}

type Rule006Config struct {
	Enabled         bool          `yaml:"enabled"`
	PerMinuteLimit  int           `yaml:"perMinuteLimit"`
	PerMinuteCool   time.Duration `yaml:"perMinuteCooldown"`
	PerHourLimit    int           `yaml:"perHourLimit"`
	PerHourCool     time.Duration `yaml:"perHourCooldown"`
	PerSessionLimit int           `yaml:"perSessionLimit"`
	PerSessionCool  time.Duration `yaml:"perSessionCooldown"`
}

type Rule007Config struct {
	Enabled bool       `yaml:"enabled"`
	Tiers   []LossTier `yaml:"tiers"` // ascending by ThresholdAbs
}

type Rule008Config struct {
	Enabled bool          `yaml:"enabled"`
	Grace   time.Duration `yaml:"grace"`
}

type Rule009Config struct {
	Enabled      bool   `yaml:"enabled"`
	SessionOpen  string `yaml:"sessionOpen"`  // "HH:MM"
	SessionClose string `yaml:"sessionClose"` // "HH:MM"
	TZ           string `yaml:"tz"`
}

type Rule010Config struct {
	Enabled bool `yaml:"enabled"`
}

type Rule011Config struct {
	Enabled        bool     `yaml:"enabled"`
	BlockedSymbols []string `yaml:"blockedSymbols"` // simple globs, e.g. "ES*"
}

type TrailingStopConfig struct {
	Enabled    bool  `yaml:"enabled"`
	TrailTicks int64 `yaml:"trailTicks"`
}

type Rule012Config struct {
	Enabled          bool               `yaml:"enabled"`
	StopTicks        int64              `yaml:"stopTicks"`
	TakeProfitTicks  int64              `yaml:"takeProfitTicks"`
	Bracket          bool               `yaml:"bracket"`
	TrailingStop     TrailingStopConfig `yaml:"trailingStop"`
}

type Rule013Config struct {
	Enabled bool            `yaml:"enabled"`
	Target  decimal.Decimal `yaml:"target"` // positive
}

type Rule003Config struct {
	Enabled bool            `yaml:"enabled"`
	Limit   decimal.Decimal `yaml:"limit"` // negative
}

// RulesConfig bundles every rule's own configuration plus the evaluation order.
type RulesConfig struct {
	Order    []string      `yaml:"order"`
	Rule001  Rule001Config `yaml:"rule001"`
	Rule002  Rule002Config `yaml:"rule002"`
	Rule003  Rule003Config `yaml:"rule003"`
	Rule004  Rule004Config `yaml:"rule004"`
	Rule005  Rule005Config `yaml:"rule005"`
	Rule006  Rule006Config `yaml:"rule006"`
	Rule007  Rule007Config `yaml:"rule007"`
	Rule008  Rule008Config `yaml:"rule008"`
	Rule009  Rule009Config `yaml:"rule009"`
	Rule010  Rule010Config `yaml:"rule010"`
	Rule011  Rule011Config `yaml:"rule011"`
	Rule012  Rule012Config `yaml:"rule012"`
	Rule013  Rule013Config `yaml:"rule013"`
}

// knownRuleIDs is the fixed universe RulesConfig.Order must be drawn from.
var knownRuleIDs = map[string]bool{
	"RULE-001": true, "RULE-002": true, "RULE-003": true, "RULE-004": true,
	"RULE-005": true, "RULE-006": true, "RULE-007": true, "RULE-008": true,
	"RULE-009": true, "RULE-010": true, "RULE-011": true, "RULE-012": true,
	"RULE-013": true,
}

// Settings is the fully validated configuration the engine runs with.
type Settings struct {
	ResetTime string
	ResetTZ   string

	SDKAPIKey  string
	SDKSecret  string
	SDKBaseURL string
	SDKWsURL   string

	DataPath      string
	MetricsPort   int
	DashboardPort int
	LogLevel      string
	RESTTimeout   time.Duration
	PingInterval  time.Duration

	Symbols map[string]SymbolConfig
	Rules   RulesConfig
}

// fileShape mirrors the on-disk YAML layout; Load flattens it into Settings.
type fileShape struct {
	Reset struct {
		Time string `yaml:"time"`
		TZ   string `yaml:"tz"`
	} `yaml:"reset"`
	SDK struct {
		BaseURL string `yaml:"baseURL"`
		WsURL   string `yaml:"wsURL"`
	} `yaml:"sdk"`
	System struct {
		DataPath      string `yaml:"dataPath"`
		MetricsPort   int    `yaml:"metricsPort"`
		DashboardPort int    `yaml:"dashboardPort"`
		LogLevel      string `yaml:"logLevel"`
		RESTTimeout   string `yaml:"restTimeout"`
		PingInterval  string `yaml:"pingInterval"`
	} `yaml:"system"`
	Symbols map[string]SymbolConfig `yaml:"symbols"`
	Rules   RulesConfig             `yaml:"rules"`
}

// Load reads the YAML file at path (or common.EnvConfigPath if path is empty), applies
// environment-variable overrides for credentials, and validates the result.
func Load(path string) (Settings, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(common.EnvConfigPath)
	}
	if path == "" {
		return Settings{}, errs.New(errs.KindConfigInvalid, "no config path given and "+common.EnvConfigPath+" unset", nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errs.New(errs.KindConfigInvalid, "reading config file "+path, err)
	}

	var fs fileShape
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return Settings{}, errs.New(errs.KindConfigInvalid, "parsing config file "+path, err)
	}

	s := Settings{
		ResetTime:     orDefault(fs.Reset.Time, common.DefaultResetTime),
		ResetTZ:       orDefault(fs.Reset.TZ, common.DefaultResetTZ),
		SDKAPIKey:     os.Getenv(common.EnvSdkAPIKey),
		SDKSecret:     os.Getenv(common.EnvSdkSecret),
		SDKBaseURL:    orDefault(os.Getenv(common.EnvSdkBaseURL), fs.SDK.BaseURL),
		SDKWsURL:      orDefault(os.Getenv(common.EnvSdkWsURL), fs.SDK.WsURL),
		DataPath:      orDefault(os.Getenv(common.EnvDataPath), fs.System.DataPath),
		MetricsPort:   intOrDefault(fs.System.MetricsPort, common.DefaultMetricsPort),
		DashboardPort: intOrDefault(fs.System.DashboardPort, common.DefaultDashboardPort),
		LogLevel:      orDefault(os.Getenv(common.EnvLogLevel), orDefault(fs.System.LogLevel, common.DefaultLogLevel)),
		RESTTimeout:   durationOrDefault(fs.System.RESTTimeout, mustParseDuration(common.DefaultRESTTimeout)),
		PingInterval:  durationOrDefault(fs.System.PingInterval, mustParseDuration(common.DefaultPingInterval)),
		Symbols:       fs.Symbols,
		Rules:         fs.Rules,
	}
	if s.Symbols == nil {
		s.Symbols = make(map[string]SymbolConfig)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate fails fast on anything that would make the engine behave unpredictably at
// runtime rather than refusing to start, per spec.md §7 (ConfigInvalid is fatal at
// startup).
func (s Settings) Validate() error {
	if s.SDKAPIKey == "" || s.SDKSecret == "" {
		return errs.New(errs.KindConfigInvalid, "sdk credentials missing", nil)
	}
	if _, err := time.LoadLocation(s.ResetTZ); err != nil {
		return errs.New(errs.KindConfigInvalid, "invalid reset tz "+s.ResetTZ, err)
	}
	if _, err := parseHHMM(s.ResetTime); err != nil {
		return errs.New(errs.KindConfigInvalid, "invalid reset time "+s.ResetTime, err)
	}
	if s.MetricsPort < common.MinMetricsPort || s.MetricsPort > common.MaxMetricsPort {
		return errs.New(errs.KindConfigInvalid, fmt.Sprintf("metrics port %d out of range", s.MetricsPort), nil)
	}
	if s.DashboardPort < common.MinMetricsPort || s.DashboardPort > common.MaxMetricsPort {
		return errs.New(errs.KindConfigInvalid, fmt.Sprintf("dashboard port %d out of range", s.DashboardPort), nil)
	}

	seen := make(map[string]bool)
	for _, id := range s.Rules.Order {
		if !knownRuleIDs[id] {
			return errs.New(errs.KindConfigInvalid, "unknown rule id in order: "+id, nil)
		}
		if seen[id] {
			return errs.New(errs.KindConfigInvalid, "duplicate rule id in order: "+id, nil)
		}
		seen[id] = true
	}

	if s.Rules.Rule003.Enabled && s.Rules.Rule003.Limit.GreaterThan(decimal.Zero) {
		return errs.New(errs.KindConfigInvalid, "rule003 limit must be <= 0", nil)
	}
	if s.Rules.Rule004.Enabled && s.Rules.Rule004.Limit.GreaterThan(decimal.Zero) {
		return errs.New(errs.KindConfigInvalid, "rule004 limit must be <= 0", nil)
	}
	if s.Rules.Rule005.Enabled && s.Rules.Rule005.Target.LessThan(decimal.Zero) {
		return errs.New(errs.KindConfigInvalid, "rule005 target must be >= 0", nil)
	}
	if s.Rules.Rule013.Enabled && s.Rules.Rule013.Target.LessThan(decimal.Zero) {
		return errs.New(errs.KindConfigInvalid, "rule013 target must be >= 0", nil)
	}
	if s.Rules.Rule007.Enabled {
		prev := decimal.Zero
		for i, tier := range s.Rules.Rule007.Tiers {
			if i > 0 && !tier.ThresholdAbs.GreaterThan(prev) {
				return errs.New(errs.KindConfigInvalid, "rule007 tiers must be strictly ascending", nil)
			}
			prev = tier.ThresholdAbs
		}
	}
	if s.Rules.Rule009.Enabled {
		if _, err := time.LoadLocation(s.Rules.Rule009.TZ); err != nil {
			return errs.New(errs.KindConfigInvalid, "rule009 invalid tz", err)
		}
		if _, err := parseHHMM(s.Rules.Rule009.SessionOpen); err != nil {
			return errs.New(errs.KindConfigInvalid, "rule009 invalid sessionOpen", err)
		}
		if _, err := parseHHMM(s.Rules.Rule009.SessionClose); err != nil {
			return errs.New(errs.KindConfigInvalid, "rule009 invalid sessionClose", err)
		}
	}
	return nil
}

func parseHHMM(v string) ([2]int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(v, "%d:%d", &hh, &mm); err != nil {
		return [2]int{}, err
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return [2]int{}, fmt.Errorf("out of range: %s", v)
	}
	return [2]int{hh, mm}, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func intOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func durationOrDefault(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func mustParseDuration(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		panic("common: invalid default duration " + v)
	}
	return d
}
