package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/quadmarket/internal/domain"
)

// Config es la configuración completa de una sesión de mercado.
type Config struct {
	Market  MarketConfig  `yaml:"market"`
	Session SessionConfig `yaml:"session"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// MarketConfig define el mercado: outcomes, subsidio, fees, bordes de precio
// y coeficientes dinámicos.
type MarketConfig struct {
	Outcomes []string `yaml:"outcomes"`

	SubsidyZ float64 `yaml:"subsidy_z"` // Z: pool total de subsidio
	Gamma    float64 `yaml:"gamma"`     // γ: ritmo de phase-out vs colateral
	Q0       float64 `yaml:"q0"`        // oferta inicial por lado

	Fee      float64 `yaml:"fee"`       // f: fee de trades AMM
	FeeMatch float64 `yaml:"fee_match"` // f_match: fee de cross-match

	PMin     float64 `yaml:"p_min"`
	PMax     float64 `yaml:"p_max"`
	Eta      float64 `yaml:"eta"`
	TickSize float64 `yaml:"tick_size"`

	Mu    RangeConfig `yaml:"mu"`
	Nu    RangeConfig `yaml:"nu"`
	Kappa RangeConfig `yaml:"kappa"`
	Zeta  RangeConfig `yaml:"zeta"`

	InterpMode      string `yaml:"interp_mode"` // continue | reset
	DurationMinutes int    `yaml:"duration_minutes"`

	AFCapFrac    float64 `yaml:"af_cap_frac"`
	AFMaxPools   int     `yaml:"af_max_pools"`
	AFMaxSurplus float64 `yaml:"af_max_surplus"`
	Sigma        float64 `yaml:"sigma"`

	CrossMatch      bool `yaml:"cross_match"`
	AutoFill        bool `yaml:"auto_fill"`
	MultiResolution bool `yaml:"multi_resolution"`
	VirtualCap      bool `yaml:"virtual_cap"`

	Rounds      []RoundConfig `yaml:"rounds"`
	FinalWinner int           `yaml:"final_winner"`
}

// RangeConfig es el par inicio/fin de un coeficiente dinámico.
type RangeConfig struct {
	Start float64 `yaml:"start"`
	End   float64 `yaml:"end"`
}

// RoundConfig es una ronda de resolución programada.
type RoundConfig struct {
	OffsetMinutes int   `yaml:"offset_minutes"`
	FreezeMinutes int   `yaml:"freeze_minutes"`
	Eliminate     []int `yaml:"eliminate"`
	Final         bool  `yaml:"final"`
}

// SessionConfig controla balances, fees de plataforma y cadencia.
type SessionConfig struct {
	StartingBalance      float64 `yaml:"starting_balance"`
	GasFee               float64 `yaml:"gas_fee"`
	BatchIntervalSeconds int     `yaml:"batch_interval_seconds"`
	SubmitRatePerSecond  float64 `yaml:"submit_rate_per_second"`
	SubmitBurst          int     `yaml:"submit_burst"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if len(cfg.Market.Outcomes) < 2 {
		return nil, fmt.Errorf("config.Load: need at least 2 outcomes, got %d", len(cfg.Market.Outcomes))
	}
	return &cfg, nil
}

// BatchInterval devuelve la cadencia de batch como time.Duration.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.Session.BatchIntervalSeconds) * time.Second
}

// Params traduce la configuración a los parámetros del motor.
func (c *Config) Params() domain.Params {
	m := c.Market
	return domain.Params{
		Subsidy: domain.SubsidyParams{
			Z:     decimal.NewFromFloat(m.SubsidyZ),
			Gamma: decimal.NewFromFloat(m.Gamma),
			N:     len(m.Outcomes),
		},
		Fee:      decimal.NewFromFloat(m.Fee),
		FeeMatch: decimal.NewFromFloat(m.FeeMatch),
		PMin:     decimal.NewFromFloat(m.PMin),
		PMax:     decimal.NewFromFloat(m.PMax),
		Eta:      m.Eta,
		TickSize: decimal.NewFromFloat(m.TickSize),
		Mu:       domain.CurveRange{Start: m.Mu.Start, End: m.Mu.End},
		Nu:       domain.CurveRange{Start: m.Nu.Start, End: m.Nu.End},
		Kappa:    domain.CurveRange{Start: m.Kappa.Start, End: m.Kappa.End},
		Zeta:     domain.CurveRange{Start: m.Zeta.Start, End: m.Zeta.End},
		Mode:     domain.InterpMode(m.InterpMode),
		Duration: time.Duration(m.DurationMinutes) * time.Minute,

		AFCapFrac:    decimal.NewFromFloat(m.AFCapFrac),
		AFMaxPools:   m.AFMaxPools,
		AFMaxSurplus: decimal.NewFromFloat(m.AFMaxSurplus),
		Sigma:        decimal.NewFromFloat(m.Sigma),

		CrossMatchOn: m.CrossMatch,
		AutoFillOn:   m.AutoFill,
		MultiResOn:   m.MultiResolution,
		VirtualCapOn: m.VirtualCap,
	}
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ENGINE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	m := &cfg.Market
	if m.SubsidyZ <= 0 {
		m.SubsidyZ = 10000
	}
	if m.Gamma <= 0 {
		m.Gamma = 1
	}
	if m.Q0 <= 0 {
		m.Q0 = m.SubsidyZ / float64(2*max(1, len(m.Outcomes)))
	}
	if m.FeeMatch <= 0 {
		m.FeeMatch = 0.02
	}
	if m.PMin <= 0 {
		m.PMin = 0.01
	}
	if m.PMax <= 0 || m.PMax >= 1 {
		m.PMax = 0.99
	}
	if m.Eta <= 0 {
		m.Eta = 2
	}
	if m.TickSize <= 0 {
		m.TickSize = 0.01
	}
	if m.Mu.Start == 0 && m.Mu.End == 0 {
		m.Mu = RangeConfig{Start: 1, End: 1}
	}
	if m.Nu.Start == 0 && m.Nu.End == 0 {
		m.Nu = RangeConfig{Start: 1, End: 1}
	}
	if m.InterpMode == "" {
		m.InterpMode = "continue"
	}
	if m.DurationMinutes <= 0 {
		m.DurationMinutes = 24 * 60
	}
	if m.AFCapFrac <= 0 {
		m.AFCapFrac = 1
	}
	if m.AFMaxPools <= 0 {
		m.AFMaxPools = 5
	}
	if m.AFMaxSurplus <= 0 {
		m.AFMaxSurplus = 1
	}
	if m.Sigma <= 0 {
		m.Sigma = 0.5
	}

	if cfg.Session.StartingBalance <= 0 {
		cfg.Session.StartingBalance = 1000
	}
	if cfg.Session.BatchIntervalSeconds <= 0 {
		cfg.Session.BatchIntervalSeconds = 5
	}
	if cfg.Session.SubmitRatePerSecond <= 0 {
		cfg.Session.SubmitRatePerSecond = 20
	}
	if cfg.Session.SubmitBurst <= 0 {
		cfg.Session.SubmitBurst = 40
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "quadmarket.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
