// Package config loads and validates the engine's environment
// configuration. A .env file is honored when present; the process
// environment always wins. Unknown keys are ignored, but every
// recognized key is validated at startup so a bad deployment fails
// before the first tick instead of mid-recharge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fleetops-mx/recargas"
)

const (
	// gpsMinutesFloor is the lowest GPS cadence allowed in production.
	// Below this the tick interval outpaces the carriers' report cycle
	// and grace classification stops meaning anything.
	gpsMinutesFloor = 6

	defaultTimezone = "America/Mazatlan"
	defaultLockTTL  = 60 * time.Minute
)

// DBConfig holds the system-of-record connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig holds the lock/metrics backend address.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig holds one recharge provider's endpoint and credentials.
type ProviderConfig struct {
	Name    string
	BaseURL string
	User    string
	Secret  string
}

// ServiceConfig holds the per-service product and amount knobs.
type ServiceConfig struct {
	Product      string
	AmountPesos  int64
	ValidityDays int
}

// ExclusionDays is the recent-top-up window K for this service: two days
// short of the granted validity, so a device whose expiry update was lost
// cannot be re-charged while its last purchase is still mostly unspent,
// while an on-time device leaves the window before its next legitimate
// top-up. GPS (8 days of validity) yields the production K of 6.
func (s ServiceConfig) ExclusionDays() int {
	if s.ValidityDays <= 2 {
		return 1
	}
	return s.ValidityDays - 2
}

// Config is the validated engine configuration.
type Config struct {
	GPSMinutes   int
	GPSDaysCap   int
	EliotMinutes int

	VOZMode       string // "fixed" or "interval"
	VOZMinutes    int
	VOZFixedTimes []string

	LockTTL  time.Duration
	Timezone string
	Loc      *time.Location

	QueueDir  string
	Blocklist []string

	// MetricsAddr is the /metrics listen address. Empty disables the
	// endpoint.
	MetricsAddr string

	DB        DBConfig
	Redis     RedisConfig
	Providers []ProviderConfig

	GPS   ServiceConfig
	VOZ   ServiceConfig
	Eliot ServiceConfig
}

// Load reads an optional .env file and then parses the process
// environment. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	return FromEnv()
}

// FromEnv parses and validates the process environment.
func FromEnv() (*Config, error) {
	var errs []string
	intVar := func(key string, def int) int {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: not an integer: %q", key, raw))
			return def
		}
		return v
	}
	strVar := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	listVar := func(key string) []string {
		raw := os.Getenv(key)
		if raw == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}

	cfg := &Config{
		GPSMinutes:   intVar("GPS_MINUTOS_SIN_REPORTAR", gpsMinutesFloor),
		GPSDaysCap:   intVar("GPS_DIAS_SIN_REPORTAR", 14),
		EliotMinutes: intVar("ELIOT_MINUTOS_SIN_REPORTAR", 10),

		VOZMode:       strVar("VOZ_SCHEDULE_MODE", "fixed"),
		VOZMinutes:    intVar("VOZ_MINUTOS_SIN_REPORTAR", 60),
		VOZFixedTimes: listVar("VOZ_HORARIOS"),

		LockTTL:  time.Duration(intVar("LOCK_EXPIRATION_MINUTES", int(defaultLockTTL.Minutes()))) * time.Minute,
		Timezone: strVar("TIMEZONE", defaultTimezone),

		QueueDir:  strVar("QUEUE_DIR", "queues"),
		Blocklist: listVar("EMPRESAS_EXCLUIDAS"),

		MetricsAddr: os.Getenv("METRICS_ADDR"),

		DB: DBConfig{
			Host:     strVar("DB_HOST", "localhost"),
			Port:     intVar("DB_PORT", 5432),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     os.Getenv("DB_NAME"),
			SSLMode:  strVar("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     strVar("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intVar("REDIS_DB", 0),
		},

		GPS: ServiceConfig{
			Product:      strVar("GPS_PRODUCTO", "TEL010"),
			AmountPesos:  int64(intVar("GPS_MONTO", 10)),
			ValidityDays: 8,
		},
		VOZ: ServiceConfig{
			Product:      strVar("VOZ_PRODUCTO", "PAQ020"),
			AmountPesos:  int64(intVar("VOZ_MONTO", 20)),
			ValidityDays: intVar("VOZ_DIAS_VIGENCIA", 7),
		},
		Eliot: ServiceConfig{
			Product:      strVar("ELIOT_PRODUCTO", "TEL010"),
			AmountPesos:  int64(intVar("ELIOT_MONTO", 10)),
			ValidityDays: intVar("ELIOT_DIAS_VIGENCIA", 30),
		},
	}
	if len(cfg.VOZFixedTimes) == 0 {
		cfg.VOZFixedTimes = []string{"01:00", "04:00"}
	}

	for _, name := range listVar("PROVIDERS") {
		prefix := strings.ToUpper(name)
		p := ProviderConfig{
			Name:    name,
			BaseURL: os.Getenv(prefix + "_URL"),
			User:    os.Getenv(prefix + "_USER"),
			Secret:  os.Getenv(prefix + "_SECRET"),
		}
		if p.BaseURL == "" || p.User == "" || p.Secret == "" {
			errs = append(errs, fmt.Sprintf("provider %s: %s_URL, %s_USER and %s_SECRET are required", name, prefix, prefix, prefix))
		}
		cfg.Providers = append(cfg.Providers, p)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		errs = append(errs, fmt.Sprintf("TIMEZONE: unknown zone %q", cfg.Timezone))
	}
	cfg.Loc = loc

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, recargas.NewError(recargas.CategoryFatal, recargas.ErrCodeConfig, strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) validate() []string {
	var errs []string
	// Interval cadences double as schedule specs, which align to round
	// clock boundaries, so each must divide the hour evenly.
	cadence := func(key string, minutes, floor int) {
		if minutes < floor {
			errs = append(errs, fmt.Sprintf("%s: must be >= %d, got %d", key, floor, minutes))
			return
		}
		if minutes > 60 || 60%minutes != 0 {
			errs = append(errs, fmt.Sprintf("%s: %d does not divide the hour", key, minutes))
		}
	}
	cadence("GPS_MINUTOS_SIN_REPORTAR", c.GPSMinutes, gpsMinutesFloor)
	cadence("ELIOT_MINUTOS_SIN_REPORTAR", c.EliotMinutes, 1)
	if c.GPSDaysCap < 1 {
		errs = append(errs, "GPS_DIAS_SIN_REPORTAR: must be >= 1")
	}
	switch c.VOZMode {
	case "fixed":
	case "interval":
		cadence("VOZ_MINUTOS_SIN_REPORTAR", c.VOZMinutes, 1)
	default:
		errs = append(errs, fmt.Sprintf("VOZ_SCHEDULE_MODE: want fixed or interval, got %q", c.VOZMode))
	}
	if c.LockTTL < time.Minute {
		errs = append(errs, "LOCK_EXPIRATION_MINUTES: must be >= 1")
	}
	if c.DB.User == "" || c.DB.Name == "" {
		errs = append(errs, "DB_USER and DB_NAME are required")
	}
	if len(c.Providers) == 0 {
		errs = append(errs, "PROVIDERS: at least one provider is required")
	}
	return errs
}

// Amounts builds the unit-amount resolver from the configured
// per-service amounts.
func (c *Config) Amounts() recargas.AmountResolver {
	return func(svc recargas.Service, productCode string) recargas.Money {
		switch svc {
		case recargas.ServiceVOZ:
			return recargas.Pesos(c.VOZ.AmountPesos)
		case recargas.ServiceEliot:
			return recargas.Pesos(c.Eliot.AmountPesos)
		default:
			return recargas.Pesos(c.GPS.AmountPesos)
		}
	}
}
