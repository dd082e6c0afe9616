// Package config reads the bridge runtime configuration from the
// environment, with a .env file honored in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	ESS      ESSConfig
	Keys     KeyConfig
	CBS      CBSConfig
	Product  ProductConfig
	Delivery DeliveryConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

type DatabaseConfig struct {
	DSN string
}

// ESSConfig identifies the counterpart and where its callback endpoint
// lives.
type ESSConfig struct {
	CallbackURL string
	FSPCode     string
	ESSName     string
}

type KeyConfig struct {
	PrivateKeyPath   string
	ESSPublicKeyPath string
}

type CBSConfig struct {
	BaseURL        string
	Username       string
	Password       string
	TenantID       string
	TimeoutSeconds int
}

// ProductConfig carries the single loan product the bridge fronts.
type ProductConfig struct {
	Code               string
	MaxTenureMonths    int
	AnnualInterestRate float64
	MinLoanAmount      string
	ProcessingFeePct   float64
	InsurancePct       float64
	OfficeID           int
}

// DeliveryConfig controls outbound notification retry and the parked
// notification resender.
type DeliveryConfig struct {
	TimeoutSeconds        int
	MaxAttempts           int
	BaseBackoffSeconds    int
	MaxBackoffSeconds     int
	ResendIntervalSeconds int
	ResendBatch           int
	ResendConcurrency     int
}

// Load reads environment variables, applies defaults and validates
// required values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Database.DSN = ldr.getString("DATABASE_URL", "", true)

	cfg.ESS.CallbackURL = ldr.getString("ESS_CALLBACK_URL", "", true)
	cfg.ESS.FSPCode = ldr.getString("FSP_CODE", "", true)
	cfg.ESS.ESSName = ldr.getString("ESS_SYSTEM_NAME", "ESS_UTUMISHI", false)

	cfg.Keys.PrivateKeyPath = ldr.getString("FSP_PRIVATE_KEY_PATH", "", true)
	cfg.Keys.ESSPublicKeyPath = ldr.getString("ESS_PUBLIC_KEY_PATH", "", true)

	cfg.CBS.BaseURL = ldr.getString("CBS_BASE_URL", "", true)
	cfg.CBS.Username = ldr.getString("CBS_USERNAME", "", true)
	cfg.CBS.Password = ldr.getString("CBS_PASSWORD", "", true)
	cfg.CBS.TenantID = ldr.getString("CBS_TENANT_ID", "default", false)
	cfg.CBS.TimeoutSeconds = ldr.getInt("CBS_TIMEOUT_SECONDS", 30, false)

	cfg.Product.Code = ldr.getString("PRODUCT_CODE", "", true)
	cfg.Product.MaxTenureMonths = ldr.getInt("PRODUCT_MAX_TENURE_MONTHS", 96, false)
	cfg.Product.AnnualInterestRate = ldr.getFloat("PRODUCT_ANNUAL_INTEREST_RATE", 15, false)
	cfg.Product.MinLoanAmount = ldr.getString("PRODUCT_MIN_LOAN_AMOUNT", "100000", false)
	cfg.Product.ProcessingFeePct = ldr.getFloat("PRODUCT_PROCESSING_FEE_PCT", 1, false)
	cfg.Product.InsurancePct = ldr.getFloat("PRODUCT_INSURANCE_PCT", 0.5, false)
	cfg.Product.OfficeID = ldr.getInt("CBS_OFFICE_ID", 1, false)

	cfg.Delivery.TimeoutSeconds = ldr.getInt("DELIVERY_TIMEOUT_SECONDS", 30, false)
	cfg.Delivery.MaxAttempts = ldr.getInt("DELIVERY_MAX_ATTEMPTS", 5, false)
	cfg.Delivery.BaseBackoffSeconds = ldr.getInt("DELIVERY_BASE_BACKOFF_SECONDS", 2, false)
	cfg.Delivery.MaxBackoffSeconds = ldr.getInt("DELIVERY_MAX_BACKOFF_SECONDS", 300, false)
	cfg.Delivery.ResendIntervalSeconds = ldr.getInt("RESEND_INTERVAL_SECONDS", 600, false)
	cfg.Delivery.ResendBatch = ldr.getInt("RESEND_BATCH", 50, false)
	cfg.Delivery.ResendConcurrency = ldr.getInt("RESEND_CONCURRENCY", 4, false)

	if len(ldr.errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(ldr.errs, "; "))
	}
	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val
		}
	}
	if required {
		l.errs = append(l.errs, key+" is required")
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.errs = append(l.errs, key+" must be a valid integer")
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.errs = append(l.errs, key+" must be a valid number")
		return def
	}
	return f
}
