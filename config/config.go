package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	// DBDriver ist "postgres" oder "sqlite".
	DBDriver   string `envconfig:"DB_DRIVER" default:"postgres"`
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"upc_decisions"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"upc_decisions.db"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// UPC-Website
	UPCBaseURL      string        `envconfig:"UPC_BASE_URL" default:"https://www.unified-patent-court.org"`
	UPCDecisionsURL string        `envconfig:"UPC_DECISIONS_URL" default:"https://www.unified-patent-court.org/en/decisions-and-orders"`
	UPCLocale       string        `envconfig:"UPC_LOCALE" default:"en"`
	ScrapeDelay     time.Duration `envconfig:"SCRAPE_DELAY" default:"5s"`
	ScrapeMaxPages  int           `envconfig:"SCRAPE_MAX_PAGES" default:"10"`
	PageTimeout     time.Duration `envconfig:"PAGE_TIMEOUT" default:"30s"`
	DocumentTimeout time.Duration `envconfig:"DOCUMENT_TIMEOUT" default:"60s"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 3 * * *"`
	TopN         int    `envconfig:"TOP_N" default:"100"`

	// Optionales PDF-Archiv (S3-kompatibel). Leerer Bucket deaktiviert das Archiv.
	S3URL    string `envconfig:"S3_URL"`
	S3Region string `envconfig:"S3_REGION" default:"eu-central-1"`
	S3Key    string `envconfig:"S3_KEY"`
	S3Secret string `envconfig:"S3_SECRET"`
	S3Bucket string `envconfig:"S3_BUCKET"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// ArchiveEnabled meldet, ob PDFs zusätzlich nach S3 archiviert werden sollen.
func (c *Config) ArchiveEnabled() bool {
	return c.S3Bucket != "" && c.S3URL != ""
}

// Validate prüft Kombinationen, die envconfig allein nicht abdecken kann.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres":
		if c.DBUser == "" {
			return fmt.Errorf("DB_USER is required for driver postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for driver sqlite")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.ScrapeMaxPages <= 0 {
		return fmt.Errorf("SCRAPE_MAX_PAGES must be positive, got %d", c.ScrapeMaxPages)
	}
	if c.ScrapeDelay < 0 {
		return fmt.Errorf("SCRAPE_DELAY must not be negative")
	}
	return nil
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
