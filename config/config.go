package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment
// variables. Credentials are opaque strings passed through to their clients.
type Config struct {
	// Target site
	TargetURL       string
	PagesToScrape   int
	ListingsPerPage int
	ChromeBin       string

	// Search API (Google Custom Search)
	SearchAPIKey         string
	SearchEngineID       string
	SearchQPS            float64
	MaxQueriesPerListing int
	QueryTemplate        string
	HighThreshold        float64
	LowThreshold         float64

	// Spreadsheet store
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON string

	// Optional Postgres run archive
	ArchiveEnabled   bool
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Pipeline behaviour
	MaxConcurrency  int
	RateLimitMs     int
	MaxRetries      int
	FetchTimeoutSec int
	CSVOutputPath   string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		TargetURL:       getEnv("TARGET_URL", "https://suumo.jp/chintai/tokyo/"),
		PagesToScrape:   getEnvInt("PAGES_TO_SCRAPE", 2),
		ListingsPerPage: getEnvInt("LISTINGS_PER_PAGE", 20),
		ChromeBin:       getEnv("CHROME_BIN", ""),

		SearchAPIKey:         getEnv("GOOGLE_API_KEY", ""),
		SearchEngineID:       getEnv("GOOGLE_CSE_ID", ""),
		SearchQPS:            getEnvFloat("SEARCH_QPS", 1.0),
		MaxQueriesPerListing: getEnvInt("MAX_QUERIES_PER_LISTING", 2),
		QueryTemplate:        getEnv("QUERY_TEMPLATE", "%s %s 賃貸"),
		HighThreshold:        getEnvFloat("MATCH_HIGH_THRESHOLD", 0.75),
		LowThreshold:         getEnvFloat("MATCH_LOW_THRESHOLD", 0.45),

		SpreadsheetID:   getEnv("SPREADSHEET_ID", ""),
		SheetName:       getEnv("SHEET_NAME", "新着物件"),
		CredentialsJSON: getEnv("GOOGLE_CREDENTIALS_JSON", ""),

		ArchiveEnabled:   getEnvBool("ARCHIVE_ENABLED", false),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "watcher"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "rental_db"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		MaxConcurrency:  getEnvInt("MAX_CONCURRENCY", 3),
		RateLimitMs:     getEnvInt("RATE_LIMIT_MS", 2000),
		MaxRetries:      getEnvInt("MAX_RETRIES", 3),
		FetchTimeoutSec: getEnvInt("FETCH_TIMEOUT_SEC", 90),
		CSVOutputPath:   getEnv("CSV_OUTPUT_PATH", "./output/raw_listings.csv"),
	}
}

// DSN returns the PostgreSQL connection string for the run archive.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}
