package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting of the console server and worker
type Config struct {
	Env  string
	Port string

	DatabaseURL string
	RedisURL    string

	BackendURL          string
	BackendTimeout      time.Duration
	BackendServiceToken string

	SessionSecret string
	SessionTTL    time.Duration

	GatewayTimeout      time.Duration
	RazorpayKey         string
	OrgName             string
	AllowAdvancePayment bool

	WorkerInterval time.Duration

	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPass     string
	EmailFrom    string
	ReportEmails []string

	WahaBaseURL    string
	WahaAPIKey     string
	ReportWhatsapp []string
}

// Load reads .env (if present) and the process environment
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	return &Config{
		Env:  getEnv("ENV", "development"),
		Port: getEnv("PORT", "8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		BackendURL:          strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8000/api"), "/"),
		BackendTimeout:      getDuration("BACKEND_TIMEOUT", 20*time.Second),
		BackendServiceToken: os.Getenv("BACKEND_SERVICE_TOKEN"),

		SessionSecret: os.Getenv("SESSION_SECRET"),
		SessionTTL:    getDuration("SESSION_TTL", 12*time.Hour),

		GatewayTimeout:      getDuration("GATEWAY_TIMEOUT", 15*time.Minute),
		RazorpayKey:         os.Getenv("RAZORPAY_KEY"),
		OrgName:             getEnv("ORG_NAME", "CSI Centenary Wesley Church"),
		AllowAdvancePayment: getBool("ALLOW_ADVANCE_PAYMENT", false),

		WorkerInterval: getDuration("WORKER_INTERVAL", 5*time.Minute),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     os.Getenv("SMTP_PORT"),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPass:     os.Getenv("SMTP_PASS"),
		EmailFrom:    os.Getenv("EMAIL_FROM"),
		ReportEmails: getList("REPORT_EMAILS"),

		WahaBaseURL:    getEnv("WAHA_BASE_URL", "http://waha:3000"),
		WahaAPIKey:     os.Getenv("WAHA_API_KEY"),
		ReportWhatsapp: getList("REPORT_WHATSAPP"),
	}
}

// IsProduction reports whether secure cookies should be issued
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Printf("Invalid duration for %s (%q), using %s", key, val, fallback)
		return fallback
	}
	return d
}

func getBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
