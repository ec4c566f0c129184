package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"signdesk/portal-backend/pkg/security"
)

// ErrConfiguration is returned by Validate for missing or inconsistent settings.
var ErrConfiguration = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Audit         AuditConfig         `json:"audit"`
	Storage       StorageConfig       `json:"storage"`
	Signing       SigningConfig       `json:"signing"`
	PIN           PINConfig           `json:"pin"`
	Integrity     IntegrityConfig     `json:"integrity"`
	Notifications NotificationsConfig `json:"notifications"`
	Logging       LoggingConfig       `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	// PublicURL prefixes verification links embedded in sealed documents.
	PublicURL string `json:"public_url"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

// AuditConfig points at the access log database. An empty URL disables the SQL sink.
type AuditConfig struct {
	DatabaseURL string        `json:"database_url"`
	Timeout     time.Duration `json:"timeout"`
}

// StorageConfig
type StorageConfig struct {
	Bucket         string        `json:"bucket"`
	Region         string        `json:"region"`
	Endpoint       string        `json:"endpoint"`
	Prefix         string        `json:"prefix"`
	AccessKey      string        `json:"access_key"`
	SecretKey      string        `json:"secret_key"`
	Timeout        time.Duration `json:"timeout"`
	SignedURLTTL   time.Duration `json:"signed_url_ttl"`
	DownloadLimit  int           `json:"download_concurrency"`
	UseMemoryStore bool          `json:"use_memory_store"`
}

// SigningConfig
type SigningConfig struct {
	Certificate      security.SigningCredentials `json:"certificate"`
	OwnerPassword    string                      `json:"-"`
	SignatureReserve int                         `json:"signature_reserve"`
	FieldName        string                      `json:"field_name"`
	QRSize           int                         `json:"qr_size"`
}

// PINConfig
type PINConfig struct {
	MaxAttempts    int           `json:"max_attempts"`
	LockoutPeriod  time.Duration `json:"lockout_period"`
	UnlockSecret   string        `json:"-"`
	UnlockTokenTTL time.Duration `json:"unlock_token_ttl"`
}

// IntegrityConfig
type IntegrityConfig struct {
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
}

// NotificationsConfig
type NotificationsConfig struct {
	SNSTopicARN string        `json:"sns_topic_arn"`
	Timeout     time.Duration `json:"timeout"`
}

// LoggingConfig
type LoggingConfig struct {
	Level string `json:"level"`
}

// LoadConfig loads configuration from .env, file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	// Default config
	config := &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			PublicURL:    "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    os.Getenv("USER"),
			DBName:  "signdesk",
			SSLMode: "disable",
		},
		Audit: AuditConfig{
			Timeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Region:        "us-east-1",
			Prefix:        "documents",
			Timeout:       30 * time.Second,
			SignedURLTTL:  15 * time.Minute,
			DownloadLimit: 4,
		},
		Signing: SigningConfig{
			SignatureReserve: 8192,
			FieldName:        "Signature1",
			QRSize:           256,
		},
		PIN: PINConfig{
			MaxAttempts:    3,
			LockoutPeriod:  30 * time.Minute,
			UnlockTokenTTL: 10 * time.Minute,
		},
		Integrity: IntegrityConfig{
			Schedule: "0 3 * * *",
			Enabled:  true,
		},
		Notifications: NotificationsConfig{
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	overrideWithEnv(config)

	return config, nil
}

func overrideWithEnv(config *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if publicURL := os.Getenv("PUBLIC_URL"); publicURL != "" {
		config.Server.PublicURL = publicURL
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}
	if auditURL := os.Getenv("AUDIT_DATABASE_URL"); auditURL != "" {
		config.Audit.DatabaseURL = auditURL
	}
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		config.Storage.Bucket = bucket
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		config.Storage.Region = region
	}
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		config.Storage.Endpoint = endpoint
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		config.Storage.AccessKey = key
	}
	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" {
		config.Storage.SecretKey = secret
	}
	if path := os.Getenv("SIGNING_CERT_PATH"); path != "" {
		config.Signing.Certificate.Path = path
	}
	if blob := os.Getenv("SIGNING_CERT_BASE64"); blob != "" {
		config.Signing.Certificate.Base64 = blob
	}
	if pass := os.Getenv("SIGNING_CERT_PASSPHRASE"); pass != "" {
		config.Signing.Certificate.Passphrase = pass
	}
	if owner := os.Getenv("PDF_OWNER_PASSWORD"); owner != "" {
		config.Signing.OwnerPassword = owner
	}
	if secret := os.Getenv("UNLOCK_TOKEN_SECRET"); secret != "" {
		config.PIN.UnlockSecret = secret
	}
	if topic := os.Getenv("SNS_TOPIC_ARN"); topic != "" {
		config.Notifications.SNSTopicARN = topic
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// Validate reports settings the signing engine cannot run without.
func (c *Config) Validate() error {
	if !c.Signing.Certificate.Configured() {
		return fmt.Errorf("%w: signing certificate and passphrase are required", ErrConfiguration)
	}
	if c.Signing.OwnerPassword == "" {
		return fmt.Errorf("%w: pdf owner password is required", ErrConfiguration)
	}
	if c.PIN.UnlockSecret == "" {
		return fmt.Errorf("%w: unlock token secret is required", ErrConfiguration)
	}
	if !c.Storage.UseMemoryStore && c.Storage.Bucket == "" {
		return fmt.Errorf("%w: storage bucket is required", ErrConfiguration)
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
