package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppName names the state directory and the lock file.
const AppName = "pg-statistics-to-es"

// Snapshot back-ends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config holds every configurable value of a run.
type Config struct {
	// Source database
	PGHost        string `validate:"required"`
	PGPort        int    `validate:"gt=0,lte=65535"`
	PGUser        string `validate:"required"`
	PGPassword    string `validate:"required"`
	PGDatabase    string `validate:"required"` // table statistics are read here
	PGSSLMode     string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	QueryDatabase string `validate:"required"` // pg_stat_statements is read here

	// Elasticsearch
	ESHost         string `validate:"required"`
	ESScheme       string `validate:"oneof=http https"`
	ESPort         int    `validate:"gt=0,lte=65535"`
	ESUser         string
	ESPassword     string
	ESCACert       string // PEM bundle path; ignored when unreadable
	ESShards       int    `validate:"gt=0"`
	ESReplicas     int    `validate:"gte=0"`
	ESDocumentType string

	// Local state
	StateDir        string `validate:"required"`
	SnapshotBackend string `validate:"oneof=json sqlite"`
	LockAttempts    uint   `validate:"gt=0"`
	LockBackoff     time.Duration
	MetricsTextfile string // empty disables run metrics

	LogLevel string // debug|info|warn|error
}

// envBindings maps config keys to the environment variables they are read
// from. The PG* and ES* names match what operators already export.
var envBindings = map[string]string{
	"PGHost":          "PGHOST",
	"PGPort":          "PGPORT",
	"PGUser":          "PGUSER",
	"PGPassword":      "PGPASSWORD",
	"PGDatabase":      "PGDATABASE",
	"PGSSLMode":       "PGSSLMODE",
	"QueryDatabase":   "PGSTATS_QUERY_DATABASE",
	"ESHost":          "ESHOST",
	"ESScheme":        "ES_SCHEME",
	"ESPort":          "ESPORT",
	"ESUser":          "ESUSER",
	"ESPassword":      "ESPASSWORD",
	"ESCACert":        "ES_CA_CERTS",
	"ESShards":        "ES_SHARDS",
	"ESReplicas":      "ES_REPLICAS",
	"ESDocumentType":  "ES_DOCUMENT_TYPE",
	"StateDir":        "PGSTATS_STATE_DIR",
	"SnapshotBackend": "PGSTATS_SNAPSHOT_BACKEND",
	"LockAttempts":    "PGSTATS_LOCK_ATTEMPTS",
	"LockBackoff":     "PGSTATS_LOCK_BACKOFF",
	"MetricsTextfile": "PGSTATS_METRICS_TEXTFILE",
	"LogLevel":        "LOG_LEVEL",
}

// Load reads configuration from (in decreasing priority):
//  1. environment variables (see envBindings)
//  2. a yaml file (./configs/config.yaml) if it exists
//  3. built-in defaults
//
// It returns a fully populated and validated *Config or an error.
func Load() (*Config, error) {
	return load(viper.New(), "./configs")
}

func load(v *viper.Viper, configDir string) (*Config, error) {
	v.SetDefault("PGHost", "localhost")
	v.SetDefault("PGPort", 5432)
	v.SetDefault("PGDatabase", "postgres")
	v.SetDefault("PGSSLMode", "prefer")
	v.SetDefault("QueryDatabase", "postgres")
	v.SetDefault("ESHost", "localhost")
	v.SetDefault("ESScheme", "https")
	v.SetDefault("ESPort", 9200)
	v.SetDefault("ESCACert", "/etc/ssl/certs/ca-certificates.crt")
	v.SetDefault("ESShards", 2)
	v.SetDefault("ESReplicas", 1)
	v.SetDefault("ESDocumentType", "record")
	v.SetDefault("StateDir", filepath.Join("/var/tmp", AppName))
	v.SetDefault("SnapshotBackend", BackendJSON)
	v.SetDefault("LockAttempts", 5)
	v.SetDefault("LockBackoff", time.Second)
	v.SetDefault("LogLevel", "info")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	// Optional yaml file - useful for local dev or a k8s ConfigMap
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, describe(err)
	}
	return &cfg, nil
}

// describe turns validator output into one readable error.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if env, ok := envBindings[name]; ok {
			name = env
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required but was not set", name))
		default:
			msgs = append(msgs, fmt.Sprintf("%s has invalid value %v (%s=%s)", name, fe.Value(), fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// LockPath is where the run lock lives.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, AppName+".lock")
}

// SnapshotPath is where a pipeline's JSON snapshot lives.
func (c *Config) SnapshotPath(file string) string {
	return filepath.Join(c.StateDir, file)
}

// SQLitePath is the snapshot database used by the sqlite back-end.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.StateDir, "snapshots.db")
}

// ESAddress is the cluster URL built from scheme, host and port.
func (c *Config) ESAddress() string {
	u := url.URL{
		Scheme: c.ESScheme,
		Host:   net.JoinHostPort(c.ESHost, strconv.Itoa(c.ESPort)),
	}
	return u.String()
}

// PGConnValues returns libpq connection parameters for database.
func (c *Config) PGConnValues(database string) map[string]string {
	return map[string]string{
		"host":             c.PGHost,
		"port":             strconv.Itoa(c.PGPort),
		"user":             c.PGUser,
		"password":         c.PGPassword,
		"dbname":           database,
		"sslmode":          c.PGSSLMode,
		"application_name": AppName,
	}
}
