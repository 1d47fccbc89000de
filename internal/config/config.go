// Package config resolves runtime configuration from environment variables
// and command-line flags.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys understood by the configuration layer.
const (
	KeyClientID     = "client_id"
	KeyClientSecret = "client_secret"
	KeyPassphrase   = "encryption_password"
	KeyBufferSize   = "buffer_size"
	KeyDataDir      = "data_dir"
	KeyPerPage      = "per_page"
	KeyFetchSplits  = "fetch_splits"
	KeyRunTimeout   = "run_timeout"
	KeyMaxRateWait  = "max_rate_wait"
	KeyLogFile      = "log_file"
	KeyLogLevel     = "log_level"
)

const (
	credentialFile = "credential.enc"
	datasetFile    = "strava.enc"
	lockFile       = ".stravasync.lock"

	maxBufferSize = 16 << 20
)

// Config holds everything the commands need to wire the components.
type Config struct {
	ClientID     string
	ClientSecret string
	Passphrase   string
	BufferSize   int
	DataDir      string
	PerPage      int
	FetchSplits  bool
	RunTimeout   time.Duration
	MaxRateWait  time.Duration
	LogFile      string
	LogLevel     string
}

// New returns a viper instance with defaults and environment bindings.
// Environment keys carry the STRAVASYNC_ prefix; the bare legacy names
// BUFFERSIZE, ENCRYPTIONPASSWORD, CLIENTID and CLIENTSECRET are accepted
// as aliases for existing deployments.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyBufferSize, 64*1024)
	v.SetDefault(KeyDataDir, ".")
	v.SetDefault(KeyPerPage, 50)
	v.SetDefault(KeyFetchSplits, true)
	v.SetDefault(KeyRunTimeout, 30*time.Minute)
	v.SetDefault(KeyMaxRateWait, 15*time.Minute)
	v.SetDefault(KeyLogLevel, "info")

	v.SetEnvPrefix("STRAVASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("_", ""))
	v.AutomaticEnv()

	_ = v.BindEnv(KeyClientID, "STRAVASYNC_CLIENTID", "CLIENTID")
	_ = v.BindEnv(KeyClientSecret, "STRAVASYNC_CLIENTSECRET", "CLIENTSECRET")
	_ = v.BindEnv(KeyPassphrase, "STRAVASYNC_ENCRYPTIONPASSWORD", "ENCRYPTIONPASSWORD")
	_ = v.BindEnv(KeyBufferSize, "STRAVASYNC_BUFFERSIZE", "BUFFERSIZE")
	_ = v.BindEnv(KeyDataDir, "STRAVASYNC_DATADIR")
	_ = v.BindEnv(KeyLogFile, "STRAVASYNC_LOGFILE")
	_ = v.BindEnv(KeyLogLevel, "STRAVASYNC_LOGLEVEL")

	return v
}

// Load materializes and validates the configuration. The passphrase and
// client secret are required and must never appear in logs or errors.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ClientID:     strings.TrimSpace(v.GetString(KeyClientID)),
		ClientSecret: strings.TrimSpace(v.GetString(KeyClientSecret)),
		Passphrase:   v.GetString(KeyPassphrase),
		BufferSize:   v.GetInt(KeyBufferSize),
		DataDir:      v.GetString(KeyDataDir),
		PerPage:      v.GetInt(KeyPerPage),
		FetchSplits:  v.GetBool(KeyFetchSplits),
		RunTimeout:   v.GetDuration(KeyRunTimeout),
		MaxRateWait:  v.GetDuration(KeyMaxRateWait),
		LogFile:      v.GetString(KeyLogFile),
		LogLevel:     v.GetString(KeyLogLevel),
	}

	if cfg.ClientID == "" {
		return Config{}, fmt.Errorf("client id is required (STRAVASYNC_CLIENTID)")
	}
	if cfg.ClientSecret == "" {
		return Config{}, fmt.Errorf("client secret is required (STRAVASYNC_CLIENTSECRET)")
	}
	if cfg.Passphrase == "" {
		return Config{}, fmt.Errorf("encryption password is required (STRAVASYNC_ENCRYPTIONPASSWORD)")
	}
	if cfg.BufferSize <= 0 || cfg.BufferSize > maxBufferSize {
		return Config{}, fmt.Errorf("buffer size %d out of range (1..%d)", cfg.BufferSize, maxBufferSize)
	}
	if cfg.PerPage <= 0 || cfg.PerPage > 200 {
		return Config{}, fmt.Errorf("per page %d out of range (1..200)", cfg.PerPage)
	}
	if cfg.RunTimeout <= 0 {
		return Config{}, fmt.Errorf("run timeout must be positive")
	}
	return cfg, nil
}

// CredentialPath is the encrypted credential artifact location.
func (c Config) CredentialPath() string {
	return filepath.Join(c.DataDir, credentialFile)
}

// DatasetPath is the encrypted dataset artifact location.
func (c Config) DatasetPath() string {
	return filepath.Join(c.DataDir, datasetFile)
}

// LockPath is the advisory lock serializing invocations against one data dir.
func (c Config) LockPath() string {
	return filepath.Join(c.DataDir, lockFile)
}
