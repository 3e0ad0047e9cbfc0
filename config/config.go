// Package config loads the agent's yaml configuration and resolves its data
// directory.
package config

import (
	"os"
	"path"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kryptco/krypton-go/kr"
)

// DefaultFileMode is used for data directory creation.
var DefaultFileMode = os.FileMode(0700)

const (
	// DefaultDataDir holds the vault and audit log.
	DefaultDataDir = "~/.krypton"

	// DefaultRelayURL is the public pairing relay.
	DefaultRelayURL = "wss://relay.krypt.co/c"
)

// Config is the agent's startup configuration.
type Config struct {

	// DataDir holds the vault and audit log stores.
	DataDir string `yaml:"data_dir"`

	// RelayURL is the websocket relay base; per-session queues append to it.
	RelayURL string `yaml:"relay_url"`

	// RedisAddr enables the queue-polling medium when set, e.g. "localhost:6379".
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	// BluetoothEnabled turns the GATT peripheral medium on.
	BluetoothEnabled bool `yaml:"bluetooth_enabled"`

	// LogVerbosity sets the klog -v level.
	LogVerbosity int `yaml:"log_verbosity"`

	// TrackingID is attached to every outbound response for analytics
	// correlation.  Empty disables it.
	TrackingID string `yaml:"tracking_id"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		DataDir:          DefaultDataDir,
		RelayURL:         DefaultRelayURL,
		BluetoothEnabled: true,
		LogVerbosity:     1,
	}
}

// Load reads a yaml config file, filling unset fields with defaults.  A
// missing file is not an error; the defaults are returned.
func Load(inPath string) (Config, error) {
	cfg := Default()

	pathname, err := homedir.Expand(inPath)
	if err != nil {
		return cfg, kr.Errorf(err, kr.ConfigNotRead, "config path %q did not expand", inPath)
	}

	buf, err := os.ReadFile(pathname)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, kr.Errorf(err, kr.ConfigNotRead, "config file %q did not read", pathname)
	}

	if err = yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, kr.Errorf(err, kr.ConfigNotRead, "config file %q did not parse", pathname)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
	}

	return cfg, nil
}

// SetupDataDir expands and creates the data directory, returning the
// absolute path plus conventional subpaths for the vault and audit stores.
func (c *Config) SetupDataDir() (dataDir, vaultDir, auditDir string, err error) {
	dataDir, err = homedir.Expand(c.DataDir)
	if err != nil {
		return "", "", "", kr.Errorf(err, kr.ConfigNotRead, "data dir %q did not expand", c.DataDir)
	}

	vaultDir = path.Join(dataDir, "vault")
	auditDir = path.Join(dataDir, "audit")

	for _, dir := range []string{dataDir, vaultDir, auditDir} {
		if fi, statErr := os.Stat(dir); statErr == nil && !fi.IsDir() {
			return "", "", "", errors.Errorf("path '%s' exists but is not a directory", dir)
		}
		if err = os.MkdirAll(dir, DefaultFileMode); err != nil {
			return "", "", "", kr.Errorf(err, kr.ConfigNotRead, "data dir %q did not create", dir)
		}
	}
	return dataDir, vaultDir, auditDir, nil
}
