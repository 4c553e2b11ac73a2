// Package config handles all of the toolkit's configuration. UserConfig
// fields are in PascalCase but in an actual config.yml they'll be in
// camelCase, the same convention the teacher used for its UserConfig. You
// can view the current defaults with GetDefaultConfig.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// UserConfig holds all of the user-configurable options enumerated in the
// configuration surface: SSH auth inputs, escalation policy, buffer timing,
// pool sizing, and proxy-jump settings.
type UserConfig struct {
	// SSH holds the connection parameters used to dial the target host.
	SSH SSHConfig `yaml:"ssh,omitempty"`

	// Root configures the baseline escalation policy applied to every
	// environment the pool creates.
	Root RootConfig `yaml:"root,omitempty"`

	// Timeouts configures the three-timeout discipline and the poll delay
	// used by the buffer controller.
	Timeouts TimeoutConfig `yaml:"timeouts,omitempty"`

	// Pool configures environment-pool sizing.
	Pool PoolConfig `yaml:"pool,omitempty"`

	// Proxy configures an optional SSH proxy-jump hop.
	Proxy ProxyConfig `yaml:"proxy,omitempty"`

	// Shell configures shell-specific framing behavior.
	Shell ShellConfig `yaml:"shell,omitempty"`
}

// SSHConfig are the SSH auth inputs (spec §6 configuration surface).
type SSHConfig struct {
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	Username       string `yaml:"username,omitempty"`
	Password       string `yaml:"password,omitempty"`
	Key            string `yaml:"key,omitempty"`
	KeyPassphrase  string `yaml:"keyPassphrase,omitempty"`
	ConnectTimeout time.Duration `yaml:"connTimeout,omitempty"`
}

// RootConfig is the baseline escalation policy.
type RootConfig struct {
	// Enabled means every pool-created environment becomes root on login.
	Enabled bool `yaml:"root,omitempty"`

	// Password is the root (or sudo) password used during escalation.
	Password string `yaml:"rootpwd,omitempty"`

	// LoginCommand is one of "su -" or the sudo form
	// "/usr/bin/sudo -k; /usr/bin/sudo su -".
	LoginCommand string `yaml:"rootLogin,omitempty"`

	// Explicit disables the fallback-strategy retry (alternating between
	// "su -" and "sudo su -") for root escalation.
	Explicit bool `yaml:"rootLoginExplicit,omitempty"`
}

// TimeoutConfig configures the three-timeout discipline (spec §4.2/§6).
type TimeoutConfig struct {
	Run        time.Duration `yaml:"runTimeout,omitempty"`
	FirstBit   time.Duration `yaml:"firstBitTimeout,omitempty"`
	BetweenBit time.Duration `yaml:"betweenBitTimeout,omitempty"`
	Delay      time.Duration `yaml:"delay,omitempty"`
	IO         time.Duration `yaml:"ioTimeout,omitempty"`
}

// PoolConfig configures environment-pool sizing.
type PoolConfig struct {
	// MaxChannels overrides the discovered session cap. Valid range 1-10.
	MaxChannels int `yaml:"maxChannels,omitempty"`
}

// ProxyConfig configures an optional SSH proxy-jump hop.
type ProxyConfig struct {
	User   string `yaml:"proxyUser,omitempty"`
	Server string `yaml:"proxyServer,omitempty"`
}

// ShellConfig configures shell-specific framing behavior.
type ShellConfig struct {
	// UseBashNoRC switches freshly leased environments into `bash -norc`
	// after login so custom user prompts don't confuse output framing.
	UseBashNoRC bool `yaml:"useBashnorc,omitempty"`
}

const (
	defaultRunTimeout        = 300 * time.Second
	defaultFirstBitTimeout   = 240 * time.Second
	defaultBetweenBitTimeout = 30 * time.Second
	defaultDelay             = 10 * time.Millisecond
	defaultConnTimeout       = 30 * time.Second

	// DefaultMaxSessions is used when the server's MaxSessions cannot be
	// discovered.
	DefaultMaxSessions = 8

	// HardMaxSessions is the hard cap on a caller-supplied MaxChannels
	// override (spec §4.4).
	HardMaxSessions = 10
)

// GetDefaultConfig returns the toolkit's default configuration. As with the
// teacher's config, do not default a bool to true: false is the zero value
// and would be indistinguishable from "not set" once merged with a user's
// partial config.yml.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		SSH: SSHConfig{
			Port:           22,
			ConnectTimeout: defaultConnTimeout,
		},
		Root: RootConfig{
			LoginCommand: "su -",
		},
		Timeouts: TimeoutConfig{
			Run:        defaultRunTimeout,
			FirstBit:   defaultFirstBitTimeout,
			BetweenBit: defaultBetweenBitTimeout,
			Delay:      defaultDelay,
		},
		Pool: PoolConfig{
			MaxChannels: DefaultMaxSessions,
		},
	}
}

// Normalize clamps every timeout to the relationships the buffer controller
// relies on (spec §4.2, §8 boundary cases): firstBit <= 80% of run, betweenBit
// <= 10% of run, delay kept in a sane range, MaxChannels within [1, hard cap].
func (u *UserConfig) Normalize() {
	if u.Timeouts.Run <= 0 {
		u.Timeouts.Run = defaultRunTimeout
	}
	if maxFirst := u.Timeouts.Run * 80 / 100; u.Timeouts.FirstBit <= 0 || u.Timeouts.FirstBit > maxFirst {
		u.Timeouts.FirstBit = maxFirst
	}
	if maxBetween := u.Timeouts.Run * 10 / 100; u.Timeouts.BetweenBit <= 0 || u.Timeouts.BetweenBit > maxBetween {
		u.Timeouts.BetweenBit = maxBetween
	}
	if u.Timeouts.Delay <= 0 || u.Timeouts.Delay > time.Second {
		u.Timeouts.Delay = defaultDelay
	}
	if u.Pool.MaxChannels <= 0 {
		u.Pool.MaxChannels = DefaultMaxSessions
	}
	if u.Pool.MaxChannels > HardMaxSessions {
		u.Pool.MaxChannels = HardMaxSessions
	}
	if u.Root.LoginCommand == "" {
		u.Root.LoginCommand = "su -"
	}
}

// ToolkitConfig bundles a UserConfig with the process-level metadata the
// teacher's AppConfig carried (name/version/debug/config dir).
type ToolkitConfig struct {
	Name      string
	Version   string
	Commit    string
	Debug     bool
	ConfigDir string

	UserConfig *UserConfig
}

// NewToolkitConfig loads (or creates) config.yml under the XDG config
// directory for name, merges it over the defaults, normalizes timeouts, and
// returns the bundle the toolkit facade is constructed from.
func NewToolkitConfig(name, version, commit string, debug bool) (*ToolkitConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}
	userConfig.Normalize()

	return &ToolkitConfig{
		Name:       name,
		Version:    version,
		Commit:     commit,
		Debug:      debug,
		ConfigDir:  configDir,
		UserConfig: userConfig,
	}, nil
}

func configDir(projectName string) string {
	if envDir := os.Getenv("SSHTOOLKIT_CONFIG_DIR"); envDir != "" {
		return envDir
	}
	dirs := xdg.New("", projectName)
	return dirs.ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDir(projectName)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	base := GetDefaultConfig()
	return loadUserConfig(configDir, &base)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, createErr := os.Create(fileName)
			if createErr != nil {
				return nil, createErr
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// ConfigFilename returns the filename of the current config file.
func (c *ToolkitConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}

// WriteToUserConfig loads the on-disk user config, applies updateConfig to
// it, and writes the result back out. Mirrors the teacher's
// AppConfig.WriteToUserConfig.
func (c *ToolkitConfig) WriteToUserConfig(updateConfig func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir, &UserConfig{})
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE, 0o666)
	if err != nil {
		return err
	}
	defer file.Close()

	return yaml.NewEncoder(file).Encode(userConfig)
}
