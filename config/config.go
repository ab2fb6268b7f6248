// Package config provides an interface to configure a rpipe server and client
package config

import (
	_ "embed" // Required for go:embed instructions
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"regexp"
	"text/template"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"heckel.io/rpipe/codec"
	"heckel.io/rpipe/crypto"
	"heckel.io/rpipe/util"
)

const (
	// DefaultPort defines the default port. Server addresses without port will be expanded to include it.
	DefaultPort = 2581

	// DefaultServerConfigFile defines the default config file at which "rpipe serve" will look for the config.
	// This is a server-only setting.
	DefaultServerConfigFile = "/etc/rpipe/server.yml"

	// DefaultProfile is the name of the client config profile that is used if none is passed by the user.
	// It determines the config file location. This setting is only relevant for the client.
	DefaultProfile = "default"

	// DefaultChannelTTL is the duration of inactivity after which the server expires a channel
	DefaultChannelTTL = time.Hour

	// DefaultChannelTTLMax is the max. TTL a sender may request via X-TTL
	DefaultChannelTTLMax = time.Hour * 24

	// DefaultChannelSizeLimit is the max. number of bytes that may be queued in a single channel
	DefaultChannelSizeLimit = 256 * 1024 * 1024

	// DefaultLockTimeout is the time after which a receiver's lock on a channel is considered stale
	DefaultLockTimeout = time.Minute

	// DefaultWaitMax caps the long-poll duration a receiver may request
	DefaultWaitMax = 30 * time.Second

	// DefaultTimeout is the client-side timeout of a single request/response exchange
	DefaultTimeout = time.Minute

	// DefaultRetries is the number of times a client retries a failed exchange
	DefaultRetries = 8

	// DefaultWait is the long-poll duration a receiving client asks for
	DefaultWait = 20 * time.Second

	// DefaultIdleTimeout is the time a receiving client waits for the next chunk before giving up
	DefaultIdleTimeout = 5 * time.Minute

	// EnvPassword provides the ability to provide the channel password to the client
	EnvPassword = "RPIPE_PASSWORD"

	// EnvAdminPassword provides the admin password to the "rpipe admin" commands
	EnvAdminPassword = "RPIPE_ADMIN_PASSWORD"

	// EnvConfigDir allows overriding the user-specific config dir
	EnvConfigDir = "RPIPE_CONFIG_DIR"

	envPrefix              = "RPIPE"
	systemConfigDir        = "/etc/rpipe"
	userConfigDir          = "~/.config/rpipe"
	suffixConf             = ".yml"
	suffixKey              = ".key"
	suffixCert             = ".crt"
	defaultManagerInterval = 30 * time.Second
)

var (
	// ChannelRegex defines the allowed channel names
	ChannelRegex = regexp.MustCompile(`^[-_.a-zA-Z0-9]{1,128}$`)

	//go:embed "config.yml.tmpl"
	configTemplateSource string
	configTemplate       = template.Must(template.New("config").Funcs(templateFnMap).Parse(configTemplateSource))

	templateFnMap = template.FuncMap{
		"bytesToHuman": util.BytesToHuman,
	}

	defaultLimitGET      = rate.Every(100 * time.Millisecond)
	defaultLimitGETBurst = 500
	defaultLimitPUT      = rate.Every(100 * time.Millisecond)
	defaultLimitPUTBurst = 500

	errInvalidChannel = errors.New("invalid channel name, only letters, numbers, '-', '_' and '.' are allowed")
)

// Config is the configuration struct used to configure the client and the server. Some settings only apply to
// the client, others only to the server. Many (but not all) of these settings can be set either via the config
// file, via environment variables, or via command line parameters.
type Config struct {
	// Server
	ListenHTTPS       string
	ListenHTTP        string
	ServerAddr        string
	KeyFile           string
	CertFile          string
	StateDir          string
	ChannelTTL        time.Duration
	ChannelTTLMax     time.Duration
	ChannelSizeLimit  int64
	TotalSizeLimit    int64
	ChannelCountLimit int
	MaxFrameSize      int64
	LockTimeout       time.Duration
	WaitMax           time.Duration
	ManagerInterval   time.Duration
	LimitGET          rate.Limit
	LimitGETBurst     int
	LimitPUT          rate.Limit
	LimitPUTBurst     int
	AdminKey          *crypto.Key
	BlockedIPs        []string

	// Client
	URL         string
	Channel     string
	Password    string
	ChunkSize   int64
	Compression string
	Cipher      string
	Timeout     time.Duration
	Retries     int
	Wait        time.Duration
	IdleTimeout time.Duration

	Debug        bool
	ProgressFunc util.ProgressFunc `mapstructure:"-"`
}

// New returns the default config
func New() *Config {
	return &Config{
		ListenHTTPS:       "",
		ListenHTTP:        fmt.Sprintf(":%d", DefaultPort),
		ServerAddr:        "",
		KeyFile:           "",
		CertFile:          "",
		StateDir:          "",
		ChannelTTL:        DefaultChannelTTL,
		ChannelTTLMax:     DefaultChannelTTLMax,
		ChannelSizeLimit:  DefaultChannelSizeLimit,
		TotalSizeLimit:    0,
		ChannelCountLimit: 0,
		MaxFrameSize:      codec.HeaderLen + codec.MaxChunkSize + 1024,
		LockTimeout:       DefaultLockTimeout,
		WaitMax:           DefaultWaitMax,
		ManagerInterval:   defaultManagerInterval,
		LimitGET:          defaultLimitGET,
		LimitGETBurst:     defaultLimitGETBurst,
		LimitPUT:          defaultLimitPUT,
		LimitPUTBurst:     defaultLimitPUTBurst,
		AdminKey:          nil,
		BlockedIPs:        nil,
		URL:               "",
		Channel:           "",
		Password:          "",
		ChunkSize:         codec.DefaultChunkSize,
		Compression:       codec.CompressionZstd.String(),
		Cipher:            codec.CipherAESGCM.String(),
		Timeout:           DefaultTimeout,
		Retries:           DefaultRetries,
		Wait:              DefaultWait,
		IdleTimeout:       DefaultIdleTimeout,
		ProgressFunc:      nil,
	}
}

// Validate checks the client-relevant settings for consistency
func (c *Config) Validate() error {
	if c.Channel != "" && !ChannelRegex.MatchString(c.Channel) {
		return errInvalidChannel
	}
	if c.ChunkSize <= 0 || c.ChunkSize > codec.MaxChunkSize {
		return fmt.Errorf("invalid config value for 'ChunkSize': must be between 1 and %s", util.BytesToHuman(codec.MaxChunkSize))
	}
	if _, err := codec.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("invalid config value for 'Compression': %w", err)
	}
	if _, err := codec.ParseCipher(c.Cipher); err != nil {
		return fmt.Errorf("invalid config value for 'Cipher': %w", err)
	}
	if c.ChannelTTLMax > 0 && c.ChannelTTL > c.ChannelTTLMax {
		return fmt.Errorf("invalid config value for 'ChannelTTL': default value cannot be larger than max")
	}
	return nil
}

// WriteFile writes the configuration to a file.
func (c *Config) WriteFile(fs afero.Fs, filename string) error {
	if err := fs.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return err
	}
	f, err := fs.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return configTemplate.Execute(f, c)
}

// LoadFromFile loads the configuration from a file, starting from the defaults. Values from the
// environment (RPIPE_PASSWORD, RPIPE_URL, ...) take precedence over values in the file.
func LoadFromFile(fs afero.Fs, filename string) (*Config, error) {
	if _, err := fs.Stat(filename); err != nil {
		return nil, err
	}
	conf, err := load(fs, filename)
	if err != nil {
		return nil, err
	}
	if conf.KeyFile == "" {
		conf.KeyFile = DefaultKeyFile(fs, filename, true)
	}
	if conf.CertFile == "" {
		conf.CertFile = DefaultCertFile(fs, filename, true)
	}
	return conf, nil
}

// Load is like LoadFromFile, but it does not fail if the file does not exist. In that case, the defaults
// and the environment are used.
func Load(fs afero.Fs, filename string) (*Config, error) {
	if filename != "" {
		if _, err := fs.Stat(filename); err == nil {
			return LoadFromFile(fs, filename)
		}
	}
	return load(fs, "")
}

// envKeys are the config keys that can be overridden with RPIPE_* environment variables
var envKeys = []string{"URL", "Channel", "Password", "StateDir", "Debug"}

func load(fs afero.Fs, filename string) (*Config, error) {
	v, err := newViper(fs)
	if err != nil {
		return nil, err
	}
	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "cannot read config file %s", filename)
		}
	}
	conf := New()
	if err := v.Unmarshal(conf, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	conf.StateDir = util.ExpandHome(conf.StateDir)
	if conf.URL != "" {
		conf.URL = ExpandServerAddr(conf.URL)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func newViper(fs afero.Fs) (*viper.Viper, error) {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "cannot bind environment variable for %s", key)
		}
	}
	return v, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToDurationHook,
		stringToSizeHook,
		stringToKeyHook,
		mapstructure.StringToSliceHookFunc(","),
	)
}

// stringToDurationHook parses durations with util.ParseDuration, so that "2d" and "30" (seconds) work
func stringToDurationHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	return util.ParseDuration(data.(string))
}

// stringToSizeHook parses sizes like "10M" into int64 byte counts
func stringToSizeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != reflect.TypeOf(int64(0)) {
		return data, nil
	}
	return util.ParseSize(data.(string))
}

// stringToKeyHook decodes an admin key as printed by "rpipe admin keygen"
func stringToKeyHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != reflect.TypeOf(&crypto.Key{}) {
		return data, nil
	}
	if data.(string) == "" {
		return nil, nil
	}
	key, err := crypto.DecodeKey(data.(string))
	if err != nil {
		return nil, errors.Wrap(err, "invalid config value for 'AdminKey'")
	}
	return key, nil
}

func getConfigDir() string {
	overrideConfigDir := os.Getenv(EnvConfigDir)
	if overrideConfigDir != "" {
		return overrideConfigDir
	}
	u, err := user.Current()
	if err == nil && u.Uid == "0" {
		return systemConfigDir
	}
	return util.ExpandHome(userConfigDir)
}

// ValidChannel returns true if name is an allowed channel name
func ValidChannel(name string) bool {
	return ChannelRegex.MatchString(name)
}
