package config

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Store represents the config folder. Each client profile has its own config file in it.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore creates a new config store using the user-specific config dir
func NewStore(fs afero.Fs) *Store {
	return NewStoreWithDir(fs, getConfigDir())
}

// NewStoreWithDir creates a config store using the given directory as root
func NewStoreWithDir(fs afero.Fs, dir string) *Store {
	return &Store{
		fs:  fs,
		dir: dir,
	}
}

// FileFromName returns the config file path for the given profile name.
func (c *Store) FileFromName(profile string) string {
	return filepath.Join(c.dir, profile+suffixConf)
}

// Load loads the config of the given profile. If the profile has no config file, the defaults are returned,
// overridden by the environment.
func (c *Store) Load(profile string) (*Config, error) {
	return Load(c.fs, c.FileFromName(profile))
}

// Save writes the config for the given profile and returns the filename
func (c *Store) Save(profile string, conf *Config) (string, error) {
	filename := c.FileFromName(profile)
	if err := conf.WriteFile(c.fs, filename); err != nil {
		return "", err
	}
	return filename, nil
}

// All reads the config folder and returns a map of profile names and their Config structs
func (c *Store) All() map[string]*Config {
	configs := make(map[string]*Config)
	files, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		return configs
	}
	for _, f := range files {
		if strings.HasSuffix(f.Name(), suffixConf) {
			filename := filepath.Join(c.dir, f.Name())
			conf, err := LoadFromFile(c.fs, filename)
			if err == nil {
				configs[ExtractProfile(filename)] = conf
			}
		}
	}
	return configs
}
