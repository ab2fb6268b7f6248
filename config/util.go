package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ExtractProfile extracts the name of the profile from the config filename, e.g. the name of the profile with
// the config file ~/.config/rpipe/work.yml is "work".
func ExtractProfile(filename string) string {
	return strings.TrimSuffix(filepath.Base(filename), suffixConf)
}

// ExpandServerAddr expands the server address with the default port if no port is provided to a full URL, including
// protocol prefix. For instance: "myhost" will become "https://myhost:2581", and "myhost:443" will become "https://myhost",
// but "http://myhost:1234" will remain unchanged.
func ExpandServerAddr(serverAddr string) string {
	if strings.HasPrefix(serverAddr, "http://") || strings.HasPrefix(serverAddr, "https://") {
		return strings.TrimSuffix(serverAddr, "/")
	}
	if !strings.Contains(serverAddr, ":") {
		serverAddr = fmt.Sprintf("%s:%d", serverAddr, DefaultPort)
	}
	return fmt.Sprintf("https://%s", strings.ReplaceAll(serverAddr, ":443", ""))
}

// CollapseServerAddr removes the default port from the given server address if the address contains
// the default port, but leaves the address unchanged if it doesn't contain it.
func CollapseServerAddr(serverAddr string) string {
	if strings.HasPrefix(serverAddr, "http://") {
		return serverAddr
	}
	if strings.HasPrefix(serverAddr, "https://") {
		u, err := url.Parse(serverAddr)
		if err != nil {
			return serverAddr
		}
		if u.Port() == "" || u.Port() == "443" {
			return fmt.Sprintf("%s:443", u.Host)
		}
		return strings.TrimSuffix(u.Host, fmt.Sprintf(":%d", DefaultPort))
	}
	return strings.TrimSuffix(serverAddr, fmt.Sprintf(":%d", DefaultPort))
}

// DefaultCertFile returns the default path to the certificate file, relative to the config file. If mustExist is
// true, the function returns an empty string if the file does not exist.
func DefaultCertFile(fs afero.Fs, configFile string, mustExist bool) string {
	return defaultFileWithNewExt(fs, suffixCert, configFile, mustExist)
}

// DefaultKeyFile returns the default path to the key file, relative to the config file. If mustExist is
// true, the function returns an empty string.
func DefaultKeyFile(fs afero.Fs, configFile string, mustExist bool) string {
	return defaultFileWithNewExt(fs, suffixKey, configFile, mustExist)
}

func defaultFileWithNewExt(fs afero.Fs, newExtension string, configFile string, mustExist bool) string {
	file := strings.TrimSuffix(configFile, suffixConf) + newExtension
	if mustExist {
		if _, err := fs.Stat(file); err != nil {
			return ""
		}
	}
	return file
}
