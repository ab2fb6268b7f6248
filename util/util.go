// Package util contains helpers shared by the rpipe client, server and CLI: logging, size and
// duration parsing, limiters, progress reporting and a few HTTP helpers.
package util

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"golang.org/x/term"
)

var (
	durationStrSecondsOnlyRegex = regexp.MustCompile(`(?i)^(\d+)$`)
	durationStrDaysOnlyRegex    = regexp.MustCompile(`(?i)^(\d+)d$`)
)

// ExpandHome replaces "~" with the user's home directory
func ExpandHome(path string) string {
	return os.ExpandEnv(strings.ReplaceAll(path, "~", "$HOME"))
}

// CollapseHome shortens a path that contains a user's home directory with "~"
func CollapseHome(path string) string {
	home := os.Getenv("HOME")
	if home != "" && strings.HasPrefix(path, home) {
		return fmt.Sprintf("~%s", strings.TrimPrefix(path, home))
	}
	return path
}

// BytesToHuman converts bytes to human readable format, e.g. 10 B or 10.1 MB
func BytesToHuman(b int64) string {
	if b < 0 {
		b = 0
	}
	return datasize.ByteSize(b).HR()
}

// DurationToHuman converts a duration to a human readable format
func DurationToHuman(d time.Duration) (str string) {
	d = d.Round(time.Second)
	days := d / time.Hour / 24
	if days > 0 {
		str += fmt.Sprintf("%dd", days)
	}
	d -= days * time.Hour * 24

	hours := d / time.Hour
	if hours > 0 {
		str += fmt.Sprintf("%dh", hours)
	}
	d -= hours * time.Hour

	minutes := d / time.Minute
	if minutes > 0 {
		str += fmt.Sprintf("%dm", minutes)
	}
	d -= minutes * time.Minute

	seconds := d / time.Second
	if seconds > 0 {
		str += fmt.Sprintf("%ds", seconds)
	}
	if str == "" {
		str = "0s"
	}
	return
}

// ParseDuration is a wrapper around Go's time.ParseDuration to supports days ("2d") and values without any
// unit ("1234"), which are interpreted as seconds. This is obviously inaccurate, but enough for the use case.
func ParseDuration(s string) (time.Duration, error) {
	matches := durationStrSecondsOnlyRegex.FindStringSubmatch(s)
	if matches != nil {
		seconds, err := strconv.Atoi(matches[1])
		if err != nil {
			return -1, fmt.Errorf("cannot convert number %s", matches[1])
		}
		return time.Duration(seconds) * time.Second, nil
	}
	matches = durationStrDaysOnlyRegex.FindStringSubmatch(s)
	if matches != nil {
		days, err := strconv.Atoi(matches[1])
		if err != nil {
			return -1, fmt.Errorf("cannot convert number %s", matches[1])
		}
		return time.Duration(days) * time.Hour * 24, nil
	}
	return time.ParseDuration(s)
}

// ParseSize parses a size string like 2K, 2MB or 123 into bytes. If no unit is found, bytes is assumed.
func ParseSize(s string) (int64, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return -1, fmt.Errorf("invalid size %s", s)
	}
	return int64(size.Bytes()), nil
}

// ReadPassword will read a password from STDIN. If the terminal supports it, it will not print the
// input characters to the screen. If not, it'll just read using normal readline semantics (useful for testing).
func ReadPassword(in io.Reader) ([]byte, error) {
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if (stat.Mode() & os.ModeCharDevice) == os.ModeCharDevice {
			password, err := term.ReadPassword(int(f.Fd())) // This is always going to be 0
			if err != nil {
				return nil, err
			}
			return password, nil
		}
	}
	reader := bufio.NewReader(in)
	password, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	return []byte(strings.TrimRight(password, "\r\n")), nil
}
