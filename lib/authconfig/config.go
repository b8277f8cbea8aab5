// Copyright 2026 The Pico Authors
// SPDX-License-Identifier: Apache-2.0

package authconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// Standard file names inside the config directory.
const (
	PublicKeyFile  = "pico_pub_key.der"
	PrivateKeyFile = "pico_priv_key.der"
	UsersFile      = "users.txt"
	TargetsFile    = "bluetooth.txt"
	ConfigFile     = "config.txt"
)

// ChannelType selects the transport an authentication session listens
// on.
type ChannelType int

const (
	// ChannelRvp is the rendezvous-point HTTP long-poll channel.
	ChannelRvp ChannelType = iota
	// ChannelStream is the stream-socket channel.
	ChannelStream
	// ChannelAttr is the attribute-based radio channel.
	ChannelAttr
)

// String returns the configuration-file spelling of the channel type.
func (t ChannelType) String() string {
	switch t {
	case ChannelRvp:
		return "rvp"
	case ChannelStream:
		return "stream"
	case ChannelAttr:
		return "attr"
	}
	return fmt.Sprintf("ChannelType(%d)", int(t))
}

// ErrMalformed reports a config file that exists but is not a JSON
// object. The caller logs it and keeps the values it already has.
var ErrMalformed = errors.New("authconfig: malformed configuration")

// Config is the effective configuration of one session.
type Config struct {
	// Continuous keeps the session re-authenticating the phone after
	// the initial handshake succeeds.
	Continuous bool

	// Channel selects the transport.
	Channel ChannelType

	// Beacons broadcasts the invitation to the bluetooth.txt targets.
	Beacons bool

	// AnyUser passes the full user table to the handshake instead of
	// filtering to the requested username. Locked: never read from the
	// config file.
	AnyUser bool

	// TimeoutSeconds bounds the whole session; 0 means no timeout.
	TimeoutSeconds float64

	// RvpURLPrefix is the rendezvous URL the channel name is appended
	// to. Always ends in "/".
	RvpURLPrefix string

	// ConfigDir is the directory holding keys, users.txt and
	// bluetooth.txt. Always ends in "/".
	ConfigDir string
}

// Default configuration values.
const (
	DefaultRvpURLPrefix = "http://rendezvous.mypico.org/channel/"
	DefaultConfigDir    = "/etc/pam-pico/"
)

// New returns the compiled-in defaults.
func New() *Config {
	return &Config{
		Channel:      ChannelRvp,
		RvpURLPrefix: DefaultRvpURLPrefix,
		ConfigDir:    DefaultConfigDir,
	}
}

// LoadFile overlays the JSON dictionary at path onto c. A missing file
// is not an error: the values already in c stand. A file that exists
// but does not parse as a JSON object returns ErrMalformed and leaves c
// unchanged. The any_user key is discarded regardless of its value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	anyUser := c.AnyUser
	if err := c.overlay(string(data)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	c.AnyUser = anyUser
	return nil
}

// OverlayCaller overlays the caller-supplied JSON parameter dictionary
// onto c. All recognised keys apply, including any_user. An empty
// string is a no-op.
func (c *Config) OverlayCaller(parameters string) error {
	if strings.TrimSpace(parameters) == "" {
		return nil
	}
	if err := c.overlay(parameters); err != nil {
		return fmt.Errorf("%w: caller parameters: %v", ErrMalformed, err)
	}
	return nil
}

// overlay applies the recognised keys of one JSON dictionary. Unknown
// keys are ignored. Comments and trailing commas are tolerated.
func (c *Config) overlay(raw string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &fields); err != nil {
		return err
	}

	if v, ok := fields["continuous"]; ok {
		if b, err := parseBool(v); err == nil {
			c.Continuous = b
		}
	}
	if v, ok := fields["channel_type"]; ok {
		var name string
		if err := json.Unmarshal(v, &name); err == nil {
			switch name {
			case "rvp":
				c.Channel = ChannelRvp
			case "stream":
				c.Channel = ChannelStream
			case "attr":
				c.Channel = ChannelAttr
			}
		}
	}
	if v, ok := fields["beacons"]; ok {
		if b, err := parseBool(v); err == nil {
			c.Beacons = b
		}
	}
	if v, ok := fields["any_user"]; ok {
		if b, err := parseBool(v); err == nil {
			c.AnyUser = b
		}
	}
	if v, ok := fields["timeout_seconds"]; ok {
		var seconds float64
		if err := json.Unmarshal(v, &seconds); err == nil {
			c.TimeoutSeconds = seconds
		}
	}
	if v, ok := fields["rvp_url_prefix"]; ok {
		var prefix string
		if err := json.Unmarshal(v, &prefix); err == nil {
			c.RvpURLPrefix = ensureTrailingSlash(prefix)
		}
	}
	if v, ok := fields["config_dir"]; ok {
		var dir string
		if err := json.Unmarshal(v, &dir); err == nil {
			c.ConfigDir = ensureTrailingSlash(dir)
		}
	}
	return nil
}

// parseBool accepts JSON booleans and the 0/1 integers the PAM side
// has always sent.
func parseBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, nil
	}
	return false, fmt.Errorf("neither boolean nor number: %s", raw)
}

// ensureTrailingSlash appends "/" when absent, so that file names can
// be joined by plain concatenation everywhere.
func ensureTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

// Serialize renders c as a JSON dictionary using the recognised keys.
// Overlaying the result onto defaults reproduces c.
func (c *Config) Serialize() (string, error) {
	fields := map[string]any{
		"continuous":      c.Continuous,
		"channel_type":    c.Channel.String(),
		"beacons":         c.Beacons,
		"any_user":        c.AnyUser,
		"timeout_seconds": c.TimeoutSeconds,
		"rvp_url_prefix":  c.RvpURLPrefix,
		"config_dir":      c.ConfigDir,
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Path joins a standard file name onto the config directory.
func (c *Config) Path(name string) string {
	return c.ConfigDir + name
}
