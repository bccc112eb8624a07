// Package config loads and validates the gateway's YAML configuration.
// Snapshots are immutable; the gateway swaps whole snapshots on reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	KindLocalProcess = "local-process"
	KindExternalHTTP = "external-http"
)

// Auth types for external backends.
const (
	AuthNone   = ""
	AuthBearer = "bearer"
	AuthHeader = "header"
)

// Reserved naming rules for backends.
const (
	toolSeparator     = "__"
	reservedHubPrefix = "hub_"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Server holds the listener settings.
type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	PublicURL string `yaml:"public_url"`
}

// Credential maps a bearer token to a named caller for quota accounting.
type Credential struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// Auth configures outbound authentication for an external backend.
type Auth struct {
	Type  string `yaml:"type"`
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Backend describes one tool provider behind the gateway.
type Backend struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Enabled *bool  `yaml:"enabled"`

	// local-process fields.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// external-http fields.
	URL  string `yaml:"url"`
	Auth Auth   `yaml:"auth"`
}

// IsEnabled treats a missing enabled flag as true.
func (b Backend) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Timeouts hold the call-path deadlines. Zero values select the defaults.
type Timeouts struct {
	Handshake Duration `yaml:"handshake"`
	Call      Duration `yaml:"call"`
}

// Snapshot is one immutable parse of the config file.
type Snapshot struct {
	Server      Server       `yaml:"server"`
	Credentials []Credential `yaml:"credentials"`
	Backends    []Backend    `yaml:"backends"`
	Timeouts    Timeouts     `yaml:"timeouts"`

	byToken map[string]string
	byName  map[string]Backend
}

// Load reads, env-expands, parses, and validates the config file.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Snapshot from raw YAML. ${VAR} references are expanded from
// the environment before parsing, so secrets can stay out of the file.
func Parse(raw []byte) (*Snapshot, error) {
	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("expanding config: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal([]byte(expanded), &snap); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	snap.applyDefaults()
	if err := snap.validate(); err != nil {
		return nil, err
	}
	snap.index()
	return &snap, nil
}

// expandEnv rewrites ${VAR} references from the environment. Bare $WORD is
// left alone so tokens containing a literal dollar sign survive, $$ escapes
// to a single $, and an unset variable is an error instead of a silently
// empty secret.
func expandEnv(raw string) (string, error) {
	var out strings.Builder
	out.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '$' {
			out.WriteByte(c)
			continue
		}
		if i+1 < len(raw) && raw[i+1] == '$' {
			out.WriteByte('$')
			i++
			continue
		}
		if i+1 < len(raw) && raw[i+1] == '{' {
			end := strings.IndexByte(raw[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated ${ reference at byte %d", i)
			}
			name := raw[i+2 : i+2+end]
			val, ok := os.LookupEnv(name)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", name)
			}
			out.WriteString(val)
			i += 2 + end
			continue
		}
		out.WriteByte('$')
	}
	return out.String(), nil
}

func (s *Snapshot) applyDefaults() {
	if s.Server.Addr == "" {
		s.Server.Addr = ":8080"
	}
	if s.Server.BasePath == "" {
		s.Server.BasePath = "/"
	}
	if !strings.HasSuffix(s.Server.BasePath, "/") {
		s.Server.BasePath += "/"
	}
	if s.Timeouts.Handshake <= 0 {
		s.Timeouts.Handshake = Duration(30 * time.Second)
	}
	if s.Timeouts.Call <= 0 {
		s.Timeouts.Call = Duration(60 * time.Second)
	}
}

func (s *Snapshot) validate() error {
	tokens := make(map[string]string, len(s.Credentials))
	names := make(map[string]struct{}, len(s.Credentials))
	for i, c := range s.Credentials {
		if c.Name == "" {
			return fmt.Errorf("credential %d: name is required", i)
		}
		if c.Token == "" {
			return fmt.Errorf("credential %q: token is required", c.Name)
		}
		if _, dup := names[c.Name]; dup {
			return fmt.Errorf("duplicate credential name %q", c.Name)
		}
		names[c.Name] = struct{}{}
		if prev, dup := tokens[c.Token]; dup {
			return fmt.Errorf("credentials %q and %q share a token", prev, c.Name)
		}
		tokens[c.Token] = c.Name
	}

	seen := make(map[string]struct{}, len(s.Backends))
	for i, b := range s.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend %d: name is required", i)
		}
		if strings.Contains(b.Name, toolSeparator) {
			return fmt.Errorf("backend %q: name must not contain %q", b.Name, toolSeparator)
		}
		if strings.HasPrefix(b.Name, reservedHubPrefix) {
			return fmt.Errorf("backend %q: prefix %q is reserved", b.Name, reservedHubPrefix)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = struct{}{}

		switch b.Kind {
		case KindLocalProcess:
			if b.Command == "" {
				return fmt.Errorf("backend %q: command is required for %s", b.Name, KindLocalProcess)
			}
		case KindExternalHTTP:
			if b.URL == "" {
				return fmt.Errorf("backend %q: url is required for %s", b.Name, KindExternalHTTP)
			}
			switch b.Auth.Type {
			case AuthNone:
			case AuthBearer:
				if b.Auth.Token == "" {
					return fmt.Errorf("backend %q: bearer auth requires a token", b.Name)
				}
			case AuthHeader:
				if b.Auth.Name == "" || b.Auth.Value == "" {
					return fmt.Errorf("backend %q: header auth requires name and value", b.Name)
				}
			default:
				return fmt.Errorf("backend %q: unknown auth type %q", b.Name, b.Auth.Type)
			}
		default:
			return fmt.Errorf("backend %q: unknown kind %q", b.Name, b.Kind)
		}
	}
	return nil
}

func (s *Snapshot) index() {
	s.byToken = make(map[string]string, len(s.Credentials))
	for _, c := range s.Credentials {
		s.byToken[c.Token] = c.Name
	}
	s.byName = make(map[string]Backend, len(s.Backends))
	for _, b := range s.Backends {
		s.byName[b.Name] = b
	}
}

// Authenticate maps a bearer token to its credential name.
func (s *Snapshot) Authenticate(token string) (string, bool) {
	name, ok := s.byToken[token]
	return name, ok
}

// Backend looks up a backend by name.
func (s *Snapshot) Backend(name string) (Backend, bool) {
	b, ok := s.byName[name]
	return b, ok
}

// EnabledBackends returns the enabled backends in file order.
func (s *Snapshot) EnabledBackends() []Backend {
	out := make([]Backend, 0, len(s.Backends))
	for _, b := range s.Backends {
		if b.IsEnabled() {
			out = append(out, b)
		}
	}
	return out
}
