// Package config loads the YAML configuration surfaces: the per-endpoint
// client configuration and the bank's permission model.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint is the configuration every endpoint (person or bank) starts from.
type Endpoint struct {
	Person  Person   `yaml:"person"`
	General General  `yaml:"general"`
	Server  Server   `yaml:"server"`
	Actions []string `yaml:"actions"`
}

// Person identifies the endpoint and carries its pre-generated key pair.
// Name follows the "last,first" convention.
type Person struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Keys Keys   `yaml:"keys"`
}

// Keys are base64 PKCS#1 DER, the PEM body without header and footer lines.
type Keys struct {
	Public  string `yaml:"public"`
	Private string `yaml:"private"`
}

// General holds run bounds: duration caps the endpoint's whole run, retries
// and timeout parameterize request retry behavior. All values are seconds.
type General struct {
	Duration int `yaml:"duration"`
	Retries  int `yaml:"retries"`
	Timeout  int `yaml:"timeout"`
}

// Server locates the relay.
type Server struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// Action is one configured outbound message.
type Action struct {
	RecipientID string
	Message     string
}

// actionPattern matches the textual convention "SEND [<recipient_id>] <message>".
var actionPattern = regexp.MustCompile(`^SEND \[(\S+)\] (.+)$`)

// LoadEndpoint reads and validates an endpoint configuration file.
func LoadEndpoint(filename string) (*Endpoint, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Endpoint
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Defaults
	if cfg.General.Retries == 0 {
		cfg.General.Retries = 1
	}
	if cfg.General.Timeout == 0 {
		cfg.General.Timeout = 1
	}
	if cfg.Server.IP == "" {
		cfg.Server.IP = "localhost"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Endpoint) validate() error {
	if c.Person.ID == "" {
		return fmt.Errorf("person.id is required")
	}
	if c.Person.Keys.Public == "" || c.Person.Keys.Private == "" {
		return fmt.Errorf("person.keys.public and person.keys.private are required")
	}
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.General.Duration <= 0 {
		return fmt.Errorf("general.duration must be positive, got %d", c.General.Duration)
	}
	if _, err := c.ParsedActions(); err != nil {
		return err
	}
	return nil
}

// FirstName returns the first-name half of the "last,first" name.
func (p Person) FirstName() string {
	if _, first, ok := strings.Cut(p.Name, ","); ok {
		return first
	}
	return ""
}

// LastName returns the last-name half of the "last,first" name.
func (p Person) LastName() string {
	last, _, _ := strings.Cut(p.Name, ",")
	return last
}

// URL renders the relay's websocket URL.
func (s Server) URL() string {
	return fmt.Sprintf("ws://%s:%d", s.IP, s.Port)
}

// RunDuration returns the run bound as a time.Duration.
func (g General) RunDuration() time.Duration {
	return time.Duration(g.Duration) * time.Second
}

// Backoff returns the fixed sleep between request retries.
func (g General) Backoff() time.Duration {
	return time.Duration(g.Timeout) * time.Second
}

// ParsedActions parses the configured action strings into recipient and
// message pairs.
func (c *Endpoint) ParsedActions() ([]Action, error) {
	actions := make([]Action, 0, len(c.Actions))
	for _, raw := range c.Actions {
		m := actionPattern.FindStringSubmatch(raw)
		if m == nil {
			return nil, fmt.Errorf("invalid action %q: expected \"SEND [<recipient_id>] <message>\"", raw)
		}
		actions = append(actions, Action{RecipientID: m[1], Message: m[2]})
	}
	return actions, nil
}

// Relay configures the relay daemon.
type Relay struct {
	Port  int  `yaml:"port"`
	Debug bool `yaml:"debug"`
}

// LoadRelay reads a relay configuration file, defaulting the port.
func LoadRelay(filename string) (*Relay, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Relay
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 8765
	}
	return &cfg, nil
}

// Permissions is the bank's static permission model plus the ledger location.
type Permissions struct {
	Persons       map[string]PersonEntry  `yaml:"persons"`
	Organizations map[string]Organization `yaml:"organizations"`
	Database      string                  `yaml:"database"`

	// Accounts optionally seeds balances on a fresh database.
	Accounts map[string]int64 `yaml:"accounts"`
}

// PersonEntry links a person to their personal account and public key.
type PersonEntry struct {
	Account   string `yaml:"account"`
	PublicKey string `yaml:"public_key"`
}

// Organization owns one account and employs persons with per-person
// permission lists.
type Organization struct {
	Account   string              `yaml:"account"`
	Employees map[string]Employee `yaml:"employees"`
}

// Employee grants a subset of the operations ("ADD", "SUB") on the
// employer's account.
type Employee struct {
	Permissions []string `yaml:"permissions"`
}

// LoadPermissions reads and validates a bank permission file.
func LoadPermissions(filename string) (*Permissions, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read permissions file: %w", err)
	}

	var p Permissions
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse permissions file: %w", err)
	}
	if p.Database == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Each organization account may appear under exactly one organization.
	owners := make(map[string]string)
	for orgID, org := range p.Organizations {
		if org.Account == "" {
			return nil, fmt.Errorf("organization %s has no account", orgID)
		}
		if other, dup := owners[org.Account]; dup {
			return nil, fmt.Errorf("account %s belongs to both %s and %s", org.Account, other, orgID)
		}
		owners[org.Account] = orgID
	}

	return &p, nil
}
