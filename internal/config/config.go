// Package config owns the agent's YAML configuration file: broker address,
// agent ident, appearance, and the card number to ICCID mapping.
package config

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tachobridge/tacho-bridge/internal/events"
	"github.com/tachobridge/tacho-bridge/internal/logging"
)

const (
	fileName       = "config.yaml"
	defaultHost    = "localhost:1883"
	defaultVersion = "2"
)

// CardConfig is the stored configuration for one card.
type CardConfig struct {
	ICCID  string  `yaml:"iccid" json:"iccid"`
	Expire *uint64 `yaml:"expire,omitempty" json:"expire,omitempty"`
	Name   *string `yaml:"name,omitempty" json:"name,omitempty"`
}

// UnmarshalYAML accepts both the current mapping form and the legacy form
// where a card entry was a bare ICCID string.
func (c *CardConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.ICCID = node.Value
		return nil
	}
	type plain CardConfig
	return node.Decode((*plain)(c))
}

// ServerConfig holds the broker endpoint as host:port.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
}

// AppearanceConfig holds UI preferences persisted alongside the agent config.
type AppearanceConfig struct {
	DarkTheme string `yaml:"dark_theme" json:"dark_theme"`
}

// File is the on-disk document.
type File struct {
	Name        string                `yaml:"name"`
	Version     string                `yaml:"version"`
	Description string                `yaml:"description"`
	Ident       string                `yaml:"ident,omitempty"`
	Appearance  *AppearanceConfig     `yaml:"appearance,omitempty"`
	Server      *ServerConfig         `yaml:"server,omitempty"`
	Cards       map[string]CardConfig `yaml:"cards,omitempty"`
}

// Snapshot is a read-only copy of the settings hot paths need. Callers get
// plain fields instead of digging through the document.
type Snapshot struct {
	Host      string
	Ident     string
	DarkTheme string
	cards     map[string]CardConfig
}

// LookupCardNumber returns the card number configured for an ICCID, or ""
// when the card is unknown.
func (s Snapshot) LookupCardNumber(iccid string) string {
	for number, card := range s.cards {
		if card.ICCID == iccid {
			return number
		}
	}
	return ""
}

// Cards returns a copy of the card map.
func (s Snapshot) Cards() map[string]CardConfig {
	out := make(map[string]CardConfig, len(s.cards))
	for k, v := range s.cards {
		out[k] = v
	}
	return out
}

// ConnectionRemover detaches a live connection when its card is deleted
// from the configuration.
type ConnectionRemover interface {
	Remove(clientIDs ...string)
}

// Store is the mutex-guarded configuration held in memory and mirrored to
// disk on every mutation.
type Store struct {
	mu      sync.RWMutex
	path    string
	file    File
	sink    events.Sink
	remover ConnectionRemover
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tacho-bridge", fileName), nil
}

// Init loads the configuration from path, creating a default file when none
// exists and migrating legacy card entries in place.
func Init(path string, sink events.Sink) (*Store, error) {
	st := &Store{path: path, sink: events.Wrap(sink)}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		st.file = defaultFile()
		if err := st.save(); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		logging.Info(logging.CatConfig, "Default configuration created", map[string]any{
			"path":  path,
			"ident": st.file.Ident,
		})
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &st.file); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if st.migrate() {
			if err := st.save(); err != nil {
				return nil, fmt.Errorf("save migrated config: %w", err)
			}
			logging.Info(logging.CatConfig, "Configuration migrated", map[string]any{
				"path": path,
			})
		}
	}
	return st, nil
}

// SetRemover wires the live-connection registry in after construction.
func (st *Store) SetRemover(r ConnectionRemover) {
	st.mu.Lock()
	st.remover = r
	st.mu.Unlock()
}

func defaultFile() File {
	return File{
		Name:        "tacho-bridge",
		Version:     defaultVersion,
		Description: "Tachograph card to broker bridge agent",
		Ident:       generateIdent(),
		Appearance:  &AppearanceConfig{DarkTheme: "auto"},
		Server:      &ServerConfig{Host: defaultHost},
		Cards:       map[string]CardConfig{},
	}
}

// generateIdent creates a provisional agent ident until the server assigns
// a real one.
func generateIdent() string {
	return fmt.Sprintf("TBA%013d", rand.Int64N(10_000_000_000_000))
}

// migrate fills in fields added after the file was first written. Returns
// true when the document changed.
func (st *Store) migrate() bool {
	changed := false
	if st.file.Ident == "" {
		st.file.Ident = generateIdent()
		changed = true
	}
	if st.file.Server == nil {
		st.file.Server = &ServerConfig{Host: defaultHost}
		changed = true
	}
	if st.file.Appearance == nil {
		st.file.Appearance = &AppearanceConfig{DarkTheme: "auto"}
		changed = true
	}
	if st.file.Version != defaultVersion {
		st.file.Version = defaultVersion
		changed = true
	}
	if st.file.Cards == nil {
		st.file.Cards = map[string]CardConfig{}
		changed = true
	}
	return changed
}

func (st *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return err
	}
	raw, err := yaml.Marshal(&st.file)
	if err != nil {
		return err
	}
	return os.WriteFile(st.path, raw, 0o644)
}

// Snapshot returns a consistent copy of the current configuration.
func (st *Store) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	snap := Snapshot{
		Ident: st.file.Ident,
		cards: make(map[string]CardConfig, len(st.file.Cards)),
	}
	if st.file.Server != nil {
		snap.Host = st.file.Server.Host
	}
	if st.file.Appearance != nil {
		snap.DarkTheme = st.file.Appearance.DarkTheme
	}
	for k, v := range st.file.Cards {
		snap.cards[k] = v
	}
	return snap
}

// LookupCardNumber resolves an ICCID against the current card map.
func (st *Store) LookupCardNumber(iccid string) string {
	return st.Snapshot().LookupCardNumber(iccid)
}

// BrokerHost returns the configured broker endpoint as host:port.
func (st *Store) BrokerHost() string {
	return st.Snapshot().Host
}

// UpdateCard inserts or replaces the configuration for one card and
// announces the change.
func (st *Store) UpdateCard(cardNumber string, content CardConfig) error {
	st.mu.Lock()
	if st.file.Cards == nil {
		st.file.Cards = map[string]CardConfig{}
	}
	st.file.Cards[cardNumber] = content
	err := st.save()
	sink := st.sink
	st.mu.Unlock()

	if err != nil {
		return err
	}
	sink.EmitCardConfig(events.CardConfigUpdate{CardNumber: cardNumber, Content: content})
	logging.Info(logging.CatConfig, "Card configuration updated", map[string]any{
		"card": cardNumber,
	})
	return nil
}

// RemoveCard deletes a card from the configuration and detaches its live
// connection, if any.
func (st *Store) RemoveCard(cardNumber string) error {
	st.mu.Lock()
	_, existed := st.file.Cards[cardNumber]
	delete(st.file.Cards, cardNumber)
	err := st.save()
	sink := st.sink
	remover := st.remover
	st.mu.Unlock()

	if err != nil {
		return err
	}
	if remover != nil {
		remover.Remove(cardNumber)
	}
	if existed {
		sink.EmitCardConfig(events.CardConfigUpdate{CardNumber: cardNumber})
		logging.Info(logging.CatConfig, "Card configuration removed", map[string]any{
			"card": cardNumber,
		})
	}
	return nil
}

// UpdateServer replaces the broker host, agent ident, and theme. Empty
// arguments keep the stored value.
func (st *Store) UpdateServer(host, ident, darkTheme string) error {
	st.mu.Lock()
	if host != "" {
		if st.file.Server == nil {
			st.file.Server = &ServerConfig{}
		}
		st.file.Server.Host = host
	}
	if ident != "" {
		st.file.Ident = ident
	}
	if darkTheme != "" {
		if st.file.Appearance == nil {
			st.file.Appearance = &AppearanceConfig{}
		}
		st.file.Appearance.DarkTheme = darkTheme
	}
	err := st.save()
	sink := st.sink
	payload := map[string]string{
		"host":       "",
		"ident":      st.file.Ident,
		"dark_theme": "",
	}
	if st.file.Server != nil {
		payload["host"] = st.file.Server.Host
	}
	if st.file.Appearance != nil {
		payload["dark_theme"] = st.file.Appearance.DarkTheme
	}
	st.mu.Unlock()

	if err != nil {
		return err
	}
	sink.EmitServerConfig(payload)
	logging.Info(logging.CatConfig, "Server configuration updated", map[string]any{
		"host": payload["host"],
	})
	return nil
}

// SplitHostPort parses the configured host:port broker endpoint.
func SplitHostPort(hostPort string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", 0, fmt.Errorf("invalid server host %q: %w", hostPort, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid server port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}
