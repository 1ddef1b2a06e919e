// Package config defines the daemon's single configuration record and the
// two ways to populate it: command-line flags, or a YAML file whose keys
// mirror the long flag names with hyphens replaced by underscores, except
// for the two lists: --zk-host is zk_hosts and --non-auth-ip is
// srv_non_auth_ips.
package config

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete, statically-typed configuration record. Unlike
// the duck-typed kwargs object it replaces, every recognized key has a
// field here and LoadFromFile rejects anything else.
type Config struct {
	ZKHosts           []string `yaml:"zk_hosts"`
	ZKPathService     string   `yaml:"zk_path_service"`
	ZKPathMaintenance string   `yaml:"zk_path_maintenance"`
	LocalCheck        string   `yaml:"local_check"`
	Name              string   `yaml:"name"`
	AuthIP            string   `yaml:"auth_ip"`
	NonAuthIPs        []string `yaml:"srv_non_auth_ips"`

	Debug          bool   `yaml:"debug"`
	Silent         bool   `yaml:"silent"`
	NoSyslog       bool   `yaml:"no_syslog"`
	SyslogFacility string `yaml:"syslog_facility"`

	// StatusAddr, if non-empty, serves the read-only status introspection
	// API on this address (e.g. "127.0.0.1:8732"). Empty disables it.
	StatusAddr string `yaml:"status_addr"`
}

// DefaultConfig returns a Config with the daemon's baseline defaults. CLI
// flags and YAML files only need to override what differs.
func DefaultConfig() *Config {
	return &Config{
		ZKPathService:     "/exazk/service",
		ZKPathMaintenance: "/exazk/maintenance",
		SyslogFacility:    "daemon",
	}
}

// LoadFromFile parses a YAML file into a Config seeded with defaults. It
// rejects unknown top-level keys rather than silently ignoring typos.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is complete and well-formed
// enough to start the coordinator. It does not attempt to reach ZooKeeper.
func (c *Config) Validate() error {
	if len(c.ZKHosts) == 0 {
		return fmt.Errorf("zk_hosts is required")
	}
	if c.ZKPathService == "" {
		return fmt.Errorf("zk_path_service is required")
	}
	if c.ZKPathMaintenance == "" {
		return fmt.Errorf("zk_path_maintenance is required")
	}
	if c.LocalCheck == "" {
		return fmt.Errorf("local_check is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.AuthIP == "" {
		return fmt.Errorf("auth_ip is required")
	}
	authAddr, err := netip.ParseAddr(c.AuthIP)
	if err != nil {
		return fmt.Errorf("auth_ip: %w", err)
	}
	for _, ip := range c.NonAuthIPs {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return fmt.Errorf("srv_non_auth_ips: %w", err)
		}
		if addr == authAddr {
			return fmt.Errorf("srv_non_auth_ips: %q must not also be auth_ip", ip)
		}
	}
	if c.Debug && c.Silent {
		return fmt.Errorf("debug and silent are mutually exclusive")
	}
	return nil
}

// AuthAddr parses AuthIP. Callers should call Validate first; this panics
// on a malformed address to surface a programming error rather than mask
// it as a runtime condition.
func (c *Config) AuthAddr() netip.Addr {
	addr, err := netip.ParseAddr(c.AuthIP)
	if err != nil {
		panic(fmt.Sprintf("config: AuthIP %q was not validated: %v", c.AuthIP, err))
	}
	return addr
}

// NonAuthAddrs parses NonAuthIPs in order. See AuthAddr for the validation
// precondition.
func (c *Config) NonAuthAddrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, len(c.NonAuthIPs))
	for _, ip := range c.NonAuthIPs {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			panic(fmt.Sprintf("config: srv_non_auth_ips entry %q was not validated: %v", ip, err))
		}
		addrs = append(addrs, addr)
	}
	return addrs
}
