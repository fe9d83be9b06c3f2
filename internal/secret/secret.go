// Package secret normalizes connection identity — connection strings and
// structured Secret records — into a single validated shape (spec.md §3, §6).
package secret

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dbbouncer/mssqlcore/internal/errs"
)

// Secret is the normalized connection identity. Exactly one of
// (User+Password) or AzureSecret is populated after Validate succeeds.
type Secret struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	UseEncrypt  bool
	Catalog     bool
	AzureSecret string
	AzureTenant string
}

const defaultPort = 1433

// redactedKeys are never surfaced by Introspect.
var redactedKeys = map[string]bool{
	"password":     true,
	"azure_secret": true,
}

// FromMap normalizes a structured secret record (spec.md §3).
func FromMap(m map[string]string) (Secret, error) {
	s := Secret{
		Host:       m["host"],
		Database:   m["database"],
		User:       m["user"],
		Password:   m["password"],
		UseEncrypt: true,
		Catalog:    true,
		AzureSecret: m["azure_secret"],
		AzureTenant: m["azure_tenant"],
	}
	if p, ok := m["port"]; ok && p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Secret{}, errs.Wrap(errs.KindConfig, "invalid port", err)
		}
		s.Port = port
	}
	if v, ok := m["use_encrypt"]; ok {
		b, err := parseBool(v)
		if err != nil {
			return Secret{}, errs.Wrap(errs.KindConfig, "invalid use_encrypt", err)
		}
		s.UseEncrypt = b
	}
	if v, ok := m["catalog"]; ok {
		b, err := parseBool(v)
		if err != nil {
			return Secret{}, errs.Wrap(errs.KindConfig, "invalid catalog", err)
		}
		s.Catalog = b
	}
	if err := s.validate(); err != nil {
		return Secret{}, err
	}
	s.applyDefaults()
	return s, nil
}

// aliasGroups lists connection-string keys that refer to the same field;
// conflicting values across aliases in the same group is a ConfigError.
var aliasGroups = map[string][]string{
	"host":        {"server", "data source"},
	"database":    {"database", "initial catalog"},
	"user":        {"user id", "uid", "user"},
	"password":    {"password", "pwd"},
	"use_encrypt": {"encrypt", "trustservercertificate"},
	"catalog":     {"catalog"},
}

// FromConnectionString parses the semicolon-separated key=value grammar of
// spec.md §6.
func FromConnectionString(connStr string) (Secret, error) {
	raw := map[string]string{}
	for _, part := range strings.Split(connStr, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return Secret{}, errs.New(errs.KindConfig, fmt.Sprintf("malformed connection string segment %q", part))
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		raw[key] = strings.TrimSpace(kv[1])
	}

	resolved := map[string]string{}
	for canon, aliases := range aliasGroups {
		var found string
		var foundKey string
		for _, alias := range aliases {
			if v, ok := raw[alias]; ok {
				if found != "" && v != found {
					return Secret{}, errs.New(errs.KindConfig,
						fmt.Sprintf("conflicting values for %s: %q=%q vs %q=%q", canon, foundKey, found, alias, v))
				}
				found = v
				foundKey = alias
			}
		}
		if found != "" {
			resolved[canon] = found
		}
	}

	m := map[string]string{}
	if hp, ok := resolved["host"]; ok {
		host, port, err := splitHostPort(hp)
		if err != nil {
			return Secret{}, err
		}
		m["host"] = host
		if port != "" {
			m["port"] = port
		}
	}
	if v, ok := resolved["database"]; ok {
		m["database"] = v
	}
	if v, ok := resolved["user"]; ok {
		m["user"] = v
	}
	if v, ok := resolved["password"]; ok {
		m["password"] = v
	}
	if v, ok := resolved["use_encrypt"]; ok {
		m["use_encrypt"] = v
	}
	if v, ok := resolved["catalog"]; ok {
		m["catalog"] = v
	}
	return FromMap(m)
}

// splitHostPort handles the "host[,port]" form used by Server/Data Source.
func splitHostPort(hp string) (host, port string, err error) {
	parts := strings.SplitN(hp, ",", 2)
	host = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		port = strings.TrimSpace(parts[1])
		if _, convErr := strconv.Atoi(port); convErr != nil {
			return "", "", errs.New(errs.KindConfig, fmt.Sprintf("invalid port in %q", hp))
		}
	}
	return host, port, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized boolean %q", v)
	}
}

func (s *Secret) validate() error {
	if s.Host == "" {
		return errs.New(errs.KindConfig, "host is required")
	}
	if s.Database == "" {
		return errs.New(errs.KindConfig, "database is required")
	}
	hasUserPass := s.User != "" && s.Password != ""
	hasAzure := s.AzureSecret != ""
	if hasUserPass == hasAzure {
		return errs.New(errs.KindConfig, "exactly one of (user+password) or azure_secret must be present")
	}
	return nil
}

func (s *Secret) applyDefaults() {
	if s.Port == 0 {
		s.Port = defaultPort
	}
}

// Introspect returns a copy with redacted keys masked, safe for diagnostics.
func (s Secret) Introspect() map[string]string {
	out := map[string]string{
		"host":         s.Host,
		"port":         strconv.Itoa(s.Port),
		"database":     s.Database,
		"user":         s.User,
		"use_encrypt":  strconv.FormatBool(s.UseEncrypt),
		"catalog":      strconv.FormatBool(s.Catalog),
		"azure_tenant": s.AzureTenant,
	}
	if s.Password != "" {
		out["password"] = "***REDACTED***"
	}
	if s.AzureSecret != "" {
		out["azure_secret"] = "***REDACTED***"
	}
	for k := range redactedKeys {
		if _, ok := out[k]; !ok {
			continue
		}
	}
	return out
}

// UsesAzureAuth reports whether this secret authenticates via FedAuth.
func (s Secret) UsesAzureAuth() bool {
	return s.AzureSecret != ""
}

// Addr returns the "host:port" dial target.
func (s Secret) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
