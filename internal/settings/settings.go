// Package settings holds the extension-wide tunables table (spec.md §6) and
// the per-attachment context registry (spec.md §9: "global mutable
// registries ... model as process-wide state with explicit init at extension
// load and explicit teardown at detach; access via lookup by attachment
// name").
package settings

import "time"

// Settings is the recognized configuration table from spec.md §6.
type Settings struct {
	ConnectionLimit   int
	ConnectionCache   bool
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	MinConnections    int
	AcquireTimeout    time.Duration
	QueryTimeout      time.Duration
	CatalogCacheTTL   time.Duration
	EnableStatistics  bool
	StatisticsLevel   int
	InsertBatchSize   int
	InsertMaxSQLBytes int
	DMLBatchSize      int
	CTASTextType      string // "NVARCHAR" (default) or "VARCHAR"
	CopyFlushRows     int
	MaxLOBBytes       int // supplemental: PLP streaming cap, see SPEC_FULL.md
	ReadOnly          bool
	StrictTLSVerification bool // supplemental: spec.md §4.2 "strict verification"
}

// Defaults returns the documented defaults, applied the way
// config.applyDefaults fills in zero-valued fields.
func Defaults() Settings {
	return Settings{
		ConnectionLimit:   20,
		ConnectionCache:   true,
		ConnectionTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
		MinConnections:    0,
		AcquireTimeout:    10 * time.Second,
		QueryTimeout:      0,
		CatalogCacheTTL:   5 * time.Minute,
		EnableStatistics:  true,
		StatisticsLevel:   0,
		InsertBatchSize:   1000,
		InsertMaxSQLBytes: 4 << 20,
		DMLBatchSize:      1000,
		CTASTextType:      "NVARCHAR",
		CopyFlushRows:     10000,
		MaxLOBBytes:       32 << 20,
		ReadOnly:          false,
		StrictTLSVerification: false,
	}
}

// FromMap overlays recognized keys from a string map (as the host engine
// passes extension settings at attach time) onto the defaults.
func FromMap(m map[string]string) (Settings, error) {
	s := Defaults()
	for k, v := range m {
		if err := s.set(k, v); err != nil {
			return Settings{}, err
		}
	}
	return s, nil
}

func (s *Settings) set(key, val string) error {
	switch key {
	case "connection_limit":
		return setInt(&s.ConnectionLimit, val)
	case "connection_cache":
		return setBool(&s.ConnectionCache, val)
	case "connection_timeout":
		return setSeconds(&s.ConnectionTimeout, val)
	case "idle_timeout":
		return setSeconds(&s.IdleTimeout, val)
	case "min_connections":
		return setInt(&s.MinConnections, val)
	case "acquire_timeout":
		return setSeconds(&s.AcquireTimeout, val)
	case "query_timeout":
		return setSeconds(&s.QueryTimeout, val)
	case "catalog_cache_ttl":
		return setSeconds(&s.CatalogCacheTTL, val)
	case "enable_statistics":
		return setBool(&s.EnableStatistics, val)
	case "statistics_level":
		return setInt(&s.StatisticsLevel, val)
	case "insert_batch_size":
		return setInt(&s.InsertBatchSize, val)
	case "insert_max_sql_bytes":
		return setInt(&s.InsertMaxSQLBytes, val)
	case "dml_batch_size":
		return setInt(&s.DMLBatchSize, val)
	case "ctas_text_type":
		s.CTASTextType = val
		return nil
	case "copy_flush_rows":
		return setInt(&s.CopyFlushRows, val)
	case "max_lob_bytes":
		return setInt(&s.MaxLOBBytes, val)
	case "read_only":
		return setBool(&s.ReadOnly, val)
	case "strict_tls_verification":
		return setBool(&s.StrictTLSVerification, val)
	default:
		return nil // unrecognized keys are ignored, per host-engine convention
	}
}
