// Package config loads and validates connguardd's configuration keys,
// using spf13/viper so the daemon can be configured from a file or
// from CONNGUARD_-prefixed environment variables.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// Hash table sizing bounds for ACC_STANZA_HASH_TABLE_LENGTH.
// Out-of-range is a fatal startup error.
const (
	MinHashTableLength = 16
	MaxHashTableLength = 1 << 20
)

// Config holds connguard's validated runtime configuration.
type Config struct {
	// ConnIDFile is CONN_ID_FILE: path to the persisted connection-id
	// counter.
	ConnIDFile string

	// HashTableLength is ACC_STANZA_HASH_TABLE_LENGTH: the sizing hint
	// handed to both identity indices.
	HashTableLength int

	// ReportInterval is CONN_REPORT_INTERVAL, in seconds.
	ReportInterval time.Duration

	// DriverBin is the conntrack(8)-compatible binary the CLI backend
	// forks.
	DriverBin string
	// DriverSudo prefixes DriverBin invocations with sudo.
	DriverSudo bool
	// DriverBackend selects "exec" (default) or "netlink".
	DriverBackend string

	// ControllerURL is where outbound reports are POSTed.
	ControllerURL string

	// PolicyDSN, when non-empty, selects a SQL-backed policy table at
	// this path instead of an empty in-memory one.
	PolicyDSN string
}

// Load reads configuration from v, applying defaults and bounds
// checks. A misconfigured sizing hint or report interval is a fatal
// startup error (returned here, to be acted on by the caller).
func Load(v *viper.Viper) (*Config, error) {
	v.SetDefault("conn_id_file", "/var/lib/connguard/conn_id")
	v.SetDefault("acc_stanza_hash_table_length", 1024)
	v.SetDefault("conn_report_interval", 30)
	v.SetDefault("driver_bin", "conntrack")
	v.SetDefault("driver_sudo", true)
	v.SetDefault("driver_backend", "exec")

	hashLen := v.GetInt("acc_stanza_hash_table_length")
	if hashLen < MinHashTableLength || hashLen > MaxHashTableLength {
		return nil, fmt.Errorf("config: ACC_STANZA_HASH_TABLE_LENGTH=%d out of range [%d, %d]",
			hashLen, MinHashTableLength, MaxHashTableLength)
	}

	interval := v.GetInt64("conn_report_interval")
	if interval < 1 {
		return nil, fmt.Errorf("config: CONN_REPORT_INTERVAL=%d must be >= 1", interval)
	}
	if interval > math.MaxInt32 {
		return nil, fmt.Errorf("config: CONN_REPORT_INTERVAL=%d overflows a 32-bit signed integer", interval)
	}

	return &Config{
		ConnIDFile:      v.GetString("conn_id_file"),
		HashTableLength: hashLen,
		ReportInterval:  time.Duration(interval) * time.Second,
		DriverBin:       v.GetString("driver_bin"),
		DriverSudo:      v.GetBool("driver_sudo"),
		DriverBackend:   v.GetString("driver_backend"),
		ControllerURL:   v.GetString("controller_url"),
		PolicyDSN:       v.GetString("policy_dsn"),
	}, nil
}
