package config

import (
	"fmt"
	"path/filepath"
	"time"
)

type Config struct {
	NodeName  string `toml:"node-name"`  // Member name announced to the group.
	GroupURL  string `toml:"group-url"`  // Group transport address.
	BaseDir   string `toml:"base-dir"`   // Directory for the state file and the write-set cache. Should exist and be writable.
	LogLevel  string `toml:"log-level"`
	Bootstrap bool   `toml:"bootstrap"` // Form a new group instead of joining one.

	StatusAddr string `toml:"status-addr"` // HTTP address for /status and /metrics.

	ProtoMax        int    `toml:"proto-max"`          // Highest group protocol version to advertise.
	KeyFormat       int    `toml:"key-format"`         // Certification key version, 0 or 1.
	MaxWriteSetSize int    `toml:"max-write-set-size"` // Local write sets above this size are rejected.
	CommitOrder     string `toml:"commit-order"`       // NORMAL, BYPASS, TRAILING or OOOC.

	// Duration string for causal read waits, e.g. "30s".
	CausalReadTimeout string `toml:"causal-read-timeout"`

	Engine Engine `toml:"engine"` // Write-set cache engine options.
}

type Engine struct {
	ValueThreshold   int   `toml:"value-threshold"`     // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize     int64 `toml:"max-table-size"`      // Each table is at most this size.
	NumMemTables     int   `toml:"num-mem-tables"`      // Maximum number of tables to keep in memory, before stalling.
	NumL0Tables      int   `toml:"num-L0-tables"`       // Maximum number of Level 0 tables before we start compacting.
	NumL0TablesStall int   `toml:"num-L0-tables-stall"` // Maximum number of Level 0 tables before stalling.
	VlogFileSize     int64 `toml:"vlog-file-size"`      // Value log file size.

	// 	Sync all writes to disk. Setting this to true would slow down data loading significantly.")
	SyncWrite     bool `toml:"sync-write"`
	NumCompactors int  `toml:"num-compactors"`
}

const MB = 1024 * 1024

var DefaultConf = Config{
	NodeName:          "node1",
	GroupURL:          "loopback://",
	BaseDir:           "/tmp/tinyrepl",
	LogLevel:          "info",
	Bootstrap:         false,
	StatusAddr:        "0.0.0.0:9190",
	ProtoMax:          9,
	KeyFormat:         1,
	MaxWriteSetSize:   2 * 1024 * MB,
	CommitOrder:       "NORMAL",
	CausalReadTimeout: "30s",
	Engine: Engine{
		ValueThreshold:   256,
		MaxTableSize:     64 * MB,
		NumMemTables:     3,
		NumL0Tables:      4,
		NumL0TablesStall: 8,
		VlogFileSize:     256 * MB,
		SyncWrite:        true,
		NumCompactors:    1,
	},
}

// NewTestConf returns a config suitable for tests, rooted at dir.
func NewTestConf(dir string) *Config {
	c := DefaultConf
	c.BaseDir = dir
	c.Bootstrap = true
	c.CausalReadTimeout = "1s"
	c.Engine.SyncWrite = false
	return &c
}

var commitOrders = map[string]bool{
	"NORMAL": true, "BYPASS": true, "TRAILING": true, "OOOC": true,
}

func (c *Config) Validate() error {
	if c.ProtoMax < 1 || c.ProtoMax > 9 {
		return fmt.Errorf("proto-max must be in [1, 9], got %d", c.ProtoMax)
	}
	if c.KeyFormat != 0 && c.KeyFormat != 1 {
		return fmt.Errorf("key-format must be 0 or 1, got %d", c.KeyFormat)
	}
	if c.MaxWriteSetSize <= 0 {
		return fmt.Errorf("max-write-set-size must be positive, got %d", c.MaxWriteSetSize)
	}
	if !commitOrders[c.CommitOrder] {
		return fmt.Errorf("unknown commit-order %q", c.CommitOrder)
	}
	if _, err := time.ParseDuration(c.CausalReadTimeout); err != nil {
		return fmt.Errorf("bad causal-read-timeout: %v", err)
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base-dir must be set")
	}
	return nil
}

// CausalReadDuration returns the parsed causal read timeout. Call Validate
// first.
func (c *Config) CausalReadDuration() time.Duration {
	d, err := time.ParseDuration(c.CausalReadTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GCachePath is the write-set cache directory under the base dir.
func (c *Config) GCachePath() string {
	return filepath.Join(c.BaseDir, "gcache")
}

// StateFilePath is the location of grastate.dat under the base dir.
func (c *Config) StateFilePath() string {
	return filepath.Join(c.BaseDir, "grastate.dat")
}
