// Package config defines the interceptor's configuration surface
// (spec.md §6) as a single struct constructed once in cmd/interceptor and
// passed by reference into every collaborator, replacing the teacher's
// package-level configs.* globals (configs/glob_var.go) — exactly the kind
// of process-wide singleton spec.md §9 asks implementers to avoid.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/pflag"
)

// Config is the full configuration surface from spec.md §6.
type Config struct {
	// ListenAddr is where the interceptor terminates client connections.
	ListenAddr string
	// BackendDSN points at the real PostgreSQL backend the interceptor
	// forwards traffic to, e.g. "postgres://host:5432/?sslmode=disable".
	// It carries no database or role: internal/backend.Link fills those
	// in per connecting client directly on the parsed pgconn.Config
	// (never by re-templating the DSN string), since they originate from
	// the client's untrusted StartupMessage.
	BackendDSN string
	// MaxFrameSize bounds a single wire frame; larger frames are a
	// protocol error (spec.md §4.A, §7).
	MaxFrameSize uint32
	// BackendPoolSize bounds the backend connection pool (spec.md §4.C).
	BackendPoolSize int32
	// CommitCadence is the flush interval of internal/ledger's local
	// block log: appended blocks are batched in memory and written to the
	// WAL once this much time has passed since the last write. It does
	// not control block sealing; cmd/interceptor seals one block per
	// committed transaction.
	CommitCadence time.Duration
	// OperatorKeyPath is the path to the Ed25519 private key used to
	// sign block records (spec.md §4.I).
	OperatorKeyPath string
	// AllowedFunctions is the allow-list of otherwise-volatile or
	// user-defined functions considered deterministic (spec.md §4.D).
	AllowedFunctions []string
	// AllowedSettings is the allow-list for current_setting() lookups.
	AllowedSettings []string
	// TLSCertPath / TLSKeyPath configure the listener's TLS, answered
	// for SSLRequest (spec.md §6); empty means SSLRequest is answered 'N'.
	TLSCertPath string
	TLSKeyPath  string
	// LogLevel controls obs.New's verbosity.
	LogLevel string
	// LedgerLogDir is where internal/ledger keeps its local append-only
	// block log (spec.md §6 persisted state layout).
	LedgerLogDir string
}

// Default returns a Config with the teacher's kind of conservative
// defaults (fc-server/main.go's flag defaults), adapted to this domain.
func Default() *Config {
	return &Config{
		ListenAddr:      "0.0.0.0:5432",
		MaxFrameSize:    64 << 20,
		BackendPoolSize: 16,
		CommitCadence:   2 * time.Second,
		AllowedFunctions: []string{
			"now", "current_timestamp", "transaction_timestamp",
			"random", "gen_random_uuid", "uuid_generate_v4",
		},
		LogLevel:     "info",
		LedgerLogDir: "./data/ledger",
	}
}

// RulesFingerprint hashes the determinism-affecting configuration
// (function allow-list and settings allow-list) so it can be reflected in
// block headers, per spec.md §6: "Any value that affects determinism ...
// is reflected in the block header so verifiers know which rules produced
// a given root."
func (c *Config) RulesFingerprint() [32]byte {
	allow := append([]string{}, c.AllowedFunctions...)
	settings := append([]string{}, c.AllowedSettings...)
	sort.Strings(allow)
	sort.Strings(settings)
	blob, _ := json.Marshal(struct {
		Functions []string `json:"functions"`
		Settings  []string `json:"settings"`
	}{allow, settings})
	return sha256.Sum256(blob)
}

// RulesFingerprintHex is a convenience accessor for logging/diagnostics.
func (c *Config) RulesFingerprintHex() string {
	fp := c.RulesFingerprint()
	return hex.EncodeToString(fp[:])
}

// BindFlags registers every field above onto fs, starting from c's
// current values as defaults (call after Default() to get the teacher's
// kind of conservative defaults). Generalizes fc-server/main.go's
// flag.*Var-per-setting style onto cobra's pflag.FlagSet instead of the
// stdlib flag package, since cmd/interceptor needs per-subcommand flag
// sets rather than one flat global set.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address to accept client connections on")
	fs.StringVar(&c.BackendDSN, "backend-dsn", c.BackendDSN, "DSN for the real PostgreSQL backend, without a database or role (filled in per client)")
	fs.Uint32Var(&c.MaxFrameSize, "max-frame-size", c.MaxFrameSize, "maximum accepted wire frame size in bytes")
	fs.Int32Var(&c.BackendPoolSize, "backend-pool-size", c.BackendPoolSize, "max connections per (database, role) backend pool")
	fs.DurationVar(&c.CommitCadence, "commit-cadence", c.CommitCadence, "interval at which the local block log writes batched blocks to disk")
	fs.StringVar(&c.OperatorKeyPath, "operator-key", c.OperatorKeyPath, "path to the operator's ed25519 signing key (PEM); generated if absent")
	fs.StringSliceVar(&c.AllowedFunctions, "allow-function", c.AllowedFunctions, "function names treated as deterministic in addition to the built-in pinned set")
	fs.StringSliceVar(&c.AllowedSettings, "allow-setting", c.AllowedSettings, "current_setting() names treated as deterministic")
	fs.StringVar(&c.TLSCertPath, "tls-cert", c.TLSCertPath, "TLS certificate path; empty refuses SSLRequest")
	fs.StringVar(&c.TLSKeyPath, "tls-key", c.TLSKeyPath, "TLS private key path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "logging verbosity (debug, info, warn, error)")
	fs.StringVar(&c.LedgerLogDir, "ledger-dir", c.LedgerLogDir, "directory for the local append-only block log")
}
