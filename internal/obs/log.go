// Package obs wires structured logging for the interceptor. It keeps the
// teacher's small set of named print helpers (Txn, Warn, Diverged) but backs
// them with zap fields instead of fmt.Sprintf-built strings.
package obs

import (
	"go.uber.org/zap"
)

// New builds a production logger at the given level name (debug, info,
// warn, error). An empty level defaults to info.
func New(level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		var lvl zap.AtomicLevel
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Noop returns a logger that discards everything, for tests.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Txn logs a transaction-scoped event the way teacher's TxnPrint did,
// tagging the transaction id as a structured field instead of interpolating
// it into the message.
func Txn(log *zap.SugaredLogger, txnID string, msg string, kv ...interface{}) {
	log.Debugw(msg, append([]interface{}{"txn_id", txnID}, kv...)...)
}

// Warn logs a condition teacher's configs.Warn would have only surfaced
// when ShowWarnings was set; here warnings are unconditional.
func Warn(log *zap.SugaredLogger, msg string, kv ...interface{}) {
	log.Warnw(msg, kv...)
}

// Diverged logs an invariant violation: status-indicator mismatch,
// savepoint underflow, or any other condition spec.md §7 classifies as a
// bug rather than a user error. Always logged at Error regardless of
// configured verbosity.
func Diverged(log *zap.SugaredLogger, sessionID string, reason string, kv ...interface{}) {
	log.Errorw("session diverged: "+reason, append([]interface{}{"session_id", sessionID}, kv...)...)
}
