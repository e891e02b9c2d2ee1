package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verifiable-rds/interceptor/internal/analyzer"
	"github.com/verifiable-rds/interceptor/internal/backend"
	"github.com/verifiable-rds/interceptor/internal/block"
	"github.com/verifiable-rds/interceptor/internal/capture"
	"github.com/verifiable-rds/interceptor/internal/config"
	"github.com/verifiable-rds/interceptor/internal/credentials"
	"github.com/verifiable-rds/interceptor/internal/ledger"
	"github.com/verifiable-rds/interceptor/internal/obs"
	"github.com/verifiable-rds/interceptor/internal/schema"
	"github.com/verifiable-rds/interceptor/internal/session"
	"github.com/verifiable-rds/interceptor/internal/signer"
)

func newServeCommand() *cobra.Command {
	cfg := config.Default()
	var operatorIdentity string
	var authMethodFlag string
	var credentialFlags map[string]string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept client connections and intercept traffic to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg, operatorIdentity, authMethodFlag, credentialFlags)
		},
	}
	cfg.BindFlags(cmd.Flags())
	cmd.Flags().StringVar(&operatorIdentity, "operator-identity", "default-operator", "operator identity recorded as each block's Committer")
	cmd.Flags().StringVar(&authMethodFlag, "auth-method", "trust", "client authentication method: trust, cleartext, md5, scram-sha-256")
	cmd.Flags().StringToStringVar(&credentialFlags, "credential", nil, "role=password pairs accepted by cleartext/md5/scram-sha-256 auth (repeatable)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, operatorIdentity, authMethodFlag string, credentialFlags map[string]string) error {
	log, err := obs.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	link := backend.New(cfg.BackendDSN, cfg.BackendPoolSize)
	defer link.Close()

	schemaCache := schema.New(link)

	sg, err := loadOrGenerateSigner(operatorIdentity, cfg.OperatorKeyPath)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	ledgerLog, err := ledger.Open(cfg.LedgerLogDir, cfg.CommitCadence, nil)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledgerLog.Close()

	// Cadence is counted in committed transaction records, not wall-clock
	// time; cfg.CommitCadence (a duration) bounds the ledger's own flush
	// policy instead (see internal/ledger), so the emitter always seals
	// per commit here and relies on Flush at shutdown for the remainder.
	emitter := block.New(operatorIdentity, sg, ledgerLog, cfg.RulesFingerprint(), 1)
	// An empty database that never sees a statement still owes the
	// ledger block 1 (spec.md §8 scenario 1): seal it now rather than
	// waiting on activity that may never come.
	if err := emitter.SealGenesis(ctx); err != nil {
		return fmt.Errorf("seal genesis block: %w", err)
	}

	opts := analyzer.Options{
		AllowedSettings:  toSet(cfg.AllowedSettings),
		AllowedFunctions: toSet(cfg.AllowedFunctions),
	}

	verifier, authMethod, err := buildVerifier(authMethodFlag, credentialFlags)
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if cfg.TLSCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	defer listener.Close()
	log.Infow("interceptor listening", "addr", cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cancelTable := session.NewCancelTable()
	var nextPID uint32 = 10000

	shuttingDown := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(shuttingDown)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-shuttingDown:
				return flushOnShutdown(emitter, log)
			default:
			}
			log.Warnw("accept failed", "error", err)
			continue
		}
		nextPID++
		pid := nextPID
		go func() {
			// schemaFor closes over s, which is only assigned once session.New
			// returns; by the time Run actually issues a lookup (well after
			// authentication has set s.database/s.role), s is fully populated.
			var s *session.Session
			schemaFor := func(ctx context.Context, table string) (capture.Schema, error) {
				database, role := s.DatabaseRole()
				return schemaCache.Lookup(ctx, database, role, table)
			}
			s = session.New(conn, pid, link, cancelTable, emitter, schemaFor,
				opts, verifier, authMethod, log, cfg.MaxFrameSize, tlsConfig)
			if err := s.Run(ctx); err != nil {
				log.Debugw("session ended", "pid", pid, "error", err)
			}
		}()
	}
}

func toSet(vals []string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

func loadOrGenerateSigner(identity, path string) (*signer.Signer, error) {
	if path == "" {
		return signer.Generate(identity)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		sg, err := signer.Generate(identity)
		if err != nil {
			return nil, err
		}
		if err := sg.SaveFile(path); err != nil {
			return nil, err
		}
		return sg, nil
	}
	return signer.LoadFile(identity, path)
}

func buildVerifier(method string, credentialFlags map[string]string) (session.Verifier, session.Method, error) {
	switch method {
	case "trust":
		return nil, session.MethodCleartext, nil
	case "cleartext":
		return credentials.New(credentialFlags), session.MethodCleartext, nil
	case "md5":
		return credentials.New(credentialFlags), session.MethodMD5, nil
	case "scram-sha-256":
		return credentials.New(credentialFlags), session.MethodSCRAMSHA256, nil
	default:
		return nil, 0, fmt.Errorf("unknown auth method %q", method)
	}
}

func flushOnShutdown(emitter *block.Emitter, log interface {
	Infow(string, ...interface{})
}) error {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emitter.Flush(flushCtx); err != nil {
		return fmt.Errorf("flush pending blocks on shutdown: %w", err)
	}
	log.Infow("interceptor shut down cleanly")
	return nil
}
