// Command qsign signs and verifies documents with the qsign engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/audit"
	"github.com/remiblancher/qsign/internal/config"
	"github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/logging"
	"github.com/remiblancher/qsign/pkg/status"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath     string
	verbose        bool
	auditLogPath   string
	credKey        string
	credCert       string
	credPassEnv    string
	credHSMConfig  string
	trustAnchorArg []string
)

// Process state built by PersistentPreRunE.
var (
	appCfg      *config.Config
	appLog      = zap.NewNop()
	appAudit    audit.Writer = audit.NopWriter{}
	appLogClose = func() error { return nil }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if cerr := closeApp(); err == nil {
		err = cerr
	}
	crypto.CloseAllPools()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps engine kinds to process exit codes: 1 for usage and I/O
// errors, otherwise the absolute engine status code.
func exitCode(err error) int {
	var e *status.Error
	if errors.As(err, &e) {
		if code := -e.Kind.Code(); code > 0 {
			return code
		}
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "qsign",
	Short: "qsign - document signature engine",
	Long: `qsign creates and verifies electronic signatures: CMS (detached and
embedded), PAdES-style PDF signatures, XML-DSig and COSE_Sign1.

Signing keys come from a software key file or a PKCS#11 token. Verification
checks the certificate chain, OCSP revocation status, RFC 3161 timestamps and
RFC 4998 evidence records, and can write an HTML verification report.

Examples:
  # Sign a file (writes hello.txt.pkcs7)
  qsign sign hello.txt --key signer.key --cert signer.crt

  # Verify it and write hello.txt.pkcs7-verify-report.html
  qsign verify hello.txt.pkcs7 --data hello.txt --trust-anchor ca.crt --report

  # Run the REST API with a configuration file
  qsign serve --config qsign.yaml`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		appCfg = cfg

		log, closeFn, err := logging.New(cfg.Logging, logging.Options{Console: cmd.ErrOrStderr(), Verbose: verbose})
		if err != nil {
			return err
		}
		appLog, appLogClose = log, closeFn

		// Check for audit log path from environment if not set via flag
		if auditLogPath == "" {
			auditLogPath = os.Getenv("QSIGN_AUDIT_LOG")
		}
		if auditLogPath == "" {
			auditLogPath = cfg.Path(cfg.Audit.File)
		}
		if auditLogPath != "" {
			w, err := audit.NewFileWriter(auditLogPath)
			if err != nil {
				return fmt.Errorf("failed to initialize audit log: %w", err)
			}
			appAudit = w
		}
		return nil
	},
}

// closeApp releases what PersistentPreRunE opened. Post-run hooks do not run
// after a failed command, so main calls it once Execute returns.
func closeApp() error {
	err := appAudit.Close()
	appAudit = audit.NopWriter{}
	if lerr := appLogClose(); err == nil {
		err = lerr
	}
	appLog, appLogClose = zap.NewNop(), func() error { return nil }
	return err
}

// loadConfig reads --config (or QSIGN_CONFIG) and applies the credential
// and trust flags on top of it.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("QSIGN_CONFIG")
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	abs := func(p string) string {
		if p == "" {
			return ""
		}
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return p
	}
	switch {
	case credKey != "":
		cfg.Credential = config.Credential{Type: config.CredentialSoftware, Key: abs(credKey), Cert: abs(credCert)}
		if credPassEnv != "" {
			cfg.Credential.Passphrase = "env:" + credPassEnv
		}
	case credHSMConfig != "":
		cfg.Credential = config.Credential{Type: config.CredentialPKCS11, HSM: abs(credHSMConfig)}
	}
	for _, p := range trustAnchorArg {
		cfg.TrustAnchors = append(cfg.TrustAnchors, abs(p))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to configuration file (or set QSIGN_CONFIG)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&auditLogPath, "audit-log", "", "Path to audit log file (or set QSIGN_AUDIT_LOG)")
	pf.StringVar(&credKey, "key", "", "Signing key file (PEM or PKCS#12), overrides the configured credential")
	pf.StringVar(&credCert, "cert", "", "Certificate chain for --key (PEM)")
	pf.StringVar(&credPassEnv, "passphrase-env", "", "Environment variable holding the key passphrase")
	pf.StringVar(&credHSMConfig, "hsm-config", "", "HSM configuration file, overrides the configured credential")
	pf.StringArrayVar(&trustAnchorArg, "trust-anchor", nil, "Trust anchor certificate file (repeatable)")

	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(certsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(hsmCmd)
}
