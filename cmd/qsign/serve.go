package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/api/handler"
	"github.com/remiblancher/qsign/internal/api/router"
	"github.com/remiblancher/qsign/internal/api/server"
	"github.com/remiblancher/qsign/internal/cli"
	"github.com/remiblancher/qsign/internal/config"
	"github.com/remiblancher/qsign/internal/supervisor"
	"github.com/remiblancher/qsign/pkg/credential"
	"github.com/remiblancher/qsign/pkg/engine"
	"github.com/remiblancher/qsign/pkg/ocsp"
	"github.com/remiblancher/qsign/pkg/tsa"
)

var (
	serveHost     string
	servePort     int
	serveServices []string
	serveH2C      bool

	serveOCSPKey    string
	serveOCSPCert   string
	serveOCSPCA     string
	serveOCSPRevoke []string
	serveTSAKey     string
	serveTSACert    string
	serveTSAPolicy  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API",
	Long: `Run the signing REST API over HTTP.

Endpoints:
  POST /api/v1/sign          Sign documents
  POST /api/v1/verify        Verify a signature
  POST /api/v1/encrypt       Encrypt for recipients
  POST /api/v1/decrypt       Decrypt with the credential
  GET  /api/v1/certificates  Credential certificates
  GET  /api/v1/version       Engine version
  GET  /health, /ready       Health and readiness
  GET  /metrics              Prometheus metrics

The "ocsp" and "tsa" services run RFC 6960 and RFC 3161 responders for
test deployments. They answer with the key given by --ocsp-key or --tsa-key.

When supervisor.command is configured the external engine process is started
first and /ready reports its state.

Examples:
  qsign serve --config qsign.yaml
  qsign serve --key signer.key --cert signer.crt --port 8080 --h2c
  qsign serve --services api,ocsp --ocsp-key ca.key --ocsp-cert ca.crt --revoke 1A2B:keyCompromise`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveHost, "host", "", "Address to bind to (overrides server.host)")
	f.IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	f.StringSliceVar(&serveServices, "services", nil, "Services to run: api, ocsp, tsa, all")
	f.BoolVar(&serveH2C, "h2c", false, "Serve HTTP/2 without TLS")

	f.StringVar(&serveOCSPKey, "ocsp-key", "", "OCSP responder key")
	f.StringVar(&serveOCSPCert, "ocsp-cert", "", "OCSP responder certificate")
	f.StringVar(&serveOCSPCA, "ocsp-ca", "", "CA answered for (default: the responder certificate issuer in --ocsp-cert)")
	f.StringArrayVar(&serveOCSPRevoke, "revoke", nil, "Revoked serial as serial[:reason] (repeatable)")
	f.StringVar(&serveTSAKey, "tsa-key", "", "TSA key")
	f.StringVar(&serveTSACert, "tsa-cert", "", "TSA certificate chain")
	f.StringVar(&serveTSAPolicy, "tsa-policy", "1.3.6.1.4.1.99999.2.1", "TSA policy OID")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	scfg := serverConfig(appCfg.Server)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	routes := router.Config{
		Version:  version,
		Registry: reg,
		Checks:   map[string]handler.Check{},
	}

	if scfg.HasService("api") {
		e, err := newEngine(cmd, engineOptions{
			credential: appCfg.Credential.Type != config.CredentialNone,
			metrics:    engine.NewPrometheusRecorder(reg),
		})
		if err != nil {
			return err
		}
		defer e.Close()
		routes.Engine = e
		routes.Checks["engine"] = e.Ready
	}
	if scfg.HasService("ocsp") && serveOCSPKey != "" {
		h, err := ocspResponder(ctx)
		if err != nil {
			return err
		}
		routes.OCSP = h
	}
	if scfg.HasService("tsa") && serveTSAKey != "" {
		h, err := tsaAuthority(ctx)
		if err != nil {
			return err
		}
		routes.TSA = h
	}

	if sc := appCfg.Supervisor; len(sc.Command) > 0 {
		sup, stop, err := startSupervisor(ctx, sc)
		if err != nil {
			return err
		}
		defer stop()
		routes.Checks["supervisor"] = func() bool { return sup.State() == supervisor.StateReady }
	}

	appLog.Info("starting server",
		zap.Int("port", scfg.Port),
		zap.Strings("services", scfg.Services),
		zap.Bool("tls", scfg.TLS()),
		zap.Bool("h2c", scfg.H2C))
	return server.New(scfg, routes, appLog).Run(ctx)
}

// serverConfig merges the configuration file with the command flags.
func serverConfig(c config.Server) *server.Config {
	scfg := server.FromSettings(c, appCfg.Path)
	if serveHost != "" {
		scfg.Host = serveHost
	}
	if servePort != 0 {
		scfg.Port = servePort
	}
	if len(serveServices) > 0 {
		scfg.Services = serveServices
	}
	if serveH2C {
		scfg.H2C = true
	}
	return scfg
}

// openResponderKey loads a software key and returns its signer and chain.
func openResponderKey(ctx context.Context, keyPath, certPath string) (*credential.SoftwareKey, *credential.Chain, error) {
	key, err := credential.OpenSoftwareKey(credential.SoftwareOptions{
		KeyPath:    keyPath,
		CertPath:   certPath,
		Passphrase: appCfg.Credential.Passphrase,
	})
	if err != nil {
		return nil, nil, err
	}
	chain, err := key.Certificates(ctx)
	if err != nil {
		return nil, nil, err
	}
	return key, chain, nil
}

func ocspResponder(ctx context.Context) (http.Handler, error) {
	key, chain, err := openResponderKey(ctx, serveOCSPKey, serveOCSPCert)
	if err != nil {
		return nil, fmt.Errorf("failed to load OCSP responder key: %w", err)
	}
	caCert := chain.Signing
	switch {
	case serveOCSPCA != "":
		certs, err := credential.LoadCertificates(serveOCSPCA)
		if err != nil {
			return nil, err
		}
		caCert = certs[0]
	case len(chain.Intermediates) > 0:
		caCert = chain.Intermediates[0]
	}

	store := ocsp.NewMemoryStore(true)
	now := time.Now()
	for _, spec := range serveOCSPRevoke {
		serial, reason, err := cli.ParseRevocation(spec)
		if err != nil {
			return nil, err
		}
		store.Revoke(serial, now, reason)
	}
	return ocsp.NewResponder(&ocsp.ResponderConfig{
		ResponderCert: chain.Signing,
		Signer:        credential.AsSigner(ctx, key),
		CACert:        caCert,
		Store:         store,
		IncludeCerts:  !chain.Signing.Equal(caCert),
	})
}

func tsaAuthority(ctx context.Context) (http.Handler, error) {
	policy, err := cli.ParseOID(serveTSAPolicy)
	if err != nil {
		return nil, fmt.Errorf("invalid policy OID: %w", err)
	}
	key, chain, err := openResponderKey(ctx, serveTSAKey, serveTSACert)
	if err != nil {
		return nil, fmt.Errorf("failed to load TSA key: %w", err)
	}
	return tsa.NewAuthority(&tsa.TokenConfig{
		Certificate: chain.Signing,
		Chain:       append([]*x509.Certificate{chain.Signing}, chain.Intermediates...),
		Signer:      credential.AsSigner(ctx, key),
		Policy:      policy,
		Accuracy:    tsa.Accuracy{Seconds: 1},
	}, tsa.RandomSerialGenerator{})
}

// startSupervisor runs the external engine and waits for it to report
// readiness. The returned func stops it.
func startSupervisor(ctx context.Context, sc config.Supervisor) (*supervisor.Supervisor, func(), error) {
	sup := supervisor.New(supervisor.Config{
		Command:     sc.Command[0],
		Args:        sc.Command[1:],
		Dir:         appCfg.Path(sc.Dir),
		ReadyMarker: sc.ReadyMarker,
		Logger:      appLog,
	})
	if err := sup.Start(); err != nil {
		return nil, nil, err
	}
	stop := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sup.Stop(sctx); err != nil {
			appLog.Warn("failed to stop engine process", zap.Error(err))
		}
	}

	timeout := sc.StartTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sup.WaitReady(wctx); err != nil {
		stop()
		return nil, nil, fmt.Errorf("engine process did not become ready: %w", err)
	}
	appLog.Info("engine process ready", zap.Strings("command", sc.Command))
	return sup, stop, nil
}
