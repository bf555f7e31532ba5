package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/cli"
	"github.com/remiblancher/qsign/pkg/credential"
	"github.com/remiblancher/qsign/pkg/engine"
)

// engineOptions tunes newEngine per command.
type engineOptions struct {
	// credential opens the configured signing credential.
	credential bool
	metrics    engine.Recorder
}

// newEngine builds an initialized engine context from appCfg. The caller
// closes it.
func newEngine(cmd *cobra.Command, opts engineOptions) (*engine.Context, error) {
	cfg := appCfg
	anchors, err := cfg.LoadTrustAnchors()
	if err != nil {
		return nil, fmt.Errorf("failed to load trust anchors: %w", err)
	}
	tsaRoots, err := cfg.LoadTSARoots()
	if err != nil {
		return nil, fmt.Errorf("failed to load TSA roots: %w", err)
	}

	ecfg := engine.Config{
		SignatureLimit:   cfg.Limits.SignatureLimit,
		Parallelism:      cfg.Limits.Parallelism,
		RequireLicense:   cfg.License.Required,
		TrustAnchors:     anchors,
		OCSP:             cfg.OCSPClient(),
		DisableOCSPFetch: cfg.OCSP.DisableFetch,
		TSARoots:         tsaRoots,
		RequireTimestamp: cfg.TSA.Require,
		Logger:           appLog,
		Metrics:          opts.metrics,
		Audit:            appAudit,
	}
	if c := cfg.TSAClient(); c != nil {
		ecfg.TSA = c
	}
	e := engine.New(ecfg)

	license, err := cfg.ReadLicense()
	if err != nil {
		return nil, err
	}
	if license != nil {
		if err := e.SetLicense(license); err != nil {
			return nil, err
		}
	}

	var src credential.Source
	if opts.credential {
		prompter := &cli.TerminalPrompter{Out: cmd.ErrOrStderr()}
		if src, err = cfg.OpenSource(cmd.Context(), prompter); err != nil {
			return nil, fmt.Errorf("failed to open credential: %w", err)
		}
		if src == nil {
			return nil, fmt.Errorf("no signing credential configured (use --key or --hsm-config)")
		}
	}
	if err := e.Init(cmd.Context(), src); err != nil {
		if src != nil {
			_ = src.Close()
		}
		return nil, err
	}
	return e, nil
}
