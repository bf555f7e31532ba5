package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qsign/internal/cli"
	"github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/pkg/credential"
)

var hsmCmd = &cobra.Command{
	Use:   "hsm",
	Short: "HSM diagnostic commands",
	Long: `Diagnostic commands for Hardware Security Modules (HSMs) via PKCS#11.

Examples:
  # List available slots and tokens (discovery, no config needed)
  qsign hsm list --lib /usr/lib/softhsm/libsofthsm2.so

  # Open the configured token and read its certificates
  qsign hsm test --hsm-config ./hsm.yaml

  # Show the card and reader of the configured token
  qsign hsm info --hsm-config ./hsm.yaml

  # Change the user PIN
  qsign hsm change-pin --hsm-config ./hsm.yaml`,
}

var hsmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List HSM slots and tokens",
	Long: `List all available slots and tokens in a PKCS#11 module.

This command does not require authentication.

Examples:
  qsign hsm list --lib /usr/lib/softhsm/libsofthsm2.so`,
	RunE: runHSMList,
}

var hsmTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Test HSM connectivity",
	Long: `Test that the configured token can be found, logged into and used.

The PIN comes from the pin_env variable of the HSM configuration, or is
prompted for on the terminal.

Examples:
  qsign hsm test --hsm-config ./hsm.yaml`,
	RunE: runHSMTest,
}

var hsmInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show token and reader information",
	Long: `Show the label, manufacturer, model, serial number and firmware of the
configured token, the reader holding it and the state of its user PIN.

Examples:
  qsign hsm info --hsm-config ./hsm.yaml`,
	RunE: runHSMInfo,
}

var hsmChangePINCmd = &cobra.Command{
	Use:   "change-pin",
	Short: "Change the token user PIN",
	Long: `Change the user PIN of the configured token.

The current PIN comes from the pin_env variable of the HSM configuration, or
is prompted for. The new PIN is read from the variable named by
--new-pin-env, or prompted for twice.

Examples:
  qsign hsm change-pin --hsm-config ./hsm.yaml
  NEW_PIN=87654321 qsign hsm change-pin --hsm-config ./hsm.yaml --new-pin-env NEW_PIN`,
	RunE: runHSMChangePIN,
}

var (
	hsmLib       string
	hsmNewPINEnv string
)

func init() {
	hsmCmd.AddCommand(hsmListCmd)
	hsmCmd.AddCommand(hsmTestCmd)
	hsmCmd.AddCommand(hsmInfoCmd)
	hsmCmd.AddCommand(hsmChangePINCmd)

	hsmListCmd.Flags().StringVar(&hsmLib, "lib", "", "Path to PKCS#11 library (required)")
	_ = hsmListCmd.MarkFlagRequired("lib")
	hsmChangePINCmd.Flags().StringVar(&hsmNewPINEnv, "new-pin-env", "", "Environment variable holding the new PIN")
}

// tokenAdmin is the management surface of a hardware credential.
type tokenAdmin interface {
	TokenInfo(ctx context.Context) (crypto.TokenInfo, error)
	ChangePIN(ctx context.Context, oldPIN, newPIN string) error
}

// openToken opens the configured credential and checks that it is a token.
func openToken(cmd *cobra.Command) (tokenAdmin, credential.Source, error) {
	src, err := appCfg.OpenSource(cmd.Context(), &cli.TerminalPrompter{Out: cmd.ErrOrStderr()})
	if err != nil {
		return nil, nil, err
	}
	if src == nil {
		return nil, nil, fmt.Errorf("no PKCS#11 credential configured (use --hsm-config)")
	}
	tok, ok := credential.Underlying(src).(tokenAdmin)
	if !ok {
		_ = src.Close()
		return nil, nil, fmt.Errorf("the configured credential is not a hardware token")
	}
	return tok, src, nil
}

func runHSMInfo(cmd *cobra.Command, args []string) error {
	tok, src, err := openToken(cmd)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := tok.TokenInfo(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read token info: %w", err)
	}
	printTokenInfo(cmd.OutOrStdout(), info)
	return nil
}

func printTokenInfo(out io.Writer, info crypto.TokenInfo) {
	fmt.Fprintf(out, "Slot %d:\n", info.SlotID)
	fmt.Fprintf(out, "  Reader:       %s\n", info.Reader)
	fmt.Fprintf(out, "  Card Name:    %s\n", info.Label)
	fmt.Fprintf(out, "  Card Number:  %s\n", maskSerial(info.Serial))
	fmt.Fprintf(out, "  Manufacturer: %s\n", info.Manufacturer)
	fmt.Fprintf(out, "  Model:        %s\n", info.Model)
	fmt.Fprintf(out, "  Hardware:     %s\n", info.HardwareVersion)
	fmt.Fprintf(out, "  Firmware:     %s\n", info.FirmwareVersion)
	pin := "ok"
	switch {
	case info.PINLocked:
		pin = "locked"
	case info.PINFinalTry:
		pin = "final try"
	case info.PINCountLow:
		pin = "retries low"
	}
	fmt.Fprintf(out, "  User PIN:     %s\n", pin)
}

func runHSMChangePIN(cmd *cobra.Command, args []string) error {
	hsm, err := appCfg.HSMConfig()
	if err != nil {
		return fmt.Errorf("failed to load HSM config: %w", err)
	}
	prompter := &cli.TerminalPrompter{Out: cmd.ErrOrStderr()}
	ctx := cmd.Context()

	oldPIN, ok, err := hsm.PIN()
	if err != nil {
		return err
	}
	if !ok {
		if oldPIN, err = prompter.PromptPIN(ctx, hsm.PKCS11.Token); err != nil {
			return err
		}
	}
	var newPIN string
	if hsmNewPINEnv != "" {
		if newPIN = os.Getenv(hsmNewPINEnv); newPIN == "" {
			return fmt.Errorf("environment variable %s is not set or empty", hsmNewPINEnv)
		}
	} else if newPIN, err = prompter.PromptNewPIN(ctx, hsm.PKCS11.Token); err != nil {
		return err
	}

	tok, src, err := openToken(cmd)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := tok.ChangePIN(ctx, oldPIN, newPIN); err != nil {
		return fmt.Errorf("failed to change PIN: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "PIN changed.")
	return nil
}

func runHSMList(cmd *cobra.Command, args []string) error {
	slots, err := crypto.ListHSMSlots(hsmLib)
	if err != nil {
		return fmt.Errorf("failed to list HSM slots: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "PKCS#11 Module: %s\n\n", hsmLib)

	if len(slots) == 0 {
		fmt.Fprintln(out, "No slots found.")
		return nil
	}
	for _, slot := range slots {
		fmt.Fprintf(out, "Slot %d:\n", slot.ID)
		fmt.Fprintf(out, "  Description:  %s\n", strings.TrimSpace(slot.Description))
		if slot.HasToken {
			fmt.Fprintf(out, "  Token Label:  %s\n", strings.TrimSpace(slot.TokenLabel))
			fmt.Fprintf(out, "  Token Serial: %s\n", maskSerial(slot.TokenSerial))
			if slot.Manufacturer != "" {
				fmt.Fprintf(out, "  Manufacturer: %s\n", strings.TrimSpace(slot.Manufacturer))
			}
		} else {
			fmt.Fprintf(out, "  Token:        (not present)\n")
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runHSMTest(cmd *cobra.Command, args []string) error {
	hsm, err := appCfg.HSMConfig()
	if err != nil {
		return fmt.Errorf("failed to load HSM config: %w", err)
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "[1/3] Loading PKCS#11 module... ")
	slots, err := crypto.ListHSMSlots(hsm.PKCS11.Lib)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("failed to load module: %w", err)
	}
	fmt.Fprintln(out, "OK")

	fmt.Fprintf(out, "[2/3] Finding token %q... ", hsm.PKCS11.Token)
	found := false
	for _, slot := range slots {
		if slot.HasToken && strings.TrimSpace(slot.TokenLabel) == hsm.PKCS11.Token {
			found = true
			break
		}
	}
	if !found {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("token not found")
	}
	fmt.Fprintln(out, "OK")

	fmt.Fprintf(out, "[3/3] Authenticating and reading certificates... ")
	src, err := appCfg.OpenSource(cmd.Context(), &cli.TerminalPrompter{Out: cmd.ErrOrStderr()})
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return err
	}
	if src == nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("no PKCS#11 credential configured (use --hsm-config)")
	}
	defer src.Close()
	chain, err := src.Certificates(cmd.Context())
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return err
	}
	fmt.Fprintf(out, "OK (%s)\n", chain.Signing.Subject)

	fmt.Fprintln(out, "\nAll tests passed!")
	return nil
}

// maskSerial partially masks a serial number for security.
func maskSerial(serial string) string {
	serial = strings.TrimSpace(serial)
	if len(serial) <= 4 {
		return serial
	}
	return serial[:3] + strings.Repeat("*", len(serial)-4) + serial[len(serial)-1:]
}
