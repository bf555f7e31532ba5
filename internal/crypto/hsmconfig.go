package crypto

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HSMConfig is the YAML description of a hardware token.
//
//	type: pkcs11
//	pkcs11:
//	  lib: /usr/lib/softhsm/libsofthsm2.so
//	  token: signer
//	  pin_env: QSIGN_PIN
type HSMConfig struct {
	Type   string         `yaml:"type"`
	PKCS11 PKCS11Settings `yaml:"pkcs11"`
}

// PKCS11Settings holds PKCS#11 specific configuration.
type PKCS11Settings struct {
	Lib         string `yaml:"lib"`
	Token       string `yaml:"token"`
	TokenSerial string `yaml:"token_serial"`
	Slot        *uint  `yaml:"slot"`
	KeyLabel    string `yaml:"key_label"`
	KeyID       string `yaml:"key_id"`

	// PinEnv names the environment variable holding the PIN. When empty the
	// PIN is prompted for.
	PinEnv string `yaml:"pin_env"`
}

// LoadHSMConfig loads HSM configuration from a YAML file.
func LoadHSMConfig(path string) (*HSMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read HSM config file: %w", err)
	}
	var cfg HSMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse HSM config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid HSM config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c *HSMConfig) Validate() error {
	if c.Type != "pkcs11" {
		return fmt.Errorf("unsupported HSM type: %s (only 'pkcs11' is supported)", c.Type)
	}
	if c.PKCS11.Lib == "" {
		return fmt.Errorf("pkcs11.lib is required")
	}
	return nil
}

// PIN returns the PIN from the configured environment variable. ok is false
// when no variable is configured, meaning the caller should prompt.
func (c *HSMConfig) PIN() (pin string, ok bool, err error) {
	if c.PKCS11.PinEnv == "" {
		return "", false, nil
	}
	pin = os.Getenv(c.PKCS11.PinEnv)
	if pin == "" {
		return "", true, fmt.Errorf("environment variable %s is not set or empty", c.PKCS11.PinEnv)
	}
	return pin, true, nil
}

// ToPKCS11Config converts the YAML settings. The PIN is left empty; use PIN
// or a prompter to log in.
func (c *HSMConfig) ToPKCS11Config() PKCS11Config {
	return PKCS11Config{
		ModulePath:  c.PKCS11.Lib,
		TokenLabel:  c.PKCS11.Token,
		TokenSerial: c.PKCS11.TokenSerial,
		SlotID:      c.PKCS11.Slot,
		KeyLabel:    c.PKCS11.KeyLabel,
		KeyID:       c.PKCS11.KeyID,
	}
}
