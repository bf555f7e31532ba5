package cli

import (
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/remiblancher/qsign/pkg/ocsp"
)

// ParseOCSPSerial parses a hex serial number string.
func ParseOCSPSerial(serialHex string) (*big.Int, error) {
	serialHex = strings.TrimPrefix(strings.ToLower(serialHex), "0x")
	if len(serialHex)%2 == 1 {
		serialHex = "0" + serialHex
	}
	serialBytes, err := hex.DecodeString(serialHex)
	if err != nil || len(serialBytes) == 0 {
		return nil, fmt.Errorf("invalid serial number: %q", serialHex)
	}
	return new(big.Int).SetBytes(serialBytes), nil
}

var revocationReasons = map[string]ocsp.RevocationReason{
	"unspecified":          ocsp.ReasonUnspecified,
	"keycompromise":        ocsp.ReasonKeyCompromise,
	"cacompromise":         ocsp.ReasonCACompromise,
	"affiliationchanged":   ocsp.ReasonAffiliationChanged,
	"superseded":           ocsp.ReasonSuperseded,
	"cessationofoperation": ocsp.ReasonCessationOfOperation,
	"certificatehold":      ocsp.ReasonCertificateHold,
	"privilegewithdrawn":   ocsp.ReasonPrivilegeWithdrawn,
}

// ParseRevocation parses "serial[:reason]" as used by serve --revoke.
func ParseRevocation(spec string) (*big.Int, ocsp.RevocationReason, error) {
	serialHex, reasonName, _ := strings.Cut(spec, ":")
	serial, err := ParseOCSPSerial(serialHex)
	if err != nil {
		return nil, 0, err
	}
	if reasonName == "" {
		return serial, ocsp.ReasonUnspecified, nil
	}
	key := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(reasonName))
	reason, ok := revocationReasons[key]
	if !ok {
		return nil, 0, fmt.Errorf("unknown revocation reason: %s", reasonName)
	}
	return serial, reason, nil
}

// ParseOCSPRevocationTime parses a revocation time string (RFC3339).
// Returns now if timeStr is empty.
func ParseOCSPRevocationTime(timeStr string, now time.Time) (time.Time, error) {
	if timeStr == "" {
		return now, nil
	}
	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid revocation time: %w", err)
	}
	return t, nil
}

// ParseOID parses a dotted object identifier such as a TSA policy.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	var oid asn1.ObjectIdentifier
	for _, p := range strings.Split(s, ".") {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID component: %q", p)
		}
		oid = append(oid, n)
	}
	if len(oid) < 2 {
		return nil, fmt.Errorf("invalid OID: %q", s)
	}
	return oid, nil
}
