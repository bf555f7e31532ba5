// Package report renders verification outcomes as text or HTML.
package report

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/remiblancher/qsign/pkg/status"
)

// Severity ranks a finding.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Finding is one observation made during verification.
type Finding struct {
	Severity Severity
	// Check names the verification step, e.g. "signature", "chain", "ocsp".
	Check   string
	Message string
}

// Signer summarizes a signer certificate for display.
type Signer struct {
	Subject     string
	Issuer      string
	Serial      string
	NotBefore   time.Time
	NotAfter    time.Time
	SigningTime time.Time
}

// SignerFrom extracts the display fields of cert.
func SignerFrom(cert *x509.Certificate, signingTime time.Time) Signer {
	return Signer{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		Serial:      fmt.Sprintf("%X", cert.SerialNumber),
		NotBefore:   cert.NotBefore.UTC(),
		NotAfter:    cert.NotAfter.UTC(),
		SigningTime: signingTime.UTC(),
	}
}

// Report is the outcome of one verification.
type Report struct {
	Title     string
	Status    status.Kind
	Format    string
	Signers   []Signer
	Findings  []Finding
	Generated time.Time
}

// New creates an empty report. The status starts as valid (KindNone).
func New(title string, generated time.Time) *Report {
	return &Report{Title: title, Generated: generated.UTC()}
}

// Add records a finding.
func (r *Report) Add(sev Severity, check, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Severity: sev, Check: check, Message: fmt.Sprintf(format, args...)})
}

// Info records an informational finding.
func (r *Report) Info(check, format string, args ...any) { r.Add(SeverityInfo, check, format, args...) }

// Warn records a warning.
func (r *Report) Warn(check, format string, args ...any) { r.Add(SeverityWarning, check, format, args...) }

// Fail records an error finding and sets the status to kind unless an
// earlier failure already did.
func (r *Report) Fail(kind status.Kind, check, format string, args ...any) {
	r.Add(SeverityError, check, format, args...)
	if r.Status == status.KindNone {
		r.Status = kind
	}
}

// Count returns the number of findings with severity sev.
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// Valid reports whether no failure was recorded.
func (r *Report) Valid() bool { return r.Status == status.KindNone }

// StatusText is "VALID" or the failure kind name.
func (r *Report) StatusText() string {
	if r.Valid() {
		return "VALID"
	}
	return r.Status.String()
}

const timeLayout = "2006-01-02 15:04:05 UTC"

// WriteText writes the plain text rendering to w.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", r.Title)
	fmt.Fprintf(&b, "%s\n", strings.Repeat("=", len(r.Title)))
	fmt.Fprintf(&b, "Status:    %s\n", r.StatusText())
	if r.Format != "" {
		fmt.Fprintf(&b, "Format:    %s\n", r.Format)
	}
	fmt.Fprintf(&b, "Generated: %s\n", r.Generated.Format(timeLayout))

	for i, s := range r.Signers {
		fmt.Fprintf(&b, "\nSigner %d\n", i+1)
		fmt.Fprintf(&b, "  Subject:      %s\n", s.Subject)
		fmt.Fprintf(&b, "  Issuer:       %s\n", s.Issuer)
		fmt.Fprintf(&b, "  Serial:       %s\n", s.Serial)
		fmt.Fprintf(&b, "  Valid:        %s to %s\n", s.NotBefore.Format(timeLayout), s.NotAfter.Format(timeLayout))
		if !s.SigningTime.IsZero() {
			fmt.Fprintf(&b, "  Signing time: %s\n", s.SigningTime.Format(timeLayout))
		}
	}

	if len(r.Findings) > 0 {
		b.WriteString("\nFindings\n")
		for _, f := range r.Findings {
			fmt.Fprintf(&b, "  [%-7s] %-10s %s\n", strings.ToUpper(f.Severity.String()), f.Check, f.Message)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Text returns the plain text rendering.
func (r *Report) Text() string {
	var buf bytes.Buffer
	_ = r.WriteText(&buf)
	return buf.String()
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"ts":  func(t time.Time) string { return t.Format(timeLayout) },
	"inc": func(i int) int { return i + 1 },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{font-family:sans-serif;margin:2em}
table{border-collapse:collapse}
td,th{border:1px solid #ccc;padding:4px 8px;text-align:left}
.valid{color:#070}.invalid{color:#a00}
.info{color:#333}.warning{color:#a60}.error{color:#a00}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="{{if .Valid}}valid{{else}}invalid{{end}}"><strong>Status: {{.StatusText}}</strong></p>
{{- if .Format}}
<p>Format: {{.Format}}</p>
{{- end}}
<p>Generated: {{ts .Generated}}</p>
{{- range $i, $s := .Signers}}
<h2>Signer {{inc $i}}</h2>
<table>
<tr><th>Subject</th><td>{{$s.Subject}}</td></tr>
<tr><th>Issuer</th><td>{{$s.Issuer}}</td></tr>
<tr><th>Serial</th><td>{{$s.Serial}}</td></tr>
<tr><th>Validity</th><td>{{ts $s.NotBefore}} to {{ts $s.NotAfter}}</td></tr>
{{- if not $s.SigningTime.IsZero}}
<tr><th>Signing time</th><td>{{ts $s.SigningTime}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .Findings}}
<h2>Findings</h2>
<table>
<tr><th>Severity</th><th>Check</th><th>Message</th></tr>
{{- range .Findings}}
<tr class="{{.Severity}}"><td>{{.Severity}}</td><td>{{.Check}}</td><td>{{.Message}}</td></tr>
{{- end}}
</table>
{{- end}}
</body>
</html>
`))

// WriteHTML writes the HTML rendering to w.
func (r *Report) WriteHTML(w io.Writer) error {
	if err := htmlTemplate.Execute(w, r); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

// HTML returns the HTML rendering.
func (r *Report) HTML() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.WriteHTML(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
