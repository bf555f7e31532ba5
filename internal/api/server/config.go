// Package server runs the qsign HTTP listeners.
package server

import (
	"net"
	"strconv"
	"time"

	"github.com/remiblancher/qsign/internal/config"
)

// Config holds the listener settings.
type Config struct {
	Host string
	// Port serves every enabled service unless a per-service port is set.
	Port     int
	APIPort  int
	OCSPPort int
	TSAPort  int

	// Services is a subset of "api", "ocsp", "tsa", or "all".
	Services []string

	TLSCert string
	TLSKey  string
	// H2C serves HTTP/2 without TLS. Ignored when TLS is configured.
	H2C bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() *Config {
	return &Config{
		Port:            8443,
		Services:        []string{"api"},
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// FromSettings applies the server section of the configuration file over the
// defaults. resolve maps relative TLS paths; nil keeps them as given.
func FromSettings(s config.Server, resolve func(string) string) *Config {
	if resolve == nil {
		resolve = func(p string) string { return p }
	}
	c := DefaultConfig()
	c.Host = s.Host
	if s.Port != 0 {
		c.Port = s.Port
	}
	c.APIPort, c.OCSPPort, c.TSAPort = s.APIPort, s.OCSPPort, s.TSAPort
	if len(s.Services) > 0 {
		c.Services = s.Services
	}
	c.TLSCert, c.TLSKey = resolve(s.TLSCert), resolve(s.TLSKey)
	c.H2C = s.H2C
	for _, d := range []struct {
		dst *time.Duration
		src time.Duration
	}{
		{&c.ReadTimeout, s.ReadTimeout},
		{&c.WriteTimeout, s.WriteTimeout},
		{&c.ShutdownTimeout, s.ShutdownTimeout},
	} {
		if d.src > 0 {
			*d.dst = d.src
		}
	}
	return c
}

// HasService checks if a service is enabled.
func (c *Config) HasService(name string) bool {
	for _, s := range c.Services {
		if s == "all" || s == name {
			return true
		}
	}
	return false
}

// TLS reports whether the listeners serve HTTPS.
func (c *Config) TLS() bool { return c.TLSCert != "" && c.TLSKey != "" }

// Listener is one address and the services routed on it.
type Listener struct {
	Addr     string
	Services []string
}

// Listeners plans the sockets: one shared listener on Port, or one per
// distinct port once any per-service port is set. Services without their own
// port share the listener on Port.
func (c *Config) Listeners() []Listener {
	if c.APIPort == 0 && c.OCSPPort == 0 && c.TSAPort == 0 {
		return []Listener{{Addr: c.addr(c.Port), Services: c.Services}}
	}
	var out []Listener
	index := map[string]int{}
	for _, svc := range []struct {
		name string
		port int
	}{
		{"api", c.APIPort},
		{"ocsp", c.OCSPPort},
		{"tsa", c.TSAPort},
	} {
		if !c.HasService(svc.name) {
			continue
		}
		port := svc.port
		if port == 0 {
			port = c.Port
		}
		addr := c.addr(port)
		if i, ok := index[addr]; ok {
			out[i].Services = append(out[i].Services, svc.name)
			continue
		}
		index[addr] = len(out)
		out = append(out, Listener{Addr: addr, Services: []string{svc.name}})
	}
	return out
}

func (c *Config) addr(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
