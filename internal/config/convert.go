package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/danmuck/blocksync/internal/remote"
)

// RemoteBackoff converts the [backoff] table; unset fields keep remote defaults.
func (cfg SyncConfig) RemoteBackoff() remote.BackoffConfig {
	initial, _ := parseDuration(cfg.Backoff.Initial)
	maxDelay, _ := parseDuration(cfg.Backoff.Max)
	out := remote.BackoffConfig{
		InitialDelay: initial,
		Multiplier:   cfg.Backoff.Multiplier,
		MaxDelay:     maxDelay,
		Jitter:       true,
	}
	if cfg.Backoff.Jitter != nil {
		out.Jitter = *cfg.Backoff.Jitter
	}
	return out.WithDefaults()
}

// TLSConfig trusts ca_file on top of the system roots. It returns nil when
// neither ca_file nor insecure_tls is set.
func (cfg SyncConfig) TLSConfig() (*tls.Config, error) {
	caFile := strings.TrimSpace(cfg.CAFile)
	if caFile == "" && !cfg.InsecureTLS {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureTLS}
	if caFile == "" {
		return out, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("sync config ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("sync config ca_file %s: no certificates found", caFile)
	}
	out.RootCAs = pool
	return out, nil
}

// HTTPClient returns the client used for request/response calls.
func (cfg SyncConfig) HTTPClient() (*http.Client, error) {
	client, err := cfg.StreamClient()
	if err != nil {
		return nil, err
	}
	client.Timeout, _ = parseDuration(cfg.RequestTimeout)
	return client, nil
}

// StreamClient has no overall timeout, since event stream bodies stay open.
func (cfg SyncConfig) StreamClient() (*http.Client, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return &http.Client{}, nil
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &http.Client{Transport: transport}, nil
}

func (cfg SyncConfig) BlocksURL() string    { return joinURL(cfg.APIURL, "blocks") }
func (cfg SyncConfig) PresetsURL() string   { return joinURL(cfg.APIURL, "presets") }
func (cfg SyncConfig) LayoutsURL() string   { return joinURL(cfg.APIURL, "layouts") }
func (cfg SyncConfig) ProcessesURL() string { return joinURL(cfg.APIURL, "processes") }

func joinURL(base, part string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + part
}
