package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Endpoint identifies a proxy server together with the target protocol it
// can carry. Protocol is "http" or "https".
type Endpoint struct {
	Protocol string
	IP       string
	Port     int
}

// Addr returns the host:port form of the endpoint.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// URL returns the URL used to dial the proxy server. Proxies are addressed
// over plain HTTP; HTTPS targets are tunneled through CONNECT.
func (e Endpoint) URL() *url.URL {
	return &url.URL{Scheme: "http", Host: e.Addr()}
}

// ParseEndpoint parses a "protocol://host:port" string into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("proxy: parsing endpoint %q: %w", s, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("proxy: endpoint %q: unsupported protocol %q", s, u.Scheme)
	}

	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("proxy: endpoint %q: missing host", s)
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Endpoint{}, fmt.Errorf("proxy: endpoint %q: invalid port: %w", s, err)
	}

	return Endpoint{Protocol: u.Scheme, IP: u.Hostname(), Port: port}, nil
}

// Source supplies the current set of proxy endpoints. Implementations may
// scrape a provider, read a file, or serve a fixed list.
type Source interface {
	Fetch(ctx context.Context) ([]Endpoint, error)
}

// StaticSource serves a fixed endpoint list, typically parsed from
// configuration.
type StaticSource []Endpoint

// Fetch returns a copy of the endpoint list.
func (s StaticSource) Fetch(_ context.Context) ([]Endpoint, error) {
	out := make([]Endpoint, len(s))
	copy(out, s)

	return out, nil
}

// MultiSource concatenates the endpoints of several sources, in order.
// Any source failing fails the whole fetch.
type MultiSource []Source

// Fetch collects endpoints from every source.
func (s MultiSource) Fetch(ctx context.Context) ([]Endpoint, error) {
	var endpoints []Endpoint

	for _, src := range s {
		eps, err := src.Fetch(ctx)
		if err != nil {
			return nil, err
		}

		endpoints = append(endpoints, eps...)
	}

	return endpoints, nil
}

// FileSource reads endpoints from a text file, one "protocol://host:port"
// per line. Blank lines and lines starting with '#' are skipped.
type FileSource struct {
	Path string
}

// Fetch reads and parses the endpoint file. A malformed line fails the
// whole fetch so configuration errors surface instead of silently
// shrinking the pool.
func (s FileSource) Fetch(_ context.Context) ([]Endpoint, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("proxy: opening endpoint file: %w", err)
	}
	defer f.Close()

	var endpoints []Endpoint

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ep, err := ParseEndpoint(line)
		if err != nil {
			return nil, err
		}

		endpoints = append(endpoints, ep)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("proxy: reading endpoint file: %w", err)
	}

	return endpoints, nil
}
