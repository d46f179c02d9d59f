// Package endpoint resolves where the atlas server listens and how clients
// reach it.
package endpoint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/LiangMouse/fe-atlas/internal/paths"
	"golang.org/x/net/http2"
)

const (
	HostEnv = "ATLAS_HOST"

	defaultTSNetHostname = "fe-atlas"
	defaultTSNetPort     = 7777
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	TSNetHostname string
	TSNetPort     int
}

func (ep Endpoint) String() string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		return fmt.Sprintf("tsnet://%s:%d", ep.TSNetHostname, ep.TSNetPort)
	default:
		return ep.BaseURL
	}
}

// Default is the per-user unix socket.
func Default() (Endpoint, error) {
	sock, err := paths.SocketPath()
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Scheme: "unix", Address: sock, BaseURL: "http://unix"}, nil
}

// ResolveListen resolves an endpoint for server-side listening. Unlike
// Resolve it accepts tsnet://hostname[:port].
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(HostEnv))
	}
	if value == "" {
		return Default()
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"):
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return Endpoint{}, fmt.Errorf("invalid http endpoint %q", value)
		}
		return Endpoint{Scheme: "http", Address: u.Host, BaseURL: "http://" + u.Host}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet endpoints are only valid for atlas serve --listen; connect with http://%s instead", strings.TrimPrefix(value, "tsnet://"))
		}
		return resolveTSNet(value)
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected unix://, http://, tsnet://, or absolute unix socket path)", value)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	rest := strings.TrimPrefix(value, "tsnet://")
	if strings.ContainsAny(rest, "/?#") {
		return Endpoint{}, fmt.Errorf("tsnet endpoint %q must not include a path", value)
	}
	host, port := rest, defaultTSNetPort
	if h, p, err := net.SplitHostPort(rest); err == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 1 || n > 65535 {
			return Endpoint{}, fmt.Errorf("invalid tsnet port %q", p)
		}
		host, port = h, n
	}
	if host == "" {
		host = defaultTSNetHostname
	}
	return Endpoint{
		Scheme:        "tsnet",
		Address:       fmt.Sprintf(":%d", port),
		BaseURL:       fmt.Sprintf("http://%s:%d", host, port),
		TSNetHostname: host,
		TSNetPort:     port,
	}, nil
}

// HTTPClient speaks h2c to the server, over the unix socket when ep is one.
func HTTPClient(ep Endpoint) *http.Client {
	dialer := &net.Dialer{}
	network, addr := "tcp", ep.Address
	if ep.Scheme == "unix" {
		network = "unix"
	}
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, dialAddr string, _ *tls.Config) (net.Conn, error) {
				if network == "tcp" && addr == "" {
					return dialer.DialContext(ctx, "tcp", dialAddr)
				}
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}
