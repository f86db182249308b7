// Package netproxy applies outbound HTTP/SOCKS5 proxy configuration to an
// *http.Client, used for every call this gateway makes to the upstream and to
// Google's OAuth endpoints.
package netproxy

import (
	"context"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Apply configures client's transport to route through proxyURL when non-empty and
// enabled. Supported schemes: socks5, http, https. Unknown or malformed URLs leave
// the client's existing transport untouched.
func Apply(enabled bool, proxyURL string, client *http.Client) *http.Client {
	if !enabled || proxyURL == "" {
		return client
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Errorf("netproxy: invalid proxy url %q: %v", proxyURL, err)
		return client
	}

	var transport *http.Transport
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			username := parsed.User.Username()
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: username, Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			log.Errorf("netproxy: create SOCKS5 dialer failed: %v", err)
			return client
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		log.Warnf("netproxy: unsupported proxy scheme %q", parsed.Scheme)
		return client
	}

	client.Transport = transport
	return client
}
