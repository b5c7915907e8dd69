package tor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyType is the only proxy scheme the daemon exposes.
const ProxyType = "socks5"

// probeTimeout bounds a single SOCKS probe. The probe only checks that the
// port speaks SOCKS5, so it never needs a circuit to be built.
const probeTimeout = 2 * time.Second

// Proxy describes a SOCKS endpoint handed to collaborators such as a browser
// layer. When stream isolation is active each key gets its own Port.
type Proxy struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Type string `json:"type"`
}

// NewProxy returns a socks5 descriptor for host:port.
func NewProxy(host string, port int) Proxy {
	return Proxy{Host: host, Port: port, Type: ProxyType}
}

// Address returns "host:port".
func (p Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Rules returns the proxy rules string, for example "socks5://127.0.0.1:9050".
func (p Proxy) Rules() string {
	return p.Type + "://" + p.Address()
}

// Dialer returns a SOCKS5 dialer routed through this endpoint. Each port of
// the isolation pool yields its own circuits, so a dialer per key keeps
// streams apart.
func (p Proxy) Dialer() (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", p.Address(), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}
	return cd, nil
}

// SOCKS5 protocol constants used by the probe.
const (
	socks5Version       = 0x05
	socks5AuthNone      = 0x00
	socks5CmdConnect    = 0x01
	socks5AddrTypeDomID = 0x03

	// socks5ProbeOnion is a syntactically valid but unused v3 address. Tor
	// answers the CONNECT with a failure code, which is all the probe needs.
	socks5ProbeOnion = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion"
)

// ProbeSOCKS performs a SOCKS5 handshake and CONNECT against the endpoint and
// reports how long the round trip took.
//
// Any reply to the CONNECT, success or failure, counts as OK: Tor answers
// 0x04 (host unreachable) or 0x01 (general failure) for the probe address.
func (p Proxy) ProbeSOCKS(ctx context.Context) (ProxyStatus, time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	began := time.Now()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProxyStatusTimeout, 0
		}
		return ProxyStatusCannotConnect, 0
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return ProxyStatusCannotConnect, 0
		}
	}

	if _, err := conn.Write([]byte{socks5Version, 0x01, socks5AuthNone}); err != nil {
		return ProxyStatusCannotConnect, 0
	}

	authResp := make([]byte, 2)
	if _, err := io.ReadFull(conn, authResp); err != nil {
		return readFailure(err), 0
	}
	if authResp[0] != socks5Version || authResp[1] != socks5AuthNone {
		return ProxyStatusWrongType, 0
	}

	req := []byte{socks5Version, socks5CmdConnect, 0x00, socks5AddrTypeDomID, byte(len(socks5ProbeOnion))}
	req = append(req, socks5ProbeOnion...)
	req = append(req, 0x00, 80)
	if _, err := conn.Write(req); err != nil {
		return ProxyStatusCannotConnect, 0
	}

	resp := make([]byte, 4)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return readFailure(err), 0
	}
	if resp[0] != socks5Version {
		return ProxyStatusWrongType, 0
	}
	return ProxyStatusOK, time.Since(began)
}

func readFailure(err error) ProxyStatus {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ProxyStatusTimeout
	}
	return ProxyStatusWrongType
}
