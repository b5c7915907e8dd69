package tor

import (
	"context"
	"fmt"
	"time"

	"github.com/nao1215/tornago"
)

// defaultExitProbeTimeout bounds one lookup. The request crosses a full
// circuit, so it is slower than a control-port command.
const defaultExitProbeTimeout = 30 * time.Second

// TornagoExitProber asks check.torproject.org for the exit address through
// the SOCKS port, using tornago's HTTP client.
type TornagoExitProber struct {
	socksAddr string
	timeout   time.Duration
}

// NewTornagoExitProber creates a prober for the SOCKS endpoint p.
func NewTornagoExitProber(p Proxy, timeout time.Duration) *TornagoExitProber {
	if timeout <= 0 {
		timeout = defaultExitProbeTimeout
	}
	return &TornagoExitProber{socksAddr: p.Address(), timeout: timeout}
}

// ExitIP returns the exit address. It fails when the service reports the
// request did not arrive over Tor.
func (p *TornagoExitProber) ExitIP(ctx context.Context) (string, error) {
	cfg, err := tornago.NewClientConfig(
		tornago.WithClientSocksAddr(p.socksAddr),
		tornago.WithClientRequestTimeout(p.timeout),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create tornago config: %w", err)
	}
	client, err := tornago.NewClient(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to create tornago client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := client.VerifyTorConnection(ctx)
	if err != nil {
		return "", err
	}
	if !status.IsUsingTor() {
		return "", newError(KindProtocol, "exit lookup", status.Message(), nil)
	}
	return status.ExitIP(), nil
}
