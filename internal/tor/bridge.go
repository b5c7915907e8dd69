package tor

import (
	"net"
	"slices"
	"strings"
	"sync"
)

// Transport is a pluggable transport name as used in bridge lines.
type Transport string

// Supported transports.
const (
	TransportVanilla   Transport = "vanilla"
	TransportObfs4     Transport = "obfs4"
	TransportSnowflake Transport = "snowflake"
	TransportMeek      Transport = "meek_lite"
	TransportWebTunnel Transport = "webtunnel"
)

// defaultPlugins maps transports to the client executable launched for them.
// lyrebird replaced obfs4proxy and also serves meek_lite and webtunnel.
var defaultPlugins = map[Transport]string{
	TransportObfs4:     "lyrebird",
	TransportMeek:      "lyrebird",
	TransportWebTunnel: "lyrebird",
	TransportSnowflake: "snowflake-client",
}

// builtinBridges is the catalog shipped with desktop Tor clients.
var builtinBridges = map[Transport][]string{
	TransportObfs4: {
		"obfs4 192.95.36.142:443 CDF2E852BF539B82BD10E27E9115A31734E378C2 cert=qUVQ0srL1JI/vO6V6m/24anYXiJD3QP2HgzUKQtQ7GRqqUvs7P+tG43RtAqdhLOALP7DJQ iat-mode=1",
		"obfs4 37.218.245.14:38224 D9A82D2F9C2F65A18407B1D2B764F130847F8B5D cert=bjRaMrr1BRiAW8IE9U5z27fQaYgOhX1UCmOpg2pFpoMvo6ZgQMzLsaTzzQNTlm7hNcb+Sg iat-mode=0",
		"obfs4 85.31.186.98:443 011F2599C0E9B27EE74B353155E244813763C3E5 cert=ayq0XzCwhpdysn5o0EyDUbmSOx3X/oTEbzDMvczHOdBJKlvIdHHLJGkZARtT4dcBFArPPg iat-mode=0",
		"obfs4 193.11.166.194:27015 2D82C2E354D531A68469ADF7F878FA6060C6BACA cert=4TLQPJrTSaDffMK7Nbao6LC7G9OW/NHkUwIdjLSS3KYf0Nv4/nQiiI8dY2TcsQx01NniOg iat-mode=0",
	},
	TransportSnowflake: {
		"snowflake 192.0.2.3:80 2B280B23E1107BB62ABFC40DDCC8824814F80A72 fingerprint=2B280B23E1107BB62ABFC40DDCC8824814F80A72 url=https://1098762253.rsc.cdn77.org/ fronts=www.cdn77.com,www.phpmyadmin.net ice=stun:stun.antisip.com:3478,stun:stun.epygi.com:3478 utls-imitate=hellorandomizedalpn",
		"snowflake 192.0.2.4:80 8838024498816A039FCBBAB14E6F40A0843051FA fingerprint=8838024498816A039FCBBAB14E6F40A0843051FA url=https://1098762253.rsc.cdn77.org/ fronts=www.cdn77.com,www.phpmyadmin.net ice=stun:stun.antisip.com:3478,stun:stun.epygi.com:3478 utls-imitate=hellorandomizedalpn",
	},
	TransportMeek: {
		"meek_lite 192.0.2.20:80 url=https://1314488750.rsc.cdn77.org front=www.phpmyadmin.net utls=HelloRandomizedALPN",
	},
	TransportWebTunnel: {
		"webtunnel [2001:db8:3b0e:7bd2:fbc8:1e06:2a29:9d51]:443 F0B1D5D7E7E8B0A1F9A0C0D2E3F4A5B6C7D8E9F0 url=https://verry.org/K5G8Xe6VdEz1xKDbl3rThgNi ver=0.0.1",
	},
}

// Bridge is one configured bridge.
type Bridge struct {
	Transport Transport `json:"transport"`
	Line      string    `json:"line"`
}

// BuiltinBridges is the fallback answer of FetchBuiltinBridges. Success is
// always false because no live distribution fetch is made; callers should
// use Bridges as defaults rather than treat this as a failure.
type BuiltinBridges struct {
	Success   bool
	Transport Transport
	Bridges   []string
	Message   string
}

// BridgeManager keeps the bridge list and the selected transport.
type BridgeManager struct {
	mu        sync.Mutex
	bridges   []Bridge
	transport Transport
	plugins   map[Transport]string
}

// NewBridgeManager creates an empty manager. plugins overrides the client
// executable per transport; nil keeps the defaults.
func NewBridgeManager(plugins map[Transport]string) *BridgeManager {
	merged := make(map[Transport]string, len(defaultPlugins))
	for t, p := range defaultPlugins {
		merged[t] = p
	}
	for t, p := range plugins {
		if p != "" {
			merged[t] = p
		}
	}
	return &BridgeManager{transport: TransportVanilla, plugins: merged}
}

// ParseTransport validates a transport name. "meek" and "meek-azure" are
// accepted as meek_lite, "none" and "" as vanilla.
func ParseTransport(name string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "vanilla":
		return TransportVanilla, nil
	case "obfs4":
		return TransportObfs4, nil
	case "snowflake":
		return TransportSnowflake, nil
	case "meek", "meek_lite", "meek-azure":
		return TransportMeek, nil
	case "webtunnel":
		return TransportWebTunnel, nil
	default:
		return "", newError(KindValidation, "transport", "unknown transport "+name+"; accepted: vanilla, obfs4, snowflake, meek_lite, webtunnel", nil)
	}
}

// bridgeTransport derives the transport from the first token of a line.
func bridgeTransport(line string) Transport {
	first, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	if _, _, err := net.SplitHostPort(first); err == nil {
		return TransportVanilla
	}
	if t, err := ParseTransport(first); err == nil {
		return t
	}
	return Transport(first)
}

// AddBridge appends line verbatim and returns the new count. A leading
// "Bridge " keyword, as copied from a torrc, is stripped. Lines with an
// embedded line break are rejected; a trailing one is trimmed.
func (m *BridgeManager) AddBridge(line string) (int, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return 0, newError(KindValidation, "add bridge", "bridge line is empty", nil)
	}
	if strings.ContainsAny(trimmed, "\r\n") {
		return 0, newError(KindValidation, "add bridge", "bridge line must be a single line", nil)
	}
	if rest, ok := strings.CutPrefix(trimmed, "Bridge "); ok {
		trimmed = strings.TrimSpace(rest)
		line = trimmed
	}
	if strings.ContainsAny(line, "\r\n") {
		line = trimmed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges = append(m.bridges, Bridge{Transport: bridgeTransport(trimmed), Line: line})
	return len(m.bridges), nil
}

// Bridges returns the bridges in insertion order.
func (m *BridgeManager) Bridges() []Bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.bridges)
}

// Count returns the number of bridges.
func (m *BridgeManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridges)
}

// ClearBridges removes every bridge and selects vanilla.
func (m *BridgeManager) ClearBridges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges = nil
	m.transport = TransportVanilla
}

// SetTransport selects the pluggable transport.
func (m *BridgeManager) SetTransport(t Transport) error {
	parsed, err := ParseTransport(string(t))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = parsed
	return nil
}

// Transport returns the selected transport.
func (m *BridgeManager) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// FetchBuiltinBridges returns the built-in catalog for transport.
func (m *BridgeManager) FetchBuiltinBridges(t Transport) (BuiltinBridges, error) {
	parsed, err := ParseTransport(string(t))
	if err != nil {
		return BuiltinBridges{}, err
	}
	lines := slices.Clone(builtinBridges[parsed])
	msg := "bridge distribution is not queried; using built-in bridges"
	if len(lines) == 0 {
		msg = "no built-in bridges for " + string(parsed)
	}
	return BuiltinBridges{Success: false, Transport: parsed, Bridges: lines, Message: msg}, nil
}

// UseBuiltin selects transport and appends its built-in bridges. It returns
// the new count.
func (m *BridgeManager) UseBuiltin(t Transport) (int, error) {
	builtin, err := m.FetchBuiltinBridges(t)
	if err != nil {
		return 0, err
	}
	if len(builtin.Bridges) == 0 {
		return 0, newError(KindValidation, "use builtin bridges", builtin.Message, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = builtin.Transport
	for _, line := range builtin.Bridges {
		m.bridges = append(m.bridges, Bridge{Transport: builtin.Transport, Line: line})
	}
	return len(m.bridges), nil
}

// transports returns the distinct non-vanilla transports in use, the selected one first.
func (m *BridgeManager) transports() []Transport {
	var out []Transport
	if m.transport != TransportVanilla {
		out = append(out, m.transport)
	}
	for _, b := range m.bridges {
		if b.Transport != TransportVanilla && !slices.Contains(out, b.Transport) {
			out = append(out, b.Transport)
		}
	}
	return out
}

// TorrcLines returns the torrc lines enabling the bridges, or nil when none are configured.
func (m *BridgeManager) TorrcLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bridges) == 0 {
		return nil
	}
	lines := []string{"UseBridges 1"}
	for _, t := range m.transports() {
		if plugin := m.plugins[t]; plugin != "" {
			lines = append(lines, "ClientTransportPlugin "+string(t)+" exec "+plugin)
		}
	}
	for _, b := range m.bridges {
		lines = append(lines, "Bridge "+b.Line)
	}
	return lines
}

// ConfPairs returns the SETCONF keywords applying the bridges to a live daemon.
func (m *BridgeManager) ConfPairs() []ConfPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bridges) == 0 {
		return []ConfPair{{Key: "UseBridges", Value: "0"}, {Key: "Bridge"}}
	}
	pairs := []ConfPair{{Key: "UseBridges", Value: "1"}}
	for _, t := range m.transports() {
		if plugin := m.plugins[t]; plugin != "" {
			pairs = append(pairs, ConfPair{Key: "ClientTransportPlugin", Value: string(t) + " exec " + plugin})
		}
	}
	for _, b := range m.bridges {
		pairs = append(pairs, ConfPair{Key: "Bridge", Value: b.Line})
	}
	return pairs
}
