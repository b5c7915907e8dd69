package tor

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // Tor's S2K password hash is defined over SHA-1
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// TorrcFileName is the name of the generated configuration inside the data directory.
const TorrcFileName = "torrc"

// CookieFileName is the control cookie written by a daemon this package launches.
const CookieFileName = "control_auth_cookie"

// Torrc is the daemon configuration generated for a supervised launch.
type Torrc struct {
	SocksHost        string
	SocksPort        int
	IsolationPorts   []int
	ControlHost      string
	ControlPort      int
	DataDirectory    string
	CookieAuthFile   string
	HashedPassword   string
	ExitNodes        []string
	ExcludeExitNodes []string
	EntryNodes       []string
	BridgeLines      []string
	OwningPID        int
}

// Render returns the torrc text. Each option is on its own line so list
// options such as SocksPort and Bridge accumulate.
func (t Torrc) Render() string {
	var b strings.Builder
	line := func(key, value string) {
		b.WriteString(key)
		b.WriteByte(' ')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	line("RunAsDaemon", "0")
	line("Log", "notice stdout")
	line("DataDirectory", t.DataDirectory)
	line("SocksPort", hostPort(t.SocksHost, t.SocksPort))
	for _, p := range t.IsolationPorts {
		line("SocksPort", hostPort(t.SocksHost, p))
	}
	line("ControlPort", hostPort(t.ControlHost, t.ControlPort))
	if t.HashedPassword != "" {
		line("HashedControlPassword", t.HashedPassword)
	}
	if t.CookieAuthFile != "" {
		line("CookieAuthentication", "1")
		line("CookieAuthFile", t.CookieAuthFile)
	}
	if len(t.ExitNodes) > 0 {
		line("ExitNodes", strings.Join(t.ExitNodes, ","))
	}
	if len(t.ExcludeExitNodes) > 0 {
		line("ExcludeExitNodes", strings.Join(t.ExcludeExitNodes, ","))
	}
	if len(t.EntryNodes) > 0 {
		line("EntryNodes", strings.Join(t.EntryNodes, ","))
	}
	for _, l := range t.BridgeLines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if t.OwningPID > 0 {
		line("__OwningControllerProcess", strconv.Itoa(t.OwningPID))
	}
	return b.String()
}

// Validate rejects values that would break out of their torrc line.
func (t Torrc) Validate() error {
	values := []string{t.SocksHost, t.ControlHost, t.DataDirectory, t.CookieAuthFile, t.HashedPassword}
	values = append(values, t.ExitNodes...)
	values = append(values, t.ExcludeExitNodes...)
	values = append(values, t.EntryNodes...)
	values = append(values, t.BridgeLines...)
	for _, v := range values {
		if strings.ContainsAny(v, "\r\n") {
			return newError(KindValidation, "torrc", fmt.Sprintf("value %q contains a line break", v), nil)
		}
	}
	return nil
}

// WriteFile renders the configuration to path with owner-only permissions.
// Invalid configurations are refused before anything is written.
func (t Torrc) WriteFile(path string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(t.Render()), 0o600); err != nil {
		return fmt.Errorf("failed to write torrc: %w", err)
	}
	return nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// s2kIndicator is Tor's default iteration count byte (65536 bytes hashed).
const s2kIndicator = 0x60

// HashControlPassword produces a HashedControlPassword value for password,
// equivalent to "tor --hash-password". A random salt is used.
func HashControlPassword(password string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hashControlPasswordWithSalt(password, salt), nil
}

// hashControlPasswordWithSalt implements the OpenPGP iterated and salted S2K
// (RFC 2440 section 3.6.1.3) with SHA-1, formatted as "16:" + hex(salt|indicator|digest).
func hashControlPasswordWithSalt(password string, salt []byte) string {
	count := (16 + (s2kIndicator & 15)) << ((s2kIndicator >> 4) + 6)

	data := make([]byte, 0, len(salt)+len(password))
	data = append(data, salt...)
	data = append(data, password...)

	h := sha1.New() //nolint:gosec // required by the S2K format
	for count > 0 {
		n := min(count, len(data))
		h.Write(data[:n])
		count -= n
	}

	out := make([]byte, 0, len(salt)+1+sha1.Size)
	out = append(out, salt...)
	out = append(out, s2kIndicator)
	out = h.Sum(out)
	return "16:" + strings.ToUpper(hex.EncodeToString(out))
}
