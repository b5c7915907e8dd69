package tor

import (
	"bytes"
	"encoding/base32"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Onion address constants.
const (
	// OnionV3Length is the length of a v3 label without the ".onion" suffix.
	OnionV3Length = 56
	// OnionV3Version is the version byte embedded in v3 addresses.
	OnionV3Version = 0x03
	// OnionV2Length is the length of a v2 label. V2 services stopped working in 2021.
	OnionV2Length = 16
	// OnionSuffix is the common suffix for all onion addresses.
	OnionSuffix = ".onion"
)

// onionV3Pattern matches v3 onion addresses (56 base32 characters + .onion).
var onionV3Pattern = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)

// onionV2Pattern matches v2 onion addresses (16 base32 characters + .onion).
var onionV2Pattern = regexp.MustCompile(`^[a-z2-7]{16}\.onion$`)

// checksumPrefix is the constant mixed into the v3 checksum.
var checksumPrefix = []byte(".onion checksum")

// OnionInfo is the classification of a URL.
type OnionInfo struct {
	IsOnion bool   `json:"isOnion"`
	Version int    `json:"version,omitempty"`
	Host    string `json:"host"`
	// Address is the "<label>.onion" part, without subdomains.
	Address string `json:"address,omitempty"`
	// ChecksumValid is set for v3 labels whose embedded checksum verifies.
	ChecksumValid bool `json:"checksumValid,omitempty"`
}

// IsOnionURL classifies raw by the label directly before ".onion": 56
// characters is v3, 16 is v2, anything else is not an onion address. A URL
// without a scheme is read as http. Malformed URLs return ErrInvalidURL.
func IsOnionURL(raw string) (OnionInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return OnionInfo{}, newError(KindInvalidURL, "classify url", "empty url", nil)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return OnionInfo{}, newError(KindInvalidURL, "classify url", "", err)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return OnionInfo{}, newError(KindInvalidURL, "classify url", "url has no host: "+raw, nil)
	}

	info := OnionInfo{Host: host}
	if !strings.HasSuffix(host, OnionSuffix) {
		return info, nil
	}

	labels := strings.Split(strings.TrimSuffix(host, OnionSuffix), ".")
	label := labels[len(labels)-1]
	switch len(label) {
	case OnionV3Length:
		info.IsOnion = true
		info.Version = 3
		info.Address = label + OnionSuffix
		info.ChecksumValid = IsValidV3Address(info.Address)
	case OnionV2Length:
		info.IsOnion = true
		info.Version = 2
		info.Address = label + OnionSuffix
	}
	return info, nil
}

// OnionLocation is the decision about an Onion-Location candidate.
type OnionLocation struct {
	URL            string
	ShouldRedirect bool
	Info           OnionInfo
	// Reason explains a rejection.
	Reason string
}

// HandleOnionLocation recommends a redirect only when raw classifies as an
// onion URL. The result is returned either way so callers can log rejects.
func HandleOnionLocation(raw string) OnionLocation {
	loc := OnionLocation{URL: raw}
	info, err := IsOnionURL(raw)
	if err != nil {
		loc.Reason = err.Error()
		return loc
	}
	loc.Info = info
	if !info.IsOnion {
		loc.Reason = "not an onion address: " + info.Host
		return loc
	}
	loc.ShouldRedirect = true
	return loc
}

// IsValidV3Address checks format and checksum of a v3 address with the
// ".onion" suffix.
//
// The checksum is the first two bytes of
// SHA3-256(".onion checksum" || pubkey || version).
func IsValidV3Address(address string) bool {
	address = strings.ToLower(address)
	if !onionV3Pattern.MatchString(address) {
		return false
	}

	decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(strings.TrimSuffix(address, OnionSuffix)))
	if err != nil || len(decoded) != 35 {
		return false
	}

	pubkey := decoded[:32]
	checksum := decoded[32:34]
	version := decoded[34]
	if version != OnionV3Version {
		return false
	}

	expected := computeV3Checksum(pubkey, version)
	return checksum[0] == expected[0] && checksum[1] == expected[1]
}

func computeV3Checksum(pubkey []byte, version byte) []byte {
	data := make([]byte, 0, len(checksumPrefix)+len(pubkey)+1)
	data = append(data, checksumPrefix...)
	data = append(data, pubkey...)
	data = append(data, version)
	hash := sha3.Sum256(data)
	return hash[:2]
}

// IsV2Address reports whether address has the deprecated v2 format.
func IsV2Address(address string) bool {
	return onionV2Pattern.MatchString(strings.ToLower(address))
}

// NormalizeAddress reduces input such as "HTTP://xyz.onion/path" or a bare
// label to "xyz.onion" and validates it as v3.
func NormalizeAddress(address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	address = strings.TrimPrefix(address, "https://")
	address = strings.TrimPrefix(address, "http://")
	if idx := strings.IndexAny(address, "/?#"); idx != -1 {
		address = address[:idx]
	}
	if !strings.HasSuffix(address, OnionSuffix) {
		address += OnionSuffix
	}

	if !IsValidV3Address(address) {
		if IsV2Address(address) {
			return "", newError(KindValidation, "normalize onion", "v2 onion addresses are deprecated and no longer functional", nil)
		}
		return "", newError(KindValidation, "normalize onion", "invalid onion address", nil)
	}
	return address, nil
}

// ComputeV3AddressFromPublicKey derives the v3 address of a 32-byte ed25519 key.
func ComputeV3AddressFromPublicKey(pubkey []byte) (string, error) {
	if len(pubkey) != 32 {
		return "", newError(KindValidation, "compute onion", "public key must be 32 bytes", nil)
	}
	data := make([]byte, 35)
	copy(data[:32], pubkey)
	copy(data[32:34], computeV3Checksum(pubkey, OnionV3Version))
	data[34] = OnionV3Version
	return strings.ToLower(base32.StdEncoding.EncodeToString(data)) + OnionSuffix, nil
}

// publicKeyHeader opens the hs_ed25519_public_key file of a v3 service.
var publicKeyHeader = []byte("== ed25519v1-public: type0 ==\x00\x00\x00")

// ReadOnionPublicKey derives the v3 address from a hidden service key file.
// Both the daemon's hs_ed25519_public_key file and a bare 32-byte key are
// accepted.
func ReadOnionPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	if len(data) == len(publicKeyHeader)+32 && bytes.HasPrefix(data, publicKeyHeader) {
		data = data[len(publicKeyHeader):]
	}
	return ComputeV3AddressFromPublicKey(data)
}
