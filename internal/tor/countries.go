package tor

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// knownCountries is the closed set of ISO 3166-1 alpha-2 codes accepted for
// exit and entry restrictions. It covers the countries with a meaningful
// number of relays; codes outside it are rejected or dropped.
var knownCountries = []string{
	"AE", "AL", "AM", "AR", "AT", "AU", "BA", "BE", "BG", "BR",
	"CA", "CH", "CL", "CN", "CO", "CR", "CY", "CZ", "DE", "DK",
	"EE", "EG", "ES", "FI", "FR", "GB", "GE", "GR", "HK", "HR",
	"HU", "ID", "IE", "IL", "IN", "IR", "IS", "IT", "JP", "KE",
	"KR", "KZ", "LT", "LU", "LV", "MA", "MD", "MK", "MT", "MX",
	"MY", "NG", "NL", "NO", "NZ", "PA", "PE", "PH", "PK", "PL",
	"PT", "RO", "RS", "RU", "SA", "SC", "SE", "SG", "SI", "SK",
	"TH", "TR", "TW", "UA", "US", "UY", "VN", "ZA",
}

// Country is an entry of the known-country table.
type Country struct {
	Code string
	Name string
}

// normalizeCountryCode trims and upper-cases a code.
func normalizeCountryCode(code string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(code))
}

// IsKnownCountry reports whether code (any case) is in the table.
func IsKnownCountry(code string) bool {
	_, found := slices.BinarySearch(knownCountries, normalizeCountryCode(code))
	return found
}

// KnownCountryCodes returns the accepted codes in sorted order.
func KnownCountryCodes() []string {
	return slices.Clone(knownCountries)
}

// KnownCountries returns the table with English display names.
func KnownCountries() []Country {
	namer := display.English.Regions()
	out := make([]Country, 0, len(knownCountries))
	for _, code := range knownCountries {
		out = append(out, Country{Code: code, Name: countryName(namer, code)})
	}
	return out
}

// CountryName returns the English name of code, or the code itself when unknown.
func CountryName(code string) string {
	return countryName(display.English.Regions(), normalizeCountryCode(code))
}

func countryName(namer display.Namer, code string) string {
	region, err := language.ParseRegion(code)
	if err != nil {
		return code
	}
	if name := namer.Name(region); name != "" {
		return name
	}
	return code
}

// CountryToken wraps a code in the daemon's node-selection syntax, e.g. "{de}".
func CountryToken(code string) string {
	return "{" + strings.ToLower(normalizeCountryCode(code)) + "}"
}

// TokenCountry extracts the code from a "{xx}" token.
func TokenCountry(token string) string {
	return normalizeCountryCode(strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}"))
}
