// Package insurer maps formulary file names to insurer labels.
package insurer

import (
	"path/filepath"
	"strings"
)

// Unknown is the label used when no alias matches.
const Unknown = "Unknown Insurance"

// Alias maps a token found in file names to an insurer label.
type Alias struct {
	Token string `yaml:"token" toml:"token"`
	Name  string `yaml:"name" toml:"name"`
}

// DefaultAliases covers the plans seen in common formulary file names.
var DefaultAliases = []Alias{
	{Token: "UHC", Name: "UnitedHealthcare"},
	{Token: "BCBS", Name: "Blue Cross Blue Shield"},
	{Token: "Cigna", Name: "Cigna"},
	{Token: "Express Scripts", Name: "Express Scripts"},
	{Token: "Humana", Name: "Humana"},
	{Token: "Meridian", Name: "Meridian"},
	{Token: "Wellcare", Name: "Wellcare"},
	{Token: "County Care", Name: "County Care"},
}

var planTypes = []string{"HMO", "PPO", "Medicare"}

// FromFilename returns the insurer label for a formulary file. Plan type
// suffixes (HMO, PPO, Medicare) are appended when present in the name.
func FromFilename(name string, aliases []Alias) string {
	if len(aliases) == 0 {
		aliases = DefaultAliases
	}
	base := filepath.Base(name)
	for _, a := range aliases {
		if a.Token == "" || !strings.Contains(base, a.Token) {
			continue
		}
		for _, plan := range planTypes {
			if strings.Contains(base, plan) {
				return a.Name + " " + plan
			}
		}
		return a.Name
	}
	return Unknown
}

// Same reports whether two insurer labels name the same insurer.
func Same(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Key is the normalised form stored alongside passages for exact-match
// filtering in vector indexes.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
