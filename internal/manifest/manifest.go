// Package manifest parses package manifests and reads/writes .sp package
// archives.
//
// Manifest TOML is parsed with github.com/pelletier/go-toml/v2: SSE needs
// to read manifest.toml out of every .sp archive and store package
// directory. Package identity fields are NFC-normalized with
// golang.org/x/text/unicode/norm for stable identity regardless of input
// normalization form.
package manifest

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/unicode/norm"
)

// Manifest is the parsed contents of manifest.toml, owned by a Package
// Object.
type Manifest struct {
	Package      PackageInfo  `toml:"package"`
	Dependencies Dependencies `toml:"dependencies"`
}

// PackageInfo holds the [package] table.
type PackageInfo struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Revision    int     `toml:"revision"`
	Arch        string `toml:"arch"`
	Description string `toml:"description"`
	License     string `toml:"license"`
	Homepage    string `toml:"homepage,omitempty"`

	// SBOM references, supplemented from original_source
	// (crates/config/src/builder.rs); optional on-disk siblings of
	// manifest.toml under packages/<hex>/.
	SBOMSpdx string `toml:"sbom_spdx,omitempty"`
	SBOMCdx  string `toml:"sbom_cdx,omitempty"`
}

// Dependencies holds the [dependencies] table.
type Dependencies struct {
	Runtime []string `toml:"runtime"`
	Build   []string `toml:"build"`
}

// Parse decodes manifest.toml bytes into a Manifest and validates required
// fields.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	// NFC-normalize the identity fields so two manifests differing only in
	// Unicode normalization form hash and catalog-key identically.
	m.Package.Name = norm.NFC.String(m.Package.Name)
	m.Package.Version = norm.NFC.String(m.Package.Version)
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks the required [package] fields are present.
func (m Manifest) Validate() error {
	if m.Package.Name == "" {
		return fmt.Errorf("manifest: package.name is required")
	}
	if m.Package.Version == "" {
		return fmt.Errorf("manifest: package.version is required")
	}
	if m.Package.Arch == "" {
		return fmt.Errorf("manifest: package.arch is required")
	}
	return nil
}

// Marshal encodes a Manifest back to canonical TOML bytes, used when the
// store repacks an archive into its canonical store form.
func Marshal(m Manifest) ([]byte, error) {
	data, err := toml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}
