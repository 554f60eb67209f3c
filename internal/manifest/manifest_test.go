package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	doc := []byte(`
[package]
name = "foo"
version = "1.0.0"
revision = 1
arch = "arm64"
description = "a test package"
license = "MIT"

[dependencies]
runtime = ["bar>=1.0"]
build = ["make"]
`)
	m, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "foo", m.Package.Name)
	assert.Equal(t, "1.0.0", m.Package.Version)
	assert.Equal(t, []string{"bar>=1.0"}, m.Dependencies.Runtime)
}

func TestParse_MissingRequiredField(t *testing.T) {
	_, err := Parse([]byte(`[package]
version = "1.0.0"
arch = "arm64"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestMarshal_RoundTrip(t *testing.T) {
	m := Manifest{
		Package: PackageInfo{Name: "foo", Version: "1.0.0", Arch: "arm64"},
	}
	data, err := Marshal(m)
	require.NoError(t, err)

	m2, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, m.Package.Name, m2.Package.Name)
}
