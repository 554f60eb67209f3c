package manifest

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the four-byte frame magic number that prefixes a zstd-wrapped
// .sp archive.
var zstdMagic = [4]byte{0x28, 0xB5, 0x2F, 0xFD}

// tarMagicOffset and tarMagic identify a bare (unwrapped) tar archive: the
// bytes "ustar" appear at offset 257 in every POSIX tar header.
const (
	tarMagicOffset = 257
	tarMagic       = "ustar"
)

// ManifestEntryName is the required root entry of every .sp archive.
const ManifestEntryName = "manifest.toml"

// Entry is one file extracted from a .sp archive.
type Entry struct {
	Path     string // relative, archive-root-relative
	Mode     int64
	LinkName string // non-empty for symlinks
	Data     []byte
}

// Detect reports whether data opens with a zstd frame, a bare tar header, or
// neither (an unrecognized/corrupt archive).
func Detect(data []byte) (zstdWrapped bool, ok bool) {
	if len(data) >= 4 && bytes.Equal(data[:4], zstdMagic[:]) {
		return true, true
	}
	if len(data) >= tarMagicOffset+len(tarMagic) &&
		string(data[tarMagicOffset:tarMagicOffset+len(tarMagic)]) == tarMagic {
		return false, true
	}
	return false, false
}

// Read unpacks a .sp archive (optionally zstd-framed tar) into its manifest
// and ordered file entries. Archive member paths are validated: relative,
// never absolute, never containing "..", and symlink targets must stay
// inside the archive.
func Read(data []byte) (Manifest, []Entry, error) {
	zstdWrapped, ok := Detect(data)
	if !ok {
		return Manifest{}, nil, fmt.Errorf("manifest: unrecognized archive format (not zstd-framed, not bare tar)")
	}

	var tarReader io.Reader = bytes.NewReader(data)
	if zstdWrapped {
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("manifest: open zstd frame: %w", err)
		}
		defer dec.Close()
		tarReader = dec
	}

	tr := tar.NewReader(tarReader)

	var (
		m        Manifest
		haveMans bool
		entries  []Entry
	)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("manifest: read tar entry: %w", err)
		}

		name := path.Clean(hdr.Name)
		if err := validateMemberPath(name); err != nil {
			return Manifest{}, nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			if err := validateLinkTarget(name, hdr.Linkname); err != nil {
				return Manifest{}, nil, err
			}
			entries = append(entries, Entry{Path: name, Mode: hdr.Mode, LinkName: hdr.Linkname})
			continue
		case tar.TypeDir:
			continue
		case tar.TypeReg:
			buf, err := io.ReadAll(tr)
			if err != nil {
				return Manifest{}, nil, fmt.Errorf("manifest: read %s: %w", name, err)
			}
			if name == ManifestEntryName {
				m, err = Parse(buf)
				if err != nil {
					return Manifest{}, nil, err
				}
				haveMans = true
				continue
			}
			entries = append(entries, Entry{Path: name, Mode: hdr.Mode, Data: buf})
		default:
			// Skip device files, fifos, etc. — not valid package payload.
			continue
		}
	}

	if !haveMans {
		return Manifest{}, nil, fmt.Errorf("manifest: archive missing required %s at root", ManifestEntryName)
	}

	return m, entries, nil
}

// validateMemberPath rejects absolute paths and paths that escape the
// archive via "..".
func validateMemberPath(name string) error {
	if name == "" || name == "." {
		return fmt.Errorf("manifest: archive member has empty path")
	}
	if path.IsAbs(name) {
		return fmt.Errorf("manifest: archive member %q must be a relative path", name)
	}
	if name == ".." || strings.HasPrefix(name, "../") || strings.Contains(name, "/../") {
		return fmt.Errorf("manifest: archive member %q escapes the archive root", name)
	}
	return nil
}

// validateLinkTarget rejects symlinks whose target (absolute or relative)
// would resolve outside the archive root.
func validateLinkTarget(memberPath, target string) error {
	if target == "" {
		return fmt.Errorf("manifest: symlink %q has empty target", memberPath)
	}
	if path.IsAbs(target) {
		return fmt.Errorf("manifest: symlink %q has absolute target %q", memberPath, target)
	}
	resolved := path.Clean(path.Join(path.Dir(memberPath), target))
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return fmt.Errorf("manifest: symlink %q target %q escapes the archive", memberPath, target)
	}
	return nil
}

// Write packs a manifest and its file entries into a zstd-framed tar archive,
// the canonical form used when the store repacks an acquired .sp into its
// store-hash representation.
func Write(m Manifest, entries []Entry) ([]byte, error) {
	var buf bytes.Buffer

	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("manifest: open zstd writer: %w", err)
	}

	tw := tar.NewWriter(zw)

	manifestBytes, err := Marshal(m)
	if err != nil {
		_ = tw.Close()
		_ = zw.Close()
		return nil, err
	}

	if err := writeTarFile(tw, ManifestEntryName, 0o644, manifestBytes); err != nil {
		_ = tw.Close()
		_ = zw.Close()
		return nil, err
	}

	for _, e := range entries {
		if e.LinkName != "" {
			hdr := &tar.Header{
				Name:     e.Path,
				Linkname: e.LinkName,
				Typeflag: tar.TypeSymlink,
				Mode:     e.Mode,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				_ = tw.Close()
				_ = zw.Close()
				return nil, fmt.Errorf("manifest: write symlink header %s: %w", e.Path, err)
			}
			continue
		}
		if err := writeTarFile(tw, e.Path, e.Mode, e.Data); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("manifest: close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("manifest: close zstd writer: %w", err)
	}

	return buf.Bytes(), nil
}

func writeTarFile(tw *tar.Writer, name string, mode int64, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     mode,
		Size:     int64(len(data)),
	}
	if hdr.Mode == 0 {
		hdr.Mode = 0o644
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("manifest: write tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("manifest: write tar body %s: %w", name, err)
	}
	return nil
}
