// Package store implements the content-addressed object and package store
// for the State & Store Engine: a sharded objects/ tree keyed by BLAKE3
// hash, and a packages/ tree of unpacked .sp archives keyed by store hash.
//
// The store is append-mostly: PutObject never mutates an existing object in
// place, and concurrent writers for the same hash race harmlessly via
// write-to-temp-then-rename (the loser's rename silently overwrites an
// identical file). The sharded layout
// (objects/<aa>/<bb>/<hex>) shards on the first two hex bytes of the digest,
// the same approach used by OCI registry blob stores, to bound directory
// fan-out so listings stay cheap past 10^6 objects.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sps2/sse/internal/hash"
	"github.com/sps2/sse/internal/manifest"
	"github.com/sps2/sse/internal/sseerr"
)

const (
	objectsDir  = "objects"
	packagesDir = "packages"
	filesIndex  = "files.json"
)

// Store is the on-disk content-addressed store rooted at Root.
type Store struct {
	root string
}

// Open returns a Store rooted at root, creating the objects/ and packages/
// directories if they do not already exist.
func Open(root string) (*Store, error) {
	for _, sub := range []string{objectsDir, packagesDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", sub, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// ObjectPath returns the sharded on-disk path for a file object hash,
// regardless of whether the object currently exists.
func (s *Store) ObjectPath(objectHash string) (string, error) {
	aa, bb, ok := hash.ShardPath(objectHash)
	if !ok {
		return "", sseerr.New(sseerr.KindPackageHashMismatch, "malformed object hash").WithHash(objectHash)
	}
	return filepath.Join(s.root, objectsDir, aa, bb, objectHash), nil
}

// PackagePath returns the on-disk directory for a package's store hash.
func (s *Store) PackagePath(storeHash string) string {
	return filepath.Join(s.root, packagesDir, storeHash)
}

// PutObject writes data under its content hash and returns the hash.
// Idempotent: if the target path already exists with a matching size, the
// call is a no-op.
func (s *Store) PutObject(data []byte) (string, error) {
	objectHash := hash.Object(data)
	path, err := s.ObjectPath(objectHash)
	if err != nil {
		return "", err
	}

	if fi, err := os.Stat(path); err == nil && fi.Size() == int64(len(data)) {
		return objectHash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("store: create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".obj-*.tmp")
	if err != nil {
		return "", fmt.Errorf("store: create temp object: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("store: write temp object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("store: close temp object: %w", err)
	}

	// Rename races are resolved by the filesystem: the loser's rename
	// silently overwrites an identical file, since both sides hash to the
	// same content.
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("store: rename temp object into place: %w", err)
	}

	return objectHash, nil
}

// ObjectExists reports whether an object with the given hash is present.
func (s *Store) ObjectExists(objectHash string) (bool, error) {
	path, err := s.ObjectPath(objectHash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// LoadObject reads a file object's bytes by hash, verifying the content still
// matches (corruption detection).
func (s *Store) LoadObject(objectHash string) ([]byte, error) {
	path, err := s.ObjectPath(objectHash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sseerr.New(sseerr.KindStoreObjectMissing, "file object missing from store").WithHash(objectHash)
		}
		return nil, fmt.Errorf("store: read object %s: %w", objectHash, err)
	}
	if got := hash.Object(data); got != objectHash {
		return nil, sseerr.New(sseerr.KindPackageHashMismatch, "file object content does not match its hash").WithHash(objectHash)
	}
	return data, nil
}

// FileRef is one entry of a StoredPackage's ordered file list. Exactly one
// of FileHash or LinkName is set: a regular file carries its content hash, a
// symlink carries its target and an empty hash.
type FileRef struct {
	RelativePath string
	FileHash     string
	LinkName     string
	Mode         int64
}

// StoredPackage is the result of PutPackage/LoadPackageIfExists: the
// package's identity (store + archive hash), size, and ordered file list,
// per "Package Object".
type StoredPackage struct {
	StoreHash   string
	ArchiveHash string
	Size        int64
	Manifest    manifest.Manifest
	Files       []FileRef
}

// PutPackage ingests an acquired .sp archive: it computes the archive hash of
// the raw bytes, unpacks and repacks it into canonical form to compute the
// store hash, writes every member as a content-addressed file object, and
// creates packages/<store-hash>/ holding manifest.toml, a files.json index
// of the members, and an empty files/ directory; member contents are not
// copied under files/ and exist only as file objects. If a package with the same store hash already
// exists, ingestion is skipped (dedup by store hash) but the archive hash
// is still recorded by the caller (Catalog) against the package record.
func (s *Store) PutPackage(spData []byte) (StoredPackage, error) {
	archiveHash, err := hash.ArchiveHash(bytes.NewReader(spData))
	if err != nil {
		return StoredPackage{}, fmt.Errorf("store: compute archive hash: %w", err)
	}

	m, entries, err := manifest.Read(spData)
	if err != nil {
		return StoredPackage{}, fmt.Errorf("store: read archive: %w", err)
	}

	canonical, err := manifest.Write(m, entries)
	if err != nil {
		return StoredPackage{}, fmt.Errorf("store: repack to canonical form: %w", err)
	}
	storeHash, err := hash.StoreHash(bytes.NewReader(canonical))
	if err != nil {
		return StoredPackage{}, fmt.Errorf("store: compute store hash: %w", err)
	}

	if existing, ok, err := s.LoadPackageIfExists(storeHash); err != nil {
		return StoredPackage{}, err
	} else if ok {
		existing.ArchiveHash = archiveHash
		return existing, nil
	}

	files := make([]FileRef, 0, len(entries))
	var total int64
	for _, e := range entries {
		if e.LinkName != "" {
			// Symlinks are recorded in the package manifest but are not
			// separately content-addressed file objects; the target string
			// itself is the payload that must survive ingestion.
			files = append(files, FileRef{RelativePath: e.Path, LinkName: e.LinkName, Mode: e.Mode})
			continue
		}
		objHash, err := s.PutObject(e.Data)
		if err != nil {
			return StoredPackage{}, err
		}
		files = append(files, FileRef{RelativePath: e.Path, FileHash: objHash, Mode: e.Mode})
		total += int64(len(e.Data))
	}

	pkgDir := s.PackagePath(storeHash)
	if err := os.MkdirAll(filepath.Join(pkgDir, "files"), 0o755); err != nil {
		return StoredPackage{}, fmt.Errorf("store: create package dir: %w", err)
	}
	manifestBytes, err := manifest.Marshal(m)
	if err != nil {
		return StoredPackage{}, err
	}
	if err := writeFileAtomic(filepath.Join(pkgDir, "manifest.toml"), manifestBytes); err != nil {
		return StoredPackage{}, err
	}

	indexBytes, err := json.Marshal(filesIndexDoc{Size: total, Files: files})
	if err != nil {
		return StoredPackage{}, fmt.Errorf("store: marshal file index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(pkgDir, filesIndex), indexBytes); err != nil {
		return StoredPackage{}, err
	}

	return StoredPackage{
		StoreHash:   storeHash,
		ArchiveHash: archiveHash,
		Size:        total,
		Manifest:    m,
		Files:       files,
	}, nil
}

// filesIndexDoc is the sidecar record written alongside manifest.toml so a
// package's file list and size can be recovered without re-reading every
// object (used by LoadPackageIfExists's dedup path).
type filesIndexDoc struct {
	Size  int64     `json:"size"`
	Files []FileRef `json:"files"`
}

// LoadPackageIfExists returns the StoredPackage for storeHash if its package
// directory and manifest already exist on disk.
func (s *Store) LoadPackageIfExists(storeHash string) (StoredPackage, bool, error) {
	pkgDir := s.PackagePath(storeHash)
	manifestPath := filepath.Join(pkgDir, "manifest.toml")

	data, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return StoredPackage{}, false, nil
	}
	if err != nil {
		return StoredPackage{}, false, fmt.Errorf("store: read manifest for %s: %w", storeHash, err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return StoredPackage{}, false, fmt.Errorf("store: parse manifest for %s: %w", storeHash, err)
	}

	indexData, err := os.ReadFile(filepath.Join(pkgDir, filesIndex))
	if err != nil {
		return StoredPackage{}, false, fmt.Errorf("store: read file index for %s: %w", storeHash, err)
	}
	var idx filesIndexDoc
	if err := json.Unmarshal(indexData, &idx); err != nil {
		return StoredPackage{}, false, fmt.Errorf("store: parse file index for %s: %w", storeHash, err)
	}

	return StoredPackage{
		StoreHash: storeHash,
		Size:      idx.Size,
		Manifest:  m,
		Files:     idx.Files,
	}, true, nil
}

// RemovePackage deletes a package directory from the store. Callers must
// ensure the catalog's refcount for storeHash is already zero; RemovePackage
// itself performs no refcount bookkeeping (that is the garbage collector's
// job, via its two-phase delete-then-confirm sweep).
func (s *Store) RemovePackage(storeHash string) error {
	if err := os.RemoveAll(s.PackagePath(storeHash)); err != nil {
		return fmt.Errorf("store: remove package %s: %w", storeHash, err)
	}
	return nil
}

// RemoveObject deletes a file object from disk. Like RemovePackage, refcount
// bookkeeping is the Catalog's responsibility.
func (s *Store) RemoveObject(objectHash string) error {
	path, err := s.ObjectPath(objectHash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove object %s: %w", objectHash, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
