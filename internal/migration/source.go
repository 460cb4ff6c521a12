package migration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// YAML manifest
// =============================================================================

// Manifest is the YAML form of a migration chain.
type Manifest struct {
	Migrations []Migration `yaml:"migrations"`
}

// ParseManifest decodes a YAML manifest and validates the chain. A record
// without produces_version produces start_version + 1.
func ParseManifest(data []byte) (*Registry, error) {
	var manifest Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&manifest); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for i := range manifest.Migrations {
		if manifest.Migrations[i].ProducesVersion == 0 {
			manifest.Migrations[i].ProducesVersion = manifest.Migrations[i].StartVersion + 1
		}
	}
	return NewRegistry(manifest.Migrations...)
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// =============================================================================
// SQL file directory
// =============================================================================

// LoadDir reads a directory of golang-migrate style files
// ({version}_{title}.up.sql / .down.sql). The pair with version N holds the
// migration from N to N+1, so the first pair of a chain is numbered 1.
// A directory without migration files yields an empty chain; a missing one
// is an error.
func LoadDir(fsys fs.FS, path string) (*Registry, error) {
	info, err := fs.Stat(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("open migration directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open migration directory %s: not a directory", path)
	}

	driver, err := iofs.New(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("open migration directory %s: %w", path, err)
	}
	defer driver.Close()

	var migrations []Migration
	version, err := driver.First()
	for err == nil {
		m, loadErr := readPair(driver, version)
		if loadErr != nil {
			return nil, loadErr
		}
		migrations = append(migrations, m)
		version, err = driver.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list migration directory %s: %w", path, err)
	}

	return NewRegistry(migrations...)
}

func readPair(driver source.Driver, version uint) (Migration, error) {
	up, title, err := readFile(driver.ReadUp, version)
	if err != nil {
		return Migration{}, fmt.Errorf("read up migration %d: %w", version, err)
	}
	down, _, err := readFile(driver.ReadDown, version)
	if err != nil {
		return Migration{}, fmt.Errorf("read down migration %d: %w", version, err)
	}
	return Migration{
		StartVersion:    int(version),
		ProducesVersion: int(version) + 1,
		Description:     strings.ReplaceAll(title, "_", " "),
		UpSQL:           up,
		DownSQL:         down,
	}, nil
}

func readFile(read func(uint) (io.ReadCloser, string, error), version uint) (string, string, error) {
	r, identifier, err := read(version)
	if err != nil {
		return "", "", err
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return "", "", err
	}
	return string(body), identifier, nil
}

// LoadSource loads a chain from a manifest file or, when path is a
// directory, from its SQL files.
func LoadSource(path string) (*Registry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	if info.IsDir() {
		return LoadDir(os.DirFS(path), ".")
	}
	return LoadManifest(path)
}
