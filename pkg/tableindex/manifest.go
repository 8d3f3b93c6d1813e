package tableindex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile lists the live tables and the checkpoints they cover.
const ManifestFile = "indexmap.yaml"

const manifestVersion = 1

type manifest struct {
	Version           int             `yaml:"version"`
	PrepareCheckpoint int64           `yaml:"prepare_checkpoint"`
	CommitCheckpoint  int64           `yaml:"commit_checkpoint"`
	Tables            []manifestTable `yaml:"tables"`
}

type manifestTable struct {
	File  string `yaml:"file"`
	Level int    `yaml:"level"`
}

func emptyManifest() manifest {
	return manifest{Version: manifestVersion, PrepareCheckpoint: -1, CommitCheckpoint: -1}
}

func loadManifest(dir string) (manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return emptyManifest(), nil
	}
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("invalid %s: %w", ManifestFile, err)
	}
	if m.Version != manifestVersion {
		return manifest{}, fmt.Errorf("unsupported %s version %d", ManifestFile, m.Version)
	}
	return m, nil
}

// save writes the manifest atomically.
func (m manifest) save(dir string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ManifestFile)
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
