package artifact

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bifrost-router/tuning/internal/cluster"
)

// Archive is a fully materialized artifact: the parsed manifest plus the
// binary members.
type Archive struct {
	Manifest     *Manifest
	Model        []byte
	Preprocessor []byte
	Index        []byte
}

const maxMemberBytes = 512 << 20 // refuse absurd archives

// validate checks the manifest plus the cross-member invariants: the centroid
// index must parse and the qhat table must carry one score per cluster.
func (a *Archive) validate() error {
	if a.Manifest == nil {
		return errors.New("artifact: nil manifest")
	}
	if err := a.Manifest.Validate(); err != nil {
		return err
	}

	centroids, err := cluster.ParseIndex(a.Index)
	if err != nil {
		return fmt.Errorf("artifact: centroid index: %w", err)
	}
	k := len(centroids)
	for model, scores := range a.Manifest.Qhat {
		if len(scores) != k {
			return fmt.Errorf("artifact: qhat for %s has %d entries, want %d", model, len(scores), k)
		}
	}
	return nil
}

// Build assembles the artifact tar in a staging directory and atomically
// renames it into destDir. Returns the final path. A crash mid-build leaves
// only staging litter, never a partial artifact at the published name.
func (a *Archive) Build(destDir string) (string, error) {
	if err := a.validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: create dest dir: %w", err)
	}

	staging, err := os.MkdirTemp(destDir, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("artifact: create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	tmpPath := filepath.Join(staging, ArchiveName(a.Manifest.Version))
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("artifact: create staging tar: %w", err)
	}

	if err := a.WriteTar(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("artifact: sync staging tar: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("artifact: close staging tar: %w", err)
	}

	finalPath := filepath.Join(destDir, ArchiveName(a.Manifest.Version))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("artifact: publish rename: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"version": a.Manifest.Version,
		"path":    finalPath,
	}).Info("artifact built")

	return finalPath, nil
}

// WriteTar streams the archive members to w in a fixed order.
func (a *Archive) WriteTar(w io.Writer) error {
	manifestJSON, err := json.MarshalIndent(a.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: marshal manifest: %w", err)
	}

	tw := tar.NewWriter(w)
	members := []struct {
		name string
		data []byte
	}{
		{ManifestFile, manifestJSON},
		{ModelFile, a.Model},
		{PreprocessorFile, a.Preprocessor},
		{IndexFile, a.Index},
	}
	for _, m := range members {
		hdr := &tar.Header{
			Name:    m.name,
			Mode:    0o644,
			Size:    int64(len(m.data)),
			ModTime: time.Unix(0, 0), // fixed so identical inputs produce identical bytes
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("artifact: write header %s: %w", m.name, err)
		}
		if _, err := tw.Write(m.data); err != nil {
			return fmt.Errorf("artifact: write member %s: %w", m.name, err)
		}
	}
	return tw.Close()
}

// ReadArchive parses an artifact tar and validates its manifest.
func ReadArchive(r io.Reader) (*Archive, error) {
	tr := tar.NewReader(r)
	found := map[string][]byte{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: read tar: %w", err)
		}
		if hdr.Size > maxMemberBytes {
			return nil, fmt.Errorf("artifact: member %s exceeds size limit", hdr.Name)
		}
		var buf bytes.Buffer
		if _, err := io.CopyN(&buf, tr, hdr.Size); err != nil {
			return nil, fmt.Errorf("artifact: read member %s: %w", hdr.Name, err)
		}
		found[hdr.Name] = buf.Bytes()
	}

	for _, name := range []string{ManifestFile, ModelFile, PreprocessorFile, IndexFile} {
		if _, ok := found[name]; !ok {
			return nil, fmt.Errorf("artifact: archive missing member %s", name)
		}
	}

	var manifest Manifest
	if err := json.Unmarshal(found[ManifestFile], &manifest); err != nil {
		return nil, fmt.Errorf("artifact: parse manifest: %w", err)
	}

	a := &Archive{
		Manifest:     &manifest,
		Model:        found[ModelFile],
		Preprocessor: found[PreprocessorFile],
		Index:        found[IndexFile],
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// ReadFile opens and parses an artifact tar from disk.
func ReadFile(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadArchive(f)
}
