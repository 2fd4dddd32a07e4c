package loader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gantryio/gantry/pkg/manifest"
)

// maxBundleSize caps downloaded and extracted bundle contents.
const maxBundleSize = 32 * 1024 * 1024

// extractBundle reads a .tar.gz bundle and returns its manifest and the
// entry-point artifact. Entries with path traversal are rejected.
func extractBundle(data []byte) (*manifest.Manifest, []byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	var total int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read bundle: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return nil, nil, fmt.Errorf("bundle entry escapes archive root: %s", hdr.Name)
		}
		total += hdr.Size
		if total > maxBundleSize {
			return nil, nil, fmt.Errorf("bundle exceeds size limit")
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxBundleSize))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read bundle entry %s: %w", name, err)
		}
		// Bundles may carry a single top-level directory; index by base
		// name as well so plugin.yaml is found either way.
		files[name] = content
		files[path.Base(name)] = content
	}

	manifestData, ok := files[manifest.ManifestFileName]
	if !ok {
		return nil, nil, fmt.Errorf("bundle is missing %s", manifest.ManifestFileName)
	}
	m, err := manifest.Parse(manifestData)
	if err != nil {
		return nil, nil, err
	}

	artifact, ok := files[m.EntryPoint()]
	if !ok {
		return nil, nil, fmt.Errorf("bundle is missing entry point %s", m.EntryPoint())
	}
	return m, artifact, nil
}
