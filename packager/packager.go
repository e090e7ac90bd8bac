package packager

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// packages beyond this size are almost certainly picking up data
	// files that belong in the datastore, not the code package
	maxPackageBytes = 50 * 1024 * 1024

	packageFileName = "job.tar"
)

var defaultSuffixes = []string{".go", ".py", ".sh", ".yaml", ".yml", ".json", ".txt", ".md"}

/**
 * Package is the flow working directory, archived for remote task
 * containers. Building is deterministic: files are walked in sorted
 * order with zeroed timestamps, so identical trees produce identical
 * bytes and an identical content address.
 */
type Package struct {
	SHA  string
	Data []byte
}

type Packager struct {
	suffixes []string
}

func New(suffixes ...string) *Packager {
	if len(suffixes) == 0 {
		suffixes = defaultSuffixes
	}
	return &Packager{suffixes: suffixes}
}

func (p *Packager) Build(dir string) (*Package, error) {
	paths, err := p.collect(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, path := range paths {
		if err := addFile(tw, dir, path); err != nil {
			return nil, errors.Annotatef(err, "package %s", path)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Trace(err)
	}

	if buf.Len() > maxPackageBytes {
		return nil, errors.BadRequestf("code package is %d bytes, the %d byte cap suggests data files leaked into it", buf.Len(), maxPackageBytes)
	}

	sum := sha256.Sum256(buf.Bytes())
	pkg := &Package{SHA: hex.EncodeToString(sum[:]), Data: buf.Bytes()}
	log.Infof("packaged %d files from %s (%d bytes, sha %s)", len(paths), dir, buf.Len(), pkg.SHA[:12])
	return pkg, nil
}

// collect returns the relative paths to package, sorted for
// deterministic archive layout. Hidden directories are skipped.
func (p *Packager) collect(dir string) ([]string, error) {
	paths := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if name := entry.Name(); strings.HasPrefix(name, ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		for _, suffix := range p.suffixes {
			if strings.HasSuffix(entry.Name(), suffix) {
				rel, relErr := filepath.Rel(dir, path)
				if relErr != nil {
					return relErr
				}
				paths = append(paths, rel)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "walk %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

func addFile(tw *tar.Writer, dir, rel string) error {
	file, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		return errors.Trace(err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errors.Trace(err)
	}
	header := &tar.Header{
		Name: filepath.ToSlash(rel),
		Mode: 0644,
		Size: info.Size(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return errors.Trace(err)
	}
	_, err = io.Copy(tw, file)
	return errors.Trace(err)
}
