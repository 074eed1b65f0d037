package snapshot

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/neodock/neodock/internal/domain"
)

const (
	metadataEntry = "snapshot.json"
	dataPrefix    = "data/"
)

var errNoHeader = errors.New("archive does not start with " + metadataEntry)

// writeArchive writes meta followed by every data/ entry read from src.
// src is the tar stream the engine returns for the data directory.
func writeArchive(w io.Writer, meta domain.SnapshotMetadata, src io.Reader) (err error) {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)
	defer func() {
		if cerr := tw.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if cerr := zw.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	header, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    metadataEntry,
		Mode:    0o644,
		Size:    int64(len(header)),
		ModTime: meta.ExportedAt,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(header); err != nil {
		return err
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read data stream: %w", err)
		}
		if !strings.HasPrefix(hdr.Name, dataPrefix) {
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}
}

// reader walks an archive written by writeArchive.
type reader struct {
	zr *gzip.Reader
	tr *tar.Reader
}

// openArchive reads the metadata header. The returned reader is positioned
// at the first data entry.
func openArchive(r io.Reader) (*reader, domain.SnapshotMetadata, error) {
	var meta domain.SnapshotMetadata

	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, meta, fmt.Errorf("not a snapshot archive: %w", err)
	}
	tr := tar.NewReader(zr)

	hdr, err := tr.Next()
	if err != nil {
		zr.Close()
		return nil, meta, fmt.Errorf("not a snapshot archive: %w", err)
	}
	if hdr.Name != metadataEntry {
		zr.Close()
		return nil, meta, errNoHeader
	}
	if err := json.NewDecoder(io.LimitReader(tr, 1<<20)).Decode(&meta); err != nil {
		zr.Close()
		return nil, meta, fmt.Errorf("failed to decode %s: %w", metadataEntry, err)
	}
	return &reader{zr: zr, tr: tr}, meta, nil
}

// writeData re-emits the data entries with the data/ prefix stripped, ready
// to be extracted into the container's data directory.
func (r *reader) writeData(w io.Writer) error {
	tw := tar.NewWriter(w)
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			return tw.Close()
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		rel, ok := dataPath(hdr.Name)
		if !ok {
			continue
		}
		out := *hdr
		out.Name = rel
		if hdr.Typeflag == tar.TypeDir {
			out.Name += "/"
		}
		if err := tw.WriteHeader(&out); err != nil {
			return err
		}
		if _, err := io.Copy(tw, r.tr); err != nil {
			return err
		}
	}
}

func (r *reader) Close() error {
	return r.zr.Close()
}

// dataPath maps "data/x/y" to "x/y". Entries outside data/ or escaping it
// are rejected.
func dataPath(name string) (string, bool) {
	if !strings.HasPrefix(name, dataPrefix) {
		return "", false
	}
	rel := path.Clean(strings.TrimPrefix(name, dataPrefix))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", false
	}
	return rel, true
}

// fileName is the generated name for an export into a directory.
func fileName(instance string, at time.Time) string {
	return fmt.Sprintf("%s-%s.tar.gz", instance, at.UTC().Format("20060102T150405Z"))
}
