package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zip"
)

// Entry is one file of a bulk download.
type Entry struct {
	// Path is the name inside the archive.
	Path     string
	Modified time.Time
	File     File
}

// StreamZip writes entries to sink as a zip archive. The whole archive takes
// a single admission slot.
func (p *Pipeline) StreamZip(ctx context.Context, sink Sink, entries []Entry) error {
	release, err := p.admit(ctx)
	if err != nil {
		return err
	}
	defer release()

	w := &drainWriter{sink: sink, timeout: p.drainTimeout}
	defer w.clear()

	zw := zip.NewWriter(w)
	for _, e := range entries {
		hdr := &zip.FileHeader{
			Name:     e.Path,
			Method:   zip.Deflate,
			Modified: e.Modified,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("add %s: %w", e.Path, err)
		}
		if err := p.copyFile(ctx, fw, e.File, nil); err != nil {
			logAbort(e.Path, err)
			return err
		}
	}
	return zw.Close()
}
