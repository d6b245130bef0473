package replicated

import (
	"fmt"
	"os"

	"github.com/ncw/directio"
	"github.com/sharedcode/tcoord"
)

// directWriter writes the final snapshot data file with O_DIRECT, bypassing the page
// cache so a completed snapshot is verifiably on stable storage before its save
// callback fires (spec.md §9 "Asynchronous snapshot save"). ncw/directio requires
// page-aligned, block-sized buffers, so write pads a non-empty payload up to the
// block size and truncates the file back to its real length afterwards. It falls
// back to a regular buffered write for an empty payload, or when the file cannot be
// opened for direct I/O with an error that is not failover-qualified.
type directWriter struct {
	path string
}

func newDirectWriter(path string) *directWriter {
	return &directWriter{path: path}
}

// write persists data to the writer's path. It attempts a direct-I/O write first;
// any error classified as a failover-qualified I/O error by
// tcoord.IsFailoverQualifiedIOError is returned as-is so the caller can try the next
// configured snapshot directory instead of retrying the same one.
func (w *directWriter) write(data []byte) error {
	aligned, ok := alignToBlockSize(data)
	if !ok {
		return w.writeBuffered(data)
	}
	f, err := directio.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		if tcoord.IsFailoverQualifiedIOError(err) {
			return err
		}
		return w.writeBuffered(data)
	}
	defer f.Close()
	if _, err := f.Write(aligned); err != nil {
		return err
	}
	return f.Truncate(int64(len(data)))
}

func (w *directWriter) writeBuffered(data []byte) error {
	return os.WriteFile(w.path, data, 0o644)
}

// alignToBlockSize copies data into a directio.AlignedBlock padded up to the next
// multiple of directio.BlockSize, or reports ok=false if data is empty (direct I/O
// has nothing useful to align in that case).
func alignToBlockSize(data []byte) (block []byte, ok bool) {
	if len(data) == 0 {
		return nil, false
	}
	size := len(data)
	rem := size % directio.BlockSize
	if rem != 0 {
		size += directio.BlockSize - rem
	}
	block = directio.AlignedBlock(size)
	copy(block, data)
	return block, true
}

// read loads a snapshot file written by write, returning an error suitable for
// IsFailoverQualifiedIOError classification on failure.
func (w *directWriter) read() ([]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("directwrite: read %s: %w", w.path, err)
	}
	return data, nil
}
