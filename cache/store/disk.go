package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Disk is a file-backed tier backend: one file per slot under a
// storage directory, optionally zstd-compressed. Writes go through a
// temp file and rename so a crash mid-write never leaves a torn block
// behind.
type Disk struct {
	path     string
	num      int
	compress bool

	mu      sync.RWMutex
	closed  bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// DiskConfig configures a Disk backend.
type DiskConfig struct {
	Path      string // storage directory, created if missing
	NumBlocks int    // slot capacity
	Compress  bool   // zstd-compress payloads
}

// NewDisk creates the storage directory and compression codecs.
func NewDisk(cfg DiskConfig) (*Disk, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("disk backend: create dir: %w", err)
	}
	d := &Disk{
		path:     cfg.Path,
		num:      cfg.NumBlocks,
		compress: cfg.Compress,
	}
	if cfg.Compress {
		var err error
		d.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("disk backend: create zstd encoder: %w", err)
		}
		d.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("disk backend: create zstd decoder: %w", err)
		}
	}
	return d, nil
}

// slotPath returns the file path for a slot.
func (d *Disk) slotPath(slot int) string {
	return filepath.Join(d.path, fmt.Sprintf("block_%06d.kv", slot))
}

// WriteBlock stores data at slot via temp-file rename.
func (d *Disk) WriteBlock(slot int, data []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("disk backend: closed")
	}
	if slot < 0 || slot >= d.num {
		return fmt.Errorf("disk backend: slot %d out of range [0,%d)", slot, d.num)
	}

	payload := data
	if d.compress {
		payload = d.encoder.EncodeAll(data, nil)
	}

	path := d.slotPath(slot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("disk backend: write slot %d: %w", slot, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("disk backend: commit slot %d: %w", slot, err)
	}
	return nil
}

// ReadBlock loads and decompresses the content at slot.
func (d *Disk) ReadBlock(slot int) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, fmt.Errorf("disk backend: closed")
	}
	if slot < 0 || slot >= d.num {
		return nil, fmt.Errorf("disk backend: slot %d out of range [0,%d)", slot, d.num)
	}
	payload, err := os.ReadFile(d.slotPath(slot))
	if err != nil {
		return nil, fmt.Errorf("disk backend: read slot %d: %w", slot, err)
	}
	if d.compress {
		data, err := d.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("disk backend: decompress slot %d: %w", slot, err)
		}
		return data, nil
	}
	return payload, nil
}

// FreeBlock deletes the slot's file. A missing file is not an error
// (the slot may never have been written).
func (d *Disk) FreeBlock(slot int) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("disk backend: closed")
	}
	if slot < 0 || slot >= d.num {
		return fmt.Errorf("disk backend: slot %d out of range [0,%d)", slot, d.num)
	}
	err := os.Remove(d.slotPath(slot))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("disk backend: free slot %d: %w", slot, err)
	}
	return nil
}

// Close releases the codecs. Stored files are left on disk.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.encoder != nil {
		_ = d.encoder.Close()
	}
	if d.decoder != nil {
		d.decoder.Close()
	}
	return nil
}
