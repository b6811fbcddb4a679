package source

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Decoder decompresses zstd table files. It is safe for concurrent use.
type Decoder struct {
	mu          sync.Mutex
	zstdDecoder *zstd.Decoder
}

// NewDecoder creates a new decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstdDecoder: dec}, nil
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}

// Decode returns data as-is, or decompressed when compressed is set.
func (d *Decoder) Decode(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return raw, nil
}

// DecodeFromReader reads r fully and decodes it.
func (d *Decoder) DecodeFromReader(r io.Reader, compressed bool) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	return d.Decode(data, compressed)
}

// Compress zstd-encodes data.
func Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}
