package tcpnode

import (
	"github.com/klauspost/compress/zstd"
)

// zstdCompressor is shared by all links of a node.
// EncodeAll and DecodeAll are safe for concurrent use,
// so there are no shared working buffers here.
type zstdCompressor struct {
	compressor *zstd.Encoder
	decomp     *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {

	// The nil argument here means only do []byte compressions.
	compressor, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	decomp, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxBody))
	if err != nil {
		compressor.Close()
		return nil, err
	}
	return &zstdCompressor{
		compressor: compressor,
		decomp:     decomp,
	}, nil
}

// Close releases held resources, important for cleanup.
func (c *zstdCompressor) Close() {
	c.compressor.Close()
	c.decomp.Close()
}

func (c *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	return c.decomp.DecodeAll(src, nil)
}

func (c *zstdCompressor) Compress(src []byte) []byte {
	return c.compressor.EncodeAll(src, make([]byte, 0, len(src)/2))
}
