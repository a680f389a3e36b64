package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// zstd encoders are pooled per level; decoders are level independent.
var (
	zstdEncoderPools = map[Level]*sync.Pool{
		Balanced: newEncoderPool(zstd.SpeedDefault),
		Best:     newEncoderPool(zstd.SpeedBetterCompression),
		Ultra:    newEncoderPool(zstd.SpeedBestCompression),
	}
	zstdDecoderPool sync.Pool
)

func newEncoderPool(level zstd.EncoderLevel) *sync.Pool {
	return &sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
			if err != nil {
				return err
			}
			return enc
		},
	}
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(MaxInputSize),
	)
}

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))

	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // incompressible
	}
	return compressed[:n], nil
}

// lz4MaxRatio is the best ratio an LZ4 block can reach.
const lz4MaxRatio = 255

func decompressLZ4(payload []byte, originalLength uint32) ([]byte, error) {
	if uint64(originalLength) > uint64(len(payload))*lz4MaxRatio+16 {
		return nil, corrupted("lz4 payload of %d bytes cannot hold %d bytes", len(payload), originalLength)
	}
	out := make([]byte, originalLength)
	if originalLength == 0 {
		if len(payload) != 0 {
			return nil, corrupted("non-empty lz4 payload for empty input")
		}
		return out, nil
	}

	n, err := lz4.UncompressBlock(payload, out)
	if err != nil {
		return nil, corrupted("lz4: %v", err)
	}
	if uint32(n) != originalLength {
		return nil, corrupted("lz4 decoded %d bytes, header says %d", n, originalLength)
	}
	return out, nil
}

func compressZstd(data []byte, level Level) ([]byte, error) {
	pool := zstdEncoderPools[level]
	v := pool.Get()
	if err, ok := v.(error); ok {
		return nil, err
	}
	enc := v.(*zstd.Encoder)
	defer pool.Put(enc)

	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(payload []byte, originalLength uint32) ([]byte, error) {
	dec, err := getZstdDecoder()
	if err != nil {
		return nil, err
	}
	defer zstdDecoderPool.Put(dec)

	out, err := dec.DecodeAll(payload, make([]byte, 0, originalLength))
	if err != nil {
		return nil, corrupted("zstd: %v", err)
	}
	if uint32(len(out)) != originalLength {
		return nil, corrupted("zstd decoded %d bytes, header says %d", len(out), originalLength)
	}
	return out, nil
}
