package image

import (
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// compress stores data in the given mode.
func compress(mode StorageMode, data []byte) ([]byte, error) {
	if mode == StorageUncompressed {
		return data, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var n int
	var err error
	switch mode {
	case StorageLZ4:
		n, err = lz4.CompressBlock(data, dst, nil)
	case StorageLZ4HC:
		n, err = lz4.CompressBlockHC(data, dst, lz4.Level9, nil, nil)
	default:
		return nil, errors.Errorf("image: cannot compress as %v", mode)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "image: %v", mode)
	}
	if n == 0 && len(data) != 0 {
		return nil, errors.Errorf("image: %v produced no output for %d bytes", mode, len(data))
	}
	return dst[:n], nil
}

// decompress restores size bytes stored in the given mode.
func decompress(mode StorageMode, data []byte, size uint32) ([]byte, error) {
	if mode == StorageUncompressed {
		if uint32(len(data)) != size {
			return nil, errors.Errorf("image: %d bytes of data, want %d", len(data), size)
		}
		return data, nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, errors.Wrapf(err, "image: %v", mode)
	}
	if uint32(n) != size {
		return nil, errors.Errorf("image: decompressed %d bytes, want %d", n, size)
	}
	return dst, nil
}
