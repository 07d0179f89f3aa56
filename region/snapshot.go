package region

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/janneku/remotethread/common"
)

// scratchPool backs the off-region scratch buffer CompressSnapshot copies
// region memory into before handing it to the flate writer, adapted from
// azcopy's common.multiSizeSlicePool so compression never perturbs the
// region itself mid-snapshot (spec.md §4.2). DecompressInto needs no such
// buffer: it inflates straight into the region's own mapped memory, which
// is the entire point of reconstructing at a fixed address.
var scratchPool = common.NewMultiSizeSlicePool(4 << 20)

// CompressSnapshot zeroes every Free chunk (spec.md §4.1's snapshot hook)
// and returns a raw-deflate compression of the full [Base, Base+Len) region
// contents. Compression runs with github.com/klauspost/compress/flate
// rather than the standard library's compress/flate, the faster drop-in
// the rest of the corpus already pulls in transitively.
func (r *Region) CompressSnapshot() ([]byte, error) {
	r.ZeroFreeChunks()

	var out bytes.Buffer
	fw, err := flate.NewWriter(&out, flate.DefaultCompression)
	if err != nil {
		return nil, errors.Wrap(err, "region: new flate writer")
	}

	scratch := scratchPool.RentSlice(len(r.data))
	defer scratchPool.ReturnSlice(scratch)
	n := copy(scratch, r.data)

	if _, err := fw.Write(scratch[:n]); err != nil {
		return nil, errors.Wrap(err, "region: compress snapshot")
	}
	if err := fw.Close(); err != nil {
		return nil, errors.Wrap(err, "region: flush snapshot compressor")
	}
	return out.Bytes(), nil
}

// DecompressInto inflates exactly len(r.Bytes()) bytes from compressed
// directly into the region's mapped memory (never into an intermediate
// Go-managed slice, since the whole point is that the replica's bytes end
// up at the fixed base address). It fails unless the inflate terminates
// with both input and output exactly exhausted, per spec.md §4.4 step 4.
func (r *Region) DecompressInto(compressed []byte) error {
	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()

	if _, err := io.ReadFull(fr, r.data); err != nil {
		return errors.Wrap(err, "region: decompress snapshot")
	}

	var extra [1]byte
	n, err := fr.Read(extra[:])
	if n != 0 || err != io.EOF {
		return errors.New("region: inflate did not exhaust exactly at region length")
	}
	return nil
}
