package changelog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/rohanthewiz/serr"
	"github.com/vmihailenco/msgpack/v5"

	"readsync/document"
)

// ============================================================================
// Journal framing
//
// Each record is: 4-byte big-endian payload length, 4-byte CRC-32 of the
// payload, msgpack-encoded update. A crash mid-append leaves a short or
// mismatched tail record; readers stop there and report how many bytes
// were good so the file can be truncated back to a clean boundary.
// ============================================================================

const frameHeader = 8

// maxRecord guards against a corrupted length prefix allocating gigabytes.
const maxRecord = 16 << 20

// WriteRecord appends one framed update to w.
func WriteRecord(w io.Writer, u document.Update) error {
	payload, err := msgpack.Marshal(&u)
	if err != nil {
		return serr.Wrap(err, "failed to encode journal record")
	}
	var hdr [frameHeader]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))

	var buf bytes.Buffer
	buf.Grow(frameHeader + len(payload))
	buf.Write(hdr[:])
	buf.Write(payload)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return serr.Wrap(err, "failed to write journal record")
	}
	return nil
}

// ReadRecords decodes framed updates from r until EOF or the first damaged
// record. It returns the updates and the byte length of the intact prefix.
// A damaged tail is not an error.
func ReadRecords(r io.Reader) ([]document.Update, int64, error) {
	var (
		out  []document.Update
		good int64
		hdr  [frameHeader]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, good, nil
			}
			return out, good, serr.Wrap(err, "failed to read journal")
		}
		size := binary.BigEndian.Uint32(hdr[0:4])
		if size > maxRecord {
			return out, good, nil
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, good, nil
			}
			return out, good, serr.Wrap(err, "failed to read journal")
		}
		if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(hdr[4:8]) {
			return out, good, nil
		}
		var u document.Update
		if err := msgpack.Unmarshal(payload, &u); err != nil {
			return out, good, nil
		}
		out = append(out, u)
		good += int64(frameHeader) + int64(size)
	}
}
