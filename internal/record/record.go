// Package record implements the on-disk entry codec shared by the
// write-ahead log and the SSTable format: a single self-delimiting
// (key, value-or-tombstone) record.
package record

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrCorrupt is returned by Read when a record is only partially present,
// or otherwise fails to decode cleanly. It is distinct from io.EOF, which
// Read never returns directly — callers get ErrEndOfStream instead.
var ErrCorrupt = errors.New("record: corrupt entry")

// ErrEndOfStream is returned by Read when the stream is positioned exactly
// at EOF before any byte of a new record has been consumed. A torn record
// (some but not all bytes present) is ErrCorrupt, not ErrEndOfStream.
var ErrEndOfStream = errors.New("record: end of stream")

const (
	tagTombstone byte = 0
	tagValue     byte = 1
)

// Stored is the tagged union a Record carries: either a live value or a
// tombstone marking the key deleted.
type Stored struct {
	Tombstone bool
	Value     []byte
}

// Record is one (key, stored) pair as it appears in a WAL or SSTable file.
type Record struct {
	Key    string
	Stored Stored
}

// EncodedSize returns the exact number of bytes Write would emit for r,
// without writing anything. Used by readers that need to advance a cursor
// by a known amount.
func (r Record) EncodedSize() int64 {
	size := int64(4 + len(r.Key) + 1)
	if !r.Stored.Tombstone {
		size += 4 + int64(len(r.Stored.Value))
	}
	return size
}

// Write appends the encoding of (key, stored) to w. Layout:
//
//	keyLen   uint32 (little-endian)
//	key      []byte
//	tag      byte (0 = tombstone, 1 = value)
//	[valLen  uint32 (little-endian)]
//	[value   []byte]
//
// The value-length fields are omitted entirely for tombstones.
func Write(w io.Writer, key string, stored Stored) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(key)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write key length")
	}
	if _, err := io.WriteString(w, key); err != nil {
		return errors.Wrap(err, "write key")
	}
	if stored.Tombstone {
		if _, err := w.Write([]byte{tagTombstone}); err != nil {
			return errors.Wrap(err, "write tombstone tag")
		}
		return nil
	}
	if _, err := w.Write([]byte{tagValue}); err != nil {
		return errors.Wrap(err, "write value tag")
	}
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(stored.Value)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write value length")
	}
	if _, err := w.Write(stored.Value); err != nil {
		return errors.Wrap(err, "write value")
	}
	return nil
}

// Read decodes one record from r. It returns ErrEndOfStream iff r was at
// EOF before any byte was read; any other read failure — including a clean
// EOF in the middle of a record — is reported as ErrCorrupt so that WAL
// recovery can tell a torn tail from a healthy one.
func Read(r *bufio.Reader) (Record, error) {
	var hdr [4]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Record{}, ErrEndOfStream
		}
		return Record{}, errors.Wrap(ErrCorrupt, err.Error())
	}
	keyLen := binary.LittleEndian.Uint32(hdr[:])

	keyBuf := make([]byte, keyLen)
	if _, err := io.ReadFull(r, keyBuf); err != nil {
		return Record{}, errors.Wrap(ErrCorrupt, err.Error())
	}

	tag, err := r.ReadByte()
	if err != nil {
		return Record{}, errors.Wrap(ErrCorrupt, err.Error())
	}

	rec := Record{Key: string(keyBuf)}
	switch tag {
	case tagTombstone:
		rec.Stored = Stored{Tombstone: true}
	case tagValue:
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Record{}, errors.Wrap(ErrCorrupt, err.Error())
		}
		valLen := binary.LittleEndian.Uint32(hdr[:])
		valBuf := make([]byte, valLen)
		if _, err := io.ReadFull(r, valBuf); err != nil {
			return Record{}, errors.Wrap(ErrCorrupt, err.Error())
		}
		rec.Stored = Stored{Value: valBuf}
	default:
		return Record{}, errors.Wrapf(ErrCorrupt, "unknown tag byte %d", tag)
	}
	return rec, nil
}
