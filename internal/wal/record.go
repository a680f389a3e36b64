package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// RecordType identifies the type of WAL record.
type RecordType uint8

const (
	// RecordTypeBatch holds one or more store operations applied atomically.
	RecordTypeBatch RecordType = 1
)

// OpKind identifies a single operation inside a batch record.
type OpKind uint8

const (
	OpPut    OpKind = 1
	OpDelete OpKind = 2
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

const (
	recordHeaderSize = 4 + 1 + 8 + 4 // crc + type + lsn + length
	maxRecordSize    = 256 << 20
)

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
	ErrEmptyBatch     = errors.New("WAL batch has no operations")
)

// Op is a single put or delete.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte // nil for deletes
}

// Record represents one atomic unit in the WAL.
type Record struct {
	LSN  uint64
	Type RecordType
	Ops  []Op
}

func (r *Record) payloadSize() int {
	n := uvarintLen(uint64(len(r.Ops)))
	for _, op := range r.Ops {
		n += 1 + uvarintLen(uint64(len(op.Key))) + len(op.Key)
		if op.Kind == OpPut {
			n += uvarintLen(uint64(len(op.Value))) + len(op.Value)
		}
	}
	return n
}

// Size returns the encoded size of the record in bytes.
func (r *Record) Size() int {
	return recordHeaderSize + r.payloadSize()
}

// Encode writes the record to w.
// Format:
// [CRC32: 4 bytes] [Type: 1 byte] [LSN: 8 bytes] [Length: 4 bytes] [Payload: Length bytes]
// Payload: [Count: uvarint] then per op [Kind: 1 byte] [KeyLen: uvarint] [Key] ([ValLen: uvarint] [Value] for puts)
// The checksum covers everything after itself.
func (r *Record) Encode(w io.Writer) error {
	if len(r.Ops) == 0 {
		return ErrEmptyBatch
	}
	size := r.payloadSize()
	if size > maxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}

	buf := make([]byte, recordHeaderSize, recordHeaderSize+size)
	buf[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[5:], r.LSN)
	binary.LittleEndian.PutUint32(buf[13:], uint32(size))

	buf = binary.AppendUvarint(buf, uint64(len(r.Ops)))
	for _, op := range r.Ops {
		if op.Kind != OpPut && op.Kind != OpDelete {
			return fmt.Errorf("%w: %s", ErrInvalidType, op.Kind)
		}
		buf = append(buf, byte(op.Kind))
		buf = binary.AppendUvarint(buf, uint64(len(op.Key)))
		buf = append(buf, op.Key...)
		if op.Kind == OpPut {
			buf = binary.AppendUvarint(buf, uint64(len(op.Value)))
			buf = append(buf, op.Value...)
		}
	}

	binary.LittleEndian.PutUint32(buf[0:], crc32.ChecksumIEEE(buf[4:]))
	_, err := w.Write(buf)
	return err
}

// Decode reads a record from r. It returns the number of bytes consumed.
// A clean end of input yields io.EOF; a torn record yields io.ErrUnexpectedEOF.
func Decode(r io.Reader) (*Record, int64, error) {
	header := make([]byte, recordHeaderSize)
	if n, err := io.ReadFull(r, header); err != nil {
		return nil, int64(n), err
	}

	checksum := binary.LittleEndian.Uint32(header[0:])
	recType := RecordType(header[4])
	lsn := binary.LittleEndian.Uint64(header[5:])
	length := binary.LittleEndian.Uint32(header[13:])

	if length > maxRecordSize {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, recordHeaderSize + int64(n), err
	}
	consumed := int64(recordHeaderSize) + int64(length)

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, consumed, ErrInvalidCRC
	}

	if recType != RecordTypeBatch {
		return nil, consumed, ErrInvalidType
	}

	rec := &Record{Type: recType, LSN: lsn}
	if err := parseBatch(payload, rec); err != nil {
		return nil, consumed, err
	}
	return rec, consumed, nil
}

func parseBatch(payload []byte, rec *Record) error {
	count, n := binary.Uvarint(payload)
	if n <= 0 {
		return ErrShortRead
	}
	if count == 0 {
		return ErrEmptyBatch
	}
	// Every op takes at least two bytes.
	if count > uint64(len(payload)) {
		return ErrShortRead
	}
	off := n
	rec.Ops = make([]Op, 0, count)

	readBytes := func() ([]byte, error) {
		l, n := binary.Uvarint(payload[off:])
		if n <= 0 || uint64(len(payload)-off-n) < l {
			return nil, ErrShortRead
		}
		off += n
		b := make([]byte, l)
		copy(b, payload[off:off+int(l)])
		off += int(l)
		return b, nil
	}

	for i := uint64(0); i < count; i++ {
		if off >= len(payload) {
			return ErrShortRead
		}
		op := Op{Kind: OpKind(payload[off])}
		off++

		key, err := readBytes()
		if err != nil {
			return err
		}
		op.Key = key

		switch op.Kind {
		case OpPut:
			if op.Value, err = readBytes(); err != nil {
				return err
			}
		case OpDelete:
		default:
			return ErrInvalidType
		}
		rec.Ops = append(rec.Ops, op)
	}
	if off != len(payload) {
		return fmt.Errorf("%w: %d trailing bytes", ErrShortRead, len(payload)-off)
	}
	return nil
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
