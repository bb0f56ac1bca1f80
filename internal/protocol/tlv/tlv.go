package tlv

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// MessageType is the keysend record carrying overlay commands.
const MessageType uint64 = 34349334

var (
	ErrShortRecordHeader = errors.New("tlv: short record header")
	ErrShortRecordValue  = errors.New("tlv: short record value")
	ErrNonCanonical      = errors.New("tlv: non-canonical bigsize")
	ErrUnordered         = errors.New("tlv: record types not strictly increasing")
)

// Record is one decoded TLV record of a payment onion payload.
type Record struct {
	Type  uint64
	Value []byte
}

// BigSizeLen returns the encoded length of v.
func BigSizeLen(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

func AppendBigSize(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(buf, byte(v))
	case v <= 0xffff:
		buf = append(buf, 0xfd)
		return binary.BigEndian.AppendUint16(buf, uint16(v))
	case v <= 0xffffffff:
		buf = append(buf, 0xfe)
		return binary.BigEndian.AppendUint32(buf, uint32(v))
	default:
		buf = append(buf, 0xff)
		return binary.BigEndian.AppendUint64(buf, v)
	}
}

// ReadBigSize decodes one bigsize integer and returns it with its length.
func ReadBigSize(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrShortRecordHeader
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0, ErrShortRecordHeader
		}
		v := uint64(binary.BigEndian.Uint16(b[1:3]))
		if v < 0xfd {
			return 0, 0, ErrNonCanonical
		}
		return v, 3, nil
	case 0xfe:
		if len(b) < 5 {
			return 0, 0, ErrShortRecordHeader
		}
		v := uint64(binary.BigEndian.Uint32(b[1:5]))
		if v <= 0xffff {
			return 0, 0, ErrNonCanonical
		}
		return v, 5, nil
	case 0xff:
		if len(b) < 9 {
			return 0, 0, ErrShortRecordHeader
		}
		v := binary.BigEndian.Uint64(b[1:9])
		if v <= 0xffffffff {
			return 0, 0, ErrNonCanonical
		}
		return v, 9, nil
	default:
		return uint64(b[0]), 1, nil
	}
}

func EncodeRecord(r Record) []byte {
	buf := make([]byte, 0, BigSizeLen(r.Type)+BigSizeLen(uint64(len(r.Value)))+len(r.Value))
	buf = AppendBigSize(buf, r.Type)
	buf = AppendBigSize(buf, uint64(len(r.Value)))
	return append(buf, r.Value...)
}

// EncodeStream sorts records by type and rejects duplicates.
func EncodeStream(records []Record) ([]byte, error) {
	sorted := append([]Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Type < sorted[j].Type })
	out := make([]byte, 0)
	for i, r := range sorted {
		if i > 0 && sorted[i-1].Type == r.Type {
			return nil, fmt.Errorf("%w: duplicate type %d", ErrUnordered, r.Type)
		}
		out = append(out, EncodeRecord(r)...)
	}
	return out, nil
}

func DecodeStream(payload []byte) ([]Record, error) {
	records := make([]Record, 0)
	i := 0
	for i < len(payload) {
		typ, n, err := ReadBigSize(payload[i:])
		if err != nil {
			return nil, err
		}
		i += n
		l, n, err := ReadBigSize(payload[i:])
		if err != nil {
			return nil, err
		}
		i += n
		if uint64(len(payload)-i) < l {
			return nil, ErrShortRecordValue
		}
		if len(records) > 0 && records[len(records)-1].Type >= typ {
			return nil, ErrUnordered
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		records = append(records, Record{Type: typ, Value: val})
	}
	return records, nil
}

func GetRecord(records []Record, typ uint64) (Record, bool) {
	for _, r := range records {
		if r.Type == typ {
			return r, true
		}
	}
	return Record{}, false
}

// ExtraRecords is the `extratlvs` argument of a keysend: record type to
// hex-encoded value.
type ExtraRecords map[uint64]string

func (e ExtraRecords) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(e))
	for typ, val := range e {
		out[strconv.FormatUint(typ, 10)] = val
	}
	return json.Marshal(out)
}

func (e *ExtraRecords) UnmarshalJSON(b []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(ExtraRecords, len(raw))
	for k, v := range raw {
		typ, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return fmt.Errorf("tlv: invalid record type %q: %w", k, err)
		}
		out[typ] = v
	}
	*e = out
	return nil
}

// Records hex-decodes every value.
func (e ExtraRecords) Records() ([]Record, error) {
	out := make([]Record, 0, len(e))
	for typ, val := range e {
		b, err := hex.DecodeString(val)
		if err != nil {
			return nil, fmt.Errorf("tlv: record %d: %w", typ, err)
		}
		out = append(out, Record{Type: typ, Value: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func FromRecords(records []Record) ExtraRecords {
	out := make(ExtraRecords, len(records))
	for _, r := range records {
		out[r.Type] = hex.EncodeToString(r.Value)
	}
	return out
}
