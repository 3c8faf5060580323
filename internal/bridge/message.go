package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Variant selects how the helper reads the result map.
type Variant uint8

const (
	// VariantCount reads a map of u64 key to u64 count.
	VariantCount Variant = 1
	// VariantHist reads a log2 histogram: u32 slot to u64 count.
	VariantHist Variant = 2
)

func (v Variant) String() string {
	switch v {
	case VariantCount:
		return "count"
	case VariantHist:
		return "hist"
	}
	return fmt.Sprintf("variant(%d)", uint8(v))
}

// ParseVariant maps a config name onto a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "count":
		return VariantCount, nil
	case "hist":
		return VariantHist, nil
	}
	return 0, fmt.Errorf("unknown bpf variant %q (must be count or hist)", s)
}

const messageVersion = 1

// Message is everything the helper needs to attach probes for one run.
type Message struct {
	Variant Variant
	// Program is the path of the compiled probe object.
	Program string
	// Entry maps kernel function names to the program attached on entry.
	Entry map[string]string
	// Return maps kernel function names to the program attached on return.
	Return map[string]string
	// TargetPID is written to FilterMap at key 0 when FilterMap is set.
	TargetPID uint32
	FilterMap string
	// ResultMap is read back after the target exits.
	ResultMap string
}

// MarshalBinary encodes m as
//
//	version u8 | variant u8 | pid u32 | program | filter | result | entry | return
//
// where strings are u16-length-prefixed and maps are a u16 count of
// key/value string pairs in key order. Integers are little-endian.
func (m Message) MarshalBinary() ([]byte, error) {
	buf := []byte{messageVersion, byte(m.Variant)}
	buf = binary.LittleEndian.AppendUint32(buf, m.TargetPID)

	var err error
	for _, s := range []string{m.Program, m.FilterMap, m.ResultMap} {
		if buf, err = appendString(buf, s); err != nil {
			return nil, err
		}
	}
	for _, mp := range []map[string]string{m.Entry, m.Return} {
		if buf, err = appendMap(buf, mp); err != nil {
			return nil, err
		}
	}
	if len(buf) > MaxMessage {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(buf))
	}
	return buf, nil
}

// UnmarshalBinary decodes data produced by MarshalBinary. Unknown versions,
// unknown variants, truncation and trailing bytes are errors.
func (m *Message) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	version := d.u8()
	variant := Variant(d.u8())
	pid := d.u32()
	program := d.str()
	filter := d.str()
	result := d.str()
	entry := d.strMap()
	ret := d.strMap()
	if d.err != nil {
		return fmt.Errorf("decoding message: %w", d.err)
	}
	if version != messageVersion {
		return fmt.Errorf("decoding message: unsupported version %d", version)
	}
	if variant != VariantCount && variant != VariantHist {
		return fmt.Errorf("decoding message: unknown variant %d", variant)
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("decoding message: %d trailing bytes", len(d.buf))
	}

	*m = Message{
		Variant:   variant,
		Program:   program,
		Entry:     entry,
		Return:    ret,
		TargetPID: pid,
		FilterMap: filter,
		ResultMap: result,
	}
	return nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: string of %d bytes", ErrMessageTooLarge, len(s))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func appendMap(buf []byte, m map[string]string) ([]byte, error) {
	if len(m) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: map of %d entries", ErrMessageTooLarge, len(m))
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(keys)))
	var err error
	for _, k := range keys {
		if buf, err = appendString(buf, k); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, m[k]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

var errTruncated = errors.New("truncated")

// decoder consumes buf front to back. The first failure sticks in err and
// every later read returns a zero value.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = errTruncated
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u16()
	if d.err != nil {
		return ""
	}
	return string(d.take(int(n)))
}

func (d *decoder) strMap() map[string]string {
	n := d.u16()
	if d.err != nil {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < int(n); i++ {
		k := d.str()
		v := d.str()
		if d.err != nil {
			return nil
		}
		m[k] = v
	}
	return m
}
