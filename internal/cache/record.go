// Package cache holds the Cache Record exchanged between the driver and the
// build manager, and its on-disk encoding.
//
// File layout:
//
//	[0:4]   magic "NNAC"
//	[4:8]   format version, uint32 little endian
//	[8:40]  SHA-256 of the payload
//	[40:]   payload, protobuf wire encoding
//
// Payload fields: 1 token, 2 input type (repeated message), 3 output type
// (repeated message), 4 device buffer. Type message fields: 1 precision,
// 2 layout, 3 dims (packed sint32), 4 scales (packed fixed32), 5 zero points
// (packed sint32), 6 channel dim.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/nnadapter/internal/operand"
)

// Format constants.
const (
	Magic      = "NNAC"
	Version    = 1
	HeaderSize = 4 + 4 + sha256.Size
	FileSuffix = ".nnc"
)

// Errors returned by UnmarshalBinary.
var (
	ErrInvalidMagic       = errors.New("invalid cache magic")
	ErrUnsupportedVersion = errors.New("unsupported cache version")
	ErrChecksumMismatch   = errors.New("cache checksum mismatch")
	ErrMalformed          = errors.New("malformed cache record")
)

// Record is the compiled-artifact record of one program. An empty Buffer
// asks for a cold build; a non-empty one is restored as is.
type Record struct {
	Token       string
	Dir         string
	Buffer      []byte
	InputTypes  []operand.Type
	OutputTypes []operand.Type
}

// Enabled reports whether the record names a cache location.
func (r *Record) Enabled() bool {
	return r != nil && r.Token != "" && r.Dir != ""
}

// Path returns the file holding the record, <dir>/<token>.nnc.
func (r *Record) Path() string {
	return filepath.Join(r.Dir, r.Token+FileSuffix)
}

// MarshalBinary encodes the record. Dir is not stored.
func (r *Record) MarshalBinary() ([]byte, error) {
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.BytesType)
	payload = protowire.AppendString(payload, r.Token)
	for _, t := range r.InputTypes {
		payload = protowire.AppendTag(payload, 2, protowire.BytesType)
		payload = protowire.AppendBytes(payload, marshalType(t))
	}
	for _, t := range r.OutputTypes {
		payload = protowire.AppendTag(payload, 3, protowire.BytesType)
		payload = protowire.AppendBytes(payload, marshalType(t))
	}
	payload = protowire.AppendTag(payload, 4, protowire.BytesType)
	payload = protowire.AppendBytes(payload, r.Buffer)

	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	copy(out, Magic)
	binary.LittleEndian.PutUint32(out[4:8], Version)
	sum := sha256.Sum256(payload)
	copy(out[8:HeaderSize], sum[:])
	return append(out, payload...), nil
}

// UnmarshalBinary decodes data into r, keeping r.Dir.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return errors.Wrapf(ErrMalformed, "%d bytes, want at least %d", len(data), HeaderSize)
	}
	if string(data[:4]) != Magic {
		return errors.Wrapf(ErrInvalidMagic, "got %q", data[:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != Version {
		return errors.Wrapf(ErrUnsupportedVersion, "version %d", v)
	}
	payload := data[HeaderSize:]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], data[8:HeaderSize]) {
		return ErrChecksumMismatch
	}

	var out Record
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) error {
		switch num {
		case 1:
			out.Token = string(b)
		case 2, 3:
			t, err := unmarshalType(b)
			if err != nil {
				return err
			}
			if num == 2 {
				out.InputTypes = append(out.InputTypes, t)
			} else {
				out.OutputTypes = append(out.OutputTypes, t)
			}
		case 4:
			out.Buffer = slices.Clone(b)
		}
		return nil
	})
	if err != nil {
		return err
	}
	out.Dir = r.Dir
	*r = out
	return nil
}

// Save writes the record to r.Path().
func Save(r *Record) error {
	if !r.Enabled() {
		return errors.New("cache record has no token or directory")
	}
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create cache directory")
	}
	return errors.Wrapf(os.WriteFile(r.Path(), data, 0o600), "write %s", r.Path())
}

// Load reads <dir>/<token>.nnc. A missing file yields a record with an
// empty buffer, which requests a cold build.
func Load(dir, token string) (*Record, error) {
	r := &Record{Token: token, Dir: dir}
	data, err := os.ReadFile(r.Path())
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", r.Path())
	}
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, errors.WithMessagef(err, "decode %s", r.Path())
	}
	return r, nil
}

func marshalType(t operand.Type) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Precision))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Layout))

	var packed []byte
	for _, d := range t.Dimensions {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(d)))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if scales := t.Scales(); len(scales) > 0 {
		packed = packed[:0]
		for _, s := range scales {
			packed = protowire.AppendFixed32(packed, math.Float32bits(s))
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if zps := t.ZeroPoints(); len(zps) > 0 {
		packed = packed[:0]
		for _, zp := range zps {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(zp)))
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if t.Precision.IsSymmPerChannelQuant() {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(t.SymmPerChannel.ChannelDim)))
	}
	return b
}

func unmarshalType(data []byte) (operand.Type, error) {
	var (
		t      operand.Type
		scales []float32
		zps    []int32
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) error {
		switch num {
		case 1, 2, 6:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrapf(ErrMalformed, "type field %d", num)
			}
			switch num {
			case 1:
				t.Precision = operand.Precision(v)
			case 2:
				t.Layout = operand.Layout(v)
			case 6:
				t.SymmPerChannel.ChannelDim = int32(protowire.DecodeZigZag(v))
			}
		case 3, 5:
			for len(b) > 0 {
				v, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return errors.Wrapf(ErrMalformed, "type field %d", num)
				}
				if num == 3 {
					t.Dimensions = append(t.Dimensions, int32(protowire.DecodeZigZag(v)))
				} else {
					zps = append(zps, int32(protowire.DecodeZigZag(v)))
				}
				b = b[n:]
			}
		case 4:
			for len(b) > 0 {
				v, n := protowire.ConsumeFixed32(b)
				if n < 0 {
					return errors.Wrap(ErrMalformed, "scales")
				}
				scales = append(scales, math.Float32frombits(v))
				b = b[n:]
			}
		}
		return nil
	})
	if err != nil {
		return t, err
	}

	switch {
	case t.Precision.IsSymmPerLayerQuant() && len(scales) == 1:
		t.SymmPerLayer.Scale = scales[0]
	case t.Precision.IsSymmPerChannelQuant():
		t.SymmPerChannel.Scales = scales
	case t.Precision.IsAsymmPerLayerQuant() && len(scales) == 1:
		t.AsymmPerLayer.Scale = scales[0]
		if len(zps) == 1 {
			t.AsymmPerLayer.ZeroPoint = zps[0]
		}
	}
	return t, nil
}

// walk calls fn for every field of a protobuf wire message. For varint and
// fixed fields b holds the raw encoded value, for bytes fields the content.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		data = data[n:]

		var value []byte
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(m))
			}
			value, n = v, m
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(m))
			}
			value, n = data[:m], m
		}
		if err := fn(num, typ, value); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
