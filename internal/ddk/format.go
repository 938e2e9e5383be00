package ddk

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Cache buffer constants.
const (
	MagicBytes      = "FDDK"
	FormatVersion   = 1
	FixedHeaderSize = 64
	HeaderAlignment = 64
	ChecksumOffset  = 0x20
	ChecksumSize    = 32
)

// FlagHasConstants is set when the data section is not empty.
const FlagHasConstants uint32 = 1 << 0

// Validation limits for cache buffers.
const (
	MaxHeaderSize    = 100 * 1024 * 1024
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

type tensorMeta struct {
	TensorAttr
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

type nodeMeta struct {
	Op      OperatorType    `json:"op"`
	Name    string          `json:"name,omitempty"`
	Inputs  []int           `json:"inputs"`
	Outputs []int           `json:"outputs"`
	Attrs   json.RawMessage `json:"attrs,omitempty"`
}

type header struct {
	FormatVersion int          `json:"format_version"`
	Tensors       []tensorMeta `json:"tensors"`
	Nodes         []nodeMeta   `json:"nodes"`
	Inputs        []int        `json:"inputs"`
	Outputs       []int        `json:"outputs"`
}

// serialize encodes g. Only constant data is stored; boundary buffers are
// allocated again by SetInputsOutputs.
func serialize(g *Graph) ([]byte, error) {
	h := header{
		FormatVersion: FormatVersion,
		Tensors:       make([]tensorMeta, 0, len(g.tensors)),
		Nodes:         make([]nodeMeta, 0, len(g.nodes)),
		Inputs:        tensorIndices(g.inputs),
		Outputs:       tensorIndices(g.outputs),
	}

	var data []byte
	boundary := make(map[*Tensor]bool)
	for _, t := range g.inputs {
		boundary[t] = true
	}
	for _, t := range g.outputs {
		boundary[t] = true
	}
	for _, t := range g.tensors {
		meta := tensorMeta{TensorAttr: t.Attr, Offset: int64(len(data))}
		if t.Data != nil && !boundary[t] {
			meta.Size = int64(len(t.Data))
			data = append(data, t.Data...)
		}
		h.Tensors = append(h.Tensors, meta)
	}
	for _, n := range g.nodes {
		meta := nodeMeta{
			Op:      n.Op,
			Name:    n.Name,
			Inputs:  tensorIndices(n.Inputs),
			Outputs: tensorIndices(n.Outputs),
		}
		if n.Attrs != nil {
			raw, err := json.Marshal(n.Attrs)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to marshal attributes of %s", n.Op)
			}
			meta.Attrs = raw
		}
		h.Nodes = append(h.Nodes, meta)
	}

	headerJSON, err := json.Marshal(h)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal header")
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	flags := uint32(0)
	if len(data) > 0 {
		flags |= FlagHasConstants
	}
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	sum := checksum(headerJSON, data)
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], sum[:])

	var buf bytes.Buffer
	buf.Write(fixed)
	buf.Write(headerJSON)
	buf.Write(make([]byte, padding(FixedHeaderSize+int64(len(headerJSON)))))
	buf.Write(data)
	return buf.Bytes(), nil
}

func deserialize(buf []byte, opts GraphOptions) (*Graph, error) {
	if len(buf) < FixedHeaderSize {
		return nil, errors.Wrapf(ErrInvalidModel, "buffer of %d bytes is shorter than the fixed header", len(buf))
	}
	if string(buf[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got %d, expected %d", v, FormatVersion)
	}
	headerSize := binary.LittleEndian.Uint64(buf[16:24])
	dataSize := binary.LittleEndian.Uint64(buf[24:32])
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	dataOffset := FixedHeaderSize + int64(headerSize)
	dataOffset += padding(dataOffset)
	if dataSize > uint64(len(buf)) || dataOffset+int64(dataSize) > int64(len(buf)) {
		return nil, errors.Wrapf(ErrInvalidModel, "buffer of %d bytes is truncated", len(buf))
	}
	headerJSON := buf[FixedHeaderSize : FixedHeaderSize+int64(headerSize)]
	data := buf[dataOffset : dataOffset+int64(dataSize)]

	var stored [ChecksumSize]byte
	copy(stored[:], buf[ChecksumOffset:ChecksumOffset+ChecksumSize])
	if checksum(headerJSON, data) != stored {
		return nil, ErrChecksumMismatch
	}

	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, errors.Wrap(err, "failed to parse header JSON")
	}
	if err := validateHeader(&h, int64(dataSize)); err != nil {
		return nil, err
	}

	g := NewGraph(opts)
	for _, meta := range h.Tensors {
		var tdata []byte
		if meta.Size > 0 {
			tdata = data[meta.Offset : meta.Offset+meta.Size]
		}
		if _, err := g.CreateTensor(meta.TensorAttr, tdata); err != nil {
			return nil, err
		}
	}
	if len(g.tensors) != len(h.Tensors) {
		return nil, &ValidationError{Type: "duplicate_tensor", Details: "tensor names are not unique"}
	}
	for _, meta := range h.Nodes {
		spec, ok := operators[meta.Op]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidOp, "operator type %d", meta.Op)
		}
		var attrs any
		if spec.newAttrs != nil {
			attrs = spec.newAttrs()
			if len(meta.Attrs) > 0 {
				if err := json.Unmarshal(meta.Attrs, attrs); err != nil {
					return nil, errors.Wrapf(err, "failed to parse attributes of %s", spec.name)
				}
			}
		}
		if err := g.AddOperator(meta.Op, g.lookup(meta.Inputs), g.lookup(meta.Outputs), attrs, meta.Name); err != nil {
			return nil, err
		}
	}
	if err := g.SetInputsOutputs(g.lookup(h.Inputs), g.lookup(h.Outputs)); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) lookup(indices []int) []*Tensor {
	out := make([]*Tensor, len(indices))
	for i, idx := range indices {
		out[i] = g.tensors[idx]
	}
	return out
}

func tensorIndices(ts []*Tensor) []int {
	out := make([]int, len(ts))
	for i, t := range ts {
		out[i] = t.index
	}
	return out
}

func checksum(headerJSON, data []byte) [ChecksumSize]byte {
	h := sha256.New()
	h.Write(headerJSON)
	h.Write(data)
	var sum [ChecksumSize]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func padding(pos int64) int64 {
	return (HeaderAlignment - pos%HeaderAlignment) % HeaderAlignment
}

// validateHeader checks names, data regions and tensor references before
// anything is built from a cache buffer.
func validateHeader(h *header, dataSize int64) error {
	if len(h.Tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(h.Tensors), MaxTensorCount),
		}
	}
	for _, t := range h.Tensors {
		if err := ValidateTensorName(t.Name); err != nil {
			return err
		}
	}
	if err := validateTensorOffsets(h.Tensors, dataSize); err != nil {
		return err
	}

	checkRefs := func(what string, refs []int) error {
		for _, idx := range refs {
			if idx < 0 || idx >= len(h.Tensors) {
				return &ValidationError{
					Type:    "invalid_reference",
					Details: fmt.Sprintf("%s refers to tensor %d of %d", what, idx, len(h.Tensors)),
				}
			}
		}
		return nil
	}
	for i, n := range h.Nodes {
		if err := checkRefs(fmt.Sprintf("node %d", i), append(slices.Clone(n.Inputs), n.Outputs...)); err != nil {
			return err
		}
	}
	if err := checkRefs("graph inputs", h.Inputs); err != nil {
		return err
	}
	return checkRefs("graph outputs", h.Outputs)
}

func validateTensorOffsets(tensors []tensorMeta, dataSize int64) error {
	sorted := make([]tensorMeta, 0, len(tensors))
	for _, t := range tensors {
		if t.Offset < 0 || t.Size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		}
		if t.Size > 0 {
			sorted = append(sorted, t)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for i, t := range sorted {
		if t.Offset+t.Size > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if t.Offset+t.Size > next.Offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  t.Name,
					Tensor2: next.Name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						t.Offset, t.Offset+t.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}

// ValidateTensorName rejects empty, oversized and path-like tensor names.
func ValidateTensorName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	case len(name) > MaxTensorNameLen:
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	case strings.Contains(name, ".."), strings.ContainsAny(name, "/\\"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains a path element"}
	case strings.Contains(name, "\x00"):
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains null byte"}
	}
	return nil
}
