// Package npy reads and writes NumPy .npy arrays of float32 values.
//
// Only the subset needed for feature files and model weights is supported:
// format version 1.0 on write, versions 1.0-3.0 on read, C order, little-endian
// '<f4' (and '<f8' on read, converted to float32).
package npy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	magic       = "\x93NUMPY"
	headerAlign = 64
	// preambleLen is magic + version bytes + uint16 header length
	preambleLen = len(magic) + 2 + 2
)

var (
	// ErrBadMagic is returned when the stream is not an npy array
	ErrBadMagic = errors.New("npy: bad magic")
	// ErrUnsupported is returned for dtypes or layouts this package cannot read
	ErrUnsupported = errors.New("npy: unsupported array")

	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// Array is a dense float32 array with its shape
type Array struct {
	Shape []int
	Data  []float32
}

// Elements returns the number of elements implied by shape
func Elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Header renders the v1.0 header dict for a little-endian float32 array of the given shape,
// padded so that the data section starts on a 64-byte boundary.
func Header(shape []int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", tuple)

	total := preambleLen + len(dict) + 1
	if rem := total % headerAlign; rem != 0 {
		dict += strings.Repeat(" ", headerAlign-rem)
	}
	return []byte(dict + "\n")
}

// Write encodes data with the given shape as an npy v1.0 stream
func Write(w io.Writer, shape []int, data []float32) error {
	if Elements(shape) != len(data) {
		return fmt.Errorf("npy: shape %v holds %d elements, got %d", shape, Elements(shape), len(data))
	}

	header := Header(shape)
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy: header too long (%d bytes)", len(header))
	}

	bw := bufio.NewWriter(w)
	bw.WriteString(magic)
	bw.Write([]byte{1, 0})
	var hlen [2]byte
	binary.LittleEndian.PutUint16(hlen[:], uint16(len(header)))
	bw.Write(hlen[:])
	bw.Write(header)

	var buf [4]byte
	for _, v := range data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Read decodes an npy stream into a float32 array
func Read(r io.Reader) (*Array, error) {
	br := bufio.NewReader(r)

	pre := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(br, pre); err != nil {
		return nil, fmt.Errorf("npy: read preamble: %w", err)
	}
	if string(pre[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}

	var headerLen int
	switch major := pre[len(magic)]; major {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint16(b[:]))
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint32(b[:]))
	default:
		return nil, fmt.Errorf("%w: format version %d", ErrUnsupported, major)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("npy: read header: %w", err)
	}

	descr, shape, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	n := Elements(shape)
	data := make([]float32, n)
	switch descr {
	case "<f4":
		raw := make([]byte, 4*n)
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, fmt.Errorf("npy: read data: %w", err)
		}
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "<f8":
		raw := make([]byte, 8*n)
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, fmt.Errorf("npy: read data: %w", err)
		}
		for i := range data {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	default:
		return nil, fmt.Errorf("%w: dtype %q", ErrUnsupported, descr)
	}

	return &Array{Shape: shape, Data: data}, nil
}

func parseHeader(header []byte) (string, []int, error) {
	h := string(header)

	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return "", nil, fmt.Errorf("npy: header without descr: %q", h)
	}
	descr := m[1]

	if f := fortranRe.FindStringSubmatch(h); f == nil || f[1] != "False" {
		return "", nil, fmt.Errorf("%w: fortran order", ErrUnsupported)
	}

	s := shapeRe.FindStringSubmatch(h)
	if s == nil {
		return "", nil, fmt.Errorf("npy: header without shape: %q", h)
	}
	var shape []int
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return "", nil, fmt.Errorf("npy: bad shape %q", s[1])
		}
		shape = append(shape, d)
	}
	if shape == nil {
		shape = []int{}
	}
	return descr, shape, nil
}
