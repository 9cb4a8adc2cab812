package geotiff

import (
	"encoding/binary"
	"io"
	"math"
	"sort"
)

// entry is one IFD entry ready to be serialised in little endian order.
type entry struct {
	tag   Tag
	ftype fieldType
	count uint64
	data  []byte
}

// ifdBuilder accumulates the entries of one directory. Entries are sorted by
// tag when written, as TIFF requires.
type ifdBuilder struct {
	bigtiff bool
	entries []entry
}

var le = binary.LittleEndian

func (b *ifdBuilder) shorts(tag Tag, vals ...uint16) {
	data := make([]byte, 2*len(vals))
	for i, v := range vals {
		le.PutUint16(data[2*i:], v)
	}
	b.entries = append(b.entries, entry{tag, SHORT, uint64(len(vals)), data})
}

func (b *ifdBuilder) longs(tag Tag, vals ...uint32) {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		le.PutUint32(data[4*i:], v)
	}
	b.entries = append(b.entries, entry{tag, LONG, uint64(len(vals)), data})
}

// offsets writes LONG values for classic TIFF and LONG8 for BigTIFF.
func (b *ifdBuilder) offsets(tag Tag, vals []uint64) {
	if !b.bigtiff {
		v32 := make([]uint32, len(vals))
		for i, v := range vals {
			v32[i] = uint32(v)
		}
		b.longs(tag, v32...)
		return
	}
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		le.PutUint64(data[8*i:], v)
	}
	b.entries = append(b.entries, entry{tag, LONG8, uint64(len(vals)), data})
}

func (b *ifdBuilder) doubles(tag Tag, vals ...float64) {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		le.PutUint64(data[8*i:], math.Float64bits(v))
	}
	b.entries = append(b.entries, entry{tag, DOUBLE, uint64(len(vals)), data})
}

func (b *ifdBuilder) ascii(tag Tag, s string) {
	data := append([]byte(s), 0)
	b.entries = append(b.entries, entry{tag, ASCII, uint64(len(data)), data})
}

func (b *ifdBuilder) inlineSize() int {
	if b.bigtiff {
		return 8
	}
	return 4
}

// size is the number of bytes the directory and its out of line values use.
func (b *ifdBuilder) size() int64 {
	n := int64(2 + 12*len(b.entries) + 4)
	if b.bigtiff {
		n = int64(8 + 20*len(b.entries) + 8)
	}
	for _, e := range b.entries {
		if len(e.data) > b.inlineSize() {
			n += int64(len(e.data) + len(e.data)%2)
		}
	}
	return n
}

// write serialises the directory at offset, pointing to next.
func (b *ifdBuilder) write(w io.Writer, offset, next int64) error {
	sort.SliceStable(b.entries, func(i, j int) bool { return b.entries[i].tag < b.entries[j].tag })

	head := make([]byte, 0, b.size())
	var overflow []byte
	overflowAt := offset + int64(2+12*len(b.entries)+4)
	if b.bigtiff {
		overflowAt = offset + int64(8+20*len(b.entries)+8)
		head = le.AppendUint64(head, uint64(len(b.entries)))
	} else {
		head = le.AppendUint16(head, uint16(len(b.entries)))
	}

	for _, e := range b.entries {
		head = le.AppendUint16(head, uint16(e.tag))
		head = le.AppendUint16(head, uint16(e.ftype))
		if b.bigtiff {
			head = le.AppendUint64(head, e.count)
		} else {
			head = le.AppendUint32(head, uint32(e.count))
		}
		field := make([]byte, b.inlineSize())
		if len(e.data) <= len(field) {
			copy(field, e.data)
		} else {
			at := uint64(overflowAt + int64(len(overflow)))
			if b.bigtiff {
				le.PutUint64(field, at)
			} else {
				le.PutUint32(field, uint32(at))
			}
			overflow = append(overflow, e.data...)
			if len(e.data)%2 == 1 {
				overflow = append(overflow, 0)
			}
		}
		head = append(head, field...)
	}
	if b.bigtiff {
		head = le.AppendUint64(head, uint64(next))
	} else {
		head = le.AppendUint32(head, uint32(next))
	}
	head = append(head, overflow...)
	_, err := w.Write(head)
	return err
}

// writeHeader writes the file header pointing at the first IFD.
func writeHeader(w io.Writer, bigtiff bool, first int64) error {
	var buf []byte
	buf = le.AppendUint16(buf, littleEndian)
	if bigtiff {
		buf = le.AppendUint16(buf, bigTiffIdentifier)
		buf = le.AppendUint16(buf, bigTiffBytesize)
		buf = le.AppendUint16(buf, 0)
		buf = le.AppendUint64(buf, uint64(first))
	} else {
		buf = le.AppendUint16(buf, tiffIdentifier)
		buf = le.AppendUint32(buf, uint32(first))
	}
	_, err := w.Write(buf)
	return err
}

func headerSize(bigtiff bool) int64 {
	if bigtiff {
		return 16
	}
	return 8
}
