// MIT License
//
// Copyright (c) 2017 stacktitan
// Copyright (c) 2023 Jimmy Fjällid for extensions beyond login for SMB 2.1
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

/*
Package encoder implements the struct-tag driven little-endian codec shared by
all SMB2 message bodies, NTLM messages and DCE/RPC PDUs.

Fields are encoded in declaration order. The following tags are understood:

	smb:"len:Field"     integer holding the encoded byte length of Field
	smb:"offset:Field"  integer holding the offset of Field, relative to the
	                    start of the message (see MarshalAt/UnmarshalAt)
	smb:"count:Field"   integer holding the number of elements of Field
	smb:"fixed:N"       byte slice with a fixed length of N bytes
	smb:"align:N"       zero padding up to the next N byte boundary

Types implementing BinaryMarshallable take care of their own encoding.
*/
package encoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/jfjallid/golog"
)

var log = golog.Get("github.com/ikas-mc/jcifs-ng-dotnet-sub003/smb/encoder")

var le = binary.LittleEndian

// ErrShortBuffer is wrapped by every decode error caused by truncated or
// inconsistent input.
var ErrShortBuffer = errors.New("buffer too short")

type BinaryMarshallable interface {
	MarshalBinary(*Metadata) ([]byte, error)
	UnmarshalBinary([]byte, *Metadata) error
}

// Metadata describes where a custom marshallable value lives within the
// message being processed.
type Metadata struct {
	Tags       *TagMap
	Lens       map[string]uint64
	Offsets    map[string]uint64
	Counts     map[string]uint64
	Parent     interface{}
	ParentBuf  []byte
	Base       int
	CurrOffset uint64
	CurrField  string
}

type TagMap struct {
	m   map[string]interface{}
	has map[string]bool
}

func newTagMap() *TagMap {
	return &TagMap{m: make(map[string]interface{}), has: make(map[string]bool)}
}

func (t TagMap) Has(key string) bool {
	return t.has[key]
}

func (t TagMap) Set(key string, val interface{}) {
	t.m[key] = val
	t.has[key] = true
}

func (t TagMap) GetInt(key string) (int, error) {
	if !t.Has(key) {
		return 0, errors.New("Key does not exist in tag")
	}
	return t.m[key].(int), nil
}

func (t TagMap) GetString(key string) (string, error) {
	if !t.Has(key) {
		return "", errors.New("Key does not exist in tag")
	}
	return t.m[key].(string), nil
}

func parseTags(sf reflect.StructField) (*TagMap, error) {
	ret := newTagMap()
	tag := sf.Tag.Get("smb")
	if tag == "" {
		return ret, nil
	}
	for _, smbTag := range strings.Split(tag, ",") {
		tokens := strings.Split(smbTag, ":")
		if len(tokens) != 2 {
			return nil, fmt.Errorf("field %s: malformed tag %q, expecting key:val", sf.Name, smbTag)
		}
		switch tokens[0] {
		case "len", "offset", "count":
			ret.Set(tokens[0], tokens[1])
		case "fixed", "align":
			i, err := strconv.Atoi(tokens[1])
			if err != nil {
				return nil, err
			}
			if i <= 0 {
				return nil, fmt.Errorf("field %s: %s must be positive", sf.Name, tokens[0])
			}
			ret.Set(tokens[0], i)
		default:
			return nil, fmt.Errorf("field %s: unknown tag %q", sf.Name, tokens[0])
		}
	}
	return ret, nil
}

// refTag returns which reference tag (len, offset or count) is present and
// the name of the referenced field.
func refTag(tags *TagMap) (kind, target string) {
	for _, k := range []string{"len", "offset", "count"} {
		if tags.Has(k) {
			s, _ := tags.GetString(k)
			return k, s
		}
	}
	return "", ""
}

func padTo(pos, align int) int {
	return (align - pos%align) % align
}

func uintSize(k reflect.Kind) int {
	switch k {
	case reflect.Uint8:
		return 1
	case reflect.Uint16:
		return 2
	case reflect.Uint32:
		return 4
	case reflect.Uint64:
		return 8
	}
	return 0
}

func putUint(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		le.PutUint16(b, uint16(v))
	case 4:
		le.PutUint32(b, uint32(v))
	case 8:
		le.PutUint64(b, v)
	}
}

func getUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(le.Uint16(b))
	case 4:
		return uint64(le.Uint32(b))
	case 8:
		return le.Uint64(b)
	}
	return 0
}

func asMarshallable(v reflect.Value) (BinaryMarshallable, bool) {
	if v.Kind() != reflect.Ptr && v.CanAddr() {
		if bm, ok := v.Addr().Interface().(BinaryMarshallable); ok {
			return bm, true
		}
	}
	if v.CanInterface() {
		if v.Kind() == reflect.Ptr && v.IsNil() {
			return nil, false
		}
		if bm, ok := v.Interface().(BinaryMarshallable); ok {
			return bm, true
		}
	}
	return nil, false
}

// Marshal encodes v with offsets relative to the start of v.
func Marshal(v interface{}) ([]byte, error) {
	return MarshalAt(v, 0)
}

// MarshalAt encodes v as if it was located base bytes into the message, which
// is what offset fields and alignment are computed against.
func MarshalAt(v interface{}, base int) ([]byte, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, errors.New("cannot marshal nil value")
	}
	if rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct {
		if _, ok := v.(BinaryMarshallable); !ok {
			rv = rv.Elem()
		}
	}
	// Make the value addressable so pointer receivers are found.
	if rv.Kind() == reflect.Struct && !rv.CanAddr() {
		cp := reflect.New(rv.Type())
		cp.Elem().Set(rv)
		rv = cp.Elem()
	}
	return marshalValue(rv, base, newTagMap(), nil)
}

type patch struct {
	at     int
	size   int
	kind   string
	target string
}

func marshalStruct(v reflect.Value, pos int) ([]byte, error) {
	t := v.Type()
	var buf []byte
	starts := make(map[string]int)
	sizes := make(map[string]int)
	counts := make(map[string]int)
	var patches []patch

	meta := &Metadata{Parent: v.Addr().Interface(), Lens: make(map[string]uint64), Base: pos}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		tags, err := parseTags(sf)
		if err != nil {
			return nil, err
		}
		fv := v.Field(i)
		start := pos + len(buf)
		starts[sf.Name] = start

		var fb []byte
		if tags.Has("align") {
			a, _ := tags.GetInt("align")
			fb = make([]byte, padTo(start, a))
		} else if kind, target := refTag(tags); kind != "" {
			n := uintSize(fv.Kind())
			if n == 0 {
				return nil, fmt.Errorf("field %s: %s tag requires an unsigned integer", sf.Name, kind)
			}
			fb = make([]byte, n)
			patches = append(patches, patch{at: len(buf), size: n, kind: kind, target: target})
		} else {
			meta.Tags = tags
			meta.CurrField = sf.Name
			meta.CurrOffset = uint64(start)
			fb, err = marshalValue(fv, start, tags, meta)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", sf.Name, err)
			}
		}
		sizes[sf.Name] = len(fb)
		meta.Lens[sf.Name] = uint64(len(fb))
		if fv.Kind() == reflect.Slice || fv.Kind() == reflect.Array {
			counts[sf.Name] = fv.Len()
		}
		buf = append(buf, fb...)
	}

	for _, p := range patches {
		size, ok := sizes[p.target]
		if !ok {
			return nil, fmt.Errorf("%s tag references unknown field %s", p.kind, p.target)
		}
		var val int
		switch p.kind {
		case "len":
			val = size
		case "offset":
			if size != 0 {
				val = starts[p.target]
			}
		case "count":
			val = counts[p.target]
		}
		putUint(buf[p.at:p.at+p.size], uint64(val))
	}
	return buf, nil
}

func marshalValue(v reflect.Value, pos int, tags *TagMap, meta *Metadata) ([]byte, error) {
	if bm, ok := asMarshallable(v); ok {
		if meta == nil {
			meta = &Metadata{Tags: tags, Base: pos}
		}
		return bm.MarshalBinary(meta)
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return marshalValue(v.Elem(), pos, tags, meta)
	case reflect.Struct:
		if !v.CanAddr() {
			cp := reflect.New(v.Type())
			cp.Elem().Set(v)
			v = cp.Elem()
		}
		return marshalStruct(v, pos)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b := make([]byte, uintSize(v.Kind()))
		putUint(b, v.Uint())
		return b, nil
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return nil, fmt.Errorf("cannot marshal array of %s", v.Type().Elem().Kind())
		}
		b := make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), v)
		return b, nil
	case reflect.Slice:
		elem := v.Type().Elem()
		switch elem.Kind() {
		case reflect.Uint8:
			b := v.Bytes()
			if tags.Has("fixed") {
				n, _ := tags.GetInt("fixed")
				out := make([]byte, n)
				copy(out, b)
				return out, nil
			}
			out := make([]byte, len(b))
			copy(out, b)
			return out, nil
		case reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n := uintSize(elem.Kind())
			out := make([]byte, n*v.Len())
			for i := 0; i < v.Len(); i++ {
				putUint(out[i*n:(i+1)*n], v.Index(i).Uint())
			}
			return out, nil
		case reflect.Struct, reflect.Ptr:
			var out []byte
			for i := 0; i < v.Len(); i++ {
				b, err := marshalValue(v.Index(i), pos+len(out), newTagMap(), nil)
				if err != nil {
					return nil, err
				}
				out = append(out, b...)
			}
			return out, nil
		}
		return nil, fmt.Errorf("cannot marshal slice of %s", elem.Kind())
	}
	err := fmt.Errorf("Marshal not implemented for kind: %s", v.Kind())
	log.Errorln(err)
	return nil, err
}

// Unmarshal decodes buf into the struct pointed to by v.
func Unmarshal(buf []byte, v interface{}) error {
	return UnmarshalAt(buf, v, 0)
}

// UnmarshalAt decodes buf into v where buf[0] sits base bytes into the message.
// Offset fields found on the wire are translated accordingly.
func UnmarshalAt(buf []byte, v interface{}, base int) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("Unmarshal requires a non-nil pointer")
	}
	d := &decoder{buf: buf, base: base}
	if bm, ok := v.(BinaryMarshallable); ok {
		return bm.UnmarshalBinary(buf, &Metadata{Tags: newTagMap(), ParentBuf: buf, Base: base})
	}
	_, err := d.value(0, rv.Elem(), newTagMap(), "", nil)
	return err
}

type decoder struct {
	buf  []byte
	base int
}

func (d *decoder) short(field string, need, at int) error {
	return fmt.Errorf("field %s: need %d bytes at %d, have %d: %w", field, need, at, len(d.buf), ErrShortBuffer)
}

func (d *decoder) slice(field string, at, n int) ([]byte, error) {
	if at < 0 || n < 0 || at+n > len(d.buf) {
		return nil, d.short(field, n, at)
	}
	return d.buf[at : at+n], nil
}

type refs struct {
	lens    map[string]uint64
	offsets map[string]uint64
	counts  map[string]uint64
}

// region resolves where a variable length field lives. ok is false when no
// length was announced for it.
func (d *decoder) region(name string, cur int, r *refs) (at, n int, ok bool) {
	l, hasLen := r.lens[name]
	if !hasLen {
		return cur, len(d.buf) - cur, false
	}
	at = cur
	if o, hasOff := r.offsets[name]; hasOff && l > 0 {
		at = int(o) - d.base
	}
	return at, int(l), true
}

func (d *decoder) structAt(off int, v reflect.Value) (int, error) {
	t := v.Type()
	r := &refs{
		lens:    make(map[string]uint64),
		offsets: make(map[string]uint64),
		counts:  make(map[string]uint64),
	}
	cur := off
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		tags, err := parseTags(sf)
		if err != nil {
			return 0, err
		}
		fv := v.Field(i)
		if tags.Has("align") {
			a, _ := tags.GetInt("align")
			cur += padTo(cur+d.base, a)
			if cur > len(d.buf) {
				cur = len(d.buf)
			}
			continue
		}
		n, err := d.value(cur, fv, tags, sf.Name, r)
		if err != nil {
			return 0, err
		}
		if kind, target := refTag(tags); kind != "" {
			val := fv.Uint()
			switch kind {
			case "len":
				r.lens[target] = val
			case "offset":
				r.offsets[target] = val
			case "count":
				r.counts[target] = val
			}
		}
		cur += n
	}
	return cur - off, nil
}

// value decodes a single value found at position at and returns the number of
// bytes the cursor advances.
func (d *decoder) value(at int, v reflect.Value, tags *TagMap, name string, r *refs) (int, error) {
	if r == nil {
		r = &refs{lens: map[string]uint64{}, offsets: map[string]uint64{}, counts: map[string]uint64{}}
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
	}
	if bm, ok := asMarshallable(v); ok {
		start, n, _ := d.region(name, at, r)
		region, err := d.slice(name, start, n)
		if err != nil {
			return 0, err
		}
		meta := &Metadata{
			Tags:       tags,
			Lens:       r.lens,
			Offsets:    r.offsets,
			Counts:     r.counts,
			ParentBuf:  d.buf,
			Base:       d.base,
			CurrOffset: uint64(start),
			CurrField:  name,
		}
		if err := bm.UnmarshalBinary(region, meta); err != nil {
			return 0, fmt.Errorf("field %s: %w", name, err)
		}
		return advance(at, start, n), nil
	}

	switch v.Kind() {
	case reflect.Ptr:
		return d.value(at, v.Elem(), tags, name, r)
	case reflect.Struct:
		return d.structAt(at, v)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		size := uintSize(v.Kind())
		b, err := d.slice(name, at, size)
		if err != nil {
			return 0, err
		}
		v.SetUint(getUint(b))
		return size, nil
	case reflect.Array:
		b, err := d.slice(name, at, v.Len())
		if err != nil {
			return 0, err
		}
		reflect.Copy(v, reflect.ValueOf(b))
		return v.Len(), nil
	case reflect.Slice:
		elem := v.Type().Elem()
		switch elem.Kind() {
		case reflect.Uint8:
			if tags.Has("fixed") {
				n, _ := tags.GetInt("fixed")
				b, err := d.slice(name, at, n)
				if err != nil {
					return 0, err
				}
				v.SetBytes(append([]byte(nil), b...))
				return n, nil
			}
			start, n, _ := d.region(name, at, r)
			b, err := d.slice(name, start, n)
			if err != nil {
				return 0, err
			}
			v.SetBytes(append([]byte(nil), b...))
			return advance(at, start, n), nil
		case reflect.Uint16, reflect.Uint32, reflect.Uint64:
			size := uintSize(elem.Kind())
			count, ok := r.counts[name]
			if !ok {
				if l, hasLen := r.lens[name]; hasLen {
					count = l / uint64(size)
				} else {
					return 0, fmt.Errorf("field %s: missing count reference", name)
				}
			}
			b, err := d.slice(name, at, int(count)*size)
			if err != nil {
				return 0, err
			}
			out := reflect.MakeSlice(v.Type(), int(count), int(count))
			for i := 0; i < int(count); i++ {
				out.Index(i).SetUint(getUint(b[i*size : (i+1)*size]))
			}
			v.Set(out)
			return len(b), nil
		case reflect.Struct:
			count, ok := r.counts[name]
			if !ok {
				return 0, fmt.Errorf("field %s: missing count reference", name)
			}
			start := at
			if o, hasOff := r.offsets[name]; hasOff && count > 0 {
				start = int(o) - d.base
				if start < 0 || start > len(d.buf) {
					return 0, d.short(name, 0, start)
				}
			}
			out := reflect.MakeSlice(v.Type(), int(count), int(count))
			cur := start
			for i := 0; i < int(count); i++ {
				n, err := d.structAt(cur, out.Index(i))
				if err != nil {
					return 0, err
				}
				cur += n
			}
			v.Set(out)
			return advance(at, start, cur-start), nil
		}
		return 0, fmt.Errorf("field %s: cannot unmarshal slice of %s", name, elem.Kind())
	}
	err := fmt.Errorf("Unmarshal not implemented for kind: %s", v.Kind())
	log.Errorln(err)
	return 0, err
}

// advance returns how far the cursor moves after reading n bytes at start
// when the cursor was at. Data placed behind the cursor (through an offset
// field) moves the cursor to its end; data placed before it does not.
func advance(at, start, n int) int {
	if start < at {
		return 0
	}
	return start + n - at
}
