package proto

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// FlattenParams serializes a parameter map for the SETUP extra payload.
// Format: count(4), then per entry klen(4) key vlen(4) value. Entries are
// emitted in sorted key order so the encoding is deterministic.
func FlattenParams(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	size := 4
	for _, k := range keys {
		size += 8 + len(k) + len(params[k])
	}

	buf := make([]byte, 4, size)
	binary.BigEndian.PutUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendLenPrefixed(buf, k)
		buf = appendLenPrefixed(buf, params[k])
	}
	return buf
}

func appendLenPrefixed(buf []byte, s string) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

// ParseParams decodes a payload produced by FlattenParams.
func ParseParams(data []byte) (map[string]string, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated parameter map", ErrBadFrame)
	}
	count := binary.BigEndian.Uint32(data[0:4])
	data = data[4:]

	params := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		var k, v string
		var err error
		if k, data, err = readLenPrefixed(data); err != nil {
			return nil, err
		}
		if v, data, err = readLenPrefixed(data); err != nil {
			return nil, err
		}
		params[k] = v
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in parameter map", ErrBadFrame, len(data))
	}
	return params, nil
}

func readLenPrefixed(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("%w: truncated parameter map", ErrBadFrame)
	}
	l := binary.BigEndian.Uint32(data[0:4])
	data = data[4:]
	if uint32(len(data)) < l {
		return "", nil, fmt.Errorf("%w: truncated parameter map", ErrBadFrame)
	}
	return string(data[:l]), data[l:], nil
}
