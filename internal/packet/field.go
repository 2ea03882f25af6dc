package packet

import "unicode/utf8"

// readLengthPrefixed reads a two-byte big-endian length followed by that
// many bytes, starting at data[cursor]. It returns the payload slice (an
// alias into data, never copied here) and the cursor just past it.
func readLengthPrefixed(data []byte, cursor int) (value []byte, next int, err error) {
	if cursor+2 > len(data) {
		return nil, 0, ErrMalformedRequest
	}
	n := int(data[cursor])<<8 | int(data[cursor+1])
	cursor += 2
	if cursor+n > len(data) {
		return nil, 0, ErrMalformedRequest
	}
	return data[cursor : cursor+n], cursor + n, nil
}

// readUTF8Field reads a length-prefixed field and validates it as UTF-8,
// naming field in the returned error for diagnostics.
func readUTF8Field(data []byte, cursor int, field string) (value string, next int, err error) {
	raw, next, err := readLengthPrefixed(data, cursor)
	if err != nil {
		return "", 0, err
	}
	if !utf8.Valid(raw) {
		return "", 0, &NonUTF8TextError{Field: field}
	}
	return string(raw), next, nil
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func putBeUint16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
