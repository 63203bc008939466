package encoder

import (
	"fmt"
	"unicode/utf16"
)

// ToUnicode encodes s as UTF-16LE without a terminator.
func ToUnicode(s string) []byte {
	codePoints := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(codePoints))
	for i, c := range codePoints {
		le.PutUint16(b[2*i:], c)
	}
	return b
}

func FromUnicodeString(buf []byte) (string, error) {
	if len(buf)%2 != 0 {
		return "", fmt.Errorf("Invalid Unicode (UTF-16-LE) string")
	}
	s := make([]uint16, len(buf)/2)
	for i := range s {
		s[i] = le.Uint16(buf[2*i:])
	}
	return string(utf16.Decode(s)), nil
}
