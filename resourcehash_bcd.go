package segstore

import "strings"

// bcdAlphabet packs a numeric lex into 15 bytes as 4-bit nibbles, low
// nibble first. Nibble 0 is the terminator; position 10 encodes '0' so
// that '1'..'9' land at their natural nibble values 1..9.
var bcdAlphabet = [16]byte{0, '1', '2', '3', '4', '5', '6', '7', '8', '9', '0', '.', '+', '-', 'e', '?'}

// bcdateAlphabet is the same packing scheme over the date/time alphabet.
var bcdateAlphabet = [16]byte{0, '1', '2', '3', '4', '5', '6', '7', '8', '9', '0', ':', '+', '-', 'T', 'Z'}

const bcdMaxLen = 30 // 15 bytes * 2 nibbles

func bcdNibbleOf(alphabet [16]byte, c byte) (byte, bool) {
	for i := 1; i < 16; i++ {
		if alphabet[i] == c {
			return byte(i), true
		}
	}
	return 0, false
}

// isBCDAlphabet reports whether every character of s is in alphabet and s
// is short enough to pack into 15 bytes.
func isBCDAlphabet(s string, alphabet [16]byte) bool {
	if len(s) == 0 || len(s) > bcdMaxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := bcdNibbleOf(alphabet, s[i]); !ok {
			return false
		}
	}
	return true
}

// packBCD encodes s (already validated by isBCDAlphabet) into 15 bytes.
func packBCD(s string, alphabet [16]byte) [15]byte {
	var out [15]byte
	for i := 0; i < len(s); i++ {
		nib, _ := bcdNibbleOf(alphabet, s[i])
		byteIdx := i / 2
		if i%2 == 0 {
			out[byteIdx] |= nib
		} else {
			out[byteIdx] |= nib << 4
		}
	}
	return out
}

// unpackBCD decodes up to 30 packed nibbles, stopping at the first
// terminator nibble (0) or after 30 characters, whichever comes first.
func unpackBCD(buf []byte, alphabet [16]byte) string {
	var sb strings.Builder
	for i := 0; i < bcdMaxLen; i++ {
		byteIdx := i / 2
		var nib byte
		if i%2 == 0 {
			nib = buf[byteIdx] & 0x0F
		} else {
			nib = buf[byteIdx] >> 4
		}
		if nib == 0 {
			break
		}
		sb.WriteByte(alphabet[nib])
	}
	return sb.String()
}

func isNumericLex(s string) bool { return isBCDAlphabet(s, bcdAlphabet) }
func isDateLex(s string) bool    { return isBCDAlphabet(s, bcdateAlphabet) }
