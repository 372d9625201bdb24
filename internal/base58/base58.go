// Package base58 implements the Bitcoin-alphabet base58 codec used for
// Solana pubkeys and signatures. It treats the input as a big number and
// carries digits across byte boundaries by hand, so it has no dependency
// on math/big.
package base58

import "fmt"

const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// alphabetIdx maps an ASCII byte to its digit value, or -1.
var alphabetIdx [128]int8

func init() {
	for i := range alphabetIdx {
		alphabetIdx[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		alphabetIdx[alphabet[i]] = int8(i)
	}
}

// Encode encodes data as a base58 string. Leading zero bytes are
// preserved as leading '1' characters.
func Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	zeros := 0
	for zeros < len(data) && data[zeros] == 0 {
		zeros++
	}

	// Repeated division of the byte value by 58, collecting remainders.
	input := make([]byte, len(data))
	copy(input, data)
	var digits []byte
	for start := zeros; start < len(input); {
		remainder := 0
		for i := start; i < len(input); i++ {
			value := remainder*256 + int(input[i])
			input[i] = byte(value / 58)
			remainder = value % 58
		}
		digits = append(digits, alphabet[remainder])
		if input[start] == 0 {
			start++
		}
	}

	out := make([]byte, 0, zeros+len(digits))
	for i := 0; i < zeros; i++ {
		out = append(out, '1')
	}
	// Remainders were collected least-significant first.
	for i := len(digits) - 1; i >= 0; i-- {
		out = append(out, digits[i])
	}
	return string(out)
}

// Decode decodes a base58 string back to bytes. Leading '1' characters
// become leading zero bytes. Returns an error on any character outside
// the alphabet.
func Decode(s string) ([]byte, error) {
	if len(s) == 0 {
		return []byte{}, nil
	}

	zeros := 0
	for zeros < len(s) && s[zeros] == '1' {
		zeros++
	}

	// Little-endian accumulation: multiply by 58 and add each digit,
	// carrying overflow across byte boundaries.
	buf := make([]byte, 0, len(s)*733/1000+1) // log(58)/log(256) ≈ 0.733
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 128 || alphabetIdx[c] < 0 {
			return nil, fmt.Errorf("invalid base58 character %q at index %d", c, i)
		}
		carry := int(alphabetIdx[c])
		for j := 0; j < len(buf); j++ {
			carry += int(buf[j]) * 58
			buf[j] = byte(carry & 0xff)
			carry >>= 8
		}
		for carry > 0 {
			buf = append(buf, byte(carry&0xff))
			carry >>= 8
		}
	}

	out := make([]byte, zeros+len(buf))
	for i := 0; i < len(buf); i++ {
		out[zeros+i] = buf[len(buf)-1-i]
	}
	return out, nil
}
