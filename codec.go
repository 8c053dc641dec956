package mega

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math/big"
	"strings"
)

// paddnull pads byte array b with zeros to a multiple of q.
// An empty slice stays empty.
func paddnull(b []byte, q int) []byte {
	if rem := len(b) % q; rem != 0 {
		l := q - rem
		b = append(b, make([]byte, l)...)
	}
	return b
}

// pad16 pads b with zeros to the AES block size
func pad16(b []byte) []byte {
	return paddnull(b, 16)
}

// bytes_to_a32 converts a byte slice to big endian 32 bit words,
// zero padding the input to a multiple of 4 first.
func bytes_to_a32(b []byte) ([]uint32, error) {
	padded := paddnull(append([]byte(nil), b...), 4)
	a := make([]uint32, len(padded)/4)
	err := binary.Read(bytes.NewReader(padded), binary.BigEndian, a)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// a32_to_bytes converts 32 bit words to big endian bytes
func a32_to_bytes(a []uint32) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(len(a) * 4)
	err := binary.Write(buf, binary.BigEndian, a)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// base64urlencode encodes b in the url-safe alphabet without padding
func base64urlencode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// base64urldecode decodes the url-safe, unpadded variant used by the
// API. Padding is re-added by length and standard alphabet input and
// stray commas are accepted.
func base64urldecode(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/", ",", "").Replace(s)
	s = strings.TrimRight(s, "=")
	switch len(s) % 4 {
	case 1:
		return nil, errors.New("invalid base64 length")
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.StdEncoding.DecodeString(s)
}

func base64_to_a32(s string) ([]uint32, error) {
	d, err := base64urldecode(s)
	if err != nil {
		return nil, err
	}
	return bytes_to_a32(d)
}

func a32_to_base64(a []uint32) (string, error) {
	d, err := a32_to_bytes(a)
	if err != nil {
		return "", err
	}
	return base64urlencode(d), nil
}

// randomWords returns n words from crypto/rand
func randomWords(n int) ([]uint32, error) {
	b := make([]byte, n*4)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return bytes_to_a32(b)
}

// randString makes a random string of length l from the base64 alphabet
func randString(l int) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, l)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
