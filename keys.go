package mega

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	prepareKeyRounds = 0x10000
	stringHashRounds = 0x4000
	pbkdf2Iterations = 100000
)

// an all nil IV for mac and key calculations
var zero_iv = make([]byte, 16)

// seed of the legacy password key derivation
var prepareKeySeed = []uint32{0x93C467E3, 0x7DB0C7A4, 0xD1BE3F81, 0x0152CB56}

// blockEncrypt encrypts every 16 byte block of src independently
func blockEncrypt(blk cipher.Block, dst, src []byte) error {
	if len(src) > len(dst) || len(src)%blk.BlockSize() != 0 {
		return errors.New("block encryption failed")
	}
	for i := 0; i < len(src); i += blk.BlockSize() {
		blk.Encrypt(dst[i:], src[i:])
	}
	return nil
}

// blockDecrypt decrypts every 16 byte block of src independently
func blockDecrypt(blk cipher.Block, dst, src []byte) error {
	if len(src) > len(dst) || len(src)%blk.BlockSize() != 0 {
		return errors.New("block decryption failed")
	}
	for i := 0; i < len(src); i += blk.BlockSize() {
		blk.Decrypt(dst[i:], src[i:])
	}
	return nil
}

func keyCipher(key []uint32) (cipher.Block, error) {
	if len(key) != 4 {
		return nil, &KeyFormatError{What: fmt.Sprintf("key has %d words, want 4", len(key))}
	}
	bkey, err := a32_to_bytes(key)
	if err != nil {
		return nil, err
	}
	return aes.NewCipher(bkey)
}

func cryptKey(a, key []uint32, decrypt bool) ([]uint32, error) {
	if len(a)%4 != 0 {
		return nil, &KeyFormatError{What: fmt.Sprintf("wrapped key has %d words, not a multiple of 4", len(a))}
	}
	blk, err := keyCipher(key)
	if err != nil {
		return nil, err
	}
	buf, err := a32_to_bytes(a)
	if err != nil {
		return nil, err
	}
	if decrypt {
		err = blockDecrypt(blk, buf, buf)
	} else {
		err = blockEncrypt(blk, buf, buf)
	}
	if err != nil {
		return nil, err
	}
	return bytes_to_a32(buf)
}

// encryptKey wraps the key chain a under key, one 4 word block at a time
func encryptKey(a, key []uint32) ([]uint32, error) {
	return cryptKey(a, key, false)
}

// decryptKey unwraps the key chain a under key, one 4 word block at a time
func decryptKey(a, key []uint32) ([]uint32, error) {
	return cryptKey(a, key, true)
}

// prepareKey derives the legacy password key from the password words
func prepareKey(a []uint32) ([]byte, error) {
	pkey, err := a32_to_bytes(prepareKeySeed)
	if err != nil {
		return nil, err
	}

	n := (len(a) + 3) / 4
	ciphers := make([]cipher.Block, n)
	for j := 0; j < len(a); j += 4 {
		key := []uint32{0, 0, 0, 0}
		for k := 0; k < 4; k++ {
			if j+k < len(a) {
				key[k] = a[k+j]
			}
		}
		ciphers[j/4], err = keyCipher(key)
		if err != nil {
			return nil, err
		}
	}

	for i := prepareKeyRounds; i > 0; i-- {
		for j := 0; j < n; j++ {
			ciphers[j].Encrypt(pkey, pkey)
		}
	}

	return pkey, nil
}

// password_key calculates the legacy (v1) password key
func password_key(p string) ([]byte, error) {
	a, err := bytes_to_a32([]byte(p))
	if err != nil {
		return nil, err
	}
	return prepareKey(a)
}

// stringhash calculates the legacy (v1) login hash of s under key k
func stringhash(s string, k []byte) (string, error) {
	a, err := bytes_to_a32([]byte(s))
	if err != nil {
		return "", err
	}
	h := []uint32{0, 0, 0, 0}
	for i, v := range a {
		h[i&3] ^= v
	}

	hb, err := a32_to_bytes(h)
	if err != nil {
		return "", err
	}
	blk, err := aes.NewCipher(k)
	if err != nil {
		return "", err
	}
	for i := stringHashRounds; i > 0; i-- {
		blk.Encrypt(hb, hb)
	}

	ha, err := bytes_to_a32(hb)
	if err != nil {
		return "", err
	}
	return a32_to_base64([]uint32{ha[0], ha[2]})
}

// pbkdf2LoginKey derives the v2 password key and the login hash
func pbkdf2LoginKey(password string, salt []byte) ([]byte, string) {
	const derivedKeyLength = 2 * aes.BlockSize
	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeyLength, sha512.New)
	return derivedKey[:aes.BlockSize], base64urlencode(derivedKey[aes.BlockSize:])
}

// FileAttr holds the decrypted attributes of a node. "n" is the name.
type FileAttr map[string]interface{}

// Name returns the node name or "" if there isn't one
func (a FileAttr) Name() string {
	if s, ok := a["n"].(string); ok {
		return s
	}
	return ""
}

const attrMagic = "MEGA"

// encryptAttr serializes and encrypts attr under key
func encryptAttr(key []byte, attr FileAttr) (string, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(attr)
	if err != nil {
		return "", err
	}
	buf := pad16(append([]byte(attrMagic), data...))
	mode := cipher.NewCBCEncrypter(blk, zero_iv)
	mode.CryptBlocks(buf, buf)
	return base64urlencode(buf), nil
}

// decryptAttr decrypts node attributes with key.
//
// Blobs which don't decrypt to the MEGA{ prefix yield empty attributes.
func decryptAttr(key []byte, data string) (FileAttr, error) {
	attr := FileAttr{}
	blk, err := aes.NewCipher(key)
	if err != nil {
		return attr, err
	}
	ddata, err := base64urldecode(data)
	if err != nil {
		return attr, fmt.Errorf("%w: %v", EBADATTR, err)
	}
	if len(ddata)%aes.BlockSize != 0 {
		return attr, fmt.Errorf("%w: length %d is not a multiple of the block size", EBADATTR, len(ddata))
	}
	buf := make([]byte, len(ddata))
	mode := cipher.NewCBCDecrypter(blk, zero_iv)
	mode.CryptBlocks(buf, ddata)

	str := strings.TrimRight(string(buf), "\x00")
	if !strings.HasPrefix(str, attrMagic+"{") {
		return attr, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(str[len(attrMagic):])))
	if err = dec.Decode(&attr); err != nil {
		return FileAttr{}, fmt.Errorf("%w: %v", EBADATTR, err)
	}
	return attr, nil
}
