package mega

import (
	"crypto/aes"
	"fmt"
	"math/big"
)

// RSAKey is the account private key rebuilt from its MPI encoding
type RSAKey struct {
	N *big.Int
	E *big.Int
	D *big.Int
	P *big.Int
	Q *big.Int
	U *big.Int
}

// getMPI reads one multi precision integer (16 bit bit-length header
// followed by the big endian magnitude) and returns the rest of b.
func getMPI(b []byte) (*big.Int, []byte, error) {
	if len(b) < 2 {
		return nil, nil, &KeyFormatError{What: "MPI header truncated"}
	}
	bits := int(b[0])<<8 | int(b[1])
	plen := (bits + 7) >> 3
	if plen+2 > len(b) {
		return nil, nil, &KeyFormatError{What: fmt.Sprintf("MPI of %d bytes exceeds %d remaining", plen, len(b)-2)}
	}
	p := new(big.Int).SetBytes(b[2 : plen+2])
	return p, b[plen+2:], nil
}

// decryptRSAPrivateKey rebuilds the private key from the decrypted
// privk blob which holds p, q, d and u in that order.
func decryptRSAPrivateKey(blob []byte) (*RSAKey, error) {
	var mpis [4]*big.Int
	var err error
	rest := blob
	for i := range mpis {
		mpis[i], rest, err = getMPI(rest)
		if err != nil {
			return nil, err
		}
	}

	k := &RSAKey{P: mpis[0], Q: mpis[1], D: mpis[2], U: mpis[3]}
	one := big.NewInt(1)
	if k.P.Cmp(one) <= 0 || k.Q.Cmp(one) <= 0 {
		return nil, &KeyFormatError{What: "RSA prime factor is zero"}
	}
	k.N = new(big.Int).Mul(k.P, k.Q)
	phi := new(big.Int).Mul(new(big.Int).Sub(k.P, one), new(big.Int).Sub(k.Q, one))
	k.E = new(big.Int).ModInverse(k.D, phi)
	if k.E == nil {
		return nil, &KeyFormatError{What: "RSA private exponent is not invertible"}
	}
	return k, nil
}

// Decrypt does a raw RSA decryption of c
func (k *RSAKey) Decrypt(c *big.Int) *big.Int {
	return new(big.Int).Exp(c, k.D, k.N)
}

// decryptSessionId unwraps the private key with the master key and
// uses it to decrypt the session id.
func decryptSessionId(privk string, csid string, mk []byte) (string, error) {
	block, err := aes.NewCipher(mk)
	if err != nil {
		return "", err
	}
	pk, err := base64urldecode(privk)
	if err != nil {
		return "", &KeyFormatError{What: "privk", Err: err}
	}
	pk = pad16(pk)
	if err = blockDecrypt(block, pk, pk); err != nil {
		return "", err
	}
	key, err := decryptRSAPrivateKey(pk)
	if err != nil {
		return "", err
	}

	c, err := base64urldecode(csid)
	if err != nil {
		return "", &KeyFormatError{What: "csid", Err: err}
	}
	m, _, err := getMPI(c)
	if err != nil {
		return "", err
	}

	r := key.Decrypt(m).Bytes()
	if len(r) < 43 {
		return "", &KeyFormatError{What: fmt.Sprintf("session id too short (%d bytes)", len(r))}
	}
	return base64urlencode(r[:43]), nil
}
