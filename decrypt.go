package mega

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

const (
	chunkStep    = 0x20000
	maxChunkSize = 0x100000
)

type chunkSize struct {
	position int64
	size     int
}

// getChunkSizes splits a file into the chunks the MAC is computed
// over: 128k, 256k, ... up to 1M, then 1M until the end.
func getChunkSizes(size int64) (chunks []chunkSize) {
	p := int64(0)
	chunk := int64(chunkStep)
	for size > 0 {
		c := chunk
		if size < c {
			c = size
		}
		chunks = append(chunks, chunkSize{position: p, size: int(c)})
		p += c
		size -= c
		if chunk < maxChunkSize {
			chunk += chunkStep
		}
	}
	return chunks
}

// DecryptState is the progress of a ChunkDecryptor
type DecryptState int

const (
	Priming DecryptState = iota
	Decrypting
	Finalizing
	Verified
	MacMismatch
)

func (s DecryptState) String() string {
	switch s {
	case Priming:
		return "priming"
	case Decrypting:
		return "decrypting"
	case Finalizing:
		return "finalizing"
	case Verified:
		return "verified"
	case MacMismatch:
		return "mac mismatch"
	}
	return fmt.Sprintf("DecryptState(%d)", int(s))
}

var errDecryptorDone = errors.New("chunk decryptor already finished")

// ChunkDecryptor decrypts the chunks of one file in order and checks
// the chained MAC at the end.
type ChunkDecryptor struct {
	data    DecryptData
	block   cipher.Block
	ctr     cipher.Stream
	chunkIV []byte
	mac_enc cipher.BlockMode
	mac     []byte
	scratch []byte
	state   DecryptState
	// expected chunk sizes, from getChunkSizes
	plan    []chunkSize
	chunks  int
	pos     int64
	err     error
}

// NewChunkDecryptor sets up the decryption of the file described by d
func NewChunkDecryptor(d *DecryptData) (*ChunkDecryptor, error) {
	if d == nil {
		return nil, EARGS
	}
	key, err := a32_to_bytes(d.ContentKey[:])
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	ctrIV, err := a32_to_bytes([]uint32{d.IV[0], d.IV[1], 0, 0})
	if err != nil {
		return nil, err
	}
	chunkIV, err := a32_to_bytes([]uint32{d.IV[0], d.IV[1], d.IV[0], d.IV[1]})
	if err != nil {
		return nil, err
	}
	return &ChunkDecryptor{
		data:    *d,
		block:   block,
		ctr:     cipher.NewCTR(block, ctrIV),
		chunkIV: chunkIV,
		mac_enc: cipher.NewCBCEncrypter(block, zero_iv),
		mac:     make([]byte, aes.BlockSize),
		state:   Priming,
		plan:    getChunkSizes(d.FileSize),
	}, nil
}

// State returns where the decryptor is
func (c *ChunkDecryptor) State() DecryptState {
	return c.state
}

// Chunks returns how many chunks were pushed
func (c *ChunkDecryptor) Chunks() int {
	return c.chunks
}

// Push decrypts chunk in place and folds it into the MAC. Chunks must
// be pushed in file order with the sizes from getChunkSizes; a chunk of
// another size, or one past the end of the file, is refused with EARGS
// and leaves the decryptor untouched.
func (c *ChunkDecryptor) Push(chunk []byte) ([]byte, error) {
	if c.state >= Finalizing {
		return nil, errDecryptorDone
	}
	if c.chunks >= len(c.plan) {
		return nil, fmt.Errorf("%w: chunk %d is past the end of a %d byte file", EARGS, c.chunks, c.data.FileSize)
	}
	if want := c.plan[c.chunks].size; len(chunk) != want {
		return nil, fmt.Errorf("%w: chunk %d is %d bytes, want %d", EARGS, c.chunks, len(chunk), want)
	}
	c.state = Decrypting
	c.ctr.XORKeyStream(chunk, chunk)
	c.chunkMAC(chunk)
	c.chunks++
	c.pos += int64(len(chunk))
	return chunk, nil
}

// chunkMAC encrypts the plaintext chunk with CBC and feeds the last
// ciphertext block to the running MAC
func (c *ChunkDecryptor) chunkMAC(chunk []byte) {
	enc := cipher.NewCBCEncrypter(c.block, c.chunkIV)
	last := make([]byte, aes.BlockSize)

	full := len(chunk) &^ (aes.BlockSize - 1)
	if full > 0 {
		if cap(c.scratch) < full {
			c.scratch = make([]byte, full)
		}
		out := c.scratch[:full]
		enc.CryptBlocks(out, chunk[:full])
		copy(last, out[full-aes.BlockSize:])
	}
	if full < len(chunk) {
		tail := make([]byte, aes.BlockSize)
		copy(tail, chunk[full:])
		enc.CryptBlocks(last, tail)
	}

	c.mac_enc.CryptBlocks(c.mac, last)
}

// Finish checks the MAC of everything pushed against the one from the
// node key. The result is remembered; later calls return it again.
func (c *ChunkDecryptor) Finish() error {
	switch c.state {
	case Verified:
		return nil
	case MacMismatch:
		return c.err
	}
	c.state = Finalizing

	// Can't check a 0 sized file
	if c.data.FileSize == 0 && c.chunks == 0 {
		c.state = Verified
		return nil
	}

	t, err := bytes_to_a32(c.mac)
	if err != nil {
		return err
	}
	got := [2]uint32{t[0] ^ t[1], t[2] ^ t[3]}
	if got != c.data.MetaMac || c.pos != c.data.FileSize {
		c.state = MacMismatch
		c.err = &IntegrityError{Want: c.data.MetaMac, Got: got}
		return c.err
	}
	c.state = Verified
	return nil
}

// DecryptReader decrypts a ciphertext stream of a whole file. At the
// end of the stream it returns io.EOF when the MAC matches and an
// *IntegrityError when it doesn't.
type DecryptReader struct {
	r      io.Reader
	dec    *ChunkDecryptor
	chunks []chunkSize
	next   int
	chunk  []byte
	buf    []byte
	err    error
}

// NewDecryptReader wraps the ciphertext in r
func NewDecryptReader(r io.Reader, d *DecryptData) (*DecryptReader, error) {
	dec, err := NewChunkDecryptor(d)
	if err != nil {
		return nil, err
	}
	chunks := getChunkSizes(d.FileSize)
	largest := 0
	for _, c := range chunks {
		if c.size > largest {
			largest = c.size
		}
	}
	return &DecryptReader{
		r:      r,
		dec:    dec,
		chunks: chunks,
		chunk:  make([]byte, largest),
	}, nil
}

func (dr *DecryptReader) Read(p []byte) (int, error) {
	for len(dr.buf) == 0 {
		if dr.err != nil {
			return 0, dr.err
		}
		if dr.next == len(dr.chunks) {
			dr.err = dr.dec.Finish()
			if dr.err == nil {
				dr.err = io.EOF
			}
			continue
		}

		chunk := dr.chunk[:dr.chunks[dr.next].size]
		if _, err := io.ReadFull(dr.r, chunk); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			dr.err = err
			continue
		}
		if _, err := dr.dec.Push(chunk); err != nil {
			dr.err = err
			continue
		}
		dr.buf = chunk
		dr.next++
	}

	n := copy(p, dr.buf)
	dr.buf = dr.buf[n:]
	return n, nil
}

// State returns the state of the underlying decryptor
func (dr *DecryptReader) State() DecryptState {
	return dr.dec.State()
}
