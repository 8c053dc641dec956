package mega

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	hashcashHeader    = "X-Hashcash"
	hashcashTokenSize = 48
	hashcashCopies    = 262144
)

type hashcashChallenge struct {
	easiness int
	token    []byte
	tokenStr string
}

// parseHashcash parses a challenge of the form
// "1:<easiness>:<ignored>:<token>"
func parseHashcash(header string) (*hashcashChallenge, error) {
	parts := strings.Split(strings.TrimSpace(header), ":")
	if len(parts) != 4 || parts[0] != "1" {
		return nil, fmt.Errorf("%w: unsupported hashcash challenge %q", EBADRESP, header)
	}
	easiness, err := strconv.Atoi(parts[1])
	if err != nil || easiness < 0 || easiness > 255 {
		return nil, fmt.Errorf("%w: bad hashcash easiness %q", EBADRESP, parts[1])
	}
	token, err := base64urldecode(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad hashcash token: %v", EBADRESP, err)
	}
	if len(token) != hashcashTokenSize {
		return nil, fmt.Errorf("%w: hashcash token is %d bytes", EBADRESP, len(token))
	}
	return &hashcashChallenge{easiness: easiness, token: token, tokenStr: parts[3]}, nil
}

// threshold is the largest accepted value of the leading digest word
func (c *hashcashChallenge) threshold() uint32 {
	base := uint32((c.easiness&63)<<1 + 1)
	shifts := uint32((c.easiness>>6)*7 + 3)
	return base << shifts
}

// solve searches for a 4 byte prefix which makes the digest of the
// prefixed buffer fall under the threshold. It only stops early if ctx
// is done.
func (c *hashcashChallenge) solve(ctx context.Context) (string, error) {
	threshold := c.threshold()
	buf := make([]byte, 4+hashcashCopies*hashcashTokenSize)
	for i := 0; i < hashcashCopies; i++ {
		copy(buf[4+i*hashcashTokenSize:], c.token)
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		digest := sha256.Sum256(buf)
		if binary.BigEndian.Uint32(digest[:4]) <= threshold {
			return fmt.Sprintf("1:%s:%s", c.tokenStr, base64urlencode(buf[:4])), nil
		}
		for j := 0; j < 4; j++ {
			buf[j]++
			if buf[j] != 0 {
				break
			}
		}
	}
}

// solveHashcash solves the challenge on the blocking pool
func (m *Mega) solveHashcash(ctx context.Context, header string) (string, error) {
	c, err := parseHashcash(header)
	if err != nil {
		return "", err
	}
	m.log.Debug().Int("easiness", c.easiness).Msg("Solving hashcash challenge")
	var solution string
	err = m.pool.Do(ctx, func() (err error) {
		solution, err = c.solve(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	return solution, nil
}
