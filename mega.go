package mega

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Mega struct {
	Config
	// Version of the account
	accountVersion int
	// Salt for the account if accountVersion > 1
	accountSalt []byte
	// Sequence number
	sn uint32
	// Session ID
	sid string
	// Master key
	k []byte
	// Random id of this client instance
	requestID string
	// Login state
	state SessionState
	// protects sid, k, state and the caches below
	mu sync.RWMutex
	// Filesystem object
	FS *MegaFS
	// Public folders listed during this session by handle
	folders map[string]*MegaFS
	// HTTP Client
	client *http.Client
	// Logger
	log zerolog.Logger
	// serialize the API requests, guards sn and limiter
	apiMu sync.Mutex
	// outbound request budget
	limiter *rate.Limiter
	// runs the CPU heavy crypto
	pool *blockingPool
}

// New creates a client with the default configuration
func New() *Mega {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a client using cfg
func NewWithConfig(cfg *Config) *Mega {
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err) // this should be returned, but this is a public interface
	}
	requestID, err := randString(10)
	if err != nil {
		panic(err)
	}
	m := &Mega{
		Config:    *cfg,
		sn:        binary.BigEndian.Uint32(seed[:]),
		requestID: requestID,
		state:     Anonymous,
		FS:        newMegaFS(),
		folders:   make(map[string]*MegaFS),
		client:    newHttpClient(cfg.Timeout),
		limiter:   newLimiter(cfg.RateLimit),
		pool:      newBlockingPool(cfg.BlockingWorkers),
	}
	m.SetLogger(log.Logger.With().Str("component", "mega").Logger())
	return m
}

func newLimiter(c RateLimitConfig) *rate.Limiter {
	if c.Requests <= 0 || c.Period <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(c.Period/time.Duration(c.Requests)), c.Requests)
}

func newHttpClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// SetClient sets the HTTP client in use
func (m *Mega) SetClient(client *http.Client) *Mega {
	m.client = client
	return m
}

// SetLogger sets the logger. Use zerolog.Nop() to discard the messages.
func (m *Mega) SetLogger(l zerolog.Logger) *Mega {
	m.log = l
	return m
}

// SetRateLimit replaces the request budget of requests per period. It
// waits for the API request in flight, if any.
func (m *Mega) SetRateLimit(requests int, period time.Duration) *Mega {
	m.apiMu.Lock()
	defer m.apiMu.Unlock()
	m.RateLimit = RateLimitConfig{Requests: requests, Period: period}
	m.limiter = newLimiter(m.RateLimit)
	return m
}

// backOffSleep sleeps for the time pointed to then adjusts it by
// doubling it up to a maximum of maxSleepTime.
//
// This produces a truncated exponential backoff sleep
func backOffSleep(ctx context.Context, pt *time.Duration) error {
	timer := time.NewTimer(*pt)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	*pt *= 2
	if *pt > maxSleepTime {
		*pt = maxSleepTime
	}
	return nil
}

// withRetry runs op again while it fails with a retryable server
// error, up to the configured number of retries.
func (m *Mega) withRetry(ctx context.Context, what string, op func() error) error {
	var err error
	sleepTime := minSleepTime // initial backoff time
	for i := 0; i < m.Retries+1; i++ {
		if i != 0 {
			m.log.Debug().Err(err).Str("op", what).Int("attempt", i).Int("retries", m.Retries).Msg("Retrying")
			if serr := backOffSleep(ctx, &sleepTime); serr != nil {
				return serr
			}
		}
		err = op()
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}

// Get user information
func (m *Mega) GetUser(ctx context.Context) (UserResp, error) {
	var msg [1]UserMsg
	var res [1]UserResp

	msg[0].Cmd = "ug"

	err := m.withRetry(ctx, "ug", func() error {
		return m.api_call(ctx, msg, &res, nil)
	})
	return res[0], err
}

// Get quota information
func (m *Mega) GetQuota(ctx context.Context) (QuotaResp, error) {
	var msg [1]QuotaMsg
	var res [1]QuotaResp

	msg[0].Cmd = "uq"
	msg[0].Xfer = 1
	msg[0].Strg = 1

	err := m.withRetry(ctx, "uq", func() error {
		return m.api_call(ctx, msg, &res, nil)
	})
	return res[0], err
}
