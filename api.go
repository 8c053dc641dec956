package mega

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// api_request makes a request to the MEGA API server.
//
// It adds the sequence number and session id, answers a hashcash
// challenge once and retries transport failures. Errors reported by
// the server are classified and returned, never retried here.
//
// A bare 0 response returns a nil payload and no error.
func (m *Mega) api_request(ctx context.Context, r []byte, queryParams map[string]string) (buf []byte, err error) {
	m.apiMu.Lock()
	currentSN := m.sn
	m.sn++
	defer m.apiMu.Unlock()

	urlValues := url.Values{}
	urlValues.Set("id", strconv.FormatUint(uint64(currentSN), 10))
	if sid := m.sessionID(); sid != "" {
		urlValues.Set("sid", sid)
	}
	for k, v := range queryParams {
		// Avoid overwriting id or sid if accidentally passed
		if k != "id" && k != "sid" {
			urlValues.Set(k, v)
		}
	}
	fullURL := m.BaseURL + "/cs?" + urlValues.Encode()

	var hashcash string
	solved := false
	sleepTime := minSleepTime // initial backoff time
	for i := 0; i < m.Retries+1; i++ {
		if i != 0 && !solved {
			m.log.Debug().Err(err).Int("attempt", i).Int("retries", m.Retries).Msg("Retry API request")
			if serr := backOffSleep(ctx, &sleepTime); serr != nil {
				return nil, serr
			}
		}
		if err = m.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var resp *http.Response
		resp, err = m.post(ctx, fullURL, r, hashcash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.log.Debug().Err(err).Int("attempt", i+1).Msg("API POST error")
			continue
		}
		buf, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			continue
		}

		if resp.StatusCode == http.StatusPaymentRequired {
			challenge := resp.Header.Get(hashcashHeader)
			if challenge == "" {
				return nil, fmt.Errorf("%w: http status %s without challenge", EBADRESP, resp.Status)
			}
			if hashcash != "" {
				return nil, ErrChallengeFailed
			}
			hashcash, err = m.solveHashcash(ctx, challenge)
			if err != nil {
				return nil, err
			}
			// the answered attempt doesn't count as a retry
			solved = true
			i--
			continue
		}
		solved = false

		if resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("http status %s", resp.Status)
			if perr := responseError(buf); perr != nil {
				err = perr
			}
			m.log.Debug().Err(err).Int("attempt", i+1).Msg("API non-200 response")
			if resp.StatusCode >= 500 {
				continue
			}
			return nil, m.checkSession(err)
		}

		payload, perr := parseResponse(buf)
		if perr != nil {
			return nil, m.checkSession(perr)
		}
		m.log.Debug().Int("attempt", i+1).Int("bytes", len(buf)).Msg("API request successful")
		return payload, nil
	}

	if err == nil {
		err = errors.New("api request failed after max retries without a specific error")
	}
	return nil, fmt.Errorf("api request failed after %d attempts: %w", m.Retries+1, err)
}

func (m *Mega) post(ctx context.Context, u string, body []byte, hashcash string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if hashcash != "" {
		req.Header.Set(hashcashHeader, hashcash)
	}
	return m.client.Do(req)
}

// responseError returns the server error in buf, if it holds one
func responseError(buf []byte) error {
	var code ErrorMsg
	if json.Unmarshal(buf, &code) == nil {
		return parseError(code)
	}
	var codes []json.RawMessage
	if json.Unmarshal(buf, &codes) == nil && len(codes) > 0 {
		if json.Unmarshal(codes[0], &code) == nil {
			return parseError(code)
		}
	}
	return nil
}

// parseResponse classifies an API response body: a bare number is a
// status, arrays and objects are payloads.
func parseResponse(buf []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response", EBADRESP)
	}
	switch trimmed[0] {
	case '[', '{':
		if err := responseError(trimmed); err != nil {
			return nil, err
		}
		return trimmed, nil
	}
	var code ErrorMsg
	if err := json.Unmarshal(trimmed, &code); err != nil {
		return nil, fmt.Errorf("%w: unexpected response format starting with %q", EBADRESP, string(trimmed[:min(10, len(trimmed))]))
	}
	if err := parseError(code); err != nil {
		return nil, err
	}
	return nil, nil
}

// checkSession invalidates the session when the server rejected it
func (m *Mega) checkSession(err error) error {
	if errors.Is(err, ESID) {
		m.log.Warn().Msg("Session rejected by server")
		m.invalidate()
	}
	return err
}

// api_call marshals msg, makes the request and unmarshals the reply
// into res. res may be nil when the reply isn't needed.
func (m *Mega) api_call(ctx context.Context, msg interface{}, res interface{}, queryParams map[string]string) error {
	req, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	result, err := m.api_request(ctx, req, queryParams)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	if result == nil {
		return fmt.Errorf("%w: no payload", EBADRESP)
	}
	if err = json.Unmarshal(result, res); err != nil {
		return fmt.Errorf("%w: %v", EBADRESP, err)
	}
	return nil
}
