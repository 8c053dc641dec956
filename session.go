package mega

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// SessionState is the login state of a client
type SessionState int

const (
	Anonymous SessionState = iota
	LoggingIn
	Authenticated
	Invalid
)

func (s SessionState) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case LoggingIn:
		return "logging in"
	case Authenticated:
		return "authenticated"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Session is a snapshot of the session parameters
type Session struct {
	MasterKey      [4]uint32
	SessionID      string
	SequenceNumber uint32
	RequestID      string
}

// State returns the current login state
func (m *Mega) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns a copy of the current session parameters
func (m *Mega) Session() Session {
	m.apiMu.Lock()
	sn := m.sn
	m.apiMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Session{SessionID: m.sid, SequenceNumber: sn, RequestID: m.requestID}
	if mk, err := bytes_to_a32(m.k); err == nil && len(mk) == 4 {
		copy(s.MasterKey[:], mk)
	}
	return s
}

func (m *Mega) sessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sid
}

func (m *Mega) masterKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Authenticated || len(m.k) != 16 {
		return nil, ErrSessionInvalid
	}
	return m.k, nil
}

// beginLogin moves to LoggingIn and drops anything from an earlier session
func (m *Mega) beginLogin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = LoggingIn
	m.sid = ""
	m.k = nil
	m.FS = newMegaFS()
	m.folders = make(map[string]*MegaFS)
}

func (m *Mega) setSession(sid string, k []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sid = sid
	m.k = k
	m.state = Authenticated
}

// invalidate forgets the session after a fatal error
func (m *Mega) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Invalid
	m.sid = ""
	m.k = nil
}

// loginFailed invalidates the session and wraps err
func (m *Mega) loginFailed(stage string, err error) error {
	m.invalidate()
	var lerr *LoginError
	if errors.As(err, &lerr) {
		return err
	}
	m.log.Warn().Str("stage", stage).Err(err).Msg("Login failed")
	return &LoginError{Stage: stage, Err: err}
}

// Logout forgets the session and all data decrypted with it
func (m *Mega) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Anonymous
	m.sid = ""
	m.k = nil
	m.FS = newMegaFS()
	m.folders = make(map[string]*MegaFS)
}

// prelogin call
func (m *Mega) prelogin(ctx context.Context, email string) error {
	var msg [1]PreloginMsg
	var res [1]PreloginResp

	msg[0].Cmd = "us0"
	msg[0].User = email

	err := m.withRetry(ctx, "us0", func() error {
		return m.api_call(ctx, msg, &res, nil)
	})
	if err != nil {
		return err
	}

	switch {
	case res[0].Version == 0:
		return errors.New("prelogin: no version returned")
	case res[0].Version > 2:
		return fmt.Errorf("prelogin: version %d account not supported", res[0].Version)
	case res[0].Version == 2:
		if len(res[0].Salt) == 0 {
			return errors.New("prelogin: no salt returned")
		}
		m.accountSalt, err = base64urldecode(res[0].Salt)
		if err != nil {
			return err
		}
	}
	m.accountVersion = res[0].Version

	return nil
}

// Authenticate and start a session
func (m *Mega) login(ctx context.Context, email string, passwd string, multiFactor string) error {
	var msg [1]LoginMsg
	var res [1]LoginResp
	var passkey []byte

	msg[0].Cmd = "us"
	msg[0].User = email
	msg[0].Mfa = multiFactor

	if m.accountVersion == 1 {
		err := m.pool.Do(ctx, func() (err error) {
			passkey, err = password_key(passwd)
			if err != nil {
				return err
			}
			msg[0].Handle, err = stringhash(email, passkey)
			return err
		})
		if err != nil {
			return err
		}
	} else {
		var authKey string
		err := m.pool.Do(ctx, func() error {
			passkey, authKey = pbkdf2LoginKey(passwd, m.accountSalt)
			return nil
		})
		if err != nil {
			return err
		}

		sessionKey := make([]byte, aes.BlockSize)
		if _, err = rand.Read(sessionKey); err != nil {
			return err
		}
		msg[0].Handle = authKey
		msg[0].SessionKey = base64urlencode(sessionKey)
	}

	err := m.withRetry(ctx, "us", func() error {
		return m.api_call(ctx, msg, &res, nil)
	})
	if err != nil {
		return err
	}
	return m.establishSession(&res[0], passkey)
}

// establishSession recovers the master key with passkey and verifies
// or decrypts the session id from the login response.
func (m *Mega) establishSession(res *LoginResp, passkey []byte) error {
	if res.Key == "" {
		return &KeyFormatError{What: "login response has no master key"}
	}
	k, err := base64urldecode(res.Key)
	if err != nil {
		return &KeyFormatError{What: "master key", Err: err}
	}
	if len(k) != 16 {
		return &KeyFormatError{What: fmt.Sprintf("master key is %d bytes", len(k))}
	}
	blk, err := aes.NewCipher(passkey)
	if err != nil {
		return err
	}
	if err = blockDecrypt(blk, k, k); err != nil {
		return err
	}

	var sid string
	switch {
	case res.Tsid != "":
		tsid, err := base64urldecode(res.Tsid)
		if err != nil {
			return &KeyFormatError{What: "tsid", Err: err}
		}
		if len(tsid) < 32 {
			return fmt.Errorf("temporary session id too short (%d bytes)", len(tsid))
		}
		mblk, err := aes.NewCipher(k)
		if err != nil {
			return err
		}
		check := make([]byte, 16)
		mblk.Encrypt(check, tsid[:16])
		if !bytes.Equal(check, tsid[len(tsid)-16:]) {
			return errors.New("temporary session id failed verification")
		}
		sid = res.Tsid
	case res.Csid != "":
		sid, err = decryptSessionId(res.Privk, res.Csid, k)
		if err != nil {
			return err
		}
	default:
		return errors.New("no session id in login response")
	}

	m.setSession(sid, k)
	return nil
}

// Authenticate and start a session
func (m *Mega) Login(ctx context.Context, email string, passwd string) error {
	return m.MultiFactorLogin(ctx, email, passwd, "")
}

// MultiFactorLogin - Authenticate and start a session with 2FA
func (m *Mega) MultiFactorLogin(ctx context.Context, email, passwd, multiFactor string) error {
	m.beginLogin()

	email = strings.ToLower(email) // mega uses lowercased emails for login purposes

	if err := m.prelogin(ctx, email); err != nil {
		return m.loginFailed("prelogin", err)
	}
	if err := m.login(ctx, email, passwd, multiFactor); err != nil {
		return m.loginFailed("login", err)
	}
	m.log.Info().Int("version", m.accountVersion).Msg("Logged in")

	if err := m.getFileSystem(ctx); err != nil {
		return err
	}
	return nil
}

// LoginAnonymous authenticates and starts a session with an anonymous temporary user
func (m *Mega) LoginAnonymous(ctx context.Context) error {
	m.beginLogin()
	m.log.Debug().Msg("Anonymous login")

	if err := m.loginAnonymous(ctx); err != nil {
		return m.loginFailed("anonymous", err)
	}
	m.log.Info().Msg("Anonymous session established")

	return m.getFileSystem(ctx)
}

func (m *Mega) loginAnonymous(ctx context.Context) error {
	masterKey, err := randomWords(4)
	if err != nil {
		return err
	}
	passwordKey, err := randomWords(4)
	if err != nil {
		return err
	}
	challenge, err := randomWords(4)
	if err != nil {
		return err
	}

	encMasterKey, err := encryptKey(masterKey, passwordKey)
	if err != nil {
		return err
	}
	encChallenge, err := encryptKey(challenge, masterKey)
	if err != nil {
		return err
	}

	var msg [1]AnonymousUserMsg
	msg[0].Cmd = "up"
	msg[0].K, err = a32_to_base64(encMasterKey)
	if err != nil {
		return err
	}
	msg[0].TS, err = a32_to_base64(append(append([]uint32{}, challenge...), encChallenge...))
	if err != nil {
		return err
	}

	// The response is an array with a single user handle
	var user [1]string
	err = m.withRetry(ctx, "up", func() error {
		return m.api_call(ctx, msg, &user, nil)
	})
	if err != nil {
		return err
	}
	if user[0] == "" {
		return errors.New("empty response from user provisioning")
	}

	var lmsg [1]LoginMsg
	var res [1]LoginResp
	lmsg[0].Cmd = "us"
	lmsg[0].User = user[0]

	err = m.withRetry(ctx, "us", func() error {
		return m.api_call(ctx, lmsg, &res, nil)
	})
	if err != nil {
		return err
	}

	passkey, err := a32_to_bytes(passwordKey)
	if err != nil {
		return err
	}
	return m.establishSession(&res[0], passkey)
}
