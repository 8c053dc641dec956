package mega

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func userReply() apiHandler {
	return reply(http.StatusOK, map[string]interface{}{"u": "user0001", "email": "user@example.com"})
}

func TestAPISequenceNumbers(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", userReply())
	m := api.client()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		u, err := m.GetUser(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if u.Email != "user@example.com" {
			t.Errorf("got %+v", u)
		}
	}

	reqs := api.requests()
	first, err := strconv.ParseUint(reqs[0].Get("id"), 10, 32)
	if err != nil {
		t.Fatal(err)
	}
	for i, q := range reqs {
		if q.Get("id") != strconv.FormatUint(uint64(uint32(first)+uint32(i)), 10) {
			t.Errorf("request %d has id %s, first was %d", i, q.Get("id"), first)
		}
		if q.Has("sid") {
			t.Errorf("anonymous request %d carries a sid", i)
		}
	}
	if m.Session().SequenceNumber != uint32(first)+3 {
		t.Errorf("sequence number %d", m.Session().SequenceNumber)
	}
}

func TestAPIConcurrentSequenceNumbers(t *testing.T) {
	const n = 20
	api := newFakeAPI(t)
	api.handle("ug", userReply())
	m := api.client()
	first := m.Session().SequenceNumber

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetUser(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	seen := make(map[string]bool)
	for _, q := range api.requests() {
		id := q.Get("id")
		if seen[id] {
			t.Errorf("id %s sent twice", id)
		}
		seen[id] = true
	}
	for i := uint32(0); i < n; i++ {
		if id := strconv.FormatUint(uint64(first+i), 10); !seen[id] {
			t.Errorf("id %s never sent", id)
		}
	}
	if got := m.Session().SequenceNumber; got != first+n {
		t.Errorf("sequence number %d, want %d", got, first+n)
	}
}

func TestAPISessionID(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", userReply())
	m := api.client()
	m.setSession("SESSION", make([]byte, 16))

	if _, err := m.GetUser(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sid := api.requests()[0].Get("sid"); sid != "SESSION" {
		t.Errorf("sid %q", sid)
	}
}

func TestAPIErrors(t *testing.T) {
	for _, test := range []struct {
		name   string
		status int
		reply  interface{}
		want   error
	}{
		{"bare", http.StatusOK, -9, ENOENT},
		{"array", http.StatusOK, json.RawMessage(`[-11]`), EACCESS},
		{"non-200", http.StatusForbidden, -16, EBLOCKED},
		{"garbage", http.StatusOK, json.RawMessage(`"hello"`), EBADRESP},
		{"unknown", http.StatusOK, -99, nil},
	} {
		t.Run(test.name, func(t *testing.T) {
			api := newFakeAPI(t)
			api.handle("ug", reply(test.status, test.reply))
			_, err := api.client().GetUser(context.Background())
			if err == nil {
				t.Fatal("want an error")
			}
			if test.want != nil && !errors.Is(err, test.want) {
				t.Errorf("got %v, want %v", err, test.want)
			}
			var perr *ProtocolError
			if test.name == "unknown" && (!errors.As(err, &perr) || perr.Code != -99) {
				t.Errorf("got %v, want protocol error -99", err)
			}
		})
	}
}

func TestAPIBareZero(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", reply(http.StatusOK, 0))
	m := api.client()
	if err := m.api_call(context.Background(), [1]UserMsg{{Cmd: "ug"}}, nil, nil); err != nil {
		t.Errorf("got %v", err)
	}
	var res [1]UserResp
	if err := m.api_call(context.Background(), [1]UserMsg{{Cmd: "ug"}}, &res, nil); !errors.Is(err, EBADRESP) {
		t.Errorf("got %v, want EBADRESP for a missing payload", err)
	}
}

func TestAPIRetryableErrorsRetriedByCaller(t *testing.T) {
	api := newFakeAPI(t)
	var calls int32
	api.handle("ug", func(map[string]interface{}, url.Values) (int, interface{}) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return http.StatusOK, -3
		}
		return http.StatusOK, map[string]interface{}{"u": "user0001"}
	})
	m := api.client()

	// api_request itself reports the server error
	_, err := m.api_request(context.Background(), []byte(`[{"a":"ug"}]`), nil)
	if !errors.Is(err, EAGAIN) || !IsRetryable(err) {
		t.Fatalf("got %v, want EAGAIN", err)
	}

	u, err := m.GetUser(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); u.U != "user0001" || n != 3 {
		t.Errorf("got %+v after %d calls", u, n)
	}
}

func TestAPIServerErrorRetried(t *testing.T) {
	api := newFakeAPI(t)
	var calls int32
	api.handle("ug", func(map[string]interface{}, url.Values) (int, interface{}) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return http.StatusInternalServerError, json.RawMessage(`oops`)
		}
		return http.StatusOK, map[string]interface{}{"u": "user0001"}
	})
	if _, err := api.client().GetUser(context.Background()); err != nil {
		t.Fatal(err)
	}
	reqs := api.requests()
	if len(reqs) != 2 || reqs[0].Get("id") != reqs[1].Get("id") {
		t.Errorf("retry should reuse the sequence number: %v", reqs)
	}
}

func TestAPIHashcash(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", userReply())
	api.challenge = "1:255:0:" + testHashcashToken
	m := api.client()

	if _, err := m.GetUser(context.Background()); err != nil {
		t.Fatal(err)
	}
	answers := api.hashcashAnswers()
	if len(answers) != 1 || answers[0] != "1:"+testHashcashToken+":AQAAAA" {
		t.Errorf("answers %v", answers)
	}
	reqs := api.requests()
	if len(reqs) != 2 || reqs[0].Get("id") != reqs[1].Get("id") {
		t.Errorf("requests %v", reqs)
	}
}

func TestAPIHashcashRejected(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", userReply())
	api.challenge = "1:255:0:" + testHashcashToken
	api.rejectAnswers = true

	_, err := api.client().GetUser(context.Background())
	if !errors.Is(err, ErrChallengeFailed) {
		t.Errorf("got %v, want ErrChallengeFailed", err)
	}
}

func TestAPIBadChallenge(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", reply(http.StatusPaymentRequired, 0))
	_, err := api.client().GetUser(context.Background())
	if !errors.Is(err, EBADRESP) {
		t.Errorf("got %v, want EBADRESP", err)
	}
}

func TestAPIExpiredSession(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", reply(http.StatusOK, -15))
	m := api.client()
	m.setSession("SESSION", make([]byte, 16))

	if _, err := m.GetUser(context.Background()); !errors.Is(err, ESID) {
		t.Fatalf("got %v, want ESID", err)
	}
	if m.State() != Invalid {
		t.Errorf("state %v", m.State())
	}
	if _, err := m.masterKey(); err != ErrSessionInvalid {
		t.Errorf("master key still usable: %v", err)
	}
}

func TestAPIRateLimit(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", userReply())
	m := api.client()
	m.SetRateLimit(1, 50*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := m.GetUser(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("3 requests took %v", elapsed)
	}
}

func TestAPISetRateLimitWhileRequesting(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", userReply())
	m := api.client()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := m.GetUser(context.Background()); err != nil {
				t.Error(err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			m.SetRateLimit(1000+i, time.Second)
		}(i)
	}
	wg.Wait()
	if len(api.requests()) != 10 {
		t.Errorf("%d requests", len(api.requests()))
	}
}

func TestAPICancelled(t *testing.T) {
	api := newFakeAPI(t)
	api.handle("ug", userReply())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := api.client().GetUser(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
