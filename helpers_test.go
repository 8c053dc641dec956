package mega

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// apiHandler answers one command. It returns the status code and the
// reply: an int is sent as a bare status, a json.RawMessage as it is,
// anything else as the only element of the reply array.
type apiHandler func(req map[string]interface{}, q url.Values) (int, interface{})

// fakeAPI is a small stand in for the API and download servers
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]apiHandler
	queries  []url.Values
	files    map[string][]byte

	// challenge sent while a request carries no (or a wrong) answer
	challenge string
	// keep challenging requests which answered
	rejectAnswers bool
	answers       []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{
		t:        t,
		handlers: make(map[string]apiHandler),
		files:    make(map[string][]byte),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/cs", f.serveAPI)
	mux.HandleFunc("/dl/", f.serveFile)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) handle(cmd string, h apiHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[cmd] = h
}

// reply makes a handler with a fixed answer
func reply(status int, v interface{}) apiHandler {
	return func(map[string]interface{}, url.Values) (int, interface{}) {
		return status, v
	}
}

func (f *fakeAPI) serveAPI(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.t.Errorf("reading request: %v", err)
		return
	}
	var reqs []map[string]interface{}
	if err := json.Unmarshal(body, &reqs); err != nil || len(reqs) != 1 {
		f.t.Errorf("bad request body %s: %v", body, err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.queries = append(f.queries, r.URL.Query())
	challenge, rejectAnswers := f.challenge, f.rejectAnswers
	answer := r.Header.Get(hashcashHeader)
	if answer != "" {
		f.answers = append(f.answers, answer)
	}
	h := f.handlers[reqs[0]["a"].(string)]
	f.mu.Unlock()

	if challenge != "" {
		c, _ := parseHashcash(challenge)
		if rejectAnswers || !strings.HasPrefix(answer, "1:"+c.tokenStr+":") {
			w.Header().Set(hashcashHeader, challenge)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
	}

	if h == nil {
		f.t.Errorf("unexpected command %v", reqs[0]["a"])
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	status, v := h(reqs[0], r.URL.Query())
	w.WriteHeader(status)
	switch v := v.(type) {
	case json.RawMessage:
		_, _ = w.Write(v)
	case int:
		_ = json.NewEncoder(w).Encode(v)
	default:
		_ = json.NewEncoder(w).Encode([]interface{}{v})
	}
}

// serveFile serves /dl/<name>/<start>-<end>
func (f *fakeAPI) serveFile(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/dl/")
	name, rng, _ := strings.Cut(rest, "/")
	f.mu.Lock()
	data, ok := f.files[name]
	f.mu.Unlock()
	from, to, _ := strings.Cut(rng, "-")
	start, err1 := strconv.ParseInt(from, 10, 64)
	end, err2 := strconv.ParseInt(to, 10, 64)
	if !ok || err1 != nil || err2 != nil || start > end || end >= int64(len(data)) {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data[start : end+1])
}

// fileURL is the download url of a served file
func (f *fakeAPI) fileURL(name string, data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = data
	return f.srv.URL + "/dl/" + name
}

func (f *fakeAPI) requests() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.queries...)
}

func (f *fakeAPI) hashcashAnswers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers...)
}

func (f *fakeAPI) client() *Mega {
	cfg := DefaultConfig()
	cfg.SetAPIUrl(f.srv.URL)
	cfg.Retries = 3
	cfg.RateLimit = RateLimitConfig{Requests: 1000, Period: time.Second}
	m := NewWithConfig(cfg)
	m.SetClient(f.srv.Client())
	m.SetLogger(testLogger(f.t))
	return m
}
