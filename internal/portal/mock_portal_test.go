package portal

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// mockPortal imitates the portal endpoints. Tokens are bound to the WMONID
// they were issued under and rejected when presented with another one.
type mockPortal struct {
	t *testing.T

	mu            sync.Mutex
	seq           int
	answer        string
	noExpires     bool
	failStatus    int
	noResults     bool
	issued        map[string]string // encCsNo -> WMONID
	sessions      map[string]string // JSESSIONID -> WMONID
	landingCalls  int
	captchaCalls  int
	searchCalls   int
	progressCalls int
	lastSearch    map[string]string
	lastLanding   string

	bounceProgress int // progress requests answered with an HTML page
}

func newMockPortal(t *testing.T) (*mockPortal, *httptest.Server) {
	t.Helper()
	m := &mockPortal{
		t:        t,
		answer:   "123456",
		issued:   map[string]string{},
		sessions: map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ssgo/index.on", m.landing)
	mux.HandleFunc("/ssgo/ssgo10l/getCaptchaInf.on", m.captcha)
	mux.HandleFunc("/ssgo/ssgo10l/selectHmpgMain.on", m.search)
	mux.HandleFunc("/ssgo/ssgo102/selectHmpgFmlyCsProgCtt.on", m.progress)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return m, srv
}

func (m *mockPortal) landing(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landingCalls++
	m.lastLanding = r.Header.Get("Cookie")
	if m.failStatus != 0 {
		w.WriteHeader(m.failStatus)
		return
	}
	m.seq++
	wmonid := ""
	if c, err := r.Cookie("WMONID"); err == nil {
		wmonid = c.Value
	} else {
		wmonid = fmt.Sprintf("WM%04d", m.seq)
		ck := &http.Cookie{Name: "WMONID", Value: wmonid, Path: "/"}
		if !m.noExpires {
			ck.Expires = time.Date(2099, 1, 2, 3, 4, 5, 0, time.UTC)
		}
		http.SetCookie(w, ck)
	}
	js := fmt.Sprintf("JS%04d", m.seq)
	m.sessions[js] = wmonid
	http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: js, Path: "/"})
	_, _ = w.Write([]byte("<html></html>"))
}

// identity resolves the WMONID of a request and checks it matches its JSESSIONID.
func (m *mockPortal) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	wm, err1 := r.Cookie("WMONID")
	js, err2 := r.Cookie("JSESSIONID")
	if err1 != nil || err2 != nil || m.sessions[js.Value] != wm.Value {
		m.writeJSON(w, map[string]any{"errMsg": "세션이 만료되었습니다."})
		return "", false
	}
	return wm.Value, true
}

func (m *mockPortal) captcha(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captchaCalls++
	if m.failStatus != 0 {
		w.WriteHeader(m.failStatus)
		return
	}
	if _, ok := m.identity(w, r); !ok {
		return
	}
	img := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("captcha-image"))
	m.writeJSON(w, map[string]any{
		"data": map[string]any{
			"dma_captchaInf": map[string]any{"image": img, "answer": fmt.Sprintf("challenge-%d", m.captchaCalls)},
		},
	})
}

func (m *mockPortal) search(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchCalls++
	if r.Header.Get("submissionid") != submitSearch {
		m.t.Errorf("search submissionid = %q", r.Header.Get("submissionid"))
	}
	wmonid, ok := m.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Search map[string]string `json:"dma_search"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.t.Errorf("decode search: %v", err)
		return
	}
	m.lastSearch = req.Search
	if req.Search["answer"] != m.answer {
		m.writeJSON(w, map[string]any{"errMsg": "자동입력 방지문자가 일치하지 않습니다."})
		return
	}
	if m.noResults {
		m.writeJSON(w, map[string]any{"errMsg": "조회된 사건이 없습니다."})
		return
	}
	enc := fmt.Sprintf("ENC-%s-%s", req.Search["csNoHistLst"], wmonid)
	m.issued[enc] = wmonid
	m.writeJSON(w, map[string]any{
		"data": map[string]any{"dlt_csNoHistLst": []map[string]string{{"encCsNo": enc}}},
	})
}

func (m *mockPortal) progress(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressCalls++
	wmonid, ok := m.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Search map[string]string `json:"dma_search"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.t.Errorf("decode progress: %v", err)
		return
	}
	if m.bounceProgress > 0 {
		m.bounceProgress--
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, "<html><body>session expired</body></html>")
		return
	}
	if m.issued[req.Search["encCsNo"]] != wmonid {
		m.writeJSON(w, map[string]any{"errMsg": "잘못된 접근입니다."})
		return
	}
	m.writeJSON(w, map[string]any{
		"data": map[string]any{
			"dlt_csProgCtt": []map[string]any{
				{"progYmd": "20240105", "progCtt": "소장접수"},
				{"progYmd": "20240220", "progCtt": "변론기일", "progRslt": "속행"},
			},
		},
	})
}

func (m *mockPortal) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.t.Errorf("encode: %v", err)
	}
}

func (m *mockPortal) counts() (landing, captcha, search, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.landingCalls, m.captchaCalls, m.searchCalls, m.progressCalls
}
