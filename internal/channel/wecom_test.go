package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"wecombridge/internal/metrics"
	"wecombridge/internal/session"
	"wecombridge/internal/stream"
	"wecombridge/internal/wecom"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "QDG6eK"
	testAESKey = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"
	testNonce  = "n0nce"
	testTS     = "1700000000"
)

type startCall struct{ text, sessionID, streamID string }

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	ch    chan startCall
}

func newFakeStarter() *fakeStarter { return &fakeStarter{ch: make(chan startCall, 8)} }

func (f *fakeStarter) Start(text, sessionID, streamID string) {
	f.mu.Lock()
	f.calls = append(f.calls, startCall{text, sessionID, streamID})
	f.mu.Unlock()
	f.ch <- startCall{text, sessionID, streamID}
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memSessions struct {
	mu     sync.Mutex
	epochs map[string]int
}

func (m *memSessions) SessionID(_ context.Context, base string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return session.EffectiveID(base, m.epochs[base]), nil
}

func (m *memSessions) Reset(_ context.Context, base string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epochs == nil {
		m.epochs = make(map[string]int)
	}
	m.epochs[base]++
	return m.epochs[base], nil
}

type fakeImages struct{}

func (fakeImages) Placeholder(_ context.Context, url string) string {
	return "[图片] /media/" + lastSegment(url)
}

func lastSegment(u string) string { return u[strings.LastIndex(u, "/")+1:] }

type harness struct {
	codec    *wecom.Codec
	registry *stream.Registry
	starter  *fakeStarter
	handler  http.Handler
}

func newHarness(t *testing.T, images Images) *harness {
	t.Helper()
	codec, err := wecom.NewCodec(testToken, testAESKey, "")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := stream.NewRegistry(stream.RegistryConfig{Logger: logger})
	starter := newFakeStarter()
	m := metrics.NewCollector()
	d := NewDispatcher(DispatcherConfig{
		Registry: reg,
		Dedup:    stream.NewDedup(stream.DedupConfig{}),
		Driver:   starter,
		Sessions: &memSessions{},
		Commands: session.NewCommands(nil),
		Images:   images,
		Metrics:  m,
		Logger:   logger,
	})
	w := NewWeCom(WeComConfig{
		Codec:       codec,
		Dispatcher:  d,
		Registry:    reg,
		Metrics:     m,
		MetricsPath: "/metrics",
		Logger:      logger,
		Now:         func() time.Time { return time.Unix(1700000001, 0) },
	})
	return &harness{codec: codec, registry: reg, starter: starter, handler: w.Handler()}
}

func (h *harness) post(t *testing.T, envelope any) *httptest.ResponseRecorder {
	t.Helper()
	plain, err := json.Marshal(envelope)
	require.NoError(t, err)
	enc, err := h.codec.Encrypt(string(plain))
	require.NoError(t, err)
	return h.postRaw(enc, h.codec.Sign(testTS, testNonce, enc))
}

func (h *harness) postRaw(enc, sig string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"encrypt": enc})
	q := url.Values{"msg_signature": {sig}, "timestamp": {testTS}, "nonce": {testNonce}}
	req := httptest.NewRequest(http.MethodPost, "/callback?"+q.Encode(), strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *harness) open(t *testing.T, rr *httptest.ResponseRecorder) wecom.StreamReply {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var sealed wecom.SealedReply
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sealed))
	assert.Equal(t, testNonce, sealed.Nonce)
	assert.Equal(t, int64(1700000001), sealed.Timestamp)
	require.True(t, h.codec.VerifySignature(sealed.MsgSignature, strconv.FormatInt(sealed.Timestamp, 10), sealed.Nonce, sealed.Encrypt))
	plain, err := h.codec.DecryptFor(sealed.Encrypt)
	require.NoError(t, err)
	var reply wecom.StreamReply
	require.NoError(t, json.Unmarshal([]byte(plain), &reply))
	return reply
}

func textMsg(msgid, content string) map[string]any {
	return map[string]any{
		"msgid":    msgid,
		"chattype": "single",
		"from":     map[string]string{"userid": "u1"},
		"msgtype":  "text",
		"text":     map[string]string{"content": content},
	}
}

func pollMsg(msgid, streamID string) map[string]any {
	return map[string]any{
		"msgid":   msgid,
		"msgtype": "stream",
		"from":    map[string]string{"userid": "u1"},
		"stream":  map[string]string{"id": streamID},
	}
}

func TestWeCom_VerifyURL(t *testing.T) {
	h := newHarness(t, nil)
	echo, err := h.codec.Encrypt("hello")
	require.NoError(t, err)

	q := url.Values{
		"msg_signature": {h.codec.Sign(testTS, testNonce, echo)},
		"timestamp":     {testTS},
		"nonce":         {testNonce},
		"echostr":       {echo},
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello", rr.Body.String())
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))

	q.Set("msg_signature", strings.Repeat("0", 40))
	rr = httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestWeCom_VerifyDecryptFailure(t *testing.T) {
	h := newHarness(t, nil)
	echo := "bm90LWEtYmxvY2s="
	q := url.Values{
		"msg_signature": {h.codec.Sign(testTS, testNonce, echo)},
		"timestamp":     {testTS},
		"nonce":         {testNonce},
		"echostr":       {echo},
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/callback?"+q.Encode(), nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestWeCom_MessageThenPoll(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.open(t, h.post(t, textMsg("m1", "hello")))
	assert.Equal(t, wecom.MsgTypeStream, reply.MsgType)
	assert.False(t, reply.Stream.Finish)
	assert.Equal(t, ThinkingPlaceholder, reply.Stream.Content)

	call := <-h.starter.ch
	assert.Equal(t, startCall{"hello", "wecom_bot_u1", reply.Stream.ID}, call)

	// Platform retry of the same message is acknowledged without a new stream.
	rr := h.post(t, textMsg("m1", "hello"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, 1, h.starter.count())

	poll := h.open(t, h.post(t, pollMsg("p1", reply.Stream.ID)))
	assert.Equal(t, ThinkingPlaceholder, poll.Stream.Content)
	assert.False(t, poll.Stream.Finish)

	h.registry.Append(reply.Stream.ID, "Hel")
	poll = h.open(t, h.post(t, pollMsg("p2", reply.Stream.ID)))
	assert.Equal(t, "Hel", poll.Stream.Content)

	h.registry.Finish(reply.Stream.ID, "Hi there")
	poll = h.open(t, h.post(t, pollMsg("p3", reply.Stream.ID)))
	assert.Equal(t, "Hi there", poll.Stream.Content)
	assert.True(t, poll.Stream.Finish)

	rr = h.post(t, pollMsg("p3", reply.Stream.ID))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String(), "duplicate poll")
}

func TestWeCom_EmptyAcks(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string]any{
		"unknown stream": pollMsg("p1", "nope"),
		"event": map[string]any{
			"msgid": "e1", "msgtype": "event",
			"event": map[string]string{"eventtype": "enter_chat"},
		},
		"empty text": textMsg("m2", "   "),
		"image without media": map[string]any{
			"msgid": "i1", "msgtype": "image",
			"image": map[string]string{"url": "https://example.com/i"},
		},
		"file": map[string]any{"msgid": "f1", "msgtype": "file"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			rr := h.post(t, env)
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Empty(t, rr.Body.String())
		})
	}
	assert.Zero(t, h.starter.count())
}

func TestWeCom_GroupMentionAndSession(t *testing.T) {
	h := newHarness(t, nil)
	env := map[string]any{
		"msgid": "g1", "chatid": "c9", "chattype": "group",
		"from": map[string]string{"userid": "u1"}, "msgtype": "text",
		"text": map[string]string{"content": "@bot what time is it"},
	}
	h.open(t, h.post(t, env))
	call := <-h.starter.ch
	assert.Equal(t, "what time is it", call.text)
	assert.Equal(t, "wecom_group_c9", call.sessionID)
}

func TestWeCom_ResetCommand(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.open(t, h.post(t, textMsg("r1", "/reset")))
	assert.True(t, reply.Stream.Finish)
	assert.Equal(t, session.ReplyReset, reply.Stream.Content)
	assert.Zero(t, h.starter.count())

	st, ok := h.registry.Get(reply.Stream.ID)
	require.True(t, ok)
	assert.True(t, st.Finished)

	h.open(t, h.post(t, textMsg("r2", "hi again")))
	call := <-h.starter.ch
	assert.Equal(t, "wecom_bot_u1_1", call.sessionID)
}

func TestWeCom_ImageMessage(t *testing.T) {
	h := newHarness(t, fakeImages{})
	env := map[string]any{
		"msgid": "i1", "msgtype": "image", "from": map[string]string{"userid": "u1"},
		"image": map[string]string{"url": "https://example.com/pic"},
	}
	reply := h.open(t, h.post(t, env))
	assert.Equal(t, ThinkingPlaceholder, reply.Stream.Content)

	select {
	case call := <-h.starter.ch:
		assert.Equal(t, "[图片] /media/pic", call.text)
		assert.Equal(t, reply.Stream.ID, call.streamID)
	case <-time.After(time.Second):
		t.Fatal("image stream never started")
	}
}

func TestWeCom_RequestErrors(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		req  *http.Request
		code int
	}{
		{"not json", httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("<xml/>")), http.StatusBadRequest},
		{"missing encrypt", httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(`{"foo":1}`)), http.StatusBadRequest},
		{"bad signature", httptest.NewRequest(http.MethodPost, "/callback?msg_signature=x&timestamp=1&nonce=n", strings.NewReader(`{"encrypt":"abc"}`)), http.StatusForbidden},
		{"wrong method", httptest.NewRequest(http.MethodPut, "/callback", nil), http.StatusMethodNotAllowed},
		{"other path", httptest.NewRequest(http.MethodGet, "/other", nil), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.handler.ServeHTTP(rr, tt.req)
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}

func TestWeCom_DecryptFailureAndBadEnvelope(t *testing.T) {
	h := newHarness(t, nil)

	junk := "bm90LWEtYmxvY2s="
	rr := h.postRaw(junk, h.codec.Sign(testTS, testNonce, junk))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	enc, err := h.codec.Encrypt("not json")
	require.NoError(t, err)
	rr = h.postRaw(enc, h.codec.Sign(testTS, testNonce, enc))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWeCom_HealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.Create("")

	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","streams":1}`, rr.Body.String())

	rr = httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "wecombridge_streams_active")
}

func TestWeCom_RecoversPanics(t *testing.T) {
	w := NewWeCom(WeComConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	h := w.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
