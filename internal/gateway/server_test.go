package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/wecom-gateway/internal/backend"
	"github.com/mattjoyce/wecom-gateway/internal/events"
	"github.com/mattjoyce/wecom-gateway/internal/gateway/mocks"
	"github.com/mattjoyce/wecom-gateway/internal/log"
	"github.com/mattjoyce/wecom-gateway/internal/message"
	"github.com/mattjoyce/wecom-gateway/internal/msgcrypt"
)

const (
	testToken  = "QDG6eK"
	testAESKey = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"
	testCorpID = "wx5823bf96d3bd56c7"
	testTS     = "1409659813"
	testNonce  = "1372623149"
)

var testFallbacks = Fallbacks{
	Timeout:     "AI 处理超时，请稍后再试",
	Unavailable: "AI 暂时不可用",
	Empty:       "抱歉，AI 未返回有效回复",
	Failure:     "抱歉，处理你的消息时遇到了问题，请稍后再试。",
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	crypter  *msgcrypt.Crypter
	backend  *mocks.MockBackend
	platform *mocks.MockPlatform
	hub      *events.Hub
}

func newTestCrypter(t *testing.T, corpID string) *msgcrypt.Crypter {
	t.Helper()
	c, err := msgcrypt.New(testToken, testAESKey, corpID)
	require.NoError(t, err)
	return c
}

func newTestEnv(t *testing.T, mutate func(*Config, *Deps)) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)

	env := &testEnv{
		crypter:  newTestCrypter(t, testCorpID),
		backend:  mocks.NewMockBackend(ctrl),
		platform: mocks.NewMockPlatform(ctrl),
		hub:      events.NewHub(100),
	}

	cfg := Config{
		Listen:         "127.0.0.1:0",
		Channel:        "wecom",
		ServiceName:    "wecom-gateway",
		Version:        "test",
		BackendTimeout: 2 * time.Second,
		MaxConcurrent:  4,
		Fallback:       testFallbacks,
		MetricsEnabled: true,
	}
	deps := Deps{
		Codec:    env.crypter,
		Backend:  env.backend,
		Platform: env.platform,
		Hub:      env.hub,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	env.server = New(cfg, deps, log.Discard())
	env.handler = env.server.Handler()
	return env
}

// wait drains detached tasks so mock expectations can be checked.
func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.server.exec.Shutdown(ctx))
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func challengeRequest(t *testing.T, c *msgcrypt.Crypter, plain string) *http.Request {
	t.Helper()
	echostr, err := c.Encrypt(plain)
	require.NoError(t, err)

	q := url.Values{}
	q.Set("msg_signature", c.Sign(testTS, testNonce, echostr))
	q.Set("timestamp", testTS)
	q.Set("nonce", testNonce)
	q.Set("echostr", echostr)
	return httptest.NewRequest(http.MethodGet, "/webhooks/wecom?"+q.Encode(), nil)
}

func callbackRequest(t *testing.T, c *msgcrypt.Crypter, inner string) *http.Request {
	t.Helper()
	body, err := message.EncryptedReply(c, inner, testTS, testNonce)
	require.NoError(t, err)
	encrypted, err := message.ExtractEncrypt(body)
	require.NoError(t, err)

	q := url.Values{}
	q.Set("msg_signature", c.Sign(testTS, testNonce, encrypted))
	q.Set("timestamp", testTS)
	q.Set("nonce", testNonce)
	return httptest.NewRequest(http.MethodPost, "/webhooks/wecom?"+q.Encode(), strings.NewReader(string(body)))
}

func textXML(from, content, msgID string) string {
	return "<xml><ToUserName><![CDATA[" + testCorpID + "]]></ToUserName>" +
		"<FromUserName><![CDATA[" + from + "]]></FromUserName>" +
		"<CreateTime>1409659813</CreateTime><MsgType><![CDATA[text]]></MsgType>" +
		"<Content><![CDATA[" + content + "]]></Content>" +
		"<MsgId>" + msgID + "</MsgId><AgentID>1</AgentID></xml>"
}

func TestChallengeEchoesDecryptedEchostr(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(challengeRequest(t, env.crypter, "1234567890"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1234567890", rr.Body.String())
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain"))
}

func TestChallengeMissingParams(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, drop := range []string{"msg_signature", "timestamp", "nonce", "echostr"} {
		t.Run(drop, func(t *testing.T) {
			req := challengeRequest(t, env.crypter, "1234567890")
			q := req.URL.Query()
			q.Del(drop)
			req.URL.RawQuery = q.Encode()

			rr := env.do(req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.JSONEq(t, `{"error":"bad request"}`, rr.Body.String())
		})
	}
}

func TestChallengeBadSignature(t *testing.T) {
	env := newTestEnv(t, nil)

	req := challengeRequest(t, env.crypter, "1234567890")
	q := req.URL.Query()
	q.Set("timestamp", "1409659814")
	req.URL.RawQuery = q.Encode()

	rr := env.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, rr.Body.String())
}

func TestChallengeTenantMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	other := newTestCrypter(t, "wwSomeOtherCorp")

	rr := env.do(challengeRequest(t, other, "1234567890"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestChallengeMalformedCiphertext(t *testing.T) {
	env := newTestEnv(t, nil)

	q := url.Values{}
	q.Set("msg_signature", env.crypter.Sign(testTS, testNonce, "not-base64!"))
	q.Set("timestamp", testTS)
	q.Set("nonce", testNonce)
	q.Set("echostr", "not-base64!")

	rr := env.do(httptest.NewRequest(http.MethodGet, "/webhooks/wecom?"+q.Encode(), nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCallbackHelloIsAcknowledgedAndReplied(t *testing.T) {
	env := newTestEnv(t, nil)

	release := make(chan struct{})
	env.backend.EXPECT().Invoke(gomock.Any(), "hello", "U1").DoAndReturn(
		func(ctx context.Context, text, user string) (string, error) {
			<-release
			return "hi U1", nil
		})
	env.platform.EXPECT().SendText(gomock.Any(), "U1", "hi U1").Return(nil).Times(1)

	rr := env.do(callbackRequest(t, env.crypter, textXML("U1", "hello", "1001")))

	// The ack is written while the backend is still blocked.
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "success", rr.Body.String())

	close(release)
	env.wait(t)

	var states []events.State
	for _, ev := range env.hub.Since(0) {
		states = append(states, ev.State)
	}
	assert.Equal(t, []events.State{
		events.StateReceived,
		events.StateVerified,
		events.StateDecrypted,
		events.StateAcknowledged,
		events.StateDispatched,
		events.StateReplied,
	}, states)
}

func TestCallbackTamperedSignatureNeverReachesBackend(t *testing.T) {
	env := newTestEnv(t, nil)

	req := callbackRequest(t, env.crypter, textXML("U1", "hello", "1002"))
	q := req.URL.Query()
	sig := q.Get("msg_signature")
	q.Set("msg_signature", "0"+sig[1:])
	if sig[0] == '0' {
		q.Set("msg_signature", "1"+sig[1:])
	}
	req.URL.RawQuery = q.Encode()

	rr := env.do(req)
	env.wait(t)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, rr.Body.String())
}

func TestCallbackBackendTimeoutSendsFallback(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.BackendTimeout = 50 * time.Millisecond
	})

	// The backend reports the raw context error, not backend.ErrTimeout.
	env.backend.EXPECT().Invoke(gomock.Any(), "hello", "U1").DoAndReturn(
		func(ctx context.Context, text, user string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
	env.platform.EXPECT().SendText(gomock.Any(), "U1", testFallbacks.Timeout).Return(nil)

	rr := env.do(callbackRequest(t, env.crypter, textXML("U1", "hello", "1003")))
	assert.Equal(t, "success", rr.Body.String())
	env.wait(t)
}

func TestCallbackBackendIgnoringDeadlineStillGetsFallback(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.BackendTimeout = 50 * time.Millisecond
	})

	release := make(chan struct{})
	defer close(release)
	sent := make(chan string, 1)

	env.backend.EXPECT().Invoke(gomock.Any(), "hello", "U1").DoAndReturn(
		func(context.Context, string, string) (string, error) {
			<-release
			return "too late", nil
		})
	env.platform.EXPECT().SendText(gomock.Any(), "U1", testFallbacks.Timeout).DoAndReturn(
		func(_ context.Context, _, text string) error {
			sent <- text
			return nil
		})

	start := time.Now()
	rr := env.do(callbackRequest(t, env.crypter, textXML("U1", "hello", "1004")))
	assert.Equal(t, "success", rr.Body.String())

	select {
	case text := <-sent:
		assert.Equal(t, testFallbacks.Timeout, text)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(time.Second):
		t.Fatal("fallback not sent while the backend was still running")
	}
	env.wait(t)
}

func TestCallbackImageFetchDeadlineSendsTimeoutFallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	vb := visionBackend{
		MockBackend:         mocks.NewMockBackend(ctrl),
		MockVisionBackend:   mocks.NewMockVisionBackend(ctrl),
		MockHistoryRecorder: mocks.NewMockHistoryRecorder(ctrl),
	}
	env := newTestEnv(t, func(cfg *Config, deps *Deps) {
		cfg.BackendTimeout = 50 * time.Millisecond
		deps.Backend = vb
	})

	env.platform.EXPECT().FetchMedia(gomock.Any(), "MEDIA_2").DoAndReturn(
		func(ctx context.Context, mediaID string) ([]byte, string, error) {
			<-ctx.Done()
			return nil, "", ctx.Err()
		})
	env.platform.EXPECT().SendText(gomock.Any(), "U1", testFallbacks.Timeout).Return(nil)

	inner := "<xml><FromUserName>U1</FromUserName><MsgType>image</MsgType>" +
		"<MediaId>MEDIA_2</MediaId><MsgId>8003</MsgId></xml>"
	rr := env.do(callbackRequest(t, env.crypter, inner))
	assert.Equal(t, "success", rr.Body.String())
	env.wait(t)
}

func TestCallbackBackendErrorsMapToFallbacks(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "no reply", err: backend.ErrNoReply, want: testFallbacks.Empty},
		{name: "backend error", err: &backend.Error{Backend: "subprocess", Err: errors.New("exit 1")}, want: testFallbacks.Unavailable},
		{name: "wrapped timeout", err: backend.ErrTimeout, want: testFallbacks.Timeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.backend.EXPECT().Invoke(gomock.Any(), "hello", "U1").Return("", tt.err)
			env.platform.EXPECT().SendText(gomock.Any(), "U1", tt.want).Return(nil)

			rr := env.do(callbackRequest(t, env.crypter, textXML("U1", "hello", "2001")))
			assert.Equal(t, "success", rr.Body.String())
			env.wait(t)
		})
	}
}

func TestCallbackSendFailureSendsFailureNoticeOnce(t *testing.T) {
	env := newTestEnv(t, nil)

	env.backend.EXPECT().Invoke(gomock.Any(), "hello", "U1").Return("hi U1", nil)
	gomock.InOrder(
		env.platform.EXPECT().SendText(gomock.Any(), "U1", "hi U1").Return(errors.New("errcode 45009")),
		env.platform.EXPECT().SendText(gomock.Any(), "U1", testFallbacks.Failure).Return(errors.New("still down")),
	)

	env.do(callbackRequest(t, env.crypter, textXML("U1", "hello", "3001")))
	env.wait(t)

	snap := env.hub.Since(0)
	require.NotEmpty(t, snap)
	assert.Equal(t, events.StateFailed, snap[len(snap)-1].State)
}

func TestCallbackMissingParams(t *testing.T) {
	env := newTestEnv(t, nil)

	req := callbackRequest(t, env.crypter, textXML("U1", "hello", "4001"))
	q := req.URL.Query()
	q.Del("nonce")
	req.URL.RawQuery = q.Encode()

	rr := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCallbackMalformedBodies(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "no encrypt element", body: "<xml><ToUserName>x</ToUserName></xml>"},
		{name: "not xml", body: "hello"},
		{name: "empty", body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := url.Values{}
			q.Set("msg_signature", env.crypter.Sign(testTS, testNonce, ""))
			q.Set("timestamp", testTS)
			q.Set("nonce", testNonce)

			rr := env.do(httptest.NewRequest(http.MethodPost, "/webhooks/wecom?"+q.Encode(), strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestCallbackUnparsableInnerXML(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(callbackRequest(t, env.crypter, "<xml><FromUserName>U1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCallbackBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.MaxBodySize = 64
	})

	rr := env.do(callbackRequest(t, env.crypter, textXML("U1", strings.Repeat("x", 200), "5001")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestCallbackDuplicateIsAcknowledgedWithoutDispatch(t *testing.T) {
	var dedupe *mocks.MockDeduper
	env := newTestEnv(t, func(_ *Config, deps *Deps) {
		dedupe = mocks.NewMockDeduper(gomock.NewController(t))
		deps.Dedupe = dedupe
	})

	gomock.InOrder(
		dedupe.EXPECT().MarkSeen(gomock.Any(), "6001", "U1", "text").Return(false, nil),
		dedupe.EXPECT().MarkSeen(gomock.Any(), "6001", "U1", "text").Return(true, nil),
	)
	env.backend.EXPECT().Invoke(gomock.Any(), "hello", "U1").Return("hi", nil).Times(1)
	env.platform.EXPECT().SendText(gomock.Any(), "U1", "hi").Return(nil).Times(1)

	for i := 0; i < 2; i++ {
		rr := env.do(callbackRequest(t, env.crypter, textXML("U1", "hello", "6001")))
		assert.Equal(t, "success", rr.Body.String())
	}
	env.wait(t)
}

func TestCallbackDedupeErrorStillDispatches(t *testing.T) {
	var dedupe *mocks.MockDeduper
	env := newTestEnv(t, func(_ *Config, deps *Deps) {
		dedupe = mocks.NewMockDeduper(gomock.NewController(t))
		deps.Dedupe = dedupe
	})

	dedupe.EXPECT().MarkSeen(gomock.Any(), "7001", "U1", "text").Return(false, errors.New("database is locked"))
	env.backend.EXPECT().Invoke(gomock.Any(), "hello", "U1").Return("hi", nil)
	env.platform.EXPECT().SendText(gomock.Any(), "U1", "hi").Return(nil)

	rr := env.do(callbackRequest(t, env.crypter, textXML("U1", "hello", "7001")))
	assert.Equal(t, "success", rr.Body.String())
	env.wait(t)
}

func TestCallbackRefusedDuringShutdownIsForgotten(t *testing.T) {
	var dedupe *mocks.MockDeduper
	env := newTestEnv(t, func(_ *Config, deps *Deps) {
		dedupe = mocks.NewMockDeduper(gomock.NewController(t))
		deps.Dedupe = dedupe
	})
	env.wait(t)

	gomock.InOrder(
		dedupe.EXPECT().MarkSeen(gomock.Any(), "7101", "U1", "text").Return(false, nil),
		dedupe.EXPECT().Forget(gomock.Any(), "7101").Return(nil),
	)

	rr := env.do(callbackRequest(t, env.crypter, textXML("U1", "hello", "7101")))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"error":"service unavailable"}`, rr.Body.String())

	var states []events.State
	for _, ev := range env.hub.Since(0) {
		states = append(states, ev.State)
	}
	assert.NotContains(t, states, events.StateAcknowledged)
	assert.Contains(t, states, events.StateRejected)
}

type visionBackend struct {
	*mocks.MockBackend
	*mocks.MockVisionBackend
	*mocks.MockHistoryRecorder
}

func TestCallbackImageWithVisionBackend(t *testing.T) {
	ctrl := gomock.NewController(t)
	vb := visionBackend{
		MockBackend:         mocks.NewMockBackend(ctrl),
		MockVisionBackend:   mocks.NewMockVisionBackend(ctrl),
		MockHistoryRecorder: mocks.NewMockHistoryRecorder(ctrl),
	}
	env := newTestEnv(t, func(_ *Config, deps *Deps) {
		deps.Backend = vb
	})

	img := []byte{0xff, 0xd8, 0xff}
	env.platform.EXPECT().FetchMedia(gomock.Any(), "MEDIA_1").Return(img, "image/jpeg", nil)
	vb.MockVisionBackend.EXPECT().InvokeImage(gomock.Any(), img, "image/jpeg", "U1").Return("a cat", nil)
	vb.MockHistoryRecorder.EXPECT().Record(gomock.Any(), "U1", "[image] a cat").Return(nil)
	env.platform.EXPECT().SendText(gomock.Any(), "U1", "a cat").Return(nil)

	inner := "<xml><FromUserName>U1</FromUserName><MsgType>image</MsgType>" +
		"<PicUrl>https://example.com/p.jpg</PicUrl><MediaId>MEDIA_1</MediaId><MsgId>8001</MsgId></xml>"
	rr := env.do(callbackRequest(t, env.crypter, inner))
	assert.Equal(t, "success", rr.Body.String())
	env.wait(t)
}

func TestCallbackImageWithoutVisionIsDropped(t *testing.T) {
	env := newTestEnv(t, nil)

	inner := "<xml><FromUserName>U1</FromUserName><MsgType>image</MsgType>" +
		"<MediaId>MEDIA_1</MediaId><MsgId>8002</MsgId></xml>"
	rr := env.do(callbackRequest(t, env.crypter, inner))
	assert.Equal(t, "success", rr.Body.String())
	env.wait(t)
}

func TestCallbackEventIsDropped(t *testing.T) {
	env := newTestEnv(t, nil)

	inner := "<xml><FromUserName>U1</FromUserName><MsgType>event</MsgType><Event>enter_agent</Event></xml>"
	rr := env.do(callbackRequest(t, env.crypter, inner))
	assert.Equal(t, "success", rr.Body.String())
	env.wait(t)
}

func TestUnknownChannel(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/webhooks/slack?echostr=x", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "wecom-gateway", resp.Service)
	assert.Equal(t, "test", resp.Version)
}

func TestMetricsAndEventsRequireToken(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.MetricsToken = "ops-token"
	})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	env.do(challengeRequest(t, env.crypter, "1234567890"))

	req := httptest.NewRequest(http.MethodGet, "/events?since=0", nil)
	req.Header.Set("Authorization", "Bearer ops-token")
	rr = env.do(req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, events.StateReceived, resp.Events[0].State)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer ops-token")
	rr = env.do(req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "wecom_gateway_http_requests_total")
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.MetricsEnabled = false
	})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStartAndShutdown(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStartDrainsTasksWhenConnectionsOutliveShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.Listen = addr
	})
	env.server.stopTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Start(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	// A body that never completes keeps the connection active.
	_, err = fmt.Fprintf(conn, "POST /webhooks/wecom?msg_signature=s&timestamp=t&nonce=n HTTP/1.1\r\n"+
		"Host: %s\r\nContent-Length: 1024\r\n\r\n<xml>", addr)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err = env.server.exec.Go(context.Background(), "late", func(context.Context, string) {})
	assert.ErrorIs(t, err, ErrExecutorClosed, "executor drained despite the shutdown error")
}
