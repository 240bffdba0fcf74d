package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-remote/internal/config"
	"github.com/e7canasta/orion-remote/internal/hub"
	"github.com/e7canasta/orion-remote/internal/types"
)

const testMasterCode = "open-sesame"

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
instance_id: remote-test
shutdown_timeout_s: 3
server:
  listen: "127.0.0.1:0"
auth:
  master_code: %q
  credentials_path: %q
  token_secret: "0123456789abcdef0123"
capture:
  backend: mock
  width: 32
  height: 24
  proof_duration_ms: 300
  batch_pace_ms: 5
%s`, testMasterCode, filepath.Join(t.TempDir(), "users.yaml"), extra)

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

// startRemote runs r until the test ends and returns its base address
func startRemote(t *testing.T, cfg *config.Config) (*Remote, string) {
	t.Helper()

	r, err := NewRemote(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer addrCancel()
	addr, err := r.Addr(addrCtx)
	require.NoError(t, err)

	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), r.ShutdownTimeout())
		defer shutdownCancel()
		assert.NoError(t, r.Shutdown(shutdownCtx))
		cancel()
		assert.NoError(t, <-runErr)
	})
	return r, addr.String()
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
	seen []types.Event
}

func dialHub(t *testing.T, addr string) *wsClient {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{hub.SubprotocolJSON}, HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial("ws://"+addr+"/hub", nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) read() (types.Event, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return types.Event{}, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return types.Event{}, err
	}
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Event{}, err
	}
	c.seen = append(c.seen, ev)
	return ev, nil
}

// call sends an invocation and reads until its terminal status
func (c *wsClient) call(method string, params map[string]interface{}) types.Event {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("c-%d", c.seq)
	require.NoError(c.t, c.conn.WriteJSON(types.Invocation{ID: id, Method: method, Params: params}))
	for {
		ev, err := c.read()
		require.NoError(c.t, err)
		if ev.Name == types.EventStatus && ev.ReplyTo == id {
			return ev
		}
	}
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRemote_HealthEndpoints(t *testing.T) {
	_, addr := startRemote(t, testConfig(t, ""))

	code, body := httpGet(t, "http://"+addr+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"alive"`)

	code, body = httpGet(t, "http://"+addr+"/readiness")
	assert.Equal(t, http.StatusOK, code)
	var health HealthStatus
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "remote-test", health.InstanceID)
	assert.False(t, health.MQTTEnabled)

	code, body = httpGet(t, "http://"+addr+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "# TYPE remote_invocations_total counter")
	assert.Contains(t, body, "remote_connections 0")
	assert.NotContains(t, body, "remote_mqtt_connected")
}

func TestRemote_EndToEnd(t *testing.T) {
	r, addr := startRemote(t, testConfig(t, ""))

	c := dialHub(t, addr)
	greeting, err := c.read()
	require.NoError(t, err)
	assert.Equal(t, types.StatusAuth, greeting.Type)
	assert.True(t, greeting.OK)

	st := c.call("GetScreenshot", nil)
	assert.False(t, st.OK)
	assert.Equal(t, "not authorized", st.Message)

	st = c.call("SubmitSetupCode", map[string]interface{}{"code": testMasterCode})
	require.True(t, st.OK, st.Message)
	st = c.call("RegisterUser", map[string]interface{}{"username": "alice", "password": "s3cret"})
	require.True(t, st.OK, st.Message)

	st = c.call("GetScreenshot", nil)
	require.True(t, st.OK, st.Message)

	var images int
	for _, ev := range c.seen {
		if ev.Name == types.EventImage {
			images++
			assert.Equal(t, types.ImageScreenshot, ev.Kind)
			assert.NotEmpty(t, ev.Data)
		}
	}
	assert.Equal(t, 1, images)

	health := r.HealthCheck()
	assert.Equal(t, int64(1), health.Connections)
	assert.Equal(t, 1, health.Sessions)
	t.Logf("health after end-to-end run: %+v", health)

	code, body := httpGet(t, "http://"+addr+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "remote_not_authorized_total 1")
}

func TestRemote_ShutdownClosesControllers(t *testing.T) {
	r, err := NewRemote(testConfig(t, ""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer addrCancel()
	addr, err := r.Addr(addrCtx)
	require.NoError(t, err)

	c := dialHub(t, addr.String())
	_, err = c.read()
	require.NoError(t, err)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	require.NoError(t, r.Shutdown(shutdownCtx))

	for {
		_, err = c.read()
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.NoError(t, <-runErr)
	assert.Equal(t, "unhealthy", r.HealthCheck().Status)

	// idempotent
	require.NoError(t, r.Shutdown(shutdownCtx))
}

func TestRemote_RunTwice(t *testing.T) {
	r, _ := startRemote(t, testConfig(t, ""))
	assert.ErrorIs(t, r.Run(context.Background()), ErrAlreadyRunning)
}

func TestRemote_RunAfterShutdown(t *testing.T) {
	r, err := NewRemote(testConfig(t, ""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer addrCancel()
	_, err = r.Addr(addrCtx)
	require.NoError(t, err)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	require.NoError(t, r.Shutdown(shutdownCtx))
	require.NoError(t, <-runErr)

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, r.Run(context.Background()), ErrShutdown)
	})
	assert.Equal(t, "unhealthy", r.HealthCheck().Status)
}

func TestRemote_ListenerBindFailure(t *testing.T) {
	_, addr := startRemote(t, testConfig(t, ""))

	cfg := testConfig(t, "")
	cfg.Server.Listen = addr
	r, err := NewRemote(cfg)
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to bind"), err.Error())
}

func TestRemote_RedisCredentialStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t, "")
	cfg.Auth.Store = "redis"
	cfg.Auth.Redis = config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "remote-test"}

	_, addr := startRemote(t, cfg)

	c := dialHub(t, addr)
	_, err := c.read()
	require.NoError(t, err)

	st := c.call("SubmitSetupCode", map[string]interface{}{"code": testMasterCode})
	require.True(t, st.OK, st.Message)
	st = c.call("RegisterUser", map[string]interface{}{"username": "Bob", "password": "hunter22"})
	require.True(t, st.OK, st.Message)

	assert.True(t, mr.Exists("remote-test:credentials"))
	fields, err := mr.HKeys("remote-test:credentials")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, fields)

	// a second controller logs in against the same store
	other := dialHub(t, addr)
	_, err = other.read()
	require.NoError(t, err)
	st = other.call("Login", map[string]interface{}{"username": "bob", "password": "hunter22"})
	assert.True(t, st.OK, st.Message)
}
