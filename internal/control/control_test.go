package control

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-remote/internal/auth"
	"github.com/e7canasta/orion-remote/internal/capture"
	"github.com/e7canasta/orion-remote/internal/dispatch"
	"github.com/e7canasta/orion-remote/internal/types"
)

const testMasterCode = "open-sesame"

type fakeProcesses struct {
	mu      sync.Mutex
	started []string
	killed  []int
	power   []bool
}

func (f *fakeProcesses) List(appsOnly bool) ([]types.ProcessInfo, error) {
	list := []types.ProcessInfo{{ID: 42, Name: "editor", Title: "notes.txt", MemoryBytes: 1 << 20}}
	if !appsOnly {
		list = append(list, types.ProcessInfo{ID: 1, Name: "init"})
	}
	return list, nil
}

func (f *fakeProcesses) Start(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, path)
	return path != ""
}

func (f *fakeProcesses) Kill(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return id == 42
}

func (f *fakeProcesses) PowerAction(restart bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power = append(f.power, restart)
	return true
}

// fakeKeys emits tokens from a goroutine until stopped, or ends by itself
// after the tokens when exitEarly is set
type fakeKeys struct {
	tokens    []string
	exitEarly bool
	quit      chan struct{}
	wg        sync.WaitGroup
	stopped   chan struct{}
	done      chan struct{}
	quitOnce  sync.Once
	doneOnce  sync.Once
}

func newFakeKeys(tokens ...string) *fakeKeys {
	return &fakeKeys{
		tokens:  tokens,
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (k *fakeKeys) Start(onEvent func(token string)) error {
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for _, tok := range k.tokens {
			select {
			case <-k.quit:
				return
			default:
			}
			onEvent(tok)
		}
		if k.exitEarly {
			k.doneOnce.Do(func() { close(k.done) })
			return
		}
		<-k.quit
	}()
	return nil
}

func (k *fakeKeys) Stop() error {
	k.quitOnce.Do(func() {
		close(k.quit)
		k.wg.Wait()
		close(k.stopped)
		k.doneOnce.Do(func() { close(k.done) })
	})
	return nil
}

func (k *fakeKeys) Done() <-chan struct{} { return k.done }

type recordingAuditor struct {
	mu     sync.Mutex
	events []types.AuditEvent
}

func (a *recordingAuditor) Audit(ev types.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

type testEnv struct {
	h        *Handler
	registry *dispatch.Registry
	auth     *auth.Authority
	sup      *capture.Supervisor
	procs    *fakeProcesses
	keys     *fakeKeys
	audit    *recordingAuditor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	hasher, err := auth.NewHasher(auth.HasherConfig{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	store := auth.NewFileStore(filepath.Join(t.TempDir(), "users.yaml"))
	require.NoError(t, store.Load(context.Background()))
	authority, err := auth.NewAuthority(auth.AuthorityConfig{MasterCode: testMasterCode, Store: store, Hasher: hasher})
	require.NoError(t, err)

	sup := capture.NewSupervisor(capture.NewCatalog(capture.CatalogConfig{Backend: "mock"}), capture.SupervisorConfig{Width: 32, Height: 24})
	env := &testEnv{
		registry: dispatch.NewRegistry(),
		auth:     authority,
		sup:      sup,
		procs:    &fakeProcesses{},
		keys:     newFakeKeys("h", "i", "\n", "[BACK]"),
		audit:    &recordingAuditor{},
	}

	env.h, err = NewHandler(Config{
		FrameRate:     10,
		WebcamFPS:     10,
		ProofDuration: 300 * time.Millisecond,
		BatchPace:     5 * time.Millisecond,
	}, Deps{
		Authority: authority,
		Registry:  env.registry,
		Capture:   sup,
		Processes: env.procs,
		Keys:      func() (KeySource, error) { return env.keys, nil },
		Auditor:   env.audit,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		env.h.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return env
}

// testClient is one connected session with a recording transport
type testClient struct {
	t  *testing.T
	h  *Handler
	id string

	mu     sync.Mutex
	events []types.Event
	seq    int
}

func (env *testEnv) connect(t *testing.T, id string) *testClient {
	t.Helper()
	c := &testClient{t: t, h: env.h, id: id}

	outbox, err := env.h.Connect(context.Background(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go outbox.Run(ctx, dispatch.SinkFunc(func(ev types.Event) error {
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
		return nil
	}))
	t.Cleanup(cancel)
	return c
}

// call runs one invocation and returns its terminal status
func (c *testClient) call(method string, params map[string]interface{}) types.Event {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("%s-%d", c.id, c.seq)
	c.h.Handle(c.id, types.Invocation{ID: id, Method: method, Params: params})

	var st types.Event
	require.Eventually(c.t, func() bool {
		for _, ev := range c.snapshot() {
			if ev.Name == types.EventStatus && ev.ReplyTo == id {
				st = ev
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "no terminal status for %s", method)

	// settle, then check there is exactly one
	time.Sleep(10 * time.Millisecond)
	n := 0
	for _, ev := range c.snapshot() {
		if ev.Name == types.EventStatus && ev.ReplyTo == id {
			n++
		}
	}
	assert.Equal(c.t, 1, n, "%s must emit exactly one terminal status", method)
	return st
}

func (c *testClient) snapshot() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Event(nil), c.events...)
}

func (c *testClient) named(name string) []types.Event {
	var out []types.Event
	for _, ev := range c.snapshot() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *testClient) lastServerStatus() string {
	list := c.named(types.EventServerStatus)
	if len(list) == 0 {
		return ""
	}
	return list[len(list)-1].Status
}

func (c *testClient) register(username, password string) {
	c.t.Helper()
	st := c.call("SubmitSetupCode", map[string]interface{}{"code": testMasterCode})
	require.True(c.t, st.OK, st.Message)
	st = c.call("RegisterUser", map[string]interface{}{"username": username, "password": password})
	require.True(c.t, st.OK, st.Message)
}

func TestHandler_ConnectGreets(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")

	require.Eventually(t, func() bool { return len(c.snapshot()) >= 3 }, time.Second, 5*time.Millisecond)
	events := c.snapshot()

	assert.Equal(t, types.EventStatus, events[0].Name)
	assert.Equal(t, types.StatusAuth, events[0].Type)
	assert.True(t, events[0].OK)
	assert.Equal(t, types.StatusServerStatus, events[1].Type)
	assert.Equal(t, types.EventServerStatus, events[2].Name)
	assert.Equal(t, string(auth.StatusLoginRequired), events[2].Status)

	_, err := env.h.Connect(context.Background(), "s1")
	assert.Error(t, err, "duplicate session id")
}

func TestHandler_EndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	s := env.connect(t, "S")

	t.Logf("step 1: correct setup code")
	st := s.call("SubmitSetupCode", map[string]interface{}{"code": testMasterCode})
	assert.True(t, st.OK)
	assert.Equal(t, auth.AwaitingRegistration, env.auth.State("S"))
	require.Eventually(t, func() bool { return s.lastServerStatus() == string(auth.StatusRegistrationRequired) }, time.Second, 5*time.Millisecond)

	t.Logf("step 2: register alice")
	st = s.call("RegisterUser", map[string]interface{}{"username": "alice", "password": "secret1"})
	assert.True(t, st.OK, st.Message)
	assert.False(t, env.auth.IsRegistrationAllowed("S"), "marker consumed")
	registered, err := env.auth.AnyRegistered(context.Background())
	require.NoError(t, err)
	assert.True(t, registered)

	t.Logf("step 3: login alice")
	st = s.call("Login", map[string]interface{}{"username": "alice", "password": "secret1"})
	assert.True(t, st.OK, st.Message)
	assert.Equal(t, auth.Authenticated, env.auth.State("S"))

	t.Logf("step 4: fresh session asks for a screenshot")
	other := env.connect(t, "T")
	st = other.call("GetScreenshot", nil)
	assert.False(t, st.OK)
	assert.Equal(t, types.StatusAuth, st.Type)
	assert.Equal(t, "not authorized", st.Message)
	assert.Empty(t, other.named(types.EventImage))

	t.Logf("step 5: authenticated session gets its screenshot")
	st = s.call("GetScreenshot", nil)
	assert.True(t, st.OK, st.Message)
	images := s.named(types.EventImage)
	require.Len(t, images, 1)
	assert.Equal(t, types.ImageScreenshot, images[0].Kind)
	assert.Equal(t, []byte{0xFF, 0xD8}, images[0].Data[:2])
}

func TestHandler_GuardedCommandsNeedAuth(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "anon")

	guarded := []string{
		"GetProcessList", "StartProcess", "KillProcess", "ShutdownServer",
		"GetScreenshot", "RequestWebcamProof", "RequestWebcam",
		"StartWebcamStream", "StartScreenStream", "StopStream",
		"CloseWebcam", "StartKeyLogger", "StopKeyLogger",
	}
	for _, method := range guarded {
		t.Run(method, func(t *testing.T) {
			st := c.call(method, nil)
			assert.False(t, st.OK)
			assert.Equal(t, "not authorized", st.Message)
		})
	}

	assert.Empty(t, c.named(types.EventImage))
	assert.Empty(t, c.named(types.EventProcessList))
	assert.Empty(t, env.procs.started)
	assert.Equal(t, uint64(len(guarded)), env.h.Stats().NotAuthorized)
}

func TestHandler_SetupCodeFailures(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")

	st := c.call("SubmitSetupCode", map[string]interface{}{"code": "wrong"})
	assert.False(t, st.OK)
	assert.Equal(t, auth.Unauthenticated, env.auth.State("s1"))

	st = c.call("RegisterUser", map[string]interface{}{"username": "bob", "password": "pw"})
	assert.False(t, st.OK)
	assert.Equal(t, "registration not allowed", st.Message)

	c.register("bob", "pw")
	st = c.call("RegisterUser", map[string]interface{}{"username": "carol", "password": "pw"})
	assert.False(t, st.OK, "second registration needs the code again")

	st = c.call("Login", map[string]interface{}{"username": "bob", "password": "nope"})
	assert.False(t, st.OK)
	assert.Equal(t, "invalid credentials", st.Message)
	assert.Equal(t, auth.Authenticated, env.auth.State("s1"), "failed login leaves state untouched")
}

func TestHandler_UnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")

	st := c.call("FormatDisk", nil)
	assert.False(t, st.OK)
	assert.Equal(t, types.StatusSystem, st.Type)
	assert.Equal(t, uint64(1), env.h.Stats().UnknownMethods)
}

func TestHandler_ProcessCommands(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")
	c.register("alice", "pw")

	st := c.call("GetProcessList", map[string]interface{}{"appsOnly": true})
	assert.True(t, st.OK)
	lists := c.named(types.EventProcessList)
	require.Len(t, lists, 1)

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lists[0].Payload), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, float64(42), decoded[0]["id"])
	assert.Equal(t, "notes.txt", decoded[0]["title"])
	assert.Equal(t, float64(1<<20), decoded[0]["memoryBytes"])

	tests := []struct {
		method   string
		params   map[string]interface{}
		category string
		ok       bool
	}{
		{"StartProcess", map[string]interface{}{"path": "/usr/bin/true"}, types.StatusStart, true},
		{"StartProcess", map[string]interface{}{"path": ""}, types.StatusStart, false},
		{"KillProcess", map[string]interface{}{"id": float64(42)}, types.StatusKill, true},
		{"KillProcess", map[string]interface{}{"id": "7"}, types.StatusKill, false},
		{"KillProcess", map[string]interface{}{"id": "abc"}, types.StatusKill, false},
		{"ShutdownServer", map[string]interface{}{"restart": true}, types.StatusPower, true},
	}
	for _, tt := range tests {
		st := c.call(tt.method, tt.params)
		assert.Equal(t, tt.category, st.Type, tt.method)
		assert.Equal(t, tt.ok, st.OK, "%s %v: %s", tt.method, tt.params, st.Message)
	}

	assert.Equal(t, []int{42, 7}, env.procs.killed)
	assert.Equal(t, []bool{true}, env.procs.power)
}

func TestHandler_WebcamProofBatch(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")
	c.register("alice", "pw")

	st := c.call("RequestWebcamProof", nil)
	require.True(t, st.OK, st.Message)

	images := c.named(types.EventImage)
	require.NotEmpty(t, images)
	t.Logf("proof delivered %d frames: %s", len(images), st.Message)
	for i, img := range images {
		assert.Equal(t, types.ImageWebcamFrame, img.Kind)
		assert.Equal(t, uint64(i+1), img.Seq)
	}

	// images precede the terminal status
	events := c.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, types.EventStatus, last.Name)
	assert.Equal(t, types.StatusWebcam, last.Type)
}

func TestHandler_LiveStreamAndStop(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")
	c.register("alice", "pw")

	st := c.call("StartWebcamStream", map[string]interface{}{"fps": 15})
	require.True(t, st.OK, st.Message)
	assert.Equal(t, types.StatusWebcam, st.Type)

	require.Eventually(t, func() bool { return len(c.named(types.EventImage)) >= 3 }, 3*time.Second, 10*time.Millisecond)

	var last uint64
	for _, img := range c.named(types.EventImage) {
		assert.Equal(t, types.ImageWebcamFrame, img.Kind)
		assert.Greater(t, img.Seq, last, "frames never reorder")
		last = img.Seq
	}

	st = c.call("StopStream", map[string]interface{}{"kind": "webcam"})
	assert.True(t, st.OK, st.Message)
	assert.Empty(t, env.sup.Active())

	time.Sleep(50 * time.Millisecond)
	for _, ev := range c.named(types.EventStatus) {
		assert.NotEqual(t, "stream ended", ev.Message, "a requested stop reports through StopStream only")
	}

	st = c.call("StopStream", map[string]interface{}{"kind": "webcam"})
	assert.False(t, st.OK)
	st = c.call("StopStream", map[string]interface{}{"kind": "nope"})
	assert.False(t, st.OK)
}

func TestHandler_ConcurrentSessionsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	a := env.connect(t, "A")
	b := env.connect(t, "B")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.register("alice", "pw-a") }()
	go func() { defer wg.Done(); b.register("bob", "pw-b") }()
	wg.Wait()

	pa, _ := env.auth.Principal("A")
	pb, _ := env.auth.Principal("B")
	assert.Equal(t, "alice", pa)
	assert.Equal(t, "bob", pb)

	st := a.call("StartScreenStream", map[string]interface{}{"fps": 15})
	require.True(t, st.OK, st.Message)
	require.Eventually(t, func() bool { return len(a.named(types.EventImage)) >= 3 }, 3*time.Second, 10*time.Millisecond)

	assert.Empty(t, b.named(types.EventImage), "frames must not leak across sessions")

	st = b.call("Logout", nil)
	assert.True(t, st.OK)
	assert.True(t, env.auth.IsAuthenticated("A"), "logout of B must not touch A")
	assert.False(t, env.auth.IsAuthenticated("B"))
}

func TestHandler_KeyLoggerOrder(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")
	c.register("alice", "pw")

	st := c.call("StartKeyLogger", nil)
	require.True(t, st.OK, st.Message)

	require.Eventually(t, func() bool { return len(c.named(types.EventKeyLog)) == 4 }, 2*time.Second, 5*time.Millisecond)
	var tokens []string
	for _, ev := range c.named(types.EventKeyLog) {
		tokens = append(tokens, ev.Token)
	}
	assert.Equal(t, []string{"h", "i", "\n", "[BACK]"}, tokens)

	st = c.call("StartKeyLogger", nil)
	assert.Equal(t, "key logger already running", st.Message)

	st = c.call("StopKeyLogger", nil)
	assert.True(t, st.OK)
	select {
	case <-env.keys.stopped:
	default:
		t.Fatal("key source not stopped")
	}
}

func TestHandler_KeyLoggerHelperExit(t *testing.T) {
	env := newTestEnv(t)
	env.keys = newFakeKeys("x")
	env.keys.exitEarly = true
	c := env.connect(t, "s1")
	c.register("alice", "pw")

	st := c.call("StartKeyLogger", nil)
	require.True(t, st.OK, st.Message)

	var failure types.Event
	require.Eventually(t, func() bool {
		for _, ev := range c.named(types.EventStatus) {
			if ev.Type == types.StatusKeylog && !ev.OK {
				failure = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "helper exit not reported")
	assert.Equal(t, "key logger stopped unexpectedly", failure.Message)
	assert.Empty(t, failure.ReplyTo)
	t.Logf("reported: %+v", failure)

	// the slot is free again
	env.keys = newFakeKeys("y")
	st = c.call("StartKeyLogger", nil)
	assert.True(t, st.OK, st.Message)
	assert.Equal(t, "key logger started", st.Message)
	require.True(t, c.call("StopKeyLogger", nil).OK)
}

func TestHandler_StopKeyLoggerIsNotAFailure(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")
	c.register("alice", "pw")

	require.True(t, c.call("StartKeyLogger", nil).OK)
	require.True(t, c.call("StopKeyLogger", nil).OK)

	time.Sleep(50 * time.Millisecond)
	for _, ev := range c.named(types.EventStatus) {
		if ev.Type == types.StatusKeylog {
			assert.True(t, ev.OK, "unexpected failure: %s", ev.Message)
		}
	}
}

func TestHandler_DisconnectStopsEverything(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")
	c.register("alice", "pw")

	require.True(t, c.call("StartWebcamStream", nil).OK)
	require.True(t, c.call("StartKeyLogger", nil).OK)

	env.h.Disconnect("s1")
	env.h.Disconnect("s1")

	select {
	case <-env.keys.stopped:
	case <-time.After(time.Second):
		t.Fatal("key logger still running")
	}
	require.Eventually(t, func() bool { return len(env.sup.Active()) == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.auth.SessionCount())
	assert.Equal(t, 0, env.h.Stats().Sessions)

	// late invocations are dropped silently
	env.h.Handle("s1", types.Invocation{Method: "GetServerStatus"})
}

func TestHandler_AuditsAuthActions(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")

	c.call("SubmitSetupCode", map[string]interface{}{"code": "bad"})
	c.register("alice", "pw")
	c.call("Login", map[string]interface{}{"username": "alice", "password": "wrong"})

	env.audit.mu.Lock()
	defer env.audit.mu.Unlock()

	var actions []string
	for _, ev := range env.audit.events {
		actions = append(actions, fmt.Sprintf("%s:%v", ev.Action, ev.OK))
	}
	assert.Equal(t, []string{"setup_code:false", "setup_code:true", "register:true", "login:false"}, actions)
}

func TestStatus_MessageIsVerbatim(t *testing.T) {
	tests := []struct {
		name    string
		message string
	}{
		{"percent", "100% done"},
		{"verb", "bad device %s%d"},
		{"plain", "capture failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := status(types.StatusScreen, false, "%s", tt.message)
			assert.Equal(t, tt.message, r.status.Message)
		})
	}
}

func TestHandler_EventsRouteThroughRegistry(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, "s1")

	c.call("GetServerStatus", nil)
	delivered := env.registry.Stats().Delivered
	assert.Equal(t, uint64(5), delivered, "greeting and reply events are delivered through the registry")

	env.h.mu.Lock()
	s := env.h.sessions["s1"]
	env.h.mu.Unlock()
	require.NotNil(t, s)
	env.h.Disconnect("s1")
	s.emit(types.NewKeyLog("late"))

	stats := env.registry.Stats()
	assert.Equal(t, delivered, stats.Delivered)
	assert.Equal(t, uint64(1), stats.Gone)
}
