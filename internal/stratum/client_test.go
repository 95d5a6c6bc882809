package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

type fakePool struct {
	t     *testing.T
	ln    net.Listener
	conns chan net.Conn
}

func newFakePool(t *testing.T) *fakePool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	p := &fakePool{t: t, ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return p
}

func (p *fakePool) url() string {
	return "stratum+tcp://" + p.ln.Addr().String()
}

func (p *fakePool) accept() *poolConn {
	p.t.Helper()
	select {
	case conn := <-p.conns:
		p.t.Cleanup(func() { _ = conn.Close() })
		return &poolConn{t: p.t, conn: conn, r: bufio.NewReader(conn)}
	case <-time.After(2 * time.Second):
		p.t.Fatal("client never connected")
		return nil
	}
}

type poolConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (pc *poolConn) read() *Message {
	pc.t.Helper()
	_ = pc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := pc.r.ReadString('\n')
	if err != nil {
		pc.t.Fatalf("pool failed to read: %v", err)
	}
	msg, err := ParseMessage([]byte(line))
	if err != nil {
		pc.t.Fatalf("pool received malformed line %q: %v", line, err)
	}
	return msg
}

func (pc *poolConn) send(line string) {
	pc.t.Helper()
	if _, err := pc.conn.Write([]byte(line + "\n")); err != nil {
		pc.t.Fatalf("pool failed to write: %v", err)
	}
}

// handshake consumes subscribe and authorize and answers both
func (pc *poolConn) handshake() {
	pc.t.Helper()
	sub := pc.read()
	auth := pc.read()
	pc.send(fmt.Sprintf(`{"id":%v,"result":[[["mining.notify","s1"]],"f000000f",4],"error":null}`, sub.ID))
	pc.send(fmt.Sprintf(`{"id":%v,"result":true,"error":null}`, auth.ID))
}

func notifyLine(jobID string, clean bool) string {
	return fmt.Sprintf(`{"id":null,"method":"mining.notify","params":["%s","prev","cb1","cb2",["aa","bb"],"20000000","1800c29f","5a54a978",%t]}`, jobID, clean)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestClient(t *testing.T, url string, jobBuffer int) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		URL:       url,
		Worker:    "addr.w1",
		Password:  "x",
		UserAgent: "gominer-test",
		JobBuffer: jobBuffer,
	}, log.Discard)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestClient_ConnectSendsHandshake(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()

	sub := pc.read()
	if sub.Method != MethodSubscribe {
		t.Fatalf("first request = %q, want %q", sub.Method, MethodSubscribe)
	}
	if len(sub.Params) != 2 || sub.Params[0] != "gominer-test" || sub.Params[1] != nil {
		t.Errorf("subscribe params = %v", sub.Params)
	}

	auth := pc.read()
	if auth.Method != MethodAuthorize {
		t.Fatalf("second request = %q, want %q", auth.Method, MethodAuthorize)
	}
	if len(auth.Params) != 2 || auth.Params[0] != "addr.w1" || auth.Params[1] != "x" {
		t.Errorf("authorize params = %v", auth.Params)
	}

	stats := c.Stats()
	if !stats.Connected || stats.ConnectedAt.IsZero() {
		t.Errorf("session should be connected and timestamped: %+v", stats)
	}
	if stats.Difficulty != 1.0 {
		t.Errorf("initial difficulty = %v, want 1.0", stats.Difficulty)
	}
	if c.State() != LoopReading {
		t.Errorf("loop state = %s, want reading", c.State())
	}

	pc.send(fmt.Sprintf(`{"id":%v,"result":[[["mining.notify","s1"]],"f000000f",4],"error":null}`, sub.ID))
	pc.send(fmt.Sprintf(`{"id":%v,"result":true,"error":null}`, auth.ID))

	waitFor(t, "authorization", func() bool { return c.Stats().Phase == PhaseReady })
	stats = c.Stats()
	if stats.ExtraNonce1 != "f000000f" || stats.ExtraNonce2Size != 4 {
		t.Errorf("extranonce = %q/%d", stats.ExtraNonce1, stats.ExtraNonce2Size)
	}
	if !stats.Authorized {
		t.Error("expected worker to be authorized")
	}
}

func TestClient_ConnectTwice(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pool.accept()

	if err := c.Connect(context.Background()); !errors.IsType(err, errors.ErrorTypeStratum) {
		t.Errorf("second Connect() = %v, want stratum error", err)
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := newTestClient(t, "stratum+tcp://"+addr, 0)
	err = c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !errors.IsType(err, errors.ErrorTypeStratum) {
		t.Errorf("expected stratum error, got %v", err)
	}
	if c.IsConnected() {
		t.Error("session must stay disconnected after a failed connect")
	}
	if c.Stats().Phase != PhaseDisconnected {
		t.Errorf("phase = %s, want disconnected", c.Stats().Phase)
	}

	cfg := &retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	if err := c.ConnectWithRetry(context.Background(), cfg); err == nil {
		t.Error("ConnectWithRetry() should fail against a closed port")
	}
}

func TestClient_ConnectInvalidURL(t *testing.T) {
	c := newTestClient(t, "http://pool.com:80", 0)
	if err := c.Connect(context.Background()); !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("Connect() = %v, want validation error", err)
	}
}

func TestClient_JobDelivery(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()
	pc.handshake()

	pc.send(notifyLine("job1", false))
	pc.send(notifyLine("job2", true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	job, ok := c.NextJob(ctx)
	if !ok {
		t.Fatal("expected first job")
	}
	if job.JobID != "job1" || job.CleanJobs {
		t.Errorf("first job = %+v", job)
	}
	if len(job.MerkleBranch) != 2 || job.MerkleBranch[0] != "aa" || job.MerkleBranch[1] != "bb" {
		t.Errorf("merkle branch order not preserved: %v", job.MerkleBranch)
	}
	if job.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}

	job, ok = c.NextJob(ctx)
	if !ok {
		t.Fatal("clean_jobs notification must still be delivered")
	}
	if job.JobID != "job2" || !job.CleanJobs {
		t.Errorf("second job = %+v", job)
	}
}

func TestClient_MalformedMessagesKeepConnection(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()

	pc.send("this is not json")
	pc.send(`{"id":null,"method":"mining.notify","params":["short"]}`)
	pc.send(`{"id":null,"result":null,"error":[20,"Other/Unknown",null]}`)
	pc.send(`{"id":null,"method":"mining.unknown","params":[]}`)
	pc.send(notifyLine("after-garbage", false))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, ok := c.NextJob(ctx)
	if !ok || job.JobID != "after-garbage" {
		t.Fatalf("NextJob() = %+v, %v", job, ok)
	}
	if !c.IsConnected() {
		t.Error("malformed messages must not close the connection")
	}
}

func TestClient_OversizedMessageKeepsConnection(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()

	banner := strings.Repeat("x", 70*1024)
	pc.send(`{"id":null,"method":"client.show_message","params":["` + banner + `"]}`)
	pc.send(notifyLine("after-oversized", false))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, ok := c.NextJob(ctx)
	if !ok || job.JobID != "after-oversized" {
		t.Fatalf("NextJob() = %+v, %v", job, ok)
	}
	if !c.IsConnected() || c.State() != LoopReading {
		t.Errorf("connected = %v, state = %s after an oversized message", c.IsConnected(), c.State())
	}
}

func TestClient_DropsOldestJobWhenFull(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 2)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()

	pc.send(notifyLine("j1", false))
	pc.send(notifyLine("j2", false))
	pc.send(notifyLine("j3", true))

	waitFor(t, "dropped job", func() bool { return c.DroppedJobs() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, want := range []string{"j2", "j3"} {
		job, ok := c.NextJob(ctx)
		if !ok || job.JobID != want {
			t.Fatalf("NextJob() = %+v, %v; want %s", job, ok, want)
		}
	}
}

func TestClient_SetDifficulty(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()

	pc.send(`{"id":null,"method":"mining.set_difficulty","params":[512]}`)
	waitFor(t, "difficulty 512", func() bool { return c.Difficulty() == 512 })

	pc.send(`{"id":null,"method":"mining.set_difficulty","params":[0]}`)
	pc.send(`{"id":null,"method":"mining.set_difficulty","params":[-4]}`)
	pc.send(`{"id":null,"method":"mining.set_difficulty","params":[2.5]}`)
	waitFor(t, "difficulty 2.5", func() bool { return c.Difficulty() == 2.5 })

	pc.send(`{"id":null,"method":"mining.set_extranonce","params":["abcd",8]}`)
	waitFor(t, "extranonce", func() bool { return c.Stats().ExtraNonce1 == "abcd" })
}

func TestClient_SubmitShare(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()
	pc.handshake()

	if err := c.SubmitShare("job7", "00000001", "5a54a978", "deadbeef"); err != nil {
		t.Fatalf("SubmitShare() error = %v", err)
	}

	stats := c.Stats()
	if stats.AcceptedShares != 1 || stats.LastShareTime == nil {
		t.Errorf("submission should be counted optimistically: %+v", stats)
	}

	req := pc.read()
	if req.Method != MethodSubmit {
		t.Fatalf("method = %q, want %q", req.Method, MethodSubmit)
	}
	submit, err := ParseSubmitRequest(req.Params)
	if err != nil {
		t.Fatalf("ParseSubmitRequest() error = %v", err)
	}
	if submit.Username != "addr.w1" || submit.JobID != "job7" || submit.ExtraNonce2 != "00000001" ||
		submit.NTime != "5a54a978" || submit.Nonce != "deadbeef" {
		t.Errorf("submit = %+v", submit)
	}

	pc.send(fmt.Sprintf(`{"id":%v,"result":true,"error":null}`, req.ID))
	waitFor(t, "confirmation", func() bool { return c.Stats().ConfirmedShares == 1 })

	if err := c.SubmitShare("job7", "00000002", "5a54a978", "cafebabe"); err != nil {
		t.Fatalf("SubmitShare() error = %v", err)
	}
	req = pc.read()
	pc.send(fmt.Sprintf(`{"id":%v,"result":null,"error":[23,"Low difficulty share",null]}`, req.ID))
	waitFor(t, "rejection", func() bool { return c.Stats().RejectedShares == 1 })

	if got := c.Stats().AcceptedShares; got != 2 {
		t.Errorf("AcceptedShares = %d, want 2", got)
	}
}

func TestClient_GetVersion(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()
	pc.read()
	pc.read()

	pc.send(`{"id":99,"method":"client.get_version","params":[]}`)
	resp := pc.read()
	if resp.Result != "gominer-test" {
		t.Errorf("get_version result = %v", resp.Result)
	}
}

func TestClient_SubmitWhenDisconnected(t *testing.T) {
	c := newTestClient(t, "stratum+tcp://127.0.0.1:1", 0)
	err := c.SubmitShare("job", "00", "00", "00")
	if !errors.IsType(err, errors.ErrorTypeStratum) {
		t.Errorf("SubmitShare() = %v, want stratum error", err)
	}
	if c.Stats().AcceptedShares != 0 {
		t.Error("failed submission must not be counted")
	}
}

func TestClient_PoolClosesConnection(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()
	// drain the handshake so the close is a clean FIN rather than a reset
	pc.read()
	pc.read()
	pc.send(notifyLine("last", false))
	_ = pc.conn.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after EOF")
	}

	if c.IsConnected() {
		t.Error("session should be disconnected after EOF")
	}
	if c.State() != LoopClosed {
		t.Errorf("loop state = %s, want closed", c.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, ok := c.NextJob(ctx)
	if !ok || job.JobID != "last" {
		t.Errorf("queued job should still drain, got %+v, %v", job, ok)
	}
	if _, ok := c.NextJob(ctx); ok {
		t.Error("NextJob() should report the closed queue")
	}

	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect() after self-exit = %v", err)
	}

	if err := c.SubmitShare("last", "00", "00", "00"); err == nil {
		t.Error("SubmitShare() after EOF should fail")
	}
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	c := newTestClient(t, "stratum+tcp://127.0.0.1:1", 0)
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect() without connection = %v", err)
	}
	if _, ok := c.NextJob(context.Background()); ok {
		t.Error("NextJob() should return false when never connected")
	}

	pool := newFakePool(t)
	c = newTestClient(t, pool.url(), 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pool.accept()

	for i := 0; i < 2; i++ {
		if err := c.Disconnect(); err != nil {
			t.Errorf("Disconnect() #%d = %v", i+1, err)
		}
	}
	if c.IsConnected() {
		t.Error("client should be disconnected")
	}
	if c.State() != LoopClosed {
		t.Errorf("loop state = %s, want closed", c.State())
	}
	if _, ok := c.NextJob(context.Background()); ok {
		t.Error("NextJob() should return false after Disconnect")
	}
}

func TestClient_Reconnect(t *testing.T) {
	pool := newFakePool(t)
	c := newTestClient(t, pool.url(), 0)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	pc := pool.accept()
	pc.send(`{"id":null,"method":"mining.set_difficulty","params":[64]}`)
	waitFor(t, "difficulty", func() bool { return c.Difficulty() == 64 })

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	pool.accept()

	if c.State() != LoopReading {
		t.Errorf("loop state after reconnect = %s, want reading", c.State())
	}
	if c.Difficulty() != 1.0 {
		t.Errorf("difficulty after reconnect = %v, want reset to 1.0", c.Difficulty())
	}
	if !c.IsConnected() {
		t.Error("expected connected after reconnect")
	}
}

func TestLoopState_String(t *testing.T) {
	states := map[LoopState]string{
		LoopIdle:         "idle",
		LoopReading:      "reading",
		LoopShuttingDown: "shutting_down",
		LoopClosed:       "closed",
		LoopState(42):    "unknown",
	}
	for state, want := range states {
		if got := state.String(); !strings.EqualFold(got, want) {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
