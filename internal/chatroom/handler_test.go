package chatroom

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Caesarsage/chatroom/internal/ai"
	"github.com/Caesarsage/chatroom/internal/auth"
	"github.com/Caesarsage/chatroom/internal/store"
)

type testServer struct {
	addr string
	dir  *Directory
	reg  *Registry
}

func startTestServer(t *testing.T, gen ai.Generator, opts HandlerOptions) *testServer {
	t.Helper()

	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	authn := auth.NewService(fs, bcrypt.MinCost)
	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, authn.Register(ctx, u, "pw"))
	}

	dir := NewDirectory(DirectoryOptions{Generator: gen, AIQueueSize: 4, Logger: zerolog.Nop()})
	reg := NewRegistry(RegistryOptions{Logger: zerolog.Nop()})
	h := NewHandler(dir, reg, authn, opts, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(h, zerolog.Nop()).Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("server did not stop")
		}
		dir.Close()
	})

	return &testServer{addr: ln.Addr().String(), dir: dir, reg: reg}
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testConn) readLine() (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// expect reads until a line containing substr arrives and returns every
// line read, the match last.
func (c *testConn) expect(substr string) []string {
	c.t.Helper()
	var seen []string
	for {
		line, err := c.readLine()
		if err != nil {
			c.t.Fatalf("waiting for %q: %v (seen %q)", substr, err, seen)
		}
		seen = append(seen, line)
		if strings.Contains(line, substr) {
			return seen
		}
	}
}

func (c *testConn) expectClosed() {
	c.t.Helper()
	for {
		_, err := c.readLine()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.t.Fatal("connection still open")
			}
			return
		}
	}
}

func (c *testConn) login(user string) string {
	c.t.Helper()
	c.send("LOGIN " + user + " pw")
	lines := c.expect(RespAuthOK)
	require.Len(c.t, lines, 2)
	require.True(c.t, strings.HasPrefix(lines[0], RespToken))
	return strings.TrimPrefix(lines[0], RespToken)
}

func TestLoginCreateAndMessage(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	a := dial(t, srv.addr)
	a.login("alice")

	a.send("CREATE_ROOM lobby")
	a.expect("ROOM_CREATED lobby")
	a.expect("YOU HAVE ENTERED lobby")

	a.send("MSG hi")
	a.expect("alice: hi")
}

func TestEnterReplaysHistory(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	a := dial(t, srv.addr)
	a.login("alice")
	a.send("CREATE_ROOM lobby")
	a.expect("YOU HAVE ENTERED lobby")
	a.send("MSG hi")
	a.expect("alice: hi")

	b := dial(t, srv.addr)
	b.login("bob")
	b.send("ENTER lobby")
	lines := b.expect("[bob entered the room]")
	assert.Equal(t, []string{
		"---------- JOINED ROOM: lobby ----------",
		"alice: hi",
		"YOU HAVE ENTERED lobby",
		"[bob entered the room]",
	}, lines)

	a.expect("[bob entered the room]")

	b.send("LIST_ROOMS")
	b.expect("ROOM_LIST lobby")

	b.send("LEAVE")
	b.expect("YOU HAVE LEFT lobby")
	a.expect("[bob left the room]")
}

func TestResumeRejoinsLastRoom(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	a := dial(t, srv.addr)
	tok := a.login("alice")
	a.send("ENTER lobby")
	a.expect("YOU HAVE ENTERED lobby")
	a.conn.Close()

	again := dial(t, srv.addr)
	again.send("RESUME_SESSION " + tok)
	lines := again.expect("YOU HAVE ENTERED lobby")
	assert.Equal(t, RespAuthOK, lines[0])

	again.send("MSG back")
	again.expect("alice: back")
}

func TestResumeWithUnknownTokenFails(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	c := dial(t, srv.addr)
	c.send("RESUME_SESSION deadbeef")
	c.expect("AUTH_FAIL Invalid or expired token")
	c.expectClosed()
}

func TestBadCredentialsCloseConnection(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	c := dial(t, srv.addr)
	c.send("LOGIN alice wrong")
	c.expect("AUTH_FAIL Invalid credentials")
	c.expectClosed()
}

func TestCommandBeforeLoginIsRejected(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	c := dial(t, srv.addr)
	c.send("LIST_ROOMS")
	c.expect("AUTH_FAIL Authentication required")
	c.expectClosed()
}

func TestRegisterThenLoginOnSameConnection(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	c := dial(t, srv.addr)
	c.send("REGISTER carol secret")
	c.expect(RespRegisterOK)
	c.send("LOGIN carol secret")
	c.expect(RespAuthOK)

	dup := dial(t, srv.addr)
	dup.send("REGISTER carol other")
	dup.expect("REGISTER_FAIL User already exists")
	dup.expectClosed()
}

func TestRegisterRejectsOverlongPassword(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	c := dial(t, srv.addr)
	c.send("REGISTER dave " + strings.Repeat("p", 73))
	c.expect("REGISTER_FAIL Password too long")
	c.expectClosed()
}

func TestIdleUnauthenticatedConnectionTimesOut(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{AuthTimeout: 100 * time.Millisecond})
	c := dial(t, srv.addr)
	c.expectClosed()
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	c := dial(t, srv.addr)
	c.login("alice")

	c.send("DANCE")
	c.expect("ERROR Unknown command: DANCE")
	c.send("MSG hello")
	c.expect("ERROR You are not in any room")
	c.send("ENTER bad/name")
	c.expect("ERROR Invalid room name")
	c.send("CREATE_ROOM lobby")
	c.expect("YOU HAVE ENTERED lobby")
	c.send("CREATE_ROOM lobby")
	c.expect("ERROR Room already exists")
	c.send("LEAVE")
	c.expect("YOU HAVE LEFT lobby")
	c.send("LEAVE")
	c.expect("ERROR You are not in any room")

	c.send("PING")
	c.expect(RespPong)
}

func TestMessageRateLimit(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{MsgRate: 0.001, MsgBurst: 2})
	c := dial(t, srv.addr)
	c.login("alice")
	c.send("ENTER lobby")
	c.expect("YOU HAVE ENTERED lobby")

	for i := 0; i < 3; i++ {
		c.send("MSG spam")
	}
	c.expect("ERROR Rate limit exceeded")
}

func TestOversizeLineClosesConnection(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{MaxLineBytes: 64})
	c := dial(t, srv.addr)
	c.login("alice")
	c.send("MSG " + strings.Repeat("x", 200))
	// The error line may be lost to a reset since the rest of the line is
	// never read; the close is what matters.
	c.expectClosed()
}

func TestSecondLoginClosesFirstConnection(t *testing.T) {
	srv := startTestServer(t, nil, HandlerOptions{})
	first := dial(t, srv.addr)
	first.login("alice")

	second := dial(t, srv.addr)
	second.login("alice")

	first.expectClosed()
	second.send("PING")
	second.expect(RespPong)
}

func TestAIRoomEndToEnd(t *testing.T) {
	gen := ai.GeneratorFunc(func(_ context.Context, req ai.Request) (ai.Reply, error) {
		return ai.Reply{Text: "terse reply to " + req.Prompt, Context: []byte(`[42]`)}, nil
	})
	srv := startTestServer(t, gen, HandlerOptions{})
	c := dial(t, srv.addr)
	c.login("alice")

	c.send(`CREATE_AI aiRoom prompt="be terse"`)
	c.expect("ROOM_CREATED aiRoom (AI)")
	c.expect("YOU HAVE ENTERED aiRoom")

	c.send("MSG hello")
	lines := c.expect("AI: ")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "alice: hello", lines[len(lines)-2])
	assert.Equal(t, "AI: terse reply to alice: hello", lines[len(lines)-1])

	room, ok := srv.dir.Get("aiRoom")
	require.True(t, ok)
	assert.Equal(t, "be terse", room.Prompt())
	assert.Equal(t, []byte(`[42]`), room.AIContext())
}
