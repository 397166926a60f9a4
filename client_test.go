package ftps_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftps"
	"github.com/gonzalop/ftps/internal/ftptest"
)

// dial connects to srv and disconnects when the test ends.
func dial(t *testing.T, srv *ftptest.Server, opts ...ftps.Option) *ftps.Client {
	t.Helper()
	opts = append([]ftps.Option{ftps.WithTimeout(5 * time.Second)}, opts...)
	c, err := ftps.Dial(context.Background(), srv.Addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// login dials srv and logs in with any credentials.
func login(t *testing.T, srv *ftptest.Server, opts ...ftps.Option) *ftps.Client {
	t.Helper()
	c := dial(t, srv, opts...)
	require.NoError(t, c.Login(context.Background(), "anonymous", "ftp@"))
	return c
}

func TestConnect(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)

	c, err := ftps.New(ftps.WithTimeout(5 * time.Second))
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", srv.Port()))
	assert.True(t, c.IsConnected())
	assert.False(t, c.IsProtected())
	assert.Empty(t, c.TLSInfo())

	err = c.Connect(context.Background(), "127.0.0.1", srv.Port())
	assert.ErrorIs(t, err, ftps.KindConnect)
	assert.Equal(t, err, c.LastError())
}

func TestConnectRejectedGreeting(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t, ftptest.WithGreeting("421 Too many users"))

	_, err := ftps.Dial(context.Background(), srv.Addr, ftps.WithTimeout(5*time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, ftps.KindConnect)

	var re *ftps.ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 421, re.Code)
	assert.Equal(t, "Too many users", re.Message)
	assert.True(t, re.IsTemporary())
}

func TestConnectMultiLineGreeting(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t, ftptest.WithGreeting("220-Welcome\r\n220-to the test server\r\n220 Ready"))

	c := dial(t, srv)
	assert.True(t, c.IsConnected())
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = ftps.Dial(context.Background(), addr, ftps.WithTimeout(time.Second))
	assert.ErrorIs(t, err, ftps.KindConnect)
}

func TestLoginThenPWD(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t, ftptest.WithUser("x", "y"))
	c := dial(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "x", "y"))

	dir, err := c.CurrentDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/", dir)
	assert.Equal(t, []string{"USER x", "PASS y", "PWD"}, srv.Commands())
}

func TestLoginRejected(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t, ftptest.WithUser("x", "y"))
	c := dial(t, srv)

	err := c.Login(context.Background(), "x", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ftps.KindAuth)

	var re *ftps.ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 530, re.Code)
	assert.NotContains(t, err.Error(), "wrong")

	// A rejected login leaves the session usable.
	assert.True(t, c.IsConnected())
	require.NoError(t, c.Login(context.Background(), "x", "y"))
}

func TestLoginWithoutPassword(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("USER", func(s *ftptest.Session, args string) {
		s.Reply(230, "No password needed.")
	})
	c := dial(t, srv)

	require.NoError(t, c.Login(context.Background(), "guest", "unused"))
	assert.False(t, srv.Received("PASS unused"))
}

func TestLoginUnexpectedUserReply(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("USER", func(s *ftptest.Session, args string) {
		s.Reply(421, "Service not available.")
	})
	c := dial(t, srv)

	err := c.Login(context.Background(), "guest", "pw")
	assert.ErrorIs(t, err, ftps.KindAuth)
}

func TestDisconnectTwice(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	c := login(t, srv)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, count(srv.Commands(), "QUIT"))

	err := c.Noop(context.Background())
	assert.ErrorIs(t, err, ftps.KindIO)

	// The client can be reused.
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", srv.Port()))
	assert.True(t, c.IsConnected())
}

func TestDisconnectNeverConnected(t *testing.T) {
	t.Parallel()
	c, err := ftps.New()
	require.NoError(t, err)
	assert.NoError(t, c.Disconnect())
	assert.NoError(t, c.Close())
}

func TestDisconnectDuringOperation(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	started := make(chan struct{})
	srv.Handle("NOOP", func(s *ftptest.Session, args string) {
		close(started)
		// never answer
	})
	c := login(t, srv)

	errc := make(chan error, 1)
	go func() { errc <- c.Noop(context.Background()) }()

	<-started
	require.NoError(t, c.Disconnect())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("operation was not interrupted by Disconnect")
	}
	assert.False(t, c.IsConnected())
	assert.False(t, srv.Received("QUIT"))
}

func TestDisconnectDuringSecureUpload(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	opened := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	srv.Handle("STOR", func(s *ftptest.Session, args string) {
		conn, ok := s.OpenData()
		if !ok {
			return
		}
		close(opened)
		// never read
		<-release
		conn.Close()
	})
	c := login(t, srv, ftps.WithExplicitTLS(trusted(t, srv)))

	local := writeTemp(t, randomData(32<<20))
	errc := make(chan error, 1)
	go func() {
		errc <- c.Upload(context.Background(), local, "big.bin", false, nil)
	}()
	<-opened
	time.Sleep(100 * time.Millisecond)

	disconnected := make(chan error, 1)
	go func() { disconnected <- c.Disconnect() }()

	accessors := make(chan struct{})
	go func() {
		c.IsConnected()
		c.IsProtected()
		c.LastError()
		c.TransferType()
		close(accessors)
	}()
	select {
	case <-accessors:
	case <-time.After(2 * time.Second):
		t.Fatal("accessors blocked behind Disconnect")
	}

	select {
	case err := <-disconnected:
		assert.NoError(t, err)
	case <-time.After(7 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	select {
	case err := <-errc:
		var te *ftps.TransferError
		assert.ErrorAs(t, err, &te)
	case <-time.After(3 * time.Second):
		t.Fatal("upload was not interrupted by Disconnect")
	}
	assert.False(t, c.IsConnected())
}

func TestSetTransferType(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	c := login(t, srv)
	ctx := context.Background()

	assert.Equal(t, ftps.Binary, c.TransferType())

	require.NoError(t, c.SetTransferType(ctx, ftps.ASCII))
	assert.Equal(t, ftps.ASCII, c.TransferType())

	// Already acknowledged; no second TYPE command.
	require.NoError(t, c.SetTransferType(ctx, ftps.ASCII))
	assert.Equal(t, 1, count(srv.Commands(), "TYPE A"))
}

func TestSetTransferTypeRejected(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("TYPE", func(s *ftptest.Session, args string) {
		if args == "A" {
			s.Reply(500, "Unrecognised TYPE command.")
			return
		}
		s.Default("TYPE", args)
	})
	c := login(t, srv)
	ctx := context.Background()

	require.NoError(t, c.SetTransferType(ctx, ftps.Binary))

	err := c.SetTransferType(ctx, ftps.ASCII)
	var re *ftps.ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 500, re.Code)
	assert.Equal(t, "TYPE A", re.Command)
	assert.Equal(t, ftps.Binary, c.TransferType())
}

func TestTransferMode(t *testing.T) {
	t.Parallel()
	c, err := ftps.New(ftps.WithTransferMode(ftps.Active))
	require.NoError(t, err)
	assert.Equal(t, ftps.Active, c.TransferMode())

	c.SetTransferMode(ftps.Passive)
	assert.Equal(t, ftps.Passive, c.TransferMode())
	assert.Equal(t, "passive", ftps.Passive.String())
	assert.Equal(t, "active", ftps.Active.String())
	assert.Equal(t, "ascii", ftps.ASCII.String())
	assert.Equal(t, "binary", ftps.Binary.String())
}

func TestDirectoryCommands(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t, ftptest.WithFile("/docs/readme.txt", []byte("hello")))
	c := login(t, srv)
	ctx := context.Background()

	require.NoError(t, c.MakeDir(ctx, "docs"))
	assert.True(t, srv.HasDir("/docs"))

	require.NoError(t, c.ChangeDir(ctx, "docs"))
	dir, err := c.CurrentDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/docs", dir)

	size, err := c.Size(ctx, "readme.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	require.NoError(t, c.Delete(ctx, "readme.txt"))
	_, ok := srv.File("/docs/readme.txt")
	assert.False(t, ok)

	require.NoError(t, c.ChangeDir(ctx, "/"))
	require.NoError(t, c.RemoveDir(ctx, "docs"))
	assert.False(t, srv.HasDir("/docs"))
}

func TestDirectoryCommandFailures(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	c := login(t, srv)
	ctx := context.Background()

	for name, op := range map[string]func() error{
		"CWD":  func() error { return c.ChangeDir(ctx, "missing") },
		"RMD":  func() error { return c.RemoveDir(ctx, "missing") },
		"DELE": func() error { return c.Delete(ctx, "missing") },
		"SIZE": func() error { _, err := c.Size(ctx, "missing"); return err },
	} {
		err := op()
		var re *ftps.ReplyError
		require.ErrorAs(t, err, &re, name)
		assert.Equal(t, 550, re.Code, name)
		assert.True(t, re.IsPermanent(), name)
	}

	// Failed commands leave the session usable.
	assert.NoError(t, c.Noop(ctx))
}

func TestSizeNotNumeric(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("SIZE", func(s *ftptest.Session, args string) {
		s.Reply(213, "about ten bytes")
	})
	c := login(t, srv)

	_, err := c.Size(context.Background(), "file")
	assert.ErrorIs(t, err, ftps.KindFormat)
}

func TestCurrentDirUnquoted(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("PWD", func(s *ftptest.Session, args string) {
		s.Reply(257, "/plain/path")
	})
	c := login(t, srv)

	dir, err := c.CurrentDir(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/plain/path", dir)
}

func TestCurrentDirEscapedQuotes(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("PWD", func(s *ftptest.Session, args string) {
		s.Reply(257, `"/a ""b"" c" is the current directory`)
	})
	c := login(t, srv)

	dir, err := c.CurrentDir(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `/a "b" c`, dir)
}

func TestMakeDirWrongCode(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("MKD", func(s *ftptest.Session, args string) {
		s.Reply(250, "Directory created.")
	})
	c := login(t, srv)

	err := c.MakeDir(context.Background(), "new")
	var re *ftps.ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 250, re.Code)
}

func TestQuote(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("SITE", func(s *ftptest.Session, args string) {
		s.Write("200-first line\r\n200 last line\r\n")
	})
	c := login(t, srv)
	ctx := context.Background()

	reply, err := c.Quote(ctx, "SITE", "HELP")
	require.NoError(t, err)
	assert.Equal(t, 200, reply.Code)
	assert.Equal(t, "first line\nlast line", reply.Message)
	assert.True(t, srv.Received("SITE HELP"))

	// Quote returns unexpected codes without an error.
	reply, err = c.Quote(ctx, "XYZZY")
	require.NoError(t, err)
	assert.Equal(t, 502, reply.Code)
}

func TestSendCommandReadReply(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	c := login(t, srv)
	ctx := context.Background()

	require.NoError(t, c.SendCommand(ctx, "NOOP\r\n"))
	reply, err := c.ReadReply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, reply.Code)
	assert.True(t, srv.Received("NOOP"))
}

func TestConnectionLossBreaksSession(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("NOOP", func(s *ftptest.Session, args string) {
		s.Close()
	})
	c := login(t, srv)
	ctx := context.Background()

	err := c.Noop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ftps.KindProtocol)
	assert.False(t, c.IsConnected())

	_, err = c.CurrentDir(ctx)
	assert.ErrorIs(t, err, ftps.KindIO)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
}

func TestContextDeadline(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("NOOP", func(s *ftptest.Session, args string) {
		// never answer
	})
	c := login(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Noop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, c.IsConnected())
}

func TestContextCancel(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	srv.Handle("NOOP", func(s *ftptest.Session, args string) {})
	c := login(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := c.Noop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLastError(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	c := login(t, srv)
	ctx := context.Background()

	assert.NoError(t, c.LastError())

	err := c.ChangeDir(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, err, c.LastError())

	require.NoError(t, c.Noop(ctx))
	assert.NoError(t, c.LastError())
}

func TestDialURL(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t, ftptest.WithUser("alice", "s3cret"), ftptest.WithDir("/pub"))

	c, err := ftps.DialURL(context.Background(), "ftp://alice:s3cret@"+srv.Addr+"/pub", ftps.WithTimeout(5*time.Second))
	require.NoError(t, err)
	defer c.Disconnect()

	dir, err := c.CurrentDir(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/pub", dir)
}

func TestDialURLAnonymous(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)

	c, err := ftps.DialURL(context.Background(), "ftp://"+srv.Addr, ftps.WithTimeout(5*time.Second))
	require.NoError(t, err)
	defer c.Disconnect()

	assert.True(t, srv.Received("USER anonymous"))
}

func TestDialURLErrors(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t, ftptest.WithUser("alice", "s3cret"))
	ctx := context.Background()

	_, err := ftps.DialURL(ctx, "sftp://"+srv.Addr)
	assert.Error(t, err)

	_, err = ftps.DialURL(ctx, "ftp://alice:nope@"+srv.Addr, ftps.WithTimeout(5*time.Second))
	assert.ErrorIs(t, err, ftps.KindAuth)

	_, err = ftps.DialURL(ctx, "ftp://alice:s3cret@"+srv.Addr+"/missing", ftps.WithTimeout(5*time.Second))
	var re *ftps.ReplyError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 550, re.Code)
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()
	srv := ftptest.NewServer(t)
	c := login(t, srv, ftps.WithKeepAlive(100*time.Millisecond))

	assert.Eventually(t, func() bool {
		return srv.Received("NOOP")
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Disconnect())
	time.Sleep(100 * time.Millisecond)
	n := count(srv.Commands(), "NOOP")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, n, count(srv.Commands(), "NOOP"))
}

func count(lines []string, line string) int {
	n := 0
	for _, l := range lines {
		if l == line {
			n++
		}
	}
	return n
}
