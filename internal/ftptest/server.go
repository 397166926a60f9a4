// Package ftptest provides a scripted FTP/FTPS server for tests.
//
// The server keeps its files in memory and implements the commands the
// client uses, including AUTH TLS with protected data connections, PASV,
// PORT and REST. Any command can be overridden with Handle.
package ftptest

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// HandlerFunc answers one command. args is the text after the command verb.
type HandlerFunc func(s *Session, args string)

// Server is an FTP server listening on a loopback address.
type Server struct {
	// Addr is the "host:port" of the control listener.
	Addr string

	// Cert is the certificate used for AUTH TLS.
	Cert *Certificate

	tb        testing.TB
	ln        net.Listener
	tlsConfig *tls.Config
	wg        sync.WaitGroup

	mu       sync.Mutex
	greeting string
	users    map[string]string
	files    map[string][]byte
	dirs     map[string]bool
	handlers map[string]HandlerFunc
	commands []string
	resumed  []bool
	sessions map[*Session]struct{}
	closed   bool
}

// Option configures a Server.
type Option func(*Server)

// WithUser restricts logins to the given credentials. Without it any user
// and password are accepted.
func WithUser(user, password string) Option {
	return func(s *Server) {
		s.users[user] = password
	}
}

// WithGreeting replaces the "220 Service ready" greeting. line is sent
// verbatim followed by CRLF.
func WithGreeting(line string) Option {
	return func(s *Server) {
		s.greeting = line
	}
}

// WithFile stores a file before the server starts.
func WithFile(name string, data []byte) Option {
	return func(s *Server) {
		s.files[clean("/", name)] = data
	}
}

// WithDir creates a directory before the server starts.
func WithDir(name string) Option {
	return func(s *Server) {
		s.dirs[clean("/", name)] = true
	}
}

// NewServer starts a server on 127.0.0.1 and stops it when the test ends.
func NewServer(tb testing.TB, opts ...Option) *Server {
	tb.Helper()

	cert, err := NewCertificate("ftptest")
	if err != nil {
		tb.Fatalf("ftptest: generate certificate: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("ftptest: listen: %v", err)
	}

	s := &Server{
		Addr:      ln.Addr().String(),
		Cert:      cert,
		tb:        tb,
		ln:        ln,
		tlsConfig: &tls.Config{Certificates: []tls.Certificate{cert.TLS}},
		greeting:  "220 Service ready",
		users:     make(map[string]string),
		files:     make(map[string][]byte),
		dirs:      map[string]bool{"/": true},
		handlers:  make(map[string]HandlerFunc),
		sessions:  make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// Port returns the control port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Handle overrides the built-in behavior for cmd (case-insensitive).
func (s *Server) Handle(cmd string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToUpper(cmd)] = h
}

// SetFile stores a file.
func (s *Server) SetFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[clean("/", name)] = append([]byte(nil), data...)
}

// File returns a copy of a stored file.
func (s *Server) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[clean("/", name)]
	return append([]byte(nil), data...), ok
}

// HasDir reports whether a directory exists.
func (s *Server) HasDir(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[clean("/", name)]
}

// Commands returns every command line received so far, in order, with PASS
// arguments included.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Received reports whether a command line equal to line was received.
func (s *Server) Received(line string) bool {
	for _, c := range s.Commands() {
		if c == line {
			return true
		}
	}
	return false
}

// Resumed returns, for every protected data connection, whether its TLS
// handshake resumed a previous session.
func (s *Server) Resumed() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.resumed...)
}

// Close stops the listener and all sessions.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()

	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		sess := &Session{srv: s, conn: conn, text: textproto.NewConn(conn), cwd: "/"}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run()
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

// Session is one control connection.
type Session struct {
	srv *Server

	mu   sync.Mutex
	conn net.Conn
	text *textproto.Conn

	user       string
	protected  bool
	secured    bool
	cwd        string
	rest       int64
	pasv       net.Listener
	activeAddr string
	closed     bool
}

// Reply sends a single-line reply.
func (s *Session) Reply(code int, msg string) {
	_ = s.text.PrintfLine("%d %s", code, msg)
}

// Write sends raw bytes on the control connection.
func (s *Session) Write(raw string) {
	_, _ = io.WriteString(s.text.W, raw)
	_ = s.text.W.Flush()
}

// Close drops the control connection.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.conn.Close()
	if s.pasv != nil {
		s.pasv.Close()
	}
}

// Protected reports whether PROT P is in effect.
func (s *Session) Protected() bool {
	return s.protected
}

// Default runs the built-in behavior of cmd. Overrides use it to wrap the
// normal handling.
func (s *Session) Default(cmd, args string) {
	s.dispatch(strings.ToUpper(cmd), args)
}

// OpenData sends the 150 mark and opens the data connection negotiated with
// PASV or PORT, wrapped in TLS under PROT P. On failure the error reply has
// already been sent.
func (s *Session) OpenData() (net.Conn, bool) {
	return s.openData()
}

func (s *Session) run() {
	defer s.Close()

	s.srv.mu.Lock()
	greeting := s.srv.greeting
	s.srv.mu.Unlock()
	s.Write(greeting + "\r\n")

	for {
		line, err := s.text.ReadLine()
		if err != nil {
			return
		}

		cmd, args, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)

		s.srv.mu.Lock()
		s.srv.commands = append(s.srv.commands, line)
		h := s.srv.handlers[cmd]
		s.srv.mu.Unlock()

		if h != nil {
			h(s, args)
		} else {
			s.dispatch(cmd, args)
		}
		if cmd == "QUIT" {
			return
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
	}
}

func (s *Session) dispatch(cmd, args string) {
	srv := s.srv
	switch cmd {
	case "USER":
		s.user = args
		s.Reply(331, "User name okay, need password.")
	case "PASS":
		srv.mu.Lock()
		want, known := srv.users[s.user]
		open := len(srv.users) == 0
		srv.mu.Unlock()
		if open || (known && want == args) {
			s.Reply(230, "User logged in, proceed.")
		} else {
			s.Reply(530, "Login incorrect.")
		}
	case "AUTH":
		if !strings.EqualFold(args, "TLS") || s.secured {
			s.Reply(504, "Unsupported security mechanism.")
			return
		}
		s.Reply(234, "Proceed with negotiation.")
		tlsConn := tls.Server(s.conn, srv.tlsConfig)
		_ = tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			s.Close()
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
		s.mu.Lock()
		s.conn = tlsConn
		s.text = textproto.NewConn(tlsConn)
		s.secured = true
		s.mu.Unlock()
	case "PBSZ":
		if !s.secured {
			s.Reply(503, "PBSZ requires AUTH.")
			return
		}
		s.Reply(200, "PBSZ=0")
	case "PROT":
		switch {
		case !s.secured:
			s.Reply(503, "PROT requires AUTH.")
		case strings.EqualFold(args, "P"):
			s.protected = true
			s.Reply(200, "Protection level set to P.")
		case strings.EqualFold(args, "C"):
			s.protected = false
			s.Reply(200, "Protection level set to C.")
		default:
			s.Reply(504, "Unsupported protection level.")
		}
	case "TYPE":
		switch strings.ToUpper(args) {
		case "A", "I", "A N", "L 8":
			s.Reply(200, "Type set to "+args+".")
		default:
			s.Reply(504, "Type not implemented.")
		}
	case "NOOP":
		s.Reply(200, "NOOP ok.")
	case "PWD":
		s.Reply(257, fmt.Sprintf("%q is the current directory", s.cwd))
	case "CWD":
		dir := clean(s.cwd, args)
		if !srv.HasDir(dir) {
			s.Reply(550, "Failed to change directory.")
			return
		}
		s.cwd = dir
		s.Reply(250, "Directory successfully changed.")
	case "MKD":
		dir := clean(s.cwd, args)
		srv.mu.Lock()
		exists := srv.dirs[dir]
		srv.dirs[dir] = true
		srv.mu.Unlock()
		if exists {
			s.Reply(550, "Create directory operation failed.")
			return
		}
		s.Reply(257, fmt.Sprintf("%q created", dir))
	case "RMD":
		dir := clean(s.cwd, args)
		srv.mu.Lock()
		exists := srv.dirs[dir] && dir != "/"
		delete(srv.dirs, dir)
		srv.mu.Unlock()
		if !exists {
			s.Reply(550, "Remove directory operation failed.")
			return
		}
		s.Reply(250, "Remove directory operation successful.")
	case "DELE":
		name := clean(s.cwd, args)
		srv.mu.Lock()
		_, exists := srv.files[name]
		delete(srv.files, name)
		srv.mu.Unlock()
		if !exists {
			s.Reply(550, "Delete operation failed.")
			return
		}
		s.Reply(250, "Delete operation successful.")
	case "SIZE":
		data, ok := srv.File(clean(s.cwd, args))
		if !ok {
			s.Reply(550, "Could not get file size.")
			return
		}
		s.Reply(213, strconv.Itoa(len(data)))
	case "REST":
		n, err := strconv.ParseInt(args, 10, 64)
		if err != nil || n < 0 {
			s.Reply(501, "Bad REST offset.")
			return
		}
		s.rest = n
		s.Reply(350, "Restart position accepted ("+args+").")
	case "PASV":
		s.enterPassive()
	case "PORT":
		addr, err := parsePORT(args)
		if err != nil {
			s.Reply(501, "Illegal PORT command.")
			return
		}
		s.activeAddr = addr
		s.Reply(200, "PORT command successful.")
	case "RETR":
		s.retrieve(clean(s.cwd, args))
	case "STOR":
		s.store(clean(s.cwd, args))
	case "LIST":
		s.list()
	case "QUIT":
		s.Reply(221, "Goodbye.")
	default:
		s.Reply(502, "Command not implemented.")
	}
}

func (s *Session) enterPassive() {
	if s.pasv != nil {
		s.pasv.Close()
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		s.Reply(425, "Can't open passive listener.")
		return
	}
	s.mu.Lock()
	s.pasv = ln
	s.mu.Unlock()
	s.activeAddr = ""

	port := ln.Addr().(*net.TCPAddr).Port
	s.Reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d).", port>>8, port&0xff))
}

// openData sends 150 and establishes the data connection, wrapping it in
// TLS after the preliminary reply when PROT P is in effect.
func (s *Session) openData() (net.Conn, bool) {
	s.Reply(150, "Opening data connection.")

	var (
		conn net.Conn
		err  error
	)
	switch {
	case s.pasv != nil:
		ln := s.pasv.(*net.TCPListener)
		_ = ln.SetDeadline(time.Now().Add(5 * time.Second))
		conn, err = ln.Accept()
		ln.Close()
		s.mu.Lock()
		s.pasv = nil
		s.mu.Unlock()
	case s.activeAddr != "":
		conn, err = net.DialTimeout("tcp4", s.activeAddr, 5*time.Second)
		s.activeAddr = ""
	default:
		s.Reply(425, "Use PORT or PASV first.")
		return nil, false
	}
	if err != nil {
		s.Reply(425, "Can't open data connection.")
		return nil, false
	}

	if s.protected {
		tlsConn := tls.Server(conn, s.srv.tlsConfig)
		_ = tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			s.Reply(522, "Data connection must use TLS.")
			return nil, false
		}
		_ = tlsConn.SetDeadline(time.Time{})
		s.srv.mu.Lock()
		s.srv.resumed = append(s.srv.resumed, tlsConn.ConnectionState().DidResume)
		s.srv.mu.Unlock()
		conn = tlsConn
	}
	return conn, true
}

func (s *Session) retrieve(name string) {
	offset := s.rest
	s.rest = 0

	data, ok := s.srv.File(name)
	if !ok {
		s.Reply(550, "Failed to open file.")
		return
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}

	conn, ok := s.openData()
	if !ok {
		return
	}
	_, err := conn.Write(data[offset:])
	conn.Close()
	if err != nil {
		s.Reply(426, "Connection closed; transfer aborted.")
		return
	}
	s.Reply(226, "Transfer complete.")
}

func (s *Session) store(name string) {
	offset := s.rest
	s.rest = 0

	conn, ok := s.openData()
	if !ok {
		return
	}
	received, err := io.ReadAll(conn)
	conn.Close()

	s.srv.mu.Lock()
	existing := s.srv.files[name]
	if offset > int64(len(existing)) {
		offset = int64(len(existing))
	}
	s.srv.files[name] = append(append([]byte(nil), existing[:offset]...), received...)
	s.srv.mu.Unlock()

	if err != nil {
		s.Reply(426, "Connection closed; transfer aborted.")
		return
	}
	s.Reply(226, "Transfer complete.")
}

func (s *Session) list() {
	type entry struct{ name, line string }
	var entries []entry
	s.srv.mu.Lock()
	for name, data := range s.srv.files {
		if path.Dir(name) == s.cwd {
			base := path.Base(name)
			entries = append(entries, entry{base, fmt.Sprintf("-rw-r--r--    1 ftp      ftp      %8d Jan 01 00:00 %s", len(data), base)})
		}
	}
	for dir := range s.srv.dirs {
		if dir != "/" && path.Dir(dir) == s.cwd {
			base := path.Base(dir)
			entries = append(entries, entry{base, fmt.Sprintf("drwxr-xr-x    2 ftp      ftp      %8d Jan 01 00:00 %s", 4096, base)})
		}
	}
	s.srv.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	conn, ok := s.openData()
	if !ok {
		return
	}
	for _, e := range entries {
		_, _ = io.WriteString(conn, e.line+"\r\n")
	}
	conn.Close()
	s.Reply(226, "Directory send OK.")
}

func parsePORT(args string) (string, error) {
	parts := strings.Split(args, ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("want 6 fields, got %d", len(parts))
	}
	var v [6]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return "", fmt.Errorf("bad field %q", p)
		}
		v[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
	return net.JoinHostPort(host, strconv.Itoa(v[4]<<8|v[5])), nil
}

func clean(cwd, name string) string {
	if !strings.HasPrefix(name, "/") {
		name = path.Join(cwd, name)
	}
	return path.Clean(name)
}
