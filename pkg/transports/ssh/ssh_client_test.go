package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server for testing. Exec requests are
// answered by a handful of scripted tools and the sftp subsystem is served
// from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
}

// knownTools are the tools `command -v` resolves on the test server.
var knownTools = map[string]bool{
	"echo":     true,
	"fail":     true,
	"pwd":      true,
	"printenv": true,
	"sleep":    true,
	"true":     true,
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	signals := make(chan struct{})
	var signalOnce sync.Once

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			go func() {
				code := runScripted(channel, payload.Command, signals)
				channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
				channel.Close()
			}()

		case "signal":
			signalOnce.Do(func() { close(signals) })

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runScripted emulates a remote shell for the command lines produced by
// BuildRemoteCommand and returns the exit status.
func runScripted(channel ssh.Channel, line string, signals <-chan struct{}) int {
	words := splitShellWords(line)
	dir := "/home/testuser"
	env := map[string]string{}

	if len(words) >= 3 && words[0] == "cd" && words[2] == "&&" {
		dir = words[1]
		words = words[3:]
	}
	if len(words) > 0 && words[0] == "env" {
		words = words[1:]
		for len(words) > 0 && strings.Contains(words[0], "=") {
			k, v, _ := strings.Cut(words[0], "=")
			env[k] = v
			words = words[1:]
		}
	}
	if len(words) == 0 {
		return 0
	}

	tool, args := words[0], words[1:]
	switch tool {
	case "command":
		if len(args) == 2 && args[0] == "-v" && knownTools[args[1]] {
			fmt.Fprintf(channel, "/usr/bin/%s\n", args[1])
			return 0
		}
		return 1
	case "echo":
		fmt.Fprintln(channel, strings.Join(args, " "))
		return 0
	case "pwd":
		fmt.Fprintln(channel, dir)
		return 0
	case "printenv":
		if len(args) == 1 {
			if v, ok := env[args[0]]; ok {
				fmt.Fprintln(channel, v)
				return 0
			}
		}
		return 1
	case "fail":
		fmt.Fprintln(channel, "partial output")
		fmt.Fprintln(channel.Stderr(), "line one")
		fmt.Fprintln(channel.Stderr(), "boom")
		return 3
	case "sleep":
		select {
		case <-signals:
			return 143
		case <-time.After(30 * time.Second):
			return 0
		}
	case "true":
		return 0
	}

	fmt.Fprintln(channel.Stderr(), tool+": command not found")
	return 127
}

// splitShellWords undoes ShellQuote for the subset of shell syntax the
// executor emits.
func splitShellWords(s string) []string {
	var (
		words   []string
		cur     strings.Builder
		quoted  bool
		hasWord bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quoted:
			if ch == '\'' {
				quoted = false
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\'':
			quoted, hasWord = true, true
		case ch == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
			hasWord = true
		case ch == ' ':
			if hasWord {
				words = append(words, cur.String())
				cur.Reset()
				hasWord = false
			}
		default:
			cur.WriteByte(ch)
			hasWord = true
		}
	}
	if hasWord {
		words = append(words, cur.String())
	}
	return words
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

func (s *testSSHServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// newConnectedClient dials server with password auth and disconnects on cleanup.
func newConnectedClient(t *testing.T, server *testSSHServer) *SSHClient {
	t.Helper()

	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })

	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := newConnectedClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	host, port := parseAddress(server.addr)
	info := client.GetConnectionInfo()
	if info.Host != host {
		t.Errorf("expected host '%s', got '%s'", host, info.Host)
	}
	if info.Port != port {
		t.Errorf("expected port %d, got %d", port, info.Port)
	}
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connection time to be recorded")
	}
}

func TestSSHClientConnectIsReentrant(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := newConnectedClient(t, server)
	first := client.GetConnectionInfo().ConnectedAt

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if got := client.GetConnectionInfo().ConnectedAt; !got.Equal(first) {
		t.Error("expected healthy connection to be reused")
	}
}

func TestSSHClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		client.Disconnect()
		t.Fatal("expected authentication failure")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !transportErr.IsAuthError {
		t.Errorf("expected auth error, got %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestSSHClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := newConnectedClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := newConnectedClient(t, server)

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect should be a no-op, got: %v", err)
	}

	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)

	keyBytes, err := newTestPrivateKeyPEM()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKey = keyBytes
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestNewSSHClientRejectsInvalidConfig(t *testing.T) {
	if _, err := NewSSHClient(DefaultConfig("", "testuser")); err == nil {
		t.Error("expected error for missing host")
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
