package ssh

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is a minimal SSH server with exec and sftp support.
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "render" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, io.ErrUnexpectedEOF
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{listener: listener, config: config}
	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *testServer) handle(netConn net.Conn) {
	defer netConn.Close()

	conn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleSession(channel, requests)
	}
}

func exitStatus(channel ssh.Channel, code uint32) {
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

func handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			_ = req.Reply(true, nil)

			switch payload.Command {
			case "echo render":
				_, _ = channel.Write([]byte("render\n"))
				exitStatus(channel, 0)
			case "warn":
				_, _ = channel.Stderr().Write([]byte("careful\n"))
				exitStatus(channel, 0)
			case "exit 3":
				exitStatus(channel, 3)
			case "cat":
				// Echo lines until stdin closes.
				scanner := bufio.NewScanner(channel)
				for scanner.Scan() {
					_, _ = channel.Write(append(scanner.Bytes(), '\n'))
				}
				exitStatus(channel, 0)
			default:
				exitStatus(channel, 127)
			}
			return

		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) clientConfig(t *testing.T) *Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultConfig(host, "render")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"
	cfg.KnownHostsPath = ""
	cfg.ConnectionTimeout = 5 * time.Second
	return cfg
}

func connect(t *testing.T, cfg *Config) *Client {
	t.Helper()
	client, err := NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_Connect(t *testing.T) {
	server := newTestServer(t)
	client := connect(t, server.clientConfig(t))

	assert.True(t, client.IsConnected())
	assert.False(t, client.ConnectedAt().IsZero())

	// Reconnecting a live connection is a no-op.
	first := client.ConnectedAt()
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, first, client.ConnectedAt())

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	assert.NoError(t, client.Close())

	_, _, err := client.Run(context.Background(), "echo render")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_WrongPassword(t *testing.T) {
	server := newTestServer(t)
	cfg := server.clientConfig(t)
	cfg.Password = "nope"

	client, err := NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
}

func TestClient_KeyAuth(t *testing.T) {
	server := newTestServer(t)

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "")
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	cfg := server.clientConfig(t)
	cfg.AuthMethod = AuthMethodKey
	cfg.PrivateKeyPath = keyPath

	client := connect(t, cfg)
	out, _, err := client.Run(context.Background(), "echo render")
	require.NoError(t, err)
	assert.Equal(t, "render", out)
}

func TestClient_Run(t *testing.T) {
	server := newTestServer(t)
	client := connect(t, server.clientConfig(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		cmd     string
		stdout  string
		stderr  string
		wantErr string
	}{
		{name: "stdout", cmd: "echo render", stdout: "render"},
		{name: "stderr", cmd: "warn", stderr: "careful"},
		{name: "exit status", cmd: "exit 3", wantErr: "status 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := client.Run(ctx, tt.cmd)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.stdout, stdout)
			assert.Equal(t, tt.stderr, stderr)
		})
	}
}

func TestClient_Start(t *testing.T) {
	server := newTestServer(t)
	client := connect(t, server.clientConfig(t))

	stream, err := client.Start(context.Background(), "cat")
	require.NoError(t, err)
	defer stream.Close()

	reader := bufio.NewReader(stream.Stdout)
	for _, line := range []string{`{"type":"READY"}`, `{"type":"DONE"}`} {
		_, err := stream.Stdin.Write([]byte(line + "\n"))
		require.NoError(t, err)
		got, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, line+"\n", got)
	}

	require.NoError(t, stream.Stdin.Close())
	assert.NoError(t, stream.Wait())
}

func TestClient_Transfer(t *testing.T) {
	server := newTestServer(t)
	client := connect(t, server.clientConfig(t))
	ctx := context.Background()

	dir := t.TempDir()
	local := filepath.Join(dir, "scene.png")
	require.NoError(t, os.WriteFile(local, []byte("frame data"), 0o644))

	remote := filepath.ToSlash(filepath.Join(dir, "remote", "jobs", "scene.png"))
	require.NoError(t, client.Upload(ctx, local, remote, 0o600))

	info, err := os.Stat(remote)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	back := filepath.Join(dir, "out", "copy.png")
	require.NoError(t, client.Download(ctx, remote, back))
	data, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "frame data", string(data))

	require.NoError(t, client.Remove(ctx, remote))
	assert.NoFileExists(t, remote)
	assert.NoError(t, client.Remove(ctx, remote))

	err = client.Download(ctx, remote, back)
	assert.Error(t, err)
}
