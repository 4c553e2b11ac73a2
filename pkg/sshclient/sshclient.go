// Package sshclient wraps golang.org/x/crypto/ssh with the connection
// lifecycle the toolkit needs: auth-method selection, an optional
// proxy-jump hop run as a subprocess (the teacher's docker.go tunnels a
// remote Docker socket the same way), a keepalive goroutine, and per-shell
// PTY channel creation.
package sshclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/sshtoolkit/sshtoolkit/pkg/config"
	tkerrors "github.com/sshtoolkit/sshtoolkit/pkg/errors"
)

const keepaliveInterval = 10 * time.Second

// Client owns one SSH transport connection (and, if a proxy jump is
// configured, the subprocess that tunnels it) shared by every environment
// in the pool.
type Client struct {
	conn   *ssh.Client
	log    *logrus.Entry
	cancel context.CancelFunc

	proxyCmd *exec.Cmd
}

// Dial establishes the SSH transport described by cfg, optionally routed
// through a ProxyConfig jump host, and starts the keepalive goroutine.
func Dial(ctx context.Context, cfg config.SSHConfig, proxy config.ProxyConfig, log *logrus.Entry) (*Client, error) {
	authMethods, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, tkerrors.New(tkerrors.KindAuthFailure, "build auth methods", err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host key pinning is an external-collaborator concern
		Timeout:         cfg.ConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var proxyCmd *exec.Cmd
	dialAddr := addr
	var dialNetwork = "tcp"
	var conn net.Conn

	if proxy.Server != "" {
		localSocket, cmd, err := startProxyJump(ctx, proxy, addr, log)
		if err != nil {
			return nil, tkerrors.New(tkerrors.KindConnectionFailure, "start proxy jump", err)
		}
		proxyCmd = cmd
		dialNetwork = "unix"
		dialAddr = localSocket
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err = dialer.DialContext(ctx, dialNetwork, dialAddr)
	if err != nil {
		if proxyCmd != nil {
			_ = kill.Kill(proxyCmd)
		}
		return nil, tkerrors.New(tkerrors.KindConnectionFailure, "dial "+addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		if proxyCmd != nil {
			_ = kill.Kill(proxyCmd)
		}
		return nil, tkerrors.New(tkerrors.KindConnectionFailure, "ssh handshake with "+addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     client,
		log:      log,
		cancel:   cancel,
		proxyCmd: proxyCmd,
	}
	go c.keepaliveLoop(keepaliveCtx)

	return c, nil
}

func buildAuthMethods(cfg config.SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.Key != "" {
		keyBytes, err := os.ReadFile(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", cfg.Key, err)
		}

		var signer ssh.Signer
		if cfg.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(cfg.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", cfg.Key, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no auth method configured: need a key or a password")
	}

	return methods, nil
}

// keepaliveLoop sends a no-op global request on an interval so idle
// environments don't get dropped by a NAT or an sshd ClientAliveInterval.
func (c *Client) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.conn.SendRequest("keepalive@sshtoolkit", true, nil); err != nil {
				c.log.WithError(err).Debug("keepalive failed")
				return
			}
		}
	}
}

// NewShellChannel opens a new SSH session, requests a PTY of the given
// size, and starts an interactive shell on it, returning the session's
// stdin/stdout pair already wired together. Framing and timeout discipline
// are handled by pkg/buffer from here.
func (c *Client) NewShellChannel(cols, rows int) (*ShellChannel, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, tkerrors.New(tkerrors.KindChannelFailure, "open session", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", rows, cols, modes); err != nil {
		session.Close()
		return nil, tkerrors.New(tkerrors.KindChannelFailure, "request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, tkerrors.New(tkerrors.KindChannelFailure, "stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, tkerrors.New(tkerrors.KindChannelFailure, "stdout pipe", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, tkerrors.New(tkerrors.KindChannelFailure, "start shell", err)
	}

	sc := &ShellChannel{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		chunks:  make(chan []byte, 64),
		errc:    make(chan error, 1),
	}
	go sc.readLoop()
	return sc, nil
}

// Underlying exposes the wrapped ssh.Client, for pkg/sftp.
func (c *Client) Underlying() *ssh.Client {
	return c.conn
}

// Close tears down the keepalive goroutine, the SSH transport, and any
// proxy-jump subprocess.
func (c *Client) Close() error {
	c.cancel()
	err := c.conn.Close()
	if c.proxyCmd != nil {
		if killErr := kill.Kill(c.proxyCmd); killErr != nil && err == nil {
			err = killErr
		}
	}
	return err
}

// ShellChannel is one PTY-backed interactive shell channel, the transport
// underneath a single environment. A single background goroutine owns the
// read side for the channel's whole lifetime, so callers (pkg/buffer) can
// read with a timeout and walk away without leaking a blocked reader.
type ShellChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	chunks chan []byte
	errc   chan error
}

func (s *ShellChannel) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.chunks <- chunk
		}
		if err != nil {
			s.errc <- err
			close(s.chunks)
			return
		}
	}
}

func (s *ShellChannel) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Chunks returns the channel new output chunks arrive on. It is closed
// once the underlying session ends; a caller that reads to exhaustion
// should then check Errors() for the reason.
func (s *ShellChannel) Chunks() <-chan []byte { return s.chunks }

// Errors returns the channel the read loop's terminal error is delivered
// on, exactly once, right before Chunks() is closed.
func (s *ShellChannel) Errors() <-chan error { return s.errc }

// Close closes the underlying session.
func (s *ShellChannel) Close() error {
	return s.session.Close()
}

// startProxyJump shells out to the system `ssh` client to forward a local
// unix socket to the target host through proxy, the same subprocess-tunnel
// idiom the teacher uses for forwarding a remote Docker socket.
func startProxyJump(ctx context.Context, proxy config.ProxyConfig, targetAddr string, log *logrus.Entry) (string, *exec.Cmd, error) {
	socketDir, err := os.MkdirTemp("", "sshtoolkit-proxy-")
	if err != nil {
		return "", nil, fmt.Errorf("create proxy socket dir: %w", err)
	}
	localSocket := socketDir + "/tunnel.sock"

	dest := proxy.Server
	if proxy.User != "" {
		dest = proxy.User + "@" + proxy.Server
	}

	argv := str.ToArgv(fmt.Sprintf("ssh -L %s:%s %s -N", localSocket, targetAddr, dest))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	kill.PrepareForChildren(cmd)

	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("start proxy jump: %w", err)
	}

	deadline := time.Now().Add(8 * time.Second)
	for {
		if _, err := os.Stat(localSocket); err == nil {
			break
		}
		if time.Now().After(deadline) {
			_ = kill.Kill(cmd)
			return "", nil, fmt.Errorf("proxy jump socket never appeared at %s", localSocket)
		}
		select {
		case <-ctx.Done():
			_ = kill.Kill(cmd)
			return "", nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	log.WithField("socket", localSocket).Debug("proxy jump tunnel established")
	return localSocket, cmd, nil
}
