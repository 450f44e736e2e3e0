package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ca-x/hostsync/internal/common"
)

// Exit codes used by the remote scripts to report taxonomy errors.
const (
	exitPermission = 43
	exitNotFound   = 44
	exitIsDir      = 45
)

type SSHConfig struct {
	Address    string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	// KnownHostsFile enables host key verification. Empty accepts any key.
	KnownHostsFile string
	Timeout        time.Duration
}

func (c SSHConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" && c.PrivateKey == "" {
		return fmt.Errorf("password or private key is required")
	}
	return nil
}

// SSHTarget writes to a remote POSIX host over a single SSH connection. It
// needs GNU coreutils (dd, stat, truncate, sha256sum) on the remote side.
type SSHTarget struct {
	client *ssh.Client
}

func DialSSH(ctx context.Context, cfg SSHConfig) (*SSHTarget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid SSH config: %w", common.ErrInvalidArgument, err)
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse private key: %w", common.ErrInvalidArgument, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(port))

	clientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", common.ErrIO, addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s rejected credentials: %w", common.ErrPermissionDenied, addr, err)
		}
		return nil, fmt.Errorf("%w: ssh handshake with %s failed: %w", common.ErrIO, addr, err)
	}

	return &SSHTarget{client: ssh.NewClient(c, chans, reqs)}, nil
}

func (t *SSHTarget) Type() string {
	return "ssh"
}

func (t *SSHTarget) Stat(ctx context.Context, path string) (int64, error) {
	out, err := t.run(ctx, statCommand(path), nil)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected stat output %q", common.ErrIO, out)
	}
	return size, nil
}

func (t *SSHTarget) Probe(ctx context.Context, path string) error {
	_, err := t.run(ctx, probeCommand(path), nil)
	return err
}

func (t *SSHTarget) OpenWriter(ctx context.Context, path string, offset int64) (ChunkWriter, error) {
	if _, err := t.run(ctx, openCommand(path, offset), nil); err != nil {
		return nil, err
	}
	return &sshWriter{target: t, path: path, offset: offset}, nil
}

func (t *SSHTarget) OpenReader(ctx context.Context, path string) (io.ReadCloser, error) {
	if _, err := t.Stat(ctx, path); err != nil {
		return nil, err
	}

	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open ssh session: %w", common.ErrIO, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: %w", common.ErrIO, err)
	}
	if err := session.Start("cat -- " + shellQuote(path)); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: %w", common.ErrIO, err)
	}
	return &sessionReader{Reader: stdout, session: session}, nil
}

func (t *SSHTarget) Digest(ctx context.Context, path, algorithm string, length int64) (string, error) {
	cmd, err := digestCommand(path, algorithm, length)
	if err != nil {
		return "", err
	}
	out, err := t.run(ctx, cmd, nil)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty digest output", common.ErrIO)
	}
	return strings.ToLower(fields[0]), nil
}

func (t *SSHTarget) Close() error {
	return t.client.Close()
}

// run executes cmd in a new session. Cancelling ctx closes the session,
// which aborts the remote command.
func (t *SSHTarget) run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open ssh session: %w", common.ErrIO, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	if err := session.Run(cmd); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrIO, ctx.Err())
		}
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			return nil, exitCodeError(exit.ExitStatus(), stderr.String())
		}
		return nil, fmt.Errorf("%w: %w", common.ErrIO, err)
	}
	return stdout.Bytes(), nil
}

type sshWriter struct {
	target *SSHTarget
	path   string
	offset int64
}

func (w *sshWriter) WriteChunk(ctx context.Context, p []byte) error {
	if _, err := w.target.run(ctx, writeCommand(w.path, w.offset), bytes.NewReader(p)); err != nil {
		return err
	}
	w.offset += int64(len(p))
	return nil
}

// Commit is a no-op: every chunk is written with conv=fsync.
func (w *sshWriter) Commit(ctx context.Context) error {
	return nil
}

func (w *sshWriter) Close() error {
	return nil
}

type sessionReader struct {
	io.Reader
	session *ssh.Session
	closed  bool
}

func (r *sessionReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.session.Close()
}

func exitCodeError(code int, stderr string) error {
	msg := strings.TrimSpace(stderr)
	switch code {
	case exitNotFound:
		return fmt.Errorf("%w: remote path does not exist", common.ErrNotFound)
	case exitPermission:
		return fmt.Errorf("%w: remote path is not writable", common.ErrPermissionDenied)
	case exitIsDir:
		return fmt.Errorf("%w: remote path is a directory", common.ErrInvalidArgument)
	}
	if strings.Contains(msg, "Permission denied") {
		return fmt.Errorf("%w: %s", common.ErrPermissionDenied, msg)
	}
	return fmt.Errorf("%w: remote command exited with status %d: %s", common.ErrIO, code, msg)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func statCommand(path string) string {
	p := shellQuote(path)
	return fmt.Sprintf("if [ ! -e %[1]s ]; then exit %[2]d; fi; if [ -d %[1]s ]; then exit %[3]d; fi; stat -c %%s -- %[1]s",
		p, exitNotFound, exitIsDir)
}

func probeCommand(path string) string {
	p := shellQuote(path)
	return fmt.Sprintf(`d=$(dirname -- %[1]s); mkdir -p -- "$d" 2>/dev/null || exit %[2]d; `+
		`if [ -d %[1]s ]; then exit %[3]d; fi; `+
		`if [ -e %[1]s ]; then [ -w %[1]s ] || exit %[2]d; else [ -w "$d" ] || exit %[2]d; fi`,
		p, exitPermission, exitIsDir)
}

func openCommand(path string, offset int64) string {
	return fmt.Sprintf("%s; truncate -s %d -- %s 2>/dev/null || exit %d",
		probeCommand(path), offset, shellQuote(path), exitPermission)
}

func writeCommand(path string, offset int64) string {
	return fmt.Sprintf("dd of=%s bs=65536 seek=%d oflag=seek_bytes conv=notrunc,fsync status=none",
		shellQuote(path), offset)
}

func digestCommand(path, algorithm string, length int64) (string, error) {
	var tool string
	switch algorithm {
	case "sha256":
		tool = "sha256sum"
	case "md5":
		tool = "md5sum"
	default:
		return "", fmt.Errorf("%w: unsupported checksum algorithm %q", common.ErrInvalidArgument, algorithm)
	}
	p := shellQuote(path)
	return fmt.Sprintf("if [ ! -e %[1]s ]; then exit %[2]d; fi; head -c %[3]d -- %[1]s | %[4]s",
		p, exitNotFound, length, tool), nil
}
