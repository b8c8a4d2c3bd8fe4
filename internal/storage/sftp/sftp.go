// Package sftp provides a remote.Store on a host reachable over SSH,
// using the SFTP subsystem for file transfer.
package sftp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fruitsalade/provsync/internal/logging"
	"github.com/fruitsalade/provsync/internal/models"
	"github.com/fruitsalade/provsync/internal/remote"
	"github.com/fruitsalade/provsync/internal/retry"
)

const tempPrefix = ".provsync-"

// SFTP status codes (draft-ietf-secsh-filexfer-02).
const (
	fxNoSuchFile       = 2
	fxPermissionDenied = 3
)

// Config holds the backend-specific part of a provider descriptor.
type Config struct {
	KnownHostsFile        string `json:"known_hosts"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key"`
	DialTimeoutSeconds    int    `json:"dial_timeout_seconds"`
	KeyPassphraseEnv      string `json:"key_passphrase_env"`
}

// Options are the resolved connection parameters.
type Options struct {
	Host     string
	Port     int
	User     string
	Auth     []ssh.AuthMethod
	HostKey  ssh.HostKeyCallback
	Timeout  time.Duration
	Retry    retry.Config
	Endpoint string // host:port, derived when empty
}

// Store implements remote.Store over an SFTP session. A session that
// loses its connection is dropped and the next call dials a new one.
type Store struct {
	addr string
	dial dialFunc // nil: the session cannot be rebuilt

	mu     sync.Mutex
	client *sftp.Client
	conn   io.Closer
	closed bool
}

type dialFunc func(ctx context.Context) (*sftp.Client, io.Closer, error)

// OptionsFromDescriptor resolves credentials and host key checking for
// desc. CredentialsRef is either "env:NAME" (password in the named
// environment variable) or a path to a private key file, optionally
// prefixed with "file:". knownHosts is the fallback known_hosts file.
func OptionsFromDescriptor(desc *models.ProviderDescriptor, knownHosts string) (Options, error) {
	var cfg Config
	if len(desc.Config) > 0 {
		if err := json.Unmarshal(desc.Config, &cfg); err != nil {
			return Options{}, fmt.Errorf("parse sftp config: %w", err)
		}
	}
	if desc.Host == "" {
		return Options{}, fmt.Errorf("sftp provider %d: host is required", desc.ID)
	}
	if desc.User == "" {
		return Options{}, fmt.Errorf("sftp provider %d: user is required", desc.ID)
	}

	auth, err := resolveAuth(desc.CredentialsRef, cfg.KeyPassphraseEnv)
	if err != nil {
		return Options{}, fmt.Errorf("sftp provider %d: %w", desc.ID, err)
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.InsecureIgnoreHostKey:
		logging.Warn("sftp host key checking disabled", zap.Int("provider_id", desc.ID), zap.String("host", desc.Host))
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		file := cfg.KnownHostsFile
		if file == "" {
			file = knownHosts
		}
		if file == "" {
			return Options{}, fmt.Errorf("sftp provider %d: known_hosts file required unless insecure_ignore_host_key is set", desc.ID)
		}
		hostKey, err = knownhosts.New(file)
		if err != nil {
			return Options{}, fmt.Errorf("load known_hosts %s: %w", file, err)
		}
	}

	timeout := 15 * time.Second
	if cfg.DialTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.DialTimeoutSeconds) * time.Second
	}

	return Options{
		Host:    desc.Host,
		Port:    desc.Port,
		User:    desc.User,
		Auth:    auth,
		HostKey: hostKey,
		Timeout: timeout,
		Retry:   retry.DefaultConfig(),
	}, nil
}

func resolveAuth(ref, passphraseEnv string) ([]ssh.AuthMethod, error) {
	switch {
	case ref == "":
		return nil, errors.New("credentials_ref is required")
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		pw, ok := os.LookupEnv(name)
		if !ok {
			return nil, fmt.Errorf("password variable %s is not set", name)
		}
		return []ssh.AuthMethod{ssh.Password(pw)}, nil
	default:
		keyFile := strings.TrimPrefix(ref, "file:")
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if pass := os.Getenv(passphraseEnv); passphraseEnv != "" && pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", keyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
}

// Dial connects to the host and opens an SFTP session. Network failures
// are retried with backoff; handshake and auth failures are not.
func Dial(ctx context.Context, opts Options) (*Store, error) {
	addr := opts.Endpoint
	if addr == "" {
		port := opts.Port
		if port == 0 {
			port = 22
		}
		addr = net.JoinHostPort(opts.Host, strconv.Itoa(port))
	}

	sshCfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            opts.Auth,
		HostKeyCallback: opts.HostKey,
		Timeout:         opts.Timeout,
	}

	rc := opts.Retry
	if rc.MaxAttempts == 0 {
		rc = retry.DefaultConfig()
	}
	onRetry := rc.OnRetry
	rc.OnRetry = func(attempt int, wait time.Duration, err error) {
		logging.Warn("sftp dial failed, retrying",
			zap.String("addr", addr),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
	}

	dial := func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		client, err := retry.DoWithResult(ctx, rc, func() (*ssh.Client, error) {
			d := net.Dialer{Timeout: opts.Timeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, retry.Retryable(err)
			}
			c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
			if err != nil {
				conn.Close()
				return nil, err
			}
			return ssh.NewClient(c, chans, reqs), nil
		})
		if err != nil {
			return nil, nil, remote.Classify("dial", addr, err)
		}

		sc, err := sftp.NewClient(client)
		if err != nil {
			client.Close()
			return nil, nil, remote.Classify("dial", addr, fmt.Errorf("start sftp subsystem: %w", err))
		}
		logging.Info("sftp session established", zap.String("addr", addr), zap.String("user", opts.User))
		return sc, client, nil
	}

	s := &Store{addr: addr, dial: dial}
	if _, err := s.session(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// newFromClient wraps an already established SFTP client.
func newFromClient(c *sftp.Client, conn io.Closer) *Store {
	return &Store{client: c, conn: conn, addr: "pipe"}
}

// session returns the live client, dialing when there is none.
func (s *Store) session(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	if s.closed || s.dial == nil {
		return nil, fmt.Errorf("sftp %s: %w: session closed", s.addr, remote.ErrUnavailable)
	}
	c, conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client, s.conn = c, conn
	return c, nil
}

// fail classifies err and drops c when the connection behind it is gone.
func (s *Store) fail(c *sftp.Client, op, p string, err error) error {
	if connectionLost(err) {
		s.mu.Lock()
		if s.client == c {
			s.client = nil
			conn := s.conn
			s.conn = nil
			c.Close()
			if conn != nil {
				conn.Close()
			}
			logging.Warn("sftp session lost, will redial",
				zap.String("addr", s.addr),
				zap.String("op", op),
				zap.Error(err))
		}
		s.mu.Unlock()
	}
	return classify(op, p, err)
}

func connectionLost(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

func classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case fxNoSuchFile:
			return &remote.ProtocolError{Op: op, Path: p, Reason: remote.ReasonNotFound, Err: err}
		case fxPermissionDenied:
			return &remote.ProtocolError{Op: op, Path: p, Reason: remote.ReasonPermissionDenied, Err: err}
		}
	}
	if connectionLost(err) {
		return fmt.Errorf("%s %s: %w: %v", op, p, remote.ErrUnavailable, err)
	}
	return remote.Classify(op, p, err)
}

func toEntry(p string, info os.FileInfo) remote.Entry {
	e := remote.Entry{
		Name:    path.Base(p),
		Path:    p,
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
	if !e.IsDir {
		e.Size = info.Size()
	}
	return e
}

func (s *Store) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	dir = remote.Clean(dir)
	c, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := c.ReadDir(dir)
	if err != nil {
		return nil, s.fail(c, "list", dir, err)
	}
	out := make([]remote.Entry, 0, len(infos))
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), tempPrefix) {
			continue
		}
		out = append(out, toEntry(path.Join(dir, info.Name()), info))
	}
	return out, nil
}

func (s *Store) Stat(ctx context.Context, p string) (remote.Entry, error) {
	p = remote.Clean(p)
	c, err := s.session(ctx)
	if err != nil {
		return remote.Entry{}, err
	}
	info, err := c.Stat(p)
	if err != nil {
		return remote.Entry{}, s.fail(c, "stat", p, err)
	}
	return toEntry(p, info), nil
}

func (s *Store) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	p = remote.Clean(p)
	c, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	f, err := c.Open(p)
	if err != nil {
		return nil, s.fail(c, "read", p, err)
	}
	return &sessionFile{f: f, s: s, c: c, path: p}, nil
}

// sessionFile drops the session when a read finds the connection gone.
type sessionFile struct {
	f    *sftp.File
	s    *Store
	c    *sftp.Client
	path string
}

func (f *sessionFile) Read(b []byte) (int, error) {
	n, err := f.f.Read(b)
	if err != nil && err != io.EOF {
		err = f.s.fail(f.c, "read", f.path, err)
	}
	return n, err
}

func (f *sessionFile) Close() error { return f.f.Close() }

// Write uploads to a temp name in the target directory and renames it
// into place, so a failed upload never leaves a partial object at p.
func (s *Store) Write(ctx context.Context, p string, body io.Reader) error {
	p = remote.Clean(p)
	c, err := s.session(ctx)
	if err != nil {
		return err
	}
	dir := path.Dir(p)
	if err := c.MkdirAll(dir); err != nil {
		return s.fail(c, "write", p, fmt.Errorf("create dirs: %w", err))
	}

	tmp := path.Join(dir, tempPrefix+uuid.NewString()+".tmp")
	f, err := c.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return s.fail(c, "write", p, fmt.Errorf("create temp: %w", err))
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		c.Remove(tmp)
		return s.fail(c, "write", p, err)
	}
	if err := f.Close(); err != nil {
		c.Remove(tmp)
		return s.fail(c, "write", p, fmt.Errorf("close temp: %w", err))
	}
	if err := replace(c, tmp, p); err != nil {
		c.Remove(tmp)
		return s.fail(c, "write", p, fmt.Errorf("rename temp: %w", err))
	}
	return nil
}

// replace renames src over dst. Servers without the posix-rename
// extension refuse to overwrite, so the target is removed first.
func replace(c *sftp.Client, src, dst string) error {
	if err := c.PosixRename(src, dst); err == nil {
		return nil
	}
	if _, err := c.Stat(dst); err == nil {
		if err := c.Remove(dst); err != nil {
			return err
		}
	}
	return c.Rename(src, dst)
}

func (s *Store) Mkdir(ctx context.Context, p string) error {
	p = remote.Clean(p)
	c, err := s.session(ctx)
	if err != nil {
		return err
	}
	err = c.Mkdir(p)
	if err == nil {
		return nil
	}
	// SFTPv3 reports an existing directory as a generic failure.
	if info, statErr := c.Stat(p); statErr == nil && info != nil {
		return &remote.ProtocolError{Op: "mkdir", Path: p, Reason: remote.ReasonExists, Err: fs.ErrExist}
	}
	return s.fail(c, "mkdir", p, err)
}

func (s *Store) Delete(ctx context.Context, p string) error {
	p = remote.Clean(p)
	if p == "/" {
		return &remote.ProtocolError{Op: "delete", Path: p, Reason: remote.ReasonPermissionDenied}
	}
	c, err := s.session(ctx)
	if err != nil {
		return err
	}
	if err := removeTree(c, p); err != nil {
		return s.fail(c, "delete", p, err)
	}
	return nil
}

func removeTree(c *sftp.Client, p string) error {
	info, err := c.Lstat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return c.Remove(p)
	}
	children, err := c.ReadDir(p)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := removeTree(c, path.Join(p, child.Name())); err != nil {
			return err
		}
	}
	return c.RemoveDirectory(p)
}

func (s *Store) Rename(ctx context.Context, oldPath, newPath string) error {
	oldPath, newPath = remote.Clean(oldPath), remote.Clean(newPath)
	c, err := s.session(ctx)
	if err != nil {
		return err
	}
	if err := c.MkdirAll(path.Dir(newPath)); err != nil {
		return s.fail(c, "rename", newPath, err)
	}
	if err := c.Rename(oldPath, newPath); err != nil {
		return s.fail(c, "rename", oldPath, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	p = remote.Clean(p)
	c, err := s.session(ctx)
	if err != nil {
		return false, err
	}
	if _, err := c.Stat(p); err != nil {
		err = s.fail(c, "exists", p, err)
		if remote.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Kind returns "sftp".
func (s *Store) Kind() string { return string(models.KindSFTP) }

// Close ends the SFTP session and the SSH connection. The store does
// not redial afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	s.client, s.conn = nil, nil
	return err
}
