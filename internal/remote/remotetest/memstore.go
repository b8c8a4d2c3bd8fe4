// Package remotetest provides an in-memory remote.Store with call
// recording and fault injection for tests.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/provsync/internal/remote"
)

// Call is one recorded store invocation.
type Call struct {
	Op   string
	Path string
}

func (c Call) String() string { return c.Op + " " + c.Path }

type fault struct {
	op    string
	path  string
	err   error
	times int // 0 = every call
}

type file struct {
	data []byte
	mod  time.Time
}

// Store is an in-memory remote.Store. Every mutation advances a fake
// clock by one second so modification times are distinct.
type Store struct {
	mu        sync.Mutex
	files     map[string]*file
	dirs      map[string]time.Time
	calls     []Call
	faults    []*fault
	readFault map[string]readFault
	now       time.Time
	kind      string
	block     map[string]chan struct{}
}

type readFault struct {
	after int
	err   error
}

// New returns an empty store containing only "/".
func New() *Store {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Store{
		files:     make(map[string]*file),
		dirs:      map[string]time.Time{"/": start},
		readFault: make(map[string]readFault),
		now:       start,
		kind:      "mem",
		block:     make(map[string]chan struct{}),
	}
}

// SetKind changes the value reported by Kind.
func (s *Store) SetKind(kind string) { s.kind = kind }

// Inject makes the next times calls of op on p fail with err. An empty
// p matches every path; times 0 fails every call until Clear.
func (s *Store) Inject(op, p string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p != "" {
		p = remote.Clean(p)
	}
	s.faults = append(s.faults, &fault{op: op, path: p, err: err, times: times})
}

// FailReadAfter makes reads of p return err after n bytes.
func (s *Store) FailReadAfter(p string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readFault[remote.Clean(p)] = readFault{after: n, err: err}
}

// Block makes op calls wait until the returned function is called.
func (s *Store) Block(op string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block[op] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.block, op)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Clear removes all injected faults.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
	s.readFault = make(map[string]readFault)
}

// PutFile seeds a file, creating parents.
func (s *Store) PutFile(p string, data []byte) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = remote.Clean(p)
	s.mkdirAllLocked(path.Dir(p))
	mod := s.tick()
	s.files[p] = &file{data: append([]byte(nil), data...), mod: mod}
	return mod
}

// MkdirAll seeds a directory and its parents.
func (s *Store) MkdirAll(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAllLocked(remote.Clean(p))
}

// Content returns a file's bytes.
func (s *Store) Content(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[remote.Clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// HasDir reports whether a directory exists.
func (s *Store) HasDir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirs[remote.Clean(p)]
	return ok
}

// Calls returns a copy of the call log.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts calls of op.
func (s *Store) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Store) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

func (s *Store) mkdirAllLocked(p string) {
	for dir := p; ; dir = path.Dir(dir) {
		if _, ok := s.dirs[dir]; !ok {
			s.dirs[dir] = s.now
		}
		if dir == "/" {
			return
		}
	}
}

// enter records the call, honours Block and returns any injected fault.
func (s *Store) enter(ctx context.Context, op, p string) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: op, Path: p})
	ch := s.block[op]
	s.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.faults {
		if f.op != op || (f.path != "" && f.path != p) {
			continue
		}
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
		}
		return f.err
	}
	return nil
}

func (s *Store) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	dir = remote.Clean(dir)
	if err := s.enter(ctx, "list", dir); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dirs[dir]; !ok {
		if _, isFile := s.files[dir]; isFile {
			return nil, &remote.ProtocolError{Op: "list", Path: dir, Reason: remote.ReasonOther, Err: fmt.Errorf("not a directory")}
		}
		return nil, remote.NotFound("list", dir)
	}

	var out []remote.Entry
	for p, f := range s.files {
		if path.Dir(p) == dir {
			out = append(out, remote.Entry{Name: path.Base(p), Path: p, Size: int64(len(f.data)), ModTime: f.mod})
		}
	}
	for p, mod := range s.dirs {
		if p != "/" && path.Dir(p) == dir {
			out = append(out, remote.Entry{Name: path.Base(p), Path: p, ModTime: mod, IsDir: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Stat(ctx context.Context, p string) (remote.Entry, error) {
	p = remote.Clean(p)
	if err := s.enter(ctx, "stat", p); err != nil {
		return remote.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[p]; ok {
		return remote.Entry{Name: path.Base(p), Path: p, Size: int64(len(f.data)), ModTime: f.mod}, nil
	}
	if mod, ok := s.dirs[p]; ok {
		return remote.Entry{Name: path.Base(p), Path: p, ModTime: mod, IsDir: true}, nil
	}
	return remote.Entry{}, remote.NotFound("stat", p)
}

func (s *Store) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	p = remote.Clean(p)
	if err := s.enter(ctx, "read", p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[p]
	if !ok {
		return nil, remote.NotFound("read", p)
	}
	data := append([]byte(nil), f.data...)
	if rf, ok := s.readFault[p]; ok {
		if rf.after < len(data) {
			data = data[:rf.after]
		}
		return io.NopCloser(io.MultiReader(bytes.NewReader(data), &errReader{err: rf.err})), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Write(ctx context.Context, p string, body io.Reader) error {
	p = remote.Clean(p)
	if err := s.enter(ctx, "write", p); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirs[p]; ok {
		return &remote.ProtocolError{Op: "write", Path: p, Reason: remote.ReasonOther, Err: fmt.Errorf("is a directory")}
	}
	s.mkdirAllLocked(path.Dir(p))
	s.files[p] = &file{data: data, mod: s.tick()}
	return nil
}

func (s *Store) Mkdir(ctx context.Context, p string) error {
	p = remote.Clean(p)
	if err := s.enter(ctx, "mkdir", p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirs[p]; ok {
		return &remote.ProtocolError{Op: "mkdir", Path: p, Reason: remote.ReasonExists, Err: fs.ErrExist}
	}
	if _, ok := s.files[p]; ok {
		return &remote.ProtocolError{Op: "mkdir", Path: p, Reason: remote.ReasonExists, Err: fs.ErrExist}
	}
	if _, ok := s.dirs[path.Dir(p)]; !ok {
		return remote.NotFound("mkdir", path.Dir(p))
	}
	s.dirs[p] = s.tick()
	return nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	p = remote.Clean(p)
	if err := s.enter(ctx, "delete", p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[p]; ok {
		delete(s.files, p)
		return nil
	}
	if _, ok := s.dirs[p]; !ok || p == "/" {
		return remote.NotFound("delete", p)
	}
	for fp := range s.files {
		if strings.HasPrefix(fp, p+"/") {
			delete(s.files, fp)
		}
	}
	for dp := range s.dirs {
		if dp == p || strings.HasPrefix(dp, p+"/") {
			delete(s.dirs, dp)
		}
	}
	return nil
}

func (s *Store) Rename(ctx context.Context, oldPath, newPath string) error {
	oldPath, newPath = remote.Clean(oldPath), remote.Clean(newPath)
	if err := s.enter(ctx, "rename", oldPath); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[oldPath]; ok {
		s.mkdirAllLocked(path.Dir(newPath))
		s.files[newPath] = f
		delete(s.files, oldPath)
		return nil
	}
	if _, ok := s.dirs[oldPath]; !ok {
		return remote.NotFound("rename", oldPath)
	}
	s.mkdirAllLocked(path.Dir(newPath))
	for fp, f := range s.files {
		if strings.HasPrefix(fp, oldPath+"/") {
			s.files[newPath+strings.TrimPrefix(fp, oldPath)] = f
			delete(s.files, fp)
		}
	}
	for dp, mod := range s.dirs {
		if dp == oldPath || strings.HasPrefix(dp, oldPath+"/") {
			s.dirs[newPath+strings.TrimPrefix(dp, oldPath)] = mod
			delete(s.dirs, dp)
		}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	p = remote.Clean(p)
	if err := s.enter(ctx, "exists", p); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, isFile := s.files[p]
	_, isDir := s.dirs[p]
	return isFile || isDir, nil
}

func (s *Store) Kind() string { return s.kind }

func (s *Store) Close() error { return nil }

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }
