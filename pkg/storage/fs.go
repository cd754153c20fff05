package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dftp-io/dftp/pkg/wire"
)

// Filesystem error conditions, mapped to FTP replies upstream.
var (
	ErrNotFound    = errors.New("not found")
	ErrNotDir      = errors.New("not a directory")
	ErrNotFile     = errors.New("not a regular file")
	ErrExists      = errors.New("already exists")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrInvalidPath = errors.New("invalid path")
)

const copySuffix = "_copy"

// Manager owns the on-disk file tree of a storage node. Every user gets
// a namespace directory under the root; virtual paths clients see are
// always relative to their namespace, so no operation can cross user
// boundaries or escape the root.
type Manager struct {
	root string

	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	refs int
}

// NewManager creates the storage root if needed and returns a manager
// over it.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	// resolve symlinks once so the escape check compares real paths
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	return &Manager{root: resolved, locks: make(map[string]*pathLock)}, nil
}

// Root returns the resolved storage root.
func (m *Manager) Root() string {
	return m.root
}

// NormalizeVirtual resolves p against cwd into an absolute virtual
// path. Both use slash separators regardless of platform.
func NormalizeVirtual(cwd, p string) string {
	if cwd == "" {
		cwd = "/"
	}
	if !path.IsAbs(p) {
		p = path.Join(cwd, p)
	}
	return path.Clean(p)
}

// Namespaced joins a user namespace and a virtual path into the
// filename used as metadata key and relative disk path.
func Namespaced(user, virtualPath string) string {
	return path.Join(user, strings.TrimPrefix(path.Clean(virtualPath), "/"))
}

// realPath maps a namespaced filename onto the disk and rejects
// anything that would resolve outside the root.
func (m *Manager) realPath(namespaced string) (string, error) {
	real := filepath.Join(m.root, filepath.FromSlash(namespaced))
	real = filepath.Clean(real)
	if real != m.root && !strings.HasPrefix(real, m.root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return real, nil
}

func (m *Manager) lock(namespaced string) func() {
	m.mu.Lock()
	l := m.locks[namespaced]
	if l == nil {
		l = &pathLock{}
		m.locks[namespaced] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, namespaced)
		}
		m.mu.Unlock()
	}
}

// EnsureNamespace creates a user's namespace directory.
func (m *Manager) EnsureNamespace(user string) error {
	real, err := m.realPath(Namespaced(user, "/"))
	if err != nil {
		return err
	}
	return os.MkdirAll(real, 0o755)
}

// ChangeDir validates a directory change and returns the normalized new
// working directory.
func (m *Manager) ChangeDir(user, cwd, newPath string) (string, error) {
	target := NormalizeVirtual(cwd, newPath)
	real, err := m.realPath(Namespaced(user, target))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if os.IsNotExist(err) {
		// the namespace root always exists logically, even before the
		// first write materializes it
		if target == "/" {
			return target, nil
		}
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return "", ErrNotDir
	}
	return target, nil
}

// List returns the entry names of a virtual directory, sorted.
func (m *Manager) List(user, cwd, p string) ([]string, error) {
	entries, err := m.readDir(user, cwd, p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// ListDetailed returns one listing line per entry in the long format:
// octal permissions, link count, owner, group, size, mtime, name.
func (m *Manager) ListDetailed(user, cwd, p string) ([]string, error) {
	entries, err := m.readDir(user, cwd, p)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("%o 1 owner group %8d %s %s",
			info.Mode().Perm(), info.Size(), info.ModTime().Format("Jan _2 15:04"), e.Name()))
	}
	return lines, nil
}

func (m *Manager) readDir(user, cwd, p string) ([]os.DirEntry, error) {
	target := NormalizeVirtual(cwd, p)
	real, err := m.realPath(Namespaced(user, target))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(real)
	if os.IsNotExist(err) {
		if target == "/" {
			return nil, nil
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, ErrNotDir
	}
	entries, err := os.ReadDir(real)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// Stat describes one entry of a user namespace.
func (m *Manager) Stat(user, cwd, p string) (wire.EntryInfo, error) {
	target := NormalizeVirtual(cwd, p)
	real, err := m.realPath(Namespaced(user, target))
	if err != nil {
		return wire.EntryInfo{}, err
	}
	info, err := os.Stat(real)
	if os.IsNotExist(err) {
		return wire.EntryInfo{}, ErrNotFound
	}
	if err != nil {
		return wire.EntryInfo{}, fmt.Errorf("failed to stat entry: %w", err)
	}
	modified := info.ModTime().Format(time.RFC3339)
	return wire.EntryInfo{
		Name:        path.Base(target),
		Path:        target,
		Size:        info.Size(),
		Permissions: uint32(info.Mode().Perm()),
		Modified:    modified,
		Accessed:    modified,
		IsDir:       info.IsDir(),
		IsFile:      info.Mode().IsRegular(),
	}, nil
}

// MakeDir creates a virtual directory and returns its normalized path.
func (m *Manager) MakeDir(user, cwd, p string) (string, error) {
	target := NormalizeVirtual(cwd, p)
	ns := Namespaced(user, target)
	real, err := m.realPath(ns)
	if err != nil {
		return "", err
	}
	unlock := m.lock(ns)
	defer unlock()

	if _, err := os.Stat(real); err == nil {
		return "", ErrExists
	}
	if _, err := os.Stat(filepath.Dir(real)); os.IsNotExist(err) {
		// the namespace materializes lazily, deeper parents must exist
		if path.Dir(target) != "/" {
			return "", ErrNotFound
		}
	}
	if err := os.MkdirAll(real, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	return target, nil
}

// RemoveDir deletes an empty virtual directory.
func (m *Manager) RemoveDir(user, cwd, p string) (string, error) {
	target := NormalizeVirtual(cwd, p)
	if target == "/" {
		return "", ErrInvalidPath
	}
	ns := Namespaced(user, target)
	real, err := m.realPath(ns)
	if err != nil {
		return "", err
	}
	unlock := m.lock(ns)
	defer unlock()

	info, err := os.Stat(real)
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return "", ErrNotDir
	}
	if err := os.Remove(real); err != nil {
		return "", ErrNotEmpty
	}
	return target, nil
}

// DeleteFile removes a regular file.
func (m *Manager) DeleteFile(user, cwd, p string) (string, error) {
	target := NormalizeVirtual(cwd, p)
	ns := Namespaced(user, target)
	real, err := m.realPath(ns)
	if err != nil {
		return "", err
	}
	unlock := m.lock(ns)
	defer unlock()

	info, err := os.Stat(real)
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return "", ErrNotFile
	}
	if err := os.Remove(real); err != nil {
		return "", fmt.Errorf("failed to delete file: %w", err)
	}
	return target, nil
}

// Rename moves a file or directory within a user namespace and returns
// the normalized old and new virtual paths.
func (m *Manager) Rename(user, cwd, oldPath, newPath string) (string, string, error) {
	oldTarget := NormalizeVirtual(cwd, oldPath)
	newTarget := NormalizeVirtual(cwd, newPath)
	oldNS := Namespaced(user, oldTarget)
	newNS := Namespaced(user, newTarget)

	oldReal, err := m.realPath(oldNS)
	if err != nil {
		return "", "", err
	}
	newReal, err := m.realPath(newNS)
	if err != nil {
		return "", "", err
	}

	// lock in a fixed order so concurrent cross renames cannot deadlock
	first, second := oldNS, newNS
	if second < first {
		first, second = second, first
	}
	unlockFirst := m.lock(first)
	defer unlockFirst()
	if first != second {
		unlockSecond := m.lock(second)
		defer unlockSecond()
	}

	if _, err := os.Stat(oldReal); os.IsNotExist(err) {
		return "", "", ErrNotFound
	}
	if _, err := os.Stat(newReal); err == nil {
		return "", "", ErrExists
	}
	if err := os.Rename(oldReal, newReal); err != nil {
		return "", "", fmt.Errorf("failed to rename: %w", err)
	}
	return oldTarget, newTarget, nil
}

// FileExists reports whether a namespaced filename is a regular file on
// disk.
func (m *Manager) FileExists(namespaced string) bool {
	real, err := m.realPath(namespaced)
	if err != nil {
		return false
	}
	info, err := os.Stat(real)
	return err == nil && info.Mode().IsRegular()
}

// WriteStream writes r to the namespaced filename through a temp file
// in the same directory, creating parents as needed. The rename at the
// end makes partially received files invisible.
func (m *Manager) WriteStream(namespaced string, r io.Reader) (int64, error) {
	real, err := m.realPath(namespaced)
	if err != nil {
		return 0, err
	}
	unlock := m.lock(namespaced)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(real), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write stream: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), real); err != nil {
		return 0, fmt.Errorf("failed to finalize file: %w", err)
	}
	return n, nil
}

// Open returns a reader over a namespaced filename for streaming out.
func (m *Manager) Open(namespaced string) (*os.File, int64, error) {
	real, err := m.realPath(namespaced)
	if err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(real)
	if os.IsNotExist(err) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, 0, ErrNotFile
	}
	f, err := os.Open(real)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	return f, info.Size(), nil
}

// RenameOnDisk moves a namespaced filename without virtual path
// bookkeeping. Used for conflict copies during merges.
func (m *Manager) RenameOnDisk(oldNS, newNS string) error {
	oldReal, err := m.realPath(oldNS)
	if err != nil {
		return err
	}
	newReal, err := m.realPath(newNS)
	if err != nil {
		return err
	}
	if _, err := os.Stat(oldReal); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(newReal), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.Rename(oldReal, newReal)
}

// Idempotent replica apply operations. Peers replay directory changes
// that may already have happened here.

// ApplyDirCreate creates a directory, tolerating its existence.
func (m *Manager) ApplyDirCreate(user, virtualPath string) error {
	real, err := m.realPath(Namespaced(user, virtualPath))
	if err != nil {
		return err
	}
	return os.MkdirAll(real, 0o755)
}

// ApplyDirDelete removes an empty directory, tolerating its absence.
func (m *Manager) ApplyDirDelete(user, virtualPath string) error {
	real, err := m.realPath(Namespaced(user, virtualPath))
	if err != nil {
		return err
	}
	err = os.Remove(real)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	// a non-empty replica keeps its extra content
	return nil
}

// ApplyFileDelete removes a file, tolerating its absence.
func (m *Manager) ApplyFileDelete(user, virtualPath string) error {
	real, err := m.realPath(Namespaced(user, virtualPath))
	if err != nil {
		return err
	}
	if err := os.Remove(real); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// ApplyRename replays a rename, tolerating a missing source when the
// destination already exists.
func (m *Manager) ApplyRename(user, oldVirtual, newVirtual string) error {
	oldReal, err := m.realPath(Namespaced(user, oldVirtual))
	if err != nil {
		return err
	}
	newReal, err := m.realPath(Namespaced(user, newVirtual))
	if err != nil {
		return err
	}
	if _, err := os.Stat(oldReal); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(newReal), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.Rename(oldReal, newReal)
}

// Directories walks the tree and returns every directory of every user
// namespace, for state merges.
func (m *Manager) Directories() ([]wire.DirEntry, error) {
	var dirs []wire.DirEntry
	users, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage root: %w", err)
	}
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		user := u.Name()
		userRoot := filepath.Join(m.root, user)
		err := filepath.WalkDir(userRoot, func(p string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() || p == userRoot {
				return err
			}
			rel, err := filepath.Rel(userRoot, p)
			if err != nil {
				return err
			}
			dirs = append(dirs, wire.DirEntry{
				User:        user,
				VirtualPath: "/" + filepath.ToSlash(rel),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk namespace %s: %w", user, err)
		}
	}
	return dirs, nil
}

// CopyName inserts the conflict suffix before the extension, so
// "docs/report.txt" becomes "docs/report_copy.txt".
func CopyName(namespaced string) string {
	dir := path.Dir(namespaced)
	base := path.Base(namespaced)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return path.Join(dir, stem+copySuffix+ext)
}
