package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dftp-io/dftp/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestNormalizeVirtual(t *testing.T) {
	tests := []struct {
		cwd, path, want string
	}{
		{"/", "docs", "/docs"},
		{"/docs", "report.txt", "/docs/report.txt"},
		{"/docs", "/other", "/other"},
		{"/docs", "..", "/"},
		{"/docs", "../../..", "/"},
		{"/a/b", "./c", "/a/b/c"},
		{"", "x", "/x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeVirtual(tt.cwd, tt.path), "cwd=%q path=%q", tt.cwd, tt.path)
	}
}

func TestNamespaced(t *testing.T) {
	assert.Equal(t, "alice/docs/report.txt", Namespaced("alice", "/docs/report.txt"))
	assert.Equal(t, "alice", Namespaced("alice", "/"))
}

func TestTraversalCannotEscapeRoot(t *testing.T) {
	m := newTestManager(t)

	// dot segments collapse inside the virtual tree
	_, err := m.MakeDir("alice", "/", "../../../etc")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(mustStatPath(t, m, "alice", "/etc"), "/"))

	// a crafted namespaced name is rejected outright
	_, err = m.realPath("../outside")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func mustStatPath(t *testing.T, m *Manager, user, p string) string {
	t.Helper()
	info, err := m.Stat(user, "/", p)
	require.NoError(t, err)
	return info.Path
}

func TestMakeListRemoveDir(t *testing.T) {
	m := newTestManager(t)

	vpath, err := m.MakeDir("alice", "/", "docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs", vpath)

	_, err = m.MakeDir("alice", "/", "docs")
	assert.ErrorIs(t, err, ErrExists)

	_, err = m.MakeDir("alice", "/", "deep/nested/dir")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := m.List("alice", "/", ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, names)

	// other users never see it
	names, err = m.List("bob", "/", ".")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = m.RemoveDir("alice", "/", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	vpath, err = m.RemoveDir("alice", "/", "docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs", vpath)
}

func TestRemoveDirRejectsNonEmpty(t *testing.T) {
	m := newTestManager(t)
	_, err := m.MakeDir("alice", "/", "docs")
	require.NoError(t, err)
	_, err = m.WriteStream("alice/docs/a.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	_, err = m.RemoveDir("alice", "/", "docs")
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestChangeDir(t *testing.T) {
	m := newTestManager(t)
	_, err := m.MakeDir("alice", "/", "docs")
	require.NoError(t, err)

	cwd, err := m.ChangeDir("alice", "/", "docs")
	require.NoError(t, err)
	assert.Equal(t, "/docs", cwd)

	cwd, err = m.ChangeDir("alice", "/docs", "..")
	require.NoError(t, err)
	assert.Equal(t, "/", cwd)

	_, err = m.ChangeDir("alice", "/", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.WriteStream("alice/file.txt", strings.NewReader("x"))
	require.NoError(t, err)
	_, err = m.ChangeDir("alice", "/", "file.txt")
	assert.ErrorIs(t, err, ErrNotDir)

	// the namespace root is always enterable, even before first write
	cwd, err = m.ChangeDir("carol", "/", "/")
	require.NoError(t, err)
	assert.Equal(t, "/", cwd)
}

func TestWriteReadDeleteFile(t *testing.T) {
	m := newTestManager(t)

	n, err := m.WriteStream("alice/docs/report.txt", strings.NewReader("content here"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.True(t, m.FileExists("alice/docs/report.txt"))

	f, size, err := m.Open("alice/docs/report.txt")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(12), size)

	buf := make([]byte, 64)
	read, _ := f.Read(buf)
	assert.Equal(t, "content here", string(buf[:read]))

	vpath, err := m.DeleteFile("alice", "/docs", "report.txt")
	require.NoError(t, err)
	assert.Equal(t, "/docs/report.txt", vpath)
	assert.False(t, m.FileExists("alice/docs/report.txt"))

	_, err = m.DeleteFile("alice", "/docs", "report.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRename(t *testing.T) {
	m := newTestManager(t)
	_, err := m.WriteStream("alice/a.txt", strings.NewReader("x"))
	require.NoError(t, err)

	oldV, newV, err := m.Rename("alice", "/", "a.txt", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/a.txt", oldV)
	assert.Equal(t, "/b.txt", newV)
	assert.True(t, m.FileExists("alice/b.txt"))
	assert.False(t, m.FileExists("alice/a.txt"))

	_, _, err = m.Rename("alice", "/", "ghost.txt", "c.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.WriteStream("alice/c.txt", strings.NewReader("y"))
	require.NoError(t, err)
	_, _, err = m.Rename("alice", "/", "b.txt", "c.txt")
	assert.ErrorIs(t, err, ErrExists)
}

func TestListDetailedFormat(t *testing.T) {
	m := newTestManager(t)
	_, err := m.WriteStream("alice/report.txt", strings.NewReader("12345"))
	require.NoError(t, err)

	lines, err := m.ListDetailed("alice", "/", ".")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "1 owner group")
	assert.True(t, strings.HasSuffix(lines[0], "report.txt"))
	assert.Contains(t, lines[0], "       5 ")
}

func TestStat(t *testing.T) {
	m := newTestManager(t)
	_, err := m.MakeDir("alice", "/", "docs")
	require.NoError(t, err)
	_, err = m.WriteStream("alice/docs/report.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	info, err := m.Stat("alice", "/docs", "report.txt")
	require.NoError(t, err)
	assert.Equal(t, "report.txt", info.Name)
	assert.Equal(t, "/docs/report.txt", info.Path)
	assert.Equal(t, int64(5), info.Size)
	assert.True(t, info.IsFile)
	assert.False(t, info.IsDir)

	info, err = m.Stat("alice", "/", "docs")
	require.NoError(t, err)
	assert.True(t, info.IsDir)

	_, err = m.Stat("alice", "/", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectoriesDump(t *testing.T) {
	m := newTestManager(t)
	_, err := m.MakeDir("alice", "/", "docs")
	require.NoError(t, err)
	_, err = m.MakeDir("alice", "/docs", "2026")
	require.NoError(t, err)
	_, err = m.MakeDir("bob", "/", "music")
	require.NoError(t, err)

	dirs, err := m.Directories()
	require.NoError(t, err)
	require.Len(t, dirs, 3)

	paths := make(map[string]string)
	for _, d := range dirs {
		paths[d.User+":"+d.VirtualPath] = d.User
	}
	assert.Contains(t, paths, "alice:/docs")
	assert.Contains(t, paths, "alice:/docs/2026")
	assert.Contains(t, paths, "bob:/music")
}

func TestApplyOpsAreIdempotent(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.ApplyDirCreate("alice", "/docs"))
	require.NoError(t, m.ApplyDirCreate("alice", "/docs"))

	require.NoError(t, m.ApplyFileDelete("alice", "/ghost.txt"))

	require.NoError(t, m.ApplyRename("alice", "/ghost.txt", "/other.txt"))

	require.NoError(t, m.ApplyDirDelete("alice", "/docs"))
	require.NoError(t, m.ApplyDirDelete("alice", "/docs"))
}

func TestCopyName(t *testing.T) {
	assert.Equal(t, "alice/report_copy.txt", CopyName("alice/report.txt"))
	assert.Equal(t, "alice/docs/data_copy", CopyName("alice/docs/data"))
	assert.Equal(t, "a.tar_copy.gz", CopyName("a.tar.gz"))
}
