package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/types"
	"github.com/dftp-io/dftp/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// bcrypt.MinCost keeps the hashing fast in tests
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := newStore(filepath.Join(t.TempDir(), "users.json"), bcrypt.MinCost)
	require.NoError(t, err)
	return store
}

func TestStoreSeedsOnFirstStart(t *testing.T) {
	store := newTestStore(t)
	assert.True(t, store.UserExists("test"))
	assert.True(t, store.UserExists("admin"))
	assert.True(t, store.CheckPassword("test", "test123"))
	assert.False(t, store.CheckPassword("test", "wrong"))
	assert.False(t, store.CheckPassword("ghost", "test123"))
}

func TestStorePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	store, err := newStore(path, bcrypt.MinCost)
	require.NoError(t, err)
	_, err = store.AddUser("alice", "s3cret")
	require.NoError(t, err)

	reloaded, err := newStore(path, bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, reloaded.CheckPassword("alice", "s3cret"))
	assert.True(t, reloaded.CheckPassword("test", "test123"))
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := newStore(path, bcrypt.MinCost)
	assert.Error(t, err)
}

func TestAddUpdateDeleteUser(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.AddUser("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)
	assert.NotEqual(t, "s3cret", rec.Password)

	_, err = store.AddUser("alice", "other")
	assert.Error(t, err)

	_, err = store.UpdatePassword("alice", "n3w")
	require.NoError(t, err)
	assert.True(t, store.CheckPassword("alice", "n3w"))
	assert.False(t, store.CheckPassword("alice", "s3cret"))

	_, err = store.UpdatePassword("ghost", "x")
	assert.Error(t, err)

	removed, err := store.DeleteUser("alice")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.DeleteUser("alice")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestImportRecordKeepsLocalHash(t *testing.T) {
	store := newTestStore(t)
	local, err := store.AddUser("alice", "local")
	require.NoError(t, err)

	peerHash, err := bcrypt.GenerateFromPassword([]byte("peer"), bcrypt.MinCost)
	require.NoError(t, err)

	changed, err := store.ImportRecord(types.UserRecord{Username: "alice", Password: string(peerHash)})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, store.CheckPassword("alice", "local"))

	changed, err = store.ImportRecord(types.UserRecord{Username: "bob", Password: local.Password})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, store.UserExists("bob"))
}

func TestPutRecordOverwrites(t *testing.T) {
	store := newTestStore(t)
	_, err := store.AddUser("alice", "local")
	require.NoError(t, err)

	peerHash, err := bcrypt.GenerateFromPassword([]byte("peer"), bcrypt.MinCost)
	require.NoError(t, err)

	// broadcast password changes win over the local hash
	changed, err := store.PutRecord(types.UserRecord{Username: "alice", Password: string(peerHash)})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, store.CheckPassword("alice", "peer"))

	// same hash again is a no-op
	changed, err = store.PutRecord(types.UserRecord{Username: "alice", Password: string(peerHash)})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = store.PutRecord(types.UserRecord{Username: "", Password: "x"})
	assert.Error(t, err)
}

func TestReplicaRoundTrip(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)
	_, err := a.AddUser("alice", "s3cret")
	require.NoError(t, err)

	dump, err := NewReplica(a).ExportDump()
	require.NoError(t, err)
	raw, err := json.Marshal(dump)
	require.NoError(t, err)

	require.NoError(t, NewReplica(b).ImportDump(raw, "10.0.0.2"))
	assert.True(t, b.CheckPassword("alice", "s3cret"))

	del, err := json.Marshal(wire.UserUpdatePayload{Op: wire.OpDelete, User: types.UserRecord{Username: "alice"}})
	require.NoError(t, err)
	require.NoError(t, NewReplica(b).ApplyUpdate(del, "10.0.0.2"))
	assert.False(t, b.UserExists("alice"))

	assert.Error(t, NewReplica(b).ApplyUpdate([]byte(`{"op":"rename"}`), "10.0.0.2"))
}
