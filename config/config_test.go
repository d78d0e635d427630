package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l00pss/redserver/store"
)

func TestDefaultKeys(t *testing.T) {
	cfg := New()
	for key, value := range defaultConfig {
		got, ok := cfg.Get(key)
		require.True(t, ok)
		assert.Equal(t, value, got)
	}
}

func TestUpdateExistingKey(t *testing.T) {
	cfg := New()
	prev, had, err := cfg.Update("dbfilename", "new_stuff")
	require.NoError(t, err)
	require.True(t, had)
	assert.Equal(t, "dump.rdb", prev)

	got, ok := cfg.Get("dbfilename")
	require.True(t, ok)
	assert.Equal(t, "new_stuff", got)
}

func TestUpdateUnknownKeyFails(t *testing.T) {
	cfg := New()
	_, _, err := cfg.Update("foo", "bar")
	assert.Error(t, err)
}

func TestBulkUpdateCollectsEveryBadKey(t *testing.T) {
	cfg := New()
	err := cfg.BulkUpdate(map[string]string{
		"foo":  "bar",
		"port": "7000",
		"baz":  "qux",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foo")
	assert.Contains(t, err.Error(), "baz")

	got, ok := cfg.Get("port")
	require.True(t, ok)
	assert.Equal(t, "7000", got)
}

func TestReplicaDigestIsStableFortyHexChars(t *testing.T) {
	cfg := New()
	digest := cfg.replica.digest()
	assert.Len(t, digest, 40)
	assert.Equal(t, digest, cfg.replica.digest())
}

func TestIsReplica(t *testing.T) {
	cfg := New()
	assert.False(t, cfg.IsReplica())

	_, _, err := cfg.Update("replicaof", "127.0.0.1:6380")
	require.NoError(t, err)
	assert.True(t, cfg.IsReplica())
}

func newTestActor(t *testing.T) (*Actor, chan Command, func()) {
	t.Helper()
	cfg := New()
	storeCmds := make(chan store.Command, store.CommandBuffer)
	st := store.New()
	go st.Loop(storeCmds)

	configCmds := make(chan Command, CommandBuffer)
	actor := NewActor(cfg, storeCmds)
	go actor.Loop(configCmds)

	return actor, configCmds, func() { close(configCmds); close(storeCmds) }
}

func TestInfoOnReplicationSectionReflectsRole(t *testing.T) {
	_, cmds, done := newTestActor(t)
	defer done()

	reply := make(chan []string, 1)
	cmds <- InfoOn([]string{"replication"}, reply)
	sections := <-reply

	require.Len(t, sections, 1)
	assert.Contains(t, sections[0], "# Replication")
	assert.Contains(t, sections[0], "role:master")
	assert.Contains(t, sections[0], "connected_slaves:0")
}

func TestInfoOnUnknownSectionIsEmpty(t *testing.T) {
	_, cmds, done := newTestActor(t)
	defer done()

	reply := make(chan []string, 1)
	cmds <- InfoOn([]string{"nonsense"}, reply)
	sections := <-reply

	require.Len(t, sections, 1)
	assert.Equal(t, "", sections[0])
}

func TestGetElidesMissingNames(t *testing.T) {
	_, cmds, done := newTestActor(t)
	defer done()

	reply := make(chan []string, 1)
	cmds <- Get([]string{"port", "nonexistent"}, reply)
	values := <-reply

	assert.Equal(t, []string{"port", "6379"}, values)
}

func TestReplicaDigestCommand(t *testing.T) {
	_, cmds, done := newTestActor(t)
	defer done()

	reply := make(chan string, 1)
	cmds <- ReplicaDigest(reply)
	digest := <-reply
	assert.Len(t, digest, 40)
}
