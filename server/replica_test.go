package server

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l00pss/redserver/store"
)

// TestReplicaIngestsMasterWrites runs a real master (Scenario A/B style:
// a SET issued after the replica has completed its handshake) and asserts
// the replica's own Store observes the write.
func TestReplicaIngestsMasterWrites(t *testing.T) {
	masterAddr, cleanupMaster := startTestServerAddr(t)
	defer cleanupMaster()

	replicaStoreCmds := make(chan store.Command, store.CommandBuffer)
	replicaStore := store.New()
	go replicaStore.Loop(replicaStoreCmds)
	defer close(replicaStoreCmds)

	go RunReplica(masterAddr, "6380", replicaStoreCmds)

	// give the replica time to complete the handshake before writing.
	time.Sleep(200 * time.Millisecond)

	masterClient := redis.NewClient(&redis.Options{Addr: masterAddr})
	defer masterClient.Close()
	require.NoError(t, masterClient.Set(context.Background(), "k", "v", 0).Err())

	reply := make(chan store.Response, 1)
	replicaStoreCmds <- store.InitClient(reply)
	id := (<-reply).ClientID

	require.Eventually(t, func() bool {
		replicaStoreCmds <- store.Get(id, "k")
		r := <-reply
		return r.Get != nil && string(r.Get.Str) == "v"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReplicaStateString(t *testing.T) {
	assert.Equal(t, "CONNECTING", stateConnecting.String())
	assert.Equal(t, "STREAMING", stateStreaming.String())
	assert.Equal(t, "TERMINATED", stateTerminated.String())
}
