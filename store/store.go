// Package store implements the single-owner key/value actor: the sole
// goroutine that ever touches the map, the client-reply sink registry, and
// the replica byte-sink registry.
package store

import (
	"bufio"
	"bytes"
	"fmt"
	"time"

	"github.com/l00pss/redserver/logging"
	"github.com/l00pss/redserver/metrics"
	"github.com/l00pss/redserver/resp"
)

// CommandBuffer is the Store actor's inbound channel capacity. The spec
// calls for 32+ on command channels.
const CommandBuffer = 32

// ReplicaBuffer is a replica byte sink's channel capacity. The spec calls
// for >=16 so a slow replica's backpressure throttles writers without
// starving them immediately.
const ReplicaBuffer = 16

// Response is what the Store actor sends back to a client sink.
type Response struct {
	ClientID     int
	Get          *resp.Value // nil means "absent"
	Keys         resp.Value
	ReplicaCount int
	IsClientID   bool
	IsGet        bool
	IsKeys       bool
	IsReplicaCnt bool
}

// Command is one message accepted by the Store actor's inbound channel.
// Only the fields its kind uses are meaningful; kind discriminates.
type Command struct {
	kind kind

	clientSink  chan Response
	replicaSink chan []byte

	key      string
	value    resp.Value
	deadline time.Time // zero means no deadline (Set, not SetEx)

	clientID int
}

type kind int

const (
	kindInitClient kind = iota
	kindInitReplica
	kindCloseClient
	kindCloseReplica
	kindSet
	kindSetEx
	kindGet
	kindAllKeys
	kindReplicaCount
)

// InitClient registers a new client reply sink. The assigned id is sent
// back on that same sink as a ClientID response.
func InitClient(sink chan Response) Command {
	return Command{kind: kindInitClient, clientSink: sink}
}

// InitReplica registers a new replica byte sink. No reply is sent.
func InitReplica(sink chan []byte) Command {
	return Command{kind: kindInitReplica, replicaSink: sink}
}

// CloseClient unregisters a client reply sink, e.g. once its connection has
// been torn down. Safe to send even if the sink was never registered.
func CloseClient(clientID int) Command {
	return Command{kind: kindCloseClient, clientID: clientID}
}

// CloseReplica unregisters a replica byte sink, e.g. once the feeder's
// write to the socket has failed. Safe to send even if the sink is not
// currently registered.
func CloseReplica(sink chan []byte) Command {
	return Command{kind: kindCloseReplica, replicaSink: sink}
}

// Set upserts a permanent string value.
func Set(key string, value resp.Value) Command {
	return Command{kind: kindSet, key: key, value: value}
}

// SetEx upserts an expirable string value with an absolute deadline.
func SetEx(key string, value resp.Value, deadline time.Time) Command {
	return Command{kind: kindSetEx, key: key, value: value, deadline: deadline}
}

// Get requests a lazy-expiring read; the result is sent to the client id's
// sink as a Get response.
func Get(clientID int, key string) Command {
	return Command{kind: kindGet, clientID: clientID, key: key}
}

// AllKeys requests a snapshot of all current keys as a String array, sent
// to the client id's sink as a Keys response.
func AllKeys(clientID int) Command {
	return Command{kind: kindAllKeys, clientID: clientID}
}

// ReplicaCount requests the number of currently registered replica sinks,
// sent to the client id's sink as a ReplicaCount response.
func ReplicaCount(clientID int) Command {
	return Command{kind: kindReplicaCount, clientID: clientID}
}

// entry is either a permanent value or one with an absolute deadline.
type entry struct {
	value    resp.Value
	deadline time.Time // zero means permanent
}

func (e entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// Store owns the key/value map and the sink registries. Run as a single
// goroutine via Loop; every other task reaches it only through Commands.
type Store struct {
	data     map[string]entry
	clients  []chan Response
	replicas []chan []byte
}

// New constructs an empty Store. Entries from an RDB snapshot read at
// startup are added afterwards with Preload.
func New() *Store {
	return &Store{data: make(map[string]entry)}
}

// Preload inserts entries directly into the map before the actor loop
// starts; callers must not call this concurrently with Loop.
func (s *Store) Preload(key string, value resp.Value, deadline time.Time) {
	s.data[key] = entry{value: value, deadline: deadline}
}

// Loop runs the Store actor, processing cmds strictly in FIFO order until
// the channel is closed.
func (s *Store) Loop(cmds <-chan Command) {
	for cmd := range cmds {
		s.handle(cmd)
	}
}

func (s *Store) handle(cmd Command) {
	switch cmd.kind {
	case kindInitClient:
		id := len(s.clients)
		s.clients = append(s.clients, cmd.clientSink)
		cmd.clientSink <- Response{ClientID: id, IsClientID: true}
		metrics.ClientConnections.Inc()

	case kindInitReplica:
		s.replicas = append(s.replicas, cmd.replicaSink)
		metrics.ReplicaConnections.Inc()

	case kindCloseClient:
		if cmd.clientID >= 0 && cmd.clientID < len(s.clients) && s.clients[cmd.clientID] != nil {
			s.clients[cmd.clientID] = nil
			metrics.ClientConnections.Dec()
		}

	case kindCloseReplica:
		for i, sink := range s.replicas {
			if sink == cmd.replicaSink {
				s.replicas = append(s.replicas[:i], s.replicas[i+1:]...)
				metrics.ReplicaConnections.Dec()
				break
			}
		}

	case kindSet:
		requireStringValue(cmd.value)
		s.replicate(setFrame(cmd.key, cmd.value))
		s.data[cmd.key] = entry{value: cmd.value}
		metrics.CommandsProcessed.WithLabelValues("set").Inc()

	case kindSetEx:
		requireStringValue(cmd.value)
		s.replicate(setExFrame(cmd.key, cmd.value, cmd.deadline))
		s.data[cmd.key] = entry{value: cmd.value, deadline: cmd.deadline}
		metrics.CommandsProcessed.WithLabelValues("setex").Inc()

	case kindGet:
		v := s.read(cmd.key)
		s.sendTo(cmd.clientID, Response{Get: v, IsGet: true})
		metrics.CommandsProcessed.WithLabelValues("get").Inc()

	case kindAllKeys:
		keys := make([]resp.Value, 0, len(s.data))
		for k := range s.data {
			keys = append(keys, resp.StringFrom(k))
		}
		s.sendTo(cmd.clientID, Response{Keys: resp.Array(keys...), IsKeys: true})
		metrics.CommandsProcessed.WithLabelValues("keys").Inc()

	case kindReplicaCount:
		s.sendTo(cmd.clientID, Response{ReplicaCount: len(s.replicas), IsReplicaCnt: true})
	}
}

// requireStringValue enforces the spec's "only String values are legal for
// Set/SetEx" rule: a non-String write is a programming error in whatever
// produced the Command (the client loop only ever builds String values from
// SET), so it fails fast rather than silently replicating a malformed frame.
func requireStringValue(v resp.Value) {
	if v.Type != resp.TypeString {
		panic(fmt.Sprintf("store: write command carried non-String value (type %d)", v.Type))
	}
}

// read performs a lazy-expiring lookup: an entry whose deadline has passed
// is removed and "absent" is returned; expiry is never replicated, matching
// the spec's "no deletion emitted for lazy expiry" rule.
func (s *Store) read(key string) *resp.Value {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(s.data, key)
		return nil
	}
	v := e.value
	return &v
}

func (s *Store) sendTo(clientID int, response Response) {
	if clientID < 0 || clientID >= len(s.clients) || s.clients[clientID] == nil {
		logging.Errorf("store: reply requested for unknown or closed client id %d", clientID)
		return
	}
	s.clients[clientID] <- response
}

// replicate pushes an identical copy of the already-encoded frame to every
// currently-registered replica sink before the Store accepts another
// command. This synchronous push inside the Set/SetEx handler is what makes
// the write-ordering invariant fall out of channel FIFO semantics.
func (s *Store) replicate(frame []byte) {
	for _, sink := range s.replicas {
		sink <- frame
		metrics.ReplicationFramesSent.Inc()
	}
}

func setFrame(key string, value resp.Value) []byte {
	v := resp.Array(resp.StringFrom("SET"), resp.StringFrom(key), value)
	return encode(v)
}

func setExFrame(key string, value resp.Value, deadline time.Time) []byte {
	v := resp.Array(
		resp.StringFrom("SET"), resp.StringFrom(key), value,
		resp.StringFrom("PXAT"), resp.Timestamp(deadline.UnixMilli()),
	)
	return encode(v)
}

func encode(v resp.Value) []byte {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	enc := resp.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		// Encoding a value this package itself constructed can only fail on
		// an I/O error from the in-memory buffer, which never happens.
		panic(err)
	}
	if err := enc.Flush(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
