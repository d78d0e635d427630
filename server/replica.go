package server

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/l00pss/redserver/logging"
	"github.com/l00pss/redserver/resp"
	"github.com/l00pss/redserver/store"
)

// handshakeTimeout bounds every step of the replica handshake.
const handshakeTimeout = 1 * time.Second

// replicaState is the forward-only state machine a replica-ingest task
// moves through. Transitions never go backward; any error beyond
// stateSnapshot terminates the task.
type replicaState int

const (
	stateConnecting replicaState = iota
	statePingSent
	stateReplconf1
	stateReplconf2
	statePsyncSent
	stateSnapshot
	stateStreaming
	stateTerminated
)

func (s replicaState) String() string {
	switch s {
	case stateConnecting:
		return "CONNECTING"
	case statePingSent:
		return "PING_SENT"
	case stateReplconf1:
		return "REPLCONF_1"
	case stateReplconf2:
		return "REPLCONF_2"
	case statePsyncSent:
		return "PSYNC_SENT"
	case stateSnapshot:
		return "SNAPSHOT"
	case stateStreaming:
		return "STREAMING"
	default:
		return "TERMINATED"
	}
}

// RunReplica connects to a master at masterAddr, performs the replication
// handshake, and ingests the write stream into the local Store. It never
// returns until the connection is lost or the handshake fails; callers
// should run it in its own goroutine and are free to retry.
func RunReplica(masterAddr, listeningPort string, storeCmds chan<- store.Command) {
	state := stateConnecting

	conn, err := net.Dial("tcp", masterAddr)
	if err != nil {
		logging.Errorf("replica: failed to connect to master %s: %v", masterAddr, err)
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	dec := resp.NewDecoder(reader)
	enc := resp.NewEncoder(bufio.NewWriter(conn))

	transition := func(next replicaState) {
		state = next
		logging.Debugf("replica: %s -> %s", masterAddr, state)
	}

	transition(statePingSent)
	if err := replicaPing(conn, reader); err != nil {
		logging.Warnf("replica: handshake error at PING: %v", err)
		return
	}

	transition(stateReplconf1)
	replicaReplconfListeningPort(conn, reader, listeningPort)

	transition(stateReplconf2)
	replicaReplconfCapa(conn, reader)

	transition(statePsyncSent)
	if err := replicaPsync(conn, reader, enc); err != nil {
		logging.Warnf("replica: handshake error at PSYNC: %v", err)
		return
	}

	transition(stateSnapshot)
	if err := replicaDiscardSnapshot(conn, reader); err != nil {
		logging.Warnf("replica: handshake error reading snapshot: %v", err)
		return
	}

	transition(stateStreaming)
	logging.Infof("replica: streaming from master %s", masterAddr)
	runIngestLoop(dec, enc, storeCmds)

	transition(stateTerminated)
	logging.Infof("replica: connection to master %s terminated", masterAddr)
}

func withDeadline(conn net.Conn, fn func() error) error {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})
	return fn()
}

func replicaPing(conn net.Conn, reader *bufio.Reader) error {
	return withDeadline(conn, func() error {
		if _, err := conn.Write([]byte("*1\r\n$4\r\nPING\r\n")); err != nil {
			return errors.Wrap(err, "write PING")
		}
		line, err := readSimpleLine(reader)
		if err != nil {
			return errors.Wrap(err, "read PING reply")
		}
		if line != "+PONG" {
			return errors.Errorf("expected PONG, got %q", line)
		}
		return nil
	})
}

// replicaReplconfListeningPort and replicaReplconfCapa are best-effort:
// a timeout or unexpected reply is logged, not fatal, per the handshake's
// documented tolerance beyond PING.
func replicaReplconfListeningPort(conn net.Conn, reader *bufio.Reader, port string) {
	err := withDeadline(conn, func() error {
		cmd := resp.Array(resp.StringFrom("REPLCONF"), resp.StringFrom("listening-port"), resp.StringFrom(port))
		if err := writeCommand(conn, cmd); err != nil {
			return err
		}
		line, err := readSimpleLine(reader)
		if err != nil {
			return err
		}
		if line != "+OK" {
			return errors.Errorf("expected OK, got %q", line)
		}
		return nil
	})
	if err != nil {
		logging.Warnf("replica: REPLCONF listening-port: %v", err)
	}
}

func replicaReplconfCapa(conn net.Conn, reader *bufio.Reader) {
	err := withDeadline(conn, func() error {
		cmd := resp.Array(resp.StringFrom("REPLCONF"), resp.StringFrom("capa"), resp.StringFrom("psync2"))
		if err := writeCommand(conn, cmd); err != nil {
			return err
		}
		line, err := readSimpleLine(reader)
		if err != nil {
			return err
		}
		if line != "+OK" {
			return errors.Errorf("expected OK, got %q", line)
		}
		return nil
	})
	if err != nil {
		logging.Warnf("replica: REPLCONF capa psync2: %v", err)
	}
}

func replicaPsync(conn net.Conn, reader *bufio.Reader, enc *resp.Encoder) error {
	return withDeadline(conn, func() error {
		cmd := resp.Array(resp.StringFrom("PSYNC"), resp.StringFrom("?"), resp.StringFrom("-1"))
		if err := writeCommand(conn, cmd); err != nil {
			return err
		}
		line, err := readSimpleLine(reader)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(line, "+FULLRESYNC") {
			return errors.Errorf("expected FULLRESYNC, got %q", line)
		}
		return nil
	})
}

// replicaDiscardSnapshot reads the bulk-length-prefixed RDB payload that
// follows FULLRESYNC and discards it; no trailing CRLF follows the payload.
func replicaDiscardSnapshot(conn net.Conn, reader *bufio.Reader) error {
	return withDeadline(conn, func() error {
		header, err := reader.ReadString('\n')
		if err != nil {
			return errors.Wrap(err, "read snapshot bulk header")
		}
		header = strings.TrimRight(header, "\r\n")
		if len(header) == 0 || header[0] != '$' {
			return errors.Errorf("expected bulk header, got %q", header)
		}
		n, err := strconv.Atoi(header[1:])
		if err != nil || n < 0 {
			return errors.Errorf("invalid snapshot length %q", header)
		}
		if _, err := io.CopyN(io.Discard, reader, int64(n)); err != nil {
			return errors.Wrap(err, "read snapshot payload")
		}
		return nil
	})
}

// runIngestLoop decodes frames from the master and applies SET commands to
// the local Store, replies to REPLCONF GETACK, and ignores everything else.
// byteCount is the cumulative size of every frame consumed since streaming
// began, including the GETACK frame that triggers the reply currently being
// sent -- the counter advances before dispatch, not after.
func runIngestLoop(dec *resp.Decoder, enc *resp.Encoder, storeCmds chan<- store.Command) {
	var byteCount int64

	for {
		cmd, err := dec.Decode()
		if err != nil {
			if err != io.EOF {
				logging.Warnf("replica: ingest decode error: %v", err)
			}
			return
		}
		byteCount += int64(cmd.ByteLength)

		if len(cmd.Args) == 0 {
			continue
		}
		name := strings.ToLower(string(cmd.Args[0]))
		args := cmd.Args[1:]

		switch name {
		case "set":
			applySet(storeCmds, args)
		case "replconf":
			if len(args) >= 1 && strings.EqualFold(string(args[0]), "getack") {
				ack := resp.Array(
					resp.StringFrom("REPLCONF"), resp.StringFrom("ACK"),
					resp.StringFrom(strconv.FormatInt(byteCount, 10)),
				)
				if err := enc.Encode(ack); err != nil {
					logging.Warnf("replica: failed to send GETACK reply: %v", err)
					return
				}
				if err := enc.Flush(); err != nil {
					logging.Warnf("replica: failed to flush GETACK reply: %v", err)
					return
				}
			}
		case "ping":
			// consumed silently
		default:
			logging.Debugf("replica: ignoring command %q from master", name)
		}
	}
}

func applySet(storeCmds chan<- store.Command, args [][]byte) {
	switch len(args) {
	case 2:
		storeCmds <- store.Set(string(args[0]), resp.String(args[1]))
	case 4:
		if !strings.EqualFold(string(args[2]), "px") {
			logging.Warnf("replica: malformed SET from master: syntax error")
			return
		}
		ms, err := strconv.ParseInt(string(args[3]), 10, 64)
		if err != nil {
			logging.Warnf("replica: malformed SET from master: bad PX value")
			return
		}
		deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
		storeCmds <- store.SetEx(string(args[0]), resp.String(args[1]), deadline)
	default:
		logging.Warnf("replica: malformed SET from master: wrong arity")
	}
}

func writeCommand(conn net.Conn, v resp.Value) error {
	w := bufio.NewWriter(conn)
	enc := resp.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Flush()
}

func readSimpleLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
