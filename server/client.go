// Package server implements the per-connection tasks: the master-side
// client command loop, the replica-feeder a PSYNC promotes a connection
// into, and the replica-side task that ingests a stream from a master.
package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/l00pss/redserver/config"
	"github.com/l00pss/redserver/logging"
	"github.com/l00pss/redserver/resp"
	"github.com/l00pss/redserver/store"
)

// Deps bundles the channels a connection task needs to reach the Store and
// Config actors. Every connection task receives one of these; none of them
// touch actor-owned state directly.
type Deps struct {
	StoreCmds  chan<- store.Command
	ConfigCmds chan<- config.Command
}

// ServeClient runs the master-side client command loop for one accepted
// TCP connection until the client disconnects or a decode error occurs.
func ServeClient(conn net.Conn, deps Deps) {
	defer conn.Close()

	trace := uuid.NewString()
	logging.Infof("server: accepted %s trace=%s", conn.RemoteAddr(), trace)

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	dec := resp.NewDecoder(reader)
	enc := resp.NewEncoder(writer)

	clientID, replyCh := registerClient(deps.StoreCmds)
	defer func() { deps.StoreCmds <- store.CloseClient(clientID) }()

	c := &client{
		conn:    conn,
		dec:     dec,
		enc:     enc,
		deps:    deps,
		id:      clientID,
		replyCh: replyCh,
	}

	for {
		cmd, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				return
			}
			_ = enc.SimpleError("ERR " + err.Error())
			_ = enc.Flush()
			logging.Warnf("server: client %d decode error: %v", clientID, err)
			return
		}
		if len(cmd.Args) == 0 {
			continue
		}

		name := strings.ToLower(string(cmd.Args[0]))
		args := cmd.Args[1:]
		logging.Debugf("server: client %d dispatching %s (%d args)", clientID, name, len(args))

		if name == "psync" {
			if !c.dispatchPsync(args) {
				return
			}
			// PSYNC succeeded: this connection is now a replica feeder.
			c.runFeeder()
			return
		}

		if err := c.dispatch(name, args); err != nil {
			_ = enc.SimpleError("ERR " + err.Error())
			logging.Warnf("server: client %d command %q failed: %v", clientID, name, err)
		}
		if err := enc.Flush(); err != nil {
			logging.Warnf("server: client %d flush error: %v", clientID, err)
			return
		}
	}
}

func registerClient(storeCmds chan<- store.Command) (int, chan store.Response) {
	reply := make(chan store.Response, 1)
	storeCmds <- store.InitClient(reply)
	r := <-reply
	return r.ClientID, reply
}

type client struct {
	conn    net.Conn
	dec     *resp.Decoder
	enc     *resp.Encoder
	deps    Deps
	id      int
	replyCh chan store.Response
}

func (c *client) dispatch(name string, args [][]byte) error {
	switch name {
	case "ping":
		return c.handlePing(args)
	case "echo":
		return c.handleEcho(args)
	case "hello":
		return c.handleHello(args)
	case "set":
		return c.handleSet(args)
	case "get":
		return c.handleGet(args)
	case "config":
		return c.handleConfig(args)
	case "keys":
		return c.handleKeys(args)
	case "info":
		return c.handleInfo(args)
	case "replconf":
		return c.enc.SimpleString("OK")
	default:
		return errors.Errorf("unknown command %q, with args beginning with: %s", name, joinQuoted(args))
	}
}

func joinQuoted(args [][]byte) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = "'" + string(a) + "'"
	}
	return strings.Join(parts, " ")
}

func (c *client) handlePing(args [][]byte) error {
	switch len(args) {
	case 0:
		return c.enc.SimpleString("PONG")
	case 1:
		return c.enc.Encode(resp.String(args[0]))
	default:
		return errors.New("wrong number of arguments for 'ping' command")
	}
}

func (c *client) handleEcho(args [][]byte) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments for 'echo' command")
	}
	return c.enc.Encode(resp.String(args[0]))
}

func (c *client) handleHello(args [][]byte) error {
	if len(args) != 0 {
		return errors.New("wrong number of arguments for 'hello' command")
	}
	return c.enc.Encode(helloInfo)
}

func (c *client) handleSet(args [][]byte) error {
	switch len(args) {
	case 2:
		c.deps.StoreCmds <- store.Set(string(args[0]), resp.String(args[1]))
		return c.enc.SimpleString("OK")
	case 4:
		if !strings.EqualFold(string(args[2]), "px") {
			return errors.New("syntax error")
		}
		ms, err := strconv.ParseInt(string(args[3]), 10, 64)
		if err != nil {
			return errors.New("value is not an integer or out of range")
		}
		deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
		c.deps.StoreCmds <- store.SetEx(string(args[0]), resp.String(args[1]), deadline)
		return c.enc.SimpleString("OK")
	default:
		return errors.New("wrong number of arguments for 'set' command")
	}
}

func (c *client) handleGet(args [][]byte) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments for 'get' command")
	}
	c.deps.StoreCmds <- store.Get(c.id, string(args[0]))
	r := <-c.replyCh
	if r.Get == nil {
		return c.enc.NullBulk()
	}
	switch r.Get.Type {
	case resp.TypeString, resp.TypeInt, resp.TypeTimestamp:
		return c.enc.Encode(*r.Get)
	default:
		return c.wrongType()
	}
}

func (c *client) wrongType() error {
	return c.enc.SimpleError("WRONGTYPE Operation against a key holding the wrong kind of value")
}

func (c *client) handleConfig(args [][]byte) error {
	if len(args) == 0 {
		return errors.New("wrong number of arguments for 'config' command")
	}
	sub := strings.ToLower(string(args[0]))
	rest := args[1:]
	switch sub {
	case "get":
		return c.handleConfigGet(rest)
	case "help":
		return c.handleConfigHelp(rest)
	default:
		return errors.Errorf("unknown subcommand '%s'. Try CONFIG HELP", args[0])
	}
}

func (c *client) handleConfigGet(args [][]byte) error {
	if len(args) == 0 {
		return errors.New("wrong number of arguments for 'config|get' command")
	}
	names := make([]string, len(args))
	for i, a := range args {
		names[i] = strings.ToLower(string(a))
	}

	reply := make(chan []string, 1)
	c.deps.ConfigCmds <- config.Get(names, reply)
	pairs := <-reply

	values := make([]resp.Value, len(pairs))
	for i, p := range pairs {
		values[i] = resp.StringFrom(p)
	}
	return c.enc.Encode(resp.Array(values...))
}

func (c *client) handleConfigHelp(args [][]byte) error {
	if len(args) != 0 {
		return errors.New("wrong number of arguments for 'config|help' command")
	}
	values := make([]resp.Value, len(configHelpLines))
	for i, line := range configHelpLines {
		values[i] = resp.StringFrom(line)
	}
	return c.enc.Encode(resp.Array(values...))
}

func (c *client) handleKeys(args [][]byte) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments for 'keys' command")
	}
	pattern := string(args[0])

	if pattern == "*" {
		c.deps.StoreCmds <- store.AllKeys(c.id)
		r := <-c.replyCh
		return c.enc.Encode(r.Keys)
	}

	if strings.Contains(pattern, "*") {
		return errors.New("general pattern matching unsupported")
	}

	c.deps.StoreCmds <- store.Get(c.id, pattern)
	r := <-c.replyCh
	if r.Get == nil {
		return c.enc.Encode(resp.Array())
	}
	return c.enc.Encode(resp.Array(resp.StringFrom(pattern)))
}

func (c *client) handleInfo(args [][]byte) error {
	var text string
	if len(args) == 0 {
		reply := make(chan string, 1)
		c.deps.ConfigCmds <- config.AllInfo(reply)
		text = <-reply
	} else {
		seen := make(map[string]bool, len(args))
		var sections []string
		for _, a := range args {
			s := strings.ToLower(string(a))
			if !seen[s] {
				seen[s] = true
				sections = append(sections, s)
			}
		}
		reply := make(chan []string, 1)
		c.deps.ConfigCmds <- config.InfoOn(sections, reply)
		rendered := <-reply
		var nonEmpty []string
		for _, r := range rendered {
			if r != "" {
				nonEmpty = append(nonEmpty, r)
			}
		}
		text = strings.Join(nonEmpty, "\r\n")
	}
	if text != "" {
		text += "\r\n"
	}
	return c.enc.Encode(resp.StringFrom(text))
}

// dispatchPsync validates PSYNC args and, on success, sends the FULLRESYNC
// reply and empty-RDB snapshot. It returns false if the connection must be
// closed (bad arguments).
func (c *client) dispatchPsync(args [][]byte) bool {
	if len(args) != 2 || string(args[0]) != "?" || string(args[1]) != "-1" {
		_ = c.enc.SimpleError("ERR Unsupported PSYNC arguments")
		_ = c.enc.Flush()
		logging.Warnf("server: client %d sent unsupported PSYNC arguments", c.id)
		return false
	}

	replidCh := make(chan string, 1)
	c.deps.ConfigCmds <- config.ReplicaDigest(replidCh)
	replid := <-replidCh

	if err := c.enc.SimpleString(fmt.Sprintf("FULLRESYNC %s 0", replid)); err != nil {
		return false
	}
	if err := c.enc.RawBulk(emptyRDB); err != nil {
		return false
	}
	if err := c.enc.Flush(); err != nil {
		return false
	}
	return true
}

// runFeeder promotes the connection to a pure forwarding loop: it registers
// a new replica byte sink with the Store and writes every frame the Store
// pushes to it, verbatim, never reading from the socket again.
func (c *client) runFeeder() {
	sink := make(chan []byte, store.ReplicaBuffer)
	c.deps.StoreCmds <- store.InitReplica(sink)
	defer func() { c.deps.StoreCmds <- store.CloseReplica(sink) }()

	for frame := range sink {
		if _, err := c.conn.Write(frame); err != nil {
			logging.Warnf("server: replica feeder %d write error: %v", c.id, err)
			return
		}
	}
}
