// Package config implements the Config actor: the sole owner of the
// configuration map and of the server's replication identity. Every other
// task reaches it only through Commands on its channel.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/l00pss/redserver/store"
)

// CommandBuffer is the Config actor's inbound channel capacity.
const CommandBuffer = 32

var acceptableKeys = map[string]bool{
	"bind-source-addr": true,
	"dbfilename":       true,
	"dir":              true,
	"port":             true,
	"replicaof":        true,
	"master_replid":    true,
}

var defaultConfig = map[string]string{
	"bind-source-addr": "127.0.0.1",
	"dbfilename":       "dump.rdb",
	"dir":              ".",
	"port":             "6379",
}

// ReplicaInfo is the server's replication identity: a stable 40-hex-char
// run id and the replication byte offset.
type ReplicaInfo struct {
	replid string
	offset int64
}

// newReplicaInfo generates a fresh 40-hex-character replid. No id library
// in the example corpus produces a 40-char hex string natively, so this is
// grounded on crypto/rand + crypto/sha1 (see DESIGN.md).
func newReplicaInfo() ReplicaInfo {
	seed := make([]byte, 20)
	if _, err := rand.Read(seed); err != nil {
		// crypto/rand failing means the platform RNG is broken; there is no
		// sane way to run a replication-capable server without one.
		panic(errors.Wrap(err, "config: failed to seed replid"))
	}
	sum := sha1.Sum(seed)
	return ReplicaInfo{replid: hex.EncodeToString(sum[:])}
}

func (r ReplicaInfo) digest() string { return r.replid }

// Configuration holds the closed set of known keys and the replication
// identity. It is mutated only before the actor Loop starts; the Loop
// itself only reads it.
type Configuration struct {
	values  map[string]string
	replica ReplicaInfo
}

// New returns a Configuration preloaded with defaults.
func New() *Configuration {
	values := make(map[string]string, len(defaultConfig))
	for k, v := range defaultConfig {
		values[k] = v
	}
	return &Configuration{values: values, replica: newReplicaInfo()}
}

// Update sets a single key, returning the previous value if any. It rejects
// any key outside the closed acceptable set.
func (c *Configuration) Update(key, value string) (previous string, had bool, err error) {
	if !acceptableKeys[key] {
		return "", false, errors.Errorf("attempting to set unknown config entry: %q", key)
	}
	previous, had = c.values[key]
	c.values[key] = value
	return previous, had, nil
}

// BulkUpdate applies every pair, batching validation failures with
// go-multierror so a caller (e.g. the CLI at startup) sees every bad key at
// once instead of failing on the first.
func (c *Configuration) BulkUpdate(pairs map[string]string) error {
	var result *multierror.Error
	for key, value := range pairs {
		if _, _, err := c.Update(key, value); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Get returns a single value and whether it was present.
func (c *Configuration) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// IsReplica reports whether replicaof has been set.
func (c *Configuration) IsReplica() bool {
	_, ok := c.values["replicaof"]
	return ok
}

// BindingAddress joins bind-source-addr and port as host:port.
func (c *Configuration) BindingAddress() (string, error) {
	addr, ok := c.values["bind-source-addr"]
	if !ok {
		return "", errors.New("config: missing bind-source-addr")
	}
	port, ok := c.values["port"]
	if !ok {
		return "", errors.New("config: missing port")
	}
	return addr + ":" + port, nil
}

// Command is one message accepted by the Config actor's inbound channel.
type Command struct {
	kind kind

	items    []string
	sections []string

	replyStrings chan []string
	replyString  chan string
}

type kind int

const (
	kindGet kind = iota
	kindAllInfo
	kindInfoOn
	kindReplicaDigest
)

// Get requests key/value pairs for each name in items, present names only.
func Get(items []string, reply chan []string) Command {
	return Command{kind: kindGet, items: items, replyStrings: reply}
}

// AllInfo requests the full INFO text across every known section.
func AllInfo(reply chan string) Command {
	return Command{kind: kindAllInfo, replyString: reply}
}

// InfoOn requests rendered text for each named section.
func InfoOn(sections []string, reply chan []string) Command {
	return Command{kind: kindInfoOn, sections: sections, replyStrings: reply}
}

// ReplicaDigest requests the current replid hex string.
func ReplicaDigest(reply chan string) Command {
	return Command{kind: kindReplicaDigest, replyString: reply}
}

var knownSections = map[string]bool{"replication": true}

// Actor runs the Config actor loop. storeCmds is used for the single
// synchronous round trip needed to render the live connected_slaves count;
// no other state is shared with the Store.
type Actor struct {
	cfg       *Configuration
	storeCmds chan<- store.Command

	storeReply chan store.Response
	storeID    int
	registered bool
}

// NewActor wires a Configuration to the Store's command channel, used only
// to query the live replica count when rendering the replication section.
func NewActor(cfg *Configuration, storeCmds chan<- store.Command) *Actor {
	return &Actor{cfg: cfg, storeCmds: storeCmds}
}

// Loop processes cmds strictly in FIFO order until the channel is closed.
func (a *Actor) Loop(cmds <-chan Command) {
	for cmd := range cmds {
		a.handle(cmd)
	}
}

func (a *Actor) handle(cmd Command) {
	switch cmd.kind {
	case kindGet:
		var out []string
		for _, name := range cmd.items {
			if v, ok := a.cfg.Get(name); ok {
				out = append(out, name, v)
			}
		}
		cmd.replyStrings <- out

	case kindAllInfo:
		var sections []string
		for section := range knownSections {
			sections = append(sections, section)
		}
		var rendered []string
		for _, section := range sections {
			rendered = append(rendered, a.render(section))
		}
		cmd.replyString <- strings.Join(rendered, "\r\n")

	case kindInfoOn:
		var out []string
		for _, section := range cmd.sections {
			out = append(out, a.render(section))
		}
		cmd.replyStrings <- out

	case kindReplicaDigest:
		cmd.replyString <- a.cfg.replica.digest()
	}
}

// render produces the text for a single INFO section, or "" for an
// unrecognized one.
func (a *Actor) render(section string) string {
	if section != "replication" {
		return ""
	}

	role := "master"
	if a.cfg.IsReplica() {
		role = "slave"
	}

	lines := []string{
		"# Replication",
		"role:" + role,
		fmt.Sprintf("connected_slaves:%d", a.connectedSlaves()),
		"master_replid:" + a.cfg.replica.digest(),
		fmt.Sprintf("master_repl_offset:%d", a.cfg.replica.offset),
	}
	return strings.Join(lines, "\r\n")
}

// connectedSlaves makes a single synchronous round trip to the Store actor
// to fetch the live replica count. The Config actor registers its own
// client sink once, lazily, and reuses it for every subsequent query.
func (a *Actor) connectedSlaves() int {
	if !a.registered {
		a.storeReply = make(chan store.Response, 1)
		a.storeCmds <- store.InitClient(a.storeReply)
		init := <-a.storeReply
		a.storeID = init.ClientID
		a.registered = true
	}
	a.storeCmds <- store.ReplicaCount(a.storeID)
	count := <-a.storeReply
	return count.ReplicaCount
}
