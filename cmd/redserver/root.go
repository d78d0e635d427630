package main

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/l00pss/redserver/config"
	"github.com/l00pss/redserver/logging"
	"github.com/l00pss/redserver/metrics"
	"github.com/l00pss/redserver/rdb"
	"github.com/l00pss/redserver/resp"
	"github.com/l00pss/redserver/server"
	"github.com/l00pss/redserver/store"
)

var (
	flagPort           int
	flagDir            string
	flagDBFilename     string
	flagReplicaOf      string
	flagBindSourceAddr string
	flagLogLevel       string
	flagMetricsAddr    string
)

var rootCmd = &cobra.Command{
	Use:   "redserver",
	Short: "A single-node, in-memory, RESP2-compatible key/value server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.IntVar(&flagPort, "port", 6379, "TCP port to listen on")
	flags.StringVar(&flagDir, "dir", ".", "directory containing the RDB snapshot")
	flags.StringVar(&flagDBFilename, "dbfilename", "dump.rdb", "RDB snapshot file name")
	flags.StringVar(&flagReplicaOf, "replicaof", "", `"<host> <port>" of a master to replicate from`)
	flags.StringVar(&flagBindSourceAddr, "bind-source-addr", "127.0.0.1", "address to bind the listener on")
	flags.StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn, or error")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "Prometheus exporter bind address, empty disables it")
}

func run() error {
	logging.SetOptions(logging.Options{Level: flagLogLevel})

	cfg := config.New()
	overrides := map[string]string{
		"bind-source-addr": flagBindSourceAddr,
		"dbfilename":       flagDBFilename,
		"dir":              flagDir,
		"port":             cast.ToString(flagPort),
	}
	if flagReplicaOf != "" {
		normalized, err := normalizeReplicaOf(flagReplicaOf)
		if err != nil {
			return err
		}
		overrides["replicaof"] = normalized
	}
	if err := cfg.BulkUpdate(overrides); err != nil {
		return err
	}

	st := store.New()
	preloadFromRDB(st, cfg)

	storeCmds := make(chan store.Command, store.CommandBuffer)
	configCmds := make(chan config.Command, config.CommandBuffer)

	go st.Loop(storeCmds)
	go config.NewActor(cfg, storeCmds).Loop(configCmds)

	if flagMetricsAddr != "" {
		go func() {
			if err := metrics.Serve(flagMetricsAddr); err != nil {
				logging.Errorf("metrics: exporter stopped: %v", err)
			}
		}()
	}

	if replicaof, ok := cfg.Get("replicaof"); ok {
		go server.RunReplica(replicaof, cast.ToString(flagPort), storeCmds)
	}

	addr, err := cfg.BindingAddress()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()
	logging.Infof("redserver: listening on %s", addr)

	deps := server.Deps{StoreCmds: storeCmds, ConfigCmds: configCmds}
	for {
		conn, err := ln.Accept()
		if err != nil {
			logging.Errorf("redserver: accept error: %v", err)
			continue
		}
		go server.ServeClient(conn, deps)
	}
}

// normalizeReplicaOf turns the CLI's "<host> <port>" form into "<host>:<port>".
func normalizeReplicaOf(v string) (string, error) {
	parts := strings.Fields(v)
	if len(parts) != 2 {
		return "", fmt.Errorf(`--replicaof must be "<host> <port>", got %q`, v)
	}
	return parts[0] + ":" + parts[1], nil
}

// preloadFromRDB loads dir/dbfilename into the Store before the actor loop
// starts, if present. A missing snapshot is not an error -- an empty store
// is a valid starting state.
func preloadFromRDB(st *store.Store, cfg *config.Configuration) {
	dir, _ := cfg.Get("dir")
	filename, _ := cfg.Get("dbfilename")
	path := filepath.Join(dir, filename)

	r, err := rdb.Open(path)
	if err != nil {
		logging.Debugf("redserver: no RDB snapshot loaded from %s: %v", path, err)
		return
	}
	defer r.Close()

	logging.Infof("redserver: loading RDB version %d, %d aux fields", r.Version, len(r.Meta))

	var count int
	for {
		entry, ok, err := r.Next()
		if err != nil {
			logging.Errorf("redserver: error reading RDB entry: %v", err)
			return
		}
		if !ok {
			break
		}
		st.Preload(entry.Key, resp.StringFrom(entry.Value), entry.Expires)
		count++
	}
	logging.Infof("redserver: preloaded %d keys from %s", count, path)
}
