// rsmctl inspects nodes. entries and metadata read the bolt storage of a
// stopped node; node queries running nodes over RPC.
//
//	rsmctl entries ./data/node-1
//	rsmctl metadata ./data/node-1
//	rsmctl node 127.0.0.1:60061 127.0.0.1:60062
//	rsmctl put 7 seven 127.0.0.1:60061 127.0.0.1:60062
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/lumadb/rsm/pkg/cluster"
	"github.com/lumadb/rsm/pkg/hashstore"
	"github.com/lumadb/rsm/pkg/router"
	"github.com/lumadb/rsm/pkg/statemachine"
	"github.com/lumadb/rsm/pkg/storage"
	"github.com/lumadb/rsm/pkg/transport"
	"go.uber.org/zap"
)

const usage = `usage: rsmctl <command> [flags] <args>

commands:
  entries <data-dir>     print the stored log entries
  metadata <data-dir>    print hard state, conf state and snapshot
  node <addr>...         print debug info of running nodes
  put <key> <value> <addr>...
                         insert into a memstore cluster through its leader
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "rsmctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	raw := fs.Bool("raw", false, "do not decode commands and plugin state")
	timeout := fs.Duration("timeout", 5*time.Second, "RPC timeout")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	var reg *statemachine.Registry
	if !*raw {
		reg = statemachine.NewRegistry()
		hashstore.Register(reg)
	}

	switch args[0] {
	case "entries":
		if fs.NArg() != 1 {
			return errors.New(usage)
		}
		return describeEntries(fs.Arg(0), reg, out)
	case "metadata":
		if fs.NArg() != 1 {
			return errors.New(usage)
		}
		return describeMetadata(fs.Arg(0), reg, out)
	case "node":
		if fs.NArg() == 0 {
			return errors.New(usage)
		}
		return debugNodes(fs.Args(), *timeout, out)
	case "put":
		if fs.NArg() < 3 {
			return errors.New(usage)
		}
		key, err := strconv.ParseUint(fs.Arg(0), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key %q: %w", fs.Arg(0), err)
		}
		return put(key, fs.Arg(1), fs.Args()[2:], *timeout, out)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func openReadOnly(dir string) (*storage.BoltStorage, error) {
	return storage.OpenBolt(dir, &storage.BoltOptions{ReadOnly: true})
}

func describeEntries(dir string, reg *statemachine.Registry, out io.Writer) error {
	s, err := openReadOnly(dir)
	if err != nil {
		return err
	}
	defer s.Close()

	ents, err := s.AllEntries()
	if err != nil {
		return err
	}
	return writeJSON(out, cluster.DescribeEntries(ents, reg))
}

type metadata struct {
	HardState  storage.HardState    `json:"hard_state"`
	ConfState  storage.ConfState    `json:"conf_state"`
	FirstIndex uint64               `json:"first_index"`
	LastIndex  uint64               `json:"last_index"`
	Snapshot   cluster.SnapshotInfo `json:"snapshot"`
}

func describeMetadata(dir string, reg *statemachine.Registry, out io.Writer) error {
	s, err := openReadOnly(dir)
	if err != nil {
		return err
	}
	defer s.Close()

	var md metadata
	if md.HardState, md.ConfState, err = s.InitialState(); err != nil {
		return err
	}
	if md.FirstIndex, err = s.FirstIndex(); err != nil {
		return err
	}
	if md.LastIndex, err = s.LastIndex(); err != nil {
		return err
	}
	snap, err := s.Snapshot(0, 0)
	if err != nil {
		return err
	}
	md.Snapshot = cluster.DescribeSnapshot(snap, reg)
	return writeJSON(out, md)
}

func debugNodes(addrs []string, timeout time.Duration, out io.Writer) error {
	client := transport.NewClient(transport.DefaultClientConfig(), zap.NewNop())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	infos, err := client.DebugNodes(ctx, addrs)
	if err != nil {
		return err
	}
	doc := make(map[string]json.RawMessage, len(infos))
	for addr, info := range infos {
		doc[addr] = json.RawMessage(info)
	}
	return writeJSON(out, doc)
}

func put(key uint64, value string, addrs []string, timeout time.Duration, out io.Writer) error {
	client := transport.NewClient(transport.DefaultClientConfig(), zap.NewNop())
	defer client.Close()

	cmd, err := (&hashstore.Insert{Key: key, Value: value}).Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r := router.NewRouter(client, addrs, zap.NewNop())
	result, err := r.Propose(ctx, cmd)
	if err != nil {
		return err
	}
	ins, err := hashstore.DecodeInsert(result)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]interface{}{"leader": r.Leader(), "result": ins})
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
