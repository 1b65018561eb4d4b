// Copyright 2015 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

// discv5node runs a standalone Ethereum Discovery v5 node: it bootstraps
// against a configured peer list, serves ping/find_nodes/talk requests, and
// keeps its routing table warm via the bucket-refresh and keepalive loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eth-classic/discv5/crypto"
	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/enr"
	"github.com/eth-classic/discv5/enrdb"
	"github.com/eth-classic/discv5/logger/glog"
	"github.com/eth-classic/discv5/node"
	"github.com/eth-classic/discv5/p2p/discover"
)

// Version is the application revision identifier, set with the linker as
// in: go build -ldflags "-X main.Version="`git describe --tags`
var Version = "unknown"

var (
	baseDir     = flag.String("datadir", "", "base directory for the node key and ENR database (empty: ephemeral)")
	listenAddr  = flag.String("addr", "0.0.0.0", "interface address to bind")
	port        = flag.Int("port", 30303, "UDP listen port")
	nodeKeyFile = flag.String("nodekey", "", "private key filename, overriding datadir/nodekey")
	bootnodes   = flag.String("bootnodes", "", "comma-separated enr:... bootstrap records")
	enrDBCache  = flag.Int("enr-cache-mb", 16, "ENR database in-memory cache size, MB")
	enrDBHandle = flag.Int("enr-db-handles", 16, "ENR database open file handle limit")
	versionFlag = flag.Bool("version", false, "print the revision identifier and exit")
)

func parseBootnodes(s string) []*enr.Record {
	if s == "" {
		return nil
	}
	var out []*enr.Record
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		rec, err := enr.ParseText(field)
		if err != nil {
			log.Fatalf("discv5node: invalid bootnode record %q: %v", field, err)
		}
		out = append(out, rec)
	}
	return out
}

func main() {
	flag.Var(glog.GetVerbosity(), "verbosity", "log verbosity (0-9)")
	flag.Var(glog.GetVModule(), "vmodule", "log verbosity pattern")
	glog.SetToStderr(true)
	flag.Parse()

	if *versionFlag {
		fmt.Println("discv5node version", Version)
		os.Exit(0)
	}

	cfg := &node.Config{
		BaseDir:        *baseDir,
		Port:           *port,
		ListenOn:       *listenAddr,
		PrivateKeyFile: *nodeKeyFile,
		Bootnodes:      parseBootnodes(*bootnodes),
	}

	key, err := cfg.NodeKey()
	if err != nil {
		log.Fatalf("discv5node: resolving node key: %v", err)
	}

	var db *enrdb.DB
	if cfg.BaseDir != "" {
		db, err = enrdb.Open(cfg.BaseDir, *enrDBCache, *enrDBHandle)
		if err != nil {
			log.Fatalf("discv5node: opening ENR database: %v", err)
		}
	} else {
		dir, err := os.MkdirTemp("", "discv5node-")
		if err != nil {
			log.Fatalf("discv5node: creating ephemeral ENR database: %v", err)
		}
		db, err = enrdb.Open(dir, *enrDBCache, *enrDBHandle)
		if err != nil {
			log.Fatalf("discv5node: opening ephemeral ENR database: %v", err)
		}
	}
	defer db.Close()

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr())
	if err != nil {
		log.Fatalf("discv5node: resolving listen address: %v", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		log.Fatalf("discv5node: listening on %s: %v", cfg.ListenAddr(), err)
	}

	local, err := enode.NewLocalNode(key, uint16(*port), nil)
	if err != nil {
		log.Fatalf("discv5node: building local identity: %v", err)
	}
	local.SetIP(resolveExternalIP(conn))

	table := discover.NewTable(local.ID())
	send := func(addr *net.UDPAddr, raw []byte) error {
		_, err := conn.WriteToUDP(raw, addr)
		return err
	}
	pool := discover.NewPool(local.ID(), key, db, local.Record, send)
	dispatch := discover.NewDispatcher()
	network := discover.NewNetwork(conn, local, table, pool, dispatch, db)
	defer network.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.Bootnodes) > 0 {
		if err := network.Bootstrap(ctx, cfg.Bootnodes); err != nil {
			glog.Errorf("discv5node: bootstrap failed: %v", err)
		}
	}
	go network.BucketRefresh(ctx)
	go network.Keepalive(ctx)

	glog.Infof("discv5node: listening on %s, id %s", cfg.ListenAddr(), local.ID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// resolveExternalIP guesses the address to advertise in the local ENR: the
// configured listen address if it's not a wildcard, otherwise the first
// non-loopback IPv4 interface address, or nil if there is none.
func resolveExternalIP(conn *net.UDPConn) net.IP {
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.IP
	}
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range ifaces {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4
		}
	}
	return nil
}
