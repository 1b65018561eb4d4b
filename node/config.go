// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package node resolves the on-disk layout and bootstrap parameters a
// discovery node starts from (spec §0.3): a base directory holding the node
// key and the ENR database, the UDP port to listen on, and the bootstrap
// node list.
package node

import (
	stdecdsa "crypto/ecdsa"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/eth-classic/discv5/crypto"
	"github.com/eth-classic/discv5/enr"
	"github.com/eth-classic/discv5/logger"
	"github.com/eth-classic/discv5/logger/glog"
)

// datadirPrivateKey is the node key's filename within BaseDir.
const datadirPrivateKey = "nodekey"

// Config resolves where a discovery node keeps its state and who it
// bootstraps from (spec §0.3).
type Config struct {
	// BaseDir is the directory holding the node key and the ENR database
	// (enrdb.DirName beneath it). Empty means "ephemeral": an in-memory key
	// only, no database persisted across restarts.
	BaseDir string

	// Port is the UDP port to listen on.
	Port int

	// ListenOn is the interface address to bind, default "0.0.0.0" if empty.
	ListenOn string

	// Bootnodes are parsed node records to seed the routing table from on
	// startup (spec §4.J bootstrap).
	Bootnodes []*enr.Record

	// PrivateKeyFile overrides the default BaseDir/nodekey path. If set and
	// the file doesn't exist, a fresh key is generated and written there.
	PrivateKeyFile string

	// PrivateKey, if set directly, takes precedence over any on-disk key.
	PrivateKey *stdecdsa.PrivateKey
}

// ListenAddr formats ListenOn/Port as a "host:port" string for net.ListenUDP.
func (c *Config) ListenAddr() string {
	host := c.ListenOn
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// NodeKey returns the node's static private key: the explicitly configured
// key, else one loaded from (or generated into) the key file, else an
// ephemeral key when BaseDir is empty (spec §0.3, mirrors the teacher's
// DataDir-relative key resolution).
func (c *Config) NodeKey() (*stdecdsa.PrivateKey, error) {
	if c.PrivateKey != nil {
		return c.PrivateKey, nil
	}

	path := c.keyFilePath()
	if path == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	if key, err := crypto.LoadECDSAFile(path); err == nil {
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := c.writeKeyFile(path, key); err != nil {
		glog.V(logger.Error).Errorf("node: failed to persist node key: %v", err)
	}
	return key, nil
}

func (c *Config) keyFilePath() string {
	if c.PrivateKeyFile != "" {
		return c.PrivateKeyFile
	}
	if c.BaseDir == "" {
		return ""
	}
	return filepath.Join(c.BaseDir, datadirPrivateKey)
}

func (c *Config) writeKeyFile(path string, key *stdecdsa.PrivateKey) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return crypto.SaveECDSA(f, key)
}

// EnrDBDir resolves the ENR database directory under BaseDir, or "" for an
// ephemeral in-memory-only node.
func (c *Config) EnrDBDir(subdir string) string {
	if c.BaseDir == "" {
		return ""
	}
	return filepath.Join(c.BaseDir, subdir)
}
