// Copyright 2013 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// File I/O for logs, split out from glog.go so the directory/filename
// policy (host, user, pid, rotating filenames under logDirs) lives
// together.

package glog

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// logDirs lists the candidate directories for log files, in order of
// preference. SetLogDir (called from logger.Setup) prepends the configured
// directory; os.TempDir() is always kept as a fallback.
var logDirs []string

// MaxSize is the maximum size, in bytes, a log file is allowed to reach
// before being rotated. Zero disables size-based rotation.
var MaxSize uint64

var (
	pid      = os.Getpid()
	program  = filepath.Base(os.Args[0])
	host     = "unknownhost"
	userName = "unknownuser"
)

func init() {
	if h, err := os.Hostname(); err == nil {
		host = shortHostname(h)
	}
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}
	// Sanitize userName since it may contain filepath separators on Windows.
	userName = strings.Replace(userName, `\`, "_", -1)
}

// shortHostname returns its argument, truncating at the first period.
func shortHostname(hostname string) string {
	if i := strings.Index(hostname, "."); i >= 0 {
		return hostname[:i]
	}
	return hostname
}

// SetLogDir sets the preferred log directory, used by subsequent create
// calls. An empty dir leaves logDirs untouched (falling back to os.TempDir).
func SetLogDir(dir string) {
	if dir == "" {
		return
	}
	logDirs = append([]string{dir}, logDirs...)
}

var onceLogDirs sync.Once

func candidateDirs() []string {
	onceLogDirs.Do(func() {
		logDirs = append(logDirs, os.TempDir())
	})
	return logDirs
}

// logName returns a new log file name containing tag, with start time t,
// and the name for the symlink for tag.
func logName(tag string, t time.Time) (name, link string) {
	name = fmt.Sprintf("%s.%s.%s.log.%s.%04d%02d%02d-%02d%02d%02d.%d",
		program,
		host,
		userName,
		tag,
		t.Year(),
		t.Month(),
		t.Day(),
		t.Hour(),
		t.Minute(),
		t.Second(),
		pid)
	return name, program + "." + tag
}

// create creates a new log file and returns the file and its filename, which
// contains tag ("INFO", "WARNING", ...) and t in its name.
func create(tag string, t time.Time) (f *os.File, filename string, err error) {
	name, link := logName(tag, t)
	var lastErr error
	for _, dir := range candidateDirs() {
		fname := filepath.Join(dir, name)
		f, err := os.Create(fname)
		if err == nil {
			symlink := filepath.Join(dir, link)
			os.Remove(symlink)
			os.Symlink(name, symlink)
			return f, fname, nil
		}
		lastErr = err
	}
	return nil, "", errors.New("glog: no candidate directories to create log: " + lastErr.Error())
}
