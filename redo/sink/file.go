// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/olr-project/redoflow/pkg/config"
	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/builder"
)

const defaultTimestampFormat = "20060102150405"

// fileOutput appends messages to a file, rotating once max-file-size is
// reached. Rotated files carry a timestamp per timestamp-format. An empty
// output writes to stdout.
type fileOutput struct {
	cfg       *config.WriterConfig
	f         *os.File
	w         *bufio.Writer
	size      uint64
	newline   []byte
	stdout    bool
	tsFormat  string
}

func newFileOutput(cfg *config.WriterConfig) (*fileOutput, error) {
	o := &fileOutput{cfg: cfg, tsFormat: cfg.TimestampFormat}
	if o.tsFormat == "" {
		o.tsFormat = defaultTimestampFormat
	}
	switch cfg.NewLine {
	case 1:
		o.newline = []byte{'\n'}
	case 2:
		o.newline = []byte{'\r', '\n'}
	}
	if cfg.Output == "" {
		o.stdout = true
		o.f = os.Stdout
		o.w = bufio.NewWriter(os.Stdout)
		return o, nil
	}
	if err := o.open(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *fileOutput) open() error {
	flags := os.O_CREATE | os.O_WRONLY
	if o.cfg.Append == 1 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(o.cfg.Output, flags, 0o644)
	if err != nil {
		return cerror.ErrWriterStopped.GenWithStackByArgs("file", err.Error())
	}
	if fi, err := f.Stat(); err == nil {
		o.size = uint64(fi.Size())
	}
	o.f = f
	o.w = bufio.NewWriter(f)
	return nil
}

// rotate renames the full file aside with a timestamp suffix and reopens.
func (o *fileOutput) rotate() error {
	if err := o.w.Flush(); err != nil {
		return err
	}
	if err := o.f.Close(); err != nil {
		return err
	}
	stamp := time.Now().Format(o.tsFormat)
	rotated := o.cfg.Output + "." + stamp
	if strings.Contains(o.cfg.Output, "%s") {
		rotated = strings.Replace(o.cfg.Output, "%s", stamp, 1)
	}
	if err := os.Rename(o.cfg.Output, rotated); err != nil {
		return err
	}
	log.Info("output file rotated", zap.String("file", rotated))
	o.size = 0
	return o.open()
}

func (o *fileOutput) Write(m *builder.Message) error {
	need := uint64(len(m.Payload) + len(o.newline))
	if !o.stdout && o.cfg.MaxFileSize > 0 && o.size+need > o.cfg.MaxFileSize {
		if err := o.rotate(); err != nil {
			return err
		}
	}
	if _, err := o.w.Write(m.Payload); err != nil {
		return err
	}
	if len(o.newline) > 0 {
		if _, err := o.w.Write(o.newline); err != nil {
			return err
		}
	}
	o.size += need
	return nil
}

func (o *fileOutput) Flush() error {
	if err := o.w.Flush(); err != nil {
		return err
	}
	if o.stdout {
		return nil
	}
	return o.f.Sync()
}

func (o *fileOutput) Close() error {
	if err := o.w.Flush(); err != nil {
		return err
	}
	if o.stdout {
		return nil
	}
	return o.f.Close()
}
