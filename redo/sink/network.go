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
	"encoding/binary"
	"net"
	"time"

	"github.com/olr-project/redoflow/pkg/config"
	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/builder"
)

// networkOutput streams length-prefixed messages over one TCP connection.
type networkOutput struct {
	conn net.Conn
	w    *bufio.Writer
}

func newNetworkOutput(cfg *config.WriterConfig) (*networkOutput, error) {
	conn, err := net.DialTimeout("tcp", cfg.URI, 10*time.Second)
	if err != nil {
		return nil, cerror.ErrWriterStopped.GenWithStackByArgs("network", err.Error())
	}
	return &networkOutput{conn: conn, w: bufio.NewWriter(conn)}, nil
}

func (o *networkOutput) Write(m *builder.Message) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(m.Payload)))
	if _, err := o.w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := o.w.Write(m.Payload)
	return err
}

func (o *networkOutput) Flush() error { return o.w.Flush() }

func (o *networkOutput) Close() error {
	if err := o.w.Flush(); err != nil {
		_ = o.conn.Close()
		return err
	}
	return o.conn.Close()
}
