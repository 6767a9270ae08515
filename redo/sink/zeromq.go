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
	"strings"

	zmq "github.com/pebbe/zmq4"

	"github.com/olr-project/redoflow/pkg/config"
	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/builder"
)

// zeromqOutput pushes messages over a PUSH socket. A uri containing a
// wildcard binds, anything else connects.
type zeromqOutput struct {
	sock *zmq.Socket
}

func newZeromqOutput(cfg *config.WriterConfig) (*zeromqOutput, error) {
	sock, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		return nil, cerror.ErrWriterStopped.GenWithStackByArgs("zeromq", err.Error())
	}
	if strings.Contains(cfg.URI, "*") {
		err = sock.Bind(cfg.URI)
	} else {
		err = sock.Connect(cfg.URI)
	}
	if err != nil {
		_ = sock.Close()
		return nil, cerror.ErrWriterStopped.GenWithStackByArgs("zeromq", err.Error())
	}
	return &zeromqOutput{sock: sock}, nil
}

func (o *zeromqOutput) Write(m *builder.Message) error {
	_, err := o.sock.SendBytes(m.Payload, 0)
	return err
}

func (o *zeromqOutput) Flush() error { return nil }

func (o *zeromqOutput) Close() error { return o.sock.Close() }
