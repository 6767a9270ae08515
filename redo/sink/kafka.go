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
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/olr-project/redoflow/pkg/config"
	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/builder"
)

// kafkaOutput publishes each message to one topic via a sync producer.
// Messages carry no key, so the default partitioner picks a random partition
// for each; order across messages holds only for a single-partition topic.
// SendMessage blocks until the broker acknowledges, so one message is in
// flight at a time.
type kafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func newKafkaOutput(cfg *config.WriterConfig) (*kafkaOutput, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.MaxMessageBytes = int(cfg.MaxMessageMb << 20)
	sc.Net.DialTimeout = 10 * time.Second
	for key, val := range cfg.Properties {
		switch key {
		case "client.id":
			sc.ClientID = val
		case "compression.type":
			switch val {
			case "gzip":
				sc.Producer.Compression = sarama.CompressionGZIP
			case "snappy":
				sc.Producer.Compression = sarama.CompressionSnappy
			case "lz4":
				sc.Producer.Compression = sarama.CompressionLZ4
			case "zstd":
				sc.Producer.Compression = sarama.CompressionZSTD
			}
		case "retries":
			if n, err := strconv.Atoi(val); err == nil {
				sc.Producer.Retry.Max = n
			}
		}
	}
	producer, err := sarama.NewSyncProducer(strings.Split(cfg.URI, ","), sc)
	if err != nil {
		return nil, cerror.ErrWriterStopped.GenWithStackByArgs("kafka", err.Error())
	}
	return &kafkaOutput{producer: producer, topic: cfg.Topic}, nil
}

func (o *kafkaOutput) Write(m *builder.Message) error {
	_, _, err := o.producer.SendMessage(&sarama.ProducerMessage{
		Topic: o.topic,
		Value: sarama.ByteEncoder(m.Payload),
	})
	return err
}

func (o *kafkaOutput) Flush() error { return nil }

func (o *kafkaOutput) Close() error { return o.producer.Close() }
