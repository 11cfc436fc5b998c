// Package ingest feeds collector traffic from Kafka into the pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/pipeline"
)

const (
	retryBase = 500 * time.Millisecond
	retryMax  = 30 * time.Second
)

// KafkaConsumer reads JSON raw mentions from a topic and submits them.
// Offsets are committed only after a record was accepted or found
// malformed, so a crash replays everything past the last commit.
type KafkaConsumer struct {
	client    *kgo.Client
	submitter pipeline.Submitter
	topic     string
	log       *logrus.Entry

	// sleep waits between retries of a transiently failing record.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewKafkaConsumer joins the configured consumer group.
func NewKafkaConsumer(cfg config.KafkaConfig, submitter pipeline.Submitter, log *logrus.Entry) (*KafkaConsumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ClientID("mention-pipeline"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newKafkaConsumer(client, cfg.Topic, submitter, log), nil
}

func newKafkaConsumer(client *kgo.Client, topic string, submitter pipeline.Submitter, log *logrus.Entry) *KafkaConsumer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &KafkaConsumer{
		client:    client,
		submitter: submitter,
		topic:     topic,
		log:       log.WithField("component", "kafka_ingest"),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls until ctx ends.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.log.WithField("topic", c.topic).Info("Kafka ingest started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := c.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Errorf("Errors while polling: %v", errs)
			c.client.AllowRebalance()
			continue
		}

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, r)
		})

		if commit := c.processRecords(ctx, records); len(commit) > 0 {
			// Commit even when ctx ended mid-batch; handled records stay handled.
			commitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.client.CommitRecords(commitCtx, commit...); err != nil {
				c.log.WithError(err).Error("Failed to commit offsets")
			}
			cancel()
		}
		c.client.AllowRebalance()
	}
}

// Close leaves the group and closes the client.
func (c *KafkaConsumer) Close() {
	c.client.Close()
}

// processRecords handles records in order and returns the last record of
// each partition that may be committed. A partition whose record could not
// be submitted is blocked for the rest of the batch.
func (c *KafkaConsumer) processRecords(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	type topicPartition struct {
		topic     string
		partition int32
	}
	blocked := make(map[topicPartition]bool)
	lastDone := make(map[topicPartition]*kgo.Record)

	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if blocked[tp] {
			continue
		}

		if err := c.handle(ctx, record); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"topic":     record.Topic,
				"partition": record.Partition,
				"offset":    record.Offset,
			}).Error("Failed to submit mention, partition blocked until redelivery")
			blocked[tp] = true
			continue
		}
		lastDone[tp] = record
	}

	commit := make([]*kgo.Record, 0, len(lastDone))
	for _, record := range lastDone {
		commit = append(commit, record)
	}
	return commit
}

// handle submits one record. Malformed records are dropped; transient
// failures are retried with backoff until ctx ends.
func (c *KafkaConsumer) handle(ctx context.Context, record *kgo.Record) error {
	log := c.log.WithFields(logrus.Fields{
		"partition": record.Partition,
		"offset":    record.Offset,
	})

	var raw models.RawMention
	if err := json.Unmarshal(record.Value, &raw); err != nil {
		log.Warnf("Dropping undecodable record: %v", err)
		return nil
	}

	delay := retryBase
	for attempt := 1; ; attempt++ {
		result, err := c.submitter.Submit(ctx, raw)
		if err == nil {
			log.Debugf("Mention %s/%s %s", raw.Platform, raw.PlatformPostID, result.Outcome)
			return nil
		}
		if !faults.IsTransient(err) {
			log.Warnf("Dropping rejected mention %s/%s: %v", raw.Platform, raw.PlatformPostID, err)
			return nil
		}

		log.Warnf("Submit attempt %d failed, retrying in %s: %v", attempt, delay, err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		delay *= 2
		if delay > retryMax {
			delay = retryMax
		}
	}
}
