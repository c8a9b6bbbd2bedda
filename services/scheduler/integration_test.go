//go:build integration

package scheduler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-task-scheduler/internal/actions"
	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/events"
	"github.com/ramiqadoumi/go-task-scheduler/internal/kafka"
	"github.com/ramiqadoumi/go-task-scheduler/internal/sqlite"
	"github.com/ramiqadoumi/go-task-scheduler/services/scheduler"
)

var testKafkaBrokers []string

func TestMain(m *testing.M) {
	os.Exit(runMain(m))
}

func runMain(m *testing.M) int {
	ctx := context.Background()

	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	brokers, err := ctr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	testKafkaBrokers = brokers

	return m.Run()
}

func createTopics(t *testing.T, topics ...string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", testKafkaBrokers[0])
	require.NoError(t, err)
	defer conn.Close()

	cfgs := make([]kafkago.TopicConfig, len(topics))
	for i, topic := range topics {
		cfgs[i] = kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}
	}
	require.NoError(t, conn.CreateTopics(cfgs...))
}

// TestE2E_KafkaTriggerLifecycle drives an EVENT entry end to end:
// schedule into SQLite → trigger message on Kafka → dispatcher executes →
// lifecycle events published back to Kafka.
func TestE2E_KafkaTriggerLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	suffix := time.Now().UnixNano()
	triggerTopic := fmt.Sprintf("e2e-triggers-%d", suffix)
	eventsTopic := fmt.Sprintf("e2e-events-%d", suffix)
	createTopics(t, triggerTopic, eventsTopic)

	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "scheduler.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ran := make(chan string, 1)
	act := actions.Func("notify", func(_ context.Context, e *domain.Entry) (bool, error) {
		ran <- e.ID
		return true, nil
	})
	d := scheduler.New(st, actions.NewRegistry(act),
		scheduler.WithLogger(discard()),
		scheduler.WithPublisher(events.NewKafkaPublisher(producer, eventsTopic)),
	)

	e, err := d.Schedule(ctx, scheduler.ScheduleRequest{
		ActionID: "notify",
		Config:   domain.NewEventConfiguration("invoice.paid"),
	})
	require.NoError(t, err)

	consumer := kafka.NewConsumer(testKafkaBrokers, triggerTopic, fmt.Sprintf("e2e-%d", suffix), discard())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck
	go consumer.Subscribe(ctx, d.HandleTriggerMessage) //nolint:errcheck

	// The consumer starts at the newest offset; resend until the group has joined.
	msg, _ := json.Marshal(domain.TriggerMessage{Trigger: "invoice.paid"})
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			_ = producer.Publish(ctx, triggerTopic, "invoice.paid", msg)
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if s, err := d.Status(ctx, e.ID); err == nil && s != domain.StatusPending {
					return
				}
			}
		}
	}()

	select {
	case id := <-ran:
		assert.Equal(t, e.ID, id)
	case <-ctx.Done():
		t.Fatal("entry never ran")
	}
	d.Wait()

	got, err := st.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status())

	attempts, err := d.Attempts(ctx, e.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   testKafkaBrokers,
		Topic:     eventsTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1e6,
	})
	t.Cleanup(func() { reader.Close() }) //nolint:errcheck

	var statuses []domain.Status
	for len(statuses) < 3 {
		m, err := reader.ReadMessage(ctx)
		require.NoError(t, err)
		var ev domain.EntryEvent
		require.NoError(t, json.Unmarshal(m.Value, &ev))
		assert.Equal(t, e.ID, ev.EntryID)
		statuses = append(statuses, ev.To)
	}
	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusCompleted}, statuses)
}
