package events

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultflow/internal/tracker"
	"vaultflow/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type memorySink struct {
	events []models.LifecycleEvent
	err    error
}

func (m *memorySink) Publish(e models.LifecycleEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memorySink) Close() error { return nil }

func TestPublisher(t *testing.T) {
	sink := &memorySink{}
	pub := NewPublisher(sink, quietLogger())

	tr := tracker.New(quietLogger())
	tr.Subscribe(pub.Observe)

	tr.BeginVault(models.ActionMintZkUsd, "corr-1", "B62qvault")
	require.NoError(t, tr.SetPhaseFor("corr-1", models.PhaseSigning))
	require.NoError(t, tr.SetPhaseFor("corr-1", models.PhasePendingInclusion))
	require.NoError(t, tr.SetHashFor("corr-1", "5Jhash"))
	require.NoError(t, tr.SetHashFor("corr-1", "5Jhash"))
	require.NoError(t, tr.SetPhaseFor("corr-1", models.PhaseIncluded))
	tr.Reset()

	phases := make([]models.Phase, 0, len(sink.events))
	for _, e := range sink.events {
		phases = append(phases, e.Phase)
		assert.Equal(t, "corr-1", e.CorrelationID)
		assert.Equal(t, models.ActionMintZkUsd, e.Type)
		assert.Equal(t, "B62qvault", e.VaultAddress)
	}
	assert.Equal(t, []models.Phase{
		models.PhaseBuilding,
		models.PhaseSigning,
		models.PhasePendingInclusion,
		models.PhasePendingInclusion,
		models.PhaseIncluded,
	}, phases)
	assert.Equal(t, "5Jhash", sink.events[4].Hash)

	published, failed := pub.Stats()
	assert.Equal(t, 5, published)
	assert.Equal(t, 0, failed)
}

func TestPublisher_SinkFailure(t *testing.T) {
	sink := &memorySink{err: assert.AnError}
	pub := NewPublisher(sink, quietLogger())

	pub.Observe(models.LifecycleState{}, models.LifecycleState{
		Type:          models.ActionDepositCollateral,
		Phase:         models.PhaseBuilding,
		CorrelationID: "corr-2",
	})

	published, failed := pub.Stats()
	assert.Equal(t, 0, published)
	assert.Equal(t, 1, failed)
}

func TestKafkaSink(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "corr-3", string(key))
		assert.Equal(t, "lifecycle", msg.Topic)

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var event models.LifecycleEvent
		require.NoError(t, json.Unmarshal(value, &event))
		assert.Equal(t, models.PhaseFailed, event.Phase)
		assert.Equal(t, "Signing failed", event.Error)
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSinkWithProducer(producer, "lifecycle", quietLogger())
	event := models.LifecycleEvent{
		CorrelationID: "corr-3",
		Type:          models.ActionBurnZkUsd,
		Phase:         models.PhaseFailed,
		Error:         "Signing failed",
		Timestamp:     time.Now(),
	}

	require.NoError(t, sink.Publish(event))
	assert.ErrorIs(t, sink.Publish(event), sarama.ErrOutOfBrokers)
	require.NoError(t, sink.Close())
}

func TestKafkaSink_DefaultTopic(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	sink := NewKafkaSinkWithProducer(producer, "", quietLogger())
	assert.Equal(t, DefaultTopic, sink.topic)
	require.NoError(t, sink.Close())
}

func TestFileSink(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), quietLogger())
	require.NoError(t, err)

	for _, phase := range []models.Phase{models.PhaseBuilding, models.PhaseSigning, models.PhaseIncluded} {
		require.NoError(t, sink.Publish(models.LifecycleEvent{
			CorrelationID: "corr-4",
			Type:          models.ActionRedeemCollateral,
			Phase:         phase,
		}))
	}
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Publish(models.LifecycleEvent{}), ErrSinkClosed)
	require.NoError(t, sink.Close())

	f, err := os.Open(sink.Path())
	require.NoError(t, err)
	defer f.Close()

	var phases []models.Phase
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event models.LifecycleEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		phases = append(phases, event.Phase)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []models.Phase{models.PhaseBuilding, models.PhaseSigning, models.PhaseIncluded}, phases)
}

func TestNewSink(t *testing.T) {
	sink, err := NewSink(Config{}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, NoopSink{}, sink)

	sink, err = NewSink(Config{Type: "file", File: FileConfig{Dir: t.TempDir()}}, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, sink)
	require.NoError(t, sink.Close())

	_, err = NewSink(Config{Type: "postgres"}, quietLogger())
	assert.Error(t, err)
}
