package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/msgpipe/internal/pipeline/logging"
	"github.com/drblury/msgpipe/transport"
)

func TestProduceConsumeRoundTrip(t *testing.T) {
	tr := New(Config{}, logging.NopLogger())
	defer tr.Close()
	ctx := context.Background()

	producer, err := tr.NewProducer(ctx)
	require.NoError(t, err)

	receipt, err := producer.Send(ctx, "orders", []byte("o-1"), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "orders", receipt.Topic)
	assert.EqualValues(t, 0, receipt.Offset)

	consumer, err := tr.NewConsumer(ctx, "orders")
	require.NoError(t, err)

	rec, err := consumer.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("o-1"), rec.Key)
	assert.Equal(t, []byte("payload"), rec.Value)
	assert.Equal(t, "orders", rec.Topic)
	assert.EqualValues(t, 0, rec.Offset)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestUncommittedRecordsAreRedelivered(t *testing.T) {
	tr := New(Config{}, logging.NopLogger())
	defer tr.Close()
	ctx := context.Background()

	producer, err := tr.NewProducer(ctx)
	require.NoError(t, err)
	_, err = producer.Send(ctx, "orders", nil, []byte("first"))
	require.NoError(t, err)
	_, err = producer.Send(ctx, "orders", nil, []byte("second"))
	require.NoError(t, err)

	first, err := tr.NewConsumer(ctx, "orders")
	require.NoError(t, err)

	rec, err := first.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Commit(ctx, rec))

	// Read but do not commit the second record.
	rec2, err := first.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), rec2.Value)
	require.NoError(t, first.Close())

	// A fresh consumer resumes from the committed offset.
	second, err := tr.NewConsumer(ctx, "orders")
	require.NoError(t, err)
	redelivered, err := second.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), redelivered.Value)
	assert.Equal(t, rec2.Offset, redelivered.Offset)
}

func TestCommitIsMonotonic(t *testing.T) {
	tr := New(Config{}, logging.NopLogger())
	defer tr.Close()
	ctx := context.Background()

	producer, err := tr.NewProducer(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = producer.Send(ctx, "orders", nil, []byte{byte(i)})
		require.NoError(t, err)
	}

	consumer, err := tr.NewConsumer(ctx, "orders")
	require.NoError(t, err)

	var recs []*transport.Record
	for i := 0; i < 3; i++ {
		rec, err := consumer.Next(ctx)
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	require.NoError(t, consumer.Commit(ctx, recs[2]))
	// Committing an older record must not move the offset backwards.
	require.NoError(t, consumer.Commit(ctx, recs[0]))

	fresh, err := tr.NewConsumer(ctx, "orders")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = fresh.Next(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedRecordsShareAPartition(t *testing.T) {
	tr := New(Config{Partitions: 4}, logging.NopLogger())
	defer tr.Close()
	ctx := context.Background()

	producer, err := tr.NewProducer(ctx)
	require.NoError(t, err)

	first, err := producer.Send(ctx, "orders", []byte("same-key"), []byte("a"))
	require.NoError(t, err)
	second, err := producer.Send(ctx, "orders", []byte("same-key"), []byte("b"))
	require.NoError(t, err)

	assert.Equal(t, first.Partition, second.Partition)
	assert.Equal(t, first.Offset+1, second.Offset)
}

func TestNextBlocksUntilProduce(t *testing.T) {
	tr := New(Config{}, logging.NopLogger())
	defer tr.Close()
	ctx := context.Background()

	consumer, err := tr.NewConsumer(ctx, "orders")
	require.NoError(t, err)

	got := make(chan *transport.Record, 1)
	go func() {
		rec, err := consumer.Next(ctx)
		require.NoError(t, err)
		got <- rec
	}()

	time.Sleep(20 * time.Millisecond)
	producer, err := tr.NewProducer(ctx)
	require.NoError(t, err)
	_, err = producer.Send(ctx, "orders", nil, []byte("late"))
	require.NoError(t, err)

	select {
	case rec := <-got:
		assert.Equal(t, []byte("late"), rec.Value)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up after produce")
	}
}

func TestNextHonoursContextCancellation(t *testing.T) {
	tr := New(Config{}, logging.NopLogger())
	defer tr.Close()

	consumer, err := tr.NewConsumer(context.Background(), "orders")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = consumer.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildIsRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.False(t, caps.Durable)
}
