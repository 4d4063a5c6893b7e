package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/drblury/msgpipe/internal/pipeline/config"
	"github.com/drblury/msgpipe/internal/pipeline/envelope"
	"github.com/drblury/msgpipe/internal/pipeline/logging"
	"github.com/drblury/msgpipe/transport"
)

// fakeSource replays a fixed list of records and blocks once drained.
type fakeSource struct {
	mu        sync.Mutex
	records   []*transport.Record
	committed []*transport.Record
	nextErr   error
}

func (f *fakeSource) Next(ctx context.Context) (*transport.Record, error) {
	f.mu.Lock()
	if f.nextErr != nil {
		err := f.nextErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.records) > 0 {
		rec := f.records[0]
		f.records = f.records[1:]
		f.mu.Unlock()
		return rec, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSource) Commit(ctx context.Context, rec *transport.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, rec)
	return nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) committedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

type sentMessage struct {
	topic string
	key   []byte
	value []byte
}

// fakeSink records everything published to it.
type fakeSink struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
}

func (f *fakeSink) Send(ctx context.Context, topic string, key, value []byte) (*transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{topic: topic, key: key, value: value})
	return &transport.Receipt{Topic: topic, Partition: 0, Offset: int64(len(f.sent) - 1)}, nil
}

func (f *fakeSink) Close() error { return nil }

// recordingFactory is a HandlerFactory with no optional capabilities. Error
// fields let tests force each step to fail.
type recordingFactory struct {
	saves    []envelope.Payload
	deletes  []envelope.Payload
	received []envelope.Payload
	targets  []any

	saveErr     error
	validateErr error
	applyErr    error
	deleteErr   error
	receiveErr  error
}

func (f *recordingFactory) Save(target any, payload envelope.Payload) (SaveHandler, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.targets = append(f.targets, target)
	return &recordingSaveHandler{factory: f, payload: payload}, nil
}

func (f *recordingFactory) Delete(target any, payload envelope.Payload) (DeleteHandler, error) {
	f.targets = append(f.targets, target)
	return &recordingDeleteHandler{factory: f, payload: payload}, nil
}

func (f *recordingFactory) Class(payload envelope.Payload) (ClassHandler, error) {
	return &recordingClassHandler{factory: f, payload: payload}, nil
}

type recordingSaveHandler struct {
	factory *recordingFactory
	payload envelope.Payload
}

func (h *recordingSaveHandler) Validate(ctx context.Context) error {
	return h.factory.validateErr
}

func (h *recordingSaveHandler) Apply(ctx context.Context) error {
	if h.factory.applyErr != nil {
		return h.factory.applyErr
	}
	h.factory.saves = append(h.factory.saves, h.payload)
	return nil
}

type recordingDeleteHandler struct {
	factory *recordingFactory
	payload envelope.Payload
}

func (h *recordingDeleteHandler) Delete(ctx context.Context) error {
	if h.factory.deleteErr != nil {
		return h.factory.deleteErr
	}
	h.factory.deletes = append(h.factory.deletes, h.payload)
	return nil
}

type recordingClassHandler struct {
	factory *recordingFactory
	payload envelope.Payload
}

func (h *recordingClassHandler) Receive(ctx context.Context) error {
	if h.factory.receiveErr != nil {
		return h.factory.receiveErr
	}
	h.factory.received = append(h.factory.received, h.payload)
	return nil
}

// lookupFactory adds the Lookuper capability: targets are resolved by the
// payload's "id" field.
type lookupFactory struct {
	recordingFactory
	objects   map[string]any
	lookupErr error
}

func (f *lookupFactory) Lookup(ctx context.Context, payload envelope.Payload) (any, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	id, _ := payload["id"].(string)
	return f.objects[id], nil
}

// keyedFactory adds the Keyed capability.
type keyedFactory struct {
	recordingFactory
}

func (f *keyedFactory) KeyField() string { return "id" }

// txFactory adds the Transactional capability and records whether a
// transaction was rolled back.
type txFactory struct {
	recordingFactory
	began      int
	rolledBack int
}

func (f *txFactory) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.began++
	if err := fn(ctx); err != nil {
		f.rolledBack++
		return err
	}
	return nil
}

func encodeTestEnvelope(t *testing.T, typ, version string, payload envelope.Payload, action envelope.Action) []byte {
	t.Helper()
	data, err := envelope.Encode(envelope.FormatJSON, &envelope.Envelope{
		Type:       typ,
		Version:    envelope.Version(version),
		Message:    payload,
		ActionType: action,
	})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return data
}

func testRecord(value []byte) *transport.Record {
	return &transport.Record{
		Key:       []byte("k-1"),
		Value:     value,
		Topic:     "orders",
		Partition: 0,
		Offset:    7,
	}
}

func testRegistry(t *testing.T, factory HandlerFactory) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(Descriptor{Type: "order", Version: "1", Factory: factory}); err != nil {
		t.Fatalf("register descriptor: %v", err)
	}
	return reg
}

func newTestConsumer(t *testing.T, conf *config.Config, reg *Registry, source *fakeSource, deadLetters transport.Producer) *Consumer {
	t.Helper()
	c, err := NewConsumer("orders", conf, logging.NopLogger(), ConsumerDependencies{
		Registry:    reg,
		Source:      source,
		DeadLetters: deadLetters,
	})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	return c
}
