package msgpipe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/drblury/msgpipe/transport/channel"
)

type orderRecord struct {
	ID   string
	Name string
}

type orderRepo struct {
	mu     sync.Mutex
	orders map[string]*orderRecord
}

func newOrderRepo() *orderRepo {
	return &orderRepo{orders: map[string]*orderRecord{}}
}

func (r *orderRepo) get(id string) *orderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id]
}

// orderFactory exercises every optional capability: lookup, key field,
// and serialization.
type orderFactory struct {
	repo     *orderRepo
	applyErr error
}

func (f *orderFactory) KeyField() string { return "id" }

func (f *orderFactory) Serialize(instance any) (Payload, error) {
	o, ok := instance.(*orderRecord)
	if !ok {
		return nil, errors.New("not an order")
	}
	return Payload{"id": o.ID, "name": o.Name}, nil
}

func (f *orderFactory) Lookup(ctx context.Context, payload Payload) (any, error) {
	id, _ := payload["id"].(string)
	if o := f.repo.get(id); o != nil {
		return o, nil
	}
	return nil, nil
}

func (f *orderFactory) Save(target any, payload Payload) (SaveHandler, error) {
	return &orderSaveHandler{factory: f, payload: payload}, nil
}

func (f *orderFactory) Delete(target any, payload Payload) (DeleteHandler, error) {
	return &orderDeleteHandler{factory: f, target: target}, nil
}

func (f *orderFactory) Class(payload Payload) (ClassHandler, error) {
	return &orderClassHandler{}, nil
}

type orderSaveHandler struct {
	factory *orderFactory
	payload Payload
}

func (h *orderSaveHandler) Validate(ctx context.Context) error {
	if _, ok := h.payload["id"].(string); !ok {
		return errors.New("id is required")
	}
	return nil
}

func (h *orderSaveHandler) Apply(ctx context.Context) error {
	if h.factory.applyErr != nil {
		return h.factory.applyErr
	}
	id := h.payload["id"].(string)
	name, _ := h.payload["name"].(string)
	h.factory.repo.mu.Lock()
	defer h.factory.repo.mu.Unlock()
	h.factory.repo.orders[id] = &orderRecord{ID: id, Name: name}
	return nil
}

type orderDeleteHandler struct {
	factory *orderFactory
	target  any
}

func (h *orderDeleteHandler) Delete(ctx context.Context) error {
	o := h.target.(*orderRecord)
	h.factory.repo.mu.Lock()
	defer h.factory.repo.mu.Unlock()
	delete(h.factory.repo.orders, o.ID)
	return nil
}

type orderClassHandler struct{}

func (h *orderClassHandler) Receive(ctx context.Context) error { return nil }

func buildChannelTransport(t *testing.T, conf *Config) Transport {
	t.Helper()
	tr, err := BuildTransport(context.Background(), conf, NopLogger())
	if err != nil {
		t.Fatalf("build transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestEndToEndSaveAndDelete(t *testing.T) {
	ctx := context.Background()
	conf := &Config{Transport: "channel"}
	tr := buildChannelTransport(t, conf)

	repo := newOrderRepo()
	factory := &orderFactory{repo: repo}
	desc := Descriptor{Type: "order", Version: "1", Factory: factory}

	registry := NewRegistry()
	registry.MustRegister(desc)

	sink, err := tr.NewProducer(ctx)
	if err != nil {
		t.Fatalf("new transport producer: %v", err)
	}
	producer, err := NewProducer("orders", desc, conf, NopLogger(), ProducerDependencies{Sink: sink})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}

	if _, err := producer.Send(ctx, &orderRecord{ID: "o-1", Name: "Widget"}); err != nil {
		t.Fatalf("send o-1: %v", err)
	}
	if _, err := producer.Send(ctx, &orderRecord{ID: "o-2", Name: "Gadget"}); err != nil {
		t.Fatalf("send o-2: %v", err)
	}
	if _, err := producer.SendAction(ctx, Payload{"id": "o-1"}, ActionDelete); err != nil {
		t.Fatalf("send delete o-1: %v", err)
	}

	source, err := tr.NewConsumer(ctx, "orders")
	if err != nil {
		t.Fatalf("new transport consumer: %v", err)
	}
	consumer, err := NewConsumer("orders", conf, NopLogger(), ConsumerDependencies{
		Registry: registry,
		Source:   source,
	})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	for i := 0; i < 3; i++ {
		stepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := consumer.ProcessOne(stepCtx)
		cancel()
		if err != nil {
			t.Fatalf("ProcessOne #%d: %v", i+1, err)
		}
	}

	if repo.get("o-1") != nil {
		t.Error("o-1 should be deleted")
	}
	if o := repo.get("o-2"); o == nil || o.Name != "Gadget" {
		t.Errorf("o-2 = %+v, want Gadget", o)
	}
}

func TestEndToEndDeadLetter(t *testing.T) {
	ctx := context.Background()
	conf := &Config{Transport: "channel", ErrorTopic: "orders.errors"}
	tr := buildChannelTransport(t, conf)

	repo := newOrderRepo()
	factory := &orderFactory{repo: repo, applyErr: errors.New("inventory service down")}
	desc := Descriptor{Type: "order", Version: "1", Factory: factory}

	registry := NewRegistry()
	registry.MustRegister(desc)

	sink, err := tr.NewProducer(ctx)
	if err != nil {
		t.Fatalf("new transport producer: %v", err)
	}
	producer, err := NewProducer("orders", desc, conf, NopLogger(), ProducerDependencies{Sink: sink})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	if _, err := producer.Send(ctx, &orderRecord{ID: "o-1", Name: "Widget"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	source, err := tr.NewConsumer(ctx, "orders")
	if err != nil {
		t.Fatalf("new transport consumer: %v", err)
	}
	consumer, err := NewConsumer("orders", conf, NopLogger(), ConsumerDependencies{
		Registry:    registry,
		Source:      source,
		DeadLetters: sink,
	})
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := consumer.ProcessOne(stepCtx); err != nil {
		t.Fatalf("a dead-lettered failure must not halt the pipeline: %v", err)
	}

	errSource, err := tr.NewConsumer(ctx, "orders.errors")
	if err != nil {
		t.Fatalf("new error-topic consumer: %v", err)
	}
	readCtx, cancelRead := context.WithTimeout(ctx, 2*time.Second)
	defer cancelRead()
	rec, err := errSource.Next(readCtx)
	if err != nil {
		t.Fatalf("read dead letter: %v", err)
	}

	if string(rec.Key) != "o-1" {
		t.Errorf("dead letter key = %q, want the original partition key", rec.Key)
	}
	_, env, err := DecodeEnvelope(rec.Value)
	if err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if env.Error != "inventory service down" {
		t.Errorf("dead letter error = %q, want the original failure text", env.Error)
	}
	if !env.CanRetry {
		t.Error("dead letters are marked retryable")
	}
	if env.Type != "order" || env.Message["name"] != "Widget" {
		t.Error("dead letter must preserve the original envelope content")
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestConfigValidationExport(t *testing.T) {
	if err := ValidateConfig(nil); err == nil {
		t.Fatal("nil config should be rejected")
	}
	if err := ValidateConfig(&Config{Transport: "kafka"}); err == nil {
		t.Fatal("kafka without brokers should be rejected")
	}
	if err := ValidateConfig(&Config{Transport: "channel"}); err != nil {
		t.Fatalf("channel config should validate: %v", err)
	}
}

func TestULIDExport(t *testing.T) {
	a, b := CreateULID(), CreateULID()
	if a == b {
		t.Fatal("ULIDs should be unique")
	}
	if len(a) != 26 {
		t.Fatalf("ULID length = %d, want 26", len(a))
	}
}
