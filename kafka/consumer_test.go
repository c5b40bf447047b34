package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kpiengine/ingestion"
	"kpiengine/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.RawEvent
	result ingestion.Result
}

func (s *recordingSink) Submit(_ context.Context, raw models.RawEvent) ingestion.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, raw)
	return s.result
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {
}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {
}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}
func (s *fakeSession) Context() context.Context { return s.ctx }

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "plant.events" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

const validEvent = `{
	"kind": "ProductionRun",
	"equipment_id": "press-1",
	"occurred_at": "2024-06-10T08:00:00Z",
	"payload": {"planned_time": 480, "run_time": 420, "ideal_cycle_time": 1, "total_count": 380, "good_count": 360}
}`

func TestDecodeMessage(t *testing.T) {
	raw, err := decodeMessage([]byte(validEvent))
	require.NoError(t, err)
	assert.Equal(t, models.KindProductionRun, raw.Kind)
	assert.Equal(t, "press-1", raw.EquipmentID)
	assert.True(t, raw.OccurredAt.Equal(time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)))
	assert.NotEmpty(t, raw.Payload)

	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"whitespace", "  \n"},
		{"not json", "press-1,ok"},
		{"unknown field", `{"kind": "ProductionRun", "machine": "press-1"}`},
		{"bad timestamp", `{"kind": "ProductionRun", "occurred_at": "yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeMessage([]byte(tt.value))
			assert.Error(t, err)
		})
	}
}

func TestConsumeClaimSubmitsAndMarksEveryMessage(t *testing.T) {
	sink := &recordingSink{result: ingestion.Result{
		Status:  ingestion.StatusRejected,
		Reason:  models.ReasonStaleEvent,
		Message: "too old",
	}}
	h := &groupHandler{sink: sink, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "plant.events", Offset: 10, Value: []byte(validEvent)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "plant.events", Offset: 11, Value: []byte("garbage")}
	claim.messages <- &sarama.ConsumerMessage{Topic: "plant.events", Offset: 12, Value: []byte(validEvent)}
	close(claim.messages)

	require.NoError(t, h.ConsumeClaim(session, claim))

	assert.Len(t, sink.events, 2, "undecodable message is not submitted")
	assert.Equal(t, []int64{10, 11, 12}, session.marked, "every message is marked, even rejected ones")
}

func TestConsumeClaimStopsOnSessionEnd(t *testing.T) {
	h := &groupHandler{sink: &recordingSink{}, logger: zap.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{messages: make(chan *sarama.ConsumerMessage)})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ConsumeClaim did not return after session end")
	}
}
