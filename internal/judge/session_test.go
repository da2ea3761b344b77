package judge_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-oj/arbiter/internal/bus"
	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
	"github.com/arbiter-oj/arbiter/internal/judge"
	"github.com/arbiter-oj/arbiter/internal/queue"
	"github.com/arbiter-oj/arbiter/internal/record"
)

type fakeRecords struct {
	mu      sync.Mutex
	docs    map[uuid.UUID]*domain.Record
	failEnd map[uuid.UUID]bool
}

func newFakeRecords(docs ...*domain.Record) *fakeRecords {
	f := &fakeRecords{
		docs:    make(map[uuid.UUID]*domain.Record),
		failEnd: make(map[uuid.UUID]bool),
	}
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return f
}

func (f *fakeRecords) BeginJudge(ctx context.Context, rid uuid.UUID, judgeUid int64, status domain.Status) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[rid]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("record not found: %s", rid))
	}

	doc.Status = status
	doc.JudgeUid = &judgeUid
	cp := *doc
	return &cp, nil
}

func (f *fakeRecords) NextJudge(ctx context.Context, rid uuid.UUID, judgeUid int64, m record.Mutation) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.claimed(rid, judgeUid)
	if err != nil {
		return nil, err
	}

	if m.Status != nil {
		doc.Status = *m.Status
	}
	if m.CompilerText != nil {
		doc.CompilerTexts = append(doc.CompilerTexts, *m.CompilerText)
	}
	if m.JudgeText != nil {
		doc.JudgeTexts = append(doc.JudgeTexts, *m.JudgeText)
	}
	if m.Case != nil {
		doc.Cases = append(doc.Cases, *m.Case)
	}
	if m.Progress != nil {
		doc.Progress = *m.Progress
	}
	if m.Score != nil {
		doc.Score = *m.Score
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeRecords) EndJudge(ctx context.Context, rid uuid.UUID, judgeUid int64, status domain.Status, timeMs, memoryKB int64) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failEnd[rid] {
		return nil, errors.New(errors.CodeInternal, errors.WithMessagef("store down"))
	}

	doc, err := f.claimed(rid, judgeUid)
	if err != nil {
		return nil, err
	}

	doc.Status = status
	doc.TimeMs = timeMs
	doc.MemoryKB = memoryKB
	doc.Progress = 0
	cp := *doc
	return &cp, nil
}

func (f *fakeRecords) claimed(rid uuid.UUID, judgeUid int64) (*domain.Record, error) {
	doc, ok := f.docs[rid]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("record not found: %s", rid))
	}
	if doc.JudgeUid == nil || *doc.JudgeUid != judgeUid {
		return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("claim lost: %s", rid))
	}
	return doc, nil
}

type fakeConsumer struct {
	mu     sync.Mutex
	acked  []string
	nacked []queue.Delivery
}

func (f *fakeConsumer) Fetch(ctx context.Context) (queue.Delivery, bool, error) {
	return queue.Delivery{}, false, nil
}

func (f *fakeConsumer) Ack(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, handle)
	return nil
}

func (f *fakeConsumer) Nack(ctx context.Context, d queue.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, d)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (f *fakePublisher) Publish(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, bus.Event{Key: key, Value: value})
	return nil
}

func (f *fakePublisher) byKey(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var values []string
	for _, e := range f.events {
		if e.Key == key {
			values = append(values, e.Value)
		}
	}
	return values
}

func pretestRecord() *domain.Record {
	return &domain.Record{
		ID:       uuid.Must(uuid.NewV7()),
		DomainID: "system",
		Pid:      101,
		Uid:      7,
		Kind:     domain.KindPretest,
		Status:   domain.StatusWaiting,
		Lang:     "cc",
		Code:     "int main() {}",
	}
}

type sessionFixture struct {
	sess     *judge.Session
	records  *fakeRecords
	consumer *fakeConsumer
	pub      *fakePublisher
}

func makeSession(t *testing.T, docs ...*domain.Record) sessionFixture {
	t.Helper()

	f := sessionFixture{
		records:  newFakeRecords(docs...),
		consumer: &fakeConsumer{},
		pub:      &fakePublisher{},
	}

	// The hook only runs for submissions; these tests drive pretests, so
	// a hook with just the publisher wired suffices.
	hook := judge.NewHook(judge.HookConfig{Bus: f.pub})

	f.sess = judge.NewSession(judge.Config{
		JudgeUid: 42,
		Records:  f.records,
		Consumer: f.consumer,
		Bus:      f.pub,
		Hook:     hook,
	})
	return f
}

func TestSession_Lifecycle(t *testing.T) {
	ctx := context.Background()
	doc := pretestRecord()
	f := makeSession(t, doc)

	job, err := f.sess.OnDelivery(ctx, queue.Delivery{Handle: "m1", Rid: doc.ID})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, doc.ID, job.Rid)
	require.Equal(t, "m1", job.Handle)
	require.Equal(t, doc.Code, job.Code)
	require.Equal(t, domain.StatusFetched, f.records.docs[doc.ID].Status)

	compiling := domain.StatusCompiling
	require.NoError(t, f.sess.OnContinue(ctx, "m1", record.Mutation{Status: &compiling}))
	require.Equal(t, domain.StatusCompiling, f.records.docs[doc.ID].Status)

	judging := domain.StatusJudging
	progress := 50.0
	require.NoError(t, f.sess.OnContinue(ctx, "m1", record.Mutation{
		Status:   &judging,
		Progress: &progress,
		Case:     &domain.Case{Status: domain.StatusAccepted, TimeMs: 12, MemoryKB: 1024},
	}))
	require.Len(t, f.records.docs[doc.ID].Cases, 1)

	require.NoError(t, f.sess.OnFinish(ctx, "m1", domain.StatusAccepted, 12, 1024))
	require.Equal(t, domain.StatusAccepted, f.records.docs[doc.ID].Status)
	require.Equal(t, []string{"m1"}, f.consumer.acked)

	// fetched + 2 continues + finish
	require.Len(t, f.pub.byKey(domain.EventKeyRecordChange), 4)

	// The claim is consumed; a second finish for the handle is rejected.
	err = f.sess.OnFinish(ctx, "m1", domain.StatusAccepted, 12, 1024)
	require.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestSession_DeliveryForMissingRecord(t *testing.T) {
	ctx := context.Background()
	f := makeSession(t)

	job, err := f.sess.OnDelivery(ctx, queue.Delivery{Handle: "m1", Rid: uuid.Must(uuid.NewV7())})
	require.NoError(t, err)
	require.Nil(t, job, "nothing to forward")
	require.Equal(t, []string{"m1"}, f.consumer.acked, "the message is consumed")
}

func TestSession_ContinueUnknownHandle(t *testing.T) {
	ctx := context.Background()
	f := makeSession(t)

	status := domain.StatusJudging
	err := f.sess.OnContinue(ctx, "nope", record.Mutation{Status: &status})
	require.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestSession_StaleFinishIsDropped(t *testing.T) {
	ctx := context.Background()
	doc := pretestRecord()
	f := makeSession(t, doc)

	_, err := f.sess.OnDelivery(ctx, queue.Delivery{Handle: "m1", Rid: doc.ID})
	require.NoError(t, err)

	// Another judge took the record over in the meantime.
	other := int64(99)
	f.records.docs[doc.ID].JudgeUid = &other

	require.NoError(t, f.sess.OnFinish(ctx, "m1", domain.StatusAccepted, 12, 1024))
	require.Equal(t, []string{"m1"}, f.consumer.acked)
	require.Equal(t, domain.StatusFetched, f.records.docs[doc.ID].Status, "the other claim is untouched")
}

func TestSession_Abandon(t *testing.T) {
	ctx := context.Background()
	doc := pretestRecord()
	f := makeSession(t, doc)

	_, err := f.sess.OnDelivery(ctx, queue.Delivery{Handle: "m1", Rid: doc.ID})
	require.NoError(t, err)

	require.NoError(t, f.sess.OnAbandon(ctx, "m1"))
	require.Len(t, f.consumer.nacked, 1)
	require.Equal(t, doc.ID, f.consumer.nacked[0].Rid)
}

func TestSession_CloseResetsClaims(t *testing.T) {
	ctx := context.Background()
	doc1, doc2 := pretestRecord(), pretestRecord()
	f := makeSession(t, doc1, doc2)

	_, err := f.sess.OnDelivery(ctx, queue.Delivery{Handle: "m1", Rid: doc1.ID})
	require.NoError(t, err)
	_, err = f.sess.OnDelivery(ctx, queue.Delivery{Handle: "m2", Rid: doc2.ID})
	require.NoError(t, err)

	// One reset fails; the sweep must still cover the other record.
	f.records.failEnd[doc1.ID] = true

	f.sess.Close(ctx)

	require.Equal(t, domain.StatusWaiting, f.records.docs[doc2.ID].Status)
	// 2 fetched + 2 sweep announcements
	require.Len(t, f.pub.byKey(domain.EventKeyRecordChange), 4)

	// All claims are gone either way.
	status := domain.StatusJudging
	err = f.sess.OnContinue(ctx, "m1", record.Mutation{Status: &status})
	require.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
	err = f.sess.OnContinue(ctx, "m2", record.Mutation{Status: &status})
	require.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}
