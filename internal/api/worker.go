package api

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/arbiter-oj/arbiter/internal/bus"
	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
	"github.com/arbiter-oj/arbiter/internal/judge"
	"github.com/arbiter-oj/arbiter/internal/record"
)

// Worker protocol message kinds.
const (
	kindJob      = "job"
	kindEvent    = "event"
	kindContinue = "continue"
	kindFinish   = "finish"
	kindAbandon  = "abandon"
)

// judgeUidHeader carries the authenticated worker identity; the gateway in
// front of this service fills it in.
const judgeUidHeader = "judge-uid"

// sweepTimeout bounds the claim-reset sweep after a worker disconnects.
const sweepTimeout = 10 * time.Second

type serverMessage struct {
	Kind  string        `json:"kind"`
	Job   *jobMessage   `json:"job,omitempty"`
	Event *eventMessage `json:"event,omitempty"`
}

type jobMessage struct {
	RecordID  string `json:"record_id"`
	Handle    string `json:"handle"`
	ProblemID int64  `json:"problem_id"`
	DomainID  string `json:"domain_id"`
	Language  string `json:"language"`
	Code      string `json:"code"`
	Kind      int32  `json:"kind"`
}

type eventMessage struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type workerMessage struct {
	Kind   string `json:"kind"`
	Handle string `json:"handle"`

	// continue fields, all optional
	Status       *int32       `json:"status,omitempty"`
	CompilerText *string      `json:"compiler_text,omitempty"`
	JudgeText    *string      `json:"judge_text,omitempty"`
	Case         *caseMessage `json:"case,omitempty"`
	Progress     *float64     `json:"progress,omitempty"`
	Score        *float64     `json:"score,omitempty"`

	// finish fields
	TimeMs   int64 `json:"time_ms"`
	MemoryKB int64 `json:"memory_kb"`
}

type caseMessage struct {
	Status    int32  `json:"status"`
	TimeMs    int64  `json:"time_ms"`
	MemoryKB  int64  `json:"memory_kb"`
	JudgeText string `json:"judge_text"`
}

type judgeConnector interface {
	connect(stream grpc.ServerStream) error
}

var judgeServiceDesc = grpc.ServiceDesc{
	ServiceName: "arbiter.judge.v1.JudgeService",
	HandlerType: (*judgeConnector)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(judgeConnector).connect(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "arbiter/judge/v1",
}

func registerJudgeService(s *grpc.Server, a *API) {
	s.RegisterService(&judgeServiceDesc, judgeStream{a: a})
}

// workerConn serializes sends to one stream; jobs, event passthrough and
// protocol replies come from different goroutines.
type workerConn struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (c *workerConn) send(m serverMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.SendMsg(m)
}

type judgeStream struct {
	a *API
}

// connect serves one worker connection: it consumes queued judge jobs for
// the worker, forwards them, and demultiplexes the worker's status stream
// back into record updates. A malformed or failing message is logged and
// dropped, never fatal to the connection. On disconnect every outstanding
// claim is reverted.
func (h judgeStream) connect(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	judgeUid, err := judgeUidFromContext(ctx)
	if err != nil {
		return err
	}

	consumer := h.a.queue.Consumer(fmt.Sprintf("judge-%d-%s", judgeUid, uuid.NewString()))
	sess := judge.NewSession(judge.Config{
		JudgeUid: judgeUid,
		Records:  h.a.records,
		Consumer: consumer,
		Bus:      h.a.bus,
		Hook:     h.a.hook,
		Users:    h.a.users,
	})
	conn := &workerConn{stream: stream}

	slog.InfoContext(ctx, "api: judge connected", "judge_uid", judgeUid)

	// Generic fanout passthrough, e.g. problem-data-changed.
	sub := h.a.bus.Subscribe(func(ctx context.Context, e bus.Event) error {
		return conn.send(serverMessage{
			Kind:  kindEvent,
			Event: &eventMessage{Key: e.Key, Value: e.Value},
		})
	}, domain.EventKeyProblemDataChange)
	defer h.a.bus.Unsubscribe(sub)

	go h.consume(ctx, sess, consumer, conn, judgeUid)

	for {
		var m workerMessage
		if err := stream.RecvMsg(&m); err != nil {
			break
		}
		if err := h.dispatch(ctx, sess, m); err != nil {
			slog.WarnContext(ctx, "api: worker message dropped",
				"judge_uid", judgeUid,
				"kind", m.Kind,
				"handle", m.Handle,
				"error", err,
			)
		}
	}

	cancel()

	sweepCtx, sweepCancel := context.WithTimeout(context.WithoutCancel(ctx), sweepTimeout)
	defer sweepCancel()
	sess.Close(sweepCtx)

	slog.InfoContext(sweepCtx, "api: judge disconnected", "judge_uid", judgeUid)
	return nil
}

func (h judgeStream) consume(ctx context.Context, sess *judge.Session, consumer judge.JobConsumer, conn *workerConn, judgeUid int64) {
	for {
		d, ok, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "api: fetch job failed",
				"judge_uid", judgeUid,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}

		job, err := sess.OnDelivery(ctx, d)
		if err != nil {
			slog.ErrorContext(ctx, "api: claim job failed",
				"judge_uid", judgeUid,
				"rid", d.Rid,
				"error", err,
			)
			continue
		}
		if job == nil {
			continue
		}

		err = conn.send(serverMessage{
			Kind: kindJob,
			Job: &jobMessage{
				RecordID:  job.Rid.String(),
				Handle:    job.Handle,
				ProblemID: job.Pid,
				DomainID:  job.DomainID,
				Language:  job.Lang,
				Code:      job.Code,
				Kind:      int32(job.Kind),
			},
		})
		if err != nil {
			// The stream broke with a claim in flight; the disconnect
			// sweep reverts it.
			return
		}
	}
}

func (h judgeStream) dispatch(ctx context.Context, sess *judge.Session, m workerMessage) error {
	switch m.Kind {
	case kindContinue:
		return sess.OnContinue(ctx, m.Handle, continueMutation(m))

	case kindFinish:
		if m.Status == nil {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("finish without status"))
		}
		return sess.OnFinish(ctx, m.Handle, domain.Status(*m.Status), m.TimeMs, m.MemoryKB)

	case kindAbandon:
		return sess.OnAbandon(ctx, m.Handle)

	default:
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown message kind: %q", m.Kind))
	}
}

func continueMutation(m workerMessage) record.Mutation {
	var mut record.Mutation
	if m.Status != nil {
		status := domain.Status(*m.Status)
		mut.Status = &status
	}
	mut.CompilerText = m.CompilerText
	mut.JudgeText = m.JudgeText
	if m.Case != nil {
		mut.Case = &domain.Case{
			Status:    domain.Status(m.Case.Status),
			TimeMs:    m.Case.TimeMs,
			MemoryKB:  m.Case.MemoryKB,
			JudgeText: m.Case.JudgeText,
		}
	}
	mut.Progress = m.Progress
	if m.Score != nil {
		score := decimal.NewFromFloat(*m.Score)
		mut.Score = &score
	}
	return mut
}

func judgeUidFromContext(ctx context.Context) (int64, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok || len(md.Get(judgeUidHeader)) == 0 {
		return 0, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("missing %s metadata", judgeUidHeader))
	}

	uid, err := strconv.ParseInt(md.Get(judgeUidHeader)[0], 10, 64)
	if err != nil {
		return 0, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("bad %s metadata", judgeUidHeader),
			errors.WithCause(err))
	}
	return uid, nil
}
