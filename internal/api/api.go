package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/arbiter-oj/arbiter/internal/bus"
	"github.com/arbiter-oj/arbiter/internal/contest"
	"github.com/arbiter-oj/arbiter/internal/domain"
	"github.com/arbiter-oj/arbiter/internal/errors"
	"github.com/arbiter-oj/arbiter/internal/judge"
	"github.com/arbiter-oj/arbiter/internal/problem"
	"github.com/arbiter-oj/arbiter/internal/queue"
	"github.com/arbiter-oj/arbiter/internal/record"
	"github.com/arbiter-oj/arbiter/internal/users"
)

const recentRecordsLimit = 50

type Config struct {
	GRPC   *grpc.Server
	Router gin.IRouter

	Bus      *bus.Bus
	Queue    *queue.Queue
	Records  *record.Store
	Contests *contest.Store
	Engine   *contest.Engine
	Problems *problem.Store
	Users    *users.Store
	Hook     *judge.Hook
}

type API struct {
	bus      *bus.Bus
	queue    *queue.Queue
	records  *record.Store
	contests *contest.Store
	engine   *contest.Engine
	problems *problem.Store
	users    *users.Store
	hook     *judge.Hook
}

func New(c Config) *API {
	a := &API{
		bus:      c.Bus,
		queue:    c.Queue,
		records:  c.Records,
		contests: c.Contests,
		engine:   c.Engine,
		problems: c.Problems,
		users:    c.Users,
		hook:     c.Hook,
	}

	// Worker protocol
	registerJudgeService(c.GRPC, a)

	// Viewer/admin REST surface
	r := c.Router.Group("/api")
	r.POST("/records", a.CreateRecord)
	r.GET("/records", a.ListRecords)
	r.GET("/records/:rid", a.GetRecord)
	r.POST("/records/:rid/rejudge", a.RejudgeRecord)
	r.POST("/records/:rid/cancel", a.CancelRecord)
	r.PUT("/problems", a.UpsertProblem)
	r.POST("/contests", a.CreateContest)
	r.POST("/contests/:tid/attend", a.AttendContest)
	r.GET("/contests/:tid/standings", a.GetStandings)

	return a
}

func abortWithError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}

type createRecordRequest struct {
	DomainID string `json:"domain_id" binding:"required"`
	Pid      int64  `json:"problem_id" binding:"required"`
	Uid      int64  `json:"user_id" binding:"required"`
	Tid      *int64 `json:"contest_id"`
	Kind     int32  `json:"kind"`
	Language string `json:"language" binding:"required"`
	Code     string `json:"code" binding:"required"`
	Hidden   bool   `json:"hidden"`
}

// CreateRecord inserts a waiting record, enqueues its judge job and
// announces the change. Submission counters are bumped as a side effect;
// pretests stay off the scoreboards.
func (a *API) CreateRecord(c *gin.Context) {
	var req createRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ctx := c.Request.Context()
	kind := domain.Kind(req.Kind)

	if _, err := a.problems.Get(ctx, req.DomainID, req.Pid); err != nil {
		abortWithError(c, err)
		return
	}

	rid, err := a.records.Create(ctx, record.CreateRequest{
		DomainID: req.DomainID,
		Pid:      req.Pid,
		Uid:      req.Uid,
		Tid:      req.Tid,
		Kind:     kind,
		Lang:     req.Language,
		Code:     req.Code,
		Hidden:   req.Hidden,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	if err := a.queue.Publish(ctx, rid); err != nil {
		// Record exists but carries no job; surfaced so an operator can
		// rejudge it.
		abortWithError(c, err)
		return
	}
	if err := a.bus.Publish(ctx, domain.EventKeyRecordChange, rid.String()); err != nil {
		abortWithError(c, err)
		return
	}

	if kind == domain.KindSubmission {
		if err := a.problems.Inc(ctx, req.DomainID, req.Pid, problem.CounterSubmit, 1); err != nil {
			abortWithError(c, err)
			return
		}
		if err := a.users.IncDomainUser(ctx, req.DomainID, req.Uid, users.CounterSubmit, 1); err != nil {
			abortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"record_id": rid.String()})
}

func (a *API) ListRecords(c *gin.Context) {
	withHidden := c.Query("with_hidden") == "true"

	records, err := a.records.ListRecent(c.Request.Context(), recentRecordsLimit, withHidden)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (a *API) GetRecord(c *gin.Context) {
	rid, err := uuid.Parse(c.Param("rid"))
	if err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	rdoc, err := a.records.Get(c.Request.Context(), rid)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rdoc)
}

type rejudgeRequest struct {
	Enqueue *bool `json:"enqueue"`
}

// RejudgeRecord resets the record to waiting and, unless enqueue is
// explicitly false, re-publishes its judge job.
func (a *API) RejudgeRecord(c *gin.Context) {
	rid, err := uuid.Parse(c.Param("rid"))
	if err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	var req rejudgeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}
	enqueue := req.Enqueue == nil || *req.Enqueue

	ctx := c.Request.Context()
	rdoc, err := a.records.Rejudge(ctx, rid)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if enqueue {
		if err := a.queue.Publish(ctx, rdoc.ID); err != nil {
			abortWithError(c, err)
			return
		}
	}
	if err := a.bus.Publish(ctx, domain.EventKeyRecordChange, rdoc.ID.String()); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rdoc)
}

type cancelRequest struct {
	Uid     int64  `json:"user_id" binding:"required"`
	Message string `json:"message"`
}

// CancelRecord cooperatively cancels a record: it is reset, immediately
// re-claimed by the cancelling principal and closed with a cancelled
// judgment. An in-flight worker is not interrupted; its later updates
// fail the claim precondition and are dropped.
func (a *API) CancelRecord(c *gin.Context) {
	rid, err := uuid.Parse(c.Param("rid"))
	if err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ctx := c.Request.Context()
	if _, err := a.records.Rejudge(ctx, rid); err != nil {
		abortWithError(c, err)
		return
	}
	if _, err := a.records.BeginJudge(ctx, rid, req.Uid, domain.StatusFetched); err != nil {
		abortWithError(c, err)
		return
	}
	if req.Message != "" {
		if _, err := a.records.NextJudge(ctx, rid, req.Uid, record.Mutation{JudgeText: &req.Message}); err != nil {
			abortWithError(c, err)
			return
		}
	}
	rdoc, err := a.records.EndJudge(ctx, rid, req.Uid, domain.StatusCancelled, 0, 0)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if err := a.hook.PostJudge(ctx, rdoc); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rdoc)
}

type upsertProblemRequest struct {
	DomainID string `json:"domain_id" binding:"required"`
	Pid      int64  `json:"problem_id" binding:"required"`
	Title    string `json:"title"`
	Hidden   bool   `json:"hidden"`
}

// UpsertProblem writes problem metadata and tells connected workers their
// cached test data for it is stale.
func (a *API) UpsertProblem(c *gin.Context) {
	var req upsertProblemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ctx := c.Request.Context()
	err := a.problems.Upsert(ctx, &problem.Problem{
		DomainID: req.DomainID,
		Pid:      req.Pid,
		Title:    req.Title,
		Hidden:   req.Hidden,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	payload, err := json.Marshal(domain.ProblemDataChange{DomainID: req.DomainID, Pid: req.Pid})
	if err != nil {
		abortWithError(c, errors.Internal(err))
		return
	}
	if err := a.bus.Publish(ctx, domain.EventKeyProblemDataChange, string(payload)); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type createContestRequest struct {
	DomainID string  `json:"domain_id" binding:"required"`
	Title    string  `json:"title" binding:"required"`
	Rule     string  `json:"rule" binding:"required"`
	BeginAt  int64   `json:"begin_at" binding:"required"`
	EndAt    int64   `json:"end_at" binding:"required"`
	Pids     []int64 `json:"problem_ids" binding:"required"`
}

func (a *API) CreateContest(c *gin.Context) {
	var req createContestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	tid, err := a.contests.CreateContest(c.Request.Context(), &domain.Contest{
		DomainID: req.DomainID,
		Title:    req.Title,
		Rule:     req.Rule,
		BeginAt:  time.Unix(req.BeginAt, 0),
		EndAt:    time.Unix(req.EndAt, 0),
		Pids:     req.Pids,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contest_id": tid})
}

type attendRequest struct {
	Uid int64 `json:"user_id" binding:"required"`
}

func (a *API) AttendContest(c *gin.Context) {
	tid, err := parseTid(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req attendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ctx := c.Request.Context()
	if _, err := a.contests.GetContest(ctx, tid); err != nil {
		abortWithError(c, err)
		return
	}
	if err := a.contests.Attend(ctx, tid, req.Uid); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"attended": true})
}

// GetStandings returns the ranked standings. Visibility before contest end
// is rule-specific; callers already authorized upstream may pass
// privileged=true to bypass it.
func (a *API) GetStandings(c *gin.Context) {
	tid, err := parseTid(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	privileged := c.Query("privileged") == "true"

	standings, err := a.engine.GetStandings(c.Request.Context(), tid, privileged)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, standings)
}

func parseTid(c *gin.Context) (int64, error) {
	tid, err := strconv.ParseInt(c.Param("tid"), 10, 64)
	if err != nil {
		return 0, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("bad contest id: %q", c.Param("tid")))
	}
	return tid, nil
}
