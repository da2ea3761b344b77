package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/arbiter-oj/arbiter/internal/api"
	"github.com/arbiter-oj/arbiter/internal/bus"
	"github.com/arbiter-oj/arbiter/internal/contest"
	"github.com/arbiter-oj/arbiter/internal/judge"
	"github.com/arbiter-oj/arbiter/internal/problem"
	"github.com/arbiter-oj/arbiter/internal/queue"
	"github.com/arbiter-oj/arbiter/internal/record"
	"github.com/arbiter-oj/arbiter/internal/telemetry"
	"github.com/arbiter-oj/arbiter/internal/users"
)

type Config struct {
	HTTP struct {
		Port         int32
		AllowOrigins []string
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Bus struct {
			Addrs   []string
			Pass    string
			Channel string
		}

		Queue struct {
			Addrs  []string
			Pass   string
			Stream string
			Group  string
		}
	}

	Postgres struct {
		Record struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Contest struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}
}

type Server struct {
	c Config

	bus   *bus.Bus
	queue *queue.Queue

	infra struct {
		redis struct {
			bus   redis.UniversalClient
			queue redis.UniversalClient
		}

		postgres struct {
			record  *pgxpool.Pool
			contest *pgxpool.Pool
		}
	}

	store struct {
		records  *record.Store
		contests *contest.Store
		problems *problem.Store
		users    *users.Store
	}

	engine *contest.Engine
	hook   *judge.Hook

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initCore(); err != nil {
		return nil, fmt.Errorf("server: init core: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

// ConnectRedis dials, instruments and pings one redis client.
func ConnectRedis(addrs []string, pass string) (redis.UniversalClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return nil, err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return r, nil
}

func (s *Server) initRedis() error {
	var err error
	s.infra.redis.bus, err = ConnectRedis(s.c.Redis.Bus.Addrs, s.c.Redis.Bus.Pass)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	s.infra.redis.queue, err = ConnectRedis(s.c.Redis.Queue.Addrs, s.c.Redis.Queue.Pass)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.record, err = connect(s.c.Postgres.Record.Addr, s.c.Postgres.Record.User, s.c.Postgres.Record.Pass, s.c.Postgres.Record.Name)
	if err != nil {
		return fmt.Errorf("postgres: record: %w", err)
	}

	s.infra.postgres.contest, err = connect(s.c.Postgres.Contest.Addr, s.c.Postgres.Contest.User, s.c.Postgres.Contest.Pass, s.c.Postgres.Contest.Name)
	if err != nil {
		return fmt.Errorf("postgres: contest: %w", err)
	}

	return nil
}

func (s *Server) initCore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.bus = bus.New(bus.Config{
		Redis:   s.infra.redis.bus,
		Channel: s.c.Redis.Bus.Channel,
	})

	s.queue = queue.New(queue.Config{
		Redis:  s.infra.redis.queue,
		Stream: s.c.Redis.Queue.Stream,
		Group:  s.c.Redis.Queue.Group,
	})
	if err := s.queue.Init(ctx); err != nil {
		return err
	}

	s.store.records = record.NewStore(record.Config{DB: s.infra.postgres.record})
	s.store.problems = problem.NewStore(problem.Config{DB: s.infra.postgres.record})
	s.store.users = users.NewStore(users.Config{DB: s.infra.postgres.record})
	s.store.contests = contest.NewStore(contest.StoreConfig{DB: s.infra.postgres.contest})

	for name, migrate := range map[string]func(context.Context) error{
		"record":  s.store.records.Migrate,
		"problem": s.store.problems.Migrate,
		"users":   s.store.users.Migrate,
		"contest": s.store.contests.Migrate,
	} {
		if err := migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}

	s.engine = contest.NewEngine(contest.EngineConfig{
		Contests: s.store.contests,
		Statuses: s.store.contests,
	})

	s.hook = judge.NewHook(judge.HookConfig{
		Bus:      s.bus,
		Engine:   s.engine,
		Problems: s.store.problems,
		Domains:  s.store.users,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())
	if len(s.c.HTTP.AllowOrigins) > 0 {
		cc := cors.DefaultConfig()
		cc.AllowOrigins = s.c.HTTP.AllowOrigins
		e.Use(cors.New(cc))
	}

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())

	api.New(api.Config{
		GRPC:     s.grpc,
		Router:   e,
		Bus:      s.bus,
		Queue:    s.queue,
		Records:  s.store.records,
		Contests: s.store.contests,
		Engine:   s.engine,
		Problems: s.store.problems,
		Users:    s.store.users,
		Hook:     s.hook,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.bus.Stop()

	s.infra.postgres.record.Close()
	s.infra.postgres.contest.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
