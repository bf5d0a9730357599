package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(NewChecker))

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

func (h *Health) Healthy() bool {
	return h.Status == StatusHealthy
}

type Checker struct {
	db      *gorm.DB
	redis   *redis.Client
	timeout time.Duration
}

type Params struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func NewChecker(p Params) *Checker {
	return &Checker{
		db:      p.DB,
		redis:   p.Redis,
		timeout: 2 * time.Second,
	}
}

// Readiness pings every configured backing service.
func (h *Checker) Readiness(ctx context.Context) *Health {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	out := &Health{
		Status:  StatusHealthy,
		Message: "OK",
		Deps:    make([]Dependency, 0, 2),
	}

	if h.db != nil {
		out.add("database", h.pingDB(ctx))
	}
	if h.redis != nil {
		out.add("redis", h.redis.Ping(ctx).Err())
	}

	return out
}

func (h *Checker) pingDB(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (h *Health) add(name string, err error) {
	dep := Dependency{Name: name, Status: StatusHealthy, Message: "OK"}
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
		h.Status = StatusUnhealthy
		h.Message = name + " unavailable"
	}
	h.Deps = append(h.Deps, dep)
}
