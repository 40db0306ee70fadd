// Package idempotency защищает мутирующие операции от повторного выполнения
// по одному idempotency-key и чистит просроченные ключи.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
	"github.com/vladislavdragonenkov/ordersvc/internal/metrics"
)

// DefaultTTL — время жизни ключа по умолчанию.
const DefaultTTL = 24 * time.Hour

// Исходы запроса с ключом для метрик.
const (
	outcomeExecuted   = "executed"
	outcomeReplayed   = "replayed"
	outcomeConflict   = "conflict"
	outcomeInProgress = "in_progress"
)

var (
	// ErrInProgress — запрос с тем же ключом ещё выполняется.
	ErrInProgress = errors.New("request with the same idempotency key is already processing")
	// ErrKeyConflict — ключ уже использован с другим телом запроса.
	ErrKeyConflict = errors.New("idempotency key is already used with different request payload")
)

// Response — сохраняемый ответ транспорта. Status — HTTP статус или gRPC код.
type Response struct {
	Status int
	Body   []byte
	Failed bool
}

// Handler выполняет операцию и возвращает ответ для кэширования.
type Handler func(ctx context.Context) Response

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт время жизни ключа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) { g.ttl = ttl }
}

// WithGuardMetrics подключает метрики.
func WithGuardMetrics(m *metrics.IdempotencyMetrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// WithGuardLogger задаёт logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithGuardClock подменяет источник времени.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// Guard выполняет обработчик не более одного раза на ключ и воспроизводит сохранённый ответ.
type Guard struct {
	repo    domain.IdempotencyRepository
	ttl     time.Duration
	metrics *metrics.IdempotencyMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewGuard создаёт Guard. nil repo отключает идемпотентность: обработчик выполняется всегда.
func NewGuard(repo domain.IdempotencyRepository, options ...GuardOption) *Guard {
	g := &Guard{repo: repo, ttl: DefaultTTL, now: time.Now}
	for _, option := range options {
		option(g)
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	if g.logger == nil {
		g.logger = log.WithField("component", "idempotency-guard")
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Enabled сообщает, подключено ли хранилище ключей.
func (g *Guard) Enabled() bool {
	return g != nil && g.repo != nil
}

// Execute выполняет handler под ключом key. replayed=true, если ответ взят из хранилища.
// Пустой ключ означает обычное выполнение без сохранения.
func (g *Guard) Execute(ctx context.Context, key, requestHash string, handler Handler) (resp Response, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if !g.Enabled() || key == "" {
		return handler(ctx), false, nil
	}

	entry := g.logger.WithField("idempotency_key", key)
	record, err := g.repo.CreateProcessing(ctx, key, requestHash, g.now().UTC().Add(g.ttl))
	if err != nil {
		return g.replay(entry, record, err)
	}

	g.metrics.RecordRequest(outcomeExecuted)
	resp = handler(ctx)

	// результат сохраняем даже если клиент уже отключился
	storeCtx := context.WithoutCancel(ctx)
	if resp.Failed {
		err = g.repo.MarkFailed(storeCtx, key, resp.Body, resp.Status)
	} else {
		err = g.repo.MarkDone(storeCtx, key, resp.Body, resp.Status)
	}
	if err != nil {
		entry.WithError(err).Warn("failed to store idempotent response")
	}
	return resp, false, nil
}

func (g *Guard) replay(entry *log.Entry, record domain.IdempotencyRecord, createErr error) (Response, bool, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		g.metrics.RecordRequest(outcomeConflict)
		return Response{}, false, ErrKeyConflict
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
	default:
		entry.WithError(createErr).Warn("failed to create idempotency record")
		return Response{}, false, fmt.Errorf("create idempotency record: %w", createErr)
	}

	switch {
	case record.Finished():
		g.metrics.RecordRequest(outcomeReplayed)
		return Response{
			Status: record.ResponseCode,
			Body:   append([]byte(nil), record.ResponseBody...),
			Failed: record.Status == domain.IdempotencyStatusFailed,
		}, true, nil
	case record.Status == domain.IdempotencyStatusProcessing:
		g.metrics.RecordRequest(outcomeInProgress)
		return Response{}, false, ErrInProgress
	default:
		return Response{}, false, fmt.Errorf("unknown idempotency record status %q", record.Status)
	}
}

// HashRequest строит отпечаток запроса: операция плюс канонизированное тело.
func HashRequest(operation string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
