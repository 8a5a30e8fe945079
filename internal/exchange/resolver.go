package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolver ищет рабочую комбинацию хоста, версии и префикса пути и кеширует ее на время жизни процесса
type Resolver struct {
	candidates   []models.EndpointCandidate
	httpClient   *http.Client
	probeTimeout time.Duration

	group   singleflight.Group
	mu      sync.RWMutex
	current *models.ResolvedEndpoint
}

// NewResolver создает резолвер; порядок candidates задает приоритет
func NewResolver(candidates []models.EndpointCandidate, httpClient *http.Client, probeTimeout time.Duration) *Resolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Resolver{
		candidates:   append([]models.EndpointCandidate(nil), candidates...),
		httpClient:   httpClient,
		probeTimeout: probeTimeout,
	}
}

// Current возвращает закешированный эндпоинт
func (r *Resolver) Current() (models.ResolvedEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return models.ResolvedEndpoint{}, false
	}
	return *r.current, true
}

// Resolve возвращает кешированный эндпоинт или запускает поиск
func (r *Resolver) Resolve(ctx context.Context) (models.ResolvedEndpoint, error) {
	if ep, ok := r.Current(); ok {
		return ep, nil
	}
	return r.resolveShared(ctx)
}

// Reresolve сбрасывает кеш, если в нем все еще stale, и ищет заново.
// Если кто-то уже успел найти новый эндпоинт, возвращается он без повторного поиска.
func (r *Resolver) Reresolve(ctx context.Context, stale models.ResolvedEndpoint) (models.ResolvedEndpoint, error) {
	r.mu.Lock()
	if r.current != nil && *r.current != stale {
		ep := *r.current
		r.mu.Unlock()
		return ep, nil
	}
	r.current = nil
	r.mu.Unlock()

	logger.Warn("Сброс эндпоинта API, повторный поиск", zap.Stringer("stale", stale))
	return r.resolveShared(ctx)
}

// resolveShared объединяет параллельные поиски в один проход
func (r *Resolver) resolveShared(ctx context.Context) (models.ResolvedEndpoint, error) {
	// Проход не привязан к контексту первого вызвавшего: остальные ждут тот же результат
	ch := r.group.DoChan("resolve", func() (interface{}, error) {
		if ep, ok := r.Current(); ok {
			return ep, nil
		}
		return r.probeAll(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return models.ResolvedEndpoint{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.ResolvedEndpoint{}, res.Err
		}
		return res.Val.(models.ResolvedEndpoint), nil
	}
}

func (r *Resolver) probeAll(ctx context.Context) (models.ResolvedEndpoint, error) {
	attempts := make([]ProbeAttempt, 0, len(r.candidates))

	for _, cand := range r.candidates {
		attempt := r.probe(ctx, cand)
		if attempt.Err == nil && attempt.HTTPStatus == http.StatusOK && attempt.Code == SuccessCode {
			ep := models.ResolvedEndpoint{
				BaseURL:    cand.BaseURL,
				Version:    cand.Version,
				PathPrefix: cand.PathPrefix,
			}
			r.mu.Lock()
			r.current = &ep
			r.mu.Unlock()

			logger.Info("Найден рабочий эндпоинт API", zap.Stringer("endpoint", ep))
			return ep, nil
		}

		logger.Debug("Кандидат эндпоинта отвергнут",
			zap.Stringer("candidate", cand),
			zap.Int("status", attempt.HTTPStatus),
			zap.String("code", attempt.Code),
			zap.Error(attempt.Err))
		attempts = append(attempts, attempt)
	}

	return models.ResolvedEndpoint{}, &NoEndpointAvailableError{Attempts: attempts}
}

// probe неаутентифицированный запрос времени сервера
func (r *Resolver) probe(ctx context.Context, cand models.EndpointCandidate) ProbeAttempt {
	attempt := ProbeAttempt{Candidate: cand}

	if r.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.probeTimeout)
		defer cancel()
	}

	rt := dialectFor(cand.Version).routes[routeServerTime]
	req, err := http.NewRequestWithContext(ctx, rt.method, cand.BaseURL+cand.PathPrefix+rt.path, nil)
	if err != nil {
		attempt.Err = err
		return attempt
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		attempt.Err = err
		return attempt
	}
	defer resp.Body.Close()

	attempt.HTTPStatus = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		attempt.Err = err
		return attempt
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode == http.StatusOK {
			attempt.Err = fmt.Errorf("некорректный ответ: %w", err)
		}
		return attempt
	}
	attempt.Code = env.Code
	return attempt
}
