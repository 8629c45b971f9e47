package api

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/installment-engine/blacklist"
	"github.com/warp/installment-engine/installment"
)

// mapKV is a map-backed blacklist.KV.
type mapKV struct {
	mu     sync.Mutex
	values map[string]string
	sets   map[string]map[string]bool
}

func newMapKV() *mapKV {
	return &mapKV{values: map[string]string{}, sets: map[string]map[string]bool{}}
}

func (m *mapKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", blacklist.ErrMiss
	}
	return v, nil
}

func (m *mapKV) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value.(string)
	return nil
}

func (m *mapKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *mapKV) SAdd(_ context.Context, key string, members ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[key] == nil {
		m.sets[key] = map[string]bool{}
	}
	for _, v := range members {
		m.sets[key][v.(string)] = true
	}
	return nil
}

func (m *mapKV) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for v := range m.sets[key] {
		out = append(out, v)
	}
	return out, nil
}

// setupCachedServer is setupTestServer with the engine reading the
// blacklist through a cache.
func setupCachedServer(t *testing.T) testServer {
	t.Helper()
	ts := setupTestServer(t)
	logger, _ := test.NewNullLogger()

	cache := blacklist.NewCache(ts.handler.Store, newMapKV(), time.Hour, logger)
	ts.handler.Engine = installment.NewEngine(ts.handler.Store, ts.handler.Store, cache,
		installment.WithClock(ts.clock),
		installment.WithLogger(logger),
	)
	ts.handler.Cache = cache
	return ts
}

func demoPlanRequest() CreatePlanRequest {
	return CreatePlanRequest{
		CustomerID:   string(demoCustomer),
		StoreID:      string(demoStore),
		ProductID:    "flat-3",
		ProductPrice: "500000",
	}
}

func TestCache_ScenarioReloadClearsStaleBlacklist(t *testing.T) {
	// GIVEN: the blacklisted scenario, with "blacklisted" cached by a rejection
	// WHEN: Loading a scenario that does not blacklist the customer
	// THEN: the customer can open a plan without waiting for the TTL

	ts := setupCachedServer(t)
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "blacklisted"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/plans", demoPlanRequest())
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "fresh-plan"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/plans", demoPlanRequest())
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCache_ResetClearsStaleBlacklist(t *testing.T) {
	// GIVEN: c1 blacklisted and the decision cached
	// WHEN: The database is reset and c1 recreated
	// THEN: c1 is no longer rejected

	ts := setupCachedServer(t)
	rec := ts.do(t, http.MethodPost, "/api/blacklist", BlacklistRequest{CustomerID: "c1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/plans", scenarioRequest())
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/admin/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, ts.handler.Store.SaveCustomer(context.Background(), installment.Customer{
		ID: "c1", StoreID: "s1", Name: "Dilnoza",
	}))

	rec = ts.do(t, http.MethodPost, "/api/plans", scenarioRequest())
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}
