package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/devjails/internal/bail"
	"github.com/MRamiBalles/devjails/internal/domain/region"
	"github.com/MRamiBalles/devjails/internal/economy"
	"github.com/MRamiBalles/devjails/internal/engine"
	"github.com/MRamiBalles/devjails/internal/events"
	"github.com/MRamiBalles/devjails/internal/infra/storage"
	"github.com/MRamiBalles/devjails/internal/jails"
	"github.com/MRamiBalles/devjails/internal/platform/clock"
	"github.com/MRamiBalles/devjails/internal/platform/config"
	"github.com/MRamiBalles/devjails/internal/platform/errclass"
	"github.com/MRamiBalles/devjails/internal/platform/logger"
	"github.com/MRamiBalles/devjails/internal/platform/metrics"
	"github.com/MRamiBalles/devjails/internal/prisoners"
	"github.com/MRamiBalles/devjails/internal/world"
)

type testServer struct {
	srv    *httptest.Server
	world  *world.Memory
	ledger *economy.Ledger
	clock  *clock.Fake
	engine *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Discard()
	m := metrics.New()
	gw := storage.NewMemoryGateway()
	w := world.NewMemory("world", nil)
	clk := clock.NewFake(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	ledger := economy.NewLedger()
	bus := events.NewBus(events.NewEventLog(nil))

	jr := jails.NewRegistry(gw, world.NewStaticRegions(true), bus, log)
	pr := prisoners.NewRegistry(prisoners.Deps{
		Store: gw, Jails: jr, World: w, Bus: bus, Clock: clk, Metrics: m, Log: log,
	}, prisoners.Options{DefaultWorld: "world"})

	cfg := config.Default()
	escape := engine.NewEscapeSystem(cfg.Escape, engine.EscapeDeps{
		Jails: jr, Prisoners: pr, World: w, Commands: w, Economy: ledger,
		Bus: bus, Clock: clk, Metrics: m, Logger: log,
	})
	expiry := engine.NewExpirationSystem(pr, time.Second, 2, m, log)
	eng := engine.NewEngine(engine.NewLoop(16, m, log), escape, expiry, pr, jr, w, bus, log)
	bs := bail.NewService(config.BailConfig{Enabled: true}, pr, ledger, bus, m, log)

	eng.UseRestrictions(engine.NewRestrictionSystem(cfg.Restrictions, pr, w, clk, m))

	h := NewHandler(HandlerDeps{Engine: eng, Bail: bs, Store: gw, Effects: w, Economy: ledger, Log: log})
	h.DefaultTempDuration = time.Hour
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, world: w, ledger: ledger, clock: clk, engine: eng}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if resp.StatusCode != http.StatusNoContent {
		var raw interface{}
		if json.NewDecoder(resp.Body).Decode(&raw) == nil {
			if m, ok := raw.(map[string]interface{}); ok {
				out = m
			} else {
				out["items"] = raw
			}
		}
	}
	return resp.StatusCode, out
}

func (s *testServer) setupJail(t *testing.T) {
	t.Helper()
	code, _ := s.do(t, http.MethodPut, "/api/jails/Alpha", jailRequest{Spawn: region.Location{World: "world", X: 5, Y: 5, Z: 5}})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(t, http.MethodPut, "/api/areas/cells", areaRequest{
		A: region.Location{World: "world"},
		B: region.Location{World: "world", X: 9, Y: 9, Z: 9},
	})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(t, http.MethodPost, "/api/jails/Alpha/link", linkRequest{Area: "cells"})
	require.Equal(t, http.StatusOK, code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJailLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)

	code, body := s.do(t, http.MethodGet, "/api/jails/alpha", nil)
	require.Equal(t, http.StatusOK, code)
	j := body["jail"].(map[string]interface{})
	assert.Equal(t, "Alpha", j["name"])
	assert.Equal(t, "cells", j["area_ref"])

	code, _ = s.do(t, http.MethodPut, "/api/jails/Alpha", jailRequest{Spawn: region.Location{World: "world", X: 6}})
	assert.Equal(t, http.StatusOK, code)

	code, body = s.do(t, http.MethodPost, "/api/jails/Nope/link", linkRequest{Area: "cells"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "E_UNKNOWN_JAIL", body["code"])

	code, _ = s.do(t, http.MethodDelete, "/api/areas/cells", nil)
	assert.Equal(t, http.StatusNoContent, code)
	_, body = s.do(t, http.MethodGet, "/api/jails/alpha", nil)
	assert.Nil(t, body["jail"].(map[string]interface{})["area_ref"])

	code, _ = s.do(t, http.MethodDelete, "/api/jails/Alpha", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = s.do(t, http.MethodDelete, "/api/jails/Alpha", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAreaRequiresSameWorld(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, http.MethodPut, "/api/areas/split", areaRequest{
		A: region.Location{World: "world"},
		B: region.Location{World: "nether"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid", body["class"])
}

func TestAdmitAndQuery(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	id := uuid.New()
	s.world.Connect(id, "steve", region.Location{World: "world", X: 50})

	code, body := s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{
		Jail: "alpha", Reason: "griefing", Staff: "Op", Duration: "1h30m",
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "1h 30m", body["remaining"])
	assert.Equal(t, false, body["permanent"])

	code, body = s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{Jail: "alpha"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "E_ALREADY_JAILED", body["code"])

	code, _ = s.do(t, http.MethodPost, "/api/prisoners/"+uuid.NewString(), admitRequest{Jail: "ghost"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, "/api/prisoners/"+uuid.NewString(), admitRequest{Jail: "alpha", Duration: "soon"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodGet, "/api/prisoners?jail=ALPHA", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)

	code, body = s.do(t, http.MethodPost, "/api/prisoners/"+id.String()+"/extend", extendRequest{Duration: "30m", Staff: "Op"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2h", body["remaining"])

	code, _ = s.do(t, http.MethodGet, "/api/prisoners/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdmitTempUsesDefault(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	id := uuid.New()

	code, body := s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{Jail: "Alpha", Duration: "temp"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "1h", body["remaining"])
}

func TestPermanentCannotBeExtended(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	id := uuid.New()

	code, body := s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{Jail: "Alpha"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["permanent"])

	code, body = s.do(t, http.MethodPost, "/api/prisoners/"+id.String()+"/extend", extendRequest{Duration: "1h"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, errclass.ErrPermanentSentence.Code, body["code"])
}

func TestHostIngestionDetectsEscape(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	id := uuid.New()

	code, body := s.do(t, http.MethodPost, "/api/subjects/"+id.String()+"/online", onlineRequest{
		Name: "steve", Location: region.Location{World: "world", X: 4, Y: 4, Z: 4},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["jailed"])

	code, _ = s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{Jail: "Alpha", Duration: "10m"})
	require.Equal(t, http.StatusCreated, code)

	code, body = s.do(t, http.MethodPost, "/api/subjects/"+id.String()+"/move", moveRequest{
		Location: region.Location{World: "world", X: 40, Y: 4, Z: 4},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["escaped"])
	assert.Equal(t, true, body["handled"])

	code, _ = s.do(t, http.MethodPost, "/api/subjects/"+uuid.NewString()+"/move", moveRequest{})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, "/api/subjects/"+id.String()+"/offline", nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestBailOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	id, payer := uuid.New(), uuid.New()
	require.NoError(t, s.ledger.Deposit(payer, 100))

	code, _ := s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{Jail: "Alpha", Duration: "1d"})
	require.Equal(t, http.StatusCreated, code)

	code, body := s.do(t, http.MethodPost, "/api/prisoners/"+id.String()+"/bail/pay", payRequest{Payer: payer.String(), PayerName: "alex"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "no_bail_set", body["result"])

	code, _ = s.do(t, http.MethodPut, "/api/prisoners/"+id.String()+"/bail", bailRequest{Amount: 60, Staff: "Op"})
	require.Equal(t, http.StatusOK, code)

	code, body = s.do(t, http.MethodGet, "/api/prisoners?bail=true", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)

	_, body = s.do(t, http.MethodPost, "/api/prisoners/"+id.String()+"/bail/pay", payRequest{Payer: payer.String(), PayerName: "alex"})
	assert.Equal(t, "success", body["result"])
	assert.False(t, s.engine.Prisoners().IsJailed(id))
}

func TestReleaseAndSweep(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	a, b := uuid.New(), uuid.New()
	s.world.Connect(b, "alex", region.Location{World: "world", X: 4})

	s.do(t, http.MethodPost, "/api/prisoners/"+a.String(), admitRequest{Jail: "Alpha"})
	s.do(t, http.MethodPost, "/api/prisoners/"+b.String(), admitRequest{Jail: "Alpha", Duration: "5s"})

	code, body := s.do(t, http.MethodDelete, "/api/prisoners/"+a.String()+"?staff=Op", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["released"])

	code, _ = s.do(t, http.MethodDelete, "/api/prisoners/"+a.String(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	s.clock.Advance(5 * time.Second)
	_, body = s.do(t, http.MethodPost, "/api/sweep", nil)
	assert.Equal(t, 1.0, body["released"])
}

func TestRestraintAndReleaseSpawn(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	id := uuid.New()
	s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{Jail: "Alpha"})

	code, body := s.do(t, http.MethodPut, "/api/prisoners/"+id.String()+"/restraint", restraintRequest{Restrained: true, Staff: "Op"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["restrained"])

	code, body = s.do(t, http.MethodPut, "/api/prisoners/"+id.String()+"/release-spawn", releaseSpawnRequest{Choice: "original_location"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "original_location", body["release_spawn"])
}

func TestStatsAndReload(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)

	code, body := s.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, code)
	st := body["storage"].(map[string]interface{})
	assert.Equal(t, "memory", st["backend"])
	assert.Equal(t, 1.0, st["jails"])

	code, body = s.do(t, http.MethodPost, "/api/reload", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["dropped"])
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(errclass.ErrNotJailed))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(errclass.ErrPersistenceFailed))
	assert.Equal(t, http.StatusPaymentRequired, statusOf(errclass.ErrInsufficientFunds))
	assert.Equal(t, http.StatusConflict, statusOf(errclass.ErrCanceled))
	assert.Equal(t, http.StatusInternalServerError, statusOf(assert.AnError))
}

func TestEffectsReachTheHost(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	id := uuid.New()

	s.do(t, http.MethodPost, "/api/subjects/"+id.String()+"/online", onlineRequest{
		Name: "steve", Location: region.Location{World: "world", X: 4, Y: 4, Z: 4},
	})
	code, _ := s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{Jail: "Alpha", Duration: "10m"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(t, http.MethodGet, "/api/effects", nil)
	require.Equal(t, http.StatusOK, code)

	_, body := s.do(t, http.MethodPost, "/api/subjects/"+id.String()+"/move", moveRequest{
		Location: region.Location{World: "world", X: 40, Y: 4, Z: 4},
	})
	require.Equal(t, true, body["handled"])

	code, body = s.do(t, http.MethodGet, "/api/effects", nil)
	require.Equal(t, http.StatusOK, code)
	teleports := body["teleports"].([]interface{})
	require.Len(t, teleports, 1)
	to := teleports[0].(map[string]interface{})["to"].(map[string]interface{})
	assert.Equal(t, 5.0, to["x"])
	assert.Len(t, body["messages"], 1)

	_, body = s.do(t, http.MethodGet, "/api/effects", nil)
	assert.Empty(t, body["teleports"])
	assert.Empty(t, body["messages"])
}

func TestAccountsFundBail(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	id, payer := uuid.New(), uuid.New()
	acct := "/api/accounts/" + payer.String()

	code, body := s.do(t, http.MethodPost, acct+"/deposit", amountRequest{Amount: 100})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 100.0, body["balance"])

	code, body = s.do(t, http.MethodPost, acct+"/withdraw", amountRequest{Amount: 500})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "E_INSUFFICIENT_FUNDS", body["code"])
	code, _ = s.do(t, http.MethodPost, acct+"/deposit", amountRequest{Amount: -1})
	assert.Equal(t, http.StatusBadRequest, code)

	s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{Jail: "Alpha", Duration: "1d"})
	s.do(t, http.MethodPut, "/api/prisoners/"+id.String()+"/bail", bailRequest{Amount: 60, Staff: "Op"})
	_, body = s.do(t, http.MethodPost, "/api/prisoners/"+id.String()+"/bail/pay", payRequest{Payer: payer.String(), PayerName: "alex"})
	assert.Equal(t, "success", body["result"])

	code, body = s.do(t, http.MethodGet, acct, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 40.0, body["balance"])
}

func TestCheckAppliesRestrictions(t *testing.T) {
	s := newTestServer(t)
	s.setupJail(t)
	id, free := uuid.New(), uuid.New()
	s.do(t, http.MethodPost, "/api/subjects/"+id.String()+"/online", onlineRequest{
		Name: "steve", Location: region.Location{World: "world", X: 4, Y: 4, Z: 4},
	})
	s.do(t, http.MethodPost, "/api/prisoners/"+id.String(), admitRequest{Jail: "Alpha", Duration: "10m"})

	check := func(subject uuid.UUID, req checkRequest) (int, map[string]interface{}) {
		return s.do(t, http.MethodPost, "/api/subjects/"+subject.String()+"/check", req)
	}

	code, body := check(id, checkRequest{Action: "break"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "break", body["rule"])

	_, body = check(id, checkRequest{Action: "command", Command: "/msg bob hi"})
	assert.Equal(t, true, body["allowed"])
	_, body = check(id, checkRequest{Action: "command", Command: "/spawn"})
	assert.Equal(t, false, body["allowed"])

	_, body = check(free, checkRequest{Action: "pvp", Target: id.String()})
	assert.Equal(t, false, body["allowed"])
	_, body = check(free, checkRequest{Action: "break"})
	assert.Equal(t, true, body["allowed"])

	code, _ = check(id, checkRequest{Action: "fly"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = check(id, checkRequest{Action: "pvp", Target: "nope"})
	assert.Equal(t, http.StatusBadRequest, code)
}
