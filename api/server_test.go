// Copyright 2025 The analyzer Authors
// This file is part of the analyzer library.
//
// The analyzer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The analyzer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the analyzer library. If not, see <http://www.gnu.org/licenses/>.

package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/locker"
	"github.com/nydiokar/analyzer/params"
	"github.com/nydiokar/analyzer/progress"
	"github.com/nydiokar/analyzer/queue"
	"github.com/nydiokar/analyzer/storage"
)

type stubWallets struct {
	wallets map[string]*storage.Wallet
}

func (s *stubWallets) GetWallet(ctx context.Context, addr string) (*storage.Wallet, error) {
	return s.wallets[addr], nil
}

type apiWorld struct {
	srv    *httptest.Server
	rt     *queue.Runtime
	bus    *progress.LocalBus
	locks  *locker.MemLocker
	repo   *stubWallets
	server *Server
}

func newAPIWorld(t *testing.T) *apiWorld {
	t.Helper()
	cfg := params.DefaultConfig()
	log := zap.NewNop().Sugar()

	bus := progress.NewLocalBus()
	rt := queue.New(jobs.NewMemStore(), bus, cfg, log)
	locks := locker.NewMemLocker()
	repo := &stubWallets{wallets: map[string]*storage.Wallet{}}

	server := NewServer(rt, repo, locks, cfg, log)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &apiWorld{srv: srv, rt: rt, bus: bus, locks: locks, repo: repo, server: server}
}

func walletAddr(seed byte) string {
	return strings.Repeat(string([]byte{'A' + seed%20}), 44)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitDashboardAccepted(t *testing.T) {
	w := newAPIWorld(t)
	addr := walletAddr(0)

	resp := postJSON(t, w.srv.URL+"/v1/jobs/dashboard-wallet-analysis", map[string]any{
		"walletAddress":  addr,
		"enrichMetadata": true,
		"requestId":      "r1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	out := decodeBody[submitResponse](t, resp)
	require.Equal(t, jobs.DeterministicID(jobs.KindDashboardAnalysis, addr, "r1"), out.JobID)
	require.Equal(t, params.AnalysisOpsQueue, out.Queue)

	job, err := w.rt.Store().Get(context.Background(), out.JobID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateQueued, job.State)
}

func TestSubmitRejectsBadAddress(t *testing.T) {
	w := newAPIWorld(t)

	resp := postJSON(t, w.srv.URL+"/v1/jobs/dashboard-wallet-analysis", map[string]any{
		"walletAddress": "tooshort",
		"requestId":     "r1",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitBusyWalletIs503(t *testing.T) {
	w := newAPIWorld(t)
	addr := walletAddr(1)

	held, err := w.locks.Acquire(context.Background(), locker.DashboardKey(addr), "other", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	resp := postJSON(t, w.srv.URL+"/v1/jobs/dashboard-wallet-analysis", map[string]any{
		"walletAddress": addr,
		"requestId":     "r1",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSimilarityNeedsTwoWallets(t *testing.T) {
	w := newAPIWorld(t)

	resp := postJSON(t, w.srv.URL+"/v1/jobs/similarity-flow", map[string]any{
		"walletAddresses": []string{walletAddr(2)},
		"requestId":       "r1",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	w := newAPIWorld(t)
	addr := walletAddr(3)

	submitted, err := w.rt.Submit(context.Background(), jobs.KindAnalyzePNL, addr, "r1",
		map[string]string{"walletAddress": addr}, jobs.SubmitOptions{})
	require.NoError(t, err)

	resp, err := http.Get(w.srv.URL + "/v1/jobs/" + submitted.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decodeBody[jobs.Job](t, resp)
	require.Equal(t, submitted.ID, job.ID)
	require.Equal(t, jobs.StateQueued, job.State)

	resp, err = http.Get(w.srv.URL + "/v1/jobs/doesnotexist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJobCascades(t *testing.T) {
	w := newAPIWorld(t)
	addr := walletAddr(4)

	parent, err := w.rt.Submit(context.Background(), jobs.KindDashboardAnalysis, addr, "r1",
		map[string]string{"walletAddress": addr}, jobs.SubmitOptions{})
	require.NoError(t, err)
	child, err := w.rt.Submit(context.Background(), jobs.KindEnrichTokenBalances, addr, "r1",
		map[string]string{"walletAddress": addr}, jobs.SubmitOptions{ParentID: parent.ID})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, w.srv.URL+"/v1/jobs/"+parent.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, err := w.rt.Store().Get(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateDead, got.State)
	gotChild, err := w.rt.Store().Get(context.Background(), child.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateDead, gotChild.State)
}

func TestWalletStatus(t *testing.T) {
	w := newAPIWorld(t)
	fresh := walletAddr(5)
	stale := walletAddr(6)
	missing := walletAddr(7)

	now := time.Now().Unix()
	w.repo.wallets[fresh] = &storage.Wallet{
		Address:               fresh,
		LastSuccessfulFetchAt: sql.NullInt64{Int64: now - 60, Valid: true},
	}
	w.repo.wallets[stale] = &storage.Wallet{
		Address:               stale,
		LastSuccessfulFetchAt: sql.NullInt64{Int64: now - 900, Valid: true},
	}

	url := fmt.Sprintf("%s/v1/wallets/status?addresses=%s,%s,%s", w.srv.URL, fresh, stale, missing)
	resp, err := http.Get(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeBody[struct {
		Statuses []walletStatusEntry `json:"statuses"`
	}](t, resp)
	require.Len(t, out.Statuses, 3)
	require.Equal(t, "FRESH", string(out.Statuses[0].Status))
	require.Equal(t, "STALE", string(out.Statuses[1].Status))
	require.Equal(t, "MISSING", string(out.Statuses[2].Status))
}

func TestProgressWebsocket(t *testing.T) {
	w := newAPIWorld(t)

	wsURL := "ws" + strings.TrimPrefix(w.srv.URL, "http") + "/ws/progress?job_id=job-1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the handler a moment to register its subscription.
	time.Sleep(100 * time.Millisecond)

	// Filtered-out event, then a matching one.
	w.bus.Publish(context.Background(), progress.Progress("other", "analysis-operations", 10))
	w.bus.Publish(context.Background(), progress.Progress("job-1", "analysis-operations", 42))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev progress.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "job-1", ev.JobID)
	require.Equal(t, 42, ev.Value)
}
