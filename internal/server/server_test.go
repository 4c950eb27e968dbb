package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/questforge/internal/clock"
	"github.com/smallbiznis/questforge/internal/config"
	grantservice "github.com/smallbiznis/questforge/internal/grant/service"
	missiondomain "github.com/smallbiznis/questforge/internal/mission/domain"
	missionrepo "github.com/smallbiznis/questforge/internal/mission/repository"
	"github.com/smallbiznis/questforge/internal/progression"
	userdomain "github.com/smallbiznis/questforge/internal/user/domain"
	userrepo "github.com/smallbiznis/questforge/internal/user/repository"
	xpdomain "github.com/smallbiznis/questforge/internal/xp/domain"
	xprepo "github.com/smallbiznis/questforge/internal/xp/repository"
	xpservice "github.com/smallbiznis/questforge/internal/xp/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testServer struct {
	srv    *Server
	db     *gorm.DB
	node   *snowflake.Node
	userID snowflake.ID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&userdomain.User{},
		&missiondomain.Mission{},
		&xpdomain.Transaction{},
		&xpdomain.LevelAggregate{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	xpRepo := xprepo.Provide()
	xpSvc := xpservice.New(xpservice.Params{
		DB:    gdb,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  xpRepo,
	})
	grantSvc := grantservice.New(grantservice.Params{
		DB:      gdb,
		Log:     zap.NewNop(),
		XPSvc:   xpSvc,
		XPRepo:  xpRepo,
		Catalog: missionrepo.Provide(),
		Users:   userrepo.Provide(),
	})

	hub := progression.NewHub()
	manager := progression.NewManager(progression.ManagerParams{
		Log: zap.NewNop(),
		Hub: hub,
		Cfg: progression.Config{
			SegmentDuration: 10 * time.Millisecond,
			FrameInterval:   time.Millisecond,
			FinalHold:       time.Millisecond,
		},
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:         engine,
		Cfg:         config.Config{},
		DB:          gdb,
		Log:         zap.NewNop(),
		GenID:       node,
		XPSvc:       xpSvc,
		GrantSvc:    grantSvc,
		Users:       userrepo.Provide(),
		Missions:    missionrepo.Provide(),
		Progression: manager,
		ProgressHub: hub,
	})

	userID := node.Generate()
	require.NoError(t, gdb.Exec(
		`INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)`,
		userID, "handler-test-user", fake.Now(),
	).Error)

	return &testServer{srv: srv, db: gdb, node: node, userID: userID}
}

func (ts *testServer) seedMission(t *testing.T, difficulty int) snowflake.ID {
	t.Helper()
	id := ts.node.Generate()
	require.NoError(t, ts.db.Exec(
		`INSERT INTO missions (id, title, difficulty, created_at) VALUES (?, ?, ?, ?)`,
		id, "handler-test-mission", difficulty, time.Now().UTC(),
	).Error)
	return id
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestGrantXPEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/xp/grants", gin.H{
		"user_id":     ts.userID,
		"amount":      95,
		"source_type": "BONUS",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Aggregate xpdomain.LevelAggregate `json:"aggregate"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 95, resp.Aggregate.XP)
	assert.Equal(t, 3, resp.Aggregate.Level)
}

func TestGrantXPEndpointValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/xp/grants", gin.H{
		"user_id":     ts.userID,
		"amount":      -5,
		"source_type": "BONUS",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/xp/grants", gin.H{
		"user_id":     snowflake.ID(999999999),
		"amount":      5,
		"source_type": "BONUS",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGrantXPBatchEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/xp/grants/batch", gin.H{
		"entries": []gin.H{
			{"user_id": ts.userID, "amount": 40, "source_type": "BONUS"},
			{"user_id": snowflake.ID(999999999), "amount": 10, "source_type": "BONUS"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		} `json:"results"`
	}
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
	assert.Equal(t, "user_not_found", resp.Results[1].Error)

	rec = ts.do(t, http.MethodPost, "/v1/xp/grants/batch", gin.H{"entries": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteMissionEndpoint(t *testing.T) {
	ts := newTestServer(t)
	missionID := ts.seedMission(t, 2)
	achievementID := ts.node.Generate()

	path := fmt.Sprintf("/v1/missions/%s/complete", missionID)
	rec := ts.do(t, http.MethodPost, path, gin.H{
		"user_id":        ts.userID,
		"achievement_id": achievementID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp completeMissionResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Completed)
	assert.Equal(t, 100, resp.XPGranted)
	require.NotNil(t, resp.Aggregate)
	assert.Equal(t, 3, resp.Aggregate.Level)

	// Retrying the same achievement keeps the completion but grants nothing.
	rec = ts.do(t, http.MethodPost, path, gin.H{
		"user_id":        ts.userID,
		"achievement_id": achievementID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Completed)
	assert.Equal(t, 0, resp.XPGranted)
}

func TestCompleteMissionEndpointUnknownMission(t *testing.T) {
	ts := newTestServer(t)

	path := fmt.Sprintf("/v1/missions/%s/complete", ts.node.Generate())
	rec := ts.do(t, http.MethodPost, path, gin.H{"user_id": ts.userID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeMissionCompletionEndpoint(t *testing.T) {
	ts := newTestServer(t)
	missionID := ts.seedMission(t, 3)
	achievementID := ts.node.Generate()

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/v1/missions/%s/complete", missionID), gin.H{
		"user_id":        ts.userID,
		"achievement_id": achievementID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/v1/achievements/%s/revoke", achievementID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Aggregate xpdomain.LevelAggregate `json:"aggregate"`
		XPRevoked int                     `json:"xp_revoked"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 200, resp.XPRevoked)
	assert.Equal(t, 0, resp.Aggregate.XP)

	// Revoking an unknown achievement is a 404.
	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/v1/achievements/%s/revoke", ts.node.Generate()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUserXPEndpoint(t *testing.T) {
	ts := newTestServer(t)

	// Before any grant there is no aggregate yet.
	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/v1/users/%s/xp", ts.userID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/xp/grants", gin.H{
		"user_id":     ts.userID,
		"amount":      40,
		"source_type": "BONUS",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/v1/users/%s/xp", ts.userID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Aggregate xpdomain.LevelAggregate `json:"aggregate"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 40, resp.Aggregate.XP)
	assert.Equal(t, 2, resp.Aggregate.Level)
}

func TestListUserXPTransactionsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/xp/grants", gin.H{
			"user_id":     ts.userID,
			"amount":      10,
			"source_type": "BONUS",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/v1/users/%s/xp/transactions?page_size=2", ts.userID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Transactions  []xpdomain.Transaction `json:"transactions"`
		NextPageToken string                 `json:"next_page_token"`
		HasMore       bool                   `json:"has_more"`
	}
	decodeJSON(t, rec, &resp)
	assert.Len(t, resp.Transactions, 2)
	assert.True(t, resp.HasMore)
	assert.NotEmpty(t, resp.NextPageToken)
}

func TestProgressionEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/xp/grants", gin.H{
		"user_id":     ts.userID,
		"amount":      100,
		"source_type": "BONUS",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	base := fmt.Sprintf("/v1/users/%s/progression", ts.userID)
	rec = ts.do(t, http.MethodPost, base+"/start", gin.H{
		"start_xp":  0,
		"xp_gained": 100,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Acknowledge both boundaries (levels 2 and 3), waiting for each
	// specific pause so an ack never lands on the previous one.
	for _, want := range []int{2, 3} {
		require.Eventually(t, func() bool {
			level, pending := ts.srv.progression.PendingLevel(ts.userID)
			return pending && level == want
		}, 5*time.Second, time.Millisecond)

		rec = ts.do(t, http.MethodPost, base+"/ack", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Eventually(t, func() bool {
		return ts.srv.progression.State(ts.userID) == progression.StateIdle
	}, 5*time.Second, time.Millisecond)

	// The dismissed level-ups are persisted on the aggregate.
	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/v1/users/%s/xp", ts.userID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Aggregate xpdomain.LevelAggregate `json:"aggregate"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 3, resp.Aggregate.LastNotifiedLevel)

	// Acking with nothing running is a client error.
	rec = ts.do(t, http.MethodPost, base+"/ack", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMalformedIDParam(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/users/not-a-number/xp", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
