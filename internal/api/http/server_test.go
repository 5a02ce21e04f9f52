package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/constituent/constituent/internal/application/governance"
	"github.com/constituent/constituent/internal/clock"
	domainAction "github.com/constituent/constituent/internal/domain/action"
	"github.com/constituent/constituent/internal/domain/policy"
	"github.com/constituent/constituent/internal/domain/registry"
	"github.com/constituent/constituent/internal/infrastructure/bolt"
	"github.com/constituent/constituent/internal/infrastructure/sse"
)

type scriptedExecutor struct {
	result string
	err    error
}

func (e *scriptedExecutor) Execute(ctx context.Context, params domainAction.Params) (string, error) {
	return e.result, e.err
}

func newTestServer(t *testing.T, tokenHashes []string) (*httptest.Server, *scriptedExecutor) {
	t.Helper()
	logger := zerolog.Nop()

	repo, err := bolt.Open(filepath.Join(t.TempDir(), "actions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	classifier := policy.NewClassifier(map[string]domainAction.Level{
		"like_post":    domainAction.LevelAutonomous,
		"publish_post": domainAction.LevelCoDecision,
		"token_burn":   domainAction.LevelHumanOnly,
	})

	exec := &scriptedExecutor{result: "done"}
	reg := registry.New()
	reg.Register("like_post", exec, registry.ParamSpec{})
	reg.Register("publish_post", exec, registry.ParamSpec{
		Fields: []registry.Field{{Name: "text", Kind: registry.KindString, Required: true}},
	})

	hub := sse.NewHub(logger)
	svc := governance.NewService(repo, classifier, reg, hub, clock.System{}, governance.Config{}, logger)

	server := httptest.NewServer(NewServer(svc, hub, tokenHashes, logger).Router())
	t.Cleanup(server.Close)
	return server, exec
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeAction(t *testing.T, resp *http.Response) domainAction.Action {
	t.Helper()
	defer resp.Body.Close()
	var a domainAction.Action
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	return a
}

func TestProposeAction(t *testing.T) {
	server, _ := newTestServer(t, nil)

	t.Run("autonomous completes synchronously", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions", map[string]interface{}{
			"action_type": "like_post",
			"params":      map[string]interface{}{"post_id": "42"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		a := decodeAction(t, resp)
		assert.Equal(t, domainAction.StatusCompleted, a.Status)
		require.NotNil(t, a.Result)
		assert.Equal(t, "done", *a.Result)
	})

	t.Run("co-decision is created pending", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions", map[string]interface{}{
			"action_type": "publish_post",
			"params":      map[string]interface{}{"text": "gm"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		a := decodeAction(t, resp)
		assert.Equal(t, domainAction.StatusPending, a.Status)
	})

	t.Run("human-only is refused", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions", map[string]interface{}{
			"action_type": "token_burn",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown type", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions", map[string]interface{}{
			"action_type": "launch_rocket",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid params", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions", map[string]interface{}{
			"action_type": "publish_post",
			"params":      map[string]interface{}{"text": 42},
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing action_type", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions", map[string]interface{}{})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestApprovalFlow(t *testing.T) {
	server, _ := newTestServer(t, nil)

	propose := func(t *testing.T) domainAction.Action {
		resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions", map[string]interface{}{
			"action_type": "publish_post",
			"params":      map[string]interface{}{"text": "gm"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		return decodeAction(t, resp)
	}

	t.Run("approve executes", func(t *testing.T) {
		a := propose(t)

		resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/actions/%d/approve", server.URL, a.ID), map[string]interface{}{
			"approver": "alice",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		approved := decodeAction(t, resp)
		assert.Equal(t, domainAction.StatusCompleted, approved.Status)
		require.NotNil(t, approved.ApprovedBy)
		assert.Equal(t, "alice", *approved.ApprovedBy)

		// audit trail covers the whole walk
		resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/actions/%d/transitions", server.URL, a.ID), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		defer resp.Body.Close()
		var body struct {
			Transitions []domainAction.StateTransition `json:"transitions"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Transitions, 4)
	})

	t.Run("double approve conflicts", func(t *testing.T) {
		a := propose(t)

		resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/actions/%d/approve", server.URL, a.ID), map[string]interface{}{"approver": "alice"})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/actions/%d/approve", server.URL, a.ID), map[string]interface{}{"approver": "bob"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("reject", func(t *testing.T) {
		a := propose(t)

		resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/actions/%d/reject", server.URL, a.ID), map[string]interface{}{"reason": "off brand"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		rejected := decodeAction(t, resp)
		assert.Equal(t, domainAction.StatusRejected, rejected.Status)
	})

	t.Run("approve missing action", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions/99999/approve", map[string]interface{}{"approver": "alice"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing approver", func(t *testing.T) {
		a := propose(t)
		resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/actions/%d/approve", server.URL, a.ID), map[string]interface{}{})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCancelAction(t *testing.T) {
	server, exec := newTestServer(t, nil)
	exec.err = errors.New("upstream down")

	resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions", map[string]interface{}{
		"action_type": "like_post",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	a := decodeAction(t, resp)
	require.Equal(t, domainAction.StatusRetryScheduled, a.Status)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/actions/%d/cancel", server.URL, a.ID), map[string]interface{}{"operator": "op-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decodeAction(t, resp)
	assert.Equal(t, domainAction.StatusFailed, cancelled.Status)

	// already terminal
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/actions/%d/cancel", server.URL, a.ID), map[string]interface{}{"operator": "op-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListAndGetActions(t *testing.T) {
	server, _ := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.MethodPost, server.URL+"/v1/actions", map[string]interface{}{
			"action_type": "publish_post",
			"params":      map[string]interface{}{"text": "gm"},
		})
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := doJSON(t, http.MethodGet, server.URL+"/v1/actions?status=PENDING", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Actions []domainAction.Action `json:"actions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Len(t, body.Actions, 3)
	for i := 1; i < len(body.Actions); i++ {
		assert.Less(t, body.Actions[i-1].ID, body.Actions[i].ID)
	}

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/actions/%d", server.URL, body.Actions[0].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeAction(t, resp)
	assert.Equal(t, body.Actions[0].ID, got.ID)

	resp = doJSON(t, http.MethodGet, server.URL+"/v1/actions/99999", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, server.URL+"/v1/actions/notanumber", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequireAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-token"), bcrypt.MinCost)
	require.NoError(t, err)
	server, _ := newTestServer(t, []string{string(hash)})

	t.Run("missing token", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, server.URL+"/v1/actions", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/actions", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/actions", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer s3cret-token")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestSSEStreamsGovernanceEvents(t *testing.T) {
	server, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/events?client_id=test-client", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// a pending proposal produces an approval notification on the stream
	go func() {
		time.Sleep(50 * time.Millisecond)
		body := bytes.NewBufferString(`{"action_type":"publish_post","params":{"text":"gm"}}`)
		r, err := http.Post(server.URL+"/v1/actions", "application/json", body)
		if err == nil {
			r.Body.Close()
		}
	}()

	buf := make([]byte, 4096)
	var received bytes.Buffer
	for {
		n, err := resp.Body.Read(buf)
		received.Write(buf[:n])
		if bytes.Contains(received.Bytes(), []byte("PENDING_APPROVAL")) {
			break
		}
		require.NoError(t, err)
	}
	assert.Contains(t, received.String(), "data: ")
}
