package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phabbridge/internal/bridge"
	"phabbridge/internal/config"
	"phabbridge/internal/db"
	"phabbridge/internal/domain"
	"phabbridge/internal/engine"
	"phabbridge/internal/engine/auth"
	"phabbridge/internal/events"
	"phabbridge/internal/logging"
	"phabbridge/internal/migrate"
	"phabbridge/internal/repo"
)

// fakePhab answers the Conduit methods used by the bridge.
type fakePhab struct {
	mu     sync.Mutex
	calls  []string
	edits  []map[string]any
	tokens []string
	nextID int
	tasks  map[int]bool
	down   bool
}

func newFakePhab(t *testing.T) (*fakePhab, *httptest.Server) {
	t.Helper()
	f := &fakePhab{nextID: 100, tasks: map[int]bool{34: true}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePhab) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/api/")
	f.calls = append(f.calls, method)
	var params map[string]any
	_ = json.Unmarshal([]byte(r.FormValue("params")), &params)
	if c, ok := params["__conduit__"].(map[string]any); ok {
		tok, _ := c["token"].(string)
		f.tokens = append(f.tokens, tok)
	}
	reply := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "error_code": nil, "error_info": nil})
	}
	switch method {
	case "maniphest.priority.search":
		reply(map[string]any{"data": []map[string]any{
			{"name": "High", "keywords": []string{"high"}, "value": 80},
			{"name": "Needs Triage", "keywords": []string{"triage"}, "value": 90},
		}})
	case "maniphest.status.search":
		reply(map[string]any{"data": []map[string]any{
			{"name": "Open", "value": "open", "special": "default"},
			{"name": "Resolved", "value": "resolved", "closed": true},
		}})
	case "user.search":
		reply(map[string]any{"data": []map[string]any{{"id": 1, "phid": "PHID-USER-bob"}}})
	case "project.search":
		reply(map[string]any{"data": []map[string]any{{"id": 2, "phid": "PHID-PROJ-ops"}}})
	case "maniphest.search":
		var data []map[string]any
		if c, ok := params["constraints"].(map[string]any); ok {
			for _, id := range c["ids"].([]any) {
				if f.tasks[int(id.(float64))] {
					data = append(data, map[string]any{"id": int(id.(float64)), "phid": "PHID-TASK-x"})
				}
			}
		}
		reply(map[string]any{"data": data})
	case "maniphest.edit":
		f.edits = append(f.edits, params)
		id := f.nextID
		if oid, ok := params["objectIdentifier"].(float64); ok {
			id = int(oid)
		} else {
			f.nextID++
			f.tasks[id] = true
		}
		reply(map[string]any{"object": map[string]any{"id": id, "phid": "PHID-TASK-new"}, "transactions": []any{}})
	case "user.whoami":
		reply(map[string]any{"phid": "PHID-USER-bot", "userName": "bot", "realName": "Bridge Bot"})
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{"result": nil, "error_code": "ERR-CONDUIT-CALL", "error_info": "unknown method"})
	}
}

func (f *fakePhab) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakePhab) snapshot() (calls []string, edits []map[string]any, tokens []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]map[string]any(nil), f.edits...), append([]string(nil), f.tokens...)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Phab   *fakePhab
	Host   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	phab, srv := newFakePhab(t)
	cfg := config.Default()
	cfg.Conduit.TimeoutSeconds = 2
	eng := engine.New(conn, cfg, logging.Discard())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.ResolveToken = func(token string) (string, error) {
		if token == "keyring:web" {
			return "resolved-token", nil
		}
		if strings.HasPrefix(token, "keyring:") {
			return "", errors.New("no such keyring entry")
		}
		return token, nil
	}
	ctx := auth.WithPrincipal(context.Background(), auth.Local("tester"))
	return testEnv{Engine: eng, Ctx: ctx, Phab: phab, Host: srv.URL + "/"}
}

func (env testEnv) configure(t *testing.T, token, phids string) {
	t.Helper()
	_, err := env.Engine.SetProjectOptions(env.Ctx, domain.ProjectOptions{ProjectID: "web", Host: env.Host, Token: token, ProjectPHIDs: phids})
	require.NoError(t, err)
}

func TestSetProjectOptionsValidates(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]domain.ProjectOptions{
		"host":         {ProjectID: "web", Host: "phab.local", Token: "t"},
		"token":        {ProjectID: "web", Host: env.Host},
		"projectPHIDs": {ProjectID: "web", Host: env.Host, Token: "t", ProjectPHIDs: "PHID-PROJ-a"},
		"project_id":   {Host: env.Host, Token: "t"},
	}
	for field, opts := range cases {
		_, err := env.Engine.SetProjectOptions(env.Ctx, opts)
		var ve *bridge.ValidationError
		require.ErrorAs(t, err, &ve, field)
		assert.Equal(t, field, ve.Field)
	}

	ok, err := env.Engine.IsConfigured(env.Ctx, "web")
	require.NoError(t, err)
	assert.False(t, ok)

	env.configure(t, " api-token ", `["PHID-PROJ-a"]`)
	ok, err = env.Engine.IsConfigured(env.Ctx, "web")
	require.NoError(t, err)
	assert.True(t, ok)

	opts, err := env.Engine.ProjectOptions(env.Ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "api-token", opts.Token)
	assert.Equal(t, "2024-01-01T00:00:00Z", opts.UpdatedAt)
	assert.Equal(t, "****oken", opts.Masked().Token)
}

func TestOperationsRequireOptions(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateFields(env.Ctx, "web", domain.Group{ID: "g1"}, domain.ErrorEvent{})
	var cfgErr *bridge.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = env.Engine.CreateIssue(env.Ctx, "web", domain.Group{ID: "g1"}, domain.CreateForm{Title: "x"})
	require.ErrorAs(t, err, &cfgErr)
	calls, _, _ := env.Phab.snapshot()
	assert.Empty(t, calls)
}

func TestCreateIssueRecordsLinkAndEvent(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, "keyring:web", `["PHID-PROJ-default"]`)

	fields, err := env.Engine.CreateFields(env.Ctx, "web", domain.Group{ID: "g1", Title: "boom"}, domain.ErrorEvent{Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "triage", fields[2].Default)
	assert.Equal(t, "open", fields[3].Default)

	link, err := env.Engine.CreateIssue(env.Ctx, "web", domain.Group{ID: "g1"}, domain.CreateForm{
		Title:    "boom",
		Priority: "triage",
		Status:   "open",
		Assigned: "@bob",
		Projects: "#ops",
	})
	require.NoError(t, err)
	assert.Equal(t, "100", link.IssueID)
	assert.Equal(t, env.Host+"T100", link.IssueURL)
	assert.Equal(t, domain.LinkKindCreated, link.Kind)
	assert.Equal(t, "tester", link.ActorID)

	_, edits, tokens := env.Phab.snapshot()
	require.Len(t, edits, 1)
	txns := edits[0]["transactions"].([]any)
	projects := txns[2].(map[string]any)["value"].([]any)
	assert.Equal(t, []any{"PHID-PROJ-default", "PHID-PROJ-ops"}, projects)
	require.NotEmpty(t, tokens)
	for _, tok := range tokens {
		assert.Equal(t, "resolved-token", tok)
	}

	stored, err := env.Engine.GroupIssue(env.Ctx, "web", "g1")
	require.NoError(t, err)
	assert.Equal(t, link.ID, stored.ID)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{ProjectID: "web", Type: events.TypeIssueCreated})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "g1", evts[0].EntityID)
	assert.Contains(t, evts[0].Payload, `"issue_id":"100"`)
}

func TestLinkIssueReplacesLink(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, "api-token", "")

	_, err := env.Engine.CreateIssue(env.Ctx, "web", domain.Group{ID: "g1"}, domain.CreateForm{Title: "first"})
	require.NoError(t, err)

	link, err := env.Engine.LinkIssue(env.Ctx, "web", domain.Group{ID: "g1"}, domain.LinkForm{TaskID: "T34", Comment: "same root cause"})
	require.NoError(t, err)
	assert.Equal(t, "34", link.IssueID)
	assert.Equal(t, domain.LinkKindLinked, link.Kind)

	stored, err := env.Engine.GroupIssue(env.Ctx, "web", "g1")
	require.NoError(t, err)
	assert.Equal(t, "34", stored.IssueID)

	_, edits, _ := env.Phab.snapshot()
	require.Len(t, edits, 2)
	assert.Equal(t, float64(34), edits[1]["objectIdentifier"])

	_, err = env.Engine.LinkIssue(env.Ctx, "web", domain.Group{ID: "g2"}, domain.LinkForm{TaskID: "T999"})
	var nf *bridge.NotFoundError
	require.ErrorAs(t, err, &nf)
	_, err = env.Engine.GroupIssue(env.Ctx, "web", "g2")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, env.Engine.UnlinkIssue(env.Ctx, "web", "g1"))
	_, err = env.Engine.GroupIssue(env.Ctx, "web", "g1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.UnlinkIssue(env.Ctx, "web", "g1"), repo.ErrNotFound)
}

func TestLinkIssueRequiresGroup(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, "api-token", "")
	_, err := env.Engine.LinkIssue(env.Ctx, "web", domain.Group{}, domain.LinkForm{TaskID: "34"})
	var ve *bridge.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "group.id", ve.Field)
}

func TestIssueDisplay(t *testing.T) {
	env := newTestEnv(t)

	got, err := env.Engine.IssueDisplay(env.Ctx, "web", domain.StructuredRef(domain.Issue{ID: "42", URL: "http://x/T42"}))
	require.NoError(t, err)
	assert.Equal(t, engine.IssueDisplay{ID: "42", URL: "http://x/T42", Label: "T42"}, got)

	_, err = env.Engine.IssueDisplay(env.Ctx, "web", domain.LegacyRef("42"))
	var cfgErr *bridge.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	urlless := domain.StructuredRef(domain.Issue{ID: "42"})
	_, err = env.Engine.IssueDisplay(env.Ctx, "web", urlless)
	require.ErrorAs(t, err, &cfgErr)

	env.configure(t, "api-token", "")
	got, err = env.Engine.IssueDisplay(env.Ctx, "web", domain.LegacyRef("42"))
	require.NoError(t, err)
	assert.Equal(t, env.Host+"T42", got.URL)
	assert.Equal(t, "T42", got.Label)

	got, err = env.Engine.IssueDisplay(env.Ctx, "web", urlless)
	require.NoError(t, err)
	assert.Equal(t, engine.IssueDisplay{ID: "42", URL: env.Host + "T42", Label: "T42"}, got)
}

func TestCheckConnection(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, "api-token", "")

	res, err := env.Engine.CheckConnection(env.Ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "bot", res.UserName)
	assert.Equal(t, "PHID-USER-bot", res.UserPHID)

	env.Phab.setDown(true)
	_, err = env.Engine.CheckConnection(env.Ctx, "web")
	var unreachable *bridge.RemoteUnreachableError
	require.ErrorAs(t, err, &unreachable)
}

func TestUnresolvableTokenIsConfigurationError(t *testing.T) {
	env := newTestEnv(t)
	env.configure(t, "keyring:missing", "")
	_, err := env.Engine.CheckConnection(env.Ctx, "web")
	var cfgErr *bridge.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPermissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := auth.WithPrincipal(context.Background(), auth.Principal{ActorID: "reader", Permissions: []string{auth.PermOptionsRead}})

	_, err := env.Engine.SetProjectOptions(ctx, domain.ProjectOptions{ProjectID: "web", Host: env.Host, Token: "t"})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, auth.PermOptionsWrite, forbidden.Permission)

	_, err = env.Engine.CreateIssue(ctx, "web", domain.Group{ID: "g1"}, domain.CreateForm{Title: "x"})
	require.ErrorAs(t, err, &forbidden)

	_, err = env.Engine.ListEvents(ctx, repo.EventFilters{})
	require.ErrorAs(t, err, &forbidden)

	_, _, err = env.Engine.CreateAPIKey(ctx, "svc", "ci")
	require.ErrorAs(t, err, &forbidden)
}

func TestImportOptionsFromConfig(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := config.FromYAML([]byte(`
projects:
  web:
    host: ` + env.Host + `
    token: keyring:web
    project_phids: [PHID-PROJ-a]
  api:
    host: ` + env.Host + `
    token: api-token
`))
	require.NoError(t, err)

	imported, err := env.Engine.ImportOptions(env.Ctx, cfg)
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.Equal(t, "api", imported[0].ProjectID)
	assert.Equal(t, `["PHID-PROJ-a"]`, imported[1].ProjectPHIDs)
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "svc", "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, "pbk_"))
	assert.Equal(t, repo.HashAPIKey(secret), key.KeyHash)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].KeyHash)

	require.NoError(t, env.Engine.DeleteAPIKey(env.Ctx, key.ID))
	assert.ErrorIs(t, env.Engine.DeleteAPIKey(env.Ctx, key.ID), repo.ErrNotFound)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: events.TypeAPIKeyDeleted})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, key.ID, evts[0].EntityID)
}

func TestDeleteAPIKeyRollsBackWithoutAuditEvent(t *testing.T) {
	env := newTestEnv(t)
	_, secret, err := env.Engine.CreateAPIKey(env.Ctx, "svc", "ci")
	require.NoError(t, err)
	key, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	require.NoError(t, err)

	_, err = env.Engine.DB.Exec(`DROP TABLE events`)
	require.NoError(t, err)
	require.Error(t, env.Engine.DeleteAPIKey(env.Ctx, key.ID))

	_, err = env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	assert.NoError(t, err)
}
