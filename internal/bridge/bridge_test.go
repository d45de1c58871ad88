package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phabbridge/internal/conduit"
	"phabbridge/internal/domain"
)

type editCall struct {
	ObjectIdentifier any
	Transactions     []conduit.Transaction
}

type fakeConduit struct {
	priorities    []conduit.Priority
	prioritiesErr error
	statuses      []conduit.Status
	statusesErr   error
	users         []conduit.User
	usersErr      error
	projects      []conduit.Project
	projectsErr   error
	tasks         []conduit.Task
	tasksErr      error
	editID        int
	editErr       error

	userCalls    [][]string
	projectCalls [][]string
	taskCalls    [][]int
	edits        []editCall
}

func (f *fakeConduit) SearchPriorities(ctx context.Context) ([]conduit.Priority, error) {
	return f.priorities, f.prioritiesErr
}

func (f *fakeConduit) SearchStatuses(ctx context.Context) ([]conduit.Status, error) {
	return f.statuses, f.statusesErr
}

func (f *fakeConduit) SearchUsers(ctx context.Context, usernames []string) ([]conduit.User, error) {
	f.userCalls = append(f.userCalls, usernames)
	return f.users, f.usersErr
}

func (f *fakeConduit) SearchProjects(ctx context.Context, slugs []string) ([]conduit.Project, error) {
	f.projectCalls = append(f.projectCalls, slugs)
	return f.projects, f.projectsErr
}

func (f *fakeConduit) SearchTasks(ctx context.Context, ids []int) ([]conduit.Task, error) {
	f.taskCalls = append(f.taskCalls, ids)
	return f.tasks, f.tasksErr
}

func (f *fakeConduit) EditTask(ctx context.Context, objectIdentifier any, txns []conduit.Transaction) (*conduit.EditResult, error) {
	f.edits = append(f.edits, editCall{ObjectIdentifier: objectIdentifier, Transactions: txns})
	if f.editErr != nil {
		return nil, f.editErr
	}
	res := &conduit.EditResult{}
	res.Object.ID = f.editID
	return res, nil
}

func user(phid string) conduit.User {
	return conduit.User{PHID: phid}
}

func project(phid string) conduit.Project {
	return conduit.Project{PHID: phid}
}

func task(id int) conduit.Task {
	return conduit.Task{ID: id}
}

var testOptions = domain.ProjectOptions{
	ProjectID: "web",
	Host:      "http://phab.local/",
	Token:     "api-token",
}

func newTestBridge(t *testing.T, api Conduit, opts domain.ProjectOptions) (*IssueBridge, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	b, err := New(opts, api, logger)
	require.NoError(t, err)
	return b, hook
}

var (
	errTransport = &conduit.TransportError{Method: "x", Err: errors.New("dial tcp: connection refused")}
	errAPI       = &conduit.APIError{Method: "x", Code: "ERR-CONDUIT-CORE", Info: "boom"}
)

func TestNewRequiresHostAndToken(t *testing.T) {
	for _, opts := range []domain.ProjectOptions{
		{Host: "http://phab.local/"},
		{Token: "t"},
		{Host: "  ", Token: "t"},
	} {
		_, err := New(opts, &fakeConduit{}, nil)
		var cfgErr *ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	}
}

func TestPriorityChoices(t *testing.T) {
	api := &fakeConduit{priorities: []conduit.Priority{
		{Name: "Unbreak Now!", Keywords: []string{"unbreak"}},
		{Name: "Needs Triage", Keywords: []string{"triage"}},
		{Name: "Normal", Keywords: []string{"normal"}},
	}}
	b, _ := newTestBridge(t, api, testOptions)

	list := b.PriorityChoices(context.Background())
	assert.Equal(t, []domain.Choice{
		{Value: "unbreak", Label: "Unbreak Now!"},
		{Value: "triage", Label: "Needs Triage"},
		{Value: "normal", Label: "Normal"},
	}, list.Choices)
	assert.Equal(t, "triage", list.Default)

	api.priorities = []conduit.Priority{{Name: "High", Keywords: []string{"high"}}, {Name: "Low", Keywords: []string{"low"}}}
	assert.Equal(t, "high", b.PriorityChoices(context.Background()).Default)
}

func TestChoicesFallBackOnAnyFailure(t *testing.T) {
	cases := map[string]*fakeConduit{
		"transport": {prioritiesErr: errTransport, statusesErr: errTransport},
		"api":       {prioritiesErr: errAPI, statusesErr: errAPI},
		"other":     {prioritiesErr: errors.New("weird"), statusesErr: errors.New("weird")},
		"empty":     {},
		"malformed": {
			priorities: []conduit.Priority{{Name: "No keywords"}},
			statuses:   []conduit.Status{{Name: "No value"}},
		},
	}
	for name, api := range cases {
		t.Run(name, func(t *testing.T) {
			b, hook := newTestBridge(t, api, testOptions)
			assert.Equal(t, fallbackPriorities, b.PriorityChoices(context.Background()))
			assert.Equal(t, fallbackStatuses, b.StatusChoices(context.Background()))
			require.NotEmpty(t, hook.AllEntries())
			assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
		})
	}
}

func TestStatusChoicesUseSpecialDefault(t *testing.T) {
	api := &fakeConduit{statuses: []conduit.Status{
		{Name: "Resolved", Value: "resolved", Closed: true},
		{Name: "Open", Value: "open", Special: "default"},
	}}
	b, _ := newTestBridge(t, api, testOptions)

	list := b.StatusChoices(context.Background())
	assert.Equal(t, "open", list.Default)
	assert.Len(t, list.Choices, 2)

	api.statuses = []conduit.Status{{Name: "Resolved", Value: "resolved"}}
	assert.Equal(t, "resolved", b.StatusChoices(context.Background()).Default)
}

func TestUserPHIDStripsAtPrefix(t *testing.T) {
	api := &fakeConduit{users: []conduit.User{user("PHID-USER-bob")}}
	b, _ := newTestBridge(t, api, testOptions)

	for _, name := range []string{"@bob", "bob", "  @bob ", "@ bob"} {
		phid, err := b.UserPHID(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, "PHID-USER-bob", phid)
	}
	for _, call := range api.userCalls {
		assert.Equal(t, []string{"bob"}, call)
	}
}

func TestUserPHIDErrors(t *testing.T) {
	b, _ := newTestBridge(t, &fakeConduit{}, testOptions)
	_, err := b.UserPHID(context.Background(), "ghost")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "user", nf.Kind)
	assert.Equal(t, "ghost", nf.Key)

	_, err = b.UserPHID(context.Background(), "@")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "assigned", ve.Field)

	b, _ = newTestBridge(t, &fakeConduit{usersErr: errAPI}, testOptions)
	_, err = b.UserPHID(context.Background(), "bob")
	var apiErr *RemoteAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ERR-CONDUIT-CORE boom", apiErr.Error())

	b, _ = newTestBridge(t, &fakeConduit{usersErr: errTransport}, testOptions)
	_, err = b.UserPHID(context.Background(), "bob")
	var unreachable *RemoteUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "unable to reach host: dial tcp: connection refused", unreachable.Error())
}

func TestProjectPHIDsCleansSlugsAndKeepsRemoteOrder(t *testing.T) {
	api := &fakeConduit{projects: []conduit.Project{project("PHID-PROJ-web"), project("PHID-PROJ-ops")}}
	b, hook := newTestBridge(t, api, testOptions)

	phids, err := b.ProjectPHIDs(context.Background(), " #ops, web ,, #db")
	require.NoError(t, err)
	assert.Equal(t, []string{"PHID-PROJ-web", "PHID-PROJ-ops"}, phids)
	assert.Equal(t, [][]string{{"ops", "web", "db"}}, api.projectCalls)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	phids, err = b.ProjectPHIDs(context.Background(), " , ")
	require.NoError(t, err)
	assert.Empty(t, phids)
	assert.Len(t, api.projectCalls, 1)
}

func TestProjectPHIDsNotFound(t *testing.T) {
	b, _ := newTestBridge(t, &fakeConduit{}, testOptions)
	_, err := b.ProjectPHIDs(context.Background(), "#nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "project", nf.Kind)
}

func TestCreateIssueSubmitsTransactionsInOrder(t *testing.T) {
	opts := testOptions
	opts.ProjectPHIDs = `["PHID-PROJ-default","PHID-PROJ-web"]`
	api := &fakeConduit{
		users:    []conduit.User{user("PHID-USER-bob")},
		projects: []conduit.Project{project("PHID-PROJ-web"), project("PHID-PROJ-ops")},
		editID:   42,
	}
	b, _ := newTestBridge(t, api, opts)

	issue, err := b.CreateIssue(context.Background(), domain.CreateForm{
		Title:       "ZeroDivisionError",
		Description: "boom",
		Priority:    "triage",
		Status:      "open",
		Assigned:    "@bob",
		Projects:    "#web, ops",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Issue{ID: "42", URL: "http://phab.local/T42"}, issue)

	require.Len(t, api.edits, 1)
	assert.Nil(t, api.edits[0].ObjectIdentifier)
	assert.Equal(t, []conduit.Transaction{
		{Type: "title", Value: "ZeroDivisionError"},
		{Type: "description", Value: "boom"},
		{Type: "projects.set", Value: []string{"PHID-PROJ-default", "PHID-PROJ-web", "PHID-PROJ-ops"}},
		{Type: "status", Value: "open"},
		{Type: "priority", Value: "triage"},
		{Type: "owner", Value: "PHID-USER-bob"},
	}, api.edits[0].Transactions)
}

func TestCreateIssueProjectUnionWithEmptySides(t *testing.T) {
	cases := []struct {
		name     string
		defaults string
		projects string
		remote   []conduit.Project
		want     []string
	}{
		{name: "neither", want: []string{}},
		{name: "defaults only", defaults: `["PHID-PROJ-a"]`, want: []string{"PHID-PROJ-a"}},
		{name: "extra only", projects: "b", remote: []conduit.Project{project("PHID-PROJ-b")}, want: []string{"PHID-PROJ-b"}},
		{name: "both", defaults: `["PHID-PROJ-a"]`, projects: "b", remote: []conduit.Project{project("PHID-PROJ-b")}, want: []string{"PHID-PROJ-a", "PHID-PROJ-b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions
			opts.ProjectPHIDs = tc.defaults
			api := &fakeConduit{projects: tc.remote, editID: 1}
			b, _ := newTestBridge(t, api, opts)
			_, err := b.CreateIssue(context.Background(), domain.CreateForm{Title: "t", Projects: tc.projects})
			require.NoError(t, err)
			assert.Equal(t, tc.want, api.edits[0].Transactions[2].Value)
			assert.Nil(t, api.edits[0].Transactions[5].Value)
		})
	}
}

func TestCreateIssueFailuresCreateNothing(t *testing.T) {
	t.Run("missing title", func(t *testing.T) {
		api := &fakeConduit{}
		b, _ := newTestBridge(t, api, testOptions)
		_, err := b.CreateIssue(context.Background(), domain.CreateForm{Title: "  "})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "title", ve.Field)
		assert.Empty(t, api.edits)
	})
	t.Run("bad default projects", func(t *testing.T) {
		opts := testOptions
		opts.ProjectPHIDs = "not json"
		api := &fakeConduit{}
		b, _ := newTestBridge(t, api, opts)
		_, err := b.CreateIssue(context.Background(), domain.CreateForm{Title: "t"})
		var ce *ConfigurationError
		require.ErrorAs(t, err, &ce)
		assert.Empty(t, api.edits)
	})
	t.Run("unknown assignee", func(t *testing.T) {
		api := &fakeConduit{}
		b, _ := newTestBridge(t, api, testOptions)
		_, err := b.CreateIssue(context.Background(), domain.CreateForm{Title: "t", Assigned: "ghost"})
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Empty(t, api.edits)
	})
	t.Run("edit rejected", func(t *testing.T) {
		api := &fakeConduit{editErr: errAPI}
		b, _ := newTestBridge(t, api, testOptions)
		_, err := b.CreateIssue(context.Background(), domain.CreateForm{Title: "t"})
		var apiErr *RemoteAPIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "ERR-CONDUIT-CORE", apiErr.Code)
	})
	t.Run("edit unreachable", func(t *testing.T) {
		api := &fakeConduit{editErr: errTransport}
		b, _ := newTestBridge(t, api, testOptions)
		_, err := b.CreateIssue(context.Background(), domain.CreateForm{Title: "t"})
		var unreachable *RemoteUnreachableError
		require.ErrorAs(t, err, &unreachable)
	})
}

func TestParseTaskID(t *testing.T) {
	for raw, want := range map[string]int{"34": 34, "T34": 34, " T34 ": 34, "t7": 7, "T 8": 8} {
		got, err := ParseTaskID(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "T", "abc", "T3x", "-4", "0", "TT3", "+34", "T+34", "T-3"} {
		_, err := ParseTaskID(raw)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, raw)
		assert.Equal(t, "task_id", ve.Field)
	}
}

func TestLinkIssueWithAndWithoutPrefixResolvesSameTask(t *testing.T) {
	api := &fakeConduit{tasks: []conduit.Task{task(34)}}
	b, _ := newTestBridge(t, api, testOptions)

	a, err := b.LinkIssue(context.Background(), domain.LinkForm{TaskID: "T34"})
	require.NoError(t, err)
	c, err := b.LinkIssue(context.Background(), domain.LinkForm{TaskID: "34"})
	require.NoError(t, err)

	assert.Equal(t, [][]int{{34}, {34}}, api.taskCalls)
	assert.Equal(t, a, c)
	assert.Equal(t, domain.Issue{ID: "34", URL: "http://phab.local/T34"}, a)
	assert.Empty(t, api.edits)
}

func TestLinkIssuePostsComment(t *testing.T) {
	api := &fakeConduit{tasks: []conduit.Task{task(34)}}
	b, _ := newTestBridge(t, api, testOptions)

	_, err := b.LinkIssue(context.Background(), domain.LinkForm{TaskID: "T34", Comment: "seen again"})
	require.NoError(t, err)
	require.Len(t, api.edits, 1)
	assert.Equal(t, 34, api.edits[0].ObjectIdentifier)
	assert.Equal(t, []conduit.Transaction{{Type: "comment", Value: "seen again"}}, api.edits[0].Transactions)
}

func TestLinkIssueCommentFailureIsIgnored(t *testing.T) {
	api := &fakeConduit{tasks: []conduit.Task{task(34)}, editErr: errTransport}
	b, hook := newTestBridge(t, api, testOptions)

	issue, err := b.LinkIssue(context.Background(), domain.LinkForm{TaskID: "34", Comment: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "34", issue.ID)
	assert.Len(t, api.edits, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestLinkIssueErrors(t *testing.T) {
	b, _ := newTestBridge(t, &fakeConduit{}, testOptions)
	_, err := b.LinkIssue(context.Background(), domain.LinkForm{TaskID: "T99"})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "T99", nf.Key)

	_, err = b.LinkIssue(context.Background(), domain.LinkForm{TaskID: "nope"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	b, _ = newTestBridge(t, &fakeConduit{tasksErr: errTransport}, testOptions)
	_, err = b.LinkIssue(context.Background(), domain.LinkForm{TaskID: "1"})
	var unreachable *RemoteUnreachableError
	require.ErrorAs(t, err, &unreachable)
}

func TestIssueURLAndLabel(t *testing.T) {
	b, _ := newTestBridge(t, &fakeConduit{}, domain.ProjectOptions{Host: "http://x/", Token: "t"})

	structured := domain.StructuredRef(domain.Issue{ID: "42", URL: "http://x/T42"})
	legacy := domain.LegacyRef("42")
	assert.Equal(t, "http://x/T42", b.IssueURL(structured))
	assert.Equal(t, "http://x/T42", b.IssueURL(legacy))
	assert.Equal(t, "T42", b.IssueLabel(structured))
	assert.Equal(t, "T42", b.IssueLabel(legacy))

	stale := domain.StructuredRef(domain.Issue{ID: "7", URL: "http://old/T7"})
	assert.Equal(t, "http://old/T7", b.IssueURL(stale))

	blank := domain.StructuredRef(domain.Issue{ID: "42", URL: "  "})
	assert.Equal(t, "http://x/T42", b.IssueURL(blank))
	_, ok := StoredURL(blank)
	assert.False(t, ok)
}

func TestIssueURLJoinsLikeURLJoin(t *testing.T) {
	assert.Equal(t, "http://x/T1", IssueURL("http://x", "1"))
	assert.Equal(t, "http://x/T1", IssueURL("http://x/", "1"))
	assert.Equal(t, "https://x/phab/T1", IssueURL("https://x/phab/", "1"))
	assert.Equal(t, "https://x/T1", IssueURL("https://x/phab", "1"))
}

func TestCreateFieldsPrefillFromGroup(t *testing.T) {
	api := &fakeConduit{prioritiesErr: errTransport, statuses: []conduit.Status{{Name: "Open", Value: "open", Special: "default"}}}
	b, _ := newTestBridge(t, api, testOptions)
	group := domain.Group{ID: "g1", Title: "KeyError: 'id'", Permalink: "https://errors.local/g/1/"}
	event := domain.ErrorEvent{Body: "Traceback ..."}

	fields := b.CreateFields(context.Background(), group, event)
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"title", "description", "priority", "status", "assigned", "projects"}, names)
	assert.Equal(t, "KeyError: 'id'", fields[0].Default)
	assert.Equal(t, "KeyError: 'id'\n\nhttps://errors.local/g/1/\n\n```\nTraceback ...\n```", fields[1].Default)
	assert.Equal(t, domain.FieldSelect, fields[2].Type)
	assert.Equal(t, "triage", fields[2].Default)
	assert.Equal(t, "open", fields[3].Default)
	assert.False(t, fields[4].Required)
	assert.False(t, fields[5].Required)
}

func TestLinkAndConfigFields(t *testing.T) {
	fields := LinkFields(domain.Group{Title: "boom"}, domain.ErrorEvent{})
	require.Len(t, fields, 2)
	assert.Equal(t, "task_id", fields[0].Name)
	assert.True(t, fields[0].Required)
	assert.Equal(t, "comment", fields[1].Name)
	assert.False(t, fields[1].Required)
	assert.Equal(t, "boom\n\n", fields[1].Default)

	cfg := ConfigFields()
	require.Len(t, cfg, 3)
	assert.True(t, cfg[0].Required)
	assert.True(t, cfg[1].Required)
	assert.False(t, cfg[2].Required)
	assert.Equal(t, domain.FieldTextarea, cfg[2].Type)
}
