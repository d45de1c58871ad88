package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phabbridge/internal/db"
	"phabbridge/internal/domain"
	"phabbridge/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func TestOptionsCRUD(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	_, err := r.GetOptions(ctx, "web")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.UpsertOptions(ctx, nil, domain.ProjectOptions{ProjectID: "web", Host: "http://a/", Token: "t1"}))
	require.NoError(t, r.UpsertOptions(ctx, nil, domain.ProjectOptions{ProjectID: "web", Host: "http://b/", Token: "t2", ProjectPHIDs: `["PHID-PROJ-x"]`}))

	got, err := r.GetOptions(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "http://b/", got.Host)
	assert.Equal(t, "t2", got.Token)
	assert.Equal(t, `["PHID-PROJ-x"]`, got.ProjectPHIDs)
	assert.NotEmpty(t, got.UpdatedAt)

	all, err := r.ListOptions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, r.DeleteOptions(ctx, nil, "web"))
	assert.ErrorIs(t, r.DeleteOptions(ctx, nil, "web"), ErrNotFound)
}

func TestLinkIsReplacedPerGroup(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	first := domain.IssueLink{ID: "l1", ProjectID: "web", GroupID: "g1", IssueID: "7", IssueURL: "http://x/T7", Kind: domain.LinkKindCreated, ActorID: "alice"}
	require.NoError(t, r.UpsertLink(ctx, nil, first))

	tx, err := r.DB.Beginx()
	require.NoError(t, err)
	second := domain.IssueLink{ID: "l2", ProjectID: "web", GroupID: "g1", IssueID: "8", IssueURL: "http://x/T8", Kind: domain.LinkKindLinked, ActorID: "bob"}
	require.NoError(t, r.UpsertLink(ctx, tx, second))
	require.NoError(t, tx.Commit())

	got, err := r.GetLink(ctx, nil, "web", "g1")
	require.NoError(t, err)
	assert.Equal(t, "l2", got.ID)
	assert.Equal(t, "8", got.IssueID)
	assert.Equal(t, domain.Issue{ID: "8", URL: "http://x/T8"}, got.Issue())

	require.NoError(t, r.UpsertLink(ctx, nil, domain.IssueLink{ID: "l3", ProjectID: "web", GroupID: "g2", IssueID: "8", IssueURL: "http://x/T8", Kind: domain.LinkKindLinked, ActorID: "bob"}))
	links, err := r.ListLinks(ctx, "web", "8")
	require.NoError(t, err)
	assert.Len(t, links, 2)

	require.NoError(t, r.DeleteLink(ctx, nil, "web", "g1"))
	_, err = r.GetLink(ctx, nil, "web", "g1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.DeleteLink(ctx, nil, "web", "g1"), ErrNotFound)
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	hash := HashAPIKey(" secret ")
	assert.Equal(t, HashAPIKey("secret"), hash)
	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "svc", Name: "ci", KeyHash: hash}))
	assert.Error(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", ActorID: "svc"}))

	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "svc", key.ActorID)
	assert.Equal(t, "ci", key.Name)

	keys, err := r.ListAPIKeys(ctx, "svc")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, nil, "k1"))
	_, err = r.GetAPIKeyByHash(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)
}
