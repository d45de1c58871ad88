package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"phabbridge/internal/bridge"
	"phabbridge/internal/conduit"
	"phabbridge/internal/config"
	"phabbridge/internal/credential"
	"phabbridge/internal/domain"
	"phabbridge/internal/engine/auth"
	"phabbridge/internal/events"
	"phabbridge/internal/repo"
)

// Remote is a Conduit connection for one project.
type Remote interface {
	bridge.Conduit
	WhoAmI(ctx context.Context) (*conduit.WhoAmI, error)
}

var _ Remote = (*conduit.Client)(nil)

// Dialer opens a Conduit connection with resolved project options.
type Dialer func(opts domain.ProjectOptions) (Remote, error)

type Engine struct {
	DB           *sqlx.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Logger       logrus.FieldLogger
	Now          func() time.Time
	Dial         Dialer
	ResolveToken credential.Resolver
}

func New(db *sqlx.DB, cfg *config.Config, logger logrus.FieldLogger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{DB: db},
		Config:       cfg,
		Logger:       logger,
		Now:          time.Now,
		Dial:         ConduitDialer(cfg),
		ResolveToken: credential.Resolve,
	}
}

// ConduitDialer returns a Dialer building real Conduit clients. All clients
// share one rate limiter.
func ConduitDialer(cfg *config.Config) Dialer {
	opts := []conduit.Option{
		conduit.WithTimeout(cfg.Timeout()),
		conduit.WithUserAgent(cfg.Conduit.UserAgent),
	}
	if cfg.Conduit.RateLimit > 0 {
		burst := cfg.Conduit.RateBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, conduit.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Conduit.RateLimit), burst)))
	}
	return func(p domain.ProjectOptions) (Remote, error) {
		return conduit.NewClient(p.Host, p.Token, opts...)
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

// ConfigFields describes the per-project options form.
func (e Engine) ConfigFields() []domain.Field {
	return bridge.ConfigFields()
}

// ProjectOptions returns the stored options of a project.
func (e Engine) ProjectOptions(ctx context.Context, projectID string) (domain.ProjectOptions, error) {
	if _, err := auth.Require(ctx, auth.PermOptionsRead); err != nil {
		return domain.ProjectOptions{}, err
	}
	return e.Repo.GetOptions(ctx, projectID)
}

// IsConfigured reports whether a project has a host and token.
func (e Engine) IsConfigured(ctx context.Context, projectID string) (bool, error) {
	if _, err := auth.Require(ctx, auth.PermOptionsRead); err != nil {
		return false, err
	}
	opts, err := e.Repo.GetOptions(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return opts.IsConfigured(), nil
}

// SetProjectOptions validates and stores a project's options.
func (e Engine) SetProjectOptions(ctx context.Context, opts domain.ProjectOptions) (domain.ProjectOptions, error) {
	p, err := auth.Require(ctx, auth.PermOptionsWrite)
	if err != nil {
		return domain.ProjectOptions{}, err
	}
	opts.ProjectID = strings.TrimSpace(opts.ProjectID)
	opts.Host = strings.TrimSpace(opts.Host)
	opts.Token = strings.TrimSpace(opts.Token)
	opts.ProjectPHIDs = strings.TrimSpace(opts.ProjectPHIDs)
	if opts.ProjectID == "" {
		return domain.ProjectOptions{}, &bridge.ValidationError{Field: "project_id", Message: "project id is required"}
	}
	if opts.Host == "" {
		return domain.ProjectOptions{}, &bridge.ValidationError{Field: "host", Message: "host is required"}
	}
	if _, err := conduit.Endpoint(opts.Host); err != nil {
		return domain.ProjectOptions{}, &bridge.ValidationError{Field: "host", Message: err.Error()}
	}
	if opts.Token == "" {
		return domain.ProjectOptions{}, &bridge.ValidationError{Field: "token", Message: "token is required"}
	}
	phids, err := opts.DefaultProjectPHIDs()
	if err != nil {
		return domain.ProjectOptions{}, &bridge.ValidationError{Field: "projectPHIDs", Message: err.Error()}
	}
	opts.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.ProjectOptions{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertOptions(ctx, tx, opts); err != nil {
		return domain.ProjectOptions{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeOptionsSet, opts.ProjectID, "project", opts.ProjectID, p.ActorID, events.EventPayload{
		"host":          opts.Host,
		"project_phids": len(phids),
		"token_ref":     credential.IsRef(opts.Token),
	}); err != nil {
		return domain.ProjectOptions{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectOptions{}, err
	}
	return opts, nil
}

// DeleteProjectOptions removes a project's options. Existing links are kept.
func (e Engine) DeleteProjectOptions(ctx context.Context, projectID string) error {
	p, err := auth.Require(ctx, auth.PermOptionsWrite)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteOptions(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeOptionsDeleted, projectID, "project", projectID, p.ActorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ImportOptions stores the project seeds of a config file.
func (e Engine) ImportOptions(ctx context.Context, cfg *config.Config) ([]domain.ProjectOptions, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	ids := make([]string, 0, len(cfg.Projects))
	for id := range cfg.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var res []domain.ProjectOptions
	for _, id := range ids {
		seed := cfg.Projects[id]
		phids := ""
		if len(seed.ProjectPHIDs) > 0 {
			b, err := json.Marshal(seed.ProjectPHIDs)
			if err != nil {
				return nil, err
			}
			phids = string(b)
		}
		opts, err := e.SetProjectOptions(ctx, domain.ProjectOptions{ProjectID: id, Host: seed.Host, Token: seed.Token, ProjectPHIDs: phids})
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", id, err)
		}
		res = append(res, opts)
	}
	return res, nil
}

// configured returns the options of a project, failing with a
// ConfigurationError when they are missing or incomplete.
func (e Engine) configured(ctx context.Context, projectID string) (domain.ProjectOptions, error) {
	opts, err := e.Repo.GetOptions(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ProjectOptions{}, &bridge.ConfigurationError{Reason: fmt.Sprintf("no options for project %s", projectID)}
	}
	if err != nil {
		return domain.ProjectOptions{}, err
	}
	if !opts.IsConfigured() {
		return domain.ProjectOptions{}, &bridge.ConfigurationError{Reason: "host and token are required"}
	}
	return opts, nil
}

// connect resolves the project's token and dials its host.
func (e Engine) connect(ctx context.Context, projectID string) (*bridge.IssueBridge, Remote, error) {
	opts, err := e.configured(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	dialOpts := opts
	if e.ResolveToken != nil {
		token, err := e.ResolveToken(opts.Token)
		if err != nil {
			return nil, nil, &bridge.ConfigurationError{Reason: fmt.Sprintf("resolving token: %v", err)}
		}
		dialOpts.Token = token
	}
	dial := e.Dial
	if dial == nil {
		dial = ConduitDialer(e.Config)
	}
	remote, err := dial(dialOpts)
	if err != nil {
		return nil, nil, &bridge.ConfigurationError{Reason: err.Error()}
	}
	b, err := bridge.New(opts, remote, e.logger())
	if err != nil {
		return nil, nil, err
	}
	return b, remote, nil
}

// CreateFields describes the new-task form for a group.
func (e Engine) CreateFields(ctx context.Context, projectID string, group domain.Group, event domain.ErrorEvent) ([]domain.Field, error) {
	if _, err := auth.Require(ctx, auth.PermIssueCreate); err != nil {
		return nil, err
	}
	b, _, err := e.connect(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return b.CreateFields(ctx, group, event), nil
}

// LinkFields describes the link-existing-task form for a group.
func (e Engine) LinkFields(ctx context.Context, projectID string, group domain.Group, event domain.ErrorEvent) ([]domain.Field, error) {
	if _, err := auth.Require(ctx, auth.PermIssueLink); err != nil {
		return nil, err
	}
	if _, err := e.configured(ctx, projectID); err != nil {
		return nil, err
	}
	return bridge.LinkFields(group, event), nil
}

func requireGroup(group domain.Group) error {
	if strings.TrimSpace(group.ID) == "" {
		return &bridge.ValidationError{Field: "group.id", Message: "group id is required"}
	}
	return nil
}

// CreateIssue files a task for a group and records the link.
func (e Engine) CreateIssue(ctx context.Context, projectID string, group domain.Group, form domain.CreateForm) (domain.IssueLink, error) {
	p, err := auth.Require(ctx, auth.PermIssueCreate)
	if err != nil {
		return domain.IssueLink{}, err
	}
	if err := requireGroup(group); err != nil {
		return domain.IssueLink{}, err
	}
	b, _, err := e.connect(ctx, projectID)
	if err != nil {
		return domain.IssueLink{}, err
	}
	issue, err := b.CreateIssue(ctx, form)
	if err != nil {
		return domain.IssueLink{}, err
	}
	return e.recordLink(ctx, p, projectID, group.ID, issue, domain.LinkKindCreated, events.TypeIssueCreated, events.EventPayload{
		"issue_id": issue.ID,
		"url":      issue.URL,
		"title":    form.Title,
	})
}

// LinkIssue attaches an existing task to a group and records the link.
func (e Engine) LinkIssue(ctx context.Context, projectID string, group domain.Group, form domain.LinkForm) (domain.IssueLink, error) {
	p, err := auth.Require(ctx, auth.PermIssueLink)
	if err != nil {
		return domain.IssueLink{}, err
	}
	if err := requireGroup(group); err != nil {
		return domain.IssueLink{}, err
	}
	b, _, err := e.connect(ctx, projectID)
	if err != nil {
		return domain.IssueLink{}, err
	}
	issue, err := b.LinkIssue(ctx, form)
	if err != nil {
		return domain.IssueLink{}, err
	}
	return e.recordLink(ctx, p, projectID, group.ID, issue, domain.LinkKindLinked, events.TypeIssueLinked, events.EventPayload{
		"issue_id": issue.ID,
		"url":      issue.URL,
		"comment":  strings.TrimSpace(form.Comment) != "",
	})
}

func (e Engine) recordLink(ctx context.Context, p auth.Principal, projectID, groupID string, issue domain.Issue, kind, evtType string, payload events.EventPayload) (domain.IssueLink, error) {
	link := domain.IssueLink{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		GroupID:   groupID,
		IssueID:   issue.ID,
		IssueURL:  issue.URL,
		Kind:      kind,
		ActorID:   p.ActorID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	err := e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.UpsertLink(ctx, tx, link); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, evtType, projectID, "group", groupID, p.ActorID, payload)
	})
	if err != nil {
		e.logger().WithError(err).WithFields(logrus.Fields{
			"project_id": projectID,
			"group_id":   groupID,
			"task":       "T" + issue.ID,
		}).Error("recording issue link failed")
		return domain.IssueLink{}, fmt.Errorf("task T%s exists but the link was not recorded: %w", issue.ID, err)
	}
	return link, nil
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// UnlinkIssue drops the link of a group. The task itself is left untouched.
func (e Engine) UnlinkIssue(ctx context.Context, projectID, groupID string) error {
	p, err := auth.Require(ctx, auth.PermIssueLink)
	if err != nil {
		return err
	}
	return e.withTx(ctx, func(tx *sqlx.Tx) error {
		link, err := e.Repo.GetLink(ctx, tx, projectID, groupID)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteLink(ctx, tx, projectID, groupID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeIssueUnlinked, projectID, "group", groupID, p.ActorID, events.EventPayload{"issue_id": link.IssueID})
	})
}

// GroupIssue returns the link recorded for a group.
func (e Engine) GroupIssue(ctx context.Context, projectID, groupID string) (domain.IssueLink, error) {
	if _, err := auth.Require(ctx, auth.PermOptionsRead); err != nil {
		return domain.IssueLink{}, err
	}
	return e.Repo.GetLink(ctx, nil, projectID, groupID)
}

// IssueDisplay is how a stored issue reference is shown.
type IssueDisplay struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Label string `json:"label"`
}

// IssueDisplay resolves the label and URL of a stored reference. References
// without a stored URL need the project's host.
func (e Engine) IssueDisplay(ctx context.Context, projectID string, ref domain.IssueRef) (IssueDisplay, error) {
	if _, err := auth.Require(ctx, auth.PermOptionsRead); err != nil {
		return IssueDisplay{}, err
	}
	if strings.TrimSpace(ref.ID()) == "" {
		return IssueDisplay{}, &bridge.ValidationError{Field: "issue_id", Message: "issue id is required"}
	}
	host := ""
	if _, ok := bridge.StoredURL(ref); !ok {
		opts, err := e.configured(ctx, projectID)
		if err != nil {
			return IssueDisplay{}, err
		}
		host = opts.Host
	}
	return IssueDisplay{
		ID:    ref.ID(),
		URL:   bridge.RefURL(host, ref),
		Label: bridge.IssueLabel(ref),
	}, nil
}

// ConnectionCheck is the outcome of a successful connection check.
type ConnectionCheck struct {
	Host     string `json:"host"`
	UserPHID string `json:"user_phid"`
	UserName string `json:"user_name"`
	RealName string `json:"real_name,omitempty"`
}

// CheckConnection verifies that the project's host and token work.
func (e Engine) CheckConnection(ctx context.Context, projectID string) (ConnectionCheck, error) {
	if _, err := auth.Require(ctx, auth.PermOptionsRead); err != nil {
		return ConnectionCheck{}, err
	}
	b, remote, err := e.connect(ctx, projectID)
	if err != nil {
		return ConnectionCheck{}, err
	}
	who, err := remote.WhoAmI(ctx)
	if err != nil {
		return ConnectionCheck{}, bridge.RemoteError(err)
	}
	return ConnectionCheck{Host: b.Host(), UserPHID: who.PHID, UserName: who.UserName, RealName: who.RealName}, nil
}

// ListEvents lists audit events, newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	if _, err := auth.Require(ctx, auth.PermEventsRead); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}

// CreateAPIKey issues a key for actorID. The plain key is returned once and
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	p, err := auth.Require(ctx, auth.PermAll)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", &bridge.ValidationError{Field: "actor_id", Message: "actor id is required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "pbk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	err = e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeAPIKeyCreated, "", "api_key", key.ID, p.ActorID, events.EventPayload{"actor_id": actorID, "name": key.Name})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// ListAPIKeys lists issued keys without their hashes.
func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	if _, err := auth.Require(ctx, auth.PermAll); err != nil {
		return nil, err
	}
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// DeleteAPIKey revokes a key.
func (e Engine) DeleteAPIKey(ctx context.Context, id string) error {
	p, err := auth.Require(ctx, auth.PermAll)
	if err != nil {
		return err
	}
	return e.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeAPIKeyDeleted, "", "api_key", id, p.ActorID, nil)
	})
}
