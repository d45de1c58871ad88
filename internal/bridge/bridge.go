// Package bridge adapts the issue-tracking plugin contract of an error
// tracker to Phabricator's Maniphest through the Conduit API.
package bridge

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"phabbridge/internal/conduit"
	"phabbridge/internal/domain"
)

// Conduit is the subset of the Conduit API the bridge uses.
type Conduit interface {
	SearchPriorities(ctx context.Context) ([]conduit.Priority, error)
	SearchStatuses(ctx context.Context) ([]conduit.Status, error)
	SearchUsers(ctx context.Context, usernames []string) ([]conduit.User, error)
	SearchProjects(ctx context.Context, slugs []string) ([]conduit.Project, error)
	SearchTasks(ctx context.Context, ids []int) ([]conduit.Task, error)
	EditTask(ctx context.Context, objectIdentifier any, txns []conduit.Transaction) (*conduit.EditResult, error)
}

var _ Conduit = (*conduit.Client)(nil)

// Fallback choices used whenever the remote lists cannot be fetched.
var (
	fallbackPriorities = domain.ChoiceList{
		Choices: []domain.Choice{{Value: "triage", Label: "Needs Triage"}},
		Default: "triage",
	}
	fallbackStatuses = domain.ChoiceList{
		Choices: []domain.Choice{{Value: "open", Label: "Open"}},
		Default: "open",
	}
)

// IssueBridge serves the plugin operations for one project. It is built per
// request from the project's options and a Conduit client for its host.
type IssueBridge struct {
	opts domain.ProjectOptions
	api  Conduit
	log  logrus.FieldLogger
}

// New returns a bridge for a configured project.
func New(opts domain.ProjectOptions, api Conduit, logger logrus.FieldLogger) (*IssueBridge, error) {
	if !opts.IsConfigured() {
		return nil, &ConfigurationError{Reason: "host and token are required"}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IssueBridge{
		opts: opts,
		api:  api,
		log:  logger.WithField("project_id", opts.ProjectID),
	}, nil
}

// PriorityChoices lists task priorities, preferring the "triage" priority as
// the default. Any failure yields the fixed fallback list.
func (b *IssueBridge) PriorityChoices(ctx context.Context) domain.ChoiceList {
	priorities, err := b.api.SearchPriorities(ctx)
	if err != nil {
		b.log.WithError(err).Warn("fetching priorities failed, using fallback")
		return fallbackPriorities
	}
	list := domain.ChoiceList{}
	for _, p := range priorities {
		if len(p.Keywords) == 0 {
			b.log.WithField("priority", p.Name).Warn("priority without keywords, using fallback")
			return fallbackPriorities
		}
		value := p.Keywords[0]
		if list.Default == "" && containsString(p.Keywords, "triage") {
			list.Default = value
		}
		list.Choices = append(list.Choices, domain.Choice{Value: value, Label: p.Name})
	}
	if len(list.Choices) == 0 {
		b.log.Warn("no priorities returned, using fallback")
		return fallbackPriorities
	}
	if list.Default == "" {
		list.Default = list.Choices[0].Value
	}
	return list
}

// StatusChoices lists task statuses with the instance's default status
// preselected. Any failure yields the fixed fallback list.
func (b *IssueBridge) StatusChoices(ctx context.Context) domain.ChoiceList {
	statuses, err := b.api.SearchStatuses(ctx)
	if err != nil {
		b.log.WithError(err).Warn("fetching statuses failed, using fallback")
		return fallbackStatuses
	}
	list := domain.ChoiceList{}
	for _, s := range statuses {
		if s.Value == "" {
			b.log.WithField("status", s.Name).Warn("status without value, using fallback")
			return fallbackStatuses
		}
		if list.Default == "" && s.Special == "default" {
			list.Default = s.Value
		}
		list.Choices = append(list.Choices, domain.Choice{Value: s.Value, Label: s.Name})
	}
	if len(list.Choices) == 0 {
		b.log.Warn("no statuses returned, using fallback")
		return fallbackStatuses
	}
	if list.Default == "" {
		list.Default = list.Choices[0].Value
	}
	return list
}

// UserPHID resolves a username ("bob" or "@bob") to its PHID.
func (b *IssueBridge) UserPHID(ctx context.Context, username string) (string, error) {
	name := strings.TrimSpace(username)
	name = strings.TrimSpace(strings.TrimPrefix(name, "@"))
	if name == "" {
		return "", &ValidationError{Field: "assigned", Message: "username is empty"}
	}
	users, err := b.api.SearchUsers(ctx, []string{name})
	if err != nil {
		return "", RemoteError(err)
	}
	if len(users) == 0 {
		return "", &NotFoundError{Kind: "user", Key: name}
	}
	return users[0].PHID, nil
}

// ProjectPHIDs resolves a comma-separated list of project slugs ("#ops, web")
// to PHIDs, in the order the remote returns them.
func (b *IssueBridge) ProjectPHIDs(ctx context.Context, list string) ([]string, error) {
	slugs := splitSlugs(list)
	if len(slugs) == 0 {
		return nil, nil
	}
	projects, err := b.api.SearchProjects(ctx, slugs)
	if err != nil {
		return nil, RemoteError(err)
	}
	if len(projects) == 0 {
		return nil, &NotFoundError{Kind: "project", Key: strings.Join(slugs, ", ")}
	}
	if len(projects) < len(slugs) {
		b.log.WithField("slugs", slugs).Warnf("only %d of %d projects matched", len(projects), len(slugs))
	}
	phids := make([]string, 0, len(projects))
	for _, p := range projects {
		phids = append(phids, p.PHID)
	}
	return phids, nil
}

func splitSlugs(list string) []string {
	var slugs []string
	for _, part := range strings.Split(list, ",") {
		slug := strings.TrimSpace(part)
		slug = strings.TrimSpace(strings.TrimPrefix(slug, "#"))
		if slug == "" {
			continue
		}
		slugs = append(slugs, slug)
	}
	return slugs
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
