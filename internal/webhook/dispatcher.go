// Package webhook verifies and classifies GitHub events and turns
// pushes into indexing work. Push events run through the
// full-vs-incremental decision rule before anything is enqueued;
// installation events keep the SQLite registry current so later clones
// and pull requests can mint installation tokens.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	serviceerrors "github.com/patchsmith/patchsmith/internal/errors"
	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/internal/store"
	"github.com/patchsmith/patchsmith/internal/telemetry"
)

// DefaultIncrementalThreshold is the changed-file count above which a
// push is reindexed from scratch.
const DefaultIncrementalThreshold = 100

// Registry records installation lifecycle events.
type Registry interface {
	SaveInstallation(ctx context.Context, inst store.Installation) error
	MarkInstallationDeleted(ctx context.Context, installationID int64) error
	AddRepositories(ctx context.Context, installationID int64, repos []store.Repository) error
	RemoveRepositories(ctx context.Context, installationID int64, fullNames []string) error
}

// IndexChecker reports whether a repo+branch has committed index meta.
type IndexChecker interface {
	IsIndexed(ctx context.Context, repoID, branch string) (bool, error)
}

// Enqueuer submits jobs to the indexing queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts *queue.EnqueueOptions) (*queue.Job, error)
}

// Outcome reports what the dispatcher did with an event. It is shaped
// for direct JSON serialisation at the HTTP edge.
type Outcome struct {
	Event   string `json:"event"`
	Action  string `json:"action,omitempty"`
	Handled bool   `json:"handled"`
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// DispatcherConfig wires the dispatcher's collaborators.
type DispatcherConfig struct {
	Secret   string
	Registry Registry
	Meta     IndexChecker
	Indexing Enqueuer
	// Threshold is the incremental changed-file limit. Zero means
	// DefaultIncrementalThreshold.
	Threshold int
	Logger    *slog.Logger
}

// Dispatcher routes verified webhook deliveries to their handlers.
type Dispatcher struct {
	secret    string
	registry  Registry
	meta      IndexChecker
	indexing  Enqueuer
	threshold int
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. Registry, Meta, and Indexing are
// required.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("webhook dispatcher requires a registry")
	}
	if cfg.Meta == nil {
		return nil, fmt.Errorf("webhook dispatcher requires an index meta store")
	}
	if cfg.Indexing == nil {
		return nil, fmt.Errorf("webhook dispatcher requires an indexing queue")
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultIncrementalThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		secret:    cfg.Secret,
		registry:  cfg.Registry,
		meta:      cfg.Meta,
		indexing:  cfg.Indexing,
		threshold: threshold,
		logger:    logger,
	}, nil
}

// Verify checks the delivery signature against the raw body.
func (d *Dispatcher) Verify(signature string, body []byte) error {
	return VerifySignature(d.secret, signature, body)
}

// Dispatch routes one verified delivery. The deliveryID doubles as the
// job id for enqueued work, so a redelivered event collapses onto the
// job it already produced.
func (d *Dispatcher) Dispatch(ctx context.Context, event, deliveryID string, body []byte) (*Outcome, error) {
	telemetry.RecordWebhookEvent(event)

	switch event {
	case "installation":
		return d.handleInstallation(ctx, body)
	case "installation_repositories":
		return d.handleInstallationRepositories(ctx, body)
	case "push":
		return d.handlePush(ctx, deliveryID, body)
	case "pull_request":
		return d.handlePullRequest(ctx, deliveryID, body)
	default:
		d.logger.Debug("webhook_event_ignored", slog.String("event", event))
		return &Outcome{Event: event, Handled: false, Message: "event not handled"}, nil
	}
}

func (d *Dispatcher) handleInstallation(ctx context.Context, body []byte) (*Outcome, error) {
	var ev installationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMalformedEvent,
			"failed to parse installation event", err)
	}
	if ev.Installation.ID == 0 {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMalformedEvent,
			"installation event missing installation id", nil)
	}

	// A suspended installation can no longer mint tokens, so it is
	// bookkept the same way as a deleted one.
	if ev.Action == "deleted" || ev.Action == "suspend" {
		if err := d.registry.MarkInstallationDeleted(ctx, ev.Installation.ID); err != nil {
			return nil, err
		}
		d.logger.Info("webhook_installation_removed",
			slog.Int64("installation_id", ev.Installation.ID),
			slog.String("account", ev.Installation.Account.Login),
			slog.String("action", ev.Action))
		return &Outcome{Event: "installation", Action: ev.Action, Handled: true, Message: "installation removed"}, nil
	}

	inst := store.Installation{
		ID:           ev.Installation.ID,
		AccountLogin: ev.Installation.Account.Login,
		AccountType:  ev.Installation.Account.Type,
	}
	if err := d.registry.SaveInstallation(ctx, inst); err != nil {
		return nil, err
	}
	if len(ev.Repositories) > 0 {
		if err := d.registry.AddRepositories(ctx, ev.Installation.ID, storeRepositories(ev.Repositories)); err != nil {
			return nil, err
		}
	}
	d.logger.Info("webhook_installation_saved",
		slog.Int64("installation_id", ev.Installation.ID),
		slog.String("account", ev.Installation.Account.Login),
		slog.String("action", ev.Action),
		slog.Int("repositories", len(ev.Repositories)))
	return &Outcome{Event: "installation", Action: ev.Action, Handled: true, Message: "installation saved"}, nil
}

func (d *Dispatcher) handleInstallationRepositories(ctx context.Context, body []byte) (*Outcome, error) {
	var ev installationRepositoriesEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMalformedEvent,
			"failed to parse installation_repositories event", err)
	}
	if ev.Installation.ID == 0 {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMalformedEvent,
			"installation_repositories event missing installation id", nil)
	}

	if len(ev.RepositoriesAdded) > 0 {
		if err := d.registry.AddRepositories(ctx, ev.Installation.ID, storeRepositories(ev.RepositoriesAdded)); err != nil {
			return nil, err
		}
	}
	if len(ev.RepositoriesRemoved) > 0 {
		names := make([]string, 0, len(ev.RepositoriesRemoved))
		for _, repo := range ev.RepositoriesRemoved {
			names = append(names, repo.FullName)
		}
		if err := d.registry.RemoveRepositories(ctx, ev.Installation.ID, names); err != nil {
			return nil, err
		}
	}
	d.logger.Info("webhook_repositories_updated",
		slog.Int64("installation_id", ev.Installation.ID),
		slog.Int("added", len(ev.RepositoriesAdded)),
		slog.Int("removed", len(ev.RepositoriesRemoved)))
	return &Outcome{Event: "installation_repositories", Action: ev.Action, Handled: true, Message: "repositories updated"}, nil
}

func (d *Dispatcher) handlePush(ctx context.Context, deliveryID string, body []byte) (*Outcome, error) {
	var ev pushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMalformedEvent,
			"failed to parse push event", err)
	}
	if ev.Repository.FullName == "" {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMissingRepoID,
			"push event missing repository", nil)
	}

	branch, ok := strings.CutPrefix(ev.Ref, "refs/heads/")
	if !ok {
		return &Outcome{Event: "push", Handled: false, Message: "ref is not a branch"}, nil
	}
	if ev.Deleted || ev.After == ZeroSHA {
		return &Outcome{Event: "push", Handled: false, Message: "branch deleted"}, nil
	}

	repoID := ev.Repository.FullName
	changed := changedFiles(ev.Commits)
	total := changed.Total()

	isIndexed, err := d.meta.IsIndexed(ctx, repoID, branch)
	if err != nil {
		// An unreadable meta record downgrades to a full reindex,
		// which rebuilds whatever state was lost.
		d.logger.Warn("webhook_index_check_failed",
			slog.String("repo", repoID),
			slog.String("branch", branch),
			slog.String("error", err.Error()))
		isIndexed = false
	}

	decision := Decide(isIndexed, ev.Before, total, d.threshold)
	payload := d.pushPayload(&ev, branch)

	var job *queue.Job
	opts := &queue.EnqueueOptions{JobID: deliveryID}
	if decision.Mode == IndexFull {
		job, err = d.indexing.Enqueue(ctx, queue.JobIndexRepo, payload, opts)
	} else {
		incremental := queue.IncrementalIndexPayload{
			IndexRepoPayload:  payload,
			ChangedFiles:      changed,
			TotalChangedFiles: total,
		}
		job, err = d.indexing.Enqueue(ctx, queue.JobIncrementalIndex, incremental, opts)
	}
	if err != nil {
		return nil, err
	}

	d.logger.Info("webhook_index_enqueued",
		slog.String("repo", repoID),
		slog.String("branch", branch),
		slog.String("mode", string(decision.Mode)),
		slog.String("reason", decision.Reason),
		slog.Int("changed_files", total),
		slog.String("job_id", job.ID))
	return &Outcome{
		Event:   "push",
		Handled: true,
		Message: "indexing queued: " + decision.Reason,
		JobID:   job.ID,
		Mode:    string(decision.Mode),
	}, nil
}

func (d *Dispatcher) handlePullRequest(ctx context.Context, deliveryID string, body []byte) (*Outcome, error) {
	var ev pullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMalformedEvent,
			"failed to parse pull_request event", err)
	}
	if ev.Action != "opened" && ev.Action != "synchronize" {
		return &Outcome{Event: "pull_request", Action: ev.Action, Handled: false, Message: "event not handled"}, nil
	}
	if ev.Repository.FullName == "" {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMissingRepoID,
			"pull_request event missing repository", nil)
	}
	if ev.PullRequest.Head.Ref == "" {
		return nil, serviceerrors.New(serviceerrors.ErrCodeMalformedEvent,
			"pull_request event missing head ref", nil)
	}

	payload := queue.IndexRepoPayload{
		ProjectID: ev.Repository.FullName,
		RepoURL:   cloneURL(ev.Repository),
		RepoID:    ev.Repository.FullName,
		Branch:    ev.PullRequest.Head.Ref,
		UserID:    accountID(ev.Sender),
		Username:  ev.Sender.Login,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Trigger:   "webhook",
		Event:     "pull_request",
		AfterSHA:  ev.PullRequest.Head.SHA,
	}
	if ev.Installation != nil {
		payload.InstallationID = ev.Installation.ID
	}

	job, err := d.indexing.Enqueue(ctx, queue.JobIndexRepo, payload, &queue.EnqueueOptions{JobID: deliveryID})
	if err != nil {
		return nil, err
	}

	d.logger.Info("webhook_index_enqueued",
		slog.String("repo", ev.Repository.FullName),
		slog.String("branch", ev.PullRequest.Head.Ref),
		slog.String("mode", string(IndexFull)),
		slog.String("reason", "pull request "+ev.Action),
		slog.Int("pr_number", ev.Number),
		slog.String("job_id", job.ID))
	return &Outcome{
		Event:   "pull_request",
		Action:  ev.Action,
		Handled: true,
		Message: fmt.Sprintf("indexing queued for pull request #%d", ev.Number),
		JobID:   job.ID,
		Mode:    string(IndexFull),
	}, nil
}

func (d *Dispatcher) pushPayload(ev *pushEvent, branch string) queue.IndexRepoPayload {
	username := ev.Sender.Login
	if username == "" {
		username = ev.Pusher.Name
	}
	payload := queue.IndexRepoPayload{
		ProjectID: ev.Repository.FullName,
		RepoURL:   cloneURL(ev.Repository),
		RepoID:    ev.Repository.FullName,
		Branch:    branch,
		UserID:    accountID(ev.Sender),
		Username:  username,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Trigger:   "webhook",
		Event:     "push",
		Pusher:    ev.Pusher.Name,
		BeforeSHA: ev.Before,
		AfterSHA:  ev.After,
	}
	for _, commit := range ev.Commits {
		payload.Commits = append(payload.Commits, commit.ID)
	}
	if ev.Installation != nil {
		payload.InstallationID = ev.Installation.ID
	}
	return payload
}

func storeRepositories(repos []eventRepository) []store.Repository {
	out := make([]store.Repository, 0, len(repos))
	for _, repo := range repos {
		out = append(out, store.Repository{
			GitHubID: repo.ID,
			Name:     repo.Name,
			FullName: repo.FullName,
			Private:  repo.Private,
		})
	}
	return out
}

func cloneURL(repo eventRepository) string {
	if repo.CloneURL != "" {
		return repo.CloneURL
	}
	return "https://github.com/" + repo.FullName + ".git"
}

func accountID(account eventAccount) string {
	if account.ID == 0 {
		return ""
	}
	return strconv.FormatInt(account.ID, 10)
}
