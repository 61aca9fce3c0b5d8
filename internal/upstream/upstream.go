// Package upstream delivers outbox entries (spec.md §4.8) to the linked
// GitHub repository, grounded in the reference's server/ghclient/client.go:
// a thin interface over *github.Client plus a background consumer loop
// modeled on internal/steps' WorkerPool, generalized from one-shot PR/review
// calls to a claimed-and-retried queue drain.
package upstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/marcus-qen/conductor/internal/outbox"
	"github.com/marcus-qen/conductor/internal/storage"
	"go.uber.org/zap"
)

// Client is the subset of the GitHub API the outbox consumer needs.
type Client interface {
	CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) (id, url string, err error)
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (id, url string, err error)
}

// ghClient implements Client by delegating to go-github.
type ghClient struct {
	gh *github.Client
}

// NewClient builds a Client authenticated with token. An empty token still
// returns a usable (unauthenticated, rate-limited) client so development
// against public repos works without credentials configured.
func NewClient(token string) Client {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &ghClient{gh: gh}
}

func (c *ghClient) CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) (string, string, error) {
	comment, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, issueNumber, &github.IssueComment{
		Body: github.Ptr(body),
	})
	if err != nil {
		return "", "", err
	}
	return strconv.FormatInt(comment.GetID(), 10), comment.GetHTMLURL(), nil
}

func (c *ghClient) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (string, string, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
	})
	if err != nil {
		return "", "", err
	}
	return strconv.Itoa(pr.GetNumber()), pr.GetHTMLURL(), nil
}

// remoteSlug matches the owner/repo segment out of an https or ssh git
// remote URL (spec.md §3's repos.remote_url column).
var remoteSlug = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/.]+)(\.git)?/?$`)

// ParseRemote extracts owner/repo from a GitHub remote URL.
func ParseRemote(remoteURL string) (owner, repo string, err error) {
	m := remoteSlug.FindStringSubmatch(remoteURL)
	if m == nil {
		return "", "", fmt.Errorf("upstream: %q is not a recognizable GitHub remote", remoteURL)
	}
	return m[1], m[2], nil
}

type pullRequestPayload struct {
	Branch     string `json:"branch"`
	BaseBranch string `json:"baseBranch"`
	Plan       string `json:"plan"`
}

type commentPayload struct {
	Body string `json:"body"`
}

// Deliverer performs the actual upstream write for one outbox.Entry. It
// resolves the target repo via the entry's run, so every entry only needs
// to carry the issue/PR-specific fields in its payload.
type Deliverer struct {
	db     *storage.DB
	client Client
}

// NewDeliverer constructs a Deliverer.
func NewDeliverer(db *storage.DB, client Client) *Deliverer {
	return &Deliverer{db: db, client: client}
}

// Deliver dispatches entry by Kind, returning the upstream id/url Complete
// should record. Kinds this implementation does not yet translate to a
// GitHub API call return an error, which the caller records via Fail.
func (d *Deliverer) Deliver(ctx context.Context, entry outbox.Entry) (upstreamID, upstreamURL string, err error) {
	owner, repo, err := d.repoSlugForRun(entry.RunID)
	if err != nil {
		return "", "", fmt.Errorf("resolve repo for run %s: %w", entry.RunID, err)
	}

	switch entry.Kind {
	case outbox.KindComment:
		issueNumber, err := strconv.Atoi(entry.TargetNodeID)
		if err != nil {
			return "", "", fmt.Errorf("comment target %q is not an issue number: %w", entry.TargetNodeID, err)
		}
		var p commentPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return "", "", fmt.Errorf("decode comment payload: %w", err)
		}
		return d.client.CreateComment(ctx, owner, repo, issueNumber, p.Body)

	case outbox.KindPullRequest:
		var p pullRequestPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return "", "", fmt.Errorf("decode pull request payload: %w", err)
		}
		return d.client.CreatePullRequest(ctx, owner, repo, prTitle(p.Plan), p.Plan, p.Branch, p.BaseBranch)

	default:
		return "", "", fmt.Errorf("upstream: unsupported outbox kind %q", entry.Kind)
	}
}

func (d *Deliverer) repoSlugForRun(runID string) (owner, repo string, err error) {
	var remoteURL string
	err = d.db.QueryRow(`SELECT rp.remote_url FROM runs r JOIN repos rp ON rp.id = r.repo_id WHERE r.id = ?`, runID).Scan(&remoteURL)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("no repo for run %s", runID)
	}
	if err != nil {
		return "", "", err
	}
	return ParseRemote(remoteURL)
}

// prTitle takes the plan's first non-empty line as the PR title, falling
// back to a generic title when the plan has none.
func prTitle(plan string) string {
	for _, line := range strings.Split(plan, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			if len(line) > 72 {
				line = line[:72]
			}
			return line
		}
	}
	return "Automated change"
}

// DefaultPollInterval is how often an idle Consumer checks the outbox for
// a newly queued entry.
const DefaultPollInterval = 3 * time.Second

// PRRecorder records a run's upstream pull-request identity. Implemented by
// *steps.Manager; declared here rather than imported to avoid steps ->
// upstream -> steps import cycles.
type PRRecorder interface {
	RecordPRInfo(runID, prURL string, prNumber int, prState string) error
}

// Consumer drains the outbox queue, delivering each entry upstream and
// recording the outcome. Grounded on internal/steps.WorkerPool's
// Start/Stop/loop lifecycle, narrowed to a single goroutine since outbox
// throughput is one write per run transition, not per-job concurrency.
type Consumer struct {
	ob         *outbox.Outbox
	deliverer  *Deliverer
	prRecorder PRRecorder
	poll       time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer constructs a Consumer. prRecorder may be nil in tests that
// don't exercise pull-request delivery.
func NewConsumer(ob *outbox.Outbox, deliverer *Deliverer, prRecorder PRRecorder, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{ob: ob, deliverer: deliverer, prRecorder: prRecorder, poll: DefaultPollInterval, logger: logger}
}

// Start launches the drain loop. A second call while already running is a
// no-op.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(loopCtx)
	}()
}

// Stop cancels the drain loop and waits for the in-flight delivery, if any,
// to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.cancel = nil
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Consumer) loop(ctx context.Context) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		if c.claimAndDeliver(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Consumer) claimAndDeliver(ctx context.Context) bool {
	entry, ok, err := c.ob.ClaimNext()
	if err != nil {
		c.logger.Error("claim outbox entry failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	upstreamID, upstreamURL, err := c.deliverer.Deliver(ctx, entry)
	if err != nil {
		c.logger.Warn("outbox delivery failed", zap.String("entryId", entry.ID), zap.String("kind", entry.Kind), zap.Error(err))
		if failErr := c.ob.Fail(entry.ID, err); failErr != nil {
			c.logger.Error("mark outbox entry failed", zap.Error(failErr))
		}
		return true
	}
	if err := c.ob.Complete(entry.ID, upstreamID, upstreamURL); err != nil {
		c.logger.Error("mark outbox entry complete", zap.Error(err))
	}
	if entry.Kind == outbox.KindPullRequest && c.prRecorder != nil {
		if prNumber, convErr := strconv.Atoi(upstreamID); convErr == nil {
			if err := c.prRecorder.RecordPRInfo(entry.RunID, upstreamURL, prNumber, "open"); err != nil {
				c.logger.Error("record pr info", zap.String("runId", entry.RunID), zap.Error(err))
			}
		}
	}
	return true
}
