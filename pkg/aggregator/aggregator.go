// Package aggregator builds the OrgContext consumed by the federated rules:
// per-repository governance state fetched from the provider, rate limited
// and fetched in parallel with bounded concurrency.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// codeownersPaths is the provider's lookup order for CODEOWNERS.
var codeownersPaths = []string{".github/CODEOWNERS", "CODEOWNERS", "docs/CODEOWNERS"}

// Client fetches governance state from GitHub. Every REST call passes
// through a token-bucket limiter so org-wide sweeps stay inside the API
// budget.
type Client struct {
	gh          *github.Client
	limiter     *rate.Limiter
	concurrency int
	log         *slog.Logger
}

// Option adjusts client construction.
type Option func(*Client)

// WithRateLimit overrides the default 10 req/s token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithConcurrency bounds the parallel per-repo fetches (default 8).
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if gh, err := c.gh.WithEnterpriseURLs(baseURL, baseURL); err == nil {
			c.gh = gh
		}
	}
}

// New builds a client authenticated with the given token.
func New(ctx context.Context, token string, log *slog.Logger, opts ...Option) *Client {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		gh:          github.NewClient(hc),
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
		concurrency: 8,
		log:         log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wait blocks on the token bucket, then classifies the call's error.
func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ProviderError{Op: op, Cause: err}
	}
	return nil
}

func classify(op, path string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return &RateLimitedError{ResetAt: rle.Rate.Reset.Time}
	}
	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) {
		reset := time.Now()
		if arle.RetryAfter != nil {
			reset = reset.Add(*arle.RetryAfter)
		}
		return &RateLimitedError{ResetAt: reset}
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return &NotFoundError{Path: path}
	}
	return &ProviderError{Op: op, Cause: err}
}

// FetchOrgState builds the OrgContext for the manifest's organization:
// every non-fork repository's governance state, fetched in parallel.
func (c *Client) FetchOrgState(ctx context.Context, org string, manifest *contracts.OrgPolicyManifest) (*contracts.OrgContext, error) {
	if err := c.wait(ctx, "org.get"); err != nil {
		return nil, err
	}
	orgRec, resp, err := c.gh.Organizations.Get(ctx, org)
	if err := classify("org.get", org, resp, err); err != nil {
		return nil, err
	}
	defaultPerm := contracts.Permission(orgRec.GetDefaultRepoPermission())
	if defaultPerm == "" {
		defaultPerm = contracts.PermissionRead
	}

	repos, err := c.listRepos(ctx, org)
	if err != nil {
		return nil, err
	}

	states := make([]contracts.RepoGovernanceState, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	var mu sync.Mutex
	for i, repo := range repos {
		g.Go(func() error {
			state, err := c.fetchRepoState(gctx, org, repo, defaultPerm)
			if err != nil {
				return err
			}
			mu.Lock()
			states[i] = *state
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(states, func(i, j int) bool { return states[i].FullName < states[j].FullName })
	return &contracts.OrgContext{Manifest: manifest, Repos: states}, nil
}

func (c *Client) listRepos(ctx context.Context, org string) ([]*github.Repository, error) {
	var all []*github.Repository
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		if err := c.wait(ctx, "repos.list"); err != nil {
			return nil, err
		}
		page, resp, err := c.gh.Repositories.ListByOrg(ctx, org, opts)
		if err := classify("repos.list", org, resp, err); err != nil {
			return nil, err
		}
		for _, r := range page {
			if !r.GetFork() {
				all = append(all, r)
			}
		}
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// FetchRepoState fetches the governance state of one repository.
func (c *Client) FetchRepoState(ctx context.Context, owner, name string) (*contracts.RepoGovernanceState, error) {
	if err := c.wait(ctx, "repo.get"); err != nil {
		return nil, err
	}
	repo, resp, err := c.gh.Repositories.Get(ctx, owner, name)
	if err := classify("repo.get", owner+"/"+name, resp, err); err != nil {
		return nil, err
	}
	return c.fetchRepoState(ctx, owner, repo, contracts.PermissionRead)
}

func (c *Client) fetchRepoState(ctx context.Context, owner string, repo *github.Repository, defaultPerm contracts.Permission) (*contracts.RepoGovernanceState, error) {
	name := repo.GetName()
	state := &contracts.RepoGovernanceState{
		FullName: owner + "/" + name,
		Meta: contracts.RepoMeta{
			Topics:        repo.Topics,
			Language:      repo.GetLanguage(),
			Visibility:    repo.GetVisibility(),
			Archived:      repo.GetArchived(),
			DefaultBranch: repo.GetDefaultBranch(),
			Tags:          repo.Topics, // provider topics double as governance tags
		},
		DefaultPermissions: defaultPerm,
		ScannedAt:          time.Now().UTC(),
	}
	if state.Meta.DefaultBranch == "" {
		state.Meta.DefaultBranch = "main"
	}

	// Archived repos are never flagged, so their expensive sub-fetches are
	// skipped entirely.
	if state.Meta.Archived {
		return state, nil
	}

	bp, err := c.fetchBranchProtection(ctx, owner, name, state.Meta.DefaultBranch)
	if err != nil {
		return nil, err
	}
	state.BranchProtection = bp

	workflows, err := c.fetchWorkflows(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	state.Workflows = workflows

	codeowners, err := c.fetchCodeowners(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	state.Codeowners = codeowners

	queue, err := c.fetchMergeQueue(ctx, owner, name, state.Meta.DefaultBranch)
	if err != nil {
		return nil, err
	}
	state.MergeQueue = queue
	return state, nil
}

func (c *Client) fetchBranchProtection(ctx context.Context, owner, name, branch string) (*contracts.BranchProtection, error) {
	if err := c.wait(ctx, "protection.get"); err != nil {
		return nil, err
	}
	prot, resp, err := c.gh.Repositories.GetBranchProtection(ctx, owner, name, branch)
	if cerr := classify("protection.get", owner+"/"+name+"@"+branch, resp, err); cerr != nil {
		var nf *NotFoundError
		if errors.As(cerr, &nf) {
			return nil, nil // unprotected branch
		}
		return nil, cerr
	}

	bp := &contracts.BranchProtection{}
	if reviews := prot.GetRequiredPullRequestReviews(); reviews != nil {
		bp.RequiredReviews = reviews.RequiredApprovingReviewCount
		bp.RequireCodeOwnerReviews = reviews.RequireCodeOwnerReviews
		bp.DismissStaleReviews = reviews.DismissStaleReviews
	}
	if admins := prot.GetEnforceAdmins(); admins != nil {
		bp.EnforceAdmins = admins.Enabled
	}
	if lh := prot.GetRequireLinearHistory(); lh != nil {
		bp.RequireLinearHistory = lh.Enabled
	}
	if fp := prot.GetAllowForcePushes(); fp != nil {
		bp.AllowForcePushes = fp.Enabled
	}
	if del := prot.GetAllowDeletions(); del != nil {
		bp.AllowDeletions = del.Enabled
	}
	if checks := prot.GetRequiredStatusChecks(); checks != nil {
		rsc := &contracts.RequiredStatusChecks{Strict: checks.Strict}
		if checks.Contexts != nil {
			rsc.Contexts = append(rsc.Contexts, *checks.Contexts...)
		}
		bp.RequiredStatusChecks = rsc
	}
	return bp, nil
}

// workflowJobs is the minimal shape needed to map workflow files to the
// status-check contexts they provide.
type workflowJobs struct {
	Jobs map[string]struct {
		Name string `yaml:"name"`
	} `yaml:"jobs"`
}

func (c *Client) fetchWorkflows(ctx context.Context, owner, name string) ([]contracts.WorkflowRef, error) {
	if err := c.wait(ctx, "workflows.list"); err != nil {
		return nil, err
	}
	_, entries, resp, err := c.gh.Repositories.GetContents(ctx, owner, name, ".github/workflows", nil)
	if cerr := classify("workflows.list", ".github/workflows", resp, err); cerr != nil {
		var nf *NotFoundError
		if errors.As(cerr, &nf) {
			return nil, nil
		}
		return nil, cerr
	}

	var refs []contracts.WorkflowRef
	for _, entry := range entries {
		path := entry.GetPath()
		if entry.GetType() != "file" || !(strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")) {
			continue
		}
		content, err := c.fileContent(ctx, owner, name, path)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		var wf workflowJobs
		if err := yaml.Unmarshal([]byte(content), &wf); err != nil {
			c.log.WarnContext(ctx, "skipping malformed workflow", "repo", owner+"/"+name, "path", path, "error", err)
			continue
		}
		ref := contracts.WorkflowRef{Path: path}
		for id, job := range wf.Jobs {
			// A job's check context is its display name when set, else its id.
			if job.Name != "" {
				ref.JobNames = append(ref.JobNames, job.Name)
			} else {
				ref.JobNames = append(ref.JobNames, id)
			}
		}
		sort.Strings(ref.JobNames)
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

func (c *Client) fetchCodeowners(ctx context.Context, owner, name string) (contracts.Codeowners, error) {
	for _, path := range codeownersPaths {
		content, err := c.fileContent(ctx, owner, name, path)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return contracts.Codeowners{}, err
		}
		return contracts.Codeowners{
			Exists:       true,
			CoveredPaths: parseCodeownersPaths(content),
		}, nil
	}
	return contracts.Codeowners{Exists: false}, nil
}

// parseCodeownersPaths extracts the path patterns of a CODEOWNERS file.
func parseCodeownersPaths(content string) []string {
	var paths []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue // a pattern with no owners covers nothing
		}
		paths = append(paths, fields[0])
	}
	return paths
}

func (c *Client) fetchMergeQueue(ctx context.Context, owner, name, branch string) (*contracts.MergeQueueState, error) {
	if err := c.wait(ctx, "rules.get"); err != nil {
		return nil, err
	}
	rules, resp, err := c.gh.Repositories.GetRulesForBranch(ctx, owner, name, branch)
	if cerr := classify("rules.get", owner+"/"+name+"@"+branch, resp, err); cerr != nil {
		var nf *NotFoundError
		if errors.As(cerr, &nf) {
			return nil, nil
		}
		return nil, cerr
	}
	for _, rule := range rules {
		if rule != nil && rule.Type == "merge_queue" {
			return &contracts.MergeQueueState{Enabled: true}, nil
		}
	}
	return nil, nil
}

func (c *Client) fileContent(ctx context.Context, owner, name, path string) (string, error) {
	if err := c.wait(ctx, "contents.get"); err != nil {
		return "", err
	}
	file, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, name, path, nil)
	if cerr := classify("contents.get", path, resp, err); cerr != nil {
		return "", cerr
	}
	if file == nil {
		return "", &NotFoundError{Path: path}
	}
	content, err := file.GetContent()
	if err != nil {
		return "", &ProviderError{Op: "contents.decode", Cause: err}
	}
	return content, nil
}
