package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", "path", nil, nil))

	reset := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	err := classify("op", "path", nil, &github.RateLimitError{
		Rate: github.Rate{Reset: github.Timestamp{Time: reset}},
	})
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.True(t, rle.ResetAt.Equal(reset))

	retry := 30 * time.Second
	err = classify("op", "path", nil, &github.AbuseRateLimitError{RetryAfter: &retry})
	require.ErrorAs(t, err, &rle)
	assert.False(t, rle.ResetAt.IsZero())

	notFoundResp := &github.Response{Response: &http.Response{StatusCode: http.StatusNotFound}}
	err = classify("op", "repo/file", notFoundResp, errors.New("404"))
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe)
	assert.Equal(t, "repo/file", nfe.Path)

	cause := errors.New("boom")
	serverResp := &github.Response{Response: &http.Response{StatusCode: http.StatusInternalServerError}}
	err = classify("repo.get", "path", serverResp, cause)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "repo.get", pe.Op)
	assert.ErrorIs(t, err, cause)
}

func TestParseCodeownersPaths(t *testing.T) {
	content := `
# global owners
* @acme/platform-team

/src/ @alice @bob
/docs/    @carol

# a pattern with no owners covers nothing
/orphaned/
`
	assert.Equal(t, []string{"*", "/src/", "/docs/"}, parseCodeownersPaths(content))
	assert.Empty(t, parseCodeownersPaths(""))
	assert.Empty(t, parseCodeownersPaths("# comments only\n"))
}

// newTestClient points a client at a stub API server. Unhandled paths return
// 404, which the fetchers treat as observed absence.
func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	root := http.NewServeMux()
	root.Handle("/api/v3/", http.StripPrefix("/api/v3", mux))
	root.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	srv := httptest.NewServer(root)
	t.Cleanup(srv.Close)
	return New(context.Background(), "test-token", nil, WithBaseURL(srv.URL+"/"))
}

func TestFetchRepoStateArchivedSkipsSubFetches(t *testing.T) {
	mux := http.NewServeMux()
	var calls int
	mux.HandleFunc("/repos/acme/attic", func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"name":"attic","archived":true,"default_branch":"main","visibility":"private"}`)
	})
	mux.HandleFunc("/repos/acme/attic/", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected sub-fetch %s", r.URL.Path)
	})

	c := newTestClient(t, mux)
	state, err := c.FetchRepoState(context.Background(), "acme", "attic")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "acme/attic", state.FullName)
	assert.True(t, state.Meta.Archived)
	assert.Nil(t, state.BranchProtection)
}

func TestFetchRepoStateBareRepo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/bare", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"bare","topics":["payments"],"visibility":"private"}`)
	})
	mux.HandleFunc("/repos/acme/bare/rules/branches/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	c := newTestClient(t, mux)
	state, err := c.FetchRepoState(context.Background(), "acme", "bare")
	require.NoError(t, err)

	// No default branch from the provider falls back to main; everything
	// else reads as absent, not as an error.
	assert.Equal(t, "main", state.Meta.DefaultBranch)
	assert.Equal(t, []string{"payments"}, state.Meta.Tags)
	assert.Nil(t, state.BranchProtection)
	assert.Empty(t, state.Workflows)
	assert.False(t, state.Codeowners.Exists)
	assert.Nil(t, state.MergeQueue)
	assert.Equal(t, contracts.PermissionRead, state.DefaultPermissions)
}

func TestFetchRepoStateProtectedRepo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/platform", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"platform","default_branch":"main","visibility":"private"}`)
	})
	mux.HandleFunc("/repos/acme/platform/branches/main/protection", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"required_pull_request_reviews": {
				"required_approving_review_count": 2,
				"require_code_owner_reviews": true
			},
			"enforce_admins": {"enabled": true},
			"required_linear_history": {"enabled": true},
			"required_status_checks": {"strict": true, "contexts": ["ci/test"]}
		}`)
	})
	mux.HandleFunc("/repos/acme/platform/contents/.github/CODEOWNERS", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"type":"file","encoding":"","content":"* @acme/platform-team\n"}`)
	})
	mux.HandleFunc("/repos/acme/platform/rules/branches/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"type":"merge_queue"}]`)
	})

	c := newTestClient(t, mux)
	state, err := c.FetchRepoState(context.Background(), "acme", "platform")
	require.NoError(t, err)

	require.NotNil(t, state.BranchProtection)
	assert.Equal(t, 2, state.BranchProtection.RequiredReviews)
	assert.True(t, state.BranchProtection.RequireCodeOwnerReviews)
	assert.True(t, state.BranchProtection.EnforceAdmins)
	assert.True(t, state.BranchProtection.RequireLinearHistory)
	require.NotNil(t, state.BranchProtection.RequiredStatusChecks)
	assert.True(t, state.BranchProtection.RequiredStatusChecks.Strict)
	assert.Equal(t, []string{"ci/test"}, state.BranchProtection.RequiredStatusChecks.Contexts)

	assert.True(t, state.Codeowners.Exists)
	assert.Equal(t, []string{"*"}, state.Codeowners.CoveredPaths)
	require.NotNil(t, state.MergeQueue)
	assert.True(t, state.MergeQueue.Enabled)
}

func TestFetchOrgStateSkipsForks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/acme", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"login":"acme","default_repository_permission":"write"}`)
	})
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"name":"platform","archived":true,"default_branch":"main"},
			{"name":"forked-dep","fork":true,"default_branch":"main"}
		]`)
	})

	c := newTestClient(t, mux)
	m := &contracts.OrgPolicyManifest{OrgID: "acme"}
	org, err := c.FetchOrgState(context.Background(), "acme", m)
	require.NoError(t, err)

	assert.Same(t, m, org.Manifest)
	require.Len(t, org.Repos, 1)
	assert.Equal(t, "acme/platform", org.Repos[0].FullName)
	assert.Equal(t, contracts.PermissionWrite, org.Repos[0].DefaultPermissions)
}
