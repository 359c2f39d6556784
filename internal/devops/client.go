package devops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adotel/adotel/pkg/models"
	"go.uber.org/zap"
)

const (
	apiVersion          = "7.2-preview.1"
	continuationHeader  = "x-ms-continuationtoken"
	defaultRetryAfter   = 30 * time.Second
	defaultCatalogRenew = 30 * time.Minute
)

// Options configures a Client.
type Options struct {
	// BaseURL is the service root, https://dev.azure.com unless overridden
	// for an on-premises installation.
	BaseURL      string
	Organization string
	AccessToken  string
	Timeout      time.Duration

	// CatalogRefresh bounds the age of the project/pipeline catalog. Runs of
	// pipelines created after the last refresh are not discovered until the
	// catalog is rebuilt.
	CatalogRefresh time.Duration
}

// Client wraps the Azure DevOps pipelines REST API for one organization.
// It is stateless between calls except for the credential and the catalog
// cache.
type Client struct {
	baseURL      string
	organization string
	token        string
	httpClient   *http.Client
	logger       *zap.Logger
	refreshEvery time.Duration

	mu        sync.Mutex
	catalog   []catalogPipeline
	catalogAt time.Time
}

// catalogPipeline is one discoverable pipeline and the project it lives in.
type catalogPipeline struct {
	project  string
	pipeline pipeline
}

// NewClient creates a run source client for one organization.
func NewClient(opts Options, logger *zap.Logger) *Client {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dev.azure.com"
	}
	refresh := opts.CatalogRefresh
	if refresh <= 0 {
		refresh = defaultCatalogRenew
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:      baseURL,
		organization: opts.Organization,
		token:        opts.AccessToken,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
		refreshEvery: refresh,
	}
}

// RecentRuns lists the runs of every pipeline in the catalog, refreshing the
// catalog first when it is stale. Pagination is handled internally.
func (c *Client) RecentRuns(ctx context.Context) ([]models.PipelineRun, error) {
	entries, err := c.ensureCatalog(ctx)
	if err != nil {
		return nil, err
	}

	var runs []models.PipelineRun
	for _, e := range entries {
		page, err := c.listRuns(ctx, e.project, e.pipeline.ID)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				// Pipeline deleted since the last catalog refresh.
				c.logger.Warn("pipeline gone, skipping until catalog refresh",
					zap.String("project", e.project),
					zap.Int("pipeline_id", e.pipeline.ID))
				continue
			}
			return nil, err
		}
		for _, r := range page {
			runs = append(runs, c.toRun(e.project, e.pipeline, r))
		}
	}
	return runs, nil
}

// Logs returns an iterator over the logs of a run. Each Next call downloads
// one log via its signed content URL, so callers only pay for what they
// consume.
func (c *Client) Logs(ctx context.Context, run models.PipelineRun) (*LogIterator, error) {
	var list logList
	_, err := c.get(ctx, []string{
		run.Project, "_apis", "pipelines", strconv.Itoa(run.PipelineID), "runs", run.ID, "logs",
	}, nil, &list)
	if err != nil {
		return nil, err
	}
	return &LogIterator{client: c, run: run, entries: list.Logs}, nil
}

// LogIterator yields the log chunks of one run in order.
type LogIterator struct {
	client  *Client
	run     models.PipelineRun
	entries []logEntry
	next    int
}

// Len returns the total number of logs the run has.
func (it *LogIterator) Len() int { return len(it.entries) }

// Next fetches and returns the next log chunk, or io.EOF when the run's logs
// are exhausted.
func (it *LogIterator) Next(ctx context.Context) (models.LogChunk, error) {
	if it.next >= len(it.entries) {
		return models.LogChunk{}, io.EOF
	}
	entry := it.entries[it.next]
	it.next++

	params := url.Values{}
	params.Set("$expand", "signedContent")

	var detail logDetail
	_, err := it.client.get(ctx, []string{
		it.run.Project, "_apis", "pipelines", strconv.Itoa(it.run.PipelineID),
		"runs", it.run.ID, "logs", strconv.Itoa(entry.ID),
	}, params, &detail)
	if err != nil {
		return models.LogChunk{}, err
	}

	contentURL := detail.URL
	if detail.SignedContent != nil && detail.SignedContent.URL != "" {
		contentURL = detail.SignedContent.URL
	}

	lines, err := it.client.download(ctx, contentURL)
	if err != nil {
		return models.LogChunk{}, err
	}

	return models.LogChunk{
		LogID:     detail.ID,
		URL:       detail.URL,
		LineCount: detail.LineCount,
		CreatedAt: detail.CreatedOn,
		Lines:     lines,
	}, nil
}

// ensureCatalog returns the catalog, rebuilding it when stale or empty.
func (c *Client) ensureCatalog(ctx context.Context) ([]catalogPipeline, error) {
	c.mu.Lock()
	fresh := c.catalog != nil && time.Since(c.catalogAt) < c.refreshEvery
	entries := c.catalog
	c.mu.Unlock()

	if fresh {
		return entries, nil
	}

	projects, err := c.listProjects(ctx)
	if err != nil {
		return nil, err
	}

	rebuilt := make([]catalogPipeline, 0, len(projects))
	for _, p := range projects {
		pipelines, err := c.listPipelines(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		for _, pl := range pipelines {
			rebuilt = append(rebuilt, catalogPipeline{project: p.Name, pipeline: pl})
		}
	}

	c.logger.Info("catalog refreshed",
		zap.Int("projects", len(projects)),
		zap.Int("pipelines", len(rebuilt)))

	c.mu.Lock()
	c.catalog = rebuilt
	c.catalogAt = time.Now()
	c.mu.Unlock()

	return rebuilt, nil
}

func (c *Client) listProjects(ctx context.Context) ([]project, error) {
	var out []project
	token := ""
	for {
		params := url.Values{}
		if token != "" {
			params.Set("continuationToken", token)
		}
		var page projectList
		header, err := c.get(ctx, []string{"_apis", "projects"}, params, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)

		next := page.ContinuationToken
		if next == "" {
			next = header
		}
		if next == "" || next == token {
			return out, nil
		}
		token = next
	}
}

func (c *Client) listPipelines(ctx context.Context, project string) ([]pipeline, error) {
	var out []pipeline
	token := ""
	for {
		params := url.Values{}
		if token != "" {
			params.Set("continuationToken", token)
		}
		var page pipelineList
		header, err := c.get(ctx, []string{project, "_apis", "pipelines"}, params, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)

		next := page.ContinuationToken
		if next == "" {
			next = header
		}
		if next == "" || next == token {
			return out, nil
		}
		token = next
	}
}

func (c *Client) listRuns(ctx context.Context, project string, pipelineID int) ([]run, error) {
	var out []run
	token := ""
	for {
		params := url.Values{}
		if token != "" {
			params.Set("continuationToken", token)
		}
		var page runList
		header, err := c.get(ctx, []string{
			project, "_apis", "pipelines", strconv.Itoa(pipelineID), "runs",
		}, params, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)

		next := page.ContinuationToken
		if next == "" {
			next = header
		}
		if next == "" || next == token {
			return out, nil
		}
		token = next
	}
}

func (c *Client) toRun(project string, pl pipeline, r run) models.PipelineRun {
	// Run payloads embed their pipeline; prefer it over the possibly stale
	// catalog entry.
	if r.Pipeline.ID != 0 {
		pl = r.Pipeline
	}
	return models.PipelineRun{
		ID:               strconv.Itoa(r.ID),
		Name:             r.Name,
		URL:              r.URL,
		WebURL:           r.Links.Web.Href,
		State:            mapState(r.State, r.Result),
		Organization:     c.organization,
		Project:          project,
		PipelineID:       pl.ID,
		PipelineName:     pl.Name,
		PipelineFolder:   pl.Folder,
		PipelineRevision: pl.Revision,
		CreatedAt:        r.CreatedDate,
		FinishedAt:       r.FinishedDate,
	}
}

// mapState collapses the API's state/result pair into one run state.
func mapState(state, result string) models.RunState {
	switch state {
	case "completed":
		switch result {
		case "succeeded":
			return models.RunStateSucceeded
		case "canceled":
			return models.RunStateCanceled
		default:
			return models.RunStateFailed
		}
	case "inProgress", "canceling":
		return models.RunStateRunning
	default:
		return models.RunStatePending
	}
}

// get performs one authenticated GET against the organization and decodes
// the JSON response into out. It returns the continuation token header, if
// any.
func (c *Client) get(ctx context.Context, segments []string, params url.Values, out interface{}) (string, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api-version", apiVersion)

	u := strings.Join(append([]string{c.baseURL, c.organization}, segments...), "/") +
		"?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	// Azure DevOps PATs go in the password slot of basic auth.
	req.SetBasicAuth("", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := statusError(resp, strings.Join(segments, "/")); err != nil {
		return "", err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", &TransientError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.Header.Get(continuationHeader), nil
}

// download fetches raw log content and splits it into lines.
func (c *Client) download(ctx context.Context, rawURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	// A log without signed content falls back to its plain API URL, which
	// needs the credential. Signed URLs ignore the header.
	req.SetBasicAuth("", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := statusError(resp, rawURL); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read log content: %w", err)}
	}
	return strings.Split(string(data), "\n"), nil
}

// statusError maps HTTP failures onto the client's error taxonomy.
func statusError(resp *http.Response, resource string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Resource: resource}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Wait: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		return &TransientError{Err: fmt.Errorf("unexpected status %d for %s", resp.StatusCode, resource)}
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}
