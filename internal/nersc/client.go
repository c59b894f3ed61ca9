package nersc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client talks to the NERSC Superfacility REST API. All requests carry
// a bearer token from the TokenSource; a 403 response triggers exactly
// one forced token refresh and replay before the error is surfaced.
type Client struct {
	api    string
	site   string
	tokens *TokenSource
	client *http.Client
}

func NewClient(apiURL, site string, tokens *TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		api:    strings.TrimRight(apiURL, "/"),
		site:   site,
		tokens: tokens,
		client: httpClient,
	}
}

func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	form url.Values,
) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Client.do", trace.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
	defer span.End()

	body, status, err := c.doOnce(ctx, method, path, form, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}

	if status == http.StatusForbidden {
		span.AddEvent("got 403, refreshing token and replaying once")
		body, status, err = c.doOnce(ctx, method, path, form, true)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "replayed request failed")
			return nil, err
		}
	}

	if status < 200 || status > 299 {
		err = fmt.Errorf("%s %s returned status %d", method, path, status)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected status")
		return nil, err
	}

	span.SetStatus(codes.Ok, "request succeeded")
	return body, nil
}

func (c *Client) doOnce(
	ctx context.Context,
	method string,
	path string,
	form url.Values,
	forceRefresh bool,
) ([]byte, int, error) {
	token, err := c.tokens.Token(ctx, forceRefresh)
	if err != nil {
		return nil, 0, err
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.api+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	return body, resp.StatusCode, nil
}

// Task is an asynchronous Superfacility operation handle
type Task struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result string `json:"result"`
}

// ExecuteScript runs a shell command on the site's login environment
// and returns the task id tracking it.
func (c *Client) ExecuteScript(ctx context.Context, cmd string) (string, error) {
	ctx, span := tracer.Start(ctx, "Client.ExecuteScript", trace.WithAttributes(
		attribute.String("cmd", cmd),
	))
	defer span.End()

	form := url.Values{}
	form.Set("executable", cmd)

	body, err := c.do(ctx, http.MethodPost, "/utilities/command/"+c.site, form)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to execute script")
		return "", err
	}

	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode command response")
		return "", err
	}

	span.SetStatus(codes.Ok, "executed script")
	return resp.TaskID, nil
}

// SubmitJob submits a batch script already present on the site's
// filesystem and returns the task id tracking the submission.
func (c *Client) SubmitJob(ctx context.Context, scriptPath string) (string, error) {
	ctx, span := tracer.Start(ctx, "Client.SubmitJob", trace.WithAttributes(
		attribute.String("scriptPath", scriptPath),
	))
	defer span.End()

	form := url.Values{}
	form.Set("isPath", "true")
	form.Set("job", scriptPath)

	body, err := c.do(ctx, http.MethodPost, "/compute/jobs/"+c.site, form)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit job")
		return "", err
	}

	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode submit response")
		return "", err
	}

	span.SetStatus(codes.Ok, "submitted job")
	return resp.TaskID, nil
}

// Task fetches the current state of an asynchronous task.
func (c *Client) Task(ctx context.Context, taskID string) (*Task, error) {
	ctx, span := tracer.Start(ctx, "Client.Task", trace.WithAttributes(
		attribute.String("taskID", taskID),
	))
	defer span.End()

	body, err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch task")
		return nil, err
	}

	var task Task
	if err = json.Unmarshal(body, &task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode task")
		return nil, err
	}

	span.SetStatus(codes.Ok, "fetched task")
	return &task, nil
}

// JobStatus fetches the slurm state of a submitted batch job.
func (c *Client) JobStatus(ctx context.Context, slurmID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Client.JobStatus", trace.WithAttributes(
		attribute.String("slurmID", slurmID),
	))
	defer span.End()

	body, err := c.do(
		ctx,
		http.MethodGet,
		fmt.Sprintf("/compute/jobs/%s/%s?sacct=true", c.site, slurmID),
		nil,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch job status")
		return "", err
	}

	var resp struct {
		Output []struct {
			State string `json:"state"`
		} `json:"output"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode job status")
		return "", err
	}
	if len(resp.Output) == 0 {
		err = fmt.Errorf("no status entries for slurm job %s", slurmID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty job status")
		return "", err
	}

	state := resp.Output[0].State
	span.SetAttributes(attribute.String("state", state))
	span.SetStatus(codes.Ok, "fetched job status")
	return state, nil
}

// Download fetches a file from the site's filesystem.
func (c *Client) Download(ctx context.Context, remotePath string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Client.Download", trace.WithAttributes(
		attribute.String("remotePath", remotePath),
	))
	defer span.End()

	body, err := c.do(
		ctx,
		http.MethodGet,
		fmt.Sprintf("/utilities/download/%s/%s", c.site, url.PathEscape(remotePath)),
		nil,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to download file")
		return nil, err
	}

	var resp struct {
		File string `json:"file"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode download response")
		return nil, err
	}

	span.SetStatus(codes.Ok, "downloaded file")
	return []byte(resp.File), nil
}

// ParseSubmitResult extracts the slurm job id from a completed submit
// task. The task result field is itself a JSON document.
func ParseSubmitResult(result string) (string, error) {
	var parsed struct {
		JobID string `json:"jobid"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		return "", fmt.Errorf("failed to decode submit task result: %w", err)
	}
	if parsed.Error != "" && parsed.Error != "null" {
		return "", fmt.Errorf("submission failed: %s", parsed.Error)
	}
	if parsed.JobID == "" {
		return "", fmt.Errorf("submit task result carried no job id")
	}
	return parsed.JobID, nil
}
