package client

import (
	"context"
	"net/url"
	"strconv"

	"github.com/turtacn/mixprop/pkg/errors"
)

// JobsClient reads the worker job history. The server exposes it only when
// its job store is enabled; otherwise calls fail with a not-found APIError.
type JobsClient struct {
	client *Client
}

// Get returns job id.
func (j *JobsClient) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, errors.NewInvalidInputError("client: job id is required")
	}
	var out Job
	if err := j.client.get(ctx, apiPrefix+"/jobs/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the most recent jobs with status ("" for any). limit ≤ 0
// uses the server default.
func (j *JobsClient) List(ctx context.Context, status string, limit int) (*JobList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := apiPrefix + "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out JobList
	if err := j.client.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
