package client

import (
	"context"
	"net/url"

	"github.com/turtacn/mixprop/pkg/errors"
)

// ModelsClient manages the served checkpoint.
type ModelsClient struct {
	client *Client
}

func (m *ModelsClient) List(ctx context.Context) (*ModelList, error) {
	var out ModelList
	if err := m.client.get(ctx, apiPrefix+"/models", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *ModelsClient) Active(ctx context.Context) (*ActiveModel, error) {
	var out ActiveModel
	if err := m.client.get(ctx, apiPrefix+"/models/active", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Activate loads checkpoint id on the server and makes it active.
func (m *ModelsClient) Activate(ctx context.Context, id string) (*ActiveModel, error) {
	if id == "" {
		return nil, errors.NewInvalidInputError("client: checkpoint id is required")
	}
	var out ActiveModel
	if err := m.client.post(ctx, apiPrefix+"/models/"+url.PathEscape(id)+"/activate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rollback reactivates the previously active checkpoint.
func (m *ModelsClient) Rollback(ctx context.Context) (*ActiveModel, error) {
	var out ActiveModel
	if err := m.client.post(ctx, apiPrefix+"/models/rollback", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Evict drops checkpoint id from server memory.
func (m *ModelsClient) Evict(ctx context.Context, id string) error {
	if id == "" {
		return errors.NewInvalidInputError("client: checkpoint id is required")
	}
	return m.client.delete(ctx, apiPrefix+"/models/"+url.PathEscape(id))
}
