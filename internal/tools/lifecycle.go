package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/clawdeploy/clawd/internal/log"
	"github.com/clawdeploy/clawd/internal/provision"
	"github.com/clawdeploy/clawd/internal/store"
)

// CreateParams are the instance_create parameters.
type CreateParams struct {
	Name       string `json:"name"`
	Channel    string `json:"channel,omitempty"`
	BotToken   string `json:"botToken,omitempty"`
	AIProvider string `json:"aiProvider,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
}

// InstanceParams address one owned instance.
type InstanceParams struct {
	InstanceID string `json:"instanceId"`
}

// InstanceResult is the payload start/stop/create/update return.
type InstanceResult struct {
	InstanceID   string `json:"instanceId"`
	Status       string `json:"status"`
	Port         int    `json:"port,omitempty"`
	GatewayToken string `json:"gatewayToken,omitempty"`
}

func (r *Registry) instanceCreate(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	params, err := decode[CreateParams](raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Name) == "" {
		return nil, fmt.Errorf("instance name is required")
	}

	// A retried create finds the placeholder left by the previous
	// attempt instead of inserting a duplicate row.
	inst, err := r.store.FindPlaceholder(userID, params.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up placeholder: %w", err)
	}
	if inst == nil {
		inst, err = r.store.CreateInstance(store.Instance{
			Name:       params.Name,
			Channel:    params.Channel,
			BotToken:   params.BotToken,
			AIProvider: params.AIProvider,
			APIKey:     params.APIKey,
			UserID:     userID,
		})
		if err != nil {
			return nil, fmt.Errorf("creating instance record: %w", err)
		}
	}
	log.Info("creating instance", "instance_id", inst.ID, "user_id", userID, "name", params.Name)

	result, err := r.provisionAndLaunch(ctx, inst.ID, provision.Params{
		InstanceID: inst.ID,
		Channel:    params.Channel,
		BotToken:   params.BotToken,
		AIProvider: params.AIProvider,
		APIKey:     params.APIKey,
	})
	if err != nil {
		// The record exists; resolve it to a terminal state before
		// re-raising.
		r.prov.RemoveStorage(inst.ID)
		if stErr := r.store.SetInstanceStatus(inst.ID, store.StatusError); stErr != nil {
			log.Error("marking failed instance", "instance_id", inst.ID, "error", stErr)
		}
		return nil, err
	}

	r.syncProxy(ctx)
	return result, nil
}

// provisionAndLaunch runs the storage/config/container steps shared by
// create and update. A missing GatewayToken in params means mint one.
func (r *Registry) provisionAndLaunch(ctx context.Context, instanceID string, params provision.Params) (*InstanceResult, error) {
	if err := r.prov.CreateStorage(instanceID); err != nil {
		return nil, err
	}

	if params.GatewayToken == "" {
		token, err := provision.GenerateGatewayToken()
		if err != nil {
			return nil, err
		}
		params.GatewayToken = token
	}
	if err := r.prov.WriteConfig(params); err != nil {
		return nil, err
	}

	created, err := r.runtime.Create(ctx, instanceID, provision.ContainerEnv(params))
	if err != nil {
		return nil, err
	}

	if err := r.store.SetInstanceRuntime(instanceID, created.ContainerID, created.Port, params.GatewayToken, store.StatusRunning); err != nil {
		return nil, fmt.Errorf("recording container for instance %s: %w", instanceID, err)
	}

	return &InstanceResult{
		InstanceID:   instanceID,
		Status:       store.StatusRunning,
		Port:         created.Port,
		GatewayToken: params.GatewayToken,
	}, nil
}

func (r *Registry) instanceStart(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	return r.setRunState(ctx, userID, raw, store.StatusRunning)
}

func (r *Registry) instanceStop(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	return r.setRunState(ctx, userID, raw, store.StatusStopped)
}

func (r *Registry) setRunState(ctx context.Context, userID string, raw json.RawMessage, status string) (any, error) {
	params, err := decode[InstanceParams](raw)
	if err != nil {
		return nil, err
	}

	inst, err := r.store.GetOwnedInstance(params.InstanceID, userID)
	if err != nil {
		return nil, err
	}
	if inst.ContainerID == nil {
		return nil, fmt.Errorf("instance %s has no container", inst.ID)
	}

	switch status {
	case store.StatusRunning:
		err = r.runtime.Start(ctx, *inst.ContainerID)
	case store.StatusStopped:
		err = r.runtime.Stop(ctx, *inst.ContainerID)
	}
	if err != nil {
		return nil, err
	}

	n, err := r.store.UpdateStatusOwned(inst.ID, userID, status)
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, store.ErrNotFound
	}

	r.syncProxy(ctx)

	result := &InstanceResult{InstanceID: inst.ID, Status: status}
	if inst.Port != nil {
		result.Port = *inst.Port
	}
	if inst.GatewayToken != nil {
		result.GatewayToken = *inst.GatewayToken
	}
	return result, nil
}

func (r *Registry) instanceUpdate(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	params, err := decode[InstanceParams](raw)
	if err != nil {
		return nil, err
	}

	inst, err := r.store.GetOwnedInstance(params.InstanceID, userID)
	if err != nil {
		return nil, err
	}
	if err := r.store.SetInstanceStatus(inst.ID, store.StatusUpdating); err != nil {
		return nil, err
	}

	result, err := r.rebuildAndRelaunch(ctx, inst)
	if err != nil {
		if stErr := r.store.SetInstanceStatus(inst.ID, store.StatusError); stErr != nil {
			log.Error("marking failed update", "instance_id", inst.ID, "error", stErr)
		}
		return nil, err
	}

	r.syncProxy(ctx)
	return result, nil
}

func (r *Registry) rebuildAndRelaunch(ctx context.Context, inst *store.Instance) (*InstanceResult, error) {
	if inst.ContainerID != nil {
		if err := r.runtime.Stop(ctx, *inst.ContainerID); err != nil {
			log.Debug("stopping old container", "instance_id", inst.ID, "error", err)
		}
		if err := r.runtime.Remove(ctx, *inst.ContainerID); err != nil {
			log.Debug("removing old container", "instance_id", inst.ID, "error", err)
		}
	}

	// One rebuild at a time; concurrent updates wait for the in-flight
	// build rather than racing a duplicate.
	if err := r.rebuildSlot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for image rebuild slot: %w", err)
	}
	err := r.runtime.BuildBaseImage(ctx, r.buildContext)
	r.rebuildSlot.Release(1)
	if err != nil {
		return nil, fmt.Errorf("rebuilding base image: %w", err)
	}

	gatewayToken := ""
	if inst.GatewayToken != nil {
		gatewayToken = *inst.GatewayToken
	}
	created, err := r.runtime.Create(ctx, inst.ID, provision.ContainerEnv(provision.Params{
		InstanceID: inst.ID,
		AIProvider: inst.AIProvider,
		APIKey:     inst.APIKey,
	}))
	if err != nil {
		return nil, err
	}

	if err := r.store.SetInstanceRuntime(inst.ID, created.ContainerID, created.Port, gatewayToken, store.StatusRunning); err != nil {
		return nil, fmt.Errorf("recording container for instance %s: %w", inst.ID, err)
	}

	return &InstanceResult{
		InstanceID:   inst.ID,
		Status:       store.StatusRunning,
		Port:         created.Port,
		GatewayToken: gatewayToken,
	}, nil
}

func (r *Registry) instanceDelete(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	params, err := decode[InstanceParams](raw)
	if err != nil {
		return nil, err
	}

	inst, err := r.store.GetOwnedInstance(params.InstanceID, userID)
	if err != nil {
		return nil, err
	}

	if inst.ContainerID != nil {
		if err := r.runtime.Remove(ctx, *inst.ContainerID); err != nil {
			// Already-gone containers must not block deletion.
			log.Warn("removing container during delete", "instance_id", inst.ID, "error", err)
		}
	}

	r.prov.RemoveStorage(inst.ID)

	if err := r.store.DeleteInstance(inst.ID); err != nil {
		return nil, err
	}

	r.syncProxy(ctx)
	return map[string]any{"instanceId": inst.ID, "deleted": true}, nil
}

// SyncResult reports the outcome of an explicit proxy sync.
type SyncResult struct {
	ReloadSuccess      bool `json:"reloadSuccess"`
	VerificationPassed bool `json:"verificationPassed"`
}

func (r *Registry) nginxSync(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
	result := SyncResult{ReloadSuccess: true, VerificationPassed: true}

	if err := r.proxy.Sync(ctx); err != nil {
		log.Warn("proxy sync failed", "error", err)
		result.ReloadSuccess = false
	}
	if err := r.proxy.Verify(ctx); err != nil {
		log.Error("proxy config verification failed after sync", "error", err)
		result.VerificationPassed = false
	}
	return result, nil
}

// syncProxy is the non-fatal sync every lifecycle mutation finishes
// with. A stale port map only degrades reachability; it must never
// fail the operation that already committed.
func (r *Registry) syncProxy(ctx context.Context) {
	if err := r.proxy.Sync(ctx); err != nil {
		log.Warn("proxy sync failed", "error", err)
	}
}
