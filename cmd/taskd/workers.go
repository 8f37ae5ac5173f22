package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clusterkit/taskd/internal/api"
	"github.com/clusterkit/taskd/internal/privchan"
	"github.com/clusterkit/taskd/internal/worker"
)

// registerWorkers wires the built-in worker types. Privileged steps go
// through the channel client; the bodies themselves stay unprivileged.
func (app *application) registerWorkers(handler *api.TaskHandler) {
	handler.RegisterWorker("aptupdate", app.aptUpdateWorker)
	handler.RegisterWorker("certrenew", app.certRenewWorker)
	handler.RegisterWorker("sethostentry", app.setHostEntryWorker)
	handler.RegisterWorker("taskgc", app.taskGCWorker)
}

// sendPrivileged runs one privileged command on behalf of a task body and
// folds both channel errors and structured failures into one error.
func (app *application) sendPrivileged(t *worker.Task, cmd privchan.Command) (privchan.Response, error) {
	t.Logf("requesting privileged command %q", cmd.CommandName())
	response, err := app.privClient.Send(context.Background(), cmd)
	if err != nil {
		return privchan.Response{}, fmt.Errorf("privileged command %q: %w", cmd.CommandName(), err)
	}
	if err := response.Err(); err != nil {
		return privchan.Response{}, err
	}
	return response, nil
}

func (app *application) aptUpdateWorker(_ json.RawMessage) (worker.Body, error) {
	return func(t *worker.Task) error {
		if t.Cancelled() {
			t.Logf("cancelled before starting")
			return nil
		}
		response, err := app.sendPrivileged(t, &privchan.AptUpdateCommand{})
		if err != nil {
			return err
		}
		var result struct {
			Output string `json:"output"`
		}
		if len(response.Data) > 0 {
			if err := json.Unmarshal(response.Data, &result); err == nil && result.Output != "" {
				t.Logf("%s", result.Output)
			}
		}
		t.Logf("package index updated")
		return nil
	}, nil
}

func (app *application) certRenewWorker(params json.RawMessage) (worker.Body, error) {
	var p struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	return func(t *worker.Task) error {
		if t.Cancelled() {
			t.Logf("cancelled before starting")
			return nil
		}
		t.Logf("renewing certificate for %s", p.Domain)
		if _, err := app.sendPrivileged(t, &privchan.RenewCertificateCommand{Domain: p.Domain}); err != nil {
			return err
		}
		t.Logf("certificate renewed")
		return nil
	}, nil
}

func (app *application) setHostEntryWorker(params json.RawMessage) (worker.Body, error) {
	var p struct {
		Hostname string `json:"hostname"`
		Address  string `json:"address"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Hostname == "" || p.Address == "" {
		return nil, fmt.Errorf("hostname and address are required")
	}
	return func(t *worker.Task) error {
		t.Logf("pinning %s to %s", p.Hostname, p.Address)
		if _, err := app.sendPrivileged(t, &privchan.SetHostEntryCommand{
			Hostname: p.Hostname,
			Address:  p.Address,
		}); err != nil {
			return err
		}
		t.Logf("host entry updated")
		return nil
	}, nil
}

func (app *application) taskGCWorker(_ json.RawMessage) (worker.Body, error) {
	retention := time.Duration(app.config.Tasks.RetentionDays) * 24 * time.Hour
	return func(t *worker.Task) error {
		t.Logf("removing archived task logs older than %s", retention)
		removed, err := app.registry.GarbageCollect(retention)
		if err != nil {
			return err
		}
		t.Logf("removed %d archived task logs", removed)
		return nil
	}, nil
}
