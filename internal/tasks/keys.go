package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilnproject/kiln/internal/journal"
	"github.com/kilnproject/kiln/internal/keyring"
	"github.com/kilnproject/kiln/internal/timespec"
	"github.com/kilnproject/kiln/pkg/taskboard"
)

func (w *Worker) keyringManager() *keyring.Manager {
	return &keyring.Manager{
		Home:  w.keyringHome(),
		Name:  w.Instance.GPGName,
		Email: w.Instance.GPGEmail,
	}
}

// runKeyringCreation generates the instance signing key. An existing
// keyring is replaced; running this as a task keeps it exclusive with
// builds that would sign against it.
func (w *Worker) runKeyringCreation(ctx context.Context, task *taskboard.Task, jw *journal.Writer) error {
	mgr := w.keyringManager()
	fmt.Fprintf(jw, "creating signing key for %s <%s>\n", mgr.Name, mgr.Email)

	// Zero expiry creates a key that never expires; renewal narrows it.
	if err := mgr.Create(ctx, time.Time{}); err != nil {
		return taskboard.WrapTaskError(taskboard.ErrToolFailure, err, "key creation failed")
	}

	info, err := mgr.Info(ctx)
	if err != nil {
		return taskboard.WrapTaskError(taskboard.ErrToolFailure, err, "key inspection failed")
	}
	fmt.Fprintf(jw, "created key %s\n", info.Fingerprint)

	result, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to serialize keyring info: %w", err)
	}
	task.Result = string(result)
	return nil
}

// runKeyringRenewal extends the expiry of the instance signing key.
func (w *Worker) runKeyringRenewal(ctx context.Context, task *taskboard.Task, jw *journal.Writer) error {
	var params taskboard.KeyringRenewalParams
	if err := json.Unmarshal([]byte(task.Params), &params); err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "malformed renewal parameters")
	}

	expiry, err := timespec.ParseValidity(params.Duration)
	if err != nil {
		return taskboard.WrapTaskError(taskboard.ErrBadRequest, err, "unusable validity duration")
	}

	mgr := w.keyringManager()
	fmt.Fprintf(jw, "renewing signing key until %s\n", params.Duration)

	if err := mgr.Renew(ctx, expiry); err != nil {
		return taskboard.WrapTaskError(taskboard.ErrToolFailure, err, "key renewal failed")
	}

	info, err := mgr.Info(ctx)
	if err != nil {
		return taskboard.WrapTaskError(taskboard.ErrToolFailure, err, "key inspection failed")
	}
	fmt.Fprintf(jw, "key %s renewed\n", info.Fingerprint)

	result, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to serialize keyring info: %w", err)
	}
	task.Result = string(result)
	return nil
}
