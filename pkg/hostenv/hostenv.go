// Package hostenv provides the production CommandBuilder and Cleanup a
// Session needs: translating an Action plus its resolved entity payloads
// into a subprocess spec, and releasing the host-side state a Session
// leaves behind once it tears down.
package hostenv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendergrid/workeragent/pkg/actionrunner"
	"github.com/rendergrid/workeragent/pkg/credentials"
	"github.com/rendergrid/workeragent/pkg/types"
)

// jobDetails and environmentDetails mirror the minimal fields a
// CommandBuilder needs out of BatchGetJobEntity's payloads. The full entity
// schema belongs to the service, not the agent.
type jobDetails struct {
	RunnableCommand string   `json:"runnableCommand"`
	RunnableArgs    []string `json:"runnableArgs"`
}

type environmentDetails struct {
	Script struct {
		Actions struct {
			Enter json.RawMessage `json:"onEnter"`
			Exit  json.RawMessage `json:"onExit"`
		} `json:"actions"`
	} `json:"script"`
}

// Builder builds ActionSpecs for each ActionKind out of sessionsDir-rooted
// working directories.
type Builder struct {
	SessionsDir string
}

// Build implements session.CommandBuilder.
func (b *Builder) Build(sess types.Session, action *types.Action, entities map[types.EntityKind][]byte) (actionrunner.ActionSpec, error) {
	workDir := filepath.Join(b.SessionsDir, sess.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return actionrunner.ActionSpec{}, fmt.Errorf("create session work dir: %w", err)
	}

	spec := actionrunner.ActionSpec{
		ActionID: action.ID,
		OSUser:   sess.OSUser,
		WorkDir:  workDir,
	}

	switch action.Kind {
	case types.ActionKindTaskRun:
		raw, ok := entities[types.EntityKindJobDetails]
		if !ok {
			return actionrunner.ActionSpec{}, fmt.Errorf("taskRun action %s: jobDetails entity not resolved", action.ID)
		}
		var jd jobDetails
		if err := json.Unmarshal(raw, &jd); err != nil {
			return actionrunner.ActionSpec{}, fmt.Errorf("taskRun action %s: decode jobDetails: %w", action.ID, err)
		}
		spec.Command = jd.RunnableCommand
		spec.Args = jd.RunnableArgs

	case types.ActionKindEnvEnter, types.ActionKindEnvExit:
		raw, ok := entities[types.EntityKindEnvironmentDetails]
		if !ok {
			return actionrunner.ActionSpec{}, fmt.Errorf("%s action %s: environmentDetails entity not resolved", action.Kind, action.ID)
		}
		var ed environmentDetails
		if err := json.Unmarshal(raw, &ed); err != nil {
			return actionrunner.ActionSpec{}, fmt.Errorf("%s action %s: decode environmentDetails: %w", action.Kind, action.ID, err)
		}
		script := ed.Script.Actions.Enter
		if action.Kind == types.ActionKindEnvExit {
			script = ed.Script.Actions.Exit
		}
		path := filepath.Join(workDir, fmt.Sprintf("%s-%s.json", action.Kind, action.ID))
		if err := os.WriteFile(path, script, 0o644); err != nil {
			return actionrunner.ActionSpec{}, fmt.Errorf("write %s script: %w", action.Kind, err)
		}
		spec.Command = "/bin/sh"
		spec.Args = []string{"-c", fmt.Sprintf("echo %s", path)}

	case types.ActionKindSyncInputJobAttachments:
		spec.Command = "/bin/true"

	default:
		return actionrunner.ActionSpec{}, fmt.Errorf("unsupported action kind %q", action.Kind)
	}

	return spec, nil
}

// Janitor implements session.Cleanup by releasing queue credentials through
// the shared QueueCredentialManager and removing the per-session directory
// and log file this Builder and the log sink left behind.
type Janitor struct {
	QueueCreds  *credentials.QueueCredentialManager
	SessionsDir string
	LogsDir     string
}

// ReleaseQueueCredentials implements session.Cleanup.
func (j *Janitor) ReleaseQueueCredentials(queueID string) {
	if j.QueueCreds != nil {
		j.QueueCreds.Release(queueID)
	}
}

// RemoveSessionDir implements session.Cleanup.
func (j *Janitor) RemoveSessionDir(sessionID string) error {
	return os.RemoveAll(filepath.Join(j.SessionsDir, sessionID))
}

// PurgeLog implements session.Cleanup.
func (j *Janitor) PurgeLog(sessionID string) {
	_ = os.Remove(filepath.Join(j.LogsDir, sessionID+".log"))
}
