package credfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// JSON is the on-disk shape of an agent or queue credentials file
// (spec §6): {Version, AccessKeyId, SecretAccessKey, SessionToken, Expiration}.
type JSON struct {
	Version         int    `json:"Version"`
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

// FromAWSCredentials converts an aws.Credentials into the on-disk JSON
// shape understood by the credentials-process script.
func FromAWSCredentials(c aws.Credentials) JSON {
	return JSON{
		Version:         1,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Expiration:      c.Expires.UTC().Format(time.RFC3339),
	}
}

// WriteAtomic writes data to path by writing to a temp file in the same
// directory and renaming over path, so a concurrent reader always sees
// either the old content or the new content, never a partial write
// (spec §4.2, invariant "multiple refreshes... no partial file read").
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp credentials file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp credentials file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp credentials file into place: %w", err)
	}
	return nil
}

// WriteCredentialsJSON atomically writes the JSON credentials document to
// jsonPath.
func WriteCredentialsJSON(jsonPath string, creds JSON) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials json: %w", err)
	}
	return WriteAtomic(jsonPath, data, 0600)
}

// Paths is the set of on-disk artifacts backing one credentials-process
// directory (spec §6).
type Paths struct {
	Dir           string
	JSONPath      string
	ProcessScript string
	AWSConfigFile string
	AWSCredsFile  string
}

// NewPaths computes the standard artifact layout under dir.
func NewPaths(dir string) Paths {
	return Paths{
		Dir:           dir,
		JSONPath:      filepath.Join(dir, "credentials.json"),
		ProcessScript: filepath.Join(dir, "credential-process.sh"),
		AWSConfigFile: filepath.Join(dir, "config"),
		AWSCredsFile:  filepath.Join(dir, "credentials"),
	}
}

// EnsureProvisioned creates dir if missing and writes the static parts of
// the layout (the credentials-process script and the two AWS config
// files) that do not change across refreshes. Only WriteCredentialsJSON
// needs to run again on every refresh.
func (p Paths) EnsureProvisioned(profile string) error {
	if err := os.MkdirAll(p.Dir, 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	if err := p.writeProcessScript(); err != nil {
		return err
	}
	if err := p.writeAWSConfigFiles(profile); err != nil {
		return err
	}
	return nil
}

// writeProcessScript writes a small shell script, mode 0500, that prints
// the current credentials JSON to stdout. AWS SDKs configured with
// credential_process invoke this script on demand, so every invocation
// reads whatever the most recent atomic write left in place.
func (p Paths) writeProcessScript() error {
	script := fmt.Sprintf("#!/bin/sh\nexec cat %q\n", p.JSONPath)
	if err := os.WriteFile(p.ProcessScript, []byte(script), 0500); err != nil {
		return fmt.Errorf("write credentials-process script: %w", err)
	}
	return nil
}

func (p Paths) writeAWSConfigFiles(profile string) error {
	config := fmt.Sprintf("[profile %s]\ncredential_process = %s\n", profile, p.ProcessScript)
	if err := os.WriteFile(p.AWSConfigFile, []byte(config), 0600); err != nil {
		return fmt.Errorf("write aws config file: %w", err)
	}

	// The shared credentials file is left present but empty of static
	// keys; its role is only to exist so AWS_SHARED_CREDENTIALS_FILE
	// points somewhere valid alongside AWS_CONFIG_FILE.
	creds := fmt.Sprintf("[%s]\n", profile)
	if err := os.WriteFile(p.AWSCredsFile, []byte(creds), 0600); err != nil {
		return fmt.Errorf("write aws credentials file: %w", err)
	}
	return nil
}

// Env returns the environment variables a job subprocess needs to read
// these credentials via the AWS SDK (spec §6).
func (p Paths) Env(profile string) []string {
	return []string{
		"AWS_CONFIG_FILE=" + p.AWSConfigFile,
		"AWS_SHARED_CREDENTIALS_FILE=" + p.AWSCredsFile,
		"AWS_PROFILE=" + profile,
	}
}

// RemoveAll removes every artifact under Dir, used when purging queue
// credentials for a queue with no remaining active Sessions.
func (p Paths) RemoveAll() error {
	return os.RemoveAll(p.Dir)
}
