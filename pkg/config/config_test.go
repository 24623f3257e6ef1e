// Copyright 2025 Portage Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a temp YAML config and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "databaseDSN: postgres://portage@localhost/portage\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, DefaultOpsBindAddress, cfg.OpsBindAddress)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 120*time.Second, cfg.GetHeartbeatTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetHeartbeatSweep())
	assert.Equal(t, 5*time.Minute, cfg.GetDecisionSweep())
	assert.Equal(t, 15*time.Minute, cfg.GetBackfillInterval())
	assert.Equal(t, "0 */12 * * *", cfg.Scheduler.ConsolidationSchedule)
	assert.Equal(t, 60, cfg.Pricing.IngestPerPoolPerMinute)
	assert.Equal(t, 50, cfg.API.TenantRequestsPerSecond)
}

func TestLoad_FileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listenAddress: ":9090"
logLevel: debug
scheduler:
  heartbeatTimeout: 60s
  decisionSweep: 2m
pricing:
  ingestPerPoolPerMinute: 10
awsAccounts:
  - accountId: "111111111111"
    name: prod
    assumeRoleArn: "arn:aws:iam::111111111111:role/portage-backfill"
    region: us-west-2
`))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.GetHeartbeatTimeout())
	assert.Equal(t, 2*time.Minute, cfg.GetDecisionSweep())
	assert.Equal(t, 10, cfg.Pricing.IngestPerPoolPerMinute)
	require.Len(t, cfg.AWSAccounts, 1)
	assert.Equal(t, "us-west-2", cfg.AWSAccounts[0].Region)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORTAGE_LOG_LEVEL", "warn")
	t.Setenv("PORTAGE_SCHEDULER_HEARTBEAT_TIMEOUT", "90s")

	cfg, err := Load(writeConfig(t, "logLevel: info\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.GetHeartbeatTimeout())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "logLevel: loud\n",
			wantErr: "invalid log level",
		},
		{
			name:    "standalone with dsn",
			yaml:    "standalone: true\nbootstrapTenantName: dev\nbootstrapTenantToken: tok\ndatabaseDSN: postgres://x\n",
			wantErr: "mutually exclusive",
		},
		{
			name:    "standalone without token",
			yaml:    "standalone: true\n",
			wantErr: "requires bootstrapTenantToken",
		},
		{
			name:    "bootstrap token without name",
			yaml:    "bootstrapTenantToken: tok\n",
			wantErr: "must be set together",
		},
		{
			name:    "bad duration",
			yaml:    "scheduler:\n  heartbeatTimeout: soon\n",
			wantErr: "invalid duration",
		},
		{
			name:    "bad cron expression",
			yaml:    "scheduler:\n  retentionSchedule: whenever\n",
			wantErr: "invalid cron expression",
		},
		{
			name:    "negative ingest rate",
			yaml:    "pricing:\n  ingestPerPoolPerMinute: -1\n",
			wantErr: "must not be negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAWSAccountValidate(t *testing.T) {
	valid := AWSAccount{
		AccountID:     "111111111111",
		Name:          "prod",
		AssumeRoleARN: "arn:aws:iam::111111111111:role/portage-backfill",
	}
	assert.NoError(t, valid.Validate())

	badID := valid
	badID.AccountID = "123"
	assert.ErrorContains(t, badID.Validate(), "12 digits")

	noName := valid
	noName.Name = " "
	assert.ErrorContains(t, noName.Validate(), "name is required")

	badARN := valid
	badARN.AssumeRoleARN = "arn:aws:s3:::bucket"
	assert.ErrorContains(t, badARN.Validate(), "invalid AssumeRole ARN")

	mismatch := valid
	mismatch.AssumeRoleARN = "arn:aws:iam::222222222222:role/portage-backfill"
	assert.ErrorContains(t, mismatch.Validate(), "does not match")
}

func TestValidate_DuplicateAccounts(t *testing.T) {
	_, err := Load(writeConfig(t, `
awsAccounts:
  - accountId: "111111111111"
    name: prod
    assumeRoleArn: "arn:aws:iam::111111111111:role/a"
  - accountId: "111111111111"
    name: prod-again
    assumeRoleArn: "arn:aws:iam::111111111111:role/b"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate account ID")
}
