package main

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/backup"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/catalog"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/config"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/restore"
	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

var now = time.Unix(1700000000, 0)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd(logrus.New())

	for _, name := range []string{"create", "list", "restore"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	for _, flag := range []string{"config", "kubeconfig", "namespace", "verbose", "log-format"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing global flag --%s", flag)
	}
}

func TestRootCmd_RejectsArguments(t *testing.T) {
	root := newRootCmd(logrus.New())
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"create", "extra"})

	assert.Error(t, root.Execute())
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, "Zeebe", []backup.StateSummary{
		{State: types.StateCompleted, Count: 4, MostRecent: []types.BackupID{1700000000 - 3600, 1700000000 - 7200}},
		{State: types.StateFailed, Count: 1, MostRecent: []types.BackupID{1700000000 - 60}},
	}, now)

	out := buf.String()
	for _, want := range []string{
		"Zeebe:\n",
		"COMPLETED",
		"1699996400 (1 hour ago), 1699992800 (2 hours ago)",
		"FAILED",
		"1699999940 (1 minute ago)",
	} {
		assert.Contains(t, out, want)
	}
}

func TestPrintSummary_Empty(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, "Operate", nil, now)
	assert.Equal(t, "Operate: no backups\n", buf.String())
}

func TestPrintUsable(t *testing.T) {
	var buf bytes.Buffer
	printUsable(&buf, 1700000000-86400, true, now)
	assert.Contains(t, buf.String(), "backup 1699913600, taken 2023-11-13T22:13:20Z (1 day ago)")

	buf.Reset()
	printUsable(&buf, 0, false, now)
	assert.Equal(t, "No backup completed by both Zeebe and Operate\n", buf.String())
}

func TestPrintCatalog_Limit(t *testing.T) {
	var ids []types.BackupID
	for i := 0; i < 12; i++ {
		ids = append(ids, types.BackupID(1700000000-i*3600))
	}

	var buf bytes.Buffer
	printCatalog(&buf, ids, now)
	out := buf.String()
	assert.Regexp(t, `^Catalog: 12 backup\(s\)\n`, out)
	assert.Contains(t, out, "... 2 more")
}

func TestPrintManifest(t *testing.T) {
	var buf bytes.Buffer
	printManifest(&buf, &catalog.Manifest{BackupID: 7, Snapshots: []string{"camunda_zeebe_records_7", "op-1"}})
	assert.Equal(t, "Backup 7 snapshots:\n  camunda_zeebe_records_7\n  op-1\n", buf.String())
}

func TestRestoreConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Restore.AppSelector = "app=camunda"
	cfg.Restore.BrokerSelector = "app=zeebe"
	cfg.Restore.TrustZeebeOnly = true
	cfg.Restore.JobPollInterval = time.Second
	cfg.Restore.ScaleTimeout = time.Minute
	cfg.Restore.DataDir = "/data"
	cfg.Restore.WipeImage = "alpine:3"
	cfg.Restore.RestoreBinary = "/bin/restore"
	cfg.Restore.NodeIDVariable = "NODE_ID"

	rc := restoreConfig(cfg, "camunda")
	assert.Equal(t, "camunda", rc.Namespace)
	assert.Equal(t, "app=camunda", rc.AppSelector)
	assert.Equal(t, "app=zeebe", rc.BrokerSelector)
	assert.True(t, rc.TrustZeebeOnly)
	assert.Equal(t, time.Second, rc.JobPollInterval)
	assert.Equal(t, time.Minute, rc.ScaleTimeout)
	assert.Equal(t, restore.JobOptions{
		DataDir:        "/data",
		WipeImage:      "alpine:3",
		RestoreBinary:  "/bin/restore",
		NodeIDVariable: "NODE_ID",
	}, rc.Jobs)
}
