package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approval-gate/internal/audit"
	"approval-gate/internal/models"
	"approval-gate/internal/store/storetest"
)

func seed(t *testing.T, mem *storetest.Memory) time.Time {
	t.Helper()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := []audit.Record{
		{UserID: "alice", ToolName: "send_message", Tier: models.TierRequiresApproval, ApprovalStatus: models.ApprovalUserApproved, PendingActionID: "pa-1", ExecutionStatus: models.ExecutionSuccess},
		{UserID: "bob", ToolName: "read_calendar", Tier: models.TierAuto, ApprovalStatus: models.ApprovalAutoApproved, ExecutionStatus: models.ExecutionSuccess},
		{UserID: "alice", ToolName: "delete_record", Tier: models.TierAlwaysRequiresApproval, ApprovalStatus: models.ApprovalExpired, PendingActionID: "pa-2", ExecutionStatus: models.ExecutionSkipped},
	}
	for i, r := range rows {
		_, _, err := mem.AppendAudit(context.Background(), r.Entry(base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	return base
}

func readLines(t *testing.T, path string) []models.AuditEntry {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []models.AuditEntry
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var e models.AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	return out
}

func TestHandleJobExportsOwnerOnly(t *testing.T) {
	mem := storetest.NewMemory()
	seed(t, mem)
	dir := t.TempDir()
	exp := NewExporter(mem, LocalUploader{BaseDir: dir}, nil)

	out, err := exp.HandleJob(context.Background(), models.Job{
		ID:     "job-1",
		UserID: "alice",
		Input:  json.RawMessage(`{"user_id":"bob"}`),
	})
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, filepath.Join(dir, "audit", "alice", "job-1.jsonl"), res.Location)

	lines := readLines(t, res.Location)
	require.Len(t, lines, 2)
	assert.Equal(t, "send_message", lines[0].ToolName)
	assert.Equal(t, "delete_record", lines[1].ToolName)
}

func TestExportTimeWindow(t *testing.T) {
	mem := storetest.NewMemory()
	base := seed(t, mem)
	dir := t.TempDir()
	exp := NewExporter(mem, LocalUploader{BaseDir: dir}, nil)

	res, err := exp.Export(context.Background(), models.ServicePrincipal("cli"), Key("", "x"), Request{
		Since: base.Add(time.Minute),
		Until: base.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Entries)
	assert.Equal(t, "bob", readLines(t, res.Location)[0].UserID)

	_, err = exp.Export(context.Background(), models.ServicePrincipal("cli"), "y", Request{Since: base, Until: base})
	require.ErrorIs(t, err, models.ErrInvalid)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "etc/passwd", sanitizeKey("../../etc/passwd"))
	assert.Equal(t, "audit/a/b.jsonl", sanitizeKey("/audit/a/b.jsonl"))
}
