package telegram

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhcnova/nova/pkg/artifact"
	"github.com/zhcnova/nova/pkg/config"
	"github.com/zhcnova/nova/pkg/log"
	"github.com/zhcnova/nova/pkg/policy"
	"github.com/zhcnova/nova/pkg/registry"
	"github.com/zhcnova/nova/pkg/router"
	"github.com/zhcnova/nova/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

const testRoutingYAML = `
default:
  route_class: LIGHT
  risk_level: low
task_type_overrides:
  code_refactor:
    route_class: HEAVY
    risk_level: medium
`

const testApprovalYAML = `
gates:
  deploy_restart:
    require_human_approval: true
`

const testExecutionYAML = `
default:
  enforcement: strict
allowlists:
  light_task_types:
    - summary
    - status_check
  heavy_task_types:
    - code_refactor
deny_rules:
  blocked_prompt_keywords:
    - drop table
  blocked_path_patterns:
    - /etc/passwd
`

type sentMessage struct {
	chatID int64
	text   string
}

// fakeTransport plays back scripted poll errors, then scripted update
// batches, then invokes onEmpty (tests use it to cancel the run).
type fakeTransport struct {
	mu      sync.Mutex
	errs    []error
	batches [][]Update
	sent    []sentMessage
	onEmpty func()
}

func (f *fakeTransport) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		return batch, nil
	}
	if f.onEmpty != nil {
		f.onEmpty()
	}
	return nil, nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

const allowedChat int64 = 1001

func cmdUpdate(id, chatID int64, text string) Update {
	return Update{
		UpdateID: id,
		Message: &Message{
			MessageID: id,
			From:      &User{ID: 42, Username: "ops"},
			Chat:      Chat{ID: chatID},
			Text:      text,
		},
	}
}

func newTestIngress(t *testing.T) (*Ingress, *fakeTransport, *registry.Registry, *config.Ingress) {
	t.Helper()
	dir := t.TempDir()

	writePolicy := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}
	policies, err := policy.Load(
		writePolicy("routing.yaml", testRoutingYAML),
		writePolicy("approvals.yaml", testApprovalYAML),
		writePolicy("execution_policy.yaml", testExecutionYAML),
		"",
	)
	require.NoError(t, err)

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	plane := &config.Plane{
		StorageRoot:        dir,
		AutonomyMode:       types.ModeSupervised,
		RuntimeMode:        types.RuntimeSingleNode,
		DispatchOwner:      "ingress-test:1",
		LeaseDuration:      2 * time.Minute,
		RetryMax:           1,
		RetryBackoff:       10 * time.Millisecond,
		DispatchTimeout:    5 * time.Second,
		ContextBudgetLight: 1200,
		ContextBudgetHeavy: 2400,
		TargetRatio:        0.7,
		DefaultProvider:    "openai",
		DefaultModel:       "codex",
		FallbackProvider:   "openrouter",
		FallbackModel:      "planner-model",
	}
	rtr := router.New(plane, reg, policies, artifact.NewStore(dir))
	rtr.SetSleep(func(time.Duration) {})

	cfg := &config.Ingress{
		Token:          "test-token",
		PollTimeout:    time.Second,
		PollInterval:   10 * time.Millisecond,
		AllowedChatIDs: map[int64]bool{allowedChat: true},
		RequireAllow:   true,
		AuditLogPath:   filepath.Join(dir, "memory", "telegram_command_audit.jsonl"),
		OffsetPath:     filepath.Join(dir, "memory", "telegram_offset.txt"),
		LockPath:       filepath.Join(dir, "memory", "telegram_longpoll.lock"),
		CommandTimeout: 5 * time.Second,
		ResumeTimeout:  10 * time.Second,
		RatePerMinute:  20,
		RateBurst:      5,
		MaxBackoff:     time.Second,
	}
	transport := &fakeTransport{}
	ing := New(cfg, reg, rtr, transport)
	ing.SetSleep(func(time.Duration) {})
	return ing, transport, reg, cfg
}

func readAudit(t *testing.T, path string) []AuditRecord {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []AuditRecord
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec AuditRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}

func auditStatuses(records []AuditRecord) []string {
	statuses := make([]string, 0, len(records))
	for _, rec := range records {
		statuses = append(statuses, rec.Status)
	}
	return statuses
}

func runIngress(t *testing.T, ing *Ingress, transport *fakeTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport.onEmpty = cancel
	require.NoError(t, ing.Run(ctx))
}

func TestDuplicateUpdateReplaysWithoutSecondTask(t *testing.T) {
	ing, transport, reg, cfg := newTestIngress(t)
	update := cmdUpdate(7, allowedChat, "/newtask summary check backlog health")
	transport.batches = [][]Update{{update}, {update}}

	runIngress(t, ing, transport)

	tasks, err := reg.ListTasks(10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "summary", tasks[0].TaskType)

	records := readAudit(t, cfg.AuditLogPath)
	assert.Equal(t, []string{"startup", "ok", "idempotent_replay"}, auditStatuses(records))
	assert.Equal(t, "tg-7", records[1].TraceID)

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].text, "Task: "+tasks[0].TaskID)

	assert.Equal(t, int64(8), ReadOffset(cfg.OffsetPath))
}

func TestUnauthorizedChatGetsRefusal(t *testing.T) {
	ing, transport, reg, cfg := newTestIngress(t)
	transport.batches = [][]Update{{cmdUpdate(3, 9999, "/newtask summary hi")}}

	runIngress(t, ing, transport)

	tasks, err := reg.ListTasks(10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	records := readAudit(t, cfg.AuditLogPath)
	assert.Equal(t, []string{"startup", "unauthorized"}, auditStatuses(records))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Unauthorized chat_id for this bot", sent[0].text)
}

func TestNonCommandIgnoredSilently(t *testing.T) {
	ing, transport, _, cfg := newTestIngress(t)
	transport.batches = [][]Update{{cmdUpdate(4, allowedChat, "hello there")}}

	runIngress(t, ing, transport)

	records := readAudit(t, cfg.AuditLogPath)
	assert.Equal(t, []string{"startup", "ignored_non_command"}, auditStatuses(records))
	assert.Empty(t, transport.sentMessages())
}

func TestReusedUpdateIDWithNewPayloadConflicts(t *testing.T) {
	ing, transport, _, cfg := newTestIngress(t)
	transport.batches = [][]Update{
		{cmdUpdate(11, allowedChat, "/list")},
		{cmdUpdate(11, allowedChat, "/board")},
	}

	runIngress(t, ing, transport)

	records := readAudit(t, cfg.AuditLogPath)
	assert.Equal(t, []string{"startup", "ok", "idempotency_conflict"}, auditStatuses(records))

	// Only the first rendition got a reply.
	assert.Len(t, transport.sentMessages(), 1)
}

func TestUnknownCommandIsUserError(t *testing.T) {
	ing, transport, _, cfg := newTestIngress(t)
	transport.batches = [][]Update{{cmdUpdate(5, allowedChat, "/frobnicate now")}}

	runIngress(t, ing, transport)

	records := readAudit(t, cfg.AuditLogPath)
	assert.Equal(t, []string{"startup", "user_error"}, auditStatuses(records))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].text, "Unknown command")
}

func TestCommandTimeoutAudited(t *testing.T) {
	ing, transport, _, cfg := newTestIngress(t)
	cfg.CommandTimeout = time.Nanosecond
	transport.batches = [][]Update{{cmdUpdate(6, allowedChat, "/list")}}

	runIngress(t, ing, transport)

	records := readAudit(t, cfg.AuditLogPath)
	assert.Equal(t, []string{"startup", "command_timeout"}, auditStatuses(records))

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].text, "command_timeout")
}

func TestPollErrorBackoffThenRecovery(t *testing.T) {
	ing, transport, _, cfg := newTestIngress(t)
	transport.errs = []error{
		types.E(types.KindTransport, "telegram.getUpdates", "connection reset"),
		types.E(types.KindTransport, "telegram.getUpdates", "connection reset"),
	}

	var slept []time.Duration
	ing.SetSleep(func(d time.Duration) { slept = append(slept, d) })

	runIngress(t, ing, transport)

	records := readAudit(t, cfg.AuditLogPath)
	statuses := auditStatuses(records)
	assert.Equal(t, []string{"startup", "poll_error", "poll_error", "poll_recovered"}, statuses)
	assert.Equal(t, 1, records[1].ErrorCount)
	assert.Equal(t, 2, records[2].ErrorCount)

	// Backoff doubles between consecutive failures.
	require.GreaterOrEqual(t, len(slept), 2)
	assert.Equal(t, slept[0]*2, slept[1])
}

func TestSecondInstanceBlockedByLock(t *testing.T) {
	ing, _, _, cfg := newTestIngress(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.LockPath), 0755))
	require.NoError(t, os.WriteFile(cfg.LockPath, []byte("12345\n"), 0644))

	err := ing.Run(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindIntegrityConflict))
	assert.Contains(t, err.Error(), "lock_exists")
}

func TestRateLimiterMinuteAndBurstWindows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(3, 2, func() time.Time { return now })

	assert.True(t, limiter.Allow(allowedChat))
	assert.True(t, limiter.Allow(allowedChat))
	// Third message inside the burst window trips the burst cap.
	assert.False(t, limiter.Allow(allowedChat))

	now = now.Add(6 * time.Second)
	assert.True(t, limiter.Allow(allowedChat))
	// Minute cap reached.
	assert.False(t, limiter.Allow(allowedChat))

	// Other chats have their own buckets.
	assert.True(t, limiter.Allow(2002))

	now = now.Add(time.Minute)
	assert.True(t, limiter.Allow(allowedChat))
}

func TestOffsetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory", "telegram_offset.txt")

	assert.Equal(t, int64(0), ReadOffset(path))
	require.NoError(t, WriteOffset(path, 99))
	assert.Equal(t, int64(99), ReadOffset(path))

	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0644))
	assert.Equal(t, int64(0), ReadOffset(path))
}

func TestParseCommandStripsBotSuffix(t *testing.T) {
	cmd, args := parseCommand("/NewTask@nova_bot summary   check queue")
	assert.Equal(t, "/newtask", cmd)
	assert.Equal(t, []string{"summary", "check", "queue"}, args)

	cmd, args = parseCommand("   ")
	assert.Equal(t, "", cmd)
	assert.Nil(t, args)
}

func TestStopCancelsRunningTask(t *testing.T) {
	ing, transport, reg, cfg := newTestIngress(t)
	transport.batches = [][]Update{{cmdUpdate(21, allowedChat, "/newtask summary quick check")}}
	runIngress(t, ing, transport)

	tasks, err := reg.ListTasks(1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	taskID := tasks[0].TaskID

	// Light tasks finish synchronously, so /stop sees a terminal task.
	transport.batches = [][]Update{{cmdUpdate(22, allowedChat, "/stop " + taskID)}}
	runIngress(t, ing, transport)

	sent := transport.sentMessages()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].text, "already terminal")

	records := readAudit(t, cfg.AuditLogPath)
	assert.Equal(t, "ok", records[len(records)-1].Status)
}
