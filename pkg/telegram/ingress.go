package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhcnova/nova/pkg/config"
	"github.com/zhcnova/nova/pkg/log"
	"github.com/zhcnova/nova/pkg/metrics"
	"github.com/zhcnova/nova/pkg/registry"
	"github.com/zhcnova/nova/pkg/router"
	"github.com/zhcnova/nova/pkg/types"
)

// minPollBackoff is the floor for the poll error backoff.
const minPollBackoff = 200 * time.Millisecond

// Ingress runs the single-writer long-poll loop. Exactly one instance
// may run per lock path; the offset file makes restarts resume where
// the previous run stopped.
type Ingress struct {
	cfg       *config.Ingress
	reg       *registry.Registry
	router    *router.Router
	transport Transport
	limiter   *rateLimiter

	now   func() time.Time
	sleep func(time.Duration)
	lg    zerolog.Logger
}

func New(cfg *config.Ingress, reg *registry.Registry, rtr *router.Router, transport Transport) *Ingress {
	i := &Ingress{
		cfg:       cfg,
		reg:       reg,
		router:    rtr,
		transport: transport,
		now:       time.Now,
		sleep:     time.Sleep,
		lg:        log.WithComponent("telegram"),
	}
	i.limiter = newRateLimiter(cfg.RatePerMinute, cfg.RateBurst, func() time.Time { return i.now() })
	return i
}

// SetClock replaces the wall clock.
func (i *Ingress) SetClock(now func() time.Time) { i.now = now }

// SetSleep replaces the poll and backoff sleeper.
func (i *Ingress) SetSleep(sleep func(time.Duration)) { i.sleep = sleep }

// Run acquires the singleton lock and polls until the context is
// cancelled. The offset only advances after an update is processed and
// audited, so a crash re-delivers the in-flight update and the
// idempotency layer absorbs the duplicate.
func (i *Ingress) Run(ctx context.Context) error {
	release, err := i.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	i.audit(AuditRecord{
		TS:                    i.now(),
		Status:                "startup",
		AllowedChatIDsCount:   len(i.cfg.AllowedChatIDs),
		CommandTimeoutSeconds: int(i.cfg.CommandTimeout.Seconds()),
	})

	offset := ReadOffset(i.cfg.OffsetPath)
	i.lg.Info().Int64("offset", offset).Msg("ingress started")

	baseBackoff := i.cfg.PollInterval
	if baseBackoff < minPollBackoff {
		baseBackoff = minPollBackoff
	}
	backoff := baseBackoff
	errorCount := 0

	for ctx.Err() == nil {
		updates, err := i.transport.GetUpdates(ctx, offset, i.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			errorCount++
			metrics.PollErrors.Inc()
			i.audit(AuditRecord{
				TS:             i.now(),
				Status:         "poll_error",
				Error:          err.Error(),
				ErrorCount:     errorCount,
				BackoffSeconds: backoff.Seconds(),
			})
			i.lg.Warn().Err(err).Int("error_count", errorCount).
				Dur("backoff", backoff).Msg("poll failed")
			i.sleep(backoff)
			backoff *= 2
			if backoff > i.cfg.MaxBackoff {
				backoff = i.cfg.MaxBackoff
			}
			continue
		}
		if errorCount > 0 {
			i.audit(AuditRecord{TS: i.now(), Status: "poll_recovered", ErrorCount: errorCount})
			errorCount = 0
			backoff = baseBackoff
		}

		for idx := range updates {
			i.processUpdate(ctx, &updates[idx])
			offset = updates[idx].UpdateID + 1
			if err := WriteOffset(i.cfg.OffsetPath, offset); err != nil {
				i.lg.Warn().Err(err).Msg("failed to persist offset")
			}
		}
		if len(updates) == 0 {
			i.sleep(i.cfg.PollInterval)
		}
	}
	return nil
}

// acquireLock takes the singleton lock with an exclusive create so two
// pollers never consume the same update stream.
func (i *Ingress) acquireLock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(i.cfg.LockPath), 0755); err != nil {
		return nil, types.Wrap(types.KindCorrupted, "telegram.Run", err)
	}
	f, err := os.OpenFile(i.cfg.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, types.Ef(types.KindIntegrityConflict, "telegram.Run",
			"lock_exists: %s", i.cfg.LockPath)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return func() {
		f.Close()
		os.Remove(i.cfg.LockPath)
	}, nil
}

// processUpdate runs the gate chain for one update: allowlist, rate
// limit, command shape, idempotency, then the command itself. Whatever
// gate decides, the update leaves exactly one audit line.
func (i *Ingress) processUpdate(ctx context.Context, u *Update) {
	msg := u.Body()
	traceID := "tg-" + strconv.FormatInt(u.UpdateID, 10)

	rec := AuditRecord{
		TS:       i.now(),
		UpdateID: u.UpdateID,
		TraceID:  traceID,
	}
	if msg == nil {
		rec.Status = "ignored_non_command"
		i.finishUpdate(ctx, 0, "", rec)
		return
	}

	actor := actorLabel(msg)
	rec.ChatID = msg.Chat.ID
	rec.Actor = actor
	rec.Text = msg.Text

	if i.cfg.RequireAllow && !i.cfg.AllowedChatIDs[msg.Chat.ID] {
		rec.Status = "unauthorized"
		i.finishUpdate(ctx, msg.Chat.ID, "Unauthorized chat_id for this bot", rec)
		return
	}
	if !i.limiter.Allow(msg.Chat.ID) {
		rec.Status = "rate_limited"
		i.finishUpdate(ctx, 0, "", rec)
		return
	}
	if !strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		rec.Status = "ignored_non_command"
		i.finishUpdate(ctx, 0, "", rec)
		return
	}

	key := "tg_update:" + strconv.FormatInt(u.UpdateID, 10)
	begin, err := i.reg.BeginIdempotency(key, types.ScopeTelegramCommand, updateHash(u.UpdateID, msg.Chat.ID, msg.Text), "")
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
		i.finishUpdate(ctx, msg.Chat.ID, "Error: "+err.Error(), rec)
		return
	}
	if begin.Conflict {
		metrics.IdempotencyConflicts.Inc()
		rec.Status = "idempotency_conflict"
		i.finishUpdate(ctx, 0, "", rec)
		return
	}
	if begin.Exists {
		metrics.IdempotencyReplays.Inc()
		rec.Status = "idempotent_replay"
		rec.Result = begin.Result
		i.finishUpdate(ctx, 0, "", rec)
		return
	}

	reply, result, err := i.runCommand(ctx, msg, actor, traceID)
	switch {
	case err == nil:
		rec.Status = "ok"
		rec.Result = result
	case types.IsKind(err, types.KindTimeout):
		rec.Status = "command_timeout"
		rec.Error = err.Error()
		reply = "Error: " + err.Error()
	case types.IsKind(err, types.KindInvalidArgument), types.IsKind(err, types.KindNotFound):
		rec.Status = "user_error"
		rec.Error = err.Error()
		reply = "Error: " + err.Error()
	default:
		rec.Status = "error"
		rec.Error = err.Error()
		reply = "Error: " + err.Error()
	}

	if _, cerr := i.reg.CompleteIdempotency(key, types.IdempoCompleted,
		map[string]any{"status": rec.Status, "reply": reply}); cerr != nil {
		i.lg.Warn().Err(cerr).Str("key", key).Msg("failed to complete idempotency key")
	}

	i.finishUpdate(ctx, msg.Chat.ID, reply, rec)
}

// finishUpdate writes the audit line, bumps the status counter, and
// sends the reply best-effort. A chat ID of zero suppresses the reply.
func (i *Ingress) finishUpdate(ctx context.Context, chatID int64, reply string, rec AuditRecord) {
	if err := appendAudit(i.cfg.AuditLogPath, rec); err != nil {
		i.lg.Warn().Err(err).Msg("failed to append audit record")
	}
	metrics.IngressUpdates.WithLabelValues(rec.Status).Inc()

	if chatID != 0 && reply != "" {
		if err := i.transport.SendMessage(ctx, chatID, reply); err != nil {
			i.lg.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send reply")
		}
	}
}

// runCommand executes the command under its timeout. Resume covers a
// full dispatch, so it gets the longer budget.
func (i *Ingress) runCommand(ctx context.Context, msg *Message, actor, traceID string) (string, any, error) {
	timeout := i.cfg.CommandTimeout
	if cmd, _ := parseCommand(msg.Text); cmd == "/resume" && i.cfg.ResumeTimeout > timeout {
		timeout = i.cfg.ResumeTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		reply  string
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, result, err := i.handleCommand(cmdCtx, msg, actor, traceID)
		done <- outcome{reply, result, err}
	}()

	select {
	case out := <-done:
		return out.reply, out.result, out.err
	case <-cmdCtx.Done():
		return "", nil, types.Ef(types.KindTimeout, commandOp,
			"command_timeout after %ds", int(timeout.Seconds()))
	}
}

// audit writes a non-update audit line (startup, poll state changes).
func (i *Ingress) audit(rec AuditRecord) {
	if err := appendAudit(i.cfg.AuditLogPath, rec); err != nil {
		i.lg.Warn().Err(err).Msg("failed to append audit record")
	}
}

// updateHash fingerprints the update payload so a re-used update ID
// with different content surfaces as a conflict instead of a replay.
func updateHash(updateID, chatID int64, text string) string {
	payload, _ := json.Marshal(map[string]any{
		"update_id": updateID,
		"chat_id":   chatID,
		"text":      text,
	})
	return fmt.Sprintf("%x", sha256.Sum256(payload))
}
