package telegram

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zhcnova/nova/pkg/types"
)

// AuditRecord is one JSONL line in the ingress audit log. Update
// records carry the identity fields; startup and poll records only
// carry the status and the counters that apply.
type AuditRecord struct {
	TS       time.Time `json:"ts"`
	UpdateID int64     `json:"update_id,omitempty"`
	ChatID   int64     `json:"chat_id,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Text     string    `json:"text,omitempty"`
	TraceID  string    `json:"trace_id,omitempty"`
	Status   string    `json:"status"`
	Result   any       `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`

	ErrorCount     int     `json:"error_count,omitempty"`
	BackoffSeconds float64 `json:"backoff_seconds,omitempty"`

	AllowedChatIDsCount   int `json:"allowed_chat_ids_count,omitempty"`
	CommandTimeoutSeconds int `json:"command_timeout_seconds,omitempty"`
}

// appendAudit writes one audit line, creating the log directory on
// first use.
func appendAudit(path string, rec AuditRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return types.Wrap(types.KindCorrupted, "telegram.appendAudit", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return types.Wrap(types.KindCorrupted, "telegram.appendAudit", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return types.Wrap(types.KindCorrupted, "telegram.appendAudit", err)
	}
	return nil
}

// ReadOffset returns the persisted update cursor; a missing or
// malformed file reads as zero.
func ReadOffset(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return offset
}

// WriteOffset persists the update cursor with an atomic replace so a
// crash mid-write never corrupts it.
func WriteOffset(path string, offset int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return types.Wrap(types.KindCorrupted, "telegram.WriteOffset", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0644); err != nil {
		return types.Wrap(types.KindCorrupted, "telegram.WriteOffset", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return types.Wrap(types.KindCorrupted, "telegram.WriteOffset", err)
	}
	return nil
}
