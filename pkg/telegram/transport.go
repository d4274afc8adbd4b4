package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zhcnova/nova/pkg/config"
	"github.com/zhcnova/nova/pkg/types"
)

// User is the sender of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// Update is one long-poll result entry.
type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message"`
	EditedMessage *Message `json:"edited_message"`
}

// Body returns the message carried by the update, edited or not.
func (u *Update) Body() *Message {
	if u.Message != nil {
		return u.Message
	}
	return u.EditedMessage
}

// Transport is the bot API boundary. The production transport speaks
// HTTP long-poll; tests script batches of updates.
type Transport interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// apiTransport talks to the Telegram bot API over HTTP.
type apiTransport struct {
	cfg    *config.Ingress
	client *http.Client
}

// NewAPITransport creates the HTTP transport for the bot API. The
// client timeout exceeds the long-poll window so a full poll never
// reads as a transport failure.
func NewAPITransport(cfg *config.Ingress) Transport {
	return &apiTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.PollTimeout + 5*time.Second},
	}
}

func (t *apiTransport) call(ctx context.Context, method string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.cfg.APIBase+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return types.Wrap(types.KindTransport, "telegram."+method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return types.Wrap(types.KindTransport, "telegram."+method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return types.Wrap(types.KindTransport, "telegram."+method, err)
	}
	if !envelope.OK {
		return types.Ef(types.KindTransport, "telegram."+method, "api not ok: %s", envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return types.Wrap(types.KindTransport, "telegram."+method, err)
		}
	}
	return nil
}

func (t *apiTransport) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	form := url.Values{}
	form.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	form.Set("offset", strconv.FormatInt(offset, 10))
	form.Set("allowed_updates", `["message","edited_message"]`)

	var updates []Update
	if err := t.call(ctx, "getUpdates", form, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (t *apiTransport) SendMessage(ctx context.Context, chatID int64, text string) error {
	if len(text) > 4000 {
		text = text[:4000]
	}
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")
	return t.call(ctx, "sendMessage", form, nil)
}
