package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"clawbridge/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const testChatID = -100123

// fakeBotAPI answers the handful of Bot API methods Telegram uses.
type fakeBotAPI struct {
	mu     sync.Mutex
	nextID int
	sent   []sentForm
}

type sentForm struct {
	text    string
	chatID  string
	replyTo string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Claw","username":"claw_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.sent = append(f.sent, sentForm{text: r.FormValue("text"), chatID: r.FormValue("chat_id"), replyTo: r.FormValue("reply_to_message_id")})
		f.mu.Unlock()
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%d,"type":"group"}}}`, id, testChatID)
	default:
		fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (f *fakeBotAPI) messages() []sentForm {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentForm(nil), f.sent...)
}

type recordingResolver struct {
	mu      sync.Mutex
	replies []domain.Reply
	err     error
}

func (r *recordingResolver) Respond(reply domain.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	return r.err
}

func newTestTelegram(t *testing.T, allow ...string) (*Telegram, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	tg, err := NewTelegram(TelegramConfig{
		Token:     "123:abc",
		ChatID:    testChatID,
		AllowFrom: allow,
		Timeout:   time.Minute,
		Endpoint:  srv.URL + "/bot%s/%s",
		Client:    srv.Client(),
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return tg, api
}

func replyUpdate(to int, from int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID:      900,
		From:           &tgbotapi.User{ID: from, UserName: "agent"},
		Chat:           &tgbotapi.Chat{ID: testChatID},
		Text:           text,
		ReplyToMessage: &tgbotapi.Message{MessageID: to},
	}}
}

func TestTelegram_RequiresToken(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{}); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestTelegram_NotReadyBeforeConnect(t *testing.T) {
	tg, _ := newTestTelegram(t)
	if err := tg.Ready(); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	err := tg.Deliver(context.Background(), domain.QueuedMessage{RequestID: "r1"})
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("deliver before connect: %v", err)
	}
}

func TestTelegram_DeliverAndForwardReply(t *testing.T) {
	tg, api := newTestTelegram(t)
	res := &recordingResolver{}
	tg.Attach(res)

	if err := tg.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := tg.Ready(); err != nil {
		t.Fatal(err)
	}

	msg := domain.QueuedMessage{RequestID: "req-1", Message: "Are we shipping?", Topic: "Release"}
	if err := tg.Deliver(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	sent := api.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if !strings.Contains(sent[0].text, "Release") || !strings.Contains(sent[0].text, "Are we shipping?") {
		t.Errorf("unexpected text: %q", sent[0].text)
	}
	if sent[0].chatID != fmt.Sprint(testChatID) {
		t.Errorf("chat id: %s", sent[0].chatID)
	}

	tg.handleUpdate(replyUpdate(1, 7, "  Yes, Friday.  "))

	if len(res.replies) != 1 {
		t.Fatalf("expected 1 forwarded reply, got %d", len(res.replies))
	}
	if res.replies[0].RequestID != "req-1" || res.replies[0].Content != "Yes, Friday." {
		t.Errorf("forwarded reply: %+v", res.replies[0])
	}
	if tg.tracked() != 0 {
		t.Error("answered message should be forgotten")
	}
}

func TestTelegram_LateReplyGetsNotice(t *testing.T) {
	tg, api := newTestTelegram(t)
	tg.Attach(&recordingResolver{err: fmt.Errorf("respond: %w", domain.ErrRequestNotFound)})
	tg.Connect()
	tg.Deliver(context.Background(), domain.QueuedMessage{RequestID: "req-1", Message: "hi"})

	tg.handleUpdate(replyUpdate(1, 7, "sorry, was away"))

	sent := api.messages()
	if len(sent) != 2 {
		t.Fatalf("expected a notice after the late reply, got %d messages", len(sent))
	}
	if sent[1].replyTo != "900" || !strings.Contains(sent[1].text, "Too late") {
		t.Errorf("notice: %+v", sent[1])
	}
}

func TestTelegram_IgnoresUnrelatedMessages(t *testing.T) {
	tg, _ := newTestTelegram(t, "7")
	res := &recordingResolver{}
	tg.Attach(res)
	tg.Connect()
	tg.Deliver(context.Background(), domain.QueuedMessage{RequestID: "req-1", Message: "hi"})

	// Not a reply.
	plain := replyUpdate(1, 7, "hello")
	plain.Message.ReplyToMessage = nil
	tg.handleUpdate(plain)

	// Other chat.
	other := replyUpdate(1, 7, "hello")
	other.Message.Chat = &tgbotapi.Chat{ID: 42}
	tg.handleUpdate(other)

	// User not allowed.
	tg.handleUpdate(replyUpdate(1, 8, "hello"))

	// Empty update.
	tg.handleUpdate(tgbotapi.Update{})

	if len(res.replies) != 0 {
		t.Fatalf("nothing should be forwarded, got %+v", res.replies)
	}
	if tg.tracked() != 1 {
		t.Fatal("pending message should still be tracked")
	}
}

func TestTelegram_UnknownMessageNotice(t *testing.T) {
	tg, api := newTestTelegram(t)
	res := &recordingResolver{}
	tg.Attach(res)
	tg.Connect()

	tg.handleUpdate(replyUpdate(77, 7, "answer to what?"))
	if len(res.replies) != 0 {
		t.Fatal("reply to an unknown message must not be forwarded")
	}
	if sent := api.messages(); len(sent) != 1 || !strings.Contains(sent[0].text, "not waiting") {
		t.Fatalf("expected a notice, got %+v", sent)
	}
}

func TestTelegram_PruneForgetsOldMessages(t *testing.T) {
	tg, _ := newTestTelegram(t)
	tg.Connect()
	tg.Deliver(context.Background(), domain.QueuedMessage{RequestID: "req-1", Message: "hi"})

	tg.prune(time.Now().Add(time.Minute))
	if tg.tracked() != 1 {
		t.Fatal("message inside 2x timeout should be kept")
	}
	tg.prune(time.Now().Add(3 * time.Minute))
	if tg.tracked() != 0 {
		t.Fatal("message older than 2x timeout should be pruned")
	}
}

func TestTelegram_LongTextCutOnRuneBoundary(t *testing.T) {
	tg, api := newTestTelegram(t)
	if err := tg.Connect(); err != nil {
		t.Fatal(err)
	}

	msg := domain.QueuedMessage{RequestID: "req-long", Message: "a" + strings.Repeat("é", 3000)}
	if err := tg.Deliver(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	sent := api.messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if len(sent[0].text) > telegramMaxMsgLen {
		t.Errorf("text is %d bytes, limit %d", len(sent[0].text), telegramMaxMsgLen)
	}
	if !utf8.ValidString(sent[0].text) {
		t.Error("text is not valid UTF-8")
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo", 10); got != "héllo" {
		t.Errorf("short string changed: %q", got)
	}
	// "é" is two bytes; cutting at 2 would split it.
	if got := truncateRunes("aé", 2); got != "a" {
		t.Errorf("got %q, want %q", got, "a")
	}
	if got := truncateRunes("日本", 4); got != "日" {
		t.Errorf("got %q, want %q", got, "日")
	}
}

func TestTelegram_DeliverHonoursCancelledContext(t *testing.T) {
	tg, api := newTestTelegram(t)
	if err := tg.Connect(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.Deliver(ctx, domain.QueuedMessage{RequestID: "r1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := len(api.messages()); n != 0 {
		t.Errorf("nothing should be sent, got %d", n)
	}
}
