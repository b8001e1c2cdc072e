package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures a TelegramSink.
type TelegramConfig struct {
	Token   string
	ChatIDs []string
	// APIURL overrides the Bot API root.
	APIURL string
}

// TelegramSink posts the summary text and attachments to chats through the
// Bot API.
type TelegramSink struct {
	apiURL     string
	token      string
	chats      []string
	httpClient *http.Client
}

// NewTelegramSink creates a TelegramSink.
func NewTelegramSink(cfg TelegramConfig) *TelegramSink {
	api := cfg.APIURL
	if api == "" {
		api = defaultTelegramAPI
	}
	return &TelegramSink{
		apiURL: strings.TrimRight(api, "/"),
		token:  cfg.Token,
		chats:  cfg.ChatIDs,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name implements Sink.
func (s *TelegramSink) Name() string { return "telegram" }

// Send implements Sink.
func (s *TelegramSink) Send(ctx context.Context, msg Message) error {
	var firstErr error
	record := func(chat string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("chat %s: %w", chat, err)
		}
	}
	for _, chat := range s.chats {
		form := url.Values{}
		form.Set("chat_id", chat)
		form.Set("text", msg.Subject+"\n\n"+msg.Text)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.method("sendMessage"), strings.NewReader(form.Encode()))
		if err != nil {
			record(chat, err)
			continue
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if err := s.do(req); err != nil {
			record(chat, err)
			continue
		}
		for _, a := range msg.Attachments {
			record(chat, s.sendDocument(ctx, chat, a))
		}
	}
	return firstErr
}

func (s *TelegramSink) method(name string) string {
	return s.apiURL + "/bot" + s.token + "/" + name
}

func (s *TelegramSink) sendDocument(ctx context.Context, chat string, a Attachment) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", chat); err != nil {
		return err
	}
	part, err := w.CreateFormFile("document", a.Name)
	if err != nil {
		return err
	}
	if _, err := part.Write(a.Data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.method("sendDocument"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := s.do(req); err != nil {
		return fmt.Errorf("sending %s: %w", a.Name, err)
	}
	return nil
}

func (s *TelegramSink) do(req *http.Request) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		// The request URL carries the bot token.
		var ue *url.Error
		if errors.As(err, &ue) {
			return fmt.Errorf("telegram request failed: %w", ue.Err)
		}
		return err
	}
	defer resp.Body.Close()

	var reply struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(data, &reply)
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, reply.Description)
	}
	if err := json.Unmarshal(data, &reply); err == nil && !reply.OK {
		return fmt.Errorf("telegram rejected request: %s", reply.Description)
	}
	return nil
}
