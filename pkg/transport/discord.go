package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/psantana5/mediabot/pkg/logging"
	"github.com/psantana5/mediabot/pkg/models"
)

// PlatformDiscord is the ConversationContext.Platform value for Discord events
const PlatformDiscord = "discord"

// discordAPI is the subset of *discordgo.Session used for replies
type discordAPI interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord is a gateway-connected Discord bot transport
type Discord struct {
	session *discordgo.Session
	api     discordAPI
	logger  *logging.Logger

	mu      sync.Mutex
	handler EventHandler
	remove  func()
	ctx     context.Context
}

// NewDiscord creates a Discord transport for the given bot token. The
// gateway is not opened until Open is called.
func NewDiscord(token string, logger *logging.Logger) (*Discord, error) {
	if token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent
	if logger == nil {
		logger = logging.Discard()
	}
	return &Discord{
		session: s,
		api:     s,
		logger:  logger.WithField("component", "discord"),
	}, nil
}

// Name implements Transport
func (d *Discord) Name() string { return PlatformDiscord }

// Open connects to the gateway and forwards message events to h. ctx is
// handed to every event and should live as long as the bot.
func (d *Discord) Open(ctx context.Context, h EventHandler) error {
	d.mu.Lock()
	d.handler = h
	d.ctx = ctx
	d.remove = d.session.AddHandler(d.onMessageCreate)
	d.mu.Unlock()

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	user := "unknown"
	if d.session.State != nil && d.session.State.User != nil {
		user = d.session.State.User.Username
	}
	d.logger.Info("Discord gateway connected", logging.Fields{"user": user})
	return nil
}

// Close disconnects from the gateway
func (d *Discord) Close() error {
	d.mu.Lock()
	if d.remove != nil {
		d.remove()
		d.remove = nil
	}
	d.mu.Unlock()
	return d.session.Close()
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	selfID := ""
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	event, ok := convertMessage(m.Message, selfID)
	if !ok {
		return
	}
	d.mu.Lock()
	h, ctx := d.handler, d.ctx
	d.mu.Unlock()
	if h == nil {
		return
	}
	h.Handle(ctx, event)
}

// convertMessage turns a Discord message into a ChatEvent. Messages from
// bots, including this one, are ignored.
func convertMessage(m *discordgo.Message, selfID string) (models.ChatEvent, bool) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == selfID {
		return models.ChatEvent{}, false
	}
	event := models.ChatEvent{
		Conversation: models.ConversationContext{
			Platform:  PlatformDiscord,
			ChannelID: m.ChannelID,
			GuildID:   m.GuildID,
			UserID:    m.Author.ID,
			UserName:  m.Author.Username,
			MessageID: m.ID,
		},
		Text:       m.Content,
		ReceivedAt: m.Timestamp,
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		event.Attachments = append(event.Attachments, models.Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
		})
	}
	return event, true
}

// Send implements Transport
func (d *Discord) Send(ctx context.Context, conv models.ConversationContext, msg Message) error {
	data := &discordgo.MessageSend{Content: msg.Text}
	if conv.MessageID != "" {
		data.Reference = &discordgo.MessageReference{
			MessageID: conv.MessageID,
			ChannelID: conv.ChannelID,
			GuildID:   conv.GuildID,
		}
	}

	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, a := range msg.Attachments {
		f, err := os.Open(a.Path)
		if err != nil {
			return deliveryError("attach", fmt.Errorf("attachment unavailable: %w", err), false)
		}
		files = append(files, f)
		data.Files = append(data.Files, &discordgo.File{
			Name:        a.Name,
			ContentType: a.ContentType,
			Reader:      f,
		})
	}

	if _, err := d.api.ChannelMessageSendComplex(conv.ChannelID, data, discordgo.WithContext(ctx)); err != nil {
		return deliveryError("send", fmt.Errorf("discord send to %s: %w", conv.ChannelID, err), discordTransient(err))
	}
	return nil
}

// discordTransient treats rate limits and server errors as retryable.
// Other REST rejections (missing permissions, unknown channel) are final.
func discordTransient(err error) bool {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		code := rest.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	return !errors.Is(err, context.Canceled)
}
