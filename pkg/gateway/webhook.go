package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/orchestrator"
)

// whatsAppPayload is the subset of the WhatsApp Cloud API webhook shape the
// gateway reads.
type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []whatsAppMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsAppMessage struct {
	From string `json:"from"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio *struct {
		ID   string `json:"id"`
		Link string `json:"link"`
	} `json:"audio"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

// telegramUpdate is the subset of the Telegram Bot API update shape the
// gateway reads.
type telegramUpdate struct {
	Message struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Text  string `json:"text"`
		Voice *struct {
			FileID string `json:"file_id"`
		} `json:"voice"`
		Location *struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
	} `json:"message"`
}

// verifyWhatsApp answers the Cloud API subscription handshake.
func (g *Gateway) verifyWhatsApp(c *gin.Context) {
	if c.Query("hub.mode") == "subscribe" && c.Query("hub.verify_token") == g.verifyToken {
		c.String(http.StatusOK, c.Query("hub.challenge"))
		return
	}
	c.Status(http.StatusForbidden)
}

// whatsAppWebhook normalizes a WhatsApp payload and dispatches each message.
// The rendered reply is returned in the webhook response body; a configured
// Sender delivers it to the channel as well.
func (g *Gateway) whatsAppWebhook(c *gin.Context) {
	var payload whatsAppPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	replies := make([]gin.H, 0, 1)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				in := g.normalizeWhatsApp(c.Request.Context(), &msg)
				if in == nil {
					continue
				}
				if reply := g.dispatch(c.Request.Context(), in); reply != nil {
					replies = append(replies, gin.H{"to": msg.From, "text": RenderText(reply)})
				}
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "replies": replies})
}

func (g *Gateway) normalizeWhatsApp(ctx context.Context, msg *whatsAppMessage) *orchestrator.Inbound {
	in := &orchestrator.Inbound{
		SessionID:  "wa-" + msg.From,
		Identifier: msg.From,
		Channel:    "whatsapp",
	}
	switch {
	case msg.Text != nil:
		in.Text = msg.Text.Body
	case msg.Audio != nil:
		text, ok := g.transcribe(ctx, msg.Audio.Link)
		if !ok {
			return nil
		}
		in.Text = text
	case msg.Location != nil:
		in.Location = &models.Location{Lat: msg.Location.Latitude, Lng: msg.Location.Longitude}
	default:
		return nil
	}
	return in
}

// telegramWebhook normalizes a Telegram update and dispatches it.
func (g *Gateway) telegramWebhook(c *gin.Context) {
	var update telegramUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	in := &orchestrator.Inbound{
		SessionID:  "tg-" + chatID,
		Identifier: chatID,
		Channel:    "telegram",
	}
	switch {
	case update.Message.Text != "":
		in.Text = update.Message.Text
	case update.Message.Voice != nil:
		text, ok := g.transcribe(c.Request.Context(), update.Message.Voice.FileID)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		in.Text = text
	case update.Message.Location != nil:
		in.Location = &models.Location{Lat: update.Message.Location.Latitude, Lng: update.Message.Location.Longitude}
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	reply := g.dispatch(c.Request.Context(), in)
	if reply == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	// Telegram accepts the reply inline in the webhook response.
	c.JSON(http.StatusOK, gin.H{
		"method":  "sendMessage",
		"chat_id": update.Message.Chat.ID,
		"text":    RenderText(reply),
	})
}

func (g *Gateway) dispatch(ctx context.Context, in *orchestrator.Inbound) *models.Reply {
	reply, err := g.handler.HandleMessage(ctx, in)
	if err != nil {
		slog.Error("Webhook dispatch failed", "session_id", in.SessionID, "channel", in.Channel, "error", err)
		return &models.Reply{SessionID: in.SessionID, Text: "Sorry, something went wrong. Please try again."}
	}
	return reply
}

func (g *Gateway) transcribe(ctx context.Context, audioRef string) (string, bool) {
	if g.asr == nil || audioRef == "" {
		slog.Warn("Dropping audio message without transcription", "ref", audioRef)
		return "", false
	}
	text, err := g.asr.Transcribe(ctx, audioRef)
	if err != nil {
		slog.Error("Transcription failed", "ref", audioRef, "error", err)
		return "", false
	}
	return text, true
}
