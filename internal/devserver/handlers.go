package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/auth"
	"github.com/putto11262002/chatter-sync/pkg/router"
)

const (
	defaultPageSize = core.DefaultPageSize
	maxPageSize     = 200
	// maxUploadSize bounds a multipart message including its attachments.
	maxUploadSize = 32 << 20
)

var ErrForbiddenConversation = errors.New("conversation forbidden")

type ConversationHandler struct {
	store  MessageStore
	broker Broker
	logger *slog.Logger
}

func NewConversationHandler(store MessageStore, broker Broker, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{store: store, broker: broker, logger: logger}
}

// conversationFromRequest returns the conversation of the request path after
// checking the caller may access it.
func conversationFromRequest(r *http.Request) (string, auth.Identity, error) {
	id := auth.IdentityFromRequest(r)
	conversationID := r.PathValue("conversationID")
	if err := checkAccess(id, conversationID); err != nil {
		return "", id, err
	}
	return conversationID, id, nil
}

func checkAccess(id auth.Identity, conversationID string) error {
	if id.Kind == string(core.Staff) || id.ConversationID == conversationID {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrForbiddenConversation, conversationID)
}

type HistoryResponse struct {
	Messages []core.Message `json:"messages"`
	HasMore  bool           `json:"has_more"`
}

func (h *ConversationHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	conversationID, _, err := conversationFromRequest(r)
	if err != nil {
		return err
	}

	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		return router.NewJsonError(http.StatusBadRequest, "page must be a positive integer")
	}
	pageSize, err := queryInt(r, "page_size", defaultPageSize)
	if err != nil || pageSize < 1 {
		return router.NewJsonError(http.StatusBadRequest, "page_size must be a positive integer")
	}
	pageSize = min(pageSize, maxPageSize)

	msgs, hasMore, err := h.store.ListMessages(r.Context(), conversationID, page, pageSize)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []core.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(HistoryResponse{Messages: msgs, HasMore: hasMore})
}

type CreateMessagePayload struct {
	LocalID    string `json:"local_id" validate:"omitempty,max=128"`
	Body       string `json:"body" validate:"max=10000"`
	AuthorKind string `json:"author_kind"`
	AuthorName string `json:"author_name"`
}

// CreateMessageHandler stores a message sent as JSON or as a multipart form
// carrying the JSON in its message field and files under attachments. The
// author is always the authenticated participant. The stored message is
// published to the conversation channel with its local id so the sender can
// correlate the echo. Resubmitting a local id returns the stored message
// without publishing it again.
func (h *ConversationHandler) CreateMessageHandler(w http.ResponseWriter, r *http.Request) error {
	conversationID, id, err := conversationFromRequest(r)
	if err != nil {
		return err
	}

	payload, attachments, err := decodeMessageRequest(r)
	if err != nil {
		return err
	}
	if err := validateRequest(payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Body) == "" && len(attachments) == 0 {
		return router.NewJsonError(http.StatusBadRequest, core.ErrEmptyDraft.Error())
	}

	msg, created, err := h.store.CreateMessage(r.Context(), MessageInput{
		ConversationID: conversationID,
		LocalID:        payload.LocalID,
		Body:           payload.Body,
		AuthorKind:     core.AuthorKind(id.Kind),
		AuthorName:     id.Name,
		Attachments:    attachments,
	})
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.publish(r, core.MessageSentEvent, conversationID, msg)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(msg)
}

func decodeMessageRequest(r *http.Request) (CreateMessagePayload, []core.Attachment, error) {
	var payload CreateMessagePayload
	defer r.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return payload, nil, router.NewJsonError(http.StatusBadRequest, "malformed request body")
		}
		return payload, nil, nil
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return payload, nil, router.NewJsonError(http.StatusBadRequest, "malformed multipart body")
	}
	defer r.MultipartForm.RemoveAll()

	if err := json.Unmarshal([]byte(r.FormValue("message")), &payload); err != nil {
		return payload, nil, router.NewJsonError(http.StatusBadRequest, "malformed message field")
	}

	files := r.MultipartForm.File["attachments"]
	attachments := make([]core.Attachment, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return payload, nil, fmt.Errorf("open attachment %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return payload, nil, fmt.Errorf("read attachment %s: %w", fh.Filename, err)
		}
		mimeType := fh.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}
		attachments = append(attachments, core.Attachment{
			Filename: fh.Filename,
			Size:     int64(len(data)),
			MIMEType: mimeType,
			Data:     data,
		})
	}
	return payload, attachments, nil
}

// TypingHandler announces the caller started typing.
func (h *ConversationHandler) TypingHandler(w http.ResponseWriter, r *http.Request) error {
	return h.typing(w, r, core.TypingStartEvent)
}

// StopTypingHandler announces the caller stopped typing.
func (h *ConversationHandler) StopTypingHandler(w http.ResponseWriter, r *http.Request) error {
	return h.typing(w, r, core.TypingStopEvent)
}

func (h *ConversationHandler) typing(w http.ResponseWriter, r *http.Request, event string) error {
	conversationID, id, err := conversationFromRequest(r)
	if err != nil {
		return err
	}
	// The body is informational. The token names the typist.
	io.Copy(io.Discard, r.Body)
	r.Body.Close()

	h.publish(r, event, conversationID, core.TypingEvent{
		ConversationID: conversationID,
		UserName:       id.Name,
		AuthorKind:     core.AuthorKind(id.Kind),
	})
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *ConversationHandler) GetAttachmentHandler(w http.ResponseWriter, r *http.Request) error {
	id := auth.IdentityFromRequest(r)
	a, conversationID, err := h.store.GetAttachment(r.Context(), r.PathValue("ref"))
	if err != nil {
		return err
	}
	if err := checkAccess(id, conversationID); err != nil {
		// Hide attachments of other conversations.
		return ErrAttachmentNotFound
	}

	w.Header().Set("Content-Type", a.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	_, err = w.Write(a.Data)
	return err
}

func (h *ConversationHandler) publish(r *http.Request, event, conversationID string, payload any) {
	f, err := core.NewFrame(event, core.ChannelName(conversationID), payload)
	if err != nil {
		h.logger.Error("build frame", slog.String("event", event), slog.Any("error", err))
		return
	}
	if err := h.broker.Publish(r.Context(), f); err != nil {
		h.logger.Error("publish frame", slog.String("event", event), slog.Any("error", err))
	}
}

type WSHandler struct {
	hub    *Hub
	logger *slog.Logger
}

func NewWSHandler(hub *Hub, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger}
}

func (h *WSHandler) WSHandler(w http.ResponseWriter, r *http.Request) error {
	id := auth.IdentityFromRequest(r)
	if err := h.hub.Connect(id, w, r); err != nil {
		// The upgrader has already replied.
		h.logger.Debug("websocket upgrade", slog.Any("error", err))
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}
