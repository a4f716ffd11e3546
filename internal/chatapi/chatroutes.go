package chatapi

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/contenox/tablechat/apiframework"
	"github.com/contenox/tablechat/chatservice"
	"github.com/contenox/tablechat/chatstore"
	"github.com/go-playground/validator/v10"
)

// SessionResolver maps a request to its conversation, issuing a session
// cookie when needed.
type SessionResolver interface {
	ConversationID(w http.ResponseWriter, r *http.Request) string
}

// validate reports fields by their json names.
var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}()

// AddChatRoutes registers the customer routes openly and wraps the admin
// routes with admin, which may be nil.
func AddChatRoutes(mux *http.ServeMux, service chatservice.Service, sessions SessionResolver, admin func(http.Handler) http.Handler) {
	if admin == nil {
		admin = func(h http.Handler) http.Handler { return h }
	}
	h := &handler{service: service, sessions: sessions}

	mux.HandleFunc("GET /chat/init", h.init)
	mux.HandleFunc("GET /chat/fetch", h.fetch)
	mux.HandleFunc("POST /chat/send", h.send)

	mux.Handle("GET /chat/all", admin(http.HandlerFunc(h.all)))
	mux.Handle("GET /chat/conversation/{id}", admin(http.HandlerFunc(h.conversation)))
	mux.Handle("POST /chat/reply", admin(http.HandlerFunc(h.reply)))
}

type handler struct {
	service  chatservice.Service
	sessions SessionResolver
}

type InitResponse struct {
	ConversationID string `json:"conversationId" example:"3f2a9c0e5b1d4e7f8a6b2c1d0e9f8a7b"`
}

// Returns the conversation bound to the caller's session, creating it on first contact.
func (h *handler) init(w http.ResponseWriter, r *http.Request) {
	id := h.sessions.ConversationID(w, r)
	_ = apiframework.Encode(w, r, http.StatusOK, InitResponse{ConversationID: id}) // @response chatapi.InitResponse
}

type FetchResponse struct {
	ConversationID string               `json:"conversationId"`
	Messages       []*chatstore.Message `json:"messages"`
}

// Lists the caller's conversation in chronological order.
func (h *handler) fetch(w http.ResponseWriter, r *http.Request) {
	id := h.sessions.ConversationID(w, r)
	msgs := h.service.ListMessages(r.Context(), id)
	_ = apiframework.Encode(w, r, http.StatusOK, FetchResponse{ConversationID: id, Messages: msgs}) // @response chatapi.FetchResponse
}

type SendRequest struct {
	Text        string `json:"text" validate:"max=4000"`
	DisplayName string `json:"displayName" validate:"max=100"`
}

// Posts a customer message into the caller's conversation.
//
// Accepts a url-encoded form or JSON. Blank text is rejected with 400
// "Text required" before the session is touched.
func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	req, err := apiframework.Decode[SendRequest](r) // @request chatapi.SendRequest
	if errors.Is(err, apiframework.ErrEmptyRequestBody) {
		err = textRequired()
	}
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Text == "" {
		_ = apiframework.Error(w, r, textRequired(), apiframework.CreateOperation)
		return
	}
	if err := validate.Struct(req); err != nil {
		_ = apiframework.Error(w, r, invalidField(err), apiframework.CreateOperation)
		return
	}

	id := h.sessions.ConversationID(w, r)
	_, err = h.service.AppendMessage(r.Context(), chatstore.Message{
		ConversationID: id,
		Sender:         chatstore.SenderCustomer,
		DisplayName:    req.DisplayName,
		Text:           req.Text,
	})
	if err != nil {
		if errors.Is(err, chatservice.ErrEmptyText) {
			err = textRequired()
		}
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}
	_ = apiframework.Encode(w, r, http.StatusOK, apiframework.OKResponse{OK: true}) // @response apiframework.OKResponse
}

type ConversationSummary struct {
	ConversationID string            `json:"conversationId"`
	LatestText     *string           `json:"latestText"`
	LatestAt       *time.Time        `json:"latestAt"`
	LatestSender   *chatstore.Sender `json:"latestSender"`
}

// Lists every conversation with its newest message, most recent first.
//
// Conversations that have no message yet are listed last with null fields.
func (h *handler) all(w http.ResponseWriter, r *http.Request) {
	latest := h.service.LatestPerConversation(r.Context())
	resp := make([]ConversationSummary, 0, len(latest))
	for _, s := range latest {
		item := ConversationSummary{ConversationID: s.ConversationID}
		if s.Latest != nil {
			item.LatestText = &s.Latest.Text
			item.LatestAt = &s.Latest.CreatedAt
			item.LatestSender = &s.Latest.Sender
		}
		resp = append(resp, item)
	}
	_ = apiframework.Encode(w, r, http.StatusOK, resp) // @response []chatapi.ConversationSummary
}

// Returns the full history of one conversation. Unknown ids yield an empty list.
func (h *handler) conversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(apiframework.GetPathParam(r, "id", "The conversation identifier."))
	if id == "" {
		_ = apiframework.Error(w, r, apiframework.BadPathValue("id", "Missing id"), apiframework.GetOperation)
		return
	}
	msgs := []*chatstore.Message{}
	if len(id) <= chatstore.MaxConversationIDLen {
		msgs = h.service.ListMessages(r.Context(), id)
	}
	_ = apiframework.Encode(w, r, http.StatusOK, msgs) // @response []chatstore.Message
}

type ReplyRequest struct {
	ID   string `json:"id" validate:"max=64"`
	Text string `json:"text" validate:"max=4000"`
}

// Posts a staff reply into the given conversation.
func (h *handler) reply(w http.ResponseWriter, r *http.Request) {
	req, err := apiframework.Decode[ReplyRequest](r) // @request chatapi.ReplyRequest
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Text = strings.TrimSpace(req.Text)
	if req.ID == "" || req.Text == "" {
		_ = apiframework.Error(w, r, apiframework.NewAPIError(chatservice.ErrMissingConversation, "Missing id or text", ""), apiframework.CreateOperation)
		return
	}
	if err := validate.Struct(req); err != nil {
		_ = apiframework.Error(w, r, invalidField(err), apiframework.CreateOperation)
		return
	}

	_, err = h.service.AppendMessage(r.Context(), chatstore.Message{
		ConversationID: req.ID,
		Sender:         chatstore.SenderAdmin,
		Text:           req.Text,
	})
	if err != nil {
		_ = apiframework.Error(w, r, err, apiframework.CreateOperation)
		return
	}
	_ = apiframework.Encode(w, r, http.StatusOK, apiframework.OKResponse{OK: true}) // @response apiframework.OKResponse
}

func textRequired() *apiframework.APIError {
	return apiframework.NewAPIError(chatservice.ErrEmptyText, "Text required", "text")
}

// invalidField reports the first failed validation rule against its json field.
func invalidField(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apiframework.BadRequest(err.Error())
	}
	fe := verrs[0]
	param := fe.Field()
	return apiframework.NewAPIError(chatservice.ErrFieldTooLong, param+" must be at most "+fe.Param()+" characters", param)
}
