package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/louisbranch/dicechat/internal/chat"
	apperrors "github.com/louisbranch/dicechat/internal/platform/errors"
	"github.com/louisbranch/dicechat/internal/position"
)

type historyResponse struct {
	Messages []chat.Message `json:"messages"`
	Complete bool           `json:"complete"`
}

type messageResponse struct {
	Message chat.Message `json:"message"`
}

type eventsResponse struct {
	Events []chat.Envelope `json:"events"`
}

type channelResponse struct {
	Channel chat.Channel  `json:"channel"`
	Members []chat.Member `json:"members"`
}

type errorResponse struct {
	Error *apperrors.Error `json:"error"`
}

// registerHTTPRoutes adds the request layer used by clients to page history
// and look up single messages outside the live stream.
func registerHTTPRoutes(mux *http.ServeMux, hub *roomHub, authorizer wsAuthorizer) {
	mux.Handle("GET /v1/channels/{channel}", authenticated(authorizer, func(w http.ResponseWriter, r *http.Request) {
		room, err := authorizedRoom(r, hub)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		channel, members := room.snapshot()
		writeJSON(w, http.StatusOK, channelResponse{Channel: channel, Members: members})
	}))

	mux.Handle("GET /v1/channels/{channel}/messages", authenticated(authorizer, func(w http.ResponseWriter, r *http.Request) {
		room, err := authorizedRoom(r, hub)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		query := r.URL.Query()
		var before *position.Key
		if raw := strings.TrimSpace(query.Get("before")); raw != "" {
			key, err := position.Parse(raw)
			if err != nil {
				writeHTTPError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "before must be p/q", err))
				return
			}
			before = &key
		}
		limit, err := parseLimit(query.Get("limit"))
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		page, err := room.historyBefore(r.Context(), identityFromRequest(r).UserID, before, limit)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		messages := page.Messages
		if messages == nil {
			messages = []chat.Message{}
		}
		writeJSON(w, http.StatusOK, historyResponse{Messages: messages, Complete: page.Complete})
	}))

	mux.Handle("GET /v1/channels/{channel}/messages/{message}", authenticated(authorizer, func(w http.ResponseWriter, r *http.Request) {
		room, err := authorizedRoom(r, hub)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		msg, err := room.message(r.Context(), identityFromRequest(r).UserID, strings.TrimSpace(r.PathValue("message")))
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: msg})
	}))

	mux.Handle("GET /v1/channels/{channel}/events", authenticated(authorizer, func(w http.ResponseWriter, r *http.Request) {
		room, err := authorizedRoom(r, hub)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		query := r.URL.Query()
		var after chat.EventID
		if raw := strings.TrimSpace(query.Get("after")); raw != "" {
			after, err = chat.ParseEventID(raw)
			if err != nil {
				writeHTTPError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "after must be timestamp-node-seq", err))
				return
			}
		}
		limit, err := parseLimit(query.Get("limit"))
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		events, err := room.eventsAfter(r.Context(), identityFromRequest(r).UserID, after, limit)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		if events == nil {
			events = []chat.Envelope{}
		}
		writeJSON(w, http.StatusOK, eventsResponse{Events: events})
	}))
}

func authorizedRoom(r *http.Request, hub *roomHub) (*channelRoom, error) {
	channelID := strings.TrimSpace(r.PathValue("channel"))
	if channelID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "channel is required")
	}
	room := hub.room(channelID)
	if err := room.load(r.Context()); err != nil {
		return nil, err
	}
	if err := room.authorize(identityFromRequest(r).UserID); err != nil {
		return nil, err
	}
	return room, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidArgument, "limit must be a number", err)
	}
	return clampLimit(limit), nil
}

func writeHTTPError(w http.ResponseWriter, err error) {
	var typed *apperrors.Error
	if !errors.As(err, &typed) {
		typed = apperrors.New(apperrors.CodeInternal, "internal error")
	}
	writeJSON(w, typed.Code.HTTPStatus(), errorResponse{Error: typed})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
