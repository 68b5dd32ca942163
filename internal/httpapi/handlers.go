package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rbaliyan/bookmail"
)

type ctxKey struct{}

// requireUser rejects requests without a usable X-User-ID and stores the
// caller's mailbox in the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		if !bookmail.IsValidUserID(userID) {
			writeError(w, http.StatusBadRequest, "invalid "+UserHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, s.svc.Client(userID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func mailbox(r *http.Request) bookmail.Mailbox {
	return r.Context().Value(ctxKey{}).(bookmail.Mailbox)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if !s.svc.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var req bookmail.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := mailbox(r).Send(r.Context(), req)
	if err != nil {
		if _, ok := bookmail.IsEventPublishError(err); !ok || msg == nil {
			s.fail(w, r, err)
			return
		}
		s.logger.Warn("message stored but event failed", "message_id", msg.ID, "error", err)
	}
	s.metrics.sent.Inc()
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	msg, err := mailbox(r).Message(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) replies(w http.ResponseWriter, r *http.Request) {
	msgs, err := mailbox(r).Replies(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*bookmail.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) list(view bookmail.Visibility) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := listOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		mb := mailbox(r)
		var list *bookmail.EntryList
		if view == bookmail.VisibilityArchived {
			list, err = mb.Archived(r.Context(), opts)
		} else {
			list, err = mb.Inbox(r.Context(), opts)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}

		entries := list.Entries
		if entries == nil {
			entries = []*bookmail.Entry{}
		}
		w.Header().Set("X-Total-Count", strconv.FormatInt(list.Total, 10))
		w.Header().Set("X-Has-More", strconv.FormatBool(list.HasMore))
		writeJSON(w, http.StatusOK, entries)
	}
}

func listOptions(r *http.Request) (bookmail.ListOptions, error) {
	var opts bookmail.ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errors.New("limit must be a non-negative integer")
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errors.New("offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	return opts, nil
}

func (s *Server) transition(action string, apply func(bookmail.Mailbox, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := apply(mailbox(r), r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if _, ok := bookmail.IsEventPublishError(err); !ok {
				s.fail(w, r, err)
				return
			}
			s.logger.Warn("state changed but event failed", "action", action, "error", err)
		}
		s.metrics.transitions.WithLabelValues(action).Inc()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := mailbox(r).Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request) {
	blocked, err := s.blocklist.Blocked(r.Context(), mailbox(r).UserID())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if blocked == nil {
		blocked = []string{}
	}
	writeJSON(w, http.StatusOK, blocked)
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	sender := chi.URLParam(r, "sender")
	if !bookmail.IsValidUserID(sender) {
		writeError(w, http.StatusBadRequest, "invalid sender id")
		return
	}
	if err := s.blocklist.Block(r.Context(), mailbox(r).UserID(), sender); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	if err := s.blocklist.Unblock(r.Context(), mailbox(r).UserID(), chi.URLParam(r, "sender")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
