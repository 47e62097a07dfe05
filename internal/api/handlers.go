package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-liveline/internal/database"
	"github.com/npezzotti/go-liveline/internal/livesession"
	"github.com/npezzotti/go-liveline/internal/messaging"
	"github.com/npezzotti/go-liveline/internal/server"
	"github.com/npezzotti/go-liveline/internal/types"
)

type ScheduleSessionRequest struct {
	Title string `json:"title"`
}

type SessionActionRequest struct {
	Id string `json:"id"`
}

type CreateConversationRequest struct {
	Kind      string `json:"kind"`
	MemberIds []int  `json:"member_ids"`
}

type AddMemberRequest struct {
	ConversationId string `json:"conversation_id"`
	PrincipalId    int    `json:"principal_id"`
}

type StartSessionResponse struct {
	Session    types.Session    `json:"session"`
	Credential types.Credential `json:"credential"`
}

func (s *LivelineApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// apiError translates domain errors into HTTP responses.
func (s *LivelineApp) apiError(err error) *ApiError {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, database.ErrStateConflict),
		errors.Is(err, livesession.ErrNotLive),
		errors.Is(err, livesession.ErrSessionEnded):
		return NewConflictError()
	case errors.Is(err, livesession.ErrNotOwner),
		errors.Is(err, messaging.ErrNotMember):
		return NewForbiddenError()
	case errors.Is(err, messaging.ErrEmptyPayload),
		errors.Is(err, messaging.ErrPayloadTooLarge):
		return NewBadRequestError()
	default:
		return NewInternalServerError(err)
	}
}

func (s *LivelineApp) scheduleSession(w http.ResponseWriter, r *http.Request) {
	principalId, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ScheduleSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Title == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	session, err := s.sessions.Schedule(principalId, req.Title)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, session)
}

func (s *LivelineApp) getSession(w http.ResponseWriter, r *http.Request) {
	if extId := r.URL.Query().Get("id"); extId != "" {
		session, err := s.sessions.Get(extId)
		if err != nil {
			errResp := s.apiError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, session)
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		state = string(types.SessionLive)
	}

	dbSessions, err := s.db.ListSessionsByState(state)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sessions := make([]types.Session, 0, len(dbSessions))
	for _, ds := range dbSessions {
		sessions = append(sessions, types.Session{
			Id:          ds.Id,
			ExternalId:  ds.ExternalId,
			OwnerId:     ds.OwnerId,
			Title:       ds.Title,
			State:       types.SessionState(ds.State),
			ScheduledAt: ds.ScheduledAt,
			StartedAt:   ds.StartedAt,
			EndedAt:     ds.EndedAt,
			CreatedAt:   ds.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, sessions)
}

func (s *LivelineApp) sessionAction(w http.ResponseWriter, r *http.Request, action func(owner int, extId string) (types.Session, error)) {
	principalId, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Id == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	session, err := action(principalId, req.Id)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, session)
}

func (s *LivelineApp) startSession(w http.ResponseWriter, r *http.Request) {
	principalId, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Id == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	session, cred, err := s.sessions.Start(principalId, req.Id)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, StartSessionResponse{
		Session:    session,
		Credential: cred,
	})
}

func (s *LivelineApp) endSession(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.sessions.End)
}

func (s *LivelineApp) cancelSession(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.sessions.Cancel)
}

func (s *LivelineApp) sessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	principalId, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Id == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.sessions.Heartbeat(principalId, req.Id); err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *LivelineApp) createConversation(w http.ResponseWriter, r *http.Request) {
	principalId, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !slices.Contains(req.MemberIds, principalId) {
		req.MemberIds = append(req.MemberIds, principalId)
	}

	conv, err := s.messaging.CreateConversation(req.Kind, req.MemberIds)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, conv)
}

func (s *LivelineApp) addConversationMember(w http.ResponseWriter, r *http.Request) {
	principalId, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationId == "" || req.PrincipalId == 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	member, err := s.messaging.AddMember(req.ConversationId, principalId, req.PrincipalId)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, member)
}

func (s *LivelineApp) getMessages(w http.ResponseWriter, r *http.Request) {
	principalId, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	convId := r.URL.Query().Get("conversation_id")
	if convId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var after, limit int
	var err error

	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		after, err = strconv.Atoi(afterStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.messaging.Backlog(convId, principalId, after, limit)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *LivelineApp) getCounterTotal(w http.ResponseWriter, r *http.Request) {
	subjectId := r.URL.Query().Get("subject_id")
	kind := r.URL.Query().Get("kind")
	if subjectId == "" || kind == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	total, err := s.counters.Total(subjectId, kind)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.CounterUpdate{
		SubjectId: subjectId,
		Kind:      kind,
		NewTotal:  total,
	})
}

func (s *LivelineApp) getNotifications(w http.ResponseWriter, r *http.Request) {
	principalId, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var limit int
	var err error
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	events, err := s.notifier.List(principalId, limit)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, events)
}

func (s *LivelineApp) dismissNotification(w http.ResponseWriter, r *http.Request) {
	principalId, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	eventId := r.URL.Query().Get("id")
	if eventId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.notifier.Dismiss(principalId, eventId); err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *LivelineApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := PrincipalId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	principal, err := s.db.GetPrincipalById(id)
	if err != nil {
		errResp := s.apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.Principal{
		Id:          principal.Id,
		Username:    principal.Username,
		DisplayName: principal.DisplayName,
		Private:     principal.Private,
		Monetized:   principal.Monetized,
		CreatedAt:   principal.CreatedAt,
		UpdatedAt:   principal.UpdatedAt,
	}, conn, s.rs, s.log)

	s.rs.RegisterChan <- client
	go client.Write()
	go client.Read()
}
