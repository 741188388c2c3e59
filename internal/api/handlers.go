package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/ephemeral-chat/internal/server"
	"github.com/npezzotti/ephemeral-chat/internal/types"
)

type ChallengeRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type ChallengeResponse struct {
	ChallengeId string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ResendRequest struct {
	ChallengeId string `json:"challenge_id"`
}

type VerifyRequest struct {
	ChallengeId string `json:"challenge_id"`
	Code        string `json:"code"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type CheckRoomRequest struct {
	AccessKey string `json:"access_key"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := NewApiError(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Printf("internal error: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatApp) requestChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if !s.decode(w, r, &req) {
		return
	}

	id, expiresAt, err := s.verifier.RequestChallenge(r.Context(), req.Name, req.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, ChallengeResponse{ChallengeId: id, ExpiresAt: expiresAt})
}

func (s *ChatApp) resendCode(w http.ResponseWriter, r *http.Request) {
	var req ResendRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.verifier.ResendCode(r.Context(), req.ChallengeId); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatApp) verifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !s.decode(w, r, &req) {
		return
	}

	token, err := s.verifier.VerifyChallenge(req.ChallengeId, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, TokenResponse{Token: token})
}

func (s *ChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var params server.CreateRoomParams
	if !s.decode(w, r, &params) {
		return
	}

	token, _ := bearerToken(r)
	if err := s.verifier.ClaimRoomCreation(token); err != nil {
		s.writeError(w, err)
		return
	}

	room, err := s.cs.CreateRoom(r.Context(), identity, params)
	if err != nil {
		s.verifier.ReleaseRoomCreation(token)
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *ChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms, err := s.cs.HostedRooms(r.Context(), identity)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *ChatApp) checkRoom(w http.ResponseWriter, r *http.Request) {
	var req CheckRoomRequest
	if !s.decode(w, r, &req) {
		return
	}

	summary, err := s.verifier.ValidateAccessKey(r.Context(), req.AccessKey)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, summary)
}

func (s *ChatApp) getParticipants(w http.ResponseWriter, r *http.Request) {
	claims, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participants, err := s.cs.Participants(r.Context(), claims, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, participants)
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	claims, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var since int64
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		var err error
		since, err = strconv.ParseInt(sinceStr, 10, 64)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.cs.Messages(r.Context(), claims, r.PathValue("id"), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatApp) getTranscript(w http.ResponseWriter, r *http.Request) {
	claims, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	transcript, err := s.cs.Transcript(r.Context(), claims, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="transcript.txt"`)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(transcript))
}

// serveWs upgrades the connection. Authentication happens on the socket
// with the first join event.
func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients do not send an origin
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

	client := server.NewClient(conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
