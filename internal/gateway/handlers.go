package gateway

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/wecom-gateway/internal/events"
	"github.com/mattjoyce/wecom-gateway/internal/message"
	"github.com/mattjoyce/wecom-gateway/internal/metrics"
	"github.com/mattjoyce/wecom-gateway/internal/msgcrypt"
)

type callbackParams struct {
	signature string
	timestamp string
	nonce     string
}

func readParams(r *http.Request) (callbackParams, error) {
	q := r.URL.Query()
	p := callbackParams{
		signature: q.Get("msg_signature"),
		timestamp: q.Get("timestamp"),
		nonce:     q.Get("nonce"),
	}
	if p.signature == "" || p.timestamp == "" || p.nonce == "" {
		return p, fmt.Errorf("%w: missing msg_signature, timestamp or nonce", ErrMalformedRequest)
	}
	return p, nil
}

// handleChallenge answers the URL verification handshake by echoing the
// decrypted echostr.
func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	s.deps.Hub.Publish(events.StateReceived, events.Transition{RequestID: reqID})

	p, err := readParams(r)
	if err != nil {
		s.reject(w, reqID, err)
		return
	}
	echostr := r.URL.Query().Get("echostr")
	if echostr == "" {
		s.reject(w, reqID, fmt.Errorf("%w: missing echostr", ErrMalformedRequest))
		return
	}

	if !s.deps.Codec.Verify(p.signature, p.timestamp, p.nonce, echostr) {
		s.reject(w, reqID, msgcrypt.ErrAuthentication)
		return
	}
	s.deps.Hub.Publish(events.StateVerified, events.Transition{RequestID: reqID})

	plain, err := s.deps.Codec.Decrypt(echostr)
	if err != nil {
		s.reject(w, reqID, err)
		return
	}
	s.deps.Hub.Publish(events.StateDecrypted, events.Transition{RequestID: reqID})

	s.logger.Info("url verification succeeded", "request_id", reqID)
	s.respondText(w, plain)
}

// handleCallback authenticates a message callback, hands the message to the
// Executor and acknowledges it. A message the Executor refuses gets a 503 so
// the platform retries it.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	s.deps.Hub.Publish(events.StateReceived, events.Transition{RequestID: reqID})

	p, err := readParams(r)
	if err != nil {
		s.reject(w, reqID, err)
		return
	}

	// Enforce body size limit
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.reject(w, reqID, fmt.Errorf("%w: read body: %v", ErrMalformedRequest, err))
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.reject(w, reqID, errBodyTooLarge)
		return
	}

	encrypted, err := message.ExtractEncrypt(body)
	if err != nil {
		s.reject(w, reqID, err)
		return
	}

	if !s.deps.Codec.Verify(p.signature, p.timestamp, p.nonce, encrypted) {
		s.reject(w, reqID, msgcrypt.ErrAuthentication)
		return
	}
	s.deps.Hub.Publish(events.StateVerified, events.Transition{RequestID: reqID})

	plain, err := s.deps.Codec.Decrypt(encrypted)
	if err != nil {
		s.reject(w, reqID, err)
		return
	}

	msg, err := message.ParseInbound([]byte(plain))
	if err != nil {
		s.reject(w, reqID, err)
		return
	}
	tr := events.Transition{RequestID: reqID, MsgID: msg.MsgID, MsgType: msg.MsgType}
	s.deps.Hub.Publish(events.StateDecrypted, tr)

	s.logger.Info("callback received",
		"request_id", reqID,
		"msg_type", msg.MsgType,
		"msg_id", msg.MsgID,
		"from", msg.FromUserName,
		"content_len", len(msg.Content),
	)

	if s.isDuplicate(r, msg) {
		s.respondText(w, ackBody)
		return
	}

	release, err := s.dispatch(msg, reqID)
	if err != nil {
		// Unmark so the platform's retry is processed.
		s.forget(r, msg)
		s.reject(w, reqID, err)
		return
	}

	s.respondText(w, ackBody)
	s.deps.Hub.Publish(events.StateAcknowledged, tr)
	release()
}

// isDuplicate reports whether msg was already accepted. Store errors let the
// message through.
func (s *Server) isDuplicate(r *http.Request, msg *message.Inbound) bool {
	if s.deps.Dedupe == nil || msg.MsgID == "" {
		return false
	}

	seen, err := s.deps.Dedupe.MarkSeen(r.Context(), msg.MsgID, msg.FromUserName, msg.MsgType)
	if err != nil {
		s.logger.Warn("dedupe check failed, processing anyway", "msg_id", msg.MsgID, "error", err)
		return false
	}
	if seen {
		s.logger.Info("duplicate callback acknowledged without dispatch", "msg_id", msg.MsgID)
		metrics.Duplicate()
	}
	return seen
}

func (s *Server) forget(r *http.Request, msg *message.Inbound) {
	if s.deps.Dedupe == nil || msg.MsgID == "" {
		return
	}
	if err := s.deps.Dedupe.Forget(r.Context(), msg.MsgID); err != nil {
		s.logger.Warn("failed to forget msg id, platform retry will be treated as duplicate", "msg_id", msg.MsgID, "error", err)
	}
}

// reject logs the cause and answers with a generic error for its status.
func (s *Server) reject(w http.ResponseWriter, reqID string, cause error) {
	status := statusFor(cause)

	level := s.logger.Warn
	if status >= http.StatusInternalServerError {
		level = s.logger.Error
	}
	level("callback rejected", "request_id", reqID, "status", status, "error", cause)

	s.deps.Hub.Publish(events.StateRejected, events.Transition{RequestID: reqID, Reason: cause.Error()})

	s.respondError(w, status, publicMessage(status))
}
