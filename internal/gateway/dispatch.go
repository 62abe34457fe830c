package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/wecom-gateway/internal/backend"
	"github.com/mattjoyce/wecom-gateway/internal/events"
	"github.com/mattjoyce/wecom-gateway/internal/message"
	"github.com/mattjoyce/wecom-gateway/internal/metrics"
	"github.com/mattjoyce/wecom-gateway/internal/wecom"
)

// reply is the text owed to one user for one inbound message.
type reply struct {
	toUser   string
	text     string
	fallback bool
}

// dispatch hands msg to the Executor and returns the func that lets the
// task begin. The task holds until then so backend work never starts before
// the ack is written. Messages the backend cannot handle are dropped here
// without a reply.
func (s *Server) dispatch(msg *message.Inbound, reqID string) (func(), error) {
	noop := func() {}
	switch msg.MsgType {
	case message.TypeText:
		if strings.TrimSpace(msg.Content) == "" {
			s.logger.Info("empty text message dropped", "request_id", reqID, "msg_id", msg.MsgID)
			return noop, nil
		}
	case message.TypeImage:
		if _, ok := s.deps.Backend.(backend.VisionBackend); !ok {
			s.logger.Info("image message dropped, backend has no vision support", "request_id", reqID, "msg_id", msg.MsgID)
			return noop, nil
		}
		if msg.MediaID == "" && msg.PicURL == "" {
			s.logger.Info("image message without MediaId or PicUrl dropped", "request_id", reqID)
			return noop, nil
		}
	default:
		s.logger.Info("message type not handled",
			"request_id", reqID,
			"msg_type", msg.MsgType,
			"event", msg.Event,
		)
		return noop, nil
	}

	gate := make(chan struct{})
	_, err := s.exec.Go(s.taskCtx, msg.MsgType, func(ctx context.Context, taskID string) {
		select {
		case <-gate:
		case <-ctx.Done():
			return
		}
		s.runTask(ctx, taskID, reqID, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch %s message: %w", msg.MsgType, err)
	}
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }, nil
}

func (s *Server) runTask(ctx context.Context, taskID, reqID string, msg *message.Inbound) {
	logger := s.logger.With(slog.String("task_id", taskID), slog.String("request_id", reqID))
	tr := events.Transition{RequestID: reqID, TaskID: taskID, MsgID: msg.MsgID, MsgType: msg.MsgType}
	s.deps.Hub.Publish(events.StateDispatched, tr)

	out := s.invoke(ctx, msg, logger)

	if err := s.deliver(ctx, out, logger); err != nil {
		tr.Reason = err.Error()
		s.deps.Hub.Publish(events.StateFailed, tr)
		return
	}
	s.deps.Hub.Publish(events.StateReplied, tr)
}

type backendResult struct {
	text string
	err  error
}

// invoke calls the backend for msg and maps failures to fallback texts.
// BackendTimeout is enforced here even when the backend ignores ctx.
func (s *Server) invoke(ctx context.Context, msg *message.Inbound, logger *slog.Logger) reply {
	ctx, cancel := context.WithTimeout(ctx, s.config.BackendTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan backendResult, 1)
	go func() {
		var res backendResult
		defer func() {
			if r := recover(); r != nil {
				res = backendResult{err: fmt.Errorf("backend panicked: %v", r)}
			}
			done <- res
		}()
		switch msg.MsgType {
		case message.TypeImage:
			res.text, res.err = s.invokeImage(ctx, msg, logger)
		default:
			res.text, res.err = s.deps.Backend.Invoke(ctx, msg.Content, msg.FromUserName)
		}
	}()

	var res backendResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	elapsed := time.Since(start)

	text, err := res.text, res.err
	if err != nil && !errors.Is(err, backend.ErrTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", backend.ErrTimeout, err)
	}

	out := reply{toUser: msg.FromUserName, text: text}
	switch {
	case err == nil:
		metrics.ObserveBackend(metrics.BackendOK, elapsed)
		logger.Info("backend replied", "reply_len", len(text), "duration_ms", elapsed.Milliseconds())
		return out
	case errors.Is(err, backend.ErrTimeout):
		metrics.ObserveBackend(metrics.BackendTimeout, elapsed)
		out.text = s.config.Fallback.Timeout
	case errors.Is(err, backend.ErrNoReply):
		metrics.ObserveBackend(metrics.BackendEmpty, elapsed)
		out.text = s.config.Fallback.Empty
	default:
		metrics.ObserveBackend(metrics.BackendError, elapsed)
		out.text = s.config.Fallback.Unavailable
	}

	logger.Warn("backend failed, sending fallback", "error", err, "duration_ms", elapsed.Milliseconds())
	out.fallback = true
	return out
}

func (s *Server) invokeImage(ctx context.Context, msg *message.Inbound, logger *slog.Logger) (string, error) {
	vision := s.deps.Backend.(backend.VisionBackend)

	var (
		data     []byte
		mimeType string
		err      error
	)
	if msg.MediaID != "" {
		data, mimeType, err = s.deps.Platform.FetchMedia(ctx, msg.MediaID)
	} else {
		data, mimeType, err = s.deps.Platform.FetchURL(ctx, msg.PicURL)
	}
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}

	text, err := vision.InvokeImage(ctx, data, mimeType, msg.FromUserName)
	if err != nil {
		return "", err
	}

	if rec, ok := s.deps.Backend.(backend.HistoryRecorder); ok {
		if err := rec.Record(ctx, msg.FromUserName, "[image] "+text); err != nil {
			logger.Warn("failed to record image exchange", "error", err)
		}
	}
	return text, nil
}

// deliver sends out once. If that fails it makes one attempt with the
// failure fallback before giving up.
func (s *Server) deliver(ctx context.Context, out reply, logger *slog.Logger) error {
	err := s.deps.Platform.SendText(ctx, out.toUser, out.text)
	if err == nil {
		if out.fallback {
			metrics.Reply(metrics.ReplyFallback)
		} else {
			metrics.Reply(metrics.ReplySent)
		}
		logger.Info("reply sent", "to", out.toUser, "fallback", out.fallback)
		return nil
	}
	logger.Warn("reply send failed", "to", out.toUser, "error", err)

	if s.config.Fallback.Failure != "" && out.text != s.config.Fallback.Failure {
		ferr := s.deps.Platform.SendText(ctx, out.toUser, s.config.Fallback.Failure)
		if ferr == nil {
			metrics.Reply(metrics.ReplyFallback)
			logger.Info("failure notice sent", "to", out.toUser)
			return nil
		}
		err = ferr
	}

	derr := &wecom.DeliveryError{ToUser: out.toUser, Err: err}
	metrics.Reply(metrics.ReplyFailed)
	logger.Error("reply abandoned", "error", derr)
	return derr
}
