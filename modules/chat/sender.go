package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ex-notebot/pkg/notebot"
)

const (
	pipelineReply = "reply"
	pipelineAuto  = "auto"
)

// Sender posts bot utterances and records successful ones in the interactive memory.
type Sender struct {
	dispatcher  notebot.NoteDispatcher
	memory      notebot.MemoryBuffer
	botUsername string
	logger      *slog.Logger
	metrics     notebot.MetricsRecorder
}

// NewSender creates a memory-aware note sender.
func NewSender(
	dispatcher notebot.NoteDispatcher,
	memory notebot.MemoryBuffer,
	botUsername string,
	logger *slog.Logger,
	metrics notebot.MetricsRecorder,
) (*Sender, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("new note sender: nil dispatcher")
	}
	if memory == nil {
		return nil, fmt.Errorf("new note sender: nil memory")
	}
	if strings.TrimSpace(botUsername) == "" {
		return nil, fmt.Errorf("new note sender: empty bot username")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = notebot.NopMetrics{}
	}

	return &Sender{
		dispatcher:  dispatcher,
		memory:      memory,
		botUsername: strings.TrimSpace(botUsername),
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// PostNew creates a top-level note in the configured channel.
func (s *Sender) PostNew(ctx context.Context, text string) error {
	return s.post(ctx, pipelineAuto, notebot.CreateNoteRequest{Text: text})
}

// PostReply answers replyToID, restricted to specified recipients when direct is set.
func (s *Sender) PostReply(ctx context.Context, text string, replyToID string, direct bool) error {
	visibility := notebot.VisibilityHome
	if direct {
		visibility = notebot.VisibilitySpecified
	}

	return s.post(ctx, pipelineReply, notebot.CreateNoteRequest{
		Text:       text,
		ReplyID:    replyToID,
		Visibility: visibility,
	})
}

func (s *Sender) post(ctx context.Context, pipeline string, request notebot.CreateNoteRequest) error {
	logger := notebot.PipelineLogger(ctx, s.logger)

	created, err := s.dispatcher.CreateNote(ctx, request)
	if err != nil {
		s.metrics.ObserveNote(pipeline, false)
		attrs := []any{"pipeline", pipeline, "reply_id", request.ReplyID, "error", err}
		if outboundErr, ok := notebot.AsOutboundError(err); ok {
			attrs = append(attrs, "kind", outboundErr.Kind, "status", outboundErr.Status, "retryable", outboundErr.Retryable())
		}
		logger.Error("note send failed", attrs...)

		return fmt.Errorf("post %s note: %w", pipeline, err)
	}

	s.metrics.ObserveNote(pipeline, true)
	s.memory.Append(s.botUsername, request.Text)

	noteID := ""
	if created != nil {
		noteID = created.ID
	}
	logger.Info("note sent",
		"pipeline", pipeline,
		"note_id", noteID,
		"reply_id", request.ReplyID,
		"visibility", request.Visibility,
	)

	return nil
}

var _ notebot.NoteSender = (*Sender)(nil)
