package misskey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ex-notebot/pkg/notebot"

	"github.com/tidwall/gjson"
)

const (
	notesCreatePath     = "/api/notes/create"
	maxErrorBodyBytes   = 64 << 10
	maxCreatedBodyBytes = 1 << 20
)

type notesConfig struct {
	channelID  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NotesOption mutates NotesClient configuration.
type NotesOption func(*notesConfig)

// WithNotesTimeout bounds one create request.
func WithNotesTimeout(timeout time.Duration) NotesOption {
	return func(cfg *notesConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithDefaultChannel posts requests without an explicit channel into channelID.
func WithDefaultChannel(channelID string) NotesOption {
	return func(cfg *notesConfig) {
		cfg.channelID = strings.TrimSpace(channelID)
	}
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) NotesOption {
	return func(cfg *notesConfig) {
		if client != nil {
			cfg.httpClient = client
		}
	}
}

// WithNotesLogger configures structured logging for API failures.
func WithNotesLogger(logger *slog.Logger) NotesOption {
	return func(cfg *notesConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// NotesClient creates notes through the HTTP API.
type NotesClient struct {
	cfg      notesConfig
	endpoint string
	token    string
}

// NewNotesClient creates a note dispatcher bound to one account.
func NewNotesClient(baseURL string, token string, options ...NotesOption) (*NotesClient, error) {
	trimmedBase := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if err := validateOrigin("base_url", trimmedBase, "http", "https"); err != nil {
		return nil, fmt.Errorf("new misskey notes client: %w", err)
	}
	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return nil, fmt.Errorf("new misskey notes client: missing token")
	}

	cfg := notesConfig{
		timeout:    defaultRequestTimeout,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(&cfg)
	}

	return &NotesClient{
		cfg:      cfg,
		endpoint: trimmedBase + notesCreatePath,
		token:    trimmedToken,
	}, nil
}

type createNoteBody struct {
	ChannelID  string             `json:"channelId,omitempty"`
	Text       string             `json:"text"`
	ReplyID    string             `json:"replyId,omitempty"`
	Visibility notebot.Visibility `json:"visibility,omitempty"`
}

// CreateNote publishes one note and returns the platform acknowledgement.
func (c *NotesClient) CreateNote(
	ctx context.Context,
	request notebot.CreateNoteRequest,
) (*notebot.CreatedNote, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}

	channelID := request.ChannelID
	if channelID == "" {
		channelID = c.cfg.channelID
	}

	payload, err := json.Marshal(createNoteBody{
		ChannelID:  channelID,
		Text:       request.Text,
		ReplyID:    request.ReplyID,
		Visibility: request.Visibility,
	})
	if err != nil {
		return nil, fmt.Errorf("create note marshal: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create note build request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+c.token)

	response, err := c.cfg.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("create note: %w", mapTransportError(err))
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		outboundErr := mapStatusError(response.StatusCode, response.Header.Get("Retry-After"), body)
		c.cfg.logger.Debug("misskey create note rejected",
			"status", response.StatusCode,
			"code", outboundErr.Code,
			"kind", outboundErr.Kind,
		)

		return nil, fmt.Errorf("create note: %w", outboundErr)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxCreatedBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create note read response: %w", mapTransportError(err))
	}

	created := &notebot.CreatedNote{
		ID:         gjson.GetBytes(body, "createdNote.id").String(),
		Visibility: notebot.Visibility(gjson.GetBytes(body, "createdNote.visibility").String()),
	}
	if created.Visibility == "" {
		created.Visibility = request.Visibility
	}

	return created, nil
}

func mapTransportError(err error) *notebot.OutboundError {
	kind := notebot.OutboundErrorKindUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = notebot.OutboundErrorKindTemporary
	}

	return &notebot.OutboundError{
		Kind:  kind,
		Cause: err,
	}
}

func mapStatusError(status int, retryAfter string, body []byte) *notebot.OutboundError {
	outboundErr := &notebot.OutboundError{
		Kind:    classifyStatus(status),
		Status:  status,
		Code:    gjson.GetBytes(body, "error.code").String(),
		Message: gjson.GetBytes(body, "error.message").String(),
		Cause:   fmt.Errorf("http %d", status),
	}
	if strings.EqualFold(outboundErr.Code, "RATE_LIMIT_EXCEEDED") {
		outboundErr.Kind = notebot.OutboundErrorKindRateLimited
	}
	if outboundErr.Kind == notebot.OutboundErrorKindRateLimited {
		outboundErr.RetryAfter = parseRetryAfter(retryAfter)
	}

	return outboundErr
}

func classifyStatus(status int) notebot.OutboundErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return notebot.OutboundErrorKindRateLimited
	case status >= 500:
		return notebot.OutboundErrorKindTemporary
	case status >= 400:
		return notebot.OutboundErrorKindPermanent
	default:
		return notebot.OutboundErrorKindUnknown
	}
}

func parseRetryAfter(raw string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

var _ notebot.NoteDispatcher = (*NotesClient)(nil)
