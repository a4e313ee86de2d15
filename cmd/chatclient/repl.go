package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"tradechat/internal/chatclient"
	"tradechat/internal/models"
)

// conversation is the part of *chatclient.Client the prompt drives.
type conversation interface {
	Open(ctx context.Context) (*models.Session, error)
	SubmitUserTurn(ctx context.Context, text string) (chatclient.Turn, error)
	SubmitSuggestedAction(ctx context.Context, actionText, metadata string) (chatclient.Turn, error)
	UpdateStatus(ctx context.Context, status models.SessionStatus, payload *string) (*models.Session, error)
	LoadExisting(ctx context.Context, sessionID int64) (*models.Session, error)
	LatestMessage(ctx context.Context) (*models.Message, error)
	Clear(ctx context.Context)
	AcknowledgeError()
	Profile() chatclient.Profile
	SetProfile(p chatclient.Profile)
	State() chatclient.State
	Subscribe() (<-chan chatclient.State, func())
}

const helpText = `commands:
  <text>                  send a message
  /action <text> [| meta] send a suggested action with optional metadata
  /data <json>            replace the session data
  /close                  close the conversation
  /load <id>              switch to an existing session
  /latest                 show the newest message on the server
  /new                    forget the current session
  /purpose <tag>          clear the session and switch conversation purpose
  /ack                    dismiss the last error
  /quit                   leave`

type repl struct {
	conv conversation
	in   io.Reader

	mu  sync.Mutex
	out io.Writer
	// rendering state
	sessionID int64
	printed   map[int64]bool
	loading   bool
	lastErr   error
}

func newREPL(conv conversation, in io.Reader, out io.Writer) *repl {
	return &repl{conv: conv, in: in, out: out, printed: make(map[int64]bool)}
}

func (r *repl) run(ctx context.Context) error {
	updates, cancel := r.conv.Subscribe()
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		for state := range updates {
			r.render(state)
		}
	}()
	defer func() {
		cancel()
		<-renderDone
	}()

	if _, err := r.conv.Open(ctx); err != nil {
		r.printf("! could not open a conversation: %v\n", err)
	}
	r.render(r.conv.State())
	r.printf("%s\n", helpText)

	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		_, err := r.conv.SubmitUserTurn(ctx, line)
		r.report(err)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s\n", helpText)
	case "/action":
		text, meta, _ := strings.Cut(arg, "|")
		_, err := r.conv.SubmitSuggestedAction(ctx, strings.TrimSpace(text), strings.TrimSpace(meta))
		r.report(err)
	case "/data":
		if arg == "" {
			r.printf("usage: /data <json>\n")
			return false
		}
		_, err := r.conv.UpdateStatus(ctx, "", &arg)
		r.report(err)
	case "/close":
		_, err := r.conv.UpdateStatus(ctx, models.StatusClosed, nil)
		r.report(err)
	case "/load":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			r.printf("usage: /load <session id>\n")
			return false
		}
		_, err = r.conv.LoadExisting(ctx, id)
		r.report(err)
	case "/latest":
		msg, err := r.conv.LatestMessage(ctx)
		switch {
		case err != nil:
			r.report(err)
		case msg == nil:
			r.printf("(no messages yet)\n")
		default:
			r.printf("latest: %s\n", formatMessage(msg))
		}
	case "/new":
		r.conv.Clear(ctx)
		r.printf("session cleared, the next message starts a new one\n")
	case "/purpose":
		purpose := models.Purpose(strings.ToUpper(arg))
		if !purpose.Valid() {
			r.printf("usage: /purpose <tag>, e.g. %s\n", models.PurposeBuyerPurchaseInquiry)
			return false
		}
		r.conv.Clear(ctx)
		p := r.conv.Profile()
		p.Purpose = purpose
		r.conv.SetProfile(p)
		r.printf("purpose set to %s, the next message starts a new session\n", purpose)
	case "/ack":
		r.conv.AcknowledgeError()
	default:
		r.printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

// report prints errors the state does not already carry.
func (r *repl) report(err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, chatclient.ErrBusy):
		r.printf("still waiting for the previous reply\n")
	case errors.Is(err, chatclient.ErrEmptyMessage):
		r.printf("nothing to send\n")
	case errors.Is(err, chatclient.ErrAbandoned):
	default:
		if last := r.conv.State().LastError; last != nil && errors.Is(last, err) {
			return
		}
		r.printf("! %v\n", err)
	}
}

// render prints what changed since the previous snapshot.
func (r *repl) render(state chatclient.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id int64
	if state.CurrentSession != nil {
		id = state.CurrentSession.ID
	}
	if id != r.sessionID {
		r.sessionID = id
		r.printed = make(map[int64]bool)
		if s := state.CurrentSession; s != nil {
			fmt.Fprintf(r.out, "-- session #%d (%s, %s, %s)\n", s.ID, s.Purpose, s.Language, s.Status)
		}
	}
	for _, m := range state.Messages {
		if m == nil || r.printed[m.ID] {
			continue
		}
		r.printed[m.ID] = true
		fmt.Fprintln(r.out, formatMessage(m))
	}
	if state.IsLoading && !r.loading {
		fmt.Fprintln(r.out, "... assistant is typing")
	}
	r.loading = state.IsLoading
	if state.LastError != nil && !errors.Is(state.LastError, r.lastErr) {
		fmt.Fprintf(r.out, "! %v\n", state.LastError)
	}
	r.lastErr = state.LastError
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func formatMessage(m *models.Message) string {
	who := "you"
	if m.Sender == models.RoleAssistant {
		who = "assistant"
	}
	switch m.Kind {
	case models.KindAction:
		return fmt.Sprintf("[%s > action] %s", who, m.Content)
	case models.KindSuggestions:
		return fmt.Sprintf("[%s > suggestions] %s", who, m.Content)
	default:
		return fmt.Sprintf("[%s] %s", who, m.Content)
	}
}
