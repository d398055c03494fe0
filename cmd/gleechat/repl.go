// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/rs/zerolog"

	"github.com/jeranaias/glee-engine/internal/config"
	"github.com/jeranaias/glee-engine/internal/engine"
	"github.com/jeranaias/glee-engine/internal/model"
	"github.com/jeranaias/glee-engine/internal/session"
	"github.com/jeranaias/glee-engine/internal/storage"
	"github.com/jeranaias/glee-engine/internal/util"
)

const previewLen = 60

// repl is the interactive prompt loop. It drives the engine, streams tokens
// to the terminal and handles branch navigation commands.
type repl struct {
	engine *engine.Engine
	db     *storage.Store
	cfg    *config.Config
	log    zerolog.Logger

	line        *liner.State
	historyFile string

	conv *model.Conversation
	char *model.Character

	events chan session.Event
	sub    *session.Subscription
	sig    chan os.Signal
}

func newREPL(eng *engine.Engine, db *storage.Store, cfg *config.Config, log zerolog.Logger) (*repl, error) {
	r := &repl{
		engine: eng,
		db:     db,
		cfg:    cfg,
		log:    log.With().Str("component", "repl").Logger(),
		line:   liner.NewLiner(),
		events: make(chan session.Event, 1024),
		sig:    make(chan os.Signal, 1),
	}
	r.line.SetCtrlCAborts(true)
	r.sub = eng.Subscribe(func(ev session.Event) { r.events <- ev })

	if dir, err := config.ConfigDir(); err == nil {
		r.historyFile = filepath.Join(dir, "history")
		if f, err := os.Open(r.historyFile); err == nil {
			r.line.ReadHistory(f)
			f.Close()
		}
	}

	if err := r.bootstrapCharacter(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// bootstrapCharacter makes sure at least one character exists and picks the
// first one as the session's character.
func (r *repl) bootstrapCharacter() error {
	chars, err := r.db.ListCharacters()
	if err != nil {
		return err
	}
	if len(chars) == 0 {
		c := model.NewCharacter("Assistant")
		c.Description = "A helpful conversational assistant."
		if err := r.db.SaveCharacter(c); err != nil {
			return err
		}
		chars = append(chars, c)
	}
	r.char = chars[0]
	return nil
}

// Close saves input history and releases the terminal.
func (r *repl) Close() {
	if r.historyFile != "" {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.sub.Cancel()
	r.line.Close()
}

// Run is the main prompt loop. Returns nil on a clean exit.
func (r *repl) Run(ctx context.Context) error {
	signal.Notify(r.sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(r.sig)

	fmt.Println("glee - type a message, /help for commands, /quit to exit")
	fmt.Printf("Character: %s\n\n", r.char.Name)

	for {
		input, err := r.line.Prompt("you> ")
		if err != nil {
			// Ctrl+C at the prompt or EOF both end the session.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := r.dispatch(ctx, input)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.send(ctx, input); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

// =============================================================================
// GENERATION
// =============================================================================

// send appends the user message and streams the reply to the terminal.
func (r *repl) send(ctx context.Context, text string) error {
	if r.conv == nil {
		conv, err := r.engine.NewConversation(r.char.ID, "")
		if err != nil {
			return err
		}
		r.conv = conv
	}

	if _, err := r.engine.Send(ctx, r.conv.ID, text); err != nil {
		if errors.Is(err, session.ErrConflict) {
			return fmt.Errorf("a generation is already running, /cancel it first")
		}
		return err
	}
	return r.stream(ctx)
}

// stream consumes generation events until the terminal one, printing tokens
// as they arrive. Ctrl+C requests cancellation; the partial reply is kept.
func (r *repl) stream(ctx context.Context) error {
	fmt.Printf("%s> ", r.char.Name)
	for {
		select {
		case ev := <-r.events:
			if ev.ConversationID != r.conv.ID {
				continue
			}
			switch ev.Type {
			case session.EventToken:
				fmt.Print(ev.Content)
			case session.EventCompleted:
				fmt.Print("\n\n")
				return nil
			case session.EventCancelled:
				fmt.Print("\n[cancelled]\n\n")
				return nil
			case session.EventErrored:
				fmt.Print("\n[failed]\n\n")
				return ev.Err
			}

		case <-r.sig:
			r.engine.CancelGeneration(r.conv.ID)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// dispatch runs one slash command. Returns true when the session should end.
func (r *repl) dispatch(ctx context.Context, input string) (bool, error) {
	parts := strings.Fields(input)
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "/help", "/h", "/?":
		printHelp()
		return false, nil

	case "/quit", "/q", "/exit":
		return true, nil

	case "/new":
		conv, err := r.engine.NewConversation(r.char.ID, strings.Join(args, " "))
		if err != nil {
			return false, err
		}
		r.conv = conv
		r.printGreeting()
		return false, nil

	case "/list":
		return false, r.listConversations()

	case "/open":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /open <number>")
		}
		return false, r.openConversation(args[0])

	case "/branches", "/b":
		return false, r.showBranches()

	case "/prev":
		return false, r.step(func(id string) (bool, error) { return r.engine.PrevSibling(id) })

	case "/next":
		return false, r.step(func(id string) (bool, error) { return r.engine.NextSibling(id) })

	case "/switch":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /switch <number>")
		}
		return false, r.switchBranch(args[0])

	case "/regen", "/r":
		return false, r.regenerate(ctx)

	case "/edit":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /edit <new message text>")
		}
		return false, r.editLastUserMessage(ctx, strings.Join(args, " "))

	case "/delete":
		return false, r.deleteLeaf()

	case "/cancel":
		if r.conv != nil {
			r.engine.CancelGeneration(r.conv.ID)
		}
		return false, nil

	case "/export":
		format := "markdown"
		if len(args) > 0 {
			format = args[0]
		}
		return false, r.export(format)

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

func printHelp() {
	fmt.Print(`
  /new [title]      start a new conversation
  /list             list conversations
  /open <n>         open conversation n from /list
  /branches         show alternatives at the current position
  /prev, /next      step between sibling branches
  /switch <n>       jump to sibling n from /branches
  /regen            regenerate the last reply as a new sibling
  /edit <text>      reword your last message as a new branch and regenerate
  /delete           delete the last message of the active branch
  /cancel           stop the running generation (partial reply is kept)
  /export [md|json] write the active branch to a file
  /quit             exit

  Ctrl+C during generation cancels it.

`)
}

func (r *repl) printGreeting() {
	path := r.engine.ActivePath(r.conv.ID)
	if len(path) > 0 && path[0].Role == model.RoleAssistant {
		fmt.Printf("\n%s> %s\n\n", r.char.Name, path[0].Content)
	}
}

func (r *repl) listConversations() error {
	convs, err := r.engine.Conversations()
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("no conversations yet")
		return nil
	}
	for i, c := range convs {
		marker := " "
		if r.conv != nil && c.ID == r.conv.ID {
			marker = "*"
		}
		fmt.Printf("%s %2d. %s (%s)\n", marker, i+1,
			util.TruncateRunes(c.GetTitle(), previewLen),
			c.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func (r *repl) openConversation(arg string) error {
	convs, err := r.engine.Conversations()
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(convs) {
		return fmt.Errorf("no conversation %q, see /list", arg)
	}

	conv, err := r.engine.Open(convs[n-1].ID)
	if err != nil {
		return err
	}
	r.conv = conv
	if char, err := r.db.GetCharacter(conv.CharacterID); err == nil {
		r.char = char
	}

	fmt.Printf("opened %q\n", conv.GetTitle())
	for _, msg := range r.engine.ActivePath(conv.ID) {
		fmt.Printf("%s> %s\n", r.speakerOf(msg), msg.Preview(previewLen))
	}
	fmt.Println()
	return nil
}

// activeLeaf returns the end of the active branch.
func (r *repl) activeLeaf() (*model.Message, error) {
	if r.conv == nil {
		return nil, fmt.Errorf("no conversation open, send a message or /open one")
	}
	path := r.engine.ActivePath(r.conv.ID)
	if len(path) == 0 {
		return nil, fmt.Errorf("conversation is empty")
	}
	return path[len(path)-1], nil
}

func (r *repl) showBranches() error {
	leaf, err := r.activeLeaf()
	if err != nil {
		return err
	}
	siblings, err := r.engine.Siblings(leaf.ID)
	if err != nil {
		return err
	}
	for i, s := range siblings {
		marker := " "
		if s.ID == leaf.ID {
			marker = "*"
		}
		fmt.Printf("%s %d. %s\n", marker, i+1, s.Preview(previewLen))
	}
	return nil
}

func (r *repl) step(move func(string) (bool, error)) error {
	leaf, err := r.activeLeaf()
	if err != nil {
		return err
	}
	moved, err := move(leaf.ID)
	if err != nil {
		return err
	}
	if !moved {
		fmt.Println("no more branches in that direction")
		return nil
	}
	current, err := r.activeLeaf()
	if err != nil {
		return err
	}
	fmt.Printf("%s> %s\n", r.speakerOf(current), current.Content)
	return nil
}

func (r *repl) switchBranch(arg string) error {
	leaf, err := r.activeLeaf()
	if err != nil {
		return err
	}
	siblings, err := r.engine.Siblings(leaf.ID)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(siblings) {
		return fmt.Errorf("no branch %q, see /branches", arg)
	}
	if err := r.engine.SwitchBranch(siblings[n-1].ID); err != nil {
		return err
	}
	current, err := r.activeLeaf()
	if err != nil {
		return err
	}
	fmt.Printf("%s> %s\n", r.speakerOf(current), current.Content)
	return nil
}

func (r *repl) regenerate(ctx context.Context) error {
	leaf, err := r.activeLeaf()
	if err != nil {
		return err
	}
	if leaf.Role != model.RoleAssistant {
		return fmt.Errorf("the active branch does not end with a reply")
	}
	if _, err := r.engine.Regenerate(ctx, leaf.ID); err != nil {
		return err
	}
	return r.stream(ctx)
}

// editLastUserMessage branches the conversation at the most recent user turn
// and regenerates from the reworded message.
func (r *repl) editLastUserMessage(ctx context.Context, text string) error {
	if r.conv == nil {
		return fmt.Errorf("no conversation open")
	}
	path := r.engine.ActivePath(r.conv.ID)
	var target *model.Message
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == model.RoleUser {
			target = path[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no user message to edit")
	}
	if _, err := r.engine.Edit(target.ID, text); err != nil {
		return err
	}
	if _, err := r.engine.Continue(ctx, r.conv.ID); err != nil {
		return err
	}
	return r.stream(ctx)
}

func (r *repl) deleteLeaf() error {
	leaf, err := r.activeLeaf()
	if err != nil {
		return err
	}
	if err := r.engine.DeleteMessage(leaf.ID); err != nil {
		return err
	}
	fmt.Println("deleted")
	return nil
}

func (r *repl) export(format string) error {
	if r.conv == nil {
		return fmt.Errorf("no conversation open")
	}
	switch format {
	case "md":
		format = "markdown"
	case "markdown", "json":
	default:
		return fmt.Errorf("unknown format %q (markdown or json)", format)
	}
	path, err := r.engine.Export(r.conv.ID, format, ".")
	if err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

func (r *repl) speakerOf(msg *model.Message) string {
	if msg.AuthorName != "" {
		return msg.AuthorName
	}
	return msg.Role.DisplayName()
}
