package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/whisper/workchat/internal/chat"
	"github.com/whisper/workchat/internal/outbound"
	"github.com/whisper/workchat/internal/reconcile"
	"github.com/whisper/workchat/internal/transport"
)

// directory is the part of the REST API the console queries directly.
type directory interface {
	SearchMessages(ctx context.Context, query, conversationID string) ([]chat.Message, error)
	Employees(ctx context.Context) ([]chat.User, error)
}

type archiveSearcher interface {
	Search(ctx context.Context, query, conversationID string, limit int) ([]chat.Message, error)
}

var (
	errQuit         = errors.New("quit")
	errNoActive     = errors.New("no open conversation, use: open <conversation>")
	errUsage        = errors.New("usage")
	errUnknownInput = errors.New("unknown command, try: help")
)

// console drives the engine from line commands.
type console struct {
	engine  *reconcile.Engine
	facade  *outbound.Facade
	convs   *outbound.Conversations
	api     directory
	archive archiveSearcher // nil when the archive is disabled
	status  func() transport.Status
	out     io.Writer
}

const helpText = `commands:
  list | archived                 conversation lists
  open <conv> | close             select the conversation to read and write
  show | older                    print the open thread, load an older page
  send <text>                     send to the open conversation
  reply <msg> <text>
  edit <msg> <text>
  delete <msg> | unsend <msg>     delete for me, delete for everyone
  react <msg> <emoji>
  pin <msg> | unpin <msg>
  read | typing | idle
  upload <path> [caption]
  search <query>                  archive when enabled, REST otherwise
  online | employees | status | flush
  dm <user> | group <name> <user,user...>
  archive <conv> | unarchive <conv> | rm <conv> | leave <conv>
  add <conv> <user,user...> | kick <conv> <user> | promote <conv> <user>
  quit`

// run executes commands from in until it is exhausted or ctx ends. It
// reports whether the user asked to quit; running out of input is not a
// request to stop.
func (c *console) run(ctx context.Context, in io.Reader) bool {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		err := c.exec(ctx, sc.Text())
		if errors.Is(err, errQuit) {
			return true
		}
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd, rest := cut(strings.TrimSpace(line))
	switch cmd {
	case "":
		return nil
	case "help":
		fmt.Fprintln(c.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "status":
		fmt.Fprintln(c.out, c.status())
		return nil
	case "list":
		c.printConversations(c.engine.Conversations().Active())
		return nil
	case "archived":
		c.printConversations(c.engine.Conversations().Archived())
		return nil
	case "open":
		if rest == "" {
			return fmt.Errorf("%w: open <conv>", errUsage)
		}
		if err := c.engine.OpenConversation(ctx, rest); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "opened %s\n", rest)
		return nil
	case "close":
		c.engine.CloseConversation()
		return nil
	case "show":
		id := rest
		if id == "" {
			id = c.engine.Conversations().ActiveID()
		}
		if id == "" {
			return errNoActive
		}
		c.printThread(id)
		return nil
	case "older":
		id, err := c.active()
		if err != nil {
			return err
		}
		n, err := c.engine.LoadOlder(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "loaded %d older messages\n", n)
		return nil
	case "send":
		return c.send(ctx, rest, "")
	case "reply":
		msgID, text := cut(rest)
		if msgID == "" || text == "" {
			return fmt.Errorf("%w: reply <msg> <text>", errUsage)
		}
		return c.send(ctx, text, msgID)
	case "edit":
		msgID, text := cut(rest)
		if msgID == "" || text == "" {
			return fmt.Errorf("%w: edit <msg> <text>", errUsage)
		}
		return c.facade.Edit(ctx, msgID, text)
	case "delete":
		return c.withMessage(rest, func(id string) error { return c.facade.DeleteForMe(ctx, id) })
	case "unsend":
		return c.withMessage(rest, func(id string) error { return c.facade.DeleteForEveryone(ctx, id) })
	case "react":
		msgID, emoji := cut(rest)
		if msgID == "" || emoji == "" {
			return fmt.Errorf("%w: react <msg> <emoji>", errUsage)
		}
		return c.facade.React(ctx, msgID, emoji)
	case "pin", "unpin":
		pinned := cmd == "pin"
		return c.withMessage(rest, func(id string) error { return c.facade.Pin(ctx, id, pinned) })
	case "read":
		id, err := c.active()
		if err != nil {
			return err
		}
		return c.facade.MarkRead(ctx, id)
	case "typing", "idle":
		id, err := c.active()
		if err != nil {
			return err
		}
		if cmd == "typing" {
			return c.facade.StartTyping(id)
		}
		return c.facade.StopTyping(id)
	case "upload":
		return c.upload(ctx, rest)
	case "search":
		return c.search(ctx, rest)
	case "online":
		online := c.engine.Presence().Online()
		sort.Strings(online)
		fmt.Fprintf(c.out, "online: %s\n", strings.Join(online, ", "))
		return nil
	case "employees":
		users, err := c.api.Employees(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Fprintf(c.out, "%s\t%s\n", u.ID, u.Name)
		}
		return nil
	case "flush":
		n, err := c.facade.FlushOutbox(ctx)
		fmt.Fprintf(c.out, "flushed %d\n", n)
		return err
	case "dm":
		if rest == "" {
			return fmt.Errorf("%w: dm <user>", errUsage)
		}
		conv, err := c.convs.CreateDirect(ctx, rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "conversation %s\n", conv.ID)
		return nil
	case "group":
		name, members := cut(rest)
		if name == "" || members == "" {
			return fmt.Errorf("%w: group <name> <user,user...>", errUsage)
		}
		conv, err := c.convs.CreateGroup(ctx, name, splitList(members))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "group %s\n", conv.ID)
		return nil
	case "archive", "unarchive":
		archived := cmd == "archive"
		return c.withConversation(rest, func(id string) error { return c.convs.SetArchived(ctx, id, archived) })
	case "rm":
		return c.withConversation(rest, func(id string) error { return c.convs.Delete(ctx, id) })
	case "leave":
		return c.withConversation(rest, func(id string) error { return c.convs.Leave(ctx, id) })
	case "add":
		conv, users := cut(rest)
		if conv == "" || users == "" {
			return fmt.Errorf("%w: add <conv> <user,user...>", errUsage)
		}
		return c.convs.AddMembers(ctx, conv, splitList(users))
	case "kick", "promote":
		conv, user := cut(rest)
		if conv == "" || user == "" {
			return fmt.Errorf("%w: %s <conv> <user>", errUsage, cmd)
		}
		if cmd == "kick" {
			return c.convs.RemoveMember(ctx, conv, user)
		}
		return c.convs.PromoteAdmin(ctx, conv, user)
	}
	return errUnknownInput
}

func (c *console) active() (string, error) {
	id := c.engine.Conversations().ActiveID()
	if id == "" {
		return "", errNoActive
	}
	return id, nil
}

func (c *console) send(ctx context.Context, text, replyTo string) error {
	id, err := c.active()
	if err != nil {
		return err
	}
	res, err := c.facade.Send(ctx, id, text, chat.TypeText, replyTo)
	if err != nil {
		return err
	}
	c.printSendResult(res)
	return nil
}

func (c *console) upload(ctx context.Context, rest string) error {
	id, err := c.active()
	if err != nil {
		return err
	}
	path, caption := cut(rest)
	if path == "" {
		return fmt.Errorf("%w: upload <path> [caption]", errUsage)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	res, err := c.facade.UploadThenSend(ctx, id, filepath.Base(path), f, caption)
	if err != nil {
		return err
	}
	c.printSendResult(res)
	return nil
}

func (c *console) search(ctx context.Context, query string) error {
	if query == "" {
		return fmt.Errorf("%w: search <query>", errUsage)
	}
	conv := c.engine.Conversations().ActiveID()
	var (
		results []chat.Message
		err     error
	)
	if c.archive != nil {
		results, err = c.archive.Search(ctx, query, conv, 0)
	} else {
		results, err = c.api.SearchMessages(ctx, query, conv)
	}
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(c.out, "no matches")
		return nil
	}
	for _, m := range results {
		c.printMessage(m)
	}
	return nil
}

func (c *console) withMessage(id string, fn func(string) error) error {
	if id == "" {
		return fmt.Errorf("%w: <msg> required", errUsage)
	}
	return fn(id)
}

func (c *console) withConversation(id string, fn func(string) error) error {
	if id == "" {
		return fmt.Errorf("%w: <conv> required", errUsage)
	}
	return fn(id)
}

func (c *console) printSendResult(res outbound.SendResult) {
	if res.Queued {
		fmt.Fprintf(c.out, "queued %s\n", res.ClientID)
		return
	}
	fmt.Fprintf(c.out, "sent %s\n", res.MessageID)
}

func (c *console) printConversations(list []chat.Conversation) {
	if len(list) == 0 {
		fmt.Fprintln(c.out, "(none)")
		return
	}
	active := c.engine.Conversations().ActiveID()
	for i := range list {
		conv := &list[i]
		marker := " "
		if conv.ID == active {
			marker = "*"
		}
		preview := ""
		if conv.LastMessage != nil {
			preview = conv.LastMessage.Content
		}
		fmt.Fprintf(c.out, "%s %s\t%s\tunread=%d\t%s\n", marker, conv.ID, conv.Title(), conv.Unread, preview)
	}
}

func (c *console) printThread(conversationID string) {
	thread := c.engine.Messages().Thread(conversationID)
	if len(thread) == 0 {
		fmt.Fprintln(c.out, "(no messages)")
	}
	for _, m := range thread {
		c.printMessage(m)
	}
	if typing := c.engine.Presence().Typing(conversationID); len(typing) > 0 {
		fmt.Fprintf(c.out, "typing: %s\n", strings.Join(typing, ", "))
	}
}

func (c *console) printMessage(m chat.Message) {
	var flags []string
	if m.Edited {
		flags = append(flags, "edited")
	}
	if m.Pinned {
		flags = append(flags, "pinned")
	}
	if m.Status != "" {
		flags = append(flags, string(m.Status))
	}
	var reactions []string
	for emoji, n := range m.ReactionCounts {
		reactions = append(reactions, fmt.Sprintf("%s%d", emoji, n))
	}
	sort.Strings(reactions)
	flags = append(flags, reactions...)

	sender := m.Sender.Name
	if sender == "" {
		sender = m.Sender.ID
	}
	content := m.Content
	if content == "" && len(m.Attachments) > 0 {
		content = "[" + m.Attachments[0].Name + "]"
	}
	line := fmt.Sprintf("%s %s %s: %s", m.CreatedAt.Local().Format("15:04"), m.ID, sender, content)
	if len(flags) > 0 {
		line += " (" + strings.Join(flags, ", ") + ")"
	}
	fmt.Fprintln(c.out, line)
}

// cut splits off the first whitespace-separated word.
func cut(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}
