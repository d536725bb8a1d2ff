package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fatal(fmt.Errorf("cannot connect to daemon for session %q: %w", sessionName, err))
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	out := &printer{json: *jsonFlag}
	method, req, render, err := parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		fatal(err)
	}
	out.print(resp, render)
}

// parse maps a command line to a control method, its arguments and a text
// renderer.
func parse(args []string) (string, map[string]any, func(map[string]any), error) {
	cmd, rest := args[0], args[1:]
	need := func(n int, usage string) error {
		if len(rest) < n {
			return fmt.Errorf("usage: chatctl %s", usage)
		}
		return nil
	}

	switch cmd {
	case "status":
		return api.MethodStatus, nil, renderStatus, nil
	case "connect":
		req := map[string]any{}
		if len(rest) > 0 {
			req["token"] = rest[0]
		}
		return api.MethodConnect, req, renderDone("connecting"), nil
	case "disconnect":
		return api.MethodDisconnect, nil, renderDone("disconnected"), nil
	case "chats":
		return api.MethodListChats, map[string]any{}, renderChats, nil
	case "open":
		if err := need(1, "open <chat-id>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodOpenChat, map[string]any{"chat_id": rest[0]}, renderTranscript, nil
	case "transcript":
		return api.MethodTranscript, nil, renderTranscript, nil
	case "older":
		return api.MethodLoadOlder, nil, renderDone("added"), nil
	case "search":
		fs := flag.NewFlagSet("search", flag.ExitOnError)
		chatID := fs.String("chat", "", "limit to one chat")
		_ = fs.Parse(rest)
		if fs.NArg() == 0 {
			return "", nil, nil, errors.New("usage: chatctl search [--chat <id>] <query>")
		}
		req := map[string]any{"query": strings.Join(fs.Args(), " "), "chat_id": *chatID}
		return api.MethodSearch, req, renderMessages, nil
	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		replyTo := fs.String("reply-to", "", "message id to reply to")
		wait := fs.Bool("wait", false, "wait for the server acknowledgment")
		_ = fs.Parse(rest)
		if fs.NArg() == 0 {
			return "", nil, nil, errors.New("usage: chatctl send [--reply-to <id>] [--wait] <text>")
		}
		req := map[string]any{"content": strings.Join(fs.Args(), " "), "reply_to": *replyTo, "wait": *wait}
		return api.MethodSend, req, renderSend, nil
	case "retry":
		if err := need(1, "retry <client-id>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodRetry, map[string]any{"client_id": rest[0]}, renderSend, nil
	case "cancel":
		if err := need(1, "cancel <client-id>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodCancelSend, map[string]any{"client_id": rest[0]}, renderDone("cancelled"), nil
	case "edit":
		if err := need(2, "edit <message-id> <text>"); err != nil {
			return "", nil, nil, err
		}
		req := map[string]any{"message_id": rest[0], "content": strings.Join(rest[1:], " ")}
		return api.MethodEdit, req, renderMessage, nil
	case "delete":
		if err := need(1, "delete <message-id>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodDelete, map[string]any{"message_id": rest[0]}, renderMessage, nil
	case "react", "unreact":
		if err := need(2, cmd+" <message-id> <emoji>"); err != nil {
			return "", nil, nil, err
		}
		req := map[string]any{"message_id": rest[0], "emoji": rest[1], "remove": cmd == "unreact"}
		return api.MethodReact, req, renderMessage, nil
	case "seen":
		if err := need(1, "seen <message-id>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodMarkVisible, map[string]any{"message_id": rest[0]}, renderDone("scheduled"), nil
	case "typing":
		if err := need(1, "typing <on|off>"); err != nil {
			return "", nil, nil, err
		}
		return api.MethodSetTyping, map[string]any{"typing": rest[0] == "on"}, renderDone("typing"), nil
	case "call":
		if err := need(1, "call <start|accept|decline|end>"); err != nil {
			return "", nil, nil, err
		}
		switch rest[0] {
		case "start":
			if len(rest) < 2 {
				return "", nil, nil, errors.New("usage: chatctl call start <participant> [audio|video]")
			}
			req := map[string]any{"participant": rest[1]}
			if len(rest) > 2 {
				req["type"] = strings.ToUpper(rest[2])
			}
			return api.MethodStartCall, req, renderCall, nil
		case "accept":
			return api.MethodAcceptCall, nil, renderCall, nil
		case "decline":
			return api.MethodDeclineCall, nil, renderCall, nil
		case "end":
			return api.MethodEndCall, nil, renderCall, nil
		}
		return "", nil, nil, fmt.Errorf("unknown call subcommand: %s", rest[0])
	}
	return "", nil, nil, fmt.Errorf("unknown command: %s", cmd)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--json] [--timeout <d>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show connection and outbox status")
	fmt.Fprintln(os.Stderr, "  connect [token]                 Connect (token defaults to engine.toml)")
	fmt.Fprintln(os.Stderr, "  disconnect                      Disconnect without reconnecting")
	fmt.Fprintln(os.Stderr, "  chats                           List cached chats")
	fmt.Fprintln(os.Stderr, "  open <chat-id>                  Open a chat and print its transcript")
	fmt.Fprintln(os.Stderr, "  transcript                      Print the open chat")
	fmt.Fprintln(os.Stderr, "  older                           Load the previous history page")
	fmt.Fprintln(os.Stderr, "  search [--chat id] <query>      Search cached messages")
	fmt.Fprintln(os.Stderr, "  send [--reply-to id] [--wait] <text>")
	fmt.Fprintln(os.Stderr, "  retry <client-id>               Re-send a failed message")
	fmt.Fprintln(os.Stderr, "  cancel <client-id>              Drop a queued message")
	fmt.Fprintln(os.Stderr, "  edit <message-id> <text>")
	fmt.Fprintln(os.Stderr, "  delete <message-id>")
	fmt.Fprintln(os.Stderr, "  react|unreact <message-id> <emoji>")
	fmt.Fprintln(os.Stderr, "  seen <message-id>               Report a message as visible")
	fmt.Fprintln(os.Stderr, "  typing <on|off>")
	fmt.Fprintln(os.Stderr, "  call start <peer> [audio|video] | accept | decline | end")
	fmt.Fprintln(os.Stderr, "  watch [namespace...]            Stream engine events")
	fmt.Fprintln(os.Stderr, "  sessions                        List sessions and their daemons")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

type printer struct {
	json bool
}

func (p *printer) print(resp map[string]any, render func(map[string]any)) {
	if p.json || render == nil {
		outputJSON(resp)
		return
	}
	render(resp)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func cmdWatch(c *api.Client, namespaces []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	enc := json.NewEncoder(os.Stdout)
	err := c.Watch(ctx, namespaces, func(evt map[string]any) error {
		return enc.Encode(evt)
	})
	if err != nil {
		fatal(err)
	}
}

func cmdSessions(jsonOut bool) {
	names, err := session.List()
	if err != nil {
		fatal(err)
	}
	type entry struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Running bool   `json:"daemon_running"`
		PID     int    `json:"pid,omitempty"`
	}
	var list []entry
	for _, name := range names {
		dir := session.Dir(name)
		info, err := lock.Inspect(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s: %v\n", name, err)
		}
		list = append(list, entry{Name: name, Path: dir, Running: info.Held, PID: info.PID})
	}
	if jsonOut {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range list {
		running := "stopped"
		if s.Running {
			running = fmt.Sprintf("running, pid %d", s.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
	}
}
