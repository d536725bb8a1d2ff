package main

import (
	"fmt"
	"strings"
	"time"
)

func field(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}

func renderDone(key string) func(map[string]any) {
	return func(resp map[string]any) {
		for k, v := range resp {
			if k == key || len(resp) == 1 {
				fmt.Printf("%s: %v\n", k, v)
			}
		}
	}
}

func renderStatus(resp map[string]any) {
	fmt.Printf("Session:    %s\n", field(resp, "session"))
	fmt.Printf("Connection: %s (attempt %s/%s)\n", field(resp, "connection"), field(resp, "attempts"), field(resp, "max_attempts"))
	if banner, ok := resp["banner"].(map[string]any); ok && field(banner, "text") != "" {
		fmt.Printf("Banner:     %s\n", field(banner, "text"))
	}
	fmt.Printf("User:       %s\n", field(resp, "user_id"))
	fmt.Printf("Open chat:  %s\n", field(resp, "chat_id"))
	fmt.Printf("Outbox:     %s queued, %s in flight\n", field(resp, "outbox"), field(resp, "in_flight"))
	fmt.Printf("Uptime:     %sms\n", field(resp, "uptime_ms"))
}

func renderChats(resp map[string]any) {
	chats, _ := resp["chats"].([]any)
	if len(chats) == 0 {
		fmt.Println("No chats cached.")
		return
	}
	for _, c := range chats {
		ch := c.(map[string]any)
		unread := ""
		if n := field(ch, "unread_count"); n != "0" {
			unread = fmt.Sprintf(" [%s]", n)
		}
		fmt.Printf("%-24s%s %s\n", field(ch, "name"), unread, field(ch, "last_message_preview"))
	}
}

func renderTranscript(resp map[string]any) {
	fmt.Printf("# %s\n", field(resp, "chat_id"))
	if banner, ok := resp["banner"].(map[string]any); ok && field(banner, "text") != "" {
		fmt.Printf("! %s\n", field(banner, "text"))
	}
	if resp["has_more"] == true {
		fmt.Println("  (older messages available)")
	}
	renderMessages(resp)
	if t := field(resp, "typing"); t != "" {
		fmt.Printf("  %s\n", t)
	}
	if f := field(resp, "flash"); f != "" {
		fmt.Printf("* %s\n", f)
	}
}

func renderMessages(resp map[string]any) {
	msgs, _ := resp["messages"].([]any)
	for _, m := range msgs {
		printMessage(m.(map[string]any))
	}
}

func renderMessage(resp map[string]any) {
	if m, ok := resp["message"].(map[string]any); ok {
		printMessage(m)
	}
}

func printMessage(m map[string]any) {
	ts := ""
	if ms, ok := m["created_at_ms"].(float64); ok && ms > 0 {
		ts = time.UnixMilli(int64(ms)).Format("15:04")
	}
	content := field(m, "content")
	if m["deleted"] == true {
		content = "(deleted)"
	}
	var marks []string
	switch field(m, "delivery") {
	case "SENDING":
		marks = append(marks, "sending")
	case "FAILED":
		marks = append(marks, "failed: "+field(m, "fail_reason"))
	}
	if field(m, "edited_at_ms") != "0" && field(m, "edited_at_ms") != "" {
		marks = append(marks, "edited")
	}
	if r, ok := m["reactions"].(map[string]any); ok && len(r) > 0 {
		var emojis []string
		for e := range r {
			emojis = append(emojis, e)
		}
		marks = append(marks, strings.Join(emojis, ""))
	}
	suffix := ""
	if len(marks) > 0 {
		suffix = " (" + strings.Join(marks, ", ") + ")"
	}
	fmt.Printf("%s %-10s %s: %s%s\n", ts, field(m, "id"), field(m, "sender"), content, suffix)
}

func renderSend(resp map[string]any) {
	m, _ := resp["message"].(map[string]any)
	fmt.Printf("client id: %s\n", field(m, "client_id"))
	if o, ok := resp["outcome"].(map[string]any); ok {
		fmt.Printf("outcome:   %s %s\n", field(o, "state"), field(o, "server_id"))
		if e := field(o, "error"); e != "" {
			fmt.Printf("error:     %s\n", e)
		}
	} else {
		fmt.Printf("state:     %s\n", field(m, "delivery"))
	}
}

func renderCall(resp map[string]any) {
	c, _ := resp["call"].(map[string]any)
	fmt.Printf("call %s with %s: %s", field(c, "call_id"), field(c, "peer"), field(c, "status"))
	if r := field(c, "end_reason"); r != "" {
		fmt.Printf(" (%s)", r)
	}
	fmt.Println()
}
