package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

// inspect dumps conversations and their messages from a chatsync DB. Meant
// for poking at a DB offline; do not run against a live server's store.
func main() {
	var p string
	var msgs bool
	flag.StringVar(&p, "db", "", "pebble path to open (the store dir under the server's --db path)")
	flag.BoolVar(&msgs, "messages", false, "also dump messages per conversation")
	flag.Parse()
	if p == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}
	logger.Init()

	st, err := store.Open(p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", p, err)
		os.Exit(1)
	}
	defer st.Close()

	recs, err := st.ListConversations()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list conversations: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "%d conversation(s)\n", len(recs))
	for _, rec := range recs {
		var c models.Conversation
		if err := json.Unmarshal(rec.Data, &c); err != nil {
			fmt.Fprintf(os.Stdout, "  %s: undecodable: %v\n", rec.Key, err)
			continue
		}
		fmt.Fprintf(os.Stdout, "  %s participants=%v last=%q ts=%d\n", c.ID, c.ParticipantIDs, c.LastMessageText, c.LastMessageTS)
		if !msgs {
			continue
		}
		mrecs, err := st.ListMessages(c.ID)
		if err != nil {
			fmt.Fprintf(os.Stdout, "    messages: %v\n", err)
			continue
		}
		for _, mr := range mrecs {
			var m models.Message
			if err := json.Unmarshal(mr.Data, &m); err != nil {
				fmt.Fprintf(os.Stdout, "    %s: undecodable: %v\n", mr.Key, err)
				continue
			}
			fmt.Fprintf(os.Stdout, "    [%d] %s: %s\n", m.TS, m.SenderID, m.Text)
		}
	}
}
