package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "msghost server URL")
	user := flag.String("user", "cli-user", "Direct Line user id")
	poll := flag.Duration("poll", time.Second, "how often to poll for replies")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := newClient(*server, *user)
	if err := c.start(ctx); err != nil {
		printError("Failed to start conversation: %v", err)
		os.Exit(1)
	}

	fmt.Println("msgchat")
	fmt.Printf("Server: %s | User: %s | Conversation: %s\n", *server, *user, c.conversation)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("---")

	go c.watch(ctx, *poll, func(a activity) {
		name := "bot"
		if a.From != nil && a.From.Name != "" {
			name = a.From.Name
		}
		fmt.Printf("\r\033[36m[%s]\033[0m %s\n> ", name, a.Text)
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		var input string
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			input = strings.TrimSpace(l)
		}
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if err := c.post(ctx, input); err != nil {
			printError("Send failed: %v", err)
		}
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
