package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sockethub/sockethub/internal/models"
)

const defaultSessionURL = "http://127.0.0.1:10550"

var sendFlags struct {
	clientConfig
	platform string
	verb     string
	actor    string
	content  string
	file     string
	wait     time.Duration
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Open a session, send one message and print the events it produces",
	Long: `Open a session on the session transport, submit one message, print
every event received until --wait passes without a new one, then close the
session.

The message is built from --platform, --verb, --actor and --content, or
read whole from --file ("-" for stdin).`,
	Example: `  sockethub send --platform dummy --verb echo --actor alice --content hello
  echo '{"type":"count","context":"dummy","actor":{"id":"bob"}}' | sockethub send --file -`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	addClientFlags(sendCmd, &sendFlags.clientConfig, defaultSessionURL)
	sendCmd.Flags().StringVar(&sendFlags.platform, "platform", "dummy", "platform (message context)")
	sendCmd.Flags().StringVar(&sendFlags.verb, "verb", "echo", "message type")
	sendCmd.Flags().StringVar(&sendFlags.actor, "actor", "", "actor id")
	sendCmd.Flags().StringVar(&sendFlags.content, "content", "", "object content")
	sendCmd.Flags().StringVarP(&sendFlags.file, "file", "f", "", "read the message as JSON from a file")
	sendCmd.Flags().DurationVar(&sendFlags.wait, "wait", 3*time.Second, "how long to wait for each event")
}

func buildMessage() (*models.ActivityStream, error) {
	if sendFlags.file != "" {
		var (
			b   []byte
			err error
		)
		if sendFlags.file == "-" {
			b, err = io.ReadAll(os.Stdin)
		} else {
			b, err = os.ReadFile(sendFlags.file)
		}
		if err != nil {
			return nil, err
		}
		var msg models.ActivityStream
		if err := json.Unmarshal(b, &msg); err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		return &msg, nil
	}

	if sendFlags.actor == "" {
		return nil, fmt.Errorf("--actor is required without --file")
	}
	msg := &models.ActivityStream{
		Type:    sendFlags.verb,
		Context: sendFlags.platform,
		Actor:   &models.Actor{ID: sendFlags.actor, Type: "person"},
	}
	if sendFlags.content != "" {
		msg.Object = map[string]any{"type": "message", "content": sendFlags.content}
	}
	return msg, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := sendFlags.newClient(false)
	if err != nil {
		return err
	}
	msg, err := buildMessage()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sess, err := c.OpenSession(ctx, "")
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := c.CloseSession(context.Background(), sess.ID); err != nil {
			fmt.Fprintf(os.Stderr, "close session: %v\n", err)
		}
	}()

	if err := c.Send(ctx, sess.ID, msg); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for {
		resp, err := c.Events(ctx, sess.ID, sendFlags.wait)
		if err != nil {
			return err
		}
		if resp.Dropped > 0 {
			fmt.Fprintf(os.Stderr, "%d events dropped\n", resp.Dropped)
		}
		if len(resp.Events) == 0 {
			return nil
		}
		for _, e := range resp.Events {
			fmt.Printf("[%d] %s\n", e.Seq, e.Name)
			var payload any
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				fmt.Println(string(e.Payload))
				continue
			}
			_ = enc.Encode(payload)
		}
	}
}
