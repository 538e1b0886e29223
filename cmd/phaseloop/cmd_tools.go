package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"phaseloop/internal/bus"
	"phaseloop/internal/config"
	"phaseloop/internal/loop"
	"phaseloop/internal/world"
)

// initCmd writes a default config
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config to the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		path := resolveConfigPath(ws)
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", path)
			return nil
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var ackBy string

// ackCmd clears a blocked loop
var ackCmd = &cobra.Command{
	Use:   "ack",
	Short: "Acknowledge a loop escalation so mutating tools are allowed again",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		by := ackBy
		if by == "" {
			if u, err := user.Current(); err == nil {
				by = u.Username
			}
		}
		path := cfg.ResolvePath(cfg.Loop.AckFile)
		if err := loop.WriteAck(path, by); err != nil {
			return fmt.Errorf("write ack: %w", err)
		}
		logger.Info("Acknowledgement written", zap.String("path", path), zap.String("by", by))
		fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged as %s\n", by)
		return nil
	},
}

var (
	msgSender    string
	msgRecipient string
	msgTypes     []string
	msgContext   string
	msgSince     time.Duration
	msgLimit     int
	msgExpired   bool
)

// messagesCmd searches the message archive
var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Search archived bus messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Bus.ArchivePath == "" {
			return fmt.Errorf("message archive disabled (bus.archive_path is empty)")
		}
		archive, err := bus.OpenArchive(cfg.ResolvePath(cfg.Bus.ArchivePath))
		if err != nil {
			return err
		}
		defer archive.Close()

		q := bus.SearchQuery{
			Sender:         msgSender,
			Recipient:      msgRecipient,
			ContextID:      msgContext,
			IncludeExpired: msgExpired,
			Limit:          msgLimit,
		}
		for _, t := range msgTypes {
			q.Types = append(q.Types, bus.MessageType(t))
		}
		now := time.Now()
		if msgSince > 0 {
			q.From = now.Add(-msgSince)
		}
		msgs, err := archive.Search(cmd.Context(), q, now)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages found")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintln(out, formatMessage(m))
		}
		return nil
	},
}

func formatMessage(m bus.Message) string {
	text := m.Text()
	if text == "" && len(m.Payload) > 0 {
		text = fmt.Sprint(m.Payload)
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > 120 {
		text = text[:117] + "..."
	}
	return fmt.Sprintf("%s %-8s %-17s %s -> %s: %s",
		m.CreatedAt.Local().Format(time.DateTime), m.Priority, m.Type, m.Sender, m.Recipient, text)
}

// graphCmd prints reference graph cycles
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Scan the workspace import graph and print cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		scanner := world.NewScanner(ws, nil)
		defer scanner.Close()
		g, err := scanner.Scan(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		cycles := g.Cycles()
		fmt.Fprintf(out, "%d nodes, %d edges, %d cycle(s)\n", len(g.Nodes()), g.EdgeCount(), len(cycles))
		for _, c := range cycles {
			fmt.Fprintf(out, "  %s -> %s\n", strings.Join(c, " -> "), c[0])
		}
		return nil
	},
}

func init() {
	ackCmd.Flags().StringVar(&ackBy, "by", "", "Who acknowledges (default: current user)")

	messagesCmd.Flags().StringVar(&msgSender, "sender", "", "Filter by sender")
	messagesCmd.Flags().StringVar(&msgRecipient, "recipient", "", "Filter by recipient")
	messagesCmd.Flags().StringSliceVar(&msgTypes, "type", nil, "Filter by message type (repeatable)")
	messagesCmd.Flags().StringVar(&msgContext, "context", "", "Filter by task, objective or file reference")
	messagesCmd.Flags().DurationVar(&msgSince, "since", 0, "Only messages newer than this")
	messagesCmd.Flags().IntVar(&msgLimit, "limit", 50, "Maximum messages to print")
	messagesCmd.Flags().BoolVar(&msgExpired, "include-expired", true, "Include messages past their TTL")
}
