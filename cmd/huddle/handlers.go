package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/huddle/internal/chat"
	"github.com/haasonsaas/huddle/internal/notify"
	"github.com/haasonsaas/huddle/internal/presence"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/realtime"
	"github.com/haasonsaas/huddle/internal/summary"
)

// =============================================================================
// Watch
// =============================================================================

func runWatch(cmd *cobra.Command, flags *globalFlags, metricsAddr string) error {
	env, err := loadEnv(cmd, flags)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if metricsAddr == "" {
		metricsAddr = env.cfg.Observability.MetricsAddr
	}
	if metricsAddr != "" {
		go env.serveMetrics(ctx, metricsAddr)
	}

	client, id, err := env.startClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	p := newPrinter(cmd.OutOrStdout())
	p.printf("watching as %s in workspace %s", id.UserID, displayID(id.WorkspaceID))

	client.SubscribePresence(func(change presence.StatusChange) {
		p.printf("presence       %-8s %s", statusLabel(change.Online), change.UserID)
	})
	client.SubscribeSummary(func(entries []summary.Entry) {
		for _, entry := range entries {
			if entry.UnreadCount == 0 {
				continue
			}
			p.printf("unread         %-8d %s: %s", entry.UnreadCount, entry.CounterpartID, entry.LastMessage)
		}
	})

	var mu sync.Mutex
	seen := make(map[protocol.ID]bool)
	client.SubscribeNotifications(func(snapshot notify.Snapshot) {
		if snapshot.Err != nil && !snapshot.Connected {
			p.printf("notifications  disconnected: %v", snapshot.Err)
			return
		}
		mu.Lock()
		var fresh []protocol.Notification
		for _, n := range snapshot.Entries {
			if !seen[n.ID] {
				seen[n.ID] = true
				if !n.IsRead {
					fresh = append(fresh, n)
				}
			}
		}
		mu.Unlock()
		for _, n := range fresh {
			p.printf("notification   %s", n.Message)
		}
	})
	client.SubscribeCalls(func(sig protocol.CallSignal) {
		p.printf("call           %-14s from %s room %s %s", title(sig.Action), displayID(sig.FromUserID), sig.RoomID, sig.CallerName)
	})
	client.SubscribeLoggedOut(func(e realtime.LoggedOut) {
		p.printf("logged out (%s): %v", e.Reason, e.Err)
		cancel()
	})

	<-ctx.Done()
	return nil
}

// =============================================================================
// Chat
// =============================================================================

func runChat(cmd *cobra.Command, flags *globalFlags, peerArg string) error {
	env, err := loadEnv(cmd, flags)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, _, err := env.startClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	peer := protocol.ParseID(peerArg)
	p := newPrinter(cmd.OutOrStdout())

	var mu sync.Mutex
	printed := make(map[protocol.ID]bool)
	client.SubscribeChat(func(update chat.Update) {
		if update.Key.PeerID != peer {
			return
		}
		var unseen []protocol.ID
		mu.Lock()
		for _, msg := range update.Messages {
			if printed[msg.ID] {
				continue
			}
			printed[msg.ID] = true
			p.printf("[%s] %s: %s", msg.Timestamp.Local().Format("15:04"), msg.SenderID, msg.Text)
			if msg.SenderID == peer && !msg.IsRead {
				unseen = append(unseen, msg.ID)
			}
		}
		mu.Unlock()
		if len(unseen) > 0 {
			client.MarkVisible(unseen...)
		}
		if update.State == chat.StateClosed && update.Err != nil {
			p.printf("connection lost: %v", update.Err)
		}
	})
	client.SubscribeLoggedOut(func(e realtime.LoggedOut) {
		p.printf("logged out (%s): %v", e.Reason, e.Err)
		cancel()
	})

	if err := client.OpenChat(ctx, peer); err != nil {
		return fmt.Errorf("open chat with %s: %w", peer, err)
	}
	p.printf("chatting with %s (/quit to leave)", peer)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit":
				return nil
			}
			if !client.SendMessage(line) {
				p.printf("not sent: conversation is not connected")
			}
		}
	}
}

// =============================================================================
// Check
// =============================================================================

func runCheck(cmd *cobra.Command, flags *globalFlags, userArg string, timeout time.Duration) error {
	env, err := loadEnv(cmd, flags)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, _, err := env.startClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	user := protocol.ParseID(userArg)
	answer := make(chan bool, 1)
	sent := client.CheckUserOnline(user, func(online bool) {
		select {
		case answer <- online:
		default:
		}
	})
	if !sent {
		return errors.New("presence socket is not connected; is identity.workspace_id set?")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case online := <-answer:
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", user, statusLabel(online))
		return nil
	case <-timer.C:
		return fmt.Errorf("no answer about user %s within %v", user, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Call
// =============================================================================

type callOptions struct {
	roomID  string
	wait    time.Duration
	qr      bool
	joinURL string
}

func runCall(cmd *cobra.Command, flags *globalFlags, userArg string, opts callOptions) error {
	env, err := loadEnv(cmd, flags)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, id, err := env.startClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	to := protocol.ParseID(userArg)
	if to == id.UserID {
		return errors.New("cannot call yourself")
	}
	signals := make(chan protocol.CallSignal, 8)
	client.SubscribeCalls(func(sig protocol.CallSignal) {
		select {
		case signals <- sig:
		default:
		}
	})

	room, ok := client.CallUser(to, opts.roomID)
	if !ok {
		return errors.New("call socket is not connected")
	}
	out := cmd.OutOrStdout()
	joinURL := strings.ReplaceAll(opts.joinURL, "{room_id}", room)
	fmt.Fprintf(out, "calling %s in room %s\njoin: %s\n", to, room, joinURL)
	if opts.qr {
		code, err := qrcode.New(joinURL, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("render qr code: %w", err)
		}
		fmt.Fprint(out, code.ToSmallString(false))
	}

	timer := time.NewTimer(opts.wait)
	defer timer.Stop()
	for {
		select {
		case sig := <-signals:
			if sig.RoomID != room {
				continue
			}
			switch sig.Action {
			case protocol.ActionCallAccepted:
				fmt.Fprintf(out, "%s accepted\n", to)
				return nil
			case protocol.ActionCallDeclined:
				return fmt.Errorf("%s declined the call", to)
			}
		case <-timer.C:
			client.CancelCall(room)
			return fmt.Errorf("no answer from %s within %v", to, opts.wait)
		case <-ctx.Done():
			client.CancelCall(room)
			return nil
		}
	}
}

// =============================================================================
// Login
// =============================================================================

type loginOutput struct {
	Auth struct {
		Token        string `yaml:"token"`
		RefreshToken string `yaml:"refresh_token,omitempty"`
	} `yaml:"auth"`
	Identity struct {
		UserID string `yaml:"user_id"`
	} `yaml:"identity"`
}

func runLogin(cmd *cobra.Command, flags *globalFlags, userID, password string) error {
	env, err := loadEnv(cmd, flags)
	if err != nil {
		return err
	}
	defer env.Close()

	if password == "" {
		password, err = promptPassword(cmd, "Password")
		if err != nil {
			return err
		}
	}

	sess := realtime.NewSession(env.cfg, env.runtime())
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := sess.Login(ctx, userID, password); err != nil {
		return err
	}

	var out loginOutput
	token := sess.Tokens().Current()
	out.Auth.Token = token.AccessToken
	out.Auth.RefreshToken = token.RefreshToken
	out.Identity.UserID = userID
	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// promptPassword prompts for a password without echoing it on a terminal.
func promptPassword(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", label)
	if cmd.InOrStdin() == os.Stdin {
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			text, err := term.ReadPassword(fd)
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return "", fmt.Errorf("read password: %w", err)
			}
			return strings.TrimSpace(string(text)), nil
		}
	}
	text, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(text), nil
}
