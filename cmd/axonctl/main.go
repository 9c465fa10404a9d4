// axonctl is an IPC subscriber for the attendance daemon: it watches the
// broadcast stream and issues session commands over the same socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/axonlabs/axon-attendance/internal/ipc"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:          "axonctl",
		Short:        "Attendance daemon client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/axon-attendance.sock", "Daemon socket path")

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream attendance and session events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(socketPath)
		},
	}

	var sessionName string
	var sessionID string
	var durationMinutes int

	sessionStart := &cobra.Command{
		Use:   "start",
		Short: "Start an attendance session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionName == "" {
				return fmt.Errorf("--name is required")
			}
			return runCommand(socketPath, ipc.UICommand{
				Command:         "session-start",
				SessionID:       sessionID,
				SessionName:     sessionName,
				DurationMinutes: durationMinutes,
			})
		},
	}
	sessionStart.Flags().StringVar(&sessionName, "name", "", "Session name")
	sessionStart.Flags().StringVar(&sessionID, "id", "", "Session id (generated when empty)")
	sessionStart.Flags().IntVar(&durationMinutes, "minutes", 60, "Planned duration in minutes")

	sessionEnd := &cobra.Command{
		Use:   "end",
		Short: "End the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(socketPath, ipc.UICommand{Command: "session-end"})
		},
	}

	session := &cobra.Command{
		Use:   "session",
		Short: "Control attendance sessions",
	}
	session.AddCommand(sessionStart, sessionEnd)

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(socketPath)
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("axonctl\n")
			fmt.Printf("Version:    %s\n", Version)
			fmt.Printf("Build Date: %s\n", BuildDate)
			fmt.Printf("Git Commit: %s\n", GitCommit)
		},
	}

	root.AddCommand(watch, session, status, version)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runWatch subscribes until interrupted, printing every broadcast and a
// degraded indicator while reconnecting.
func runWatch(socketPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := newSubscriber(socketPath)
	sub.OnConnectionState(func(connected bool) {
		if connected {
			fmt.Println("-- connected --")
		} else {
			fmt.Println("-- disconnected, reconnecting --")
		}
	})
	sub.OnMessage(printEnvelope)

	err := sub.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runCommand connects, sends one command, and reports any error envelope the
// daemon replies with.
func runCommand(socketPath string, cmd ipc.UICommand) error {
	reply, err := exchange(socketPath, cmd, time.Second)
	if err != nil {
		return err
	}
	if reply != nil && reply.Kind == ipc.KindError {
		var payload ipc.ErrorPayload
		if err := reply.DecodePayload(&payload); err == nil {
			return fmt.Errorf("daemon rejected command: %s", payload.Message)
		}
		return fmt.Errorf("daemon rejected command")
	}
	fmt.Println("ok")
	return nil
}

// runStatus asks the daemon for the current session.
func runStatus(socketPath string) error {
	reply, err := exchange(socketPath, ipc.UICommand{Command: "status"}, 3*time.Second)
	if err != nil {
		return err
	}
	if reply == nil {
		return fmt.Errorf("no status reply from daemon")
	}
	if reply.Kind != ipc.KindSessionUpdate {
		return fmt.Errorf("unexpected reply kind %q", reply.Kind)
	}
	var update ipc.SessionUpdate
	if err := reply.DecodePayload(&update); err != nil {
		return err
	}
	if !update.Active || update.Session == nil {
		fmt.Println("no active session")
		return nil
	}
	fmt.Printf("session:  %s (%s)\n", update.Session.Name, update.Session.ID)
	fmt.Printf("started:  %s\n", update.Session.Start.Local().Format(time.RFC3339))
	fmt.Printf("ends:     %s\n", update.Session.PlannedEnd.Local().Format(time.RFC3339))
	return nil
}

// exchange sends one command and waits up to wait for a directed reply.
// A nil reply means the daemon accepted the command silently.
func exchange(socketPath string, cmd ipc.UICommand, wait time.Duration) (*ipc.Envelope, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := newSubscriber(socketPath)
	replies := make(chan ipc.Envelope, 16)
	sub.OnMessage(func(env ipc.Envelope) {
		if env.Kind == ipc.KindHeartbeat {
			return
		}
		select {
		case replies <- env:
		default:
		}
	})

	go func() {
		_ = sub.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !sub.Connected() {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cannot reach daemon at %s", socketPath)
		}
		time.Sleep(20 * time.Millisecond)
	}

	env, err := ipc.NewEnvelope(ipc.KindUICommand, cmd)
	if err != nil {
		return nil, err
	}
	if err := sub.Send(env); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return &reply, nil
	case <-time.After(wait):
		return nil, nil
	}
}

func newSubscriber(socketPath string) *ipc.Subscriber {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ipc.NewSubscriber(ipc.SubscriberConfig{
		SocketPath: socketPath,
		// Three missed daemon heartbeats (10s apart) mean the connection is
		// dead even if the socket is still open.
		HeartbeatTimeout: 30 * time.Second,
	}, logger)
}

func printEnvelope(env ipc.Envelope) {
	switch env.Kind {
	case ipc.KindHeartbeat:
		return
	case ipc.KindAttendanceNotify:
		var p ipc.AttendanceNotify
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		name := p.PersonName
		if name == "" {
			name = p.PersonID
		}
		fmt.Printf("%s  attendance  %s\n", p.Timestamp.Local().Format("15:04:05"), name)
	case ipc.KindSessionUpdate:
		var p ipc.SessionUpdate
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		if p.Active && p.Session != nil {
			fmt.Printf("session %q %s\n", p.Session.Name, p.Reason)
		} else if p.Session != nil {
			fmt.Printf("session %q ended (%s)\n", p.Session.Name, p.Reason)
		}
	case ipc.KindEnrollmentUpdate:
		var p ipc.EnrollmentUpdate
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		fmt.Printf("enrollment  %s (%s)\n", p.Person.Name, p.Person.ID)
	case ipc.KindError:
		var p ipc.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		fmt.Printf("error: %s\n", p.Message)
	}
}
