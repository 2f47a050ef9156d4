// Package main implements a mock agent that connects to an OrbitMesh
// server and executes jobs with simulated work. It exists for manual
// testing and demos: point it at a server, submit jobs, watch them run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/orbitmesh/orbitmesh/internal/session"
	v1 "github.com/orbitmesh/orbitmesh/pkg/api/v1"
)

type options struct {
	serverURL    string
	token        string
	agentID      string
	name         string
	group        string
	capabilities []string
	workTime     time.Duration
	failRate     float64
}

func main() {
	var opts options
	var caps string
	flag.StringVar(&opts.serverURL, "server", "ws://localhost:8080/api/v1/connect", "server websocket URL")
	flag.StringVar(&opts.token, "token", "", "bootstrap token")
	flag.StringVar(&opts.agentID, "id", fmt.Sprintf("mock-agent-%d", os.Getpid()), "agent id")
	flag.StringVar(&opts.name, "name", "mock-agent", "agent display name")
	flag.StringVar(&opts.group, "group", "", "agent group")
	flag.StringVar(&caps, "capabilities", "shell,echo", "comma separated capability names")
	flag.DurationVar(&opts.workTime, "work", 2*time.Second, "simulated work duration per job")
	flag.Float64Var(&opts.failRate, "fail-rate", 0, "fraction of jobs to fail (0..1)")
	flag.Parse()
	opts.capabilities = strings.Split(caps, ",")

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	a := &agent{opts: opts, resume: ""}

	// Reconnect forever with exponential backoff until the context is
	// cancelled.
	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.runSession(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(0))
}

type agent struct {
	opts    options
	resume  string
	writeMu sync.Mutex
}

// writeFrame serializes writes; heartbeats and job reports share the
// connection.
func (a *agent) writeFrame(conn *websocket.Conn, kind session.FrameKind, payload interface{}) error {
	frame, err := session.NewFrame(kind, payload)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame.Encode())
}

// runSession dials, handshakes and serves frames until the connection
// drops. Returning an error asks the reconnect loop to back off.
func (a *agent) runSession(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.opts.serverURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		return err
	}
	defer conn.Close()

	hello := &session.HelloPayload{
		AgentID:     a.opts.agentID,
		Name:        a.opts.name,
		Token:       a.opts.token,
		Group:       a.opts.group,
		ResumeToken: a.resume,
	}
	for _, c := range a.opts.capabilities {
		c = strings.TrimSpace(c)
		if c != "" {
			hello.Capabilities = append(hello.Capabilities, v1.Capability{Name: c})
		}
	}
	if err := a.writeFrame(conn, session.KindHello, hello); err != nil {
		return err
	}

	welcome, err := readWelcome(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "handshake: %v\n", err)
		return err
	}
	a.resume = welcome.ResumeToken
	fmt.Printf("connected: connection=%s server=%s heartbeat=%s\n",
		welcome.ConnectionID, welcome.ServerID, welcome.HeartbeatInterval)

	done := make(chan struct{})
	defer close(done)

	go a.heartbeatLoop(conn, welcome.HeartbeatInterval, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
			conn.Close()
		case <-done:
		}
	}()

	cancels := make(map[string]context.CancelFunc)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
			return err
		}
		frame, err := session.DecodeFrame(data, 0)
		if err != nil {
			continue
		}
		switch frame.Kind {
		case session.KindDeliver:
			var deliver session.DeliverPayload
			if err := frame.Decode(&deliver); err != nil {
				continue
			}
			jobCtx, jobCancel := context.WithCancel(ctx)
			cancels[deliver.JobID] = jobCancel
			go a.executeJob(jobCtx, conn, &deliver)
		case session.KindCancel:
			var c session.CancelPayload
			if err := frame.Decode(&c); err != nil {
				continue
			}
			if jobCancel, ok := cancels[c.JobID]; ok {
				jobCancel()
				delete(cancels, c.JobID)
			}
		}
	}
}

func (a *agent) heartbeatLoop(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			payload := &session.HeartbeatPayload{Timestamp: time.Now().UTC()}
			if err := a.writeFrame(conn, session.KindHeartbeat, payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// executeJob accepts the job, reports progress while the simulated work
// runs, then sends a result or error.
func (a *agent) executeJob(ctx context.Context, conn *websocket.Conn, deliver *session.DeliverPayload) {
	fmt.Printf("job %s: %s attempt=%d\n", deliver.JobID, deliver.Command, deliver.Attempt)

	a.writeFrame(conn, session.KindAckReject, &session.AckRejectPayload{JobID: deliver.JobID, Accepted: true})
	a.writeFrame(conn, session.KindStart, &session.StartPayload{JobID: deliver.JobID, StartedAt: time.Now().UTC()})

	steps := 4
	stepTime := a.opts.workTime / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			a.writeFrame(conn, session.KindError, &session.ErrorPayload{
				JobID: deliver.JobID, Code: "cancelled", Message: "job cancelled", Retryable: false,
			})
			fmt.Printf("job %s: cancelled\n", deliver.JobID)
			return
		case <-time.After(stepTime):
		}
		a.writeFrame(conn, session.KindProgress, &session.ProgressPayload{
			JobID: deliver.JobID, Percent: float64(i) * 100 / float64(steps), Message: fmt.Sprintf("step %d/%d", i, steps),
		})
	}

	if rand.Float64() < a.opts.failRate {
		a.writeFrame(conn, session.KindError, &session.ErrorPayload{
			JobID: deliver.JobID, Code: "simulated_failure", Message: "injected failure", Retryable: true,
		})
		fmt.Printf("job %s: failed (injected)\n", deliver.JobID)
		return
	}

	result, _ := json.Marshal(map[string]interface{}{
		"command": deliver.Command,
		"echo":    deliver.Payload,
	})
	a.writeFrame(conn, session.KindResult, &session.ResultPayload{JobID: deliver.JobID, Result: result})
	fmt.Printf("job %s: completed\n", deliver.JobID)
}

func readWelcome(conn *websocket.Conn) (*session.WelcomePayload, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	frame, err := session.DecodeFrame(data, 0)
	if err != nil {
		return nil, err
	}
	if frame.Kind != session.KindWelcome {
		return nil, fmt.Errorf("expected welcome, got %s", frame.Kind)
	}
	var welcome session.WelcomePayload
	if err := frame.Decode(&welcome); err != nil {
		return nil, err
	}
	return &welcome, nil
}
