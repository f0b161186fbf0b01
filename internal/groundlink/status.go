package groundlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/fruitpilot/internal/timeutil"
)

// StatusMessages answers each display token. The colour tokens are what
// older flight software sent for the same states.
var StatusMessages = map[string]string{
	"SEARCHING":   "Searching for target...",
	"APPROACHING": "Moving towards target...",
	"ALIGNING":    "Adjusting position...",
	"IDLE":        "Idle...",
	"EXIT":        "Shutting down server...",

	"RED":    "Searching for target...",
	"GREEN":  "Moving towards target...",
	"ORANGE": "Adjusting position...",
	"NONE":   "Idle...",
}

const unknownStatus = "Unknown command."

// StatusReply is the display's answer to token.
func StatusReply(token string) string {
	if msg, ok := StatusMessages[strings.ToUpper(strings.TrimSpace(token))]; ok {
		return msg
	}
	return unknownStatus
}

// ErrStatusBackoff is returned while a StatusClient waits out its redial
// backoff; the token is dropped without touching the network.
var ErrStatusBackoff = errors.New("status display unreachable, backing off")

// DefaultStatusBackoff is how long a StatusClient waits after a failed dial.
const DefaultStatusBackoff = 5 * time.Second

// StatusClient sends tokens to a status display over one TCP connection,
// redialling after a failure. Each token is a line; the display answers with
// one line. After a failed dial, tokens are dropped until Backoff has passed
// so an absent display costs the frame loop one dial timeout, not one per
// transition.
type StatusClient struct {
	addr    string
	timeout time.Duration
	// Backoff and Clock may be changed before the first SendStatus.
	Backoff time.Duration
	Clock   timeutil.Clock

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	lastReply string
	retryAt   time.Time
}

// NewStatusClient does not dial; the first SendStatus does.
func NewStatusClient(addr string, timeout time.Duration) *StatusClient {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &StatusClient{addr: addr, timeout: timeout, Backoff: DefaultStatusBackoff, Clock: timeutil.RealClock{}}
}

func (c *StatusClient) SendStatus(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		now := c.Clock.Now()
		if now.Before(c.retryAt) {
			return ErrStatusBackoff
		}
		d := net.Dialer{Timeout: c.timeout}
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			c.retryAt = now.Add(c.Backoff)
			return fmt.Errorf("dial status display %s: %w", c.addr, err)
		}
		c.conn = conn
		c.reader = bufio.NewReader(conn)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(c.conn, "%s\n", token); err != nil {
		c.reset()
		return fmt.Errorf("send status %s: %w", token, err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		c.reset()
		return fmt.Errorf("read status reply: %w", err)
	}
	c.lastReply = strings.TrimSpace(reply)
	return nil
}

// LastReply is the display's most recent answer.
func (c *StatusClient) LastReply() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReply
}

func (c *StatusClient) reset() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

func (c *StatusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// StatusServer is the display side: it prints each token and answers it.
type StatusServer struct {
	// OnToken, if set, sees every received token and its answer.
	OnToken func(token, reply string)
}

// Serve accepts connections on ln until ctx is done. A client sending EXIT
// is answered and disconnected; the server keeps listening.
func (s *StatusServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return err
		}
		logf("status display: connection from %s", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *StatusServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scan := bufio.NewScanner(conn)
	for scan.Scan() {
		token := strings.TrimSpace(scan.Text())
		if token == "" {
			continue
		}
		reply := StatusReply(token)
		if s.OnToken != nil {
			s.OnToken(token, reply)
		}
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			return
		}
		if strings.EqualFold(token, "EXIT") {
			return
		}
	}
}

// StatusSink is the subset of nav.StatusSink used here.
type StatusSink interface {
	SendStatus(ctx context.Context, token string) error
}

// MultiStatus delivers each token to every sink and joins their errors.
type MultiStatus []StatusSink

func (m MultiStatus) SendStatus(ctx context.Context, token string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.SendStatus(ctx, token); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
