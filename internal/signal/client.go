package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/hearth/internal/config"
)

// ErrClosed is returned by requests issued after signal-cli has exited.
var ErrClosed = errors.New("signal-cli subprocess exited")

// rpcResponse pairs a raw JSON result with an optional error for
// delivery through the pending channel.
type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

// rpcRequest is a JSON-RPC 2.0 request written to signal-cli's stdin.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcRaw is one line read from signal-cli. Responses carry an id;
// notifications carry a method.
type rpcRaw struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Client speaks JSON-RPC to a signal-cli process over its stdin and
// stdout. Inbound data messages are pushed to a channel; requests are
// correlated with responses through a pending map.
type Client struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	waitErr chan error

	nextID  atomic.Int64
	mu      sync.Mutex // guards pending and stdin writes
	pending map[int64]chan rpcResponse

	messages chan *Envelope
	done     chan struct{}
}

// NewClient creates a client for the given signal-cli command line. Call
// Start to launch the subprocess.
func NewClient(command string, args []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		command:  command,
		args:     args,
		logger:   logger.With("component", "signal-cli"),
		pending:  make(map[int64]chan rpcResponse),
		messages: make(chan *Envelope, 64),
		done:     make(chan struct{}),
		waitErr:  make(chan error, 1),
	}
}

// Start launches signal-cli and begins reading from it. It must be
// called exactly once.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("starting signal-cli", "command", c.command, "args", c.args)

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}

	c.cmd = cmd
	go c.drainStderr(stderr)
	c.attach(stdin, stdout)
	go func() {
		err := cmd.Wait()
		if err != nil {
			c.logger.Error("signal-cli exited with error", "error", err)
		} else {
			c.logger.Info("signal-cli exited")
		}
		c.waitErr <- err
	}()

	c.logger.Info("signal-cli started", "pid", cmd.Process.Pid)
	return nil
}

// attach wires the client to a request writer and a response reader and
// starts the read loop.
func (c *Client) attach(w io.WriteCloser, r io.Reader) {
	c.stdin = w
	go c.readLoop(bufio.NewReaderSize(r, 1<<20))
}

// Messages returns the channel of inbound data message envelopes. It is
// closed when signal-cli's output ends.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

// Done is closed when signal-cli's output ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send sends a text message and returns its server timestamp, which is
// also the message's id for later deletion.
func (c *Client) Send(ctx context.Context, recipient, message string) (int64, error) {
	raw, err := c.call(ctx, "send", map[string]any{
		"recipient": []string{recipient},
		"message":   message,
	})
	if err != nil {
		return 0, fmt.Errorf("signal send: %w", err)
	}
	var result sendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("unmarshal send result: %w", err)
	}
	return result.Timestamp, nil
}

// RemoteDelete deletes a message previously sent to recipient, named by
// its send timestamp.
func (c *Client) RemoteDelete(ctx context.Context, recipient string, targetTimestamp int64) error {
	_, err := c.call(ctx, "remoteDelete", map[string]any{
		"recipient":       []string{recipient},
		"targetTimestamp": targetTimestamp,
	})
	if err != nil {
		return fmt.Errorf("signal remoteDelete: %w", err)
	}
	return nil
}

// SendReceipt sends a read receipt for the given message timestamp.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	_, err := c.call(ctx, "sendReceipt", map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
		"type":            "read",
	})
	if err != nil {
		return fmt.Errorf("signal sendReceipt: %w", err)
	}
	return nil
}

// SendTyping starts or stops the typing indicator.
func (c *Client) SendTyping(ctx context.Context, recipient string, stop bool) error {
	params := map[string]any{"recipient": recipient}
	if stop {
		params["stop"] = true
	}
	if _, err := c.call(ctx, "sendTyping", params); err != nil {
		return fmt.Errorf("signal sendTyping: %w", err)
	}
	return nil
}

// Ping checks that signal-cli answers by requesting its version.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// Close closes signal-cli's stdin, waits briefly for it to exit, and
// kills it otherwise.
func (c *Client) Close() error {
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	c.logger.Info("stopping signal-cli", "pid", c.cmd.Process.Pid)
	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(5 * time.Second):
		c.logger.Warn("signal-cli did not exit, killing", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	id := c.nextID.Add(1)
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.logger.Log(ctx, config.LevelTrace, "signal-cli request", "line", string(data))
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write to signal-cli: %w", err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, ErrClosed
	}
}

// readLoop routes responses to their pending requests and data message
// notifications to the messages channel until the reader ends.
func (c *Client) readLoop(r *bufio.Reader) {
	defer close(c.done)
	defer close(c.messages)

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				c.logger.Error("signal-cli read error", "error", err)
			}
			c.failPending()
			return
		}
		c.logger.Log(context.Background(), config.LevelTrace, "signal-cli line", "line", string(line))

		var raw rpcRaw
		if err := json.Unmarshal(line, &raw); err != nil {
			c.logger.Debug("signal-cli non-JSON line", "line", string(line))
			continue
		}

		if raw.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*raw.ID]
			delete(c.pending, *raw.ID)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("signal-cli response for unknown id", "id", *raw.ID)
				continue
			}
			ch <- rpcResponse{Result: raw.Result, Error: raw.Error}
			continue
		}

		if raw.Method != "receive" {
			c.logger.Debug("signal-cli unhandled notification", "method", raw.Method)
			continue
		}
		var notif receiveNotification
		if err := json.Unmarshal(raw.Params, &notif); err != nil {
			c.logger.Warn("signal-cli malformed receive notification", "error", err)
			continue
		}
		// Typing indicators and receipts are not actionable.
		if notif.Envelope.DataMessage == nil {
			continue
		}
		select {
		case c.messages <- &notif.Envelope:
		default:
			c.logger.Warn("signal message channel full, dropping message",
				"sender", notif.Envelope.Source,
			)
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{Error: &rpcError{Code: -1, Message: "subprocess exited"}}
		delete(c.pending, id)
	}
}

func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("signal-cli stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("signal-cli stderr scan error", "error", err)
	}
}
