package external

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"

	"github.com/ferro-labs/credential-gateway/plugin"
	"github.com/ferro-labs/credential-gateway/plugin/jsonrpc"
	"github.com/ferro-labs/credential-gateway/sdk"
)

// worker is a long-lived plugin process speaking length-prefixed JSON-RPC
// on stdin/stdout. Requests from the plugin are served by the SDK handler.
type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	conn   *jsonrpc.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *Plugin) startWorker() (*worker, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, p.binary, "--json-rpc", "--persistent") // #nosec G204 -- binary resolved inside the plugin directory
	cmd.Dir = p.dir
	cmd.Env = p.env()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, plugin.NewError(plugin.KindIO, p.ID(), "opening worker stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, plugin.NewError(plugin.KindIO, p.ID(), "opening worker stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, plugin.NewError(plugin.KindIO, p.ID(), "opening worker stderr", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, plugin.NewError(plugin.KindInit, p.ID(), "starting worker", err)
	}
	go logLines(p.log, stderr)

	var handler jsonrpc.Handler
	if p.sdk != nil {
		handler = sdk.Handler(p.sdk)
	}
	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		conn:   jsonrpc.NewConn(stdout, stdin, handler),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		err := w.conn.Serve(ctx)
		waitErr := cmd.Wait()
		if !errors.Is(err, jsonrpc.ErrClosed) && !errors.Is(err, context.Canceled) {
			p.log.Warn("plugin worker stopped", "error", err, "exit", waitErr)
			return
		}
		p.log.Debug("plugin worker exited", "exit", waitErr)
	}()
	p.log.Info("plugin worker started", "pid", cmd.Process.Pid)
	return w, nil
}

// ensureWorker returns the live worker, restarting it if it has exited.
func (p *Plugin) ensureWorker() (*worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.worker != nil && p.worker.conn.Err() == nil {
		return p.worker, nil
	}
	if old := p.worker; old != nil {
		_ = old.stdin.Close()
		old.cancel()
		p.worker = nil
	}
	w, err := p.startWorker()
	if err != nil {
		return nil, err
	}
	p.worker = w
	return w, nil
}

func (p *Plugin) callWorker(ctx context.Context, method string, params any) (json.RawMessage, error) {
	w, err := p.ensureWorker()
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := w.conn.Call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// stop closes stdin so the worker exits on EOF, and kills it if ctx ends
// first.
func (w *worker) stop(ctx context.Context) error {
	_ = w.stdin.Close()
	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}

func logLines(log *slog.Logger, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Debug("plugin stderr", "line", sc.Text())
	}
}
