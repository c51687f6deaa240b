package wasmhost

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/internal/logger"
)

// Guest call framing: \x00WASMFS:{json}\x00 on stderr.
const (
	protocolPrefix = "\x00WASMFS:"
	protocolSuffix = "\x00"
)

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// protocolHandler intercepts guest stderr. Plain output is kept, framed
// calls are dispatched to the registry and answered on the guest's stdin.
type protocolHandler struct {
	ctx         context.Context
	registry    *hostfunc.Registry
	stdinWriter io.Writer
	realStderr  bytes.Buffer
	buf         bytes.Buffer
	calls       int
	mu          sync.Mutex
}

func newProtocolHandler(ctx context.Context, registry *hostfunc.Registry, stdinWriter io.Writer) *protocolHandler {
	return &protocolHandler{
		ctx:         ctx,
		registry:    registry,
		stdinWriter: stdinWriter,
	}
}

func (p *protocolHandler) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)

	for {
		content := p.buf.String()
		payload, before, rest, state := nextCall(content)
		p.realStderr.WriteString(before)
		p.buf.Reset()

		switch state {
		case frameNone:
			return len(data), nil
		case framePartial:
			p.buf.WriteString(rest)
			return len(data), nil
		}
		p.buf.WriteString(rest)

		var req callRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			p.respond(callResponse{Error: "invalid call format"})
			continue
		}
		p.calls++
		p.respond(p.handleCall(req))
	}
}

type frameState int

const (
	frameNone frameState = iota
	framePartial
	frameComplete
)

// nextCall splits content around the first call frame. before is plain
// output, rest is what follows the frame (or the partial frame itself).
func nextCall(content string) (payload, before, rest string, state frameState) {
	start := strings.Index(content, protocolPrefix)
	if start == -1 {
		// Hold back a tail that may be the start of a frame split across writes.
		if i := strings.LastIndex(content, "\x00"); i != -1 && strings.HasPrefix(protocolPrefix, content[i:]) {
			return "", content[:i], content[i:], framePartial
		}
		return "", content, "", frameNone
	}

	body := content[start+len(protocolPrefix):]
	end := strings.Index(body, protocolSuffix)
	if end == -1 {
		return "", content[:start], content[start:], framePartial
	}
	return body[:end], content[:start], body[end+len(protocolSuffix):], frameComplete
}

func (p *protocolHandler) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(callResponse{Error: err.Error()})
	}
	go p.stdinWriter.Write(append(data, '\n'))
}

func (p *protocolHandler) handleCall(req callRequest) callResponse {
	fn, ok := p.registry.Get(req.Fn)
	if !ok {
		logger.DebugCtx(p.ctx, "guest called unknown function", logger.KeyCapability, req.Fn)
		return callResponse{Error: "unknown function: " + req.Fn}
	}

	result, err := fn(p.ctx, req.Args)
	if err != nil {
		logger.DebugCtx(p.ctx, "guest call failed", logger.KeyCapability, req.Fn, logger.KeyError, err)
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

// Stderr returns the guest's stderr with call frames removed.
func (p *protocolHandler) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realStderr.String() + p.buf.String()
}

// Calls returns how many well-formed calls the guest made.
func (p *protocolHandler) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
