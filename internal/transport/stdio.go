package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

// StdioServer runs the newline-delimited JSON-RPC surface spec.md §4.9
// carves out as the second transport: one request object per line of
// stdin, one response object per line of stdout. Grounded on
// cmd/agentwarden/main.go's server-loop-with-signal-handling shape,
// generalized from a socket accept loop to a line scanner.
type StdioServer struct {
	Handler *Handler
	Token   string // bearer token attributed to every request read from this stream
	In      io.Reader
	Out     io.Writer
	Log     *slog.Logger
}

// NewStdioServer constructs a StdioServer. Token is the identity bound
// to this stdio session — unlike HTTP, a single stdio stream has no
// per-request Authorization header, so the token is fixed for the
// process's lifetime.
func NewStdioServer(h *Handler, token string, in io.Reader, out io.Writer, log *slog.Logger) *StdioServer {
	return &StdioServer{Handler: h, Token: token, In: in, Out: out, Log: log}
}

// Run reads one JSON-RPC request per line until ctx is cancelled or the
// input stream is exhausted. A line that fails to parse gets a parse
// error response rather than aborting the loop, so one bad line doesn't
// take down the whole session.
func (s *StdioServer) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.In)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(s.Out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeLine(writer, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: err.Error()}})
			continue
		}

		lineCtx := WithRequestID(ctx, uuid.NewString())
		resp := s.Handler.Dispatch(lineCtx, s.Token, req)
		s.writeLine(writer, resp)
	}
	return scanner.Err()
}

func (s *StdioServer) writeLine(w *bufio.Writer, resp rpcResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		if s.Log != nil {
			s.Log.Error("marshal response", "error", err)
		}
		return
	}
	fmt.Fprintf(w, "%s\n", b)
	w.Flush()
}
