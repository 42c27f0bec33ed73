package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrSessionBroken is returned once a session lost request/response alignment.
var ErrSessionBroken = errors.New("session is broken")

type rpcRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is an error reported by the remote process.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Session speaks the line protocol: one JSON request per line out, one JSON
// response per line back, matched by id. Calls are serialized.
type Session struct {
	mu     sync.Mutex
	r      *bufio.Reader
	w      io.Writer
	nextID int64
	broken bool
}

// NewSession wraps the process pipes.
func NewSession(r io.Reader, w io.Writer) *Session {
	return &Session{r: bufio.NewReader(r), w: w, nextID: 1}
}

// Broken reports whether the session can no longer be used.
func (s *Session) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

type readResult struct {
	resp rpcResponse
	err  error
}

// Call sends one request and waits for its response. Lines that are not JSON
// or carry another id are skipped. If ctx ends first the session is marked
// broken, since the late response would desynchronize later calls.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return nil, ErrSessionBroken
	}

	id := s.nextID
	s.nextID++
	line, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		s.broken = true
		return nil, err
	}

	ch := make(chan readResult, 1)
	go func() {
		for {
			raw, err := s.r.ReadBytes('\n')
			raw = bytes.TrimSpace(raw)
			if len(raw) > 0 {
				var resp rpcResponse
				if json.Unmarshal(raw, &resp) == nil && resp.ID == id {
					ch <- readResult{resp: resp}
					return
				}
			}
			if err != nil {
				ch <- readResult{err: err}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		s.broken = true
		return nil, ctx.Err()
	case rr := <-ch:
		if rr.err != nil {
			s.broken = true
			if errors.Is(rr.err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rr.err
		}
		if rr.resp.Error != nil {
			return nil, rr.resp.Error
		}
		return rr.resp.Result, nil
	}
}
