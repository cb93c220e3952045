package dsrpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dfr-systems/flexfiled/internal/logger"
	"github.com/dfr-systems/flexfiled/internal/protocol/dataplane"
	"github.com/dfr-systems/flexfiled/pkg/errs"
	"github.com/dfr-systems/flexfiled/pkg/pieces"
)

// Server is the data-server side of the data-plane side protocol: it
// answers FINDPIECE/CREATEPIECE/REMOVEPIECE/READ/WRITE/LISTPIECES
// against a local pkg/pieces.Store, matching the portmap server's
// Serve(ctx)-blocks-until-cancelled shape (internal/adapter's
// net.Listen + goroutine-per-connection convention).
type Server struct {
	store *pieces.Store

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(store *pieces.Store) *Server {
	return &Server{store: store}
}

// Addr returns the address Serve bound to, once listening has started.
// Mainly useful for tests that bind an ephemeral port (":0").
func (s *Server) Addr() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return "", false
	}
	return s.listener.Addr().String(), true
}

// Serve listens on addr and answers data-plane requests until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dsrpc: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	logger.InfoCtx(ctx, "data-plane server listening", "addr", addr)
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dsrpc: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		req, err := dataplane.ReadRequestFrame(r)
		if err != nil {
			if err != io.EOF {
				logger.DebugCtx(ctx, "data-plane connection closed", "error", err)
			}
			return
		}
		resp := s.dispatch(ctx, req)
		if err := dataplane.WriteResponse(w, resp); err != nil {
			logger.WarnCtx(ctx, "data-plane write response failed", "error", err)
			return
		}
		if err := w.Flush(); err != nil {
			logger.WarnCtx(ctx, "data-plane flush failed", "error", err)
			return
		}
	}
}

func toStatus(err error) dataplane.Status {
	switch {
	case err == nil:
		return dataplane.StatusOK
	case errs.IsNotFound(err):
		return dataplane.StatusNotFound
	case errs.Is(err, errs.KindInvalidArgument):
		return dataplane.StatusInvalid
	default:
		return dataplane.StatusIOError
	}
}

func (s *Server) dispatch(ctx context.Context, req dataplane.Request) dataplane.Response {
	switch req.Op {
	case dataplane.OpFindPiece:
		preq, err := dataplane.DecodePieceRequest(req.Body)
		if err != nil {
			return dataplane.Response{Status: dataplane.StatusInvalid}
		}
		pid := fromWirePieceID(preq.Piece)
		if _, err := s.store.FindPiece(ctx, pid); err != nil {
			return dataplane.Response{Status: toStatus(err)}
		}
		return dataplane.Response{Status: dataplane.StatusOK}

	case dataplane.OpCreatePiece:
		preq, err := dataplane.DecodePieceRequest(req.Body)
		if err != nil {
			return dataplane.Response{Status: dataplane.StatusInvalid}
		}
		pid := fromWirePieceID(preq.Piece)
		if _, err := s.store.CreatePiece(ctx, pid); err != nil {
			return dataplane.Response{Status: toStatus(err)}
		}
		return dataplane.Response{Status: dataplane.StatusOK}

	case dataplane.OpRemovePiece:
		preq, err := dataplane.DecodePieceRequest(req.Body)
		if err != nil {
			return dataplane.Response{Status: dataplane.StatusInvalid}
		}
		pid := fromWirePieceID(preq.Piece)
		if err := s.store.RemovePiece(ctx, pid); err != nil {
			return dataplane.Response{Status: toStatus(err)}
		}
		return dataplane.Response{Status: dataplane.StatusOK}

	case dataplane.OpReadPiece:
		return s.handleRead(ctx, req.Body)

	case dataplane.OpWritePiece:
		return s.handleWrite(ctx, req.Body)

	case dataplane.OpListPieces:
		return s.handleList(ctx)

	default:
		return dataplane.Response{Status: dataplane.StatusInvalid}
	}
}

func (s *Server) handleRead(ctx context.Context, body []byte) dataplane.Response {
	rr, err := dataplane.DecodeReadRequest(body)
	if err != nil {
		return dataplane.Response{Status: dataplane.StatusInvalid}
	}
	pid := fromWirePieceID(rr.Piece)
	df, err := s.store.FindPiece(ctx, pid)
	if err != nil {
		return dataplane.Response{Status: toStatus(err)}
	}

	buf := make([]byte, rr.Length)
	n, err := df.ReadAt(buf, int64(rr.Offset))
	eof := err == io.EOF
	if err != nil && !eof {
		return dataplane.Response{Status: dataplane.StatusIOError}
	}
	out := dataplane.ReadResponse{Data: buf[:n], EOF: eof}
	return dataplane.Response{Status: dataplane.StatusOK, Body: out.Encode()}
}

func (s *Server) handleWrite(ctx context.Context, body []byte) dataplane.Response {
	wr, err := dataplane.DecodeWriteRequest(body)
	if err != nil {
		return dataplane.Response{Status: dataplane.StatusInvalid}
	}
	pid := fromWirePieceID(wr.Piece)
	df, err := s.store.FindPiece(ctx, pid)
	if errs.IsNotFound(err) {
		df, err = s.store.CreatePiece(ctx, pid)
	}
	if err != nil {
		return dataplane.Response{Status: toStatus(err)}
	}

	if _, err := df.WriteAt(wr.Data, int64(wr.Offset)); err != nil {
		return dataplane.Response{Status: dataplane.StatusIOError}
	}
	return dataplane.Response{Status: dataplane.StatusOK}
}

func (s *Server) handleList(ctx context.Context) dataplane.Response {
	var out []dataplane.PieceID
	_, err := s.store.Enumerate(pieces.SeekKey{}, func(pid pieces.PieceID) (bool, error) {
		out = append(out, toWirePieceID(pid))
		return true, nil
	})
	if err != nil {
		return dataplane.Response{Status: dataplane.StatusIOError}
	}
	resp := dataplane.ListPiecesResponse{Pieces: out}
	return dataplane.Response{Status: dataplane.StatusOK, Body: resp.Encode()}
}
