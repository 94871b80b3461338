package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"nhooyr.io/websocket"

	"escrowcoord/core/mirror"
)

const wsWriteTimeout = 10 * time.Second

// handleStream upgrades to a websocket and pushes the mirror record of the
// escrow after every change. The address is polled for as long as at least
// one view is open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	kind, err := s.resolveKind(r.Context(), r.URL.Query().Get("kind"), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if s.views == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("stream unavailable"))
		return
	}
	// Subscribe before the poll loop starts so the first reconcile is not
	// missed.
	updates, cancel := s.mirror.Subscribe(addr)
	defer cancel()
	if err := s.views.open(kind, addr); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer s.views.close(addr)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	s.stream.Connected(1)
	defer s.stream.Connected(-1)

	ctx := conn.CloseRead(r.Context())
	if err := s.streamRecords(ctx, conn, addr, updates); err != nil {
		if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
			s.logger.Warn("stream aborted",
				slog.String("address", addr.Hex()),
				slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamRecords(ctx context.Context, conn *websocket.Conn, addr common.Address, updates <-chan *mirror.Record) error {
	if current, err := s.mirror.Read(ctx, addr); err == nil {
		if err := s.writeRecord(ctx, conn, current); err != nil {
			return err
		}
	} else if !errors.Is(err, mirror.ErrNotFound) {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.writeRecord(ctx, conn, rec); err != nil {
				return err
			}
			if rec.Terminal {
				return nil
			}
		}
	}
}

func (s *Server) writeRecord(ctx context.Context, conn *websocket.Conn, rec *mirror.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	s.stream.RecordDelivery(rec.Kind.String())
	return nil
}
