// Package gateway is the minimal TCP shim that makes this repository
// runnable end to end. It owns client TCP sessions in the teacher's own
// framing style (length-prefixed messages over a long-lived connection,
// one worker/session per client, tomb-supervised lifecycle — carried
// over from internal/net/server.go) and relays frames onto/from the bus.
// Per §1's Non-goals, it is intentionally thin: JSON framing instead of
// the teacher's bespoke binary layout, no auth, no backpressure tuning,
// no websocket fan-out. A real deployment replaces it with the excluded
// HTTP/websocket gateway talking to the same bus.
package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"fenrir/internal/bus"
	"fenrir/internal/model"
)

// maxFrameSize bounds a single length-prefixed frame, guarding against a
// malformed or hostile length header turning into an unbounded alloc.
const maxFrameSize = 1 << 20

// ErrFrameTooLarge is returned by readFrame when a peer's declared frame
// length exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("gateway: frame exceeds maximum size")

// Server accepts client TCP connections, decodes one Command frame per
// message, and republishes it onto the bus's commands topic tagged with
// a per-connection client id; it relays that client's result topic back
// over the same connection.
type Server struct {
	address string
	port    int
	bus     *bus.Bus
	cancel  context.CancelFunc
}

// New constructs a gateway Server, mirroring the teacher's bare
// constructor-arg style (net.New(address, port, engine)).
func New(address string, port int, b *bus.Bus) *Server {
	return &Server{address: address, port: port, bus: b}
}

// Shutdown cancels the server's context, stopping Run.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Run listens for client connections until ctx is cancelled, spawning
// one tomb-supervised goroutine pair (reader + result relay) per
// connection, exactly as the teacher's internal/net.Server does for its
// worker pool.
func (s *Server) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	t.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	log.Info().Str("addr", listener.Addr().String()).Msg("gateway: listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return t.Wait()
			default:
				log.Error().Err(err).Msg("gateway: accept failed")
				continue
			}
		}

		clientID := uuid.New().String()
		log.Info().Str("client", clientID).Str("remote", conn.RemoteAddr().String()).Msg("gateway: client connected")

		t.Go(func() error {
			s.handleConnection(ctx, clientID, conn)
			return nil
		})
	}
}

// handleConnection owns one client's duplex session: a result-relay
// goroutine writing that client's result frames out, and this goroutine's
// own loop reading command frames in. It returns (closing the
// connection) when either direction fails.
func (s *Server) handleConnection(ctx context.Context, clientID string, conn net.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.relayResults(connCtx, clientID, conn)

	for {
		payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error().Err(err).Str("client", clientID).Msg("gateway: read failed, closing session")
			}
			return
		}

		var cmd model.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			log.Error().Err(err).Str("client", clientID).Msg("gateway: malformed command frame, ignoring")
			continue
		}

		encoded, err := json.Marshal(model.Envelope{ClientID: clientID, Command: cmd})
		if err != nil {
			log.Error().Err(err).Msg("gateway: failed to encode envelope")
			continue
		}
		if err := s.bus.PublishCommand(encoded); err != nil {
			log.Error().Err(err).Str("client", clientID).Msg("gateway: failed to publish command")
		}
	}
}

// relayResults forwards every message on the client's result topic back
// over the TCP connection as a length-prefixed JSON frame.
func (s *Server) relayResults(ctx context.Context, clientID string, conn net.Conn) {
	msgs, err := s.bus.Subscribe(ctx, bus.ResultTopic(clientID))
	if err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("gateway: failed to subscribe to result topic")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := writeFrame(conn, msg.Payload); err != nil {
				log.Error().Err(err).Str("client", clientID).Msg("gateway: write failed, closing session")
				msg.Ack()
				return
			}
			msg.Ack()
		}
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
