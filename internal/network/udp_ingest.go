package network

import (
	"context"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/detonator-project/detonator/internal/match"
	"github.com/detonator-project/detonator/internal/protocol"
)

// ingestBufferSize is larger than any valid action so oversized datagrams
// are seen whole and rejected.
const ingestBufferSize = 512

// ActionListener is the ingest loop: it reads game-action datagrams from
// the unicast socket and queues them on the session.
type ActionListener struct {
	conn   *net.UDPConn
	mode   protocol.GameMode
	logger zerolog.Logger
}

// NewActionListener wraps an already bound socket. Binding happens at
// startup so the port can be handed out during the handshake.
func NewActionListener(conn *net.UDPConn, mode protocol.GameMode) *ActionListener {
	return &ActionListener{
		conn:   conn,
		mode:   mode,
		logger: log.With().Str("component", "ingest").Logger(),
	}
}

// Port returns the bound action port.
func (l *ActionListener) Port() uint16 {
	return PortOf(l.conn.LocalAddr())
}

// Name identifies the loop in logs.
func (l *ActionListener) Name() string {
	return "ingest"
}

// Run reads datagrams until ctx ends. Malformed or wrong-mode datagrams
// are dropped silently.
func (l *ActionListener) Run(ctx context.Context, s *match.Session) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	l.logger.Info().Uint16("port", l.Port()).Msg("action ingest started")

	buf := make([]byte, ingestBufferSize)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				l.logger.Info().Msg("action ingest stopping")
				return nil
			default:
				l.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		action, err := protocol.DecodeGameAction(buf[:n])
		if err != nil {
			s.RecordDropped()
			l.logger.Trace().Err(err).Str("remote", remote.String()).Msg("dropping malformed action")
			continue
		}
		if action.Mode != l.mode {
			s.RecordDropped()
			l.logger.Trace().
				Str("remote", remote.String()).
				Str("mode", action.Mode.String()).
				Msg("dropping action for other mode")
			continue
		}

		s.Enqueue(action)
	}
}
