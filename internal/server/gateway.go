package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/connection"
	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/protocol"
	"github.com/smukkama/fieldmesh/pkg/config"
)

// readPoll bounds each blocking read so the handler notices shutdown
const readPoll = 30 * time.Second

var errUnknownDevice = errors.New("device is not registered")

// DeviceLookup resolves identified devices against the registry
type DeviceLookup interface {
	GetDevice(ctx context.Context, id string) (model.Device, bool)
}

// Ingester accepts readings for in-process ingestion
type Ingester interface {
	IngestReading(ctx context.Context, reading model.SensorReading)
}

// ReadingPublisher writes a keyed message to the raw readings topic
type ReadingPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// InactivityTimers schedules idle connection shutdowns
type InactivityTimers interface {
	Schedule(id string, dueAt time.Time, run func()) error
	Cancel(id string) bool
}

// Gateway accepts newline-delimited JSON telemetry from field devices.
// A device identifies first; readings are then ingested directly or, when
// a publisher is set, forwarded to Kafka for the reading pump.
type Gateway struct {
	config    *config.GatewayConfig
	sessions  *connection.Manager
	timers    InactivityTimers
	devices   DeviceLookup
	ingester  Ingester
	publisher ReadingPublisher
	logger    zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option configures a Gateway
type Option func(*Gateway)

// WithPublisher routes readings to Kafka instead of the in-process ingester
func WithPublisher(p ReadingPublisher) Option {
	return func(g *Gateway) { g.publisher = p }
}

// NewGateway creates a new telemetry gateway
func NewGateway(cfg *config.GatewayConfig, sessions *connection.Manager, timers InactivityTimers,
	devices DeviceLookup, ingester Ingester, logger zerolog.Logger, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:   cfg,
		sessions: sessions,
		timers:   timers,
		devices:  devices,
		ingester: ingester,
		logger:   logger,
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start listens on the configured port
func (g *Gateway) Start() error {
	addr := fmt.Sprintf(":%d", g.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	g.Serve(listener)
	g.logger.Info().Str("addr", addr).Msg("gateway listening")
	return nil
}

// Serve accepts connections from listener in the background
func (g *Gateway) Serve(listener net.Listener) {
	g.listener = listener
	g.wg.Add(1)
	go g.acceptConnections()
}

// Addr returns the listening address, nil before Serve
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Stop closes the listener and every open connection, then waits
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		g.cancel()
		if g.listener != nil {
			g.listener.Close()
		}
	})
	g.wg.Wait()
	g.logger.Info().Msg("gateway stopped")
}

func (g *Gateway) acceptConnections() {
	defer g.wg.Done()

	for {
		conn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-g.stopCh:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				g.logger.Warn().Err(err).Msg("failed to accept connection")
				continue
			}
		}

		if g.sessions.Count() >= g.config.MaxConnections {
			g.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("maximum connections reached, rejecting connection")
			conn.Close()
			continue
		}

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handleConnection(conn)
		}()
	}
}

func (g *Gateway) handleConnection(conn net.Conn) {
	defer conn.Close()

	connectionID := uuid.New().String()
	log := g.logger.With().Str("connection_id", connectionID).Logger()
	log.Debug().Str("remote", remoteAddr(conn)).Msg("new connection")

	// Close on shutdown so a blocked read returns
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-g.stopCh:
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(g.config.IdentifyTimeout))

	reader := newFrameReader(conn, g.config.MaxMessageBytes)
	line, err := reader.next()
	if err != nil {
		if errors.Is(err, errFrameTooLarge) {
			g.sendAck(conn, protocol.NewErrorAck(protocol.AckStatusError, err))
		}
		log.Debug().Err(err).Msg("failed to read identify message")
		return
	}

	msg, err := protocol.ParseMessage(line)
	if err != nil {
		g.sendAck(conn, protocol.NewErrorAck(protocol.AckStatusError, err))
		return
	}

	identify, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		g.sendAck(conn, protocol.NewErrorAck(protocol.AckStatusError, fmt.Errorf("expected identify message")))
		return
	}

	device, known := g.devices.GetDevice(g.ctx, identify.DeviceID)
	if !known {
		log.Warn().Str("device_id", identify.DeviceID).Msg("rejected unregistered device")
		g.sendAck(conn, protocol.NewErrorAck(protocol.AckStatusRejected, errUnknownDevice))
		return
	}

	displaced, err := g.sessions.Register(connectionID, device.ID, device.Location.FarmID, conn)
	if displaced != nil {
		g.timers.Cancel(timerID(displaced.ConnectionID))
		displaced.Conn.Close()
		log.Info().Str("device_id", device.ID).Str("displaced", displaced.ConnectionID).Msg("device reconnected")
	}
	if err != nil {
		log.Warn().Err(err).Str("device_id", device.ID).Msg("failed to register session")
		g.sendAck(conn, protocol.NewErrorAck(protocol.AckStatusRejected, err))
		return
	}
	defer func() {
		g.timers.Cancel(timerID(connectionID))
		_ = g.sessions.Unregister(connectionID)
	}()

	log = log.With().Str("device_id", device.ID).Logger()
	log.Info().Str("firmware", identify.FirmwareVersion).Msg("device identified")

	if err := g.sendAck(conn, protocol.NewAckMessage(protocol.AckStatusIdentified)); err != nil {
		log.Debug().Err(err).Msg("failed to send ack")
		return
	}

	g.scheduleInactivityTimer(connectionID, log)

	for {
		select {
		case <-g.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readPoll))
		line, err := reader.next()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, errFrameTooLarge) {
				log.Warn().Int("limit", reader.max).Msg("message too large, closing connection")
				g.sendAck(conn, protocol.NewErrorAck(protocol.AckStatusError, err))
				return
			}
			log.Debug().Err(err).Bool("partial", reader.partial()).Msg("connection closed")
			return
		}

		msg, err := protocol.ParseMessage(line)
		if err != nil {
			log.Debug().Err(err).Msg("invalid message")
			if err := g.sendAck(conn, protocol.NewErrorAck(protocol.AckStatusError, err)); err != nil {
				return
			}
			continue
		}

		ack, reading := g.handleMessage(device.ID, connectionID, msg)
		_ = g.sessions.UpdateActivity(connectionID, reading)
		g.scheduleInactivityTimer(connectionID, log)

		if err := g.sendAck(conn, ack); err != nil {
			log.Debug().Err(err).Msg("failed to send ack")
			return
		}
	}
}

// handleMessage returns the ack to send and whether msg carried a reading
func (g *Gateway) handleMessage(deviceID, connectionID string, msg interface{}) (*protocol.AckMessage, bool) {
	switch m := msg.(type) {
	case *protocol.ReadingMessage:
		if err := g.handleReading(deviceID, connectionID, m); err != nil {
			g.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to accept reading")
			return protocol.NewErrorAck(protocol.AckStatusError, err), false
		}
		return protocol.NewAckMessage(protocol.AckStatusAccepted), true

	case *protocol.KeepaliveMessage:
		return protocol.NewAckMessage(protocol.AckStatusAlive), false

	default:
		return protocol.NewErrorAck(protocol.AckStatusError, fmt.Errorf("unexpected message type: %T", msg)), false
	}
}

func (g *Gateway) handleReading(deviceID, connectionID string, msg *protocol.ReadingMessage) error {
	if g.publisher == nil {
		reading, err := msg.Data.ToReading(deviceID)
		if err != nil {
			return err
		}
		g.ingester.IngestReading(g.ctx, reading)
		return nil
	}

	data, err := protocol.EncodeReadingEnvelope(&protocol.ReadingEnvelope{
		Source:       "gateway",
		ConnectionID: connectionID,
		DeviceID:     deviceID,
		ReceivedAt:   time.Now(),
		Data:         msg.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	// Key by device so one device's readings stay ordered on a partition
	if err := g.publisher.Publish(g.ctx, deviceID, data); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}
	return nil
}

func (g *Gateway) sendAck(conn net.Conn, ack *protocol.AckMessage) error {
	data, err := protocol.EncodeMessage(ack)
	if err != nil {
		return err
	}

	_, err = conn.Write(append(data, '\n'))
	return err
}

func (g *Gateway) scheduleInactivityTimer(connectionID string, log zerolog.Logger) {
	expiryAt := time.Now().Add(g.config.InactivityTimeout)

	callback := func() {
		session, exists := g.sessions.Get(connectionID)
		if !exists {
			return
		}
		log.Info().Msg("inactivity timeout, closing connection")
		// the handler's deferred cleanup unregisters the session
		session.Conn.Close()
	}

	if err := g.timers.Schedule(timerID(connectionID), expiryAt, callback); err != nil {
		log.Warn().Err(err).Msg("failed to schedule inactivity timer")
	}
}

// Stats returns session statistics
func (g *Gateway) Stats() connection.ManagerStats {
	return g.sessions.Stats()
}

func timerID(connectionID string) string {
	return fmt.Sprintf("inactivity-%s", connectionID)
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
