// Package discovery finds smart plugs on the local network by broadcasting
// the telemetry query over UDP and collecting unicast replies within a
// bounded window. Each pass is self-contained; persisting what was found
// is the poller's job.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgewatt/plugmon/internal/models"
	"github.com/edgewatt/plugmon/internal/protocol"
)

const (
	// DefaultBroadcastAddr is the limited broadcast on the protocol's
	// well-known port.
	DefaultBroadcastAddr = "255.255.255.255:9999"

	DefaultWindow = 2 * time.Second

	maxDatagram = 4096
)

// Client broadcasts one discovery query per pass and decodes the replies.
type Client struct {
	broadcastAddr string
	window        time.Duration
	logger        *logrus.Logger
}

func NewClient(broadcastAddr string, window time.Duration, logger *logrus.Logger) *Client {
	if broadcastAddr == "" {
		broadcastAddr = DefaultBroadcastAddr
	}
	if window <= 0 {
		window = DefaultWindow
	}

	return &Client{
		broadcastAddr: broadcastAddr,
		window:        window,
		logger:        logger,
	}
}

// Discover sends the broadcast and collects replies until the window
// elapses. Replies that fail to decode are logged and dropped; duplicate
// replies from one source address collapse, last write wins.
func (c *Client) Discover(ctx context.Context) ([]models.Candidate, error) {
	dest, err := net.ResolveUDPAddr("udp4", c.broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve broadcast address: %w", err)
	}

	// The protocol uses one well-known port for UDP discovery and TCP
	// queries, so candidates inherit the broadcast port.
	devicePort := fmt.Sprintf("%d", dest.Port)

	lc := net.ListenConfig{Control: enableBroadcast}

	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("discovery: open socket: %w", err)
	}
	defer pc.Close()

	query, err := json.Marshal(protocol.TelemetryQuery())
	if err != nil {
		return nil, fmt.Errorf("discovery: marshal query: %w", err)
	}

	// UDP messages are unframed; the datagram boundary delimits them.
	if _, err := pc.WriteTo(protocol.Encrypt(query), dest); err != nil {
		return nil, fmt.Errorf("discovery: broadcast: %w", err)
	}

	deadline := time.Now().Add(c.window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pc.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("discovery: set deadline: %w", err)
	}

	bySource := make(map[string]models.Candidate)
	buf := make([]byte, maxDatagram)

	for {
		n, src, err := pc.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("discovery: read reply: %w", err)
		}

		cand, err := decodeReply(buf[:n], src, devicePort)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"source": src.String(),
				"error":  err.Error(),
			}).Warn("Dropping undecodable discovery reply")

			continue
		}

		bySource[src.String()] = cand
	}

	candidates := make([]models.Candidate, 0, len(bySource))
	for _, cand := range bySource {
		candidates = append(candidates, cand)
	}

	return candidates, nil
}

func decodeReply(datagram []byte, src net.Addr, devicePort string) (models.Candidate, error) {
	var reply protocol.Reply
	if err := json.Unmarshal(protocol.Decrypt(datagram), &reply); err != nil {
		return models.Candidate{}, fmt.Errorf("%w: %v", protocol.ErrInvalidJSON, err)
	}

	if reply.System == nil || reply.System.GetSysinfo == nil {
		return models.Candidate{}, errors.New("reply has no sysinfo")
	}

	info := reply.System.GetSysinfo
	if info.DeviceID == "" {
		return models.Candidate{}, errors.New("reply has no device id")
	}

	host, _, err := net.SplitHostPort(src.String())
	if err != nil {
		return models.Candidate{}, fmt.Errorf("bad source address: %w", err)
	}

	return models.Candidate{
		DeviceID:        info.DeviceID,
		Alias:           info.Alias,
		Addr:            net.JoinHostPort(host, devicePort),
		Model:           info.Model,
		HardwareVersion: info.HardwareVersion,
	}, nil
}

// enableBroadcast sets SO_BROADCAST so the limited broadcast address is
// sendable.
func enableBroadcast(network, address string, conn syscall.RawConn) error {
	var sockErr error

	err := conn.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}

	return sockErr
}
