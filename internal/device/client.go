// Package device talks to one smart plug over TCP: framed telemetry query
// out, framed reply in, mapped to a normalized Reading. Failures are
// classified, never fatal; the connection is closed on every exit path.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/edgewatt/plugmon/internal/models"
	"github.com/edgewatt/plugmon/internal/protocol"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 3 * time.Second
)

// Client issues telemetry queries to devices. It is stateless and safe
// for concurrent use.
type Client struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
}

func NewClient(connectTimeout, readTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	return &Client{
		connectTimeout: connectTimeout,
		readTimeout:    readTimeout,
	}
}

// Query polls the device at addr. The hardware version selects the unit
// scaling convention; pass the empty string to detect from the reply
// fields. Returns a *PollError classifying any failure.
func (c *Client) Query(ctx context.Context, addr, hardwareVersion string) (models.Reading, error) {
	dialer := net.Dialer{Timeout: c.connectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return models.Reading{}, pollErr(KindUnreachable, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return models.Reading{}, pollErr(KindUnreachable, err)
	}

	if err := protocol.WriteFrame(conn, protocol.TelemetryQuery()); err != nil {
		return models.Reading{}, pollErr(KindUnreachable, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return models.Reading{}, pollErr(KindUnreachable, err)
	}

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return models.Reading{}, pollErr(classifyReadErr(err), err)
	}

	var reply protocol.Reply
	if err := protocol.Decode(frame, &reply); err != nil {
		return models.Reading{}, pollErr(KindProtocol, err)
	}

	return mapReply(&reply, hardwareVersion, time.Now())
}

func classifyReadErr(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, protocol.ErrTruncated) || errors.Is(err, protocol.ErrFrameTooLarge) {
		return KindProtocol
	}

	return KindUnreachable
}

// mapReply pulls the realtime sample out of the envelope and scales it.
func mapReply(reply *protocol.Reply, hardwareVersion string, at time.Time) (models.Reading, error) {
	if reply.EMeter == nil || reply.EMeter.GetRealtime == nil {
		return models.Reading{}, pollErr(KindUnexpectedSchema,
			errors.New("reply has no emeter realtime section"))
	}

	rt := reply.EMeter.GetRealtime
	if rt.ErrCode != nil && *rt.ErrCode != 0 {
		return models.Reading{}, pollErr(KindUnexpectedSchema,
			fmt.Errorf("device reported emeter error code %d", *rt.ErrCode))
	}

	// Prefer the hardware version from the reply itself; it is fresher
	// than whatever discovery recorded.
	if reply.System != nil && reply.System.GetSysinfo != nil {
		if hv := reply.System.GetSysinfo.HardwareVersion; hv != "" {
			hardwareVersion = hv
		}
	}

	reading, ok := scaleReading(rt, ConventionFor(hardwareVersion), at)
	if !ok {
		return models.Reading{}, pollErr(KindUnexpectedSchema,
			errors.New("realtime sample is missing telemetry fields"))
	}

	return reading, nil
}
