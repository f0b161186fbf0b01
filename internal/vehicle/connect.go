package vehicle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Transport names the endpoint kind of a connection string.
type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportUDP       Transport = "udp"
	TransportUDPListen Transport = "udpin"
	TransportSerial    Transport = "serial"
	TransportSim       Transport = "sim"
)

// Endpoint is a parsed connection string.
type Endpoint struct {
	Transport Transport
	Address   string // host:port or device path
	Baud      int
}

func (e Endpoint) String() string {
	if e.Transport == TransportSerial {
		return fmt.Sprintf("serial:%s:%d", e.Address, e.Baud)
	}
	if e.Transport == TransportSim {
		return "sim:"
	}
	return string(e.Transport) + ":" + e.Address
}

// ParseEndpoint understands "tcp:host:port", "udp:host:port",
// "udpin:host:port", "serial:/dev/ttyX[:baud]", a bare "/dev/ttyX" path and
// "sim:". defaultBaud applies to serial endpoints without an explicit rate.
func ParseEndpoint(s string, defaultBaud int) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty connection string")
	}
	if strings.HasPrefix(s, "/") {
		return Endpoint{Transport: TransportSerial, Address: s, Baud: defaultBaud}, nil
	}

	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Endpoint{}, fmt.Errorf("connection string %q has no transport prefix", s)
	}
	switch t := Transport(strings.ToLower(scheme)); t {
	case TransportSim:
		return Endpoint{Transport: TransportSim}, nil
	case TransportTCP, TransportUDP, TransportUDPListen:
		host, port, ok := strings.Cut(rest, ":")
		if !ok || port == "" {
			return Endpoint{}, fmt.Errorf("connection string %q is missing a port", s)
		}
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return Endpoint{}, fmt.Errorf("connection string %q has invalid port: %w", s, err)
		}
		return Endpoint{Transport: t, Address: host + ":" + port}, nil
	case TransportSerial:
		dev, baud := rest, defaultBaud
		if i := strings.LastIndex(rest, ":"); i > 0 {
			if b, err := strconv.Atoi(rest[i+1:]); err == nil {
				dev, baud = rest[:i], b
			}
		}
		if dev == "" {
			return Endpoint{}, fmt.Errorf("connection string %q is missing a device", s)
		}
		if baud <= 0 {
			return Endpoint{}, fmt.Errorf("connection string %q needs a positive baud rate", s)
		}
		return Endpoint{Transport: TransportSerial, Address: dev, Baud: baud}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported transport %q", scheme)
	}
}

// Dialer opens a Link to one endpoint.
type Dialer func(ctx context.Context, ep Endpoint) (Link, error)

// Connect parses address and dials it once.
func Connect(ctx context.Context, dial Dialer, address string, baud int) (Link, error) {
	ep, err := ParseEndpoint(address, baud)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	link, err := dial(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, ep, err)
	}
	logf("connected to %s", ep)
	return link, nil
}

// ConnectWithFallback tries primary once, then fallback once. It returns
// the address that succeeded.
func ConnectWithFallback(ctx context.Context, dial Dialer, primary, fallback string, baud int) (Link, string, error) {
	link, err := Connect(ctx, dial, primary, baud)
	if err == nil {
		return link, primary, nil
	}
	if fallback == "" || fallback == primary || ctx.Err() != nil {
		return nil, "", err
	}
	logf("primary link %s failed (%v), trying %s", primary, err, fallback)
	link, ferr := Connect(ctx, dial, fallback, baud)
	if ferr != nil {
		return nil, "", fmt.Errorf("%w (fallback: %v)", err, ferr)
	}
	return link, fallback, nil
}
