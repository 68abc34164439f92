package mtproto

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram/dcs"
)

const (
	telethonVersion = "1"
	authKeySize     = 256
)

// EncodeTelethon renders session data as a Telethon StringSession:
// version "1" followed by url-safe base64 of dc | ip | port | auth key.
func EncodeTelethon(data *session.Data) (string, error) {
	if data == nil {
		return "", errors.New("no session data")
	}
	if len(data.AuthKey) != authKeySize {
		return "", fmt.Errorf("auth key must be %d bytes, got %d", authKeySize, len(data.AuthKey))
	}

	addr := data.Addr
	if addr == "" {
		var err error
		if addr, err = prodAddr(data.DC); err != nil {
			return "", err
		}
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("dc address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", fmt.Errorf("dc port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("dc host %q is not an ip", host)
	}
	ipBytes := ip.To4()
	if ipBytes == nil {
		ipBytes = ip.To16()
	}

	buf := make([]byte, 0, 1+len(ipBytes)+2+authKeySize)
	buf = append(buf, byte(data.DC))
	buf = append(buf, ipBytes...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(port))
	buf = append(buf, data.AuthKey...)
	return telethonVersion + base64.URLEncoding.EncodeToString(buf), nil
}

// prodAddr picks the plain IPv4 endpoint of a production DC.
func prodAddr(dc int) (string, error) {
	for _, o := range dcs.Prod().Options {
		if o.ID != dc || o.Ipv6 || o.MediaOnly || o.CDN || o.TCPObfuscatedOnly {
			continue
		}
		return net.JoinHostPort(o.IPAddress, strconv.Itoa(o.Port)), nil
	}
	return "", fmt.Errorf("unknown dc %d", dc)
}
