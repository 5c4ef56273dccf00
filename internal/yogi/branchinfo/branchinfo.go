// Package branchinfo implements the immutable branch descriptor: its
// construction from local configuration, the derived 25-byte advertising
// message and the full info message, and deserialization of a remote
// branch's info message.
package branchinfo

import (
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"yogi-branch/internal/yogi/wire"
	"yogi-branch/internal/yogi/yerr"
)

const (
	versionMajor = 1
	versionMinor = 0

	// AdvertisingMessageSize is the fixed size of the advertising datagram:
	// magic(5) + version(2) + uuid(16) + port(2).
	AdvertisingMessageSize = 25
	// InfoMessageHeaderSize is AdvertisingMessageSize + the 4-byte body
	// length field.
	InfoMessageHeaderSize = AdvertisingMessageSize + 4
)

var magicPrefix = [5]byte{'Y', 'O', 'G', 'I', 0}

// NoAdvertising is the sentinel for "no periodic advertising".
const NoAdvertising = -1 * time.Nanosecond

// NoTimeout is the sentinel for "infinite connection timeout".
const NoTimeout = -1 * time.Nanosecond

// Config is user-supplied configuration used to construct a LocalBranchInfo.
type Config struct {
	Name                string
	Description         string
	NetworkName         string
	Path                string
	Timeout             time.Duration // NoTimeout sentinel for infinite
	AdvertisingAddress  net.IP
	AdvertisingPort     uint16
	AdvertisingInterval time.Duration // NoAdvertising sentinel to disable
	GhostMode           bool
	TxQueueSize         int
	RxQueueSize         int
}

// BranchInfo is the read-only set of fields common to local and remote
// branch descriptors.
type BranchInfo struct {
	UUID                uuid.UUID
	Name                string
	Description         string
	NetworkName         string
	Path                string
	Hostname            string
	PID                 int32
	TCPServerEndpoint   net.TCPAddr
	StartTime           time.Time
	Timeout             time.Duration
	AdvertisingInterval time.Duration
	GhostMode           bool
}

// LocalBranchInfo is built from configuration plus the bound TCP server
// port and advertising endpoint. It derives its advertising and info
// message buffers once and holds them immutable for the branch's lifetime.
type LocalBranchInfo struct {
	BranchInfo

	AdvertisingEndpoint net.UDPAddr
	TxQueueSize         int
	RxQueueSize         int

	advMsg  []byte
	infoMsg []byte
}

// CreateLocal builds a LocalBranchInfo from cfg and the bound TCP server
// endpoint.
func CreateLocal(cfg Config, tcpServerEP net.TCPAddr) (*LocalBranchInfo, error) {
	if cfg.Name == "" || cfg.NetworkName == "" || cfg.Path == "" {
		return nil, yerr.Err(yerr.InvalidParam, "name, network name and path must be non-empty")
	}
	if cfg.Path[0] != '/' {
		return nil, yerr.Err(yerr.InvalidParam, "path must begin with '/'")
	}
	if cfg.Timeout != NoTimeout && cfg.Timeout < time.Millisecond {
		return nil, yerr.Err(yerr.InvalidParam, "timeout must be at least 1ms")
	}
	if cfg.AdvertisingInterval != NoAdvertising && cfg.AdvertisingInterval < time.Millisecond {
		return nil, yerr.Err(yerr.InvalidParam, "advertising interval must be at least 1ms")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	li := &LocalBranchInfo{
		BranchInfo: BranchInfo{
			UUID:                uuid.New(),
			Name:                cfg.Name,
			Description:         cfg.Description,
			NetworkName:         cfg.NetworkName,
			Path:                cfg.Path,
			Hostname:            hostname,
			PID:                 int32(os.Getpid()),
			TCPServerEndpoint:   tcpServerEP,
			StartTime:           time.Now().UTC(),
			Timeout:             cfg.Timeout,
			AdvertisingInterval: cfg.AdvertisingInterval,
			GhostMode:           cfg.GhostMode,
		},
		AdvertisingEndpoint: net.UDPAddr{IP: cfg.AdvertisingAddress, Port: int(cfg.AdvertisingPort)},
		TxQueueSize:         cfg.TxQueueSize,
		RxQueueSize:         cfg.RxQueueSize,
	}
	li.populateMessages()
	return li, nil
}

// AdvertisingMessage returns the immutable 25-byte advertising datagram.
func (l *LocalBranchInfo) AdvertisingMessage() []byte { return l.advMsg }

// InfoMessage returns the immutable full info message (header + body size +
// body).
func (l *LocalBranchInfo) InfoMessage() []byte { return l.infoMsg }

func (l *LocalBranchInfo) populateMessages() {
	header := make([]byte, 0, AdvertisingMessageSize)
	header = append(header, magicPrefix[:]...)
	header = append(header, versionMajor, versionMinor)
	header = append(header, l.UUID[:]...)
	var portBuf [2]byte
	port := uint16(l.TCPServerEndpoint.Port)
	portBuf[0] = byte(port >> 8)
	portBuf[1] = byte(port)
	header = append(header, portBuf[:]...)

	if len(header) != AdvertisingMessageSize {
		panic("advertising message must be exactly 25 bytes")
	}
	l.advMsg = header

	fw := wire.NewFieldWriter()
	fw.PutString(l.Name)
	fw.PutString(l.Description)
	fw.PutString(l.NetworkName)
	fw.PutString(l.Path)
	fw.PutString(l.Hostname)
	fw.PutInt32(l.PID)
	fw.PutInt64(l.StartTime.UnixNano())
	fw.PutInt64(durationToWireNanos(l.Timeout))
	fw.PutInt64(durationToWireNanos(l.AdvertisingInterval))
	fw.PutBool(l.GhostMode)
	body := fw.Bytes()

	info := make([]byte, 0, InfoMessageHeaderSize+len(body))
	info = append(info, header...)
	bodyLenBuf := make([]byte, 4)
	bodyLen := uint32(len(body))
	bodyLenBuf[0] = byte(bodyLen >> 24)
	bodyLenBuf[1] = byte(bodyLen >> 16)
	bodyLenBuf[2] = byte(bodyLen >> 8)
	bodyLenBuf[3] = byte(bodyLen)
	info = append(info, bodyLenBuf...)
	info = append(info, body...)
	l.infoMsg = info
}

func durationToWireNanos(d time.Duration) int64 {
	if d == NoTimeout {
		return -1
	}
	return int64(d)
}

func wireNanosToDuration(n int64) time.Duration {
	if n == -1 {
		return NoTimeout
	}
	return time.Duration(n)
}

// RemoteBranchInfo is constructed by deserializing a received info message.
type RemoteBranchInfo struct {
	BranchInfo
}

// CheckMagicPrefixAndVersion validates the 25-byte advertising header.
func CheckMagicPrefixAndVersion(header []byte) error {
	if len(header) < AdvertisingMessageSize {
		return yerr.Err(yerr.DeserializeMsgFailed, "advertising header too short")
	}
	for i, b := range magicPrefix {
		if header[i] != b {
			return yerr.Err(yerr.InvalidMagicPrefix, "bad magic prefix")
		}
	}
	if header[5] != versionMajor || header[6] != versionMinor {
		return yerr.Err(yerr.IncompatibleVersion, "version mismatch")
	}
	return nil
}

// ParseAdvertisingMessage extracts the uuid and advertised TCP port from a
// valid 25-byte advertising datagram.
func ParseAdvertisingMessage(datagram []byte) (uuid.UUID, uint16, error) {
	if len(datagram) != AdvertisingMessageSize {
		return uuid.UUID{}, 0, yerr.Err(yerr.DeserializeMsgFailed, "advertising datagram must be 25 bytes")
	}
	if err := CheckMagicPrefixAndVersion(datagram); err != nil {
		return uuid.UUID{}, 0, err
	}
	var id uuid.UUID
	copy(id[:], datagram[7:23])
	port := uint16(datagram[23])<<8 | uint16(datagram[24])
	return id, port, nil
}

// CreateFromInfoMessage validates and deserializes a received info message.
// The remote TCP endpoint is (addr, advertised port).
func CreateFromInfoMessage(infoMsg []byte, addr net.IP) (*RemoteBranchInfo, error) {
	if len(infoMsg) < InfoMessageHeaderSize {
		return nil, yerr.Err(yerr.DeserializeMsgFailed, "info message too short")
	}
	id, port, err := ParseAdvertisingMessage(infoMsg[:AdvertisingMessageSize])
	if err != nil {
		return nil, err
	}

	bodyLen := uint32(infoMsg[25])<<24 | uint32(infoMsg[26])<<16 | uint32(infoMsg[27])<<8 | uint32(infoMsg[28])
	body := infoMsg[InfoMessageHeaderSize:]
	if uint32(len(body)) < bodyLen {
		return nil, yerr.Err(yerr.DeserializeMsgFailed, "info message body truncated")
	}
	body = body[:bodyLen]

	fr := wire.NewFieldReader(body)
	name := fr.String()
	description := fr.String()
	networkName := fr.String()
	path := fr.String()
	hostname := fr.String()
	pid := fr.Int32()
	startTimeNanos := fr.Int64()
	timeoutNanos := fr.Int64()
	advIntervalNanos := fr.Int64()
	ghostMode := fr.Bool()
	if fr.Err() != nil {
		return nil, fr.Err()
	}

	return &RemoteBranchInfo{BranchInfo: BranchInfo{
		UUID:                id,
		Name:                name,
		Description:         description,
		NetworkName:         networkName,
		Path:                path,
		Hostname:            hostname,
		PID:                 pid,
		TCPServerEndpoint:   net.TCPAddr{IP: addr, Port: int(port)},
		StartTime:           time.Unix(0, startTimeNanos).UTC(),
		Timeout:             wireNanosToDuration(timeoutNanos),
		AdvertisingInterval: wireNanosToDuration(advIntervalNanos),
		GhostMode:           ghostMode,
	}}, nil
}

// View is the JSON-facing representation of a BranchInfo. connected_since
// (added by the connection layer) uses that exact key, never a
// trailing-underscore variant.
type View struct {
	UUID                string  `json:"uuid"`
	Name                string  `json:"name"`
	Description         string  `json:"description"`
	NetworkName         string  `json:"network_name"`
	Path                string  `json:"path"`
	Hostname            string  `json:"hostname"`
	PID                 int32   `json:"pid"`
	TCPServerAddress    string  `json:"tcp_server_address"`
	TCPServerPort       int     `json:"tcp_server_port"`
	StartTime           string  `json:"start_time"`
	Timeout             float64 `json:"timeout"`
	AdvertisingInterval float64 `json:"advertising_interval"`
	GhostMode           bool    `json:"ghost_mode"`
}

// ToView renders the BranchInfo as its JSON-facing view.
func (b *BranchInfo) ToView() View {
	timeout := -1.0
	if b.Timeout != NoTimeout {
		timeout = b.Timeout.Seconds()
	}
	advInterval := -1.0
	if b.AdvertisingInterval != NoAdvertising {
		advInterval = b.AdvertisingInterval.Seconds()
	}
	return View{
		UUID:                b.UUID.String(),
		Name:                b.Name,
		Description:         b.Description,
		NetworkName:         b.NetworkName,
		Path:                b.Path,
		Hostname:            b.Hostname,
		PID:                 b.PID,
		TCPServerAddress:    b.TCPServerEndpoint.IP.String(),
		TCPServerPort:       b.TCPServerEndpoint.Port,
		StartTime:           b.StartTime.Format(time.RFC3339Nano),
		Timeout:             timeout,
		AdvertisingInterval: advInterval,
		GhostMode:           b.GhostMode,
	}
}
