package milter

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/rspamd/go-milterd/internal/addr"
	"github.com/rspamd/go-milterd/internal/wire"
)

// ProtoMin is the lowest milter protocol version this server accepts during
// OPTNEG (spec.md §4.3 PROTO_MIN).
const ProtoMin uint32 = 2

// ActionsMask is the full set of modification actions C7's verdict
// translator can call on (spec.md §4.3 ACTIONS_MASK). It is the default
// value of options.actions; WithAction/WithoutAction/WithActions override it
// per [Server].
const ActionsMask OptAction = OptAddHeader | OptChangeBody | OptAddRcpt | OptRemoveRcpt |
	OptChangeHeader | OptQuarantine | OptChangeFrom | OptAddRcptWithArgs | OptSetMacros

// dispatch applies one decoded frame to session state (C3). It returns the
// error that should tear the connection down, if any; a nil error with no
// enqueued reply means "continue reading, nothing to say yet" (e.g. MACRO).
func (s *Session) dispatch(f Frame) error {
	if !s.negotiated {
		switch f.Code {
		case wire.CodeOptNeg, wire.CodeMacro:
			// allowed pre-negotiation
		default:
			return &ErrProtocol{Reason: fmt.Sprintf("command %q before OPTNEG", f.Code)}
		}
	}

	switch f.Code {
	case wire.CodeOptNeg:
		return s.handleOptNeg(f.Payload)

	case wire.CodeMacro:
		return s.handleMacro(f.Payload)

	case wire.CodeConn:
		return s.handleConnect(f.Payload)

	case wire.CodeHelo:
		// The MTA is expected to NUL-terminate the HELO argument; some do
		// not. We accept both and merely log the deviation (resolved open
		// question: accept both, see SPEC_FULL.md §10.1).
		if len(f.Payload) > 0 && f.Payload[len(f.Payload)-1] != 0 {
			LogDebug("milter: HELO payload missing NUL terminator, accepting as-is")
		}
		s.helo = wire.ReadCString(f.Payload)
		return nil

	case wire.CodeMail:
		from := wire.ReadCString(f.Payload)
		s.from = addr.Parse(from).String()
		return nil

	case wire.CodeRcpt:
		to := wire.ReadCString(f.Payload)
		s.rcpts = append(s.rcpts, addr.Parse(to).String())
		return nil

	case wire.CodeData:
		// message buffer already exists (bytes.Buffer zero value is ready to use)
		return nil

	case wire.CodeHeader:
		return s.handleHeader(f.Payload)

	case wire.CodeEOH:
		s.message.WriteString("\r\n")
		return nil

	case wire.CodeBody:
		s.message.Write(f.Payload)
		return nil

	case wire.CodeEOB:
		if s.server.host != nil {
			s.server.host.Finish(s)
		}
		return nil

	case wire.CodeAbort:
		s.resetEnvelope()
		return nil

	case wire.CodeQuitNewConn:
		s.resetForNewConnection()
		return nil

	case wire.CodeQuit:
		return nil

	case wire.CodeUnknown:
		// reserved; accepted silently
		return nil

	default:
		return &ErrProtocol{Reason: fmt.Sprintf("unexpected command %q", f.Code)}
	}
}

func (s *Session) handleOptNeg(data []byte) error {
	if len(data) < 4*3 {
		return &ErrProtocol{Reason: fmt.Sprintf("OPTNEG: short payload %d", len(data))}
	}
	mtaVersion := binary.BigEndian.Uint32(data[0:4])
	mtaActions := OptAction(binary.BigEndian.Uint32(data[4:8]))
	mtaProtocol := OptProtocol(binary.BigEndian.Uint32(data[8:12]))
	if mtaVersion < ProtoMin {
		return &ErrProtocol{Reason: fmt.Sprintf("OPTNEG: unsupported version %d", mtaVersion)}
	}

	version := mtaVersion
	if version > s.server.options.maxVersion {
		version = s.server.options.maxVersion
	}
	if version > MaxServerProtocolVersion {
		version = MaxServerProtocolVersion
	}
	actions := mtaActions | s.server.options.actions
	protocol := s.server.options.protocol
	maxDataSize := s.server.options.usedMaxData
	if maxDataSize == 0 {
		maxDataSize = DataSize64K
	}

	if cb := s.server.options.negotiationCallback; cb != nil {
		var err error
		version, actions, protocol, maxDataSize, err = cb(mtaVersion, version, mtaActions, actions, mtaProtocol, protocol, maxDataSize)
		if err != nil {
			return &ErrProtocol{Reason: fmt.Sprintf("OPTNEG: negotiation callback: %v", err)}
		}
	}

	s.version = version
	s.actions = actions
	s.protocol = protocol
	s.maxDataSize = maxDataSize
	s.negotiated = true
	s.modifier = newModifier(s, modifierStateReadWrite)

	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], s.version)
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.actions))
	binary.BigEndian.PutUint32(buf[8:12], uint32(s.protocol))
	return s.enqueueAction(&wire.Message{Code: wire.CodeOptNeg, Data: buf[:]})
}

func (s *Session) handleMacro(data []byte) error {
	if len(data) == 0 {
		return &ErrProtocol{Reason: "MACRO: empty payload"}
	}
	kv := wire.DecodeCStrings(data[1:])
	if len(kv)%2 == 1 {
		kv = append(kv, "")
	}
	for i := 0; i+1 < len(kv); i += 2 {
		s.macros.Set(kv[i], kv[i+1])
		if kv[i] == MacroMailHost {
			s.hostname = kv[i+1]
		}
	}
	return nil
}

func (s *Session) handleConnect(data []byte) error {
	if len(data) == 0 {
		return &ErrProtocol{Reason: "CONNECT: empty payload"}
	}
	hostname := wire.ReadCString(data)
	if len(hostname) == len(data) {
		return &ErrProtocol{Reason: "CONNECT: hostname not NUL-terminated"}
	}
	data = data[len(hostname)+1:]
	if len(data) == 0 {
		return &ErrProtocol{Reason: "CONNECT: missing family byte"}
	}
	family := ProtoFamily(data[0])
	data = data[1:]

	s.hostname = hostname

	switch family {
	case FamilyUnknown:
		s.addr = nil
		return nil
	case FamilyUnix, FamilyInet, FamilyInet6:
		if len(data) < 2 {
			return &ErrProtocol{Reason: "CONNECT: missing port"}
		}
		port := binary.BigEndian.Uint16(data)
		data = data[2:]
		address := wire.ReadCString(data)

		if family == FamilyInet {
			ip := net.ParseIP(address)
			if ip == nil || ip.To4() == nil {
				return &ErrProtocol{Reason: fmt.Sprintf("CONNECT: invalid IPv4 address %q", address)}
			}
		} else if family == FamilyInet6 {
			address = strings.TrimPrefix(address, "IPv6:")
			var ip net.IP
			if len(address) > 2 && address[0] == '[' && address[len(address)-1] == ']' {
				ip = net.ParseIP(address[1 : len(address)-1])
			} else {
				ip = net.ParseIP(address)
			}
			if ip == nil {
				return &ErrProtocol{Reason: fmt.Sprintf("CONNECT: invalid IPv6 address %q", address)}
			}
			address = ip.String()
		}

		s.addr = &SessionAddr{Family: family, Host: hostname, Port: port, Address: address}
		return nil
	default:
		return &ErrProtocol{Reason: fmt.Sprintf("CONNECT: unknown family %q", family)}
	}
}

func (s *Session) handleHeader(data []byte) error {
	fields := wire.DecodeCStrings(data)
	if len(fields) != 2 {
		return &ErrProtocol{Reason: fmt.Sprintf("HEADER: expected 2 strings, got %d", len(fields))}
	}
	name, value := fields[0], fields[1]
	s.message.WriteString(name)
	s.message.WriteString(": ")
	s.message.WriteString(value)
	s.message.WriteString("\r\n")
	s.headerCounts[name]++
	return nil
}
